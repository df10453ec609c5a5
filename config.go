package tally

import (
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/tally/internal/store"
)

// Config configures the store and the sync engine.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, it is derived from Store.
	LocalPath string

	// Store is the local store (business account) to operate against.
	// If empty, resolved as TALLY_STORE env > "default".
	Store string

	// APIURL is the base URL of the remote service.
	// If empty, operates in offline-only mode.
	APIURL string

	// APIToken is the bearer credential for the remote service.
	APIToken string

	// DeviceID identifies this installation to the remote service.
	// If empty, one is generated and persisted in the store metadata.
	DeviceID string

	// SyncInterval is how often the background loop syncs.
	// Defaults to 15 seconds.
	SyncInterval time.Duration

	// AutoSync enables the background sync loop.
	AutoSync bool

	// PageSize is the page size used for pulls. Defaults to 200.
	PageSize int

	// MaxRejections is how many times a record rejected by the remote service
	// is retried before it is parked. Defaults to 5.
	MaxRejections int

	// RequestTimeout bounds a single HTTP request. Defaults to 30 seconds.
	RequestTimeout time.Duration

	// Debug enables debug logging, including request and response bodies.
	Debug bool

	// LogPath is the path of a rotated log file. Defaults to stderr if empty.
	LogPath string
}

// Defaults.
const (
	DefaultSyncInterval   = 15 * time.Second
	DefaultPageSize       = 200
	DefaultMaxRejections  = 5
	DefaultRequestTimeout = 30 * time.Second
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Store:          "default",
		LocalPath:      store.StoreDBPath("default"),
		SyncInterval:   DefaultSyncInterval,
		AutoSync:       true,
		PageSize:       DefaultPageSize,
		MaxRejections:  DefaultMaxRejections,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	TALLY_DB_PATH        → LocalPath
//	TALLY_STORE          → Store
//	TALLY_API_URL        → APIURL
//	TALLY_API_TOKEN      → APIToken
//	TALLY_DEVICE_ID      → DeviceID
//	TALLY_SYNC_INTERVAL  → SyncInterval (Go duration)
//	TALLY_PAGE_SIZE      → PageSize
//	TALLY_DEBUG          → Debug (any non-empty value enables)
//	TALLY_LOG            → LogPath
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath: os.Getenv("TALLY_DB_PATH"),
		Store:     os.Getenv("TALLY_STORE"),
		APIURL:    os.Getenv("TALLY_API_URL"),
		APIToken:  os.Getenv("TALLY_API_TOKEN"),
		DeviceID:  os.Getenv("TALLY_DEVICE_ID"),
		Debug:     os.Getenv("TALLY_DEBUG") != "",
		LogPath:   os.Getenv("TALLY_LOG"),
	}
	if d, err := time.ParseDuration(os.Getenv("TALLY_SYNC_INTERVAL")); err == nil {
		cfg.SyncInterval = d
	}
	if n, err := strconv.Atoi(os.Getenv("TALLY_PAGE_SIZE")); err == nil {
		cfg.PageSize = n
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Store != "" {
		if err := store.ValidateStoreID(c.Store); err != nil {
			return &ValidationError{Field: "Store", Message: err.Error()}
		}
	}

	if c.APIURL != "" && c.APIToken == "" {
		return &ValidationError{Field: "APIToken", Message: "required when APIURL is set"}
	}

	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}

	if c.PageSize < 0 {
		return &ValidationError{Field: "PageSize", Message: "must be non-negative"}
	}

	if c.MaxRejections < 0 {
		return &ValidationError{Field: "MaxRejections", Message: "must be non-negative"}
	}

	return nil
}

// IsOffline returns true if no remote service is configured.
func (c *Config) IsOffline() bool {
	return c.APIURL == ""
}

// WithDefaults fills in default values for unset fields.
// LocalPath is derived from the resolved Store if not explicitly set.
func (c Config) WithDefaults() Config {
	if c.Store == "" {
		resolved, err := store.ResolveStore("")
		if err == nil {
			c.Store = resolved
		} else {
			c.Store = "default"
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.StoreDBPath(c.Store)
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxRejections == 0 {
		c.MaxRejections = DefaultMaxRejections
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	return c
}

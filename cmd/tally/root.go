package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/reconcile"
	"github.com/hyperengineering/tally/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	outputJSON bool

	// activeToken is the API token of the last loaded config, scrubbed
	// from error output.
	activeToken string
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Tally - offline business records with remote sync",
	Long: `Tally keeps customers, inventory, work orders, bills and bank accounts
in a local SQLite store and synchronizes them with the remote service.

Configuration is read from flags, TALLY_* environment variables, a .env
file in the working directory and ~/.tally/config.yaml, in that order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if isTTY() {
			fmt.Fprintln(cmd.OutOrStdout(), renderBannerWithTagline())
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return cmd.Help()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: ~/.tally/config.yaml)")
	flags.String("store", "", `Store to operate on (default: $TALLY_STORE or "default")`)
	flags.String("db-path", "", "Path to the local database (overrides --store)")
	flags.String("api-url", "", "Base URL of the remote service")
	flags.String("api-token", "", "Bearer token for the remote service")
	flags.String("device-id", "", "Device identifier sent to the remote service")
	flags.Int("page-size", 0, "Records per pull page")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")
	flags.BoolVar(&outputJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(storesCmd)
}

// loadConfig merges flags, environment and the config file into a
// validated tally.Config.
func loadConfig(cmd *cobra.Command) (tally.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("log-file", "TALLY_LOG"); err != nil {
		return tally.Config{}, err
	}
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return tally.Config{}, fmt.Errorf("bind flags: %w", err)
	}
	if err := readConfigFile(v); err != nil {
		return tally.Config{}, err
	}

	storeID, err := store.ResolveStore(v.GetString("store"))
	if err != nil {
		return tally.Config{}, err
	}

	cfg := tally.DefaultConfig()
	cfg.Store = storeID
	cfg.LocalPath = v.GetString("db-path")
	cfg.APIURL = v.GetString("api-url")
	cfg.APIToken = v.GetString("api-token")
	cfg.DeviceID = v.GetString("device-id")
	cfg.PageSize = v.GetInt("page-size")
	cfg.Debug = v.GetBool("debug")
	cfg.LogPath = v.GetString("log-file")
	if d := v.GetDuration("sync-interval"); d > 0 {
		cfg.SyncInterval = d
	}
	if d := v.GetDuration("request-timeout"); d > 0 {
		cfg.RequestTimeout = d
	}
	if n := v.GetInt("max-rejections"); n > 0 {
		cfg.MaxRejections = n
	}
	if v.IsSet("auto-sync") {
		cfg.AutoSync = v.GetBool("auto-sync")
	}

	cfg = cfg.WithDefaults()
	activeToken = cfg.APIToken
	if err := cfg.Validate(); err != nil {
		return tally.Config{}, err
	}
	return cfg, nil
}

// readConfigFile reads --config, or ~/.tally/config.yaml when present.
func readConfigFile(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Dir(store.DefaultStoreRoot()))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// app is the store and logger a command runs against.
type app struct {
	cfg       tally.Config
	log       *logrus.Logger
	logCloser io.Closer
	store     *tally.Store
}

// newApp loads the configuration and opens the configured store.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, closer, err := tally.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	s, err := tally.Open(cmd.Context(), cfg.LocalPath, tally.WithLogger(logger))
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: logger, logCloser: closer, store: s}, nil
}

// engine connects the sync engine. It fails in offline mode.
func (a *app) engine(ctx context.Context) (*reconcile.Engine, error) {
	engine, err := reconcile.Connect(ctx, a.store, a.cfg, a.log)
	if errors.Is(err, tally.ErrOffline) {
		return nil, fmt.Errorf("%w: set --api-url or TALLY_API_URL", err)
	}
	return engine, err
}

func (a *app) Close() error {
	err := a.store.Close()
	a.logCloser.Close()
	return err
}

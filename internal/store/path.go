// Package store locates local tally databases on disk.
//
// Each business account gets its own store directory under the store root:
//
//	~/.tally/stores/<store-id>/tally.db
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// DBFileName is the database file inside a store directory.
const DBFileName = "tally.db"

// ErrInvalidStoreID indicates the store ID format is invalid.
var ErrInvalidStoreID = errors.New("invalid store ID: must be 1-64 lowercase alphanumeric characters, hyphens or underscores")

var storeIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateStoreID validates a store ID.
func ValidateStoreID(id string) error {
	if !storeIDRegex.MatchString(id) {
		return ErrInvalidStoreID
	}
	return nil
}

// DefaultStoreRoot returns the root directory for all stores.
// Falls back to ./.tally/stores if the home directory is unavailable.
func DefaultStoreRoot() string {
	if root := os.Getenv("TALLY_HOME"); root != "" {
		return filepath.Join(root, "stores")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".tally", "stores")
	}
	return filepath.Join(home, ".tally", "stores")
}

// StoreDBPath returns the full path to a store's database file.
func StoreDBPath(storeID string) string {
	return filepath.Join(DefaultStoreRoot(), storeID, DBFileName)
}

// ResolveStore picks the store ID to use.
// Priority: explicit > TALLY_STORE env > "default".
func ResolveStore(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateStoreID(explicit); err != nil {
			return "", fmt.Errorf("invalid store ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv("TALLY_STORE"); env != "" {
		if err := ValidateStoreID(env); err != nil {
			return "", fmt.Errorf("invalid TALLY_STORE %q: %w", env, err)
		}
		return env, nil
	}

	return "default", nil
}

// ListStores returns the IDs of stores under root that contain a database, sorted.
// A missing root yields an empty list.
func ListStores(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateStoreID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), DBFileName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

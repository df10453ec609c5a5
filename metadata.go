package tally

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Metadata keys.
const (
	MetaDeviceID   = "device_id"
	lastPullSuffix = "_last_pull"
)

// Metadata is the key/value table for sync bookkeeping.
type Metadata struct {
	s *Store
}

// Get returns the value stored under key. ok is false if the key is absent.
func (m *Metadata) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = m.s.read(func(q querier) error {
		var v sql.NullString
		err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: get metadata %s: %w", key, err)
		}
		value, ok = v.String, true
		return nil
	})
	return value, ok, err
}

// Set stores value under key.
func (m *Metadata) Set(ctx context.Context, key, value string) error {
	return m.s.withTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, m.s.stamp())
		if err != nil {
			return fmt.Errorf("store: set metadata %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key.
func (m *Metadata) Delete(ctx context.Context, key string) error {
	return m.s.withTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
			return fmt.Errorf("store: delete metadata %s: %w", key, err)
		}
		return nil
	})
}

// LastPullKey is the metadata key holding a group's last successful pull.
func LastPullKey(group string) string {
	return group + lastPullSuffix
}

// LastPull returns the time of the group's last complete pull, or "".
func (m *Metadata) LastPull(ctx context.Context, group string) (string, error) {
	v, _, err := m.Get(ctx, LastPullKey(group))
	return v, err
}

// SetLastPull records a complete pull of group now.
func (m *Metadata) SetLastPull(ctx context.Context, group string) error {
	return m.Set(ctx, LastPullKey(group), m.s.stamp())
}

// DeviceID returns the installation's device id, generating and persisting
// one on first use.
func (m *Metadata) DeviceID(ctx context.Context) (string, error) {
	id, ok, err := m.Get(ctx, MetaDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := m.Set(ctx, MetaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

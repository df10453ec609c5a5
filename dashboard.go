package tally

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// DashboardFilter selects the dashboard metrics period: either a named
// period (today, week, month, year) or a specific month of a year.
type DashboardFilter struct {
	Period string
	Month  int
	Year   int
}

// Key returns the cache key of the filter.
func (f DashboardFilter) Key() string {
	if f.Period != "" {
		return "period:" + f.Period
	}
	return fmt.Sprintf("monthYear:%d-%d", f.Month, f.Year)
}

// DashboardCache stores the last fetched dashboard metrics per filter.
type DashboardCache struct {
	s *Store
}

// Put stores the metrics payload for f.
func (d *DashboardCache) Put(ctx context.Context, f DashboardFilter, payload json.RawMessage) error {
	return d.s.withTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO dashboard_metrics (key, payload, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
		`, f.Key(), string(payload), d.s.stamp())
		if err != nil {
			return fmt.Errorf("store: cache dashboard metrics: %w", err)
		}
		return nil
	})
}

// Get returns the cached payload for f and when it was stored.
// It returns ErrNotFound when nothing is cached.
func (d *DashboardCache) Get(ctx context.Context, f DashboardFilter) (json.RawMessage, string, error) {
	var payload, updatedAt string
	err := d.s.read(func(q querier) error {
		return q.QueryRowContext(ctx, `SELECT payload, updated_at FROM dashboard_metrics WHERE key = ?`, f.Key()).
			Scan(text(&payload), text(&updatedAt))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: read dashboard metrics: %w", err)
	}
	return json.RawMessage(payload), updatedAt, nil
}

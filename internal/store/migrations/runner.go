package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// LedgerTable records applied migrations.
const LedgerTable = "_migrations"

const timeFormat = "2006-01-02T15:04:05.000Z"

// Applied describes one migration applied by Run.
type Applied struct {
	Version  int64
	Name     string
	Duration time.Duration
}

// LedgerEntry is one row of the migration ledger.
type LedgerEntry struct {
	Version   int64
	Name      string
	AppliedAt string
}

// Run applies every migration missing from the ledger, in version order.
// Each migration and its ledger row commit in one transaction; the first
// failure stops the run and is returned.
func Run(ctx context.Context, db *sql.DB) ([]Applied, error) {
	all := All()
	names := make(map[int64]string, len(all))
	gomigs := make([]*goose.Migration, 0, len(all))
	for _, m := range all {
		names[m.Version] = m.Name
		gomigs = append(gomigs, goose.NewGoMigration(m.Version,
			&goose.GoFunc{RunTx: m.Up, Mode: goose.TransactionEnabled},
			nil,
		))
	}

	provider, err := goose.NewProvider("", db, nil,
		goose.WithStore(&ledger{names: names}),
		goose.WithGoMigrations(gomigs...),
		goose.WithDisableGlobalRegistry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("migrations: create provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrations: up: %w", err)
	}

	applied := make([]Applied, 0, len(results))
	for _, r := range results {
		if r.Source == nil {
			continue
		}
		applied = append(applied, Applied{
			Version:  r.Source.Version,
			Name:     names[r.Source.Version],
			Duration: r.Duration,
		})
	}
	return applied, nil
}

// Ledger returns the applied migrations in version order.
func Ledger(ctx context.Context, db *sql.DB) ([]LedgerEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, applied_at FROM `+LedgerTable+` WHERE id > 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("migrations: read ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Version, &e.Name, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("migrations: scan ledger: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Latest returns the highest applied version, or 0.
func Latest(ctx context.Context, db *sql.DB) (int64, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(id) FROM `+LedgerTable).Scan(&v); err != nil {
		return 0, fmt.Errorf("migrations: latest version: %w", err)
	}
	return v.Int64, nil
}

// ledger is a goose version store backed by the _migrations(id, name,
// applied_at) table. goose's own version table has no name column, and
// databases from earlier releases already carry this ledger.
type ledger struct {
	names map[int64]string
}

var _ database.Store = (*ledger)(nil)

func (l *ledger) Tablename() string { return LedgerTable }

func (l *ledger) CreateVersionTable(ctx context.Context, db database.DBTxConn) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+LedgerTable+` (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	return err
}

func (l *ledger) TableExists(ctx context.Context, db database.DBTxConn) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, LedgerTable,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *ledger) Insert(ctx context.Context, db database.DBTxConn, req database.InsertRequest) error {
	name, ok := l.names[req.Version]
	if !ok {
		name = "baseline"
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+LedgerTable+` (id, name, applied_at) VALUES (?, ?, ?)`,
		req.Version, name, time.Now().UTC().Format(timeFormat),
	)
	return err
}

func (l *ledger) Delete(ctx context.Context, db database.DBTxConn, version int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM `+LedgerTable+` WHERE id = ?`, version)
	return err
}

func (l *ledger) GetMigration(ctx context.Context, db database.DBTxConn, version int64) (*database.GetMigrationResult, error) {
	var appliedAt string
	err := db.QueryRowContext(ctx, `SELECT applied_at FROM `+LedgerTable+` WHERE id = ?`, version).Scan(&appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", database.ErrVersionNotFound, version)
	}
	if err != nil {
		return nil, err
	}
	ts, _ := time.Parse(time.RFC3339Nano, appliedAt)
	return &database.GetMigrationResult{Timestamp: ts, IsApplied: true}, nil
}

func (l *ledger) GetLatestVersion(ctx context.Context, db database.DBTxConn) (int64, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(id) FROM `+LedgerTable).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return -1, database.ErrVersionNotFound
	}
	return v.Int64, nil
}

// ListMigrations returns applied versions, newest first. Ledgers written by
// earlier releases have no version 0 row; goose expects one, so it is implied.
func (l *ledger) ListMigrations(ctx context.Context, db database.DBTxConn) ([]*database.ListMigrationsResult, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM `+LedgerTable+` ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out     []*database.ListMigrationsResult
		hasZero bool
	)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v == 0 {
			hasZero = true
		}
		out = append(out, &database.ListMigrationsResult{Version: v, IsApplied: true})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !hasZero {
		out = append(out, &database.ListMigrationsResult{Version: 0, IsApplied: true})
	}
	return out, nil
}

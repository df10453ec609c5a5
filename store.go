package tally

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hyperengineering/tally/internal/store/migrations"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// busyTimeoutMillis bounds how long a statement waits for a database lock.
const busyTimeoutMillis = 5000

// Store manages the local SQLite business database.
//
// A Store holds a single connection. Repository operations are short
// transactions and never span a network call.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	closed   bool
	path     string
	log      logrus.FieldLogger
	now      func() time.Time
	validate *validator.Validate

	Customers     *CustomerRepo
	Items         *ItemRepo
	SerialNumbers *SerialNumberRepo
	StockHistory  *StockHistoryRepo
	Services      *ServiceRepo
	WorkOrders    *WorkOrderRepo
	Bills         *BillRepo
	BillLineItems *BillLineItemRepo
	Payments      *PaymentRepo
	BankAccounts  *BankAccountRepo
	Metadata      *Metadata
	Dashboard     *DashboardCache
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces the clock used to stamp timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the store at path and applies pending migrations.
// A migration failure is fatal: the handle is closed and the error returned.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and a single
	// connection keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis),
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:       db,
		path:     path,
		now:      time.Now,
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = discardLogger()
	}

	applied, err := migrations.Run(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}
	for _, m := range applied {
		s.log.WithFields(logrus.Fields{
			"version":  m.Version,
			"name":     m.Name,
			"duration": m.Duration.String(),
		}).Info("applied migration")
	}

	s.initRepos()
	return s, nil
}

// Opener opens a store once per process. Concurrent callers share the
// same handle; a failed attempt is not cached, so the next call retries.
type Opener struct {
	mu    sync.Mutex
	path  string
	opts  []Option
	store *Store
}

// NewOpener returns an Opener for the store at path.
func NewOpener(path string, opts ...Option) *Opener {
	return &Opener{path: path, opts: opts}
}

// Open returns the shared store, opening and migrating it on first use.
func (o *Opener) Open(ctx context.Context) (*Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.store != nil {
		return o.store, nil
	}
	s, err := Open(ctx, o.path, o.opts...)
	if err != nil {
		return nil, err
	}
	o.store = s
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Logger returns the store logger.
func (s *Store) Logger() logrus.FieldLogger { return s.log }

// Close closes the store. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// stamp returns the current time in storage format.
func (s *Store) stamp() string {
	return formatTime(s.now())
}

func newID() string {
	return ulid.Make().String()
}

// read runs fn against the database outside a transaction.
func (s *Store) read(fn func(q querier) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return fn(s.db)
}

// withTx runs fn in a transaction. fn must only use the querier it is given:
// the store has a single connection and s.db would block on it.
func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// MigrationRecord is one applied schema migration.
type MigrationRecord struct {
	Version   int64  `json:"version"`
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

// Migrations returns the applied schema migrations in version order.
func (s *Store) Migrations(ctx context.Context) ([]MigrationRecord, error) {
	var records []MigrationRecord
	err := s.read(func(querier) error {
		entries, err := migrations.Ledger(ctx, s.db)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		for _, e := range entries {
			records = append(records, MigrationRecord{Version: e.Version, Name: e.Name, AppliedAt: e.AppliedAt})
		}
		return nil
	})
	return records, err
}

// Stats returns row and pending counts for every entity table.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	err := s.read(func(q querier) error {
		for _, table := range migrations.EntityTables {
			ts := TableStats{Table: table}
			err := q.QueryRowContext(ctx, `
				SELECT
					COUNT(*),
					COALESCE(SUM(deleted = 1), 0),
					COALESCE(SUM(pending_sync = 1), 0),
					COALESCE(SUM(pending_sync = 1 AND sync_error IS NOT NULL AND sync_error != ''), 0),
					COALESCE(SUM(sync_parked = 1), 0)
				FROM `+table).Scan(&ts.Rows, &ts.Deleted, &ts.Pending, &ts.Errored, &ts.Parked)
			if err != nil {
				return fmt.Errorf("store: stats %s: %w", table, err)
			}
			stats.PendingSync += ts.Pending
			stats.Tables = append(stats.Tables, ts)
		}

		var v sql.NullInt64
		if err := q.QueryRowContext(ctx, `SELECT MAX(id) FROM `+migrations.LedgerTable).Scan(&v); err != nil {
			return fmt.Errorf("store: schema version: %w", err)
		}
		stats.SchemaVersion = v.Int64
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// IsEmpty reports whether no entity table holds any row. A fresh install
// is empty until its first pull.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	empty := true
	err := s.read(func(q querier) error {
		for _, table := range migrations.EntityTables {
			var one int
			err := q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` LIMIT 1`).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("store: probe %s: %w", table, err)
			}
			empty = false
			return nil
		}
		return nil
	})
	return empty, err
}

// Reset deletes every row of every table except the migration ledger.
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(q querier) error {
		tables := append([]string{"metadata", "dashboard_metrics"}, migrations.EntityTables...)
		for _, table := range tables {
			if _, err := q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("store: reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// Pending returns the pending rows of every entity table, oldest first
// within each table. Parked rows are included.
func (s *Store) Pending(ctx context.Context) ([]PendingRow, error) {
	var out []PendingRow
	err := s.read(func(q querier) error {
		for _, table := range migrations.EntityTables {
			rows, err := q.QueryContext(ctx, `SELECT `+envelopeSelect+` FROM `+table+`
				WHERE pending_sync = 1 ORDER BY updated_at ASC`)
			if err != nil {
				return fmt.Errorf("store: pending %s: %w", table, err)
			}
			for rows.Next() {
				pr := PendingRow{Table: table}
				if err := rows.Scan(envelopeDests(&pr.Envelope)...); err != nil {
					rows.Close()
					return fmt.Errorf("store: scan pending %s: %w", table, err)
				}
				out = append(out, pr)
			}
			err = rows.Err()
			rows.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Repo returns the sync bookkeeping interface of the named table.
func (s *Store) Repo(table string) (Bookkeeper, error) {
	switch table {
	case "customers":
		return s.Customers, nil
	case "items":
		return s.Items, nil
	case "serial_numbers":
		return s.SerialNumbers, nil
	case "stock_history":
		return s.StockHistory, nil
	case "services":
		return s.Services, nil
	case "work_orders":
		return s.WorkOrders, nil
	case "bills":
		return s.Bills, nil
	case "bill_items":
		return s.BillLineItems, nil
	case "payment_history":
		return s.Payments, nil
	case "bank_accounts":
		return s.BankAccounts, nil
	}
	return nil, fmt.Errorf("store: unknown table %q", table)
}

func (s *Store) initRepos() {
	s.Customers = newCustomerRepo(s)
	s.Items = newItemRepo(s)
	s.SerialNumbers = newSerialNumberRepo(s)
	s.StockHistory = newStockHistoryRepo(s)
	s.Services = newServiceRepo(s)
	s.WorkOrders = newWorkOrderRepo(s)
	s.Bills = newBillRepo(s)
	s.BillLineItems = newBillLineItemRepo(s)
	s.Payments = newPaymentRepo(s)
	s.BankAccounts = newBankAccountRepo(s)
	s.Metadata = &Metadata{s: s}
	s.Dashboard = &DashboardCache{s: s}

	// Aggregates write their nested children through the child tables.
	s.Items.serials = s.SerialNumbers.table
	s.Items.stock = s.StockHistory.table
	s.Bills.lines = s.BillLineItems.table
	s.Bills.payments = s.Payments.table
}

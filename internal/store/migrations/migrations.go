// Package migrations evolves the local tally schema.
//
// Migrations are Go functions run in ascending version order by a goose
// provider. Applied versions are recorded in the _migrations ledger table,
// which is shared with databases created by earlier app releases, so a version
// is never applied twice. Every step tolerates partially applied schemas: it
// only adds columns that are missing and only creates missing tables.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migration is one ordered schema change.
type Migration struct {
	Version int64
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// EntityTables lists every syncable table.
var EntityTables = []string{
	"customers",
	"items",
	"serial_numbers",
	"stock_history",
	"services",
	"work_orders",
	"bills",
	"bill_items",
	"payment_history",
	"bank_accounts",
}

// All returns the migrations in version order.
func All() []Migration {
	return []Migration{
		{1, "create base offline tables", createBaseTables},
		{2, "add customer sync columns", syncColumns("customers")},
		{3, "add work order sync columns", syncColumns("work_orders")},
		{4, "add bill sync columns", syncColumns("bills", "bill_items", "payment_history")},
		{5, "add inventory sync columns", inventorySyncColumns},
		{6, "add bank account sync columns", syncColumns("bank_accounts")},
		{7, "add dashboard metrics cache", createDashboardMetrics},
		{8, "complete sync envelope", completeEnvelope},
	}
}

func createBaseTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			customer_name TEXT,
			phone_number TEXT,
			whatsapp_number TEXT,
			address TEXT,
			created_by TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_created_by ON customers (created_by)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_deleted ON customers (deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_updated_at ON customers (updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_name_phone ON customers (customer_name, phone_number)`,

		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			item_type TEXT,
			item_name TEXT,
			unit TEXT,
			warranty TEXT,
			mrp REAL,
			purchase_price REAL,
			sale_price REAL,
			stock_qty INTEGER,
			created_by TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_created_by ON items (created_by)`,
		`CREATE INDEX IF NOT EXISTS idx_items_deleted ON items (deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_items_updated_at ON items (updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_items_name ON items (item_name)`,

		`CREATE TABLE IF NOT EXISTS serial_numbers (
			id TEXT PRIMARY KEY,
			item_id TEXT,
			serial_no TEXT,
			status TEXT,
			customer_name TEXT,
			bill_number TEXT,
			added_at TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_serial_numbers_serial_no ON serial_numbers (serial_no)`,
		`CREATE INDEX IF NOT EXISTS idx_serial_numbers_item_id ON serial_numbers (item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_serial_numbers_deleted ON serial_numbers (deleted)`,

		`CREATE TABLE IF NOT EXISTS stock_history (
			id TEXT PRIMARY KEY,
			item_id TEXT,
			qty INTEGER,
			added_at TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_history_item_id ON stock_history (item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_history_deleted ON stock_history (deleted)`,

		`CREATE TABLE IF NOT EXISTS services (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			service_name TEXT,
			service_price REAL,
			created_by TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_services_deleted ON services (deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_services_updated_at ON services (updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_services_name ON services (service_name)`,

		`CREATE TABLE IF NOT EXISTS work_orders (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			customer_id TEXT,
			work_order_number TEXT,
			note TEXT,
			schedule_date TEXT,
			has_scheduled_time INTEGER,
			schedule_time TEXT,
			status TEXT,
			completed_at TEXT,
			notification_sent INTEGER,
			bill_id TEXT,
			created_by TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_orders_status ON work_orders (status)`,
		`CREATE INDEX IF NOT EXISTS idx_work_orders_schedule_date ON work_orders (schedule_date)`,
		`CREATE INDEX IF NOT EXISTS idx_work_orders_deleted ON work_orders (deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_work_orders_updated_at ON work_orders (updated_at DESC)`,

		`CREATE TABLE IF NOT EXISTS bills (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			customer_id TEXT,
			bill_number TEXT,
			subtotal REAL,
			discount REAL,
			total_amount REAL,
			received_payment REAL,
			due_amount REAL,
			payment_method TEXT,
			status TEXT,
			work_order_id TEXT,
			created_by TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bills_customer_id ON bills (customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bills_bill_number ON bills (bill_number)`,
		`CREATE INDEX IF NOT EXISTS idx_bills_status ON bills (status)`,
		`CREATE INDEX IF NOT EXISTS idx_bills_deleted ON bills (deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_bills_updated_at ON bills (updated_at DESC)`,

		`CREATE TABLE IF NOT EXISTS bill_items (
			id TEXT PRIMARY KEY,
			bill_id TEXT,
			item_type TEXT,
			item_id TEXT,
			item_name TEXT,
			serial_number TEXT,
			qty INTEGER,
			price REAL,
			purchase_price REAL,
			amount REAL,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bill_items_bill_id ON bill_items (bill_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bill_items_deleted ON bill_items (deleted)`,

		`CREATE TABLE IF NOT EXISTS payment_history (
			id TEXT PRIMARY KEY,
			bill_id TEXT,
			amount REAL,
			paid_at TEXT,
			note TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_history_bill_id ON payment_history (bill_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_history_deleted ON payment_history (deleted)`,

		`CREATE TABLE IF NOT EXISTS bank_accounts (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			bank_name TEXT,
			account_number TEXT,
			ifsc_code TEXT,
			account_holder_name TEXT,
			upi_id TEXT,
			is_primary INTEGER,
			created_by TEXT,
			deleted INTEGER DEFAULT 0,
			updated_at TEXT,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bank_accounts_primary ON bank_accounts (is_primary)`,
		`CREATE INDEX IF NOT EXISTS idx_bank_accounts_deleted ON bank_accounts (deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_bank_accounts_updated_at ON bank_accounts (updated_at DESC)`,
	)
}

// syncColumns adds pending_sync, sync_op and sync_error to each table.
func syncColumns(tables ...string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, table := range tables {
			if err := addSyncColumns(ctx, tx, table); err != nil {
				return err
			}
		}
		return nil
	}
}

func addSyncColumns(ctx context.Context, tx *sql.Tx, table string) error {
	if err := addColumnIfMissing(ctx, tx, table, "pending_sync", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := addColumnIfMissing(ctx, tx, table, "sync_op", "TEXT"); err != nil {
		return err
	}
	if err := addColumnIfMissing(ctx, tx, table, "sync_error", "TEXT"); err != nil {
		return err
	}
	return execAll(ctx, tx,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_pending_sync ON %[1]s (pending_sync)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_sync_op ON %[1]s (sync_op)`, table),
	)
}

func inventorySyncColumns(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{"items", "services", "serial_numbers", "stock_history"} {
		if err := addColumnIfMissing(ctx, tx, table, "client_id", "TEXT"); err != nil {
			return err
		}
		if err := addSyncColumns(ctx, tx, table); err != nil {
			return err
		}
	}
	return nil
}

func createDashboardMetrics(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS dashboard_metrics (
			key TEXT PRIMARY KEY,
			payload TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dashboard_metrics_updated_at ON dashboard_metrics (updated_at DESC)`,
	)
}

// completeEnvelope gives every entity table the full envelope: a unique
// client_id (backfilled from id), an explicit placeholder flag and the
// rejection counters used to park records.
func completeEnvelope(ctx context.Context, tx *sql.Tx) error {
	for _, table := range EntityTables {
		for _, col := range []struct{ name, def string }{
			{"client_id", "TEXT"},
			{"pending_sync", "INTEGER DEFAULT 0"},
			{"sync_op", "TEXT"},
			{"sync_error", "TEXT"},
			{"is_placeholder", "INTEGER DEFAULT 0"},
			{"sync_attempts", "INTEGER DEFAULT 0"},
			{"sync_parked", "INTEGER DEFAULT 0"},
		} {
			if err := addColumnIfMissing(ctx, tx, table, col.name, col.def); err != nil {
				return err
			}
		}

		err := execAll(ctx, tx,
			fmt.Sprintf(`UPDATE %s SET client_id = id WHERE client_id IS NULL OR client_id = ''`, table),
			// Rows still waiting for their first remote create hold local ids.
			fmt.Sprintf(`UPDATE %s SET is_placeholder = 1 WHERE pending_sync = 1 AND sync_op = 'create'`, table),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_client_id ON %[1]s (client_id)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_pending_updated ON %[1]s (pending_sync, updated_at)`, table),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	exists, err := columnExists(ctx, tx, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

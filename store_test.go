package tally

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/tally/internal/store/migrations"
)

// tickClock advances one second on every reading so that successive
// mutations get distinct timestamps.
type tickClock struct {
	t time.Time
}

func (c *tickClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &tickClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tally.db"), WithClock(clock.now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesEntityTables(t *testing.T) {
	s := newTestStore(t)

	tables := append([]string{"metadata", "dashboard_metrics", migrations.LedgerTable}, migrations.EntityTables...)
	for _, table := range tables {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestOpen_EnablesWAL(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
}

func TestOpen_ReopenKeepsSchemaVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tally.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s.Customers.InsertLocal(ctx, &Customer{Name: "Asha"}); err != nil {
		t.Fatalf("InsertLocal: %v", err)
	}
	s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s.Close()

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.SchemaVersion != int64(len(migrations.All())) {
		t.Errorf("SchemaVersion = %d, want %d", stats.SchemaVersion, len(migrations.All()))
	}
	if stats.PendingSync != 1 {
		t.Errorf("PendingSync = %d, want 1 after reopen", stats.PendingSync)
	}
}

func TestMigrations_ListsLedger(t *testing.T) {
	s := newTestStore(t)

	records, err := s.Migrations(context.Background())
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	all := migrations.All()
	if len(records) != len(all) {
		t.Fatalf("got %d migrations, want %d", len(records), len(all))
	}
	for i, r := range records {
		if r.Version != all[i].Version || r.Name != all[i].Name || r.AppliedAt == "" {
			t.Errorf("migration %d = %+v, want version %d %q", i, r, all[i].Version, all[i].Name)
		}
	}
}

func TestOpener_SharesHandle(t *testing.T) {
	ctx := context.Background()
	o := NewOpener(filepath.Join(t.TempDir(), "tally.db"))

	a, err := o.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	b, err := o.Open(ctx)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if a != b {
		t.Error("Opener returned different handles")
	}
}

func TestOpener_FailedAttemptIsNotCached(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	o := NewOpener(filepath.Join(blocker, "tally.db"))
	if _, err := o.Open(ctx); err == nil {
		t.Fatal("Open succeeded under a regular file, want error")
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	s, err := o.Open(ctx)
	if err != nil {
		t.Fatalf("Open after fixing path: %v", err)
	}
	s.Close()
}

func TestClose_Idempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	_, err := s.Customers.List(context.Background(), 0, 0)
	if !errors.Is(err, ErrStoreClosed) {
		t.Errorf("List after Close = %v, want ErrStoreClosed", err)
	}
}

func TestStats_CountsPerTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &Customer{Name: "Asha"}
	b := &Customer{Name: "Ravi"}
	for _, c := range []*Customer{a, b} {
		if err := s.Customers.InsertLocal(ctx, c); err != nil {
			t.Fatalf("InsertLocal: %v", err)
		}
	}
	if err := s.Customers.MarkPendingDelete(ctx, b.ID); err != nil {
		t.Fatalf("MarkPendingDelete: %v", err)
	}
	if err := s.Customers.MarkParked(ctx, a.ID, "rejected"); err != nil {
		t.Fatalf("MarkParked: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	var customers TableStats
	for _, ts := range stats.Tables {
		if ts.Table == "customers" {
			customers = ts
		}
	}
	want := TableStats{Table: "customers", Rows: 2, Deleted: 1, Pending: 2, Errored: 1, Parked: 1}
	if customers != want {
		t.Errorf("customers stats = %+v, want %+v", customers, want)
	}
	if stats.PendingSync != 2 {
		t.Errorf("PendingSync = %d, want 2", stats.PendingSync)
	}
}

func TestIsEmptyAndReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	empty, err := s.IsEmpty(ctx)
	if err != nil || !empty {
		t.Fatalf("IsEmpty on fresh store = %v, %v; want true", empty, err)
	}

	if err := s.Services.InsertLocal(ctx, &Service{Name: "Install"}); err != nil {
		t.Fatalf("InsertLocal: %v", err)
	}
	if err := s.Metadata.SetLastPull(ctx, "inventory"); err != nil {
		t.Fatalf("SetLastPull: %v", err)
	}
	empty, err = s.IsEmpty(ctx)
	if err != nil || empty {
		t.Fatalf("IsEmpty with a service = %v, %v; want false", empty, err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	empty, err = s.IsEmpty(ctx)
	if err != nil || !empty {
		t.Errorf("IsEmpty after Reset = %v, %v; want true", empty, err)
	}
	last, err := s.Metadata.LastPull(ctx, "inventory")
	if err != nil || last != "" {
		t.Errorf("LastPull after Reset = %q, %v; want empty", last, err)
	}

	latest, err := migrations.Latest(ctx, s.db)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != int64(len(migrations.All())) {
		t.Errorf("ledger lost by Reset: latest = %d", latest)
	}
}

func TestPending_AcrossTables(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Customers.InsertLocal(ctx, &Customer{Name: "Asha"}); err != nil {
		t.Fatal(err)
	}
	if err := s.BankAccounts.InsertLocal(ctx, &BankAccount{BankName: "SBI", AccountNumber: "001"}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Pending returned %d rows, want 2", len(rows))
	}
	seen := map[string]bool{}
	for _, r := range rows {
		seen[r.Table] = true
		if r.SyncOp != SyncOpCreate || !r.Placeholder {
			t.Errorf("%s row = %+v, want placeholder pending create", r.Table, r.Envelope)
		}
	}
	if !seen["customers"] || !seen["bank_accounts"] {
		t.Errorf("Pending tables = %v", seen)
	}
}

func TestRepo_UnknownTable(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Repo("invoices"); err == nil {
		t.Error("Repo(invoices) returned nil error")
	}
	r, err := s.Repo("bill_items")
	if err != nil {
		t.Fatalf("Repo(bill_items): %v", err)
	}
	if r.Table() != "bill_items" {
		t.Errorf("Table() = %q", r.Table())
	}
}

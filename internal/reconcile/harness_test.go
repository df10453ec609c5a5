package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/remote"
	"github.com/hyperengineering/tally/internal/remotetest"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

// testClock stamps local rows one second apart, starting before anything
// the backend stamps, so pulled copies always win over synced local rows.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	store   *tally.Store
	backend *remotetest.Backend
	client  *remote.HTTPClient
	url     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := tally.Open(context.Background(), filepath.Join(t.TempDir(), "tally.db"), tally.WithClock(clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b, srv := remotetest.Start(t, testToken)
	c := remote.NewHTTPClient(srv.URL, testToken, "device-1").WithRetry(0, time.Millisecond)
	return &harness{store: s, backend: b, client: c, url: srv.URL}
}

func (h *harness) config() tally.Config {
	return tally.Config{
		LocalPath:     h.store.Path(),
		Store:         "test",
		PageSize:      2,
		MaxRejections: 2,
		SyncInterval:  10 * time.Millisecond,
	}
}

func (h *harness) engine() *Engine {
	return New(h.store, h.client, h.config(), nil)
}

func (h *harness) push(t *testing.T) *PushReport {
	t.Helper()
	rep, err := NewPusher(h.store, h.client, 2, nil).Push(context.Background())
	require.NoError(t, err)
	return rep
}

// pendingRow returns the pending bookkeeping of the row of table with id.
func (h *harness) pendingRow(t *testing.T, table, id string) (tally.PendingRow, bool) {
	t.Helper()
	rows, err := h.store.Pending(context.Background())
	require.NoError(t, err)
	for _, r := range rows {
		if r.Table == table && (r.ID == id || r.ClientID == id) {
			return r, true
		}
	}
	return tally.PendingRow{}, false
}

// serverID returns the _id of the only record of resource on the backend.
func (h *harness) serverID(t *testing.T, resource string) string {
	t.Helper()
	recs := h.backend.Records(resource)
	require.Len(t, recs, 1)
	id, _ := recs[0]["_id"].(string)
	require.NotEmpty(t, id)
	return id
}

// syncedCustomer stores a customer known to the backend.
func (h *harness) syncedCustomer(t *testing.T, id string) {
	t.Helper()
	h.backend.Seed(remote.Customers.Name, remotetest.Record{"_id": id, "customerName": "Asha"})
	err := h.store.Customers.UpsertOne(context.Background(), &tally.Customer{
		Envelope: tally.Envelope{ID: id, UpdatedAt: "2024-06-01T00:00:00.000Z"},
		Name:     "Asha",
	})
	require.NoError(t, err)
}

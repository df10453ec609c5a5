package reconcile

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSync_PushThenPull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := &tally.Customer{Name: "Ravi"}
	require.NoError(t, h.store.Customers.InsertLocal(ctx, c))

	res, err := h.engine().Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Push.Pushed)
	assert.Len(t, res.Pull, len(Groups))

	// The pulled copy merged into the promoted row instead of duplicating it.
	customers, err := h.store.Customers.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, h.serverID(t, remote.Customers.Name), customers[0].ID)
	assert.Equal(t, c.ID, customers[0].ClientID)
	assert.False(t, customers[0].PendingSync)
}

func TestSync_ReportsPullFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.FailNext(http.StatusServiceUnavailable)
	res, err := h.engine().Sync(ctx)
	require.Error(t, err)
	assert.NotNil(t, res.Push)
	assert.Len(t, res.Pull, len(Groups))
}

// gatedClient holds list requests until gate is closed and signals the
// first one on entered.
type gatedClient struct {
	remote.Client
	gate    chan struct{}
	entered chan struct{}
}

func (c gatedClient) List(ctx context.Context, res remote.Resource, path string, page, limit int) (*remote.Page, error) {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.gate
	return c.Client.List(ctx, res, path, page, limit)
}

func TestKick_SharesRunningPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	client := gatedClient{Client: h.client, gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	eng := New(h.store, client, h.config(), nil)

	first := eng.Kick(ctx)
	<-client.entered
	second := eng.Kick(ctx)
	close(client.gate)

	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	assert.True(t, r1.Shared)
	assert.True(t, r2.Shared)
	assert.Same(t, r1.Val, r2.Val)

	// One pass: one page of each list.
	lists := 0
	for _, r := range h.backend.Requests() {
		if r.Method == http.MethodGet {
			lists++
		}
	}
	assert.Equal(t, 7, lists)
}

func TestEngine_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := &tally.Customer{Name: "Ravi"}
	require.NoError(t, h.store.Customers.InsertLocal(ctx, c))

	eng := h.engine()
	eng.Start()
	eng.Start()

	require.Eventually(t, func() bool {
		got, err := h.store.Customers.GetLocal(ctx, c.Local())
		return err == nil && !got.PendingSync
	}, 5*time.Second, 10*time.Millisecond)

	eng.Stop()
	eng.Stop()

	time.Sleep(50 * time.Millisecond)
	requests := len(h.backend.Requests())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.backend.Requests(), requests, "loop kept running after Stop")
}

func TestConnect_Offline(t *testing.T) {
	h := newHarness(t)
	_, err := Connect(context.Background(), h.store, tally.Config{LocalPath: h.store.Path(), Store: "test"}, nil)
	assert.ErrorIs(t, err, tally.ErrOffline)
}

func TestConnect_SyncsWithConfiguredService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedCustomers(h, "A")

	cfg := h.config()
	cfg.APIURL = h.url
	cfg.APIToken = testToken
	eng, err := Connect(ctx, h.store, cfg, nil)
	require.NoError(t, err)

	_, err = eng.Sync(ctx)
	require.NoError(t, err)
	customers, err := h.store.Customers.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, customers, 1)
}

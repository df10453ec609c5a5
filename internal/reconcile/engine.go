// Package reconcile moves data between the local store and the remote
// service: pushes of locally pending rows and paged pulls of remote records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/remote"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// passTimeout bounds one background sync pass.
	passTimeout = 2 * time.Minute
	// stopTimeout bounds how long Stop waits for a running pass.
	stopTimeout = 5 * time.Second

	syncKey = "sync"
)

// SyncResult is the outcome of a push followed by a pull of every group.
type SyncResult struct {
	Push *PushReport  `json:"push"`
	Pull []PullResult `json:"pull"`
}

// Engine runs push and pull passes against one store.
type Engine struct {
	store  *tally.Store
	cfg    tally.Config
	log    logrus.FieldLogger
	puller *Puller
	pusher *Pusher
	flight singleflight.Group

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates an engine syncing store through client.
func New(store *tally.Store, client remote.Client, cfg tally.Config, log logrus.FieldLogger) *Engine {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = discardLogger()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		log:    log,
		puller: NewPuller(store, client, cfg.PageSize, log),
		pusher: NewPusher(store, client, cfg.MaxRejections, log),
	}
}

// Connect creates an engine talking HTTP to cfg.APIURL. The device id is
// taken from cfg or from the store metadata. It returns tally.ErrOffline
// when no remote service is configured.
func Connect(ctx context.Context, store *tally.Store, cfg tally.Config, log logrus.FieldLogger) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if cfg.IsOffline() {
		return nil, tally.ErrOffline
	}
	if log == nil {
		log = discardLogger()
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		var err error
		deviceID, err = store.Metadata.DeviceID(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: device id: %w", err)
		}
	}
	client := remote.NewHTTPClient(cfg.APIURL, cfg.APIToken, deviceID).
		WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}).
		WithLogger(log)
	return New(store, client, cfg, log), nil
}

// Push runs one push pass.
func (e *Engine) Push(ctx context.Context) (*PushReport, error) {
	return e.pusher.Push(ctx)
}

// Pull pulls one group.
func (e *Engine) Pull(ctx context.Context, group string) (*PullResult, error) {
	return e.puller.Pull(ctx, group)
}

// PullAll pulls every group.
func (e *Engine) PullAll(ctx context.Context) ([]PullResult, error) {
	return e.puller.PullAll(ctx)
}

// InitialPull pulls the groups that have never been pulled.
func (e *Engine) InitialPull(ctx context.Context) ([]PullResult, error) {
	return e.puller.InitialPull(ctx)
}

// RefreshDashboard fetches and caches the dashboard metrics for f.
func (e *Engine) RefreshDashboard(ctx context.Context, f tally.DashboardFilter) error {
	return e.puller.RefreshDashboard(ctx, f)
}

// Sync pushes pending rows and then pulls every group, so that the pull
// sees the server's view of what was just pushed.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}
	var err error
	result.Push, err = e.Push(ctx)
	if err != nil && (errors.Is(err, tally.ErrStoreClosed) || ctx.Err() != nil) {
		return result, fmt.Errorf("sync: %w", err)
	}
	pushErr := err

	result.Pull, err = e.PullAll(ctx)
	if err := errors.Join(pushErr, err); err != nil {
		return result, fmt.Errorf("sync: %w", err)
	}
	return result, nil
}

// Kick requests a sync pass and returns without waiting for it. Requests
// made while a pass is running share that pass and its result. ctx bounds
// the pass.
func (e *Engine) Kick(ctx context.Context) <-chan singleflight.Result {
	return e.flight.DoChan(syncKey, func() (any, error) {
		return e.Sync(ctx)
	})
}

// Start runs a sync pass every SyncInterval until Stop is called.
// Calling Start on a running engine does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop(e.stop, e.done)
}

// Stop ends the background loop, cancelling a running pass.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		e.log.Warn("sync loop did not stop in time")
	}
}

func (e *Engine) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
			select {
			case res := <-e.Kick(ctx):
				if res.Err != nil {
					e.log.WithError(res.Err).Warn("background sync failed")
				}
				cancel()
			case <-stop:
				cancel()
				return
			}
		}
	}
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

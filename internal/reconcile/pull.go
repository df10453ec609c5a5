package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/remote"
	"github.com/sirupsen/logrus"
)

// Pull groups, in initial pull order.
const (
	GroupCustomers    = "customers"
	GroupWorkOrders   = "work_orders"
	GroupBills        = "bills"
	GroupInventory    = "inventory"
	GroupBankAccounts = "bank_accounts"
)

// Groups lists every pull group in the order PullAll and InitialPull run them.
var Groups = []string{GroupCustomers, GroupWorkOrders, GroupBills, GroupInventory, GroupBankAccounts}

// DefaultDashboardFilter is the dashboard period refreshed after an initial pull.
var DefaultDashboardFilter = tally.DashboardFilter{Period: "1month"}

// source is one remote resource of a pull group and the way its records are
// stored.
type source struct {
	res   remote.Resource
	apply func(ctx context.Context, raws []json.RawMessage) (int, error)
}

// PullResult summarizes the pull of one group.
type PullResult struct {
	Group   string `json:"group"`
	Pages   int    `json:"pages"`
	Fetched int    `json:"fetched"`
	Written int    `json:"written"`
	Err     error  `json:"-"`
}

// Puller downloads remote records page by page and merges them into the
// store.
type Puller struct {
	store    *tally.Store
	client   remote.Client
	pageSize int
	log      logrus.FieldLogger
	sources  map[string][]source
}

// NewPuller creates a puller. A pageSize of 0 uses tally.DefaultPageSize.
func NewPuller(store *tally.Store, client remote.Client, pageSize int, log logrus.FieldLogger) *Puller {
	if pageSize <= 0 {
		pageSize = tally.DefaultPageSize
	}
	if log == nil {
		log = discardLogger()
	}
	p := &Puller{store: store, client: client, pageSize: pageSize, log: log}
	p.sources = map[string][]source{
		GroupCustomers:  {{remote.Customers, merge(remote.DecodeCustomers, store.Customers.UpsertMany)}},
		GroupWorkOrders: {{remote.WorkOrders, merge(remote.DecodeWorkOrders, store.WorkOrders.UpsertMany)}},
		GroupBills:      {{remote.Bills, merge(remote.DecodeBills, store.Bills.UpsertMany)}},
		GroupInventory: {
			{remote.Items, merge(remote.DecodeItems, store.Items.UpsertMany)},
			{remote.Services, merge(remote.DecodeServices, store.Services.UpsertMany)},
		},
		GroupBankAccounts: {{remote.BankAccounts, merge(remote.DecodeBankAccounts, store.BankAccounts.UpsertMany)}},
	}
	return p
}

// merge decodes a page and upserts whatever decoded. Decode and upsert
// failures are joined; the records that succeeded are kept.
func merge[T any](decode func([]json.RawMessage) ([]T, error), upsert func(context.Context, []T) (int, error)) func(context.Context, []json.RawMessage) (int, error) {
	return func(ctx context.Context, raws []json.RawMessage) (int, error) {
		recs, decodeErr := decode(raws)
		written, upsertErr := upsert(ctx, recs)
		return written, errors.Join(decodeErr, upsertErr)
	}
}

// Pull downloads every page of every source of group and merges the records.
// The group's last pull time is recorded only if every record was merged.
// A failed page request aborts the group.
func (p *Puller) Pull(ctx context.Context, group string) (*PullResult, error) {
	sources, ok := p.sources[group]
	if !ok {
		return nil, fmt.Errorf("pull: unknown group %q", group)
	}
	log := p.log.WithField("group", group)
	result := &PullResult{Group: group}

	var recordErrs []error
	for _, src := range sources {
		for _, path := range src.res.ListPaths {
			for page := 1; ; page++ {
				pg, err := p.client.List(ctx, src.res, path, page, p.pageSize)
				if err != nil {
					result.Err = fmt.Errorf("pull %s: %s page %d: %w", group, path, page, err)
					return result, result.Err
				}
				result.Pages++
				result.Fetched += len(pg.Records)

				written, err := src.apply(ctx, pg.Records)
				result.Written += written
				if errors.Is(err, tally.ErrStoreClosed) {
					result.Err = fmt.Errorf("pull %s: %w", group, err)
					return result, result.Err
				}
				if err != nil {
					log.WithFields(logrus.Fields{"path": path, "page": page}).WithError(err).Warn("skipped records")
					recordErrs = append(recordErrs, err)
				}

				if !pg.HasMore || len(pg.Records) == 0 {
					break
				}
			}
		}
	}

	if len(recordErrs) > 0 {
		result.Err = fmt.Errorf("pull %s: %w", group, errors.Join(recordErrs...))
		return result, result.Err
	}
	if err := p.store.Metadata.SetLastPull(ctx, group); err != nil {
		result.Err = fmt.Errorf("pull %s: %w", group, err)
		return result, result.Err
	}
	log.WithFields(logrus.Fields{
		"pages":   result.Pages,
		"fetched": result.Fetched,
		"written": result.Written,
	}).Info("pull complete")
	return result, nil
}

// EnsurePulled pulls group unless it has been pulled completely before.
// The returned result is nil when nothing was pulled.
func (p *Puller) EnsurePulled(ctx context.Context, group string) (*PullResult, error) {
	last, err := p.store.Metadata.LastPull(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", group, err)
	}
	if last != "" {
		return nil, nil
	}
	return p.Pull(ctx, group)
}

// PullAll pulls every group in order. A failing group does not stop the
// others; the errors are joined.
func (p *Puller) PullAll(ctx context.Context) ([]PullResult, error) {
	results := make([]PullResult, 0, len(Groups))
	var errs []error
	for _, group := range Groups {
		r, err := p.Pull(ctx, group)
		if r != nil {
			results = append(results, *r)
		}
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, tally.ErrStoreClosed) || ctx.Err() != nil {
				break
			}
		}
	}
	return results, errors.Join(errs...)
}

// InitialPull pulls every group that has never been pulled, in order,
// stopping at the first failure. It then refreshes the default dashboard
// metrics; a refresh failure is only logged.
func (p *Puller) InitialPull(ctx context.Context) ([]PullResult, error) {
	var results []PullResult
	for _, group := range Groups {
		r, err := p.EnsurePulled(ctx, group)
		if r != nil {
			results = append(results, *r)
		}
		if err != nil {
			return results, fmt.Errorf("initial pull: %w", err)
		}
	}
	if err := p.RefreshDashboard(ctx, DefaultDashboardFilter); err != nil {
		p.log.WithError(err).Warn("dashboard refresh failed")
	}
	return results, nil
}

// RefreshDashboard fetches the dashboard metrics for f and caches them.
func (p *Puller) RefreshDashboard(ctx context.Context, f tally.DashboardFilter) error {
	data, err := p.client.DashboardMetrics(ctx, f)
	if err != nil {
		return fmt.Errorf("dashboard %s: %w", f.Key(), err)
	}
	return p.store.Dashboard.Put(ctx, f, data)
}

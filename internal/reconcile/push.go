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

// reason is a push failure recorded on the row with a fixed message.
type reason struct {
	msg  string
	kind error
}

func (r reason) Error() string        { return r.msg }
func (r reason) Is(target error) bool { return target == r.kind }

var (
	errWaitParent        = reason{"waiting for parent sync", tally.ErrDependencyPending}
	errWaitServerID      = reason{"waiting for server id to update", tally.ErrDependencyPending}
	errDeleteUnsupported = reason{"delete not supported", tally.ErrUnsupported}
	errUpdateUnsupported = reason{"update not supported", tally.ErrUnsupported}
)

// RecordError is a failed push of one row.
type RecordError struct {
	Table string       `json:"table"`
	ID    string       `json:"id"`
	Op    tally.SyncOp `json:"op"`
	Err   error        `json:"-"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Table, e.Op, e.ID, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// PushReport counts the outcome of every pending row visited by a push pass.
type PushReport struct {
	// Pushed rows were accepted by the remote service.
	Pushed int `json:"pushed"`
	// Settled rows were resolved locally without a request.
	Settled int `json:"settled"`
	// Waiting rows depend on a parent that is not created remotely yet.
	Waiting int `json:"waiting"`
	// Failed rows hit a transient failure and are retried next pass.
	Failed int `json:"failed"`
	// Rejected rows were refused by the remote service but not parked yet.
	Rejected int `json:"rejected"`
	// Parked rows were dead-lettered during this pass.
	Parked int `json:"parked"`

	Errors []RecordError `json:"errors,omitempty"`
}

// outcome of a successful row push.
type outcome int

const (
	pushed outcome = iota
	settled
)

// Pusher sends locally pending rows to the remote service.
type Pusher struct {
	store         *tally.Store
	client        remote.Client
	maxRejections int
	log           logrus.FieldLogger
}

// NewPusher creates a pusher. Rows rejected maxRejections times are parked;
// 0 never parks.
func NewPusher(store *tally.Store, client remote.Client, maxRejections int, log logrus.FieldLogger) *Pusher {
	if log == nil {
		log = discardLogger()
	}
	return &Pusher{store: store, client: client, maxRejections: maxRejections, log: log}
}

// Push runs one pass over every table, parents before children. Row
// failures are recorded on the rows and counted in the report; the returned
// error is set only when the pass could not visit every table.
func (p *Pusher) Push(ctx context.Context) (*PushReport, error) {
	rep := &PushReport{}
	steps := []struct {
		table string
		run   func(context.Context, *PushReport) error
	}{
		{"customers", p.pushCustomers},
		{"items", p.pushItems},
		{"services", p.pushServices},
		{"serial_numbers", p.pushSerials},
		{"stock_history", p.pushStock},
		{"bank_accounts", p.pushBankAccounts},
		{"work_orders", p.pushWorkOrders},
		{"bills", p.pushBills},
		{"bill_items", p.pushBillLines},
		{"payment_history", p.pushPayments},
	}

	var errs []error
	for _, step := range steps {
		err := step.run(ctx, rep)
		if err == nil {
			continue
		}
		if errors.Is(err, tally.ErrStoreClosed) || ctx.Err() != nil {
			return rep, err
		}
		p.log.WithField("table", step.table).WithError(err).Error("push step failed")
		errs = append(errs, err)
	}

	p.log.WithFields(logrus.Fields{
		"pushed":   rep.Pushed,
		"settled":  rep.Settled,
		"waiting":  rep.Waiting,
		"failed":   rep.Failed,
		"rejected": rep.Rejected,
		"parked":   rep.Parked,
	}).Info("push complete")
	return rep, errors.Join(errs...)
}

// account records the result of pushing one row on the row and in rep.
// It returns an error only when the pass must stop.
func (p *Pusher) account(ctx context.Context, rep *PushReport, bk tally.Bookkeeper, e *tally.Envelope, out outcome, err error) error {
	if err == nil {
		if out == settled {
			rep.Settled++
		} else {
			rep.Pushed++
		}
		return nil
	}
	if errors.Is(err, tally.ErrStoreClosed) || ctx.Err() != nil {
		return err
	}

	log := p.log.WithFields(logrus.Fields{"table": bk.Table(), "id": e.ID, "op": e.SyncOp})
	var bookErr error
	switch {
	case errors.Is(err, tally.ErrDependencyPending):
		rep.Waiting++
		bookErr = bk.MarkSyncError(ctx, e.ID, err.Error())
		log.Debug(err.Error())
	case errors.Is(err, tally.ErrUnsupported):
		rep.Parked++
		bookErr = bk.MarkParked(ctx, e.ID, err.Error())
		log.Warn("parked unsupported operation")
	case tally.IsRetryable(err):
		rep.Failed++
		rep.Errors = append(rep.Errors, RecordError{bk.Table(), e.ID, e.SyncOp, err})
		bookErr = bk.MarkSyncError(ctx, e.ID, err.Error())
		log.WithError(err).Warn("push failed")
	default:
		var parked bool
		parked, bookErr = bk.MarkRejected(ctx, e.ID, err.Error(), p.maxRejections)
		if parked {
			rep.Parked++
		} else {
			rep.Rejected++
		}
		rep.Errors = append(rep.Errors, RecordError{bk.Table(), e.ID, e.SyncOp, err})
		log.WithError(err).WithField("parked", parked).Warn("push rejected")
	}

	if bookErr != nil {
		if errors.Is(bookErr, tally.ErrStoreClosed) {
			return bookErr
		}
		log.WithError(bookErr).Error("record push failure")
	}
	return nil
}

// ref resolves a parent reference held by a row to its remote id.
func (p *Pusher) ref(ctx context.Context, table, value string) (string, error) {
	id, ok, err := p.store.RemoteRef(ctx, table, value)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errWaitParent
	}
	return string(id), nil
}

// entity is a pointer to an entity struct embedding tally.Envelope.
type entity[T any] interface {
	*T
	Env() *tally.Envelope
}

// entityPush describes how the rows of a top-level table are pushed.
type entityPush[T any, P entity[T]] struct {
	repo    tally.Bookkeeper
	pending func(context.Context) ([]T, error)
	res     remote.Resource
	// body builds a create or update body.
	body func(ctx context.Context, rec P, op tally.SyncOp) (any, error)
	// created runs after a create was confirmed.
	created func(ctx context.Context, rec P, raw json.RawMessage) error
}

func pushEntities[T any, P entity[T]](ctx context.Context, p *Pusher, rep *PushReport, ep entityPush[T, P]) error {
	recs, err := ep.pending(ctx)
	if err != nil {
		return fmt.Errorf("push %s: %w", ep.repo.Table(), err)
	}
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := P(&recs[i])
		e := rec.Env()
		if e.Parked {
			continue
		}
		out, err := pushEntity(ctx, p, ep, rec)
		if err := p.account(ctx, rep, ep.repo, e, out, err); err != nil {
			return err
		}
	}
	return nil
}

func pushEntity[T any, P entity[T]](ctx context.Context, p *Pusher, ep entityPush[T, P], rec P) (outcome, error) {
	e := rec.Env()
	switch {
	case e.SyncOp == tally.SyncOpDelete:
		if e.Placeholder {
			return settled, ep.repo.Settle(ctx, e.ID)
		}
		if !ep.res.Deletable {
			return pushed, errDeleteUnsupported
		}
		if err := p.client.Delete(ctx, ep.res, e.ID); err != nil {
			if errors.Is(err, tally.ErrUnsupported) {
				return pushed, errDeleteUnsupported
			}
			return pushed, err
		}
		return pushed, ep.repo.ConfirmPush(ctx, e.ID, e.ID, e.UpdatedAt)

	case e.SyncOp == tally.SyncOpSetPrimary:
		if e.Placeholder {
			return pushed, errWaitServerID
		}
		if ep.res.Name != remote.BankAccounts.Name {
			return pushed, errUpdateUnsupported
		}
		if err := p.client.SetPrimary(ctx, e.ID); err != nil {
			return pushed, err
		}
		return pushed, ep.repo.ConfirmPush(ctx, e.ID, e.ID, e.UpdatedAt)

	case e.Placeholder:
		body, err := ep.body(ctx, rec, tally.SyncOpCreate)
		if err != nil {
			return pushed, err
		}
		raw, err := p.client.Create(ctx, ep.res, body)
		if err != nil {
			return pushed, err
		}
		serverID, err := remote.RecordID(raw)
		if err != nil {
			return pushed, err
		}
		if err := ep.repo.ConfirmPush(ctx, e.ID, serverID, e.UpdatedAt); err != nil {
			return pushed, err
		}
		p.log.WithFields(logrus.Fields{"table": ep.repo.Table(), "local_id": e.ID, "id": serverID}).Debug("created remotely")
		if ep.created != nil {
			if err := ep.created(ctx, rec, raw); err != nil {
				p.log.WithField("id", serverID).WithError(err).Warn("confirm nested rows")
			}
		}
		return pushed, nil

	default:
		body, err := ep.body(ctx, rec, tally.SyncOpUpdate)
		if err != nil {
			return pushed, err
		}
		if _, err := p.client.Update(ctx, ep.res, e.ID, body); err != nil {
			return pushed, err
		}
		return pushed, ep.repo.ConfirmPush(ctx, e.ID, e.ID, e.UpdatedAt)
	}
}

func (p *Pusher) pushCustomers(ctx context.Context, rep *PushReport) error {
	return pushEntities(ctx, p, rep, entityPush[tally.Customer, *tally.Customer]{
		repo:    p.store.Customers,
		pending: p.store.Customers.GetPending,
		res:     remote.Customers,
		body: func(_ context.Context, c *tally.Customer, _ tally.SyncOp) (any, error) {
			return remote.NewCustomerPayload(*c), nil
		},
	})
}

func (p *Pusher) pushItems(ctx context.Context, rep *PushReport) error {
	return pushEntities(ctx, p, rep, entityPush[tally.Item, *tally.Item]{
		repo:    p.store.Items,
		pending: p.store.Items.GetPending,
		res:     remote.Items,
		body: func(ctx context.Context, it *tally.Item, op tally.SyncOp) (any, error) {
			if op != tally.SyncOpCreate {
				return remote.NewItemPayload(*it, nil), nil
			}
			// Stock added after the item was created locally is pushed as
			// stock entries and serials, not as opening stock.
			added, err := p.store.Items.PendingStock(ctx, string(it.Local()))
			if err != nil {
				return nil, err
			}
			opening := max(it.StockQty-added, 0)
			return remote.NewItemPayload(*it, &opening), nil
		},
	})
}

func (p *Pusher) pushServices(ctx context.Context, rep *PushReport) error {
	return pushEntities(ctx, p, rep, entityPush[tally.Service, *tally.Service]{
		repo:    p.store.Services,
		pending: p.store.Services.GetPending,
		res:     remote.Services,
		body: func(_ context.Context, s *tally.Service, _ tally.SyncOp) (any, error) {
			return remote.NewServicePayload(*s), nil
		},
	})
}

func (p *Pusher) pushBankAccounts(ctx context.Context, rep *PushReport) error {
	return pushEntities(ctx, p, rep, entityPush[tally.BankAccount, *tally.BankAccount]{
		repo:    p.store.BankAccounts,
		pending: p.store.BankAccounts.GetPending,
		res:     remote.BankAccounts,
		body: func(_ context.Context, a *tally.BankAccount, _ tally.SyncOp) (any, error) {
			return remote.NewBankAccountPayload(*a), nil
		},
	})
}

func (p *Pusher) pushWorkOrders(ctx context.Context, rep *PushReport) error {
	return pushEntities(ctx, p, rep, entityPush[tally.WorkOrder, *tally.WorkOrder]{
		repo:    p.store.WorkOrders,
		pending: p.store.WorkOrders.GetPending,
		res:     remote.WorkOrders,
		body: func(ctx context.Context, w *tally.WorkOrder, _ tally.SyncOp) (any, error) {
			customerID, err := p.ref(ctx, "customers", w.CustomerID)
			if err != nil {
				return nil, err
			}
			billID, err := p.ref(ctx, "bills", w.BillID)
			if err != nil {
				return nil, err
			}
			return remote.NewWorkOrderPayload(*w, customerID, billID), nil
		},
	})
}

// billCreate is what a bill create sent besides the bill itself.
type billCreate struct {
	lines    []tally.BillLineItem
	payments []tally.PaymentRecord
}

func (p *Pusher) pushBills(ctx context.Context, rep *PushReport) error {
	sent := make(map[string]billCreate)
	return pushEntities(ctx, p, rep, entityPush[tally.Bill, *tally.Bill]{
		repo:    p.store.Bills,
		pending: p.store.Bills.GetPending,
		res:     remote.Bills,
		body: func(ctx context.Context, b *tally.Bill, op tally.SyncOp) (any, error) {
			customerID, err := p.ref(ctx, "customers", b.CustomerID)
			if err != nil {
				return nil, err
			}
			workOrderID, err := p.ref(ctx, "work_orders", b.WorkOrderID)
			if err != nil {
				return nil, err
			}
			if op != tally.SyncOpCreate {
				return remote.NewBillPayload(*b, customerID, workOrderID, nil), nil
			}

			key := string(b.Local())
			lines, err := p.store.BillLineItems.ListByParent(ctx, key, 0, 0)
			if err != nil {
				return nil, err
			}
			items, err := p.linePayloads(ctx, lines)
			if err != nil {
				return nil, err
			}
			payments, err := p.store.Payments.ListByParent(ctx, key, 0, 0)
			if err != nil {
				return nil, err
			}
			sent[b.ID] = billCreate{lines: lines, payments: payments}
			// The received amount already covers the bill's payments, so
			// they are not sent separately.
			return remote.NewBillPayload(*b, customerID, workOrderID, items), nil
		},
		created: func(ctx context.Context, b *tally.Bill, raw json.RawMessage) error {
			return p.confirmBillCreate(ctx, sent[b.ID], raw)
		},
	})
}

// linePayloads builds the line items of a bill body.
func (p *Pusher) linePayloads(ctx context.Context, lines []tally.BillLineItem) ([]remote.BillItemPayload, error) {
	out := make([]remote.BillItemPayload, 0, len(lines))
	for _, li := range lines {
		itemID, err := p.ref(ctx, "items", li.ItemID)
		if err != nil {
			return nil, err
		}
		out = append(out, remote.NewBillItemPayload(li, itemID))
	}
	return out, nil
}

// confirmBillCreate settles the line items and payments sent with a bill
// create. Line items take the ids the service assigned when it returned as
// many lines as were sent; the rest is reconciled by the next pull.
func (p *Pusher) confirmBillCreate(ctx context.Context, sent billCreate, raw json.RawMessage) error {
	created, err := remote.CreatedBill(raw)
	if err != nil {
		return err
	}
	serverIDs := created.LineIDs()
	if len(serverIDs) != len(sent.lines) {
		serverIDs = nil
	}

	var errs []error
	for i, li := range sent.lines {
		if !li.PendingSync {
			continue
		}
		serverID := li.ID
		if serverIDs != nil && serverIDs[i] != "" {
			serverID = serverIDs[i]
		}
		errs = append(errs, p.store.BillLineItems.ConfirmPush(ctx, li.ID, serverID, li.UpdatedAt))
	}
	for _, pay := range sent.payments {
		if pay.PendingSync {
			errs = append(errs, p.store.Payments.ConfirmPush(ctx, pay.ID, pay.ID, pay.UpdatedAt))
		}
	}
	return errors.Join(errs...)
}

// byParent groups rows by a parent reference, keeping first-seen order.
func byParent[T any](recs []T, parent func(*T) string) ([]string, map[string][]*T) {
	var keys []string
	groups := make(map[string][]*T)
	for i := range recs {
		key := parent(&recs[i])
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], &recs[i])
	}
	return keys, groups
}

// childPush splits a parent's pending children into rows that need a
// request and rows resolved without one, accounting for the latter.
// Children are only ever created remotely; edits and remote deletes are
// parked.
func childPush[T any, P entity[T]](ctx context.Context, p *Pusher, rep *PushReport, bk tally.Bookkeeper, rows []*T) ([]P, error) {
	var creates []P
	for _, row := range rows {
		rec := P(row)
		e := rec.Env()
		var err error
		switch {
		case e.Parked:
			continue
		case e.SyncOp == tally.SyncOpDelete && e.Placeholder:
			err = p.account(ctx, rep, bk, e, settled, bk.Settle(ctx, e.ID))
		case e.SyncOp == tally.SyncOpDelete:
			err = p.account(ctx, rep, bk, e, pushed, errDeleteUnsupported)
		case !e.Placeholder:
			err = p.account(ctx, rep, bk, e, pushed, errUpdateUnsupported)
		default:
			creates = append(creates, rec)
		}
		if err != nil {
			return nil, err
		}
	}
	return creates, nil
}

// confirmAll confirms each row after a request that carried all of them, or
// accounts the request's failure on each.
func confirmAll[T any, P entity[T]](ctx context.Context, p *Pusher, rep *PushReport, bk tally.Bookkeeper, rows []P, reqErr error) error {
	for _, rec := range rows {
		e := rec.Env()
		err := reqErr
		if err == nil {
			err = bk.ConfirmPush(ctx, e.ID, e.ID, e.UpdatedAt)
		}
		if err := p.account(ctx, rep, bk, e, pushed, err); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) pushSerials(ctx context.Context, rep *PushReport) error {
	bk := p.store.SerialNumbers
	pending, err := bk.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("push serial_numbers: %w", err)
	}
	keys, groups := byParent(pending, func(sn *tally.SerialNumber) string { return sn.ItemID })
	for _, key := range keys {
		creates, err := childPush[tally.SerialNumber, *tally.SerialNumber](ctx, p, rep, bk, groups[key])
		if err != nil {
			return err
		}
		if len(creates) == 0 {
			continue
		}
		itemID, err := p.ref(ctx, "items", key)
		if err != nil {
			if err := confirmAll(ctx, p, rep, bk, creates, err); err != nil {
				return err
			}
			continue
		}
		nos := make([]string, len(creates))
		for i, sn := range creates {
			nos[i] = sn.SerialNo
		}
		reqErr := p.client.AddStock(ctx, itemID, remote.StockRequest{SerialNumbers: nos})
		if err := confirmAll(ctx, p, rep, bk, creates, reqErr); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) pushStock(ctx context.Context, rep *PushReport) error {
	bk := p.store.StockHistory
	pending, err := bk.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("push stock_history: %w", err)
	}
	keys, groups := byParent(pending, func(sh *tally.StockHistoryEntry) string { return sh.ItemID })
	for _, key := range keys {
		creates, err := childPush[tally.StockHistoryEntry, *tally.StockHistoryEntry](ctx, p, rep, bk, groups[key])
		if err != nil {
			return err
		}
		if len(creates) == 0 {
			continue
		}
		itemID, err := p.ref(ctx, "items", key)
		if err != nil {
			if err := confirmAll(ctx, p, rep, bk, creates, err); err != nil {
				return err
			}
			continue
		}
		qty := 0
		for _, sh := range creates {
			qty += sh.Qty
		}
		var reqErr error
		if qty != 0 {
			reqErr = p.client.AddStock(ctx, itemID, remote.StockRequest{StockQty: qty})
		}
		if err := confirmAll(ctx, p, rep, bk, creates, reqErr); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) pushPayments(ctx context.Context, rep *PushReport) error {
	bk := p.store.Payments
	pending, err := bk.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("push payment_history: %w", err)
	}
	keys, groups := byParent(pending, func(pay *tally.PaymentRecord) string { return pay.BillID })
	for _, key := range keys {
		creates, err := childPush[tally.PaymentRecord, *tally.PaymentRecord](ctx, p, rep, bk, groups[key])
		if err != nil {
			return err
		}
		if len(creates) == 0 {
			continue
		}
		billID, err := p.ref(ctx, "bills", key)
		if err != nil {
			if err := confirmAll(ctx, p, rep, bk, creates, err); err != nil {
				return err
			}
			continue
		}
		for _, pay := range creates {
			reqErr := p.client.AddPayment(ctx, billID, remote.PaymentRequest{Amount: pay.Amount, Note: pay.Note})
			if err := confirmAll(ctx, p, rep, bk, []*tally.PaymentRecord{pay}, reqErr); err != nil {
				return err
			}
		}
	}
	return nil
}

// pushBillLines replaces the line items of every promoted bill that has
// pending lines. Lines of a bill that is still a placeholder are sent with
// the bill's create.
func (p *Pusher) pushBillLines(ctx context.Context, rep *PushReport) error {
	bk := p.store.BillLineItems
	pending, err := bk.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("push bill_items: %w", err)
	}
	keys, groups := byParent(pending, func(li *tally.BillLineItem) string { return li.BillID })
	for _, key := range keys {
		var send []*tally.BillLineItem
		for _, li := range groups[key] {
			var err error
			switch {
			case li.Parked:
				continue
			case li.SyncOp == tally.SyncOpDelete && li.Placeholder:
				err = p.account(ctx, rep, bk, &li.Envelope, settled, bk.Settle(ctx, li.ID))
			default:
				send = append(send, li)
			}
			if err != nil {
				return err
			}
		}
		if len(send) == 0 {
			continue
		}
		if err := p.replaceBillLines(ctx, rep, key, send); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) replaceBillLines(ctx context.Context, rep *PushReport, billKey string, send []*tally.BillLineItem) error {
	bk := p.store.BillLineItems
	fail := func(err error) error {
		for _, li := range send {
			if err := p.account(ctx, rep, bk, &li.Envelope, pushed, err); err != nil {
				return err
			}
		}
		return nil
	}

	billID, err := p.ref(ctx, "bills", billKey)
	if err != nil {
		return fail(err)
	}
	live, err := bk.ListByParent(ctx, billKey, 0, 0)
	if err != nil {
		return fail(err)
	}
	items, err := p.linePayloads(ctx, live)
	if err != nil {
		return fail(err)
	}
	raw, err := p.client.Update(ctx, remote.Bills, billID, remote.BillItemsRequest{Items: items})
	if err != nil {
		return fail(err)
	}

	// Map live lines to the ids the service returned, by position.
	serverIDs := make(map[string]string, len(live))
	if len(raw) > 0 {
		if updated, err := remote.CreatedBill(raw); err == nil {
			if ids := updated.LineIDs(); len(ids) == len(live) {
				for i, li := range live {
					if ids[i] != "" {
						serverIDs[li.ID] = ids[i]
					}
				}
			}
		}
	}
	sent := make(map[string]bool, len(send))
	for _, li := range send {
		sent[li.ID] = true
		serverID := li.ID
		if id, ok := serverIDs[li.ID]; ok {
			serverID = id
		}
		err := bk.ConfirmPush(ctx, li.ID, serverID, li.UpdatedAt)
		if err := p.account(ctx, rep, bk, &li.Envelope, pushed, err); err != nil {
			return err
		}
	}
	// Synced lines were replaced too and carry new ids.
	for _, li := range live {
		id, ok := serverIDs[li.ID]
		if sent[li.ID] || li.PendingSync || !ok || id == li.ID {
			continue
		}
		if err := bk.MarkSynced(ctx, li.ID, id); err != nil {
			p.log.WithFields(logrus.Fields{"table": bk.Table(), "id": li.ID}).WithError(err).Warn("rename replaced line")
		}
	}
	return nil
}

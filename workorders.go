package tally

import "context"

// Work order statuses.
const (
	WorkOrderPending   = "pending"
	WorkOrderCompleted = "completed"
)

// WorkOrderRepo stores work orders. Lists are ordered by schedule date.
type WorkOrderRepo struct {
	*table[WorkOrder, *WorkOrder]
}

func newWorkOrderRepo(s *Store) *WorkOrderRepo {
	return &WorkOrderRepo{&table[WorkOrder, *WorkOrder]{
		s:    s,
		name: "work_orders",
		columns: []string{
			"customer_id", "work_order_number", "note", "schedule_date", "has_scheduled_time",
			"schedule_time", "status", "completed_at", "notification_sent", "bill_id", "created_by",
		},
		values: func(w *WorkOrder) []any {
			return []any{
				w.CustomerID, w.Number, w.Note, w.ScheduleDate, boolInt(w.HasScheduledTime),
				w.ScheduleTime, w.Status, w.CompletedAt, boolInt(w.NotificationSent), w.BillID, w.CreatedBy,
			}
		},
		dests: func(w *WorkOrder) []any {
			return []any{
				text(&w.CustomerID), text(&w.Number), text(&w.Note), text(&w.ScheduleDate), flag(&w.HasScheduledTime),
				text(&w.ScheduleTime), text(&w.Status), text(&w.CompletedAt), flag(&w.NotificationSent), text(&w.BillID), text(&w.CreatedBy),
			}
		},
		order: "schedule_date ASC, created_at ASC",
		refs: []parentRef[*WorkOrder]{
			{"customer_id", "customers", func(w *WorkOrder) *string { return &w.CustomerID }},
			{"bill_id", "bills", func(w *WorkOrder) *string { return &w.BillID }},
		},
		parent: "customer_id",
		prepare: func(w *WorkOrder) {
			if w.Status == "" {
				w.Status = WorkOrderPending
			}
		},
	}}
}

// ListByStatus returns non-deleted work orders with the given status.
func (r *WorkOrderRepo) ListByStatus(ctx context.Context, status string, limit, offset int) ([]WorkOrder, error) {
	limit, offset = pageArgs(limit, offset)
	var out []WorkOrder
	err := r.s.read(func(q querier) error {
		var err error
		out, err = r.queryRows(ctx, q, "WHERE status = ? AND deleted = 0 ORDER BY "+r.order+" LIMIT ? OFFSET ?", status, limit, offset)
		return err
	})
	return out, err
}

type WorkOrderPatch struct {
	CustomerID       *string
	Number           *string
	Note             *string
	ScheduleDate     *string
	HasScheduledTime *bool
	ScheduleTime     *string
	Status           *string
	CompletedAt      *string
	NotificationSent *bool
	BillID           *string
}

func (r *WorkOrderRepo) MarkPendingUpdate(ctx context.Context, id string, p WorkOrderPatch) error {
	var sets []assign
	sets = set(sets, "customer_id", p.CustomerID)
	sets = set(sets, "work_order_number", p.Number)
	sets = set(sets, "note", p.Note)
	sets = set(sets, "schedule_date", p.ScheduleDate)
	sets = set(sets, "has_scheduled_time", p.HasScheduledTime)
	sets = set(sets, "schedule_time", p.ScheduleTime)
	sets = set(sets, "status", p.Status)
	sets = set(sets, "completed_at", p.CompletedAt)
	sets = set(sets, "notification_sent", p.NotificationSent)
	sets = set(sets, "bill_id", p.BillID)
	return r.markPendingUpdate(ctx, id, sets)
}

// Complete marks a work order completed now, optionally linking its bill.
func (r *WorkOrderRepo) Complete(ctx context.Context, id, billID string) error {
	status := WorkOrderCompleted
	at := r.s.stamp()
	p := WorkOrderPatch{Status: &status, CompletedAt: &at}
	if billID != "" {
		p.BillID = &billID
	}
	return r.MarkPendingUpdate(ctx, id, p)
}

package tally

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPaymentMethod is used for bills created without one.
const DefaultPaymentMethod = "cash"

// BillRepo stores bills. Bills own their line items and payment history:
// Get hydrates them, local inserts and upserts write them.
type BillRepo struct {
	*table[Bill, *Bill]
	lines    *table[BillLineItem, *BillLineItem]
	payments *table[PaymentRecord, *PaymentRecord]
}

func newBillRepo(s *Store) *BillRepo {
	r := &BillRepo{}
	r.table = &table[Bill, *Bill]{
		s:    s,
		name: "bills",
		columns: []string{
			"customer_id", "bill_number", "subtotal", "discount", "total_amount", "received_payment",
			"due_amount", "payment_method", "status", "work_order_id", "created_by",
		},
		values: func(b *Bill) []any {
			return []any{
				b.CustomerID, b.Number, moneyValue(b.Subtotal), moneyValue(b.Discount), moneyValue(b.Total), moneyValue(b.Received),
				moneyValue(b.Due), b.PaymentMethod, b.Status, b.WorkOrderID, b.CreatedBy,
			}
		},
		dests: func(b *Bill) []any {
			return []any{
				text(&b.CustomerID), text(&b.Number), money(&b.Subtotal), money(&b.Discount), money(&b.Total), money(&b.Received),
				money(&b.Due), text(&b.PaymentMethod), text(&b.Status), text(&b.WorkOrderID), text(&b.CreatedBy),
			}
		},
		order: "created_at DESC",
		refs: []parentRef[*Bill]{
			{"customer_id", "customers", func(b *Bill) *string { return &b.CustomerID }},
			{"work_order_id", "work_orders", func(b *Bill) *string { return &b.WorkOrderID }},
		},
		parent: "customer_id",
		prepare: func(b *Bill) {
			if b.PaymentMethod == "" {
				b.PaymentMethod = DefaultPaymentMethod
			}
			b.Due = dueAmount(b.Total, b.Received)
			b.Status = BillStatus(b.Total, b.Received)
		},
		hydrate:     r.loadChildren,
		afterUpsert: r.mergeChildren,
		afterInsert: r.insertChildren,
	}
	return r
}

// BillStatus derives a bill's status from its total and received amount.
func BillStatus(total, received decimal.Decimal) string {
	switch {
	case received.GreaterThanOrEqual(total):
		return BillPaid
	case received.IsPositive():
		return BillPartial
	}
	return BillUnpaid
}

func dueAmount(total, received decimal.Decimal) decimal.Decimal {
	due := total.Sub(received)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

func (r *BillRepo) loadChildren(ctx context.Context, q querier, b *Bill) error {
	var err error
	b.Items, err = r.lines.queryRows(ctx, q,
		"WHERE bill_id IN (?, ?) AND deleted = 0 ORDER BY "+r.lines.order, b.ClientID, b.ID)
	if err != nil {
		return err
	}
	b.Payments, err = r.payments.queryRows(ctx, q,
		"WHERE bill_id IN (?, ?) AND deleted = 0 ORDER BY "+r.payments.order, b.ClientID, b.ID)
	return err
}

// mergeChildren merges the nested line items and payments of an incoming
// bill, tombstoning synced ones the server no longer lists when the bill
// was applied.
func (r *BillRepo) mergeChildren(ctx context.Context, q querier, b *Bill, applied bool) error {
	if b.Items != nil {
		keep := make([]string, 0, len(b.Items))
		for n := range b.Items {
			li := &b.Items[n]
			li.BillID = b.ClientID
			if _, err := r.lines.upsertTx(ctx, q, li); err != nil {
				return err
			}
			keep = append(keep, li.ID)
		}
		if applied {
			if err := r.lines.tombstoneChildren(ctx, q, b.ClientID, keep); err != nil {
				return err
			}
		}
	}
	if b.Payments != nil {
		keep := make([]string, 0, len(b.Payments))
		for n := range b.Payments {
			p := &b.Payments[n]
			p.BillID = b.ClientID
			if _, err := r.payments.upsertTx(ctx, q, p); err != nil {
				return err
			}
			keep = append(keep, p.ID)
		}
		if applied {
			if err := r.payments.tombstoneChildren(ctx, q, b.ClientID, keep); err != nil {
				return err
			}
		}
	}
	return nil
}

// insertChildren stores the line items and payments of a locally created
// bill as pending creates. They are confirmed by the bill's own create.
func (r *BillRepo) insertChildren(ctx context.Context, q querier, b *Bill) error {
	for n := range b.Items {
		li := &b.Items[n]
		li.ID = ""
		li.BillID = b.ClientID
		if err := r.lines.stageLocal(li); err != nil {
			return err
		}
		if err := r.lines.insertLocalTx(ctx, q, li); err != nil {
			return err
		}
	}
	for n := range b.Payments {
		p := &b.Payments[n]
		p.ID = ""
		p.BillID = b.ClientID
		if err := r.payments.stageLocal(p); err != nil {
			return err
		}
		if err := r.payments.insertLocalTx(ctx, q, p); err != nil {
			return err
		}
	}
	return nil
}

// ListByCustomer returns a customer's bills, newest first.
func (r *BillRepo) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]Bill, error) {
	return r.ListByParent(ctx, customerID, limit, offset)
}

// BillPatch holds the bill fields to change. Nil fields are kept. Received
// amounts change only through RecordPayment.
type BillPatch struct {
	CustomerID    *string
	Number        *string
	Subtotal      *decimal.Decimal
	Discount      *decimal.Decimal
	Total         *decimal.Decimal
	PaymentMethod *string
	WorkOrderID   *string
}

// MarkPendingUpdate applies p and records a pending update. Due amount and
// status are recomputed when the total changes.
func (r *BillRepo) MarkPendingUpdate(ctx context.Context, id string, p BillPatch) error {
	return r.s.withTx(ctx, func(q querier) error {
		var sets []assign
		sets = set(sets, "customer_id", p.CustomerID)
		sets = set(sets, "bill_number", p.Number)
		sets = set(sets, "subtotal", p.Subtotal)
		sets = set(sets, "discount", p.Discount)
		sets = set(sets, "total_amount", p.Total)
		sets = set(sets, "payment_method", p.PaymentMethod)
		sets = set(sets, "work_order_id", p.WorkOrderID)
		if p.Total != nil {
			bill, err := r.queryOne(ctx, q, "WHERE (id = ? OR client_id = ?) AND deleted = 0", id, id)
			if err != nil {
				return err
			}
			due := dueAmount(*p.Total, bill.Received)
			status := BillStatus(*p.Total, bill.Received)
			sets = set(sets, "due_amount", &due)
			sets = set(sets, "status", &status)
		}
		return r.markPendingUpdateTx(ctx, q, id, sets, SyncOpUpdate)
	})
}

// RecordPayment stores a pending payment against a bill and recomputes the
// bill's received amount, due amount and status. The bill itself is not
// marked pending: the remote service applies the payment to it.
func (r *BillRepo) RecordPayment(ctx context.Context, billID string, amount decimal.Decimal, note string) (*PaymentRecord, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", ErrInvalidRecord)
	}
	payment := &PaymentRecord{Amount: amount, Note: note}
	err := r.s.withTx(ctx, func(q querier) error {
		bill, err := r.queryOne(ctx, q, "WHERE (id = ? OR client_id = ?) AND deleted = 0", billID, billID)
		if err != nil {
			return err
		}
		payment.BillID = bill.ClientID
		if err := r.payments.stageLocal(payment); err != nil {
			return err
		}
		if err := r.payments.insertLocalTx(ctx, q, payment); err != nil {
			return err
		}

		received := bill.Received.Add(amount)
		_, err = q.ExecContext(ctx, `UPDATE bills SET received_payment = ?, due_amount = ?, status = ? WHERE client_id = ?`,
			moneyValue(received), moneyValue(dueAmount(bill.Total, received)), BillStatus(bill.Total, received), bill.ClientID)
		if err != nil {
			return fmt.Errorf("store: apply payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// BillLineItemRepo stores bill line items.
type BillLineItemRepo struct {
	*table[BillLineItem, *BillLineItem]
}

func newBillLineItemRepo(s *Store) *BillLineItemRepo {
	return &BillLineItemRepo{&table[BillLineItem, *BillLineItem]{
		s:    s,
		name: "bill_items",
		columns: []string{
			"bill_id", "item_type", "item_id", "item_name", "serial_number",
			"qty", "price", "purchase_price", "amount",
		},
		values: func(li *BillLineItem) []any {
			return []any{
				li.BillID, li.ItemType, li.ItemID, li.ItemName, li.SerialNumber,
				li.Qty, moneyValue(li.Price), moneyValue(li.PurchasePrice), moneyValue(li.Amount),
			}
		},
		dests: func(li *BillLineItem) []any {
			return []any{
				text(&li.BillID), text(&li.ItemType), text(&li.ItemID), text(&li.ItemName), text(&li.SerialNumber),
				num(&li.Qty), money(&li.Price), money(&li.PurchasePrice), money(&li.Amount),
			}
		},
		order: "created_at ASC, id ASC",
		refs: []parentRef[*BillLineItem]{
			{"bill_id", "bills", func(li *BillLineItem) *string { return &li.BillID }},
			{"item_id", "items", func(li *BillLineItem) *string { return &li.ItemID }},
		},
		parent: "bill_id",
		prepare: func(li *BillLineItem) {
			if li.Amount.IsZero() {
				li.Amount = li.Price.Mul(decimal.NewFromInt(int64(li.Qty)))
			}
		},
	}}
}

// BillLineItemPatch holds the line item fields to change.
type BillLineItemPatch struct {
	Qty    *int
	Price  *decimal.Decimal
	Amount *decimal.Decimal
}

// MarkPendingUpdate applies p to the line item and records a pending update.
func (r *BillLineItemRepo) MarkPendingUpdate(ctx context.Context, id string, p BillLineItemPatch) error {
	var sets []assign
	sets = set(sets, "qty", p.Qty)
	sets = set(sets, "price", p.Price)
	sets = set(sets, "amount", p.Amount)
	return r.markPendingUpdate(ctx, id, sets)
}

// PaymentRepo stores bill payment history.
type PaymentRepo struct {
	*table[PaymentRecord, *PaymentRecord]
}

func newPaymentRepo(s *Store) *PaymentRepo {
	return &PaymentRepo{&table[PaymentRecord, *PaymentRecord]{
		s:       s,
		name:    "payment_history",
		columns: []string{"bill_id", "amount", "paid_at", "note"},
		values: func(p *PaymentRecord) []any {
			return []any{p.BillID, moneyValue(p.Amount), p.PaidAt, p.Note}
		},
		dests: func(p *PaymentRecord) []any {
			return []any{text(&p.BillID), money(&p.Amount), text(&p.PaidAt), text(&p.Note)}
		},
		order: "paid_at DESC, id ASC",
		refs: []parentRef[*PaymentRecord]{
			{"bill_id", "bills", func(p *PaymentRecord) *string { return &p.BillID }},
		},
		parent: "bill_id",
		prepare: func(p *PaymentRecord) {
			if p.PaidAt == "" {
				p.PaidAt = p.CreatedAt
			}
		},
	}}
}

package tally

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Default status of a serial number in stock.
const SerialAvailable = "available"

// ItemRepo stores inventory items. Items own their serial numbers and
// stock history: Get hydrates them and upserts write them.
type ItemRepo struct {
	*table[Item, *Item]
	serials *table[SerialNumber, *SerialNumber]
	stock   *table[StockHistoryEntry, *StockHistoryEntry]
}

func newItemRepo(s *Store) *ItemRepo {
	r := &ItemRepo{}
	r.table = &table[Item, *Item]{
		s:    s,
		name: "items",
		columns: []string{
			"item_type", "item_name", "unit", "warranty", "mrp",
			"purchase_price", "sale_price", "stock_qty", "created_by",
		},
		values: func(i *Item) []any {
			return []any{
				string(i.Type), i.Name, i.Unit, i.Warranty, moneyValue(i.MRP),
				moneyValue(i.PurchasePrice), moneyValue(i.SalePrice), i.StockQty, i.CreatedBy,
			}
		},
		dests: func(i *Item) []any {
			return []any{
				text((*string)(&i.Type)), text(&i.Name), text(&i.Unit), text(&i.Warranty), money(&i.MRP),
				money(&i.PurchasePrice), money(&i.SalePrice), num(&i.StockQty), text(&i.CreatedBy),
			}
		},
		order: "updated_at DESC",
		prepare: func(i *Item) {
			if i.Type == "" {
				i.Type = ItemGeneric
			}
		},
		hydrate:     r.loadChildren,
		afterUpsert: r.mergeChildren,
	}
	return r
}

func (r *ItemRepo) loadChildren(ctx context.Context, q querier, i *Item) error {
	var err error
	i.SerialNumbers, err = r.serials.queryRows(ctx, q,
		"WHERE item_id IN (?, ?) AND deleted = 0 ORDER BY serial_no ASC", i.ClientID, i.ID)
	if err != nil {
		return err
	}
	i.StockHistory, err = r.stock.queryRows(ctx, q,
		"WHERE item_id IN (?, ?) AND deleted = 0 ORDER BY added_at DESC", i.ClientID, i.ID)
	return err
}

// mergeChildren merges the nested serials and stock history of an incoming
// item. When the item itself was applied, synced children the server no
// longer lists are tombstoned. A nil slice leaves that child set untouched.
func (r *ItemRepo) mergeChildren(ctx context.Context, q querier, i *Item, applied bool) error {
	if i.SerialNumbers != nil {
		keep := make([]string, 0, len(i.SerialNumbers))
		for n := range i.SerialNumbers {
			sn := &i.SerialNumbers[n]
			sn.ItemID = i.ClientID
			if _, err := r.serials.upsertTx(ctx, q, sn); err != nil {
				return err
			}
			keep = append(keep, sn.ID)
		}
		if applied {
			if err := r.serials.tombstoneChildren(ctx, q, i.ClientID, keep); err != nil {
				return err
			}
		}
	}
	if i.StockHistory != nil {
		keep := make([]string, 0, len(i.StockHistory))
		for n := range i.StockHistory {
			sh := &i.StockHistory[n]
			sh.ItemID = i.ClientID
			if _, err := r.stock.upsertTx(ctx, q, sh); err != nil {
				return err
			}
			keep = append(keep, sh.ID)
		}
		if applied {
			if err := r.stock.tombstoneChildren(ctx, q, i.ClientID, keep); err != nil {
				return err
			}
		}
	}
	return nil
}

// ItemPatch holds the item fields to change. Nil fields are kept. Stock is
// changed through AddStock and AddSerials.
type ItemPatch struct {
	Type          *ItemType
	Name          *string
	Unit          *string
	Warranty      *string
	MRP           *decimal.Decimal
	PurchasePrice *decimal.Decimal
	SalePrice     *decimal.Decimal
}

// MarkPendingUpdate applies p to the item and records a pending update.
func (r *ItemRepo) MarkPendingUpdate(ctx context.Context, id string, p ItemPatch) error {
	var sets []assign
	sets = set(sets, "item_type", p.Type)
	sets = set(sets, "item_name", p.Name)
	sets = set(sets, "unit", p.Unit)
	sets = set(sets, "warranty", p.Warranty)
	sets = set(sets, "mrp", p.MRP)
	sets = set(sets, "purchase_price", p.PurchasePrice)
	sets = set(sets, "sale_price", p.SalePrice)
	return r.markPendingUpdate(ctx, id, sets)
}

// AddStock records a pending stock addition for a generic item and raises
// its local stock quantity.
func (r *ItemRepo) AddStock(ctx context.Context, itemID string, qty int) (*StockHistoryEntry, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: stock quantity must be positive", ErrInvalidRecord)
	}
	entry := &StockHistoryEntry{Qty: qty}
	err := r.s.withTx(ctx, func(q querier) error {
		item, err := r.liveItem(ctx, q, itemID)
		if err != nil {
			return err
		}
		entry.ItemID = item.clientID
		if err := r.stock.stageLocal(entry); err != nil {
			return err
		}
		if err := r.stock.insertLocalTx(ctx, q, entry); err != nil {
			return err
		}
		return r.bumpStock(ctx, q, item.clientID, qty)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AddSerials records pending serial numbers for a serialized item and
// raises its local stock quantity by their count.
func (r *ItemRepo) AddSerials(ctx context.Context, itemID string, serialNos []string) ([]SerialNumber, error) {
	out := make([]SerialNumber, 0, len(serialNos))
	err := r.s.withTx(ctx, func(q querier) error {
		item, err := r.liveItem(ctx, q, itemID)
		if err != nil {
			return err
		}
		for _, no := range serialNos {
			sn := SerialNumber{ItemID: item.clientID, SerialNo: no}
			if err := r.serials.stageLocal(&sn); err != nil {
				return err
			}
			if err := r.serials.insertLocalTx(ctx, q, &sn); err != nil {
				return err
			}
			out = append(out, sn)
		}
		return r.bumpStock(ctx, q, item.clientID, len(serialNos))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingStock returns the stock added locally to an item that has not been
// pushed yet: pending stock entries plus pending serial numbers.
func (r *ItemRepo) PendingStock(ctx context.Context, itemKey string) (int, error) {
	var qty, serials int
	err := r.s.read(func(q querier) error {
		err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(qty), 0) FROM stock_history
			WHERE item_id = ? AND pending_sync = 1 AND deleted = 0`, itemKey).Scan(num(&qty))
		if err != nil {
			return fmt.Errorf("store: pending stock: %w", err)
		}
		err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM serial_numbers
			WHERE item_id = ? AND pending_sync = 1 AND deleted = 0`, itemKey).Scan(num(&serials))
		if err != nil {
			return fmt.Errorf("store: pending serials: %w", err)
		}
		return nil
	})
	return qty + serials, err
}

func (r *ItemRepo) liveItem(ctx context.Context, q querier, id string) (*existing, error) {
	item, err := r.lookup(ctx, q, "(id = ? OR client_id = ?) AND deleted = 0", id, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}

// bumpStock changes the local quantity without recording a pending update:
// the quantity follows from the stock pushes.
func (r *ItemRepo) bumpStock(ctx context.Context, q querier, clientID string, delta int) error {
	_, err := q.ExecContext(ctx, `UPDATE items SET stock_qty = COALESCE(stock_qty, 0) + ? WHERE client_id = ?`, delta, clientID)
	if err != nil {
		return fmt.Errorf("store: update stock: %w", err)
	}
	return nil
}

// SerialNumberRepo stores serial numbers. serial_no is unique and is used to
// match incoming rows.
type SerialNumberRepo struct {
	*table[SerialNumber, *SerialNumber]
}

func newSerialNumberRepo(s *Store) *SerialNumberRepo {
	return &SerialNumberRepo{&table[SerialNumber, *SerialNumber]{
		s:       s,
		name:    "serial_numbers",
		columns: []string{"item_id", "serial_no", "status", "customer_name", "bill_number", "added_at"},
		values: func(sn *SerialNumber) []any {
			return []any{sn.ItemID, sn.SerialNo, sn.Status, sn.CustomerName, sn.BillNumber, sn.AddedAt}
		},
		dests: func(sn *SerialNumber) []any {
			return []any{text(&sn.ItemID), text(&sn.SerialNo), text(&sn.Status), text(&sn.CustomerName), text(&sn.BillNumber), text(&sn.AddedAt)}
		},
		order: "added_at DESC, serial_no ASC",
		refs: []parentRef[*SerialNumber]{
			{"item_id", "items", func(sn *SerialNumber) *string { return &sn.ItemID }},
		},
		parent:    "item_id",
		natural:   "serial_no",
		naturalOf: func(sn *SerialNumber) string { return sn.SerialNo },
		prepare: func(sn *SerialNumber) {
			if sn.Status == "" {
				sn.Status = SerialAvailable
			}
			if sn.AddedAt == "" {
				sn.AddedAt = sn.CreatedAt
			}
		},
	}}
}

// GetBySerial returns the non-deleted serial number with the given value.
func (r *SerialNumberRepo) GetBySerial(ctx context.Context, serialNo string) (*SerialNumber, error) {
	var sn *SerialNumber
	err := r.s.read(func(q querier) error {
		var err error
		sn, err = r.queryOne(ctx, q, "WHERE serial_no = ? AND deleted = 0", serialNo)
		return err
	})
	return sn, err
}

type SerialNumberPatch struct {
	Status       *string
	CustomerName *string
	BillNumber   *string
}

func (r *SerialNumberRepo) MarkPendingUpdate(ctx context.Context, id string, p SerialNumberPatch) error {
	var sets []assign
	sets = set(sets, "status", p.Status)
	sets = set(sets, "customer_name", p.CustomerName)
	sets = set(sets, "bill_number", p.BillNumber)
	return r.markPendingUpdate(ctx, id, sets)
}

// StockHistoryRepo stores stock additions.
type StockHistoryRepo struct {
	*table[StockHistoryEntry, *StockHistoryEntry]
}

func newStockHistoryRepo(s *Store) *StockHistoryRepo {
	return &StockHistoryRepo{&table[StockHistoryEntry, *StockHistoryEntry]{
		s:       s,
		name:    "stock_history",
		columns: []string{"item_id", "qty", "added_at"},
		values: func(sh *StockHistoryEntry) []any {
			return []any{sh.ItemID, sh.Qty, sh.AddedAt}
		},
		dests: func(sh *StockHistoryEntry) []any {
			return []any{text(&sh.ItemID), num(&sh.Qty), text(&sh.AddedAt)}
		},
		order: "added_at DESC",
		refs: []parentRef[*StockHistoryEntry]{
			{"item_id", "items", func(sh *StockHistoryEntry) *string { return &sh.ItemID }},
		},
		parent: "item_id",
		prepare: func(sh *StockHistoryEntry) {
			if sh.AddedAt == "" {
				sh.AddedAt = sh.CreatedAt
			}
		},
	}}
}

package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hyperengineering/tally"
	"github.com/shopspring/decimal"
)

// errNoID is returned for list records without an identifier.
var errNoID = errors.New("record has no _id")

// childID derives a stable id for a nested record the service sent without
// one, so that pulling the same parent twice yields the same child rows.
func childID(parentID, kind string, parts ...string) string {
	name := parentID + "|" + kind + "|" + strings.Join(parts, "|")
	return kind + "-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func (m meta) envelope() (tally.Envelope, error) {
	id := m.id()
	if id == "" {
		return tally.Envelope{}, errNoID
	}
	return tally.Envelope{
		ID:        id,
		ClientID:  m.ClientID,
		Deleted:   bool(m.Deleted),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

// childEnvelope is envelope for nested records, whose id may be derived.
func (m meta) childEnvelope(fallbackID string) tally.Envelope {
	e, err := m.envelope()
	if err != nil {
		e = tally.Envelope{
			ID:        fallbackID,
			Deleted:   bool(m.Deleted),
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		}
	}
	return e
}

// dto is implemented by every list DTO.
type dto[T any] interface {
	record() (T, error)
}

// decodeAll decodes a page of raw records. Records that fail to decode or
// map are skipped and reported in the joined error.
func decodeAll[T any, D dto[T]](kind string, raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		var d D
		if err := json.Unmarshal(raw, &d); err != nil {
			errs = append(errs, fmt.Errorf("%s %d: decode: %w", kind, i, err))
			continue
		}
		rec, err := d.record()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %d: %w", kind, i, err))
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

func DecodeCustomers(raws []json.RawMessage) ([]tally.Customer, error) {
	return decodeAll[tally.Customer, CustomerDTO]("customer", raws)
}

func DecodeItems(raws []json.RawMessage) ([]tally.Item, error) {
	return decodeAll[tally.Item, ItemDTO]("item", raws)
}

func DecodeServices(raws []json.RawMessage) ([]tally.Service, error) {
	return decodeAll[tally.Service, ServiceDTO]("service", raws)
}

func DecodeWorkOrders(raws []json.RawMessage) ([]tally.WorkOrder, error) {
	return decodeAll[tally.WorkOrder, WorkOrderDTO]("work order", raws)
}

func DecodeBills(raws []json.RawMessage) ([]tally.Bill, error) {
	return decodeAll[tally.Bill, BillDTO]("bill", raws)
}

func DecodeBankAccounts(raws []json.RawMessage) ([]tally.BankAccount, error) {
	return decodeAll[tally.BankAccount, BankAccountDTO]("bank account", raws)
}

func (d CustomerDTO) record() (tally.Customer, error) {
	e, err := d.envelope()
	if err != nil {
		return tally.Customer{}, err
	}
	return tally.Customer{
		Envelope:  e,
		Name:      d.CustomerName,
		Phone:     d.PhoneNumber,
		WhatsApp:  d.WhatsappNumber,
		Address:   d.Address,
		CreatedBy: string(d.CreatedBy),
	}, nil
}

func (d ItemDTO) record() (tally.Item, error) {
	e, err := d.envelope()
	if err != nil {
		return tally.Item{}, err
	}
	it := tally.Item{
		Envelope:      e,
		Type:          tally.ItemType(d.ItemType),
		Name:          d.ItemName,
		Unit:          d.Unit,
		Warranty:      d.Warranty,
		MRP:           d.MRP,
		PurchasePrice: d.PurchasePrice,
		SalePrice:     d.SalePrice,
		StockQty:      d.StockQty,
		CreatedBy:     string(d.CreatedBy),
	}
	if it.Type == "" {
		it.Type = tally.ItemGeneric
	}
	if d.SerialNumbers != nil {
		it.SerialNumbers = make([]tally.SerialNumber, 0, len(d.SerialNumbers))
		for _, sn := range d.SerialNumbers {
			if sn.SerialNo == "" {
				continue
			}
			status := sn.Status
			if status == "" {
				status = tally.SerialAvailable
			}
			it.SerialNumbers = append(it.SerialNumbers, tally.SerialNumber{
				Envelope:     sn.childEnvelope(childID(e.ID, "sn", sn.SerialNo)),
				ItemID:       e.ID,
				SerialNo:     sn.SerialNo,
				Status:       status,
				CustomerName: sn.CustomerName,
				BillNumber:   sn.BillNumber,
				AddedAt:      firstNonEmpty(sn.AddedAt, sn.CreatedAt),
			})
		}
	}
	if d.StockHistory != nil {
		it.StockHistory = make([]tally.StockHistoryEntry, 0, len(d.StockHistory))
		for i, sh := range d.StockHistory {
			it.StockHistory = append(it.StockHistory, tally.StockHistoryEntry{
				Envelope: sh.childEnvelope(childID(e.ID, "stock", strconv.Itoa(i), strconv.Itoa(sh.Qty), sh.AddedAt)),
				ItemID:   e.ID,
				Qty:      sh.Qty,
				AddedAt:  firstNonEmpty(sh.AddedAt, sh.CreatedAt),
			})
		}
	}
	return it, nil
}

func (d ServiceDTO) record() (tally.Service, error) {
	e, err := d.envelope()
	if err != nil {
		return tally.Service{}, err
	}
	return tally.Service{
		Envelope:  e,
		Name:      d.ServiceName,
		Price:     d.ServicePrice,
		CreatedBy: string(d.CreatedBy),
	}, nil
}

func (d WorkOrderDTO) record() (tally.WorkOrder, error) {
	e, err := d.envelope()
	if err != nil {
		return tally.WorkOrder{}, err
	}
	status := d.Status
	if status == "" {
		status = tally.WorkOrderPending
	}
	return tally.WorkOrder{
		Envelope:         e,
		CustomerID:       firstRef(d.Customer, d.CustomerID),
		Number:           d.WorkOrderNumber,
		Note:             d.Note,
		ScheduleDate:     d.ScheduleDate,
		HasScheduledTime: bool(d.HasScheduledTime),
		ScheduleTime:     d.ScheduleTime,
		Status:           status,
		CompletedAt:      d.CompletedAt,
		NotificationSent: bool(d.NotificationSent),
		BillID:           firstRef(d.Bill, d.BillID),
		CreatedBy:        string(d.CreatedBy),
	}, nil
}

func (d BillDTO) record() (tally.Bill, error) {
	e, err := d.envelope()
	if err != nil {
		return tally.Bill{}, err
	}
	b := tally.Bill{
		Envelope:      e,
		CustomerID:    firstRef(d.Customer, d.CustomerID),
		Number:        d.BillNumber,
		Subtotal:      d.Subtotal,
		Discount:      d.Discount,
		Total:         d.TotalAmount,
		Received:      d.ReceivedPayment,
		Due:           d.DueAmount,
		PaymentMethod: firstNonEmpty(d.PaymentMethod, tally.DefaultPaymentMethod),
		Status:        firstNonEmpty(d.Status, tally.BillStatus(d.TotalAmount, d.ReceivedPayment)),
		WorkOrderID:   string(d.WorkOrderID),
		CreatedBy:     string(d.CreatedBy),
	}
	if d.Items != nil {
		b.Items = make([]tally.BillLineItem, 0, len(d.Items))
		for i, li := range d.Items {
			amount := li.Amount
			if amount.IsZero() {
				amount = li.Price.Mul(decimal.NewFromInt(int64(li.Qty)))
			}
			b.Items = append(b.Items, tally.BillLineItem{
				Envelope: li.childEnvelope(childID(e.ID, "line", strconv.Itoa(i), string(li.ItemID), li.SerialNumber)),
				BillID:   e.ID,
				ItemType: li.ItemType,
				// Bill lines may name an item that is not in the local
				// inventory; the reference is kept as given.
				ItemID:        string(li.ItemID),
				ItemName:      li.ItemName,
				SerialNumber:  li.SerialNumber,
				Qty:           li.Qty,
				Price:         li.Price,
				PurchasePrice: li.PurchasePrice,
				Amount:        amount,
			})
		}
	}
	if d.PaymentHistory != nil {
		b.Payments = make([]tally.PaymentRecord, 0, len(d.PaymentHistory))
		for i, p := range d.PaymentHistory {
			b.Payments = append(b.Payments, tally.PaymentRecord{
				Envelope: p.childEnvelope(childID(e.ID, "pay", strconv.Itoa(i), p.Amount.String(), p.PaidAt)),
				BillID:   e.ID,
				Amount:   p.Amount,
				PaidAt:   firstNonEmpty(p.PaidAt, p.CreatedAt),
				Note:     p.Note,
			})
		}
	}
	return b, nil
}

func (d BankAccountDTO) record() (tally.BankAccount, error) {
	e, err := d.envelope()
	if err != nil {
		return tally.BankAccount{}, err
	}
	return tally.BankAccount{
		Envelope:          e,
		BankName:          d.BankName,
		AccountNumber:     d.AccountNumber,
		IFSCCode:          d.IfscCode,
		AccountHolderName: d.AccountHolderName,
		UPIID:             d.UpiID,
		Primary:           bool(d.IsPrimary),
		CreatedBy:         string(d.CreatedBy),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Outgoing payloads. Reference arguments must already be remote ids.

func NewCustomerPayload(c tally.Customer) CustomerPayload {
	return CustomerPayload{
		CustomerName:   c.Name,
		PhoneNumber:    c.Phone,
		WhatsappNumber: c.WhatsApp,
		Address:        c.Address,
	}
}

// NewItemPayload builds an item body. stockQty is sent only for creates.
func NewItemPayload(it tally.Item, stockQty *int) ItemPayload {
	return ItemPayload{
		ItemType:      string(it.Type),
		ItemName:      it.Name,
		Unit:          it.Unit,
		Warranty:      it.Warranty,
		MRP:           it.MRP,
		PurchasePrice: it.PurchasePrice,
		SalePrice:     it.SalePrice,
		StockQty:      stockQty,
	}
}

func NewServicePayload(s tally.Service) ServicePayload {
	return ServicePayload{ServiceName: s.Name, ServicePrice: s.Price}
}

func NewWorkOrderPayload(w tally.WorkOrder, customerID, billID string) WorkOrderPayload {
	return WorkOrderPayload{
		CustomerID:       customerID,
		Note:             w.Note,
		ScheduleDate:     w.ScheduleDate,
		HasScheduledTime: w.HasScheduledTime,
		ScheduleTime:     w.ScheduleTime,
		Status:           w.Status,
		BillID:           billID,
	}
}

func NewBillPayload(b tally.Bill, customerID, workOrderID string, items []BillItemPayload) BillPayload {
	return BillPayload{
		CustomerID:      customerID,
		Discount:        b.Discount,
		ReceivedPayment: b.Received,
		PaymentMethod:   firstNonEmpty(b.PaymentMethod, tally.DefaultPaymentMethod),
		WorkOrderID:     workOrderID,
		Items:           items,
	}
}

func NewBillItemPayload(li tally.BillLineItem, itemID string) BillItemPayload {
	qty := li.Qty
	if qty == 0 {
		qty = 1
	}
	return BillItemPayload{
		ItemType:     li.ItemType,
		ItemID:       itemID,
		ItemName:     li.ItemName,
		SerialNumber: li.SerialNumber,
		Qty:          qty,
		Price:        li.Price,
	}
}

func NewBankAccountPayload(a tally.BankAccount) BankAccountPayload {
	return BankAccountPayload{
		BankName:          a.BankName,
		AccountNumber:     a.AccountNumber,
		IfscCode:          a.IFSCCode,
		AccountHolderName: a.AccountHolderName,
		UpiID:             a.UPIID,
		IsPrimary:         a.Primary,
	}
}

// CreatedBill decodes a bill returned by a create or update, for promoting
// its line items.
func CreatedBill(raw json.RawMessage) (*BillDTO, error) {
	var d BillDTO
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("remote: decode bill: %w", err)
	}
	return &d, nil
}

// LineIDs returns the ids of the bill's line items in order. Items the
// service sent without an id yield "".
func (d *BillDTO) LineIDs() []string {
	ids := make([]string, len(d.Items))
	for i, li := range d.Items {
		ids[i] = li.id()
	}
	return ids
}

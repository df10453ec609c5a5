package tally

import "github.com/shopspring/decimal"

// SyncOp is the pending remote operation recorded on a row.
type SyncOp string

const (
	SyncOpNone       SyncOp = ""
	SyncOpCreate     SyncOp = "create"
	SyncOpUpdate     SyncOp = "update"
	SyncOpDelete     SyncOp = "delete"
	SyncOpSetPrimary SyncOp = "set_primary"
)

// LocalID is the client-generated identifier a row was created with.
// It never changes, so it is what child rows use to reference their parent.
type LocalID string

// RemoteID is the identifier assigned by the remote service.
type RemoteID string

// Envelope holds the sync bookkeeping shared by every syncable row.
type Envelope struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	Placeholder  bool   `json:"is_placeholder"`
	Deleted      bool   `json:"deleted"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	PendingSync  bool   `json:"pending_sync"`
	SyncOp       SyncOp `json:"sync_op,omitempty"`
	SyncError    string `json:"sync_error,omitempty"`
	SyncAttempts int    `json:"sync_attempts,omitempty"`
	Parked       bool   `json:"sync_parked,omitempty"`
}

func (e *Envelope) envelope() *Envelope { return e }

// Env returns the envelope of the entity embedding it.
func (e *Envelope) Env() *Envelope { return e }

// Local returns the row's stable local identifier.
func (e *Envelope) Local() LocalID {
	if e.ClientID != "" {
		return LocalID(e.ClientID)
	}
	return LocalID(e.ID)
}

// ItemType distinguishes stock-counted items from serial-tracked ones.
type ItemType string

const (
	ItemGeneric    ItemType = "generic"
	ItemSerialized ItemType = "serialized"
)

type Customer struct {
	Envelope
	Name      string `json:"customer_name" validate:"required"`
	Phone     string `json:"phone_number,omitempty"`
	WhatsApp  string `json:"whatsapp_number,omitempty"`
	Address   string `json:"address,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// Item is an inventory item. SerialNumbers and StockHistory are only
// populated by Items.Get.
type Item struct {
	Envelope
	Type          ItemType            `json:"item_type" validate:"required,oneof=generic serialized"`
	Name          string              `json:"item_name" validate:"required"`
	Unit          string              `json:"unit,omitempty"`
	Warranty      string              `json:"warranty,omitempty"`
	MRP           decimal.Decimal     `json:"mrp" validate:"gte=0"`
	PurchasePrice decimal.Decimal     `json:"purchase_price" validate:"gte=0"`
	SalePrice     decimal.Decimal     `json:"sale_price" validate:"gte=0"`
	StockQty      int                 `json:"stock_qty"`
	CreatedBy     string              `json:"created_by,omitempty"`
	SerialNumbers []SerialNumber      `json:"serial_numbers,omitempty"`
	StockHistory  []StockHistoryEntry `json:"stock_history,omitempty"`
}

type SerialNumber struct {
	Envelope
	ItemID       string `json:"item_id" validate:"required"`
	SerialNo     string `json:"serial_no" validate:"required"`
	Status       string `json:"status"`
	CustomerName string `json:"customer_name,omitempty"`
	BillNumber   string `json:"bill_number,omitempty"`
	AddedAt      string `json:"added_at,omitempty"`
}

type StockHistoryEntry struct {
	Envelope
	ItemID  string `json:"item_id" validate:"required"`
	Qty     int    `json:"qty"`
	AddedAt string `json:"added_at,omitempty"`
}

type Service struct {
	Envelope
	Name      string          `json:"service_name" validate:"required"`
	Price     decimal.Decimal `json:"service_price" validate:"gte=0"`
	CreatedBy string          `json:"created_by,omitempty"`
}

type WorkOrder struct {
	Envelope
	CustomerID       string `json:"customer_id" validate:"required"`
	Number           string `json:"work_order_number,omitempty"`
	Note             string `json:"note,omitempty"`
	ScheduleDate     string `json:"schedule_date,omitempty"`
	HasScheduledTime bool   `json:"has_scheduled_time"`
	ScheduleTime     string `json:"schedule_time,omitempty"`
	Status           string `json:"status"`
	CompletedAt      string `json:"completed_at,omitempty"`
	NotificationSent bool   `json:"notification_sent"`
	BillID           string `json:"bill_id,omitempty"`
	CreatedBy        string `json:"created_by,omitempty"`
}

// Bill is a sale. Items and Payments are only populated by Bills.Get.
type Bill struct {
	Envelope
	CustomerID    string          `json:"customer_id" validate:"required"`
	Number        string          `json:"bill_number,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal" validate:"gte=0"`
	Discount      decimal.Decimal `json:"discount" validate:"gte=0"`
	Total         decimal.Decimal `json:"total_amount" validate:"gte=0"`
	Received      decimal.Decimal `json:"received_payment" validate:"gte=0"`
	Due           decimal.Decimal `json:"due_amount"`
	PaymentMethod string          `json:"payment_method"`
	Status        string          `json:"status,omitempty"`
	WorkOrderID   string          `json:"work_order_id,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
	Items         []BillLineItem  `json:"items,omitempty"`
	Payments      []PaymentRecord `json:"payment_history,omitempty"`
}

type BillLineItem struct {
	Envelope
	BillID        string          `json:"bill_id"`
	ItemType      string          `json:"item_type,omitempty"`
	ItemID        string          `json:"item_id,omitempty"`
	ItemName      string          `json:"item_name,omitempty"`
	SerialNumber  string          `json:"serial_number,omitempty"`
	Qty           int             `json:"qty" validate:"gte=0"`
	Price         decimal.Decimal `json:"price"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Amount        decimal.Decimal `json:"amount"`
}

type PaymentRecord struct {
	Envelope
	BillID string          `json:"bill_id"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	PaidAt string          `json:"paid_at,omitempty"`
	Note   string          `json:"note,omitempty"`
}

type BankAccount struct {
	Envelope
	BankName          string `json:"bank_name" validate:"required"`
	AccountNumber     string `json:"account_number" validate:"required"`
	IFSCCode          string `json:"ifsc_code,omitempty"`
	AccountHolderName string `json:"account_holder_name,omitempty"`
	UPIID             string `json:"upi_id,omitempty"`
	Primary           bool   `json:"is_primary"`
	CreatedBy         string `json:"created_by,omitempty"`
}

// Bill statuses derived from received and due amounts.
const (
	BillPaid    = "paid"
	BillPartial = "partial"
	BillUnpaid  = "unpaid"
)

// TableStats summarizes one entity table.
type TableStats struct {
	Table   string `json:"table"`
	Rows    int    `json:"rows"`
	Deleted int    `json:"deleted"`
	Pending int    `json:"pending"`
	Errored int    `json:"errored"`
	Parked  int    `json:"parked"`
}

// StoreStats contains local store statistics.
type StoreStats struct {
	Tables        []TableStats `json:"tables"`
	PendingSync   int          `json:"pending_sync"`
	SchemaVersion int64        `json:"schema_version"`
}

// PendingRow is a pending record of any entity, used for reporting.
type PendingRow struct {
	Table string `json:"table"`
	Envelope
}

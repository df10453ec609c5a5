package remote

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ref is a reference to another record. The service sends either the bare
// id or the populated record.
type Ref string

func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*r = ""
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Ref(s)
		return nil
	case data[0] == '{':
		id, err := RecordID(data)
		if err != nil {
			return err
		}
		*r = Ref(id)
		return nil
	}
	return fmt.Errorf("remote: unexpected reference %s", truncateForLog(data))
}

// firstRef returns the first non-empty reference.
func firstRef(refs ...Ref) string {
	for _, r := range refs {
		if r != "" {
			return string(r)
		}
	}
	return ""
}

// Bool accepts JSON booleans as well as 0/1 numbers.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*b = true
	case "false", "0", "null", "":
		*b = false
	default:
		return fmt.Errorf("remote: unexpected boolean %s", truncateForLog(data))
	}
	return nil
}

// RecordID extracts the id of a record object, preferring "_id".
func RecordID(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	var rec struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("remote: decode record id: %w", err)
	}
	if rec.MongoID != "" {
		return rec.MongoID, nil
	}
	return rec.ID, nil
}

// meta holds the identity and timestamps every record carries.
type meta struct {
	ID        string `json:"_id"`
	AltID     string `json:"id"`
	ClientID  string `json:"client_id"`
	Deleted   Bool   `json:"deleted"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func (m meta) id() string {
	if m.ID != "" {
		return m.ID
	}
	return m.AltID
}

type CustomerDTO struct {
	meta
	CustomerName   string `json:"customerName"`
	PhoneNumber    string `json:"phoneNumber"`
	WhatsappNumber string `json:"whatsappNumber"`
	Address        string `json:"address"`
	CreatedBy      Ref    `json:"createdBy"`
}

type ItemDTO struct {
	meta
	ItemType      string          `json:"itemType"`
	ItemName      string          `json:"itemName"`
	Unit          string          `json:"unit"`
	Warranty      string          `json:"warranty"`
	MRP           decimal.Decimal `json:"mrp"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	SalePrice     decimal.Decimal `json:"salePrice"`
	StockQty      int             `json:"stockQty"`
	CreatedBy     Ref             `json:"createdBy"`
	SerialNumbers []SerialDTO     `json:"serialNumbers"`
	StockHistory  []StockDTO      `json:"stockHistory"`
}

type SerialDTO struct {
	meta
	SerialNo     string `json:"serialNo"`
	Status       string `json:"status"`
	CustomerName string `json:"customerName"`
	BillNumber   string `json:"billNumber"`
	AddedAt      string `json:"addedAt"`
}

type StockDTO struct {
	meta
	Qty     int    `json:"qty"`
	AddedAt string `json:"addedAt"`
}

type ServiceDTO struct {
	meta
	ServiceName  string          `json:"serviceName"`
	ServicePrice decimal.Decimal `json:"servicePrice"`
	CreatedBy    Ref             `json:"createdBy"`
}

type WorkOrderDTO struct {
	meta
	Customer         Ref    `json:"customer"`
	CustomerID       Ref    `json:"customerId"`
	WorkOrderNumber  string `json:"workOrderNumber"`
	Note             string `json:"note"`
	ScheduleDate     string `json:"scheduleDate"`
	HasScheduledTime Bool   `json:"hasScheduledTime"`
	ScheduleTime     string `json:"scheduleTime"`
	Status           string `json:"status"`
	CompletedAt      string `json:"completedAt"`
	NotificationSent Bool   `json:"notificationSent"`
	Bill             Ref    `json:"bill"`
	BillID           Ref    `json:"billId"`
	CreatedBy        Ref    `json:"createdBy"`
}

type BillDTO struct {
	meta
	Customer        Ref             `json:"customer"`
	CustomerID      Ref             `json:"customerId"`
	BillNumber      string          `json:"billNumber"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	ReceivedPayment decimal.Decimal `json:"receivedPayment"`
	DueAmount       decimal.Decimal `json:"dueAmount"`
	PaymentMethod   string          `json:"paymentMethod"`
	Status          string          `json:"status"`
	WorkOrderID     Ref             `json:"workOrderId"`
	CreatedBy       Ref             `json:"createdBy"`
	Items           []BillItemDTO   `json:"items"`
	PaymentHistory  []PaymentDTO    `json:"paymentHistory"`
}

type BillItemDTO struct {
	meta
	ItemType      string          `json:"itemType"`
	ItemID        Ref             `json:"itemId"`
	ItemName      string          `json:"itemName"`
	SerialNumber  string          `json:"serialNumber"`
	Qty           int             `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	Amount        decimal.Decimal `json:"amount"`
}

type PaymentDTO struct {
	meta
	Amount decimal.Decimal `json:"amount"`
	PaidAt string          `json:"paidAt"`
	Note   string          `json:"note"`
}

type BankAccountDTO struct {
	meta
	BankName          string `json:"bankName"`
	AccountNumber     string `json:"accountNumber"`
	IfscCode          string `json:"ifscCode"`
	AccountHolderName string `json:"accountHolderName"`
	UpiID             string `json:"upiId"`
	IsPrimary         Bool   `json:"isPrimary"`
	CreatedBy         Ref    `json:"createdBy"`
}

// Request bodies.

type CustomerPayload struct {
	CustomerName   string `json:"customerName"`
	PhoneNumber    string `json:"phoneNumber"`
	WhatsappNumber string `json:"whatsappNumber"`
	Address        string `json:"address"`
}

type ItemPayload struct {
	ItemType      string          `json:"itemType"`
	ItemName      string          `json:"itemName"`
	Unit          string          `json:"unit"`
	Warranty      string          `json:"warranty"`
	MRP           decimal.Decimal `json:"mrp"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	SalePrice     decimal.Decimal `json:"salePrice"`
	StockQty      *int            `json:"stockQty,omitempty"`
}

type ServicePayload struct {
	ServiceName  string          `json:"serviceName"`
	ServicePrice decimal.Decimal `json:"servicePrice"`
}

type WorkOrderPayload struct {
	CustomerID       string `json:"customerId"`
	Note             string `json:"note"`
	ScheduleDate     string `json:"scheduleDate,omitempty"`
	HasScheduledTime bool   `json:"hasScheduledTime"`
	ScheduleTime     string `json:"scheduleTime,omitempty"`
	Status           string `json:"status"`
	BillID           string `json:"billId,omitempty"`
}

type BillPayload struct {
	CustomerID      string            `json:"customerId,omitempty"`
	Discount        decimal.Decimal   `json:"discount"`
	ReceivedPayment decimal.Decimal   `json:"receivedPayment"`
	PaymentMethod   string            `json:"paymentMethod"`
	WorkOrderID     string            `json:"workOrderId,omitempty"`
	Items           []BillItemPayload `json:"items,omitempty"`
}

type BillItemPayload struct {
	ItemType     string          `json:"itemType"`
	ItemID       string          `json:"itemId,omitempty"`
	ItemName     string          `json:"itemName,omitempty"`
	SerialNumber string          `json:"serialNumber,omitempty"`
	Qty          int             `json:"qty"`
	Price        decimal.Decimal `json:"price"`
}

// BillItemsRequest replaces the line items of a bill.
type BillItemsRequest struct {
	Items []BillItemPayload `json:"items"`
}

type BankAccountPayload struct {
	BankName          string `json:"bankName"`
	AccountNumber     string `json:"accountNumber"`
	IfscCode          string `json:"ifscCode"`
	AccountHolderName string `json:"accountHolderName"`
	UpiID             string `json:"upiId"`
	IsPrimary         bool   `json:"isPrimary"`
}

// StockRequest adds stock to an item: serial numbers for serialized items,
// a quantity for generic ones.
type StockRequest struct {
	SerialNumbers []string `json:"serialNumbers,omitempty"`
	StockQty      int      `json:"stockQty,omitempty"`
}

type PaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// Package remotetest provides an in-memory stand-in for the remote business
// service, for tests of the sync engine.
package remotetest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperengineering/tally/internal/remote"
	"github.com/shopspring/decimal"
)

// Record is a stored remote record in its wire form.
type Record = map[string]any

// Request is one request received by the backend.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   json.RawMessage
}

type fault struct {
	status  int
	message string
}

// Backend is an in-memory remote service. It serves the default resources
// of package remote and is safe for concurrent use.
type Backend struct {
	mu        sync.Mutex
	token     string
	seq       int
	now       func() time.Time
	records   map[string][]Record
	requests  []Request
	faults    []fault
	dashboard any
}

// New returns an empty backend accepting token.
func New(token string) *Backend {
	return &Backend{
		token:   token,
		now:     time.Now,
		records: make(map[string][]Record),
	}
}

// Start serves a new backend for the duration of the test.
func Start(t testing.TB, token string) (*Backend, *httptest.Server) {
	t.Helper()
	b := New(token)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return b, srv
}

// SetClock replaces the clock used for createdAt and updatedAt.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Seed stores records of resource as given. Records without an _id get one.
func (b *Backend) Seed(resource string, recs ...Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range recs {
		if id, _ := rec["_id"].(string); id == "" {
			rec["_id"] = b.nextID()
		}
		b.records[resource] = append(b.records[resource], rec)
	}
}

// Record returns a copy of the record of resource with id.
func (b *Backend) Record(resource, id string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, rec := b.find(resource, id)
	if rec == nil {
		return nil, false
	}
	return clone(rec), true
}

// Records returns copies of every record of resource in insertion order.
func (b *Backend) Records(resource string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.records[resource]))
	for _, rec := range b.records[resource] {
		out = append(out, clone(rec))
	}
	return out
}

// Requests returns the requests received so far.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Writes returns the non-GET requests received so far.
func (b *Backend) Writes() []Request {
	var out []Request
	for _, r := range b.Requests() {
		if r.Method != http.MethodGet {
			out = append(out, r)
		}
	}
	return out
}

// FailNext makes the next request fail with status.
func (b *Backend) FailNext(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, fault{status: status})
}

// FailAfter lets skip requests through, then fails the next one with status.
func (b *Backend) FailAfter(skip, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < skip; i++ {
		b.faults = append(b.faults, fault{})
	}
	b.faults = append(b.faults, fault{status: status})
}

// RejectNext makes the next request answer success=false with message.
func (b *Backend) RejectNext(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, fault{status: http.StatusOK, message: message})
}

// SetDashboard sets the payload served under "data" by the metrics endpoint.
func (b *Backend) SetDashboard(data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dashboard = data
}

// Handler returns the router serving the backend.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(b.record)
	r.Use(b.authenticate)
	r.Use(b.inject)

	for _, res := range remote.Resources {
		res := res
		for _, path := range res.ListPaths {
			r.Get(path, b.list(res, statusFilter(path)))
		}
		r.Post(res.Path, b.create(res))
		r.Put(res.Path+"/{id}", b.update(res))
		if res.Deletable {
			r.Delete(res.Path+"/{id}", b.remove(res))
		}
	}
	r.Post(remote.Items.Path+"/{id}/stock", b.addStock)
	r.Put(remote.Bills.Path+"/{id}/payment", b.addPayment)
	r.Put(remote.BankAccounts.Path+"/{id}/primary", b.setPrimary)
	r.Get(remote.DashboardPath, b.metrics)
	return r
}

// statusFilter splits the work order lists by status.
func statusFilter(path string) func(Record) bool {
	switch {
	case strings.HasSuffix(path, "/pending"):
		return func(rec Record) bool { return rec["status"] != "completed" }
	case strings.HasSuffix(path, "/completed"):
		return func(rec Record) bool { return rec["status"] == "completed" }
	}
	return func(Record) bool { return true }
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw []byte
		if r.Body != nil {
			raw, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(raw))
		}
		req := Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if json.Valid(raw) {
			req.Body = json.RawMessage(raw)
		}
		b.mu.Lock()
		b.requests = append(b.requests, req)
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+b.token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		var f *fault
		if len(b.faults) > 0 {
			f = &b.faults[0]
			b.faults = b.faults[1:]
		}
		b.mu.Unlock()

		switch {
		case f == nil, f.status == 0:
			next.ServeHTTP(w, r)
		case f.status == http.StatusOK:
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": f.message})
		default:
			writeJSON(w, f.status, map[string]any{"success": false, "message": http.StatusText(f.status)})
		}
	})
}

func (b *Backend) list(res remote.Resource, keep func(Record) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", 1)
		limit := queryInt(r, "limit", 50)

		b.mu.Lock()
		matched := []Record{}
		for _, rec := range b.records[res.Name] {
			if keep(rec) {
				matched = append(matched, clone(rec))
			}
		}
		b.mu.Unlock()

		start := (page - 1) * limit
		if start > len(matched) {
			start = len(matched)
		}
		end := start + limit
		if end > len(matched) {
			end = len(matched)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			res.ListKey:  matched[start:end],
			"pagination": map[string]any{"currentPage": page, "hasMore": end < len(matched)},
		})
	}
}

func (b *Backend) create(res remote.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec Record
		if err := json.Unmarshal(bodyOf(r), &rec); err != nil || rec == nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
			return
		}

		b.mu.Lock()
		now := b.stamp()
		rec["_id"] = b.nextID()
		rec["createdAt"] = now
		rec["updatedAt"] = now
		switch res.Name {
		case remote.Items.Name:
			b.initItem(rec, now)
		case remote.Bills.Name:
			b.initBill(rec)
			if received := number(rec["receivedPayment"]); received.IsPositive() {
				rec["paymentHistory"] = []any{Record{"_id": b.nextID(), "amount": received.String(), "paidAt": now}}
			}
		}
		b.records[res.Name] = append(b.records[res.Name], rec)
		out := clone(rec)
		b.mu.Unlock()

		writeJSON(w, http.StatusCreated, map[string]any{"success": true, res.RecordKey: out})
	}
}

func (b *Backend) update(res remote.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch Record
		if err := json.Unmarshal(bodyOf(r), &patch); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		_, rec := b.find(res.Name, chi.URLParam(r, "id"))
		if rec == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": res.Name + " not found"})
			return
		}
		for k, v := range patch {
			if k == "_id" || k == "createdAt" {
				continue
			}
			rec[k] = v
		}
		if res.Name == remote.Bills.Name {
			b.initBill(rec)
		}
		rec["updatedAt"] = b.stamp()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, res.RecordKey: clone(rec)})
	}
}

func (b *Backend) remove(res remote.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		i, rec := b.find(res.Name, chi.URLParam(r, "id"))
		if rec == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": res.Name + " not found"})
			return
		}
		recs := b.records[res.Name]
		b.records[res.Name] = append(recs[:i:i], recs[i+1:]...)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (b *Backend) addStock(w http.ResponseWriter, r *http.Request) {
	var req remote.StockRequest
	if err := json.Unmarshal(bodyOf(r), &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, item := b.find(remote.Items.Name, chi.URLParam(r, "id"))
	if item == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "item not found"})
		return
	}
	now := b.stamp()
	serials, _ := item["serialNumbers"].([]any)
	for _, sn := range req.SerialNumbers {
		serials = append(serials, Record{"_id": b.nextID(), "serialNo": sn, "status": "available", "addedAt": now})
	}
	item["serialNumbers"] = serials

	qty := req.StockQty + len(req.SerialNumbers)
	item["stockQty"] = number(item["stockQty"]).Add(decimal.NewFromInt(int64(qty))).IntPart()
	if req.StockQty > 0 {
		history, _ := item["stockHistory"].([]any)
		item["stockHistory"] = append(history, Record{"_id": b.nextID(), "qty": req.StockQty, "addedAt": now})
	}
	item["updatedAt"] = now
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "item": clone(item)})
}

func (b *Backend) addPayment(w http.ResponseWriter, r *http.Request) {
	var req remote.PaymentRequest
	if err := json.Unmarshal(bodyOf(r), &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, bill := b.find(remote.Bills.Name, chi.URLParam(r, "id"))
	if bill == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "bill not found"})
		return
	}
	now := b.stamp()
	history, _ := bill["paymentHistory"].([]any)
	bill["paymentHistory"] = append(history, Record{
		"_id": b.nextID(), "amount": req.Amount.String(), "note": req.Note, "paidAt": now,
	})
	bill["receivedPayment"] = number(bill["receivedPayment"]).Add(req.Amount).String()
	b.initBill(bill)
	bill["updatedAt"] = now
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bill": clone(bill)})
}

func (b *Backend) setPrimary(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := chi.URLParam(r, "id")
	if _, rec := b.find(remote.BankAccounts.Name, id); rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "bank account not found"})
		return
	}
	now := b.stamp()
	for _, rec := range b.records[remote.BankAccounts.Name] {
		primary := rec["_id"] == id
		if rec["isPrimary"] != primary {
			rec["isPrimary"] = primary
			rec["updatedAt"] = now
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (b *Backend) metrics(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	data := b.dashboard
	b.mu.Unlock()
	if data == nil {
		data = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

// initItem sets the stock fields of a new item.
func (b *Backend) initItem(item Record, now string) {
	qty := number(item["stockQty"]).IntPart()
	item["stockQty"] = qty
	if _, ok := item["serialNumbers"]; !ok {
		item["serialNumbers"] = []any{}
	}
	history := []any{}
	if qty > 0 {
		history = append(history, Record{"_id": b.nextID(), "qty": qty, "addedAt": now})
	}
	item["stockHistory"] = history
}

// initBill assigns ids to line items and derives the bill totals.
func (b *Backend) initBill(bill Record) {
	subtotal := decimal.Zero
	items, _ := bill["items"].([]any)
	for _, v := range items {
		li, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := li["_id"].(string); id == "" {
			li["_id"] = b.nextID()
		}
		qty := number(li["qty"])
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		amount := number(li["price"]).Mul(qty)
		li["amount"] = amount.String()
		subtotal = subtotal.Add(amount)
	}
	if items == nil {
		bill["items"] = []any{}
	}
	if _, ok := bill["paymentHistory"]; !ok {
		bill["paymentHistory"] = []any{}
	}
	if _, ok := bill["billNumber"]; !ok {
		bill["billNumber"] = fmt.Sprintf("BILL-%04d", b.seq)
	}
	total := subtotal.Sub(number(bill["discount"]))
	received := number(bill["receivedPayment"])
	bill["subtotal"] = subtotal.String()
	bill["totalAmount"] = total.String()
	bill["receivedPayment"] = received.String()
	bill["dueAmount"] = decimal.Max(total.Sub(received), decimal.Zero).String()
}

func (b *Backend) find(resource, id string) (int, Record) {
	for i, rec := range b.records[resource] {
		if rec["_id"] == id {
			return i, rec
		}
	}
	return -1, nil
}

// nextID must be called with b.mu held.
func (b *Backend) nextID() string {
	b.seq++
	return "srv-" + strconv.Itoa(b.seq)
}

// stamp must be called with b.mu held.
func (b *Backend) stamp() string {
	return b.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func bodyOf(r *http.Request) []byte {
	raw, _ := io.ReadAll(r.Body)
	return raw
}

// number reads a JSON number or numeric string.
func number(v any) decimal.Decimal {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x)
	case int:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case string:
		d, err := decimal.NewFromString(x)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// clone deep-copies a record through JSON.
func clone(rec Record) Record {
	raw, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

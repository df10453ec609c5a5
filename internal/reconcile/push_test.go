package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/remote"
	"github.com/hyperengineering/tally/internal/remotetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush_BillCreatePromotesToServerID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.syncedCustomer(t, "srv-cust")

	bill := &tally.Bill{
		Envelope:   tally.Envelope{ID: "bill-local"},
		CustomerID: "srv-cust",
		Subtotal:   decimal.NewFromInt(300),
		Total:      decimal.NewFromInt(300),
		Received:   decimal.NewFromInt(100),
		Items: []tally.BillLineItem{
			{ItemName: "Cable", Qty: 3, Price: decimal.NewFromInt(100)},
		},
	}
	require.NoError(t, h.store.Bills.InsertLocal(ctx, bill))

	rep := h.push(t)
	assert.Equal(t, 1, rep.Pushed)
	assert.Empty(t, rep.Errors)

	serverID := h.serverID(t, remote.Bills.Name)
	assert.NotEqual(t, "bill-local", serverID)

	got, err := h.store.Bills.Get(ctx, serverID)
	require.NoError(t, err)
	assert.False(t, got.PendingSync)
	assert.False(t, got.Placeholder)
	assert.Equal(t, "bill-local", got.ClientID)

	_, err = h.store.Bills.Get(ctx, "bill-local")
	assert.ErrorIs(t, err, tally.ErrNotFound)

	remoteID, ok, err := h.store.Bills.Resolve(ctx, "bill-local")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tally.RemoteID(serverID), remoteID)

	// The line item took the id the service assigned.
	require.Len(t, got.Items, 1)
	line := got.Items[0]
	assert.False(t, line.PendingSync)
	srvBill, ok := h.backend.Record(remote.Bills.Name, serverID)
	require.True(t, ok)
	srvItems := srvBill["items"].([]any)
	require.Len(t, srvItems, 1)
	assert.Equal(t, srvItems[0].(map[string]any)["_id"], line.ID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(h.backend.Writes()[0].Body, &body))
	assert.Equal(t, "srv-cust", body["customerId"])
	assert.Equal(t, "100", body["receivedPayment"])
}

func TestPush_ChildWaitsForPlaceholderParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := &tally.Item{Envelope: tally.Envelope{ID: "client-1"}, Type: tally.ItemSerialized, Name: "Router"}
	require.NoError(t, h.store.Items.InsertLocal(ctx, item))
	serials, err := h.store.Items.AddSerials(ctx, "client-1", []string{"SN1"})
	require.NoError(t, err)
	require.Len(t, serials, 1)

	h.backend.FailNext(http.StatusServiceUnavailable)
	rep := h.push(t)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Waiting)

	row, ok := h.pendingRow(t, "serial_numbers", serials[0].ID)
	require.True(t, ok)
	assert.Equal(t, "waiting for parent sync", row.SyncError)
	assert.Zero(t, row.SyncAttempts)

	itemRow, ok := h.pendingRow(t, "items", "client-1")
	require.True(t, ok)
	assert.NotEmpty(t, itemRow.SyncError)
	assert.False(t, itemRow.Parked)

	rep = h.push(t)
	assert.Equal(t, 2, rep.Pushed)
	assert.Zero(t, rep.Waiting)

	serverID := h.serverID(t, remote.Items.Name)
	remoteID, ok, err := h.store.Items.Resolve(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tally.RemoteID(serverID), remoteID)

	_, ok = h.pendingRow(t, "serial_numbers", serials[0].ID)
	assert.False(t, ok)

	// The serial was sent as stock of the promoted item, not as opening stock.
	srvItem, _ := h.backend.Record(remote.Items.Name, serverID)
	assert.EqualValues(t, 1, srvItem["stockQty"])
	assert.Len(t, srvItem["serialNumbers"], 1)

	writes := h.backend.Writes()
	last := writes[len(writes)-1]
	assert.Equal(t, remote.Items.Path+"/"+serverID+"/stock", last.Path)
}

func TestPush_OpeningStockExcludesPendingStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := &tally.Item{Type: tally.ItemGeneric, Name: "Filter", StockQty: 5}
	require.NoError(t, h.store.Items.InsertLocal(ctx, item))
	_, err := h.store.Items.AddStock(ctx, item.ID, 3)
	require.NoError(t, err)

	rep := h.push(t)
	assert.Equal(t, 2, rep.Pushed)

	writes := h.backend.Writes()
	require.Len(t, writes, 2)
	var create map[string]any
	require.NoError(t, json.Unmarshal(writes[0].Body, &create))
	assert.EqualValues(t, 5, create["stockQty"])

	srvItem, _ := h.backend.Record(remote.Items.Name, h.serverID(t, remote.Items.Name))
	assert.EqualValues(t, 8, srvItem["stockQty"])
}

func TestPush_StockEntriesSummedPerItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.Seed(remote.Items.Name, remotetest.Record{"_id": "srv-item", "itemType": "generic", "itemName": "Filter", "stockQty": 2})
	require.NoError(t, h.store.Items.UpsertOne(ctx, &tally.Item{
		Envelope: tally.Envelope{ID: "srv-item", UpdatedAt: "2024-06-01T00:00:00.000Z"},
		Type:     tally.ItemGeneric,
		Name:     "Filter",
		StockQty: 2,
	}))
	for _, qty := range []int{3, 4} {
		_, err := h.store.Items.AddStock(ctx, "srv-item", qty)
		require.NoError(t, err)
	}

	rep := h.push(t)
	assert.Equal(t, 2, rep.Pushed)

	writes := h.backend.Writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"stockQty":7}`, string(writes[0].Body))

	srvItem, _ := h.backend.Record(remote.Items.Name, "srv-item")
	assert.EqualValues(t, 9, srvItem["stockQty"])
}

func TestPush_DeleteOfPlaceholderSettlesLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := &tally.Customer{Name: "Ravi"}
	require.NoError(t, h.store.Customers.InsertLocal(ctx, c))
	require.NoError(t, h.store.Customers.MarkPendingDelete(ctx, c.ID))

	rep := h.push(t)
	assert.Equal(t, 1, rep.Settled)
	assert.Empty(t, h.backend.Requests())

	_, ok := h.pendingRow(t, "customers", c.ID)
	assert.False(t, ok)
}

func TestPush_DeleteOfSyncedCustomer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.syncedCustomer(t, "srv-cust")

	require.NoError(t, h.store.Customers.MarkPendingDelete(ctx, "srv-cust"))
	rep := h.push(t)
	assert.Equal(t, 1, rep.Pushed)

	writes := h.backend.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, http.MethodDelete, writes[0].Method)
	assert.Empty(t, h.backend.Records(remote.Customers.Name))
}

// noDelete is a client whose service has no delete endpoints.
type noDelete struct {
	remote.Client
}

func (noDelete) Delete(context.Context, remote.Resource, string) error {
	return fmt.Errorf("delete item: %w", tally.ErrUnsupported)
}

func TestPush_UnsupportedDeleteIsParked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Items.UpsertOne(ctx, &tally.Item{
		Envelope: tally.Envelope{ID: "srv-item", UpdatedAt: "2024-06-01T00:00:00.000Z"},
		Type:     tally.ItemGeneric,
		Name:     "Filter",
	}))
	require.NoError(t, h.store.Items.MarkPendingDelete(ctx, "srv-item"))

	pusher := NewPusher(h.store, noDelete{h.client}, 2, nil)
	rep, err := pusher.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Parked)

	row, ok := h.pendingRow(t, "items", "srv-item")
	require.True(t, ok)
	assert.True(t, row.PendingSync)
	assert.True(t, row.Parked)
	assert.Equal(t, "delete not supported", row.SyncError)

	// Parked rows are not retried.
	rep, err = pusher.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Parked)
	assert.Empty(t, h.backend.Requests())
}

func TestPush_BillDeleteIsParkedWithoutRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Bills.UpsertOne(ctx, &tally.Bill{
		Envelope:   tally.Envelope{ID: "srv-bill", UpdatedAt: "2024-06-01T00:00:00.000Z"},
		CustomerID: "srv-cust",
		Total:      decimal.NewFromInt(100),
	}))
	require.NoError(t, h.store.Bills.MarkPendingDelete(ctx, "srv-bill"))

	rep := h.push(t)
	assert.Equal(t, 1, rep.Parked)
	assert.Empty(t, h.backend.Requests())

	row, ok := h.pendingRow(t, "bills", "srv-bill")
	require.True(t, ok)
	assert.Equal(t, "delete not supported", row.SyncError)
}

func TestPush_RejectedRowIsParkedAfterLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := &tally.Customer{Name: "Ravi", Phone: "9000000000"}
	require.NoError(t, h.store.Customers.InsertLocal(ctx, c))

	h.backend.RejectNext("duplicate phone")
	rep := h.push(t)
	assert.Equal(t, 1, rep.Rejected)
	require.Len(t, rep.Errors, 1)
	assert.ErrorContains(t, rep.Errors[0], "duplicate phone")

	row, _ := h.pendingRow(t, "customers", c.ID)
	assert.Equal(t, 1, row.SyncAttempts)
	assert.False(t, row.Parked)

	h.backend.RejectNext("duplicate phone")
	rep = h.push(t)
	assert.Equal(t, 1, rep.Parked)

	row, _ = h.pendingRow(t, "customers", c.ID)
	assert.True(t, row.Parked)
	assert.Contains(t, row.SyncError, "duplicate phone")

	writes := len(h.backend.Writes())
	h.push(t)
	assert.Len(t, h.backend.Writes(), writes, "parked row was retried")

	require.NoError(t, h.store.Customers.Requeue(ctx, c.ID))
	rep = h.push(t)
	assert.Equal(t, 1, rep.Pushed)
	_, ok := h.pendingRow(t, "customers", c.ID)
	assert.False(t, ok)
}

func TestPush_TransientFailureStaysPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	svc := &tally.Service{Name: "Install", Price: decimal.NewFromInt(500)}
	require.NoError(t, h.store.Services.InsertLocal(ctx, svc))

	h.backend.FailNext(http.StatusBadGateway)
	rep := h.push(t)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Errors, 1)
	assert.True(t, tally.IsRetryable(rep.Errors[0]))

	row, ok := h.pendingRow(t, "services", svc.ID)
	require.True(t, ok)
	assert.Zero(t, row.SyncAttempts)
	assert.False(t, row.Parked)
	assert.True(t, row.Placeholder)
}

func TestPush_WorkOrderWaitsForCustomerCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := &tally.Customer{Name: "Ravi"}
	require.NoError(t, h.store.Customers.InsertLocal(ctx, c))
	wo := &tally.WorkOrder{CustomerID: c.ID, Note: "fix router"}
	require.NoError(t, h.store.WorkOrders.InsertLocal(ctx, wo))

	// Customers push before work orders, so one pass creates both.
	rep := h.push(t)
	assert.Equal(t, 2, rep.Pushed)

	customerID := h.serverID(t, remote.Customers.Name)
	srvWO := h.backend.Records(remote.WorkOrders.Name)
	require.Len(t, srvWO, 1)
	assert.Equal(t, customerID, srvWO[0]["customerId"])
}

func TestPush_PaymentOnSyncedBill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.Seed(remote.Bills.Name, remotetest.Record{
		"_id":        "srv-bill",
		"customerId": "srv-cust",
		"items": []any{
			map[string]any{"_id": "srv-line", "itemName": "Cable", "qty": 1, "price": 500},
		},
	})
	_, err := h.engine().Pull(ctx, GroupBills)
	require.NoError(t, err)

	_, err = h.store.Bills.RecordPayment(ctx, "srv-bill", decimal.NewFromInt(200), "advance")
	require.NoError(t, err)

	rep := h.push(t)
	assert.Equal(t, 1, rep.Pushed)
	writes := h.backend.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, remote.Bills.Path+"/srv-bill/payment", writes[0].Path)

	srvBill, _ := h.backend.Record(remote.Bills.Name, "srv-bill")
	assert.Len(t, srvBill["paymentHistory"], 1)
}

func TestPush_BillLinesReplacedOnSyncedBill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.Seed(remote.Bills.Name, remotetest.Record{
		"_id":        "srv-bill",
		"customerId": "srv-cust",
		"items": []any{
			map[string]any{"_id": "srv-line", "itemName": "Cable", "qty": 1, "price": 500},
		},
	})
	_, err := h.engine().Pull(ctx, GroupBills)
	require.NoError(t, err)

	line := &tally.BillLineItem{BillID: "srv-bill", ItemName: "Adapter", Qty: 1, Price: decimal.NewFromInt(50)}
	require.NoError(t, h.store.BillLineItems.InsertLocal(ctx, line))

	rep := h.push(t)
	assert.Equal(t, 1, rep.Pushed)

	writes := h.backend.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, http.MethodPut, writes[0].Method)
	var body remote.BillItemsRequest
	require.NoError(t, json.Unmarshal(writes[0].Body, &body))
	assert.Len(t, body.Items, 2)

	srvBill, _ := h.backend.Record(remote.Bills.Name, "srv-bill")
	srvItems := srvBill["items"].([]any)
	require.Len(t, srvItems, 2)

	lines, err := h.store.BillLineItems.ListByParent(ctx, "srv-bill", 0, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(lines))
	for _, li := range lines {
		assert.False(t, li.PendingSync)
		ids = append(ids, li.ID)
	}
	for _, it := range srvItems {
		assert.Contains(t, ids, it.(map[string]any)["_id"])
	}
}

func TestPush_SetPrimaryBankAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.Seed(remote.BankAccounts.Name,
		remotetest.Record{"_id": "acct-1", "bankName": "SBI", "accountNumber": "1", "isPrimary": true},
		remotetest.Record{"_id": "acct-2", "bankName": "HDFC", "accountNumber": "2"},
	)
	_, err := h.engine().Pull(ctx, GroupBankAccounts)
	require.NoError(t, err)

	require.NoError(t, h.store.BankAccounts.MarkPendingSetPrimary(ctx, "acct-2"))
	rep := h.push(t)
	assert.Equal(t, 1, rep.Pushed)

	writes := h.backend.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, remote.BankAccounts.Path+"/acct-2/primary", writes[0].Path)
}

func TestPush_EditDuringPushStaysPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := &tally.Customer{Name: "Ravi"}
	require.NoError(t, h.store.Customers.InsertLocal(ctx, c))

	// Edit the row while its create is in flight.
	edit := editingClient{Client: h.client, edit: func() {
		require.NoError(t, h.store.Customers.MarkPendingUpdate(ctx, c.ID, tally.CustomerPatch{Address: ptr("Main Road")}))
	}}
	rep, err := NewPusher(h.store, edit, 2, nil).Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pushed)

	serverID := h.serverID(t, remote.Customers.Name)
	got, err := h.store.Customers.Get(ctx, serverID)
	require.NoError(t, err)
	assert.True(t, got.PendingSync)
	assert.Equal(t, tally.SyncOpUpdate, got.SyncOp)
	assert.False(t, got.Placeholder)

	rep = h.push(t)
	assert.Equal(t, 1, rep.Pushed)
	srv, _ := h.backend.Record(remote.Customers.Name, serverID)
	assert.Equal(t, "Main Road", srv["address"])
}

// editingClient runs edit before forwarding a create.
type editingClient struct {
	remote.Client
	edit func()
}

func (c editingClient) Create(ctx context.Context, res remote.Resource, body any) (json.RawMessage, error) {
	c.edit()
	return c.Client.Create(ctx, res, body)
}

func ptr[T any](v T) *T { return &v }

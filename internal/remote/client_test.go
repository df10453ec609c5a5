package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(url, "test-token", "device-1").WithRetry(2, time.Millisecond)
}

func TestHTTPClient_SetsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "device-1", r.Header.Get("X-Device-ID"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "tally-client/"))
		_, _ = w.Write([]byte(`{"success":true,"customers":[]}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).List(context.Background(), Customers, "/api/customers", 1, 10)
	require.NoError(t, err)
}

func TestHTTPClient_List_DecodesPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/inventory/items", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{
			"success": true,
			"items": [{"_id": "i1"}, {"_id": "i2"}],
			"pagination": {"currentPage": 2, "hasMore": true}
		}`))
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).List(context.Background(), Items, "/api/inventory/items", 2, 50)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.CurrentPage)
}

func TestHTTPClient_List_MissingPaginationStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": true, "bills": [{"_id": "b1"}]}`))
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).List(context.Background(), Bills, "/api/bills", 1, 50)
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.False(t, page.HasMore)
}

func TestHTTPClient_List_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"success": true, "customers": [{"_id": "c1"}]}`))
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).List(context.Background(), Customers, "/api/customers", 1, 10)
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_List_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).List(context.Background(), Customers, "/api/customers", 1, 10)
	require.Error(t, err)

	var syncErr *tally.SyncError
	require.True(t, errors.As(err, &syncErr), "got %T", err)
	assert.Equal(t, http.StatusBadGateway, syncErr.StatusCode)
	assert.True(t, syncErr.Retryable())
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_List_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "invalid token"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).List(context.Background(), Customers, "/api/customers", 1, 10)

	var syncErr *tally.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, http.StatusUnauthorized, syncErr.StatusCode)
	assert.Contains(t, syncErr.Error(), "invalid token")
	assert.False(t, syncErr.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_Create_ReturnsRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/customer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body CustomerPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Asha", body.CustomerName)

		_, _ = w.Write([]byte(`{"success": true, "customer": {"_id": "srv-1", "customerName": "Asha"}}`))
	}))
	defer server.Close()

	raw, err := newTestClient(server.URL).Create(context.Background(), Customers, CustomerPayload{CustomerName: "Asha"})
	require.NoError(t, err)
	id, err := RecordID(raw)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)
}

func TestHTTPClient_Create_RejectionIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "message": "phone number already exists"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Create(context.Background(), Customers, CustomerPayload{})

	var syncErr *tally.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.True(t, syncErr.Rejected)
	assert.False(t, tally.IsRetryable(err))
	assert.Contains(t, err.Error(), "phone number already exists")
}

func TestHTTPClient_Create_MissingIDIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Create(context.Background(), Items, ItemPayload{})
	require.Error(t, err)
	assert.False(t, tally.IsRetryable(err))
}

func TestHTTPClient_Create_NetworkErrorIsRetryable(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:1").Create(context.Background(), Customers, CustomerPayload{})

	var syncErr *tally.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, 0, syncErr.StatusCode)
	assert.True(t, tally.IsRetryable(err))
}

func TestHTTPClient_Delete_Unsupported(t *testing.T) {
	err := NewHTTPClient("http://unused", "t", "").Delete(context.Background(), Bills, "b1")
	assert.ErrorIs(t, err, tally.ErrUnsupported)
}

func TestHTTPClient_Delete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/customer/srv-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	require.NoError(t, newTestClient(server.URL).Delete(context.Background(), Customers, "srv-1"))
}

func TestHTTPClient_Endpoints(t *testing.T) {
	type call struct{ method, path, body string }
	var (
		mu  sync.Mutex
		got []call
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b, _ := json.Marshal(body)
		mu.Lock()
		got = append(got, call{r.Method, r.URL.Path, string(b)})
		mu.Unlock()
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	ctx := context.Background()
	c := newTestClient(server.URL)
	require.NoError(t, c.SetPrimary(ctx, "acct-1"))
	require.NoError(t, c.AddStock(ctx, "item-1", StockRequest{SerialNumbers: []string{"SN1"}}))
	require.NoError(t, c.AddStock(ctx, "item-2", StockRequest{StockQty: 4}))
	require.NoError(t, c.AddPayment(ctx, "bill-1", PaymentRequest{Amount: decimal.NewFromInt(100), Note: "upi"}))

	want := []call{
		{http.MethodPut, "/api/bank-account/acct-1/primary", "null"},
		{http.MethodPost, "/api/inventory/item/item-1/stock", `{"serialNumbers":["SN1"]}`},
		{http.MethodPost, "/api/inventory/item/item-2/stock", `{"stockQty":4}`},
		{http.MethodPut, "/api/bill/bill-1/payment", `{"amount":"100","note":"upi"}`},
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestHTTPClient_DashboardMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DashboardPath, r.URL.Path)
		if r.URL.Query().Get("filterType") == "monthYear" {
			assert.Equal(t, "3", r.URL.Query().Get("month"))
			assert.Equal(t, "2025", r.URL.Query().Get("year"))
		} else {
			assert.Equal(t, "1month", r.URL.Query().Get("period"))
		}
		_, _ = w.Write([]byte(`{"success": true, "data": {"totalSales": 1200}}`))
	}))
	defer server.Close()

	ctx := context.Background()
	c := newTestClient(server.URL)

	data, err := c.DashboardMetrics(ctx, tally.DashboardFilter{Period: "1month"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalSales": 1200}`, string(data))

	_, err = c.DashboardMetrics(ctx, tally.DashboardFilter{Month: 3, Year: 2025})
	require.NoError(t, err)
}

func TestTruncateForLog(t *testing.T) {
	short := []byte("ok")
	assert.Equal(t, "ok", truncateForLog(short))

	long := []byte(strings.Repeat("x", maxLoggedBody+10))
	out := truncateForLog(long)
	assert.Len(t, out, maxLoggedBody+3)
	assert.True(t, strings.HasSuffix(out, "..."))
}

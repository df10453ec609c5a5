package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Client abstracts HTTP communication with the remote service.
// Implementations must be safe for concurrent use.
type Client interface {
	// List fetches one page of a resource list.
	List(ctx context.Context, res Resource, listPath string, page, limit int) (*Page, error)

	// Create posts a new record and returns the stored record, which carries
	// the server id.
	Create(ctx context.Context, res Resource, body any) (json.RawMessage, error)

	// Update replaces the fields of record id.
	Update(ctx context.Context, res Resource, id string, body any) (json.RawMessage, error)

	// Delete removes record id. It returns tally.ErrUnsupported for resources
	// without a delete endpoint.
	Delete(ctx context.Context, res Resource, id string) error

	// SetPrimary makes bank account id the primary account.
	SetPrimary(ctx context.Context, id string) error

	// AddStock adds serial numbers or a quantity to item id.
	AddStock(ctx context.Context, itemID string, req StockRequest) error

	// AddPayment records a payment against bill id.
	AddPayment(ctx context.Context, billID string, req PaymentRequest) error

	// DashboardMetrics fetches the dashboard metrics for a filter.
	DashboardMetrics(ctx context.Context, f tally.DashboardFilter) (json.RawMessage, error)
}

// Page is one page of a list response.
type Page struct {
	Records     []json.RawMessage
	HasMore     bool
	CurrentPage int
}

// Retry defaults for GET requests.
const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 250 * time.Millisecond
)

// maxLoggedBody bounds request and response bodies written to debug logs.
const maxLoggedBody = 512

// HTTPClient implements Client using net/http.
type HTTPClient struct {
	baseURL    string
	token      string
	deviceID   string
	userAgent  string
	httpClient *http.Client
	log        logrus.FieldLogger
	maxRetries uint64
	backoff    time.Duration
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service at baseURL. deviceID is sent
// as X-Device-ID when non-empty.
func NewHTTPClient(baseURL, token, deviceID string) *HTTPClient {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		deviceID:   deviceID,
		userAgent:  "tally-client/1.0",
		httpClient: &http.Client{Timeout: tally.DefaultRequestTimeout},
		log:        l,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithLogger sets the logger used for request tracing.
func (c *HTTPClient) WithLogger(l logrus.FieldLogger) *HTTPClient {
	c.log = l
	return c
}

// WithRetry sets how often a failed GET is retried and the initial backoff.
func (c *HTTPClient) WithRetry(maxRetries uint64, backoff time.Duration) *HTTPClient {
	c.maxRetries = maxRetries
	c.backoff = backoff
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.deviceID) != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
}

// response is the common envelope of every service reply.
type response struct {
	fields  map[string]json.RawMessage
	success bool
	message string
}

func (r *response) field(key string) json.RawMessage {
	return r.fields[key]
}

// do sends one request and decodes the reply envelope. Non-2xx statuses and
// success=false replies are returned as *tally.SyncError.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body any) (*response, error) {
	var reqBody io.Reader
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &tally.SyncError{Operation: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &tally.SyncError{Operation: op, Err: err}
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	entry := c.log.WithFields(logrus.Fields{"op": op, "method": method, "path": path})
	if payload != nil {
		entry.WithField("body", truncateForLog(payload)).Debug("remote request")
	} else {
		entry.Debug("remote request")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &tally.SyncError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tally.SyncError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	entry.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
		"body":     truncateForLog(raw),
	}).Debug("remote response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newSyncError(op, resp.StatusCode, raw)
	}

	out := &response{fields: map[string]json.RawMessage{}}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.fields); err != nil {
			return nil, &tally.SyncError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	if v, ok := out.fields["success"]; ok {
		_ = json.Unmarshal(v, &out.success)
	} else {
		out.success = true
	}
	if v, ok := out.fields["message"]; ok {
		_ = json.Unmarshal(v, &out.message)
	}
	if !out.success {
		msg := out.message
		if msg == "" {
			msg = "request rejected"
		}
		return nil, &tally.SyncError{Operation: op, StatusCode: resp.StatusCode, Rejected: true, Err: errors.New(msg)}
	}
	return out, nil
}

// get is do for GET requests, retrying transient failures with exponential
// backoff.
func (c *HTTPClient) get(ctx context.Context, op, path string) (*response, error) {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoff))

	var out *response
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, err := c.do(ctx, op, http.MethodGet, path, nil)
		if err != nil {
			if tally.IsRetryable(err) && ctx.Err() == nil {
				c.log.WithFields(logrus.Fields{"op": op, "attempt": attempt}).WithError(err).Debug("retrying request")
				return retry.RetryableError(err)
			}
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func newSyncError(op string, statusCode int, body []byte) *tally.SyncError {
	msg := http.StatusText(statusCode)
	var reply struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &reply) == nil {
		switch {
		case reply.Message != "":
			msg = reply.Message
		case reply.Error != "":
			msg = reply.Error
		}
	} else if len(body) > 0 {
		msg = truncateForLog(body)
	}
	return &tally.SyncError{
		Operation:  op,
		StatusCode: statusCode,
		Err:        fmt.Errorf("HTTP %d: %s", statusCode, msg),
	}
}

// truncateForLog shortens a body for logging.
func truncateForLog(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}

func (c *HTTPClient) List(ctx context.Context, res Resource, listPath string, page, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.get(ctx, "list_"+res.Name, listPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	out := &Page{CurrentPage: page}
	if raw := resp.field(res.ListKey); len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &out.Records); err != nil {
			return nil, &tally.SyncError{Operation: "list_" + res.Name, StatusCode: http.StatusOK, Rejected: true,
				Err: fmt.Errorf("decode %s: %w", res.ListKey, err)}
		}
	}
	if raw := resp.field("pagination"); len(raw) > 0 {
		var p struct {
			HasMore     *bool `json:"hasMore"`
			CurrentPage int   `json:"currentPage"`
		}
		if err := json.Unmarshal(raw, &p); err == nil {
			if p.HasMore != nil {
				out.HasMore = *p.HasMore
			}
			if p.CurrentPage > 0 {
				out.CurrentPage = p.CurrentPage
			}
		}
	}
	return out, nil
}

func (c *HTTPClient) Create(ctx context.Context, res Resource, body any) (json.RawMessage, error) {
	op := "create_" + res.Name
	resp, err := c.do(ctx, op, http.MethodPost, res.Path, body)
	if err != nil {
		return nil, err
	}
	rec := resp.field(res.RecordKey)
	if id, _ := RecordID(rec); id == "" {
		return nil, &tally.SyncError{Operation: op, StatusCode: http.StatusOK, Rejected: true,
			Err: fmt.Errorf("response has no %s id", res.RecordKey)}
	}
	return rec, nil
}

func (c *HTTPClient) Update(ctx context.Context, res Resource, id string, body any) (json.RawMessage, error) {
	resp, err := c.do(ctx, "update_"+res.Name, http.MethodPut, res.Path+"/"+url.PathEscape(id), body)
	if err != nil {
		return nil, err
	}
	return resp.field(res.RecordKey), nil
}

func (c *HTTPClient) Delete(ctx context.Context, res Resource, id string) error {
	if !res.Deletable {
		return fmt.Errorf("delete %s: %w", res.Name, tally.ErrUnsupported)
	}
	_, err := c.do(ctx, "delete_"+res.Name, http.MethodDelete, res.Path+"/"+url.PathEscape(id), nil)
	return err
}

func (c *HTTPClient) SetPrimary(ctx context.Context, id string) error {
	_, err := c.do(ctx, "set_primary_bankaccount", http.MethodPut, BankAccounts.Path+"/"+url.PathEscape(id)+"/primary", nil)
	return err
}

func (c *HTTPClient) AddStock(ctx context.Context, itemID string, req StockRequest) error {
	_, err := c.do(ctx, "add_stock", http.MethodPost, Items.Path+"/"+url.PathEscape(itemID)+"/stock", req)
	return err
}

func (c *HTTPClient) AddPayment(ctx context.Context, billID string, req PaymentRequest) error {
	_, err := c.do(ctx, "add_payment", http.MethodPut, Bills.Path+"/"+url.PathEscape(billID)+"/payment", req)
	return err
}

func (c *HTTPClient) DashboardMetrics(ctx context.Context, f tally.DashboardFilter) (json.RawMessage, error) {
	q := url.Values{}
	if f.Period != "" {
		q.Set("filterType", "period")
		q.Set("period", f.Period)
	} else {
		q.Set("filterType", "monthYear")
		q.Set("month", strconv.Itoa(f.Month))
		q.Set("year", strconv.Itoa(f.Year))
	}
	resp, err := c.get(ctx, "dashboard_metrics", DashboardPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	data := resp.field("data")
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	return data, nil
}

package shopline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultProductionBaseURL = "https://api.shoplinepayments.com"
	defaultSandboxBaseURL    = "https://api-sandbox.shoplinepayments.com"

	defaultRequestTimeout = 15 * time.Second

	headerTimestamp      = "timestamp"
	headerAPIVersion     = "apiVersion"
	headerSign           = "sign"
	headerIdempotencyKey = "Idempotency-Key"

	apiCodeSuccess = "SUCCESS"
)

// ClientLogger receives structured client events.
type ClientLogger func(ctx context.Context, event string, fields map[string]any)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig configures a provider API client for one gateway's credentials.
type ClientConfig struct {
	Credentials Credentials
	// BaseURL overrides the mode-derived endpoint, primarily for tests.
	BaseURL string
	// Timeout bounds each outbound call; zero means the default.
	Timeout time.Duration
	Logger  ClientLogger
	Clock   func() time.Time
	// HTTPClient overrides the underlying transport, primarily for tests.
	HTTPClient httpDoer
	// NewIdempotencyKey overrides key generation, primarily for tests.
	NewIdempotencyKey func() string
}

// Client talks to the Shopline Payments REST API. Constructed per gateway from
// that gateway's credentials; it holds no process-wide state.
type Client struct {
	creds   Credentials
	baseURL string
	http    httpDoer
	logger  ClientLogger
	clock   func() time.Time
	newKey  func() string
}

// NewClient constructs a Client from the given configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Credentials.Key() == "" {
		return nil, errors.New("shopline: signing key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		if cfg.Credentials.Sandbox {
			baseURL = defaultSandboxBaseURL
		} else {
			baseURL = defaultProductionBaseURL
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	newKey := cfg.NewIdempotencyKey
	if newKey == nil {
		newKey = func() string { return uuid.NewString() }
	}

	return &Client{
		creds:   cfg.Credentials,
		baseURL: baseURL,
		http:    doer,
		logger:  logger,
		clock:   clock,
		newKey:  newKey,
	}, nil
}

// QueryPayment fetches the authoritative payment state for a trade order id.
func (c *Client) QueryPayment(ctx context.Context, tradeOrderID string) (Payment, error) {
	tradeOrderID = strings.TrimSpace(tradeOrderID)
	if tradeOrderID == "" {
		return Payment{}, NewParseError("query_payment", "tradeOrderId is required")
	}

	data, err := c.post(ctx, "/v1/payments/query", map[string]any{
		"tradeOrderId": tradeOrderID,
	}, false)
	if err != nil {
		return Payment{}, err
	}
	return PaymentFromMap(data)
}

// QuerySession fetches the authoritative session state for a session id.
func (c *Client) QuerySession(ctx context.Context, sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, NewParseError("query_session", "sessionId is required")
	}

	data, err := c.post(ctx, "/v1/sessions/query", map[string]any{
		"sessionId": sessionID,
	}, false)
	if err != nil {
		return Session{}, err
	}
	return SessionFromMap(data)
}

// CancelPayment requests cancellation of an in-flight payment.
func (c *Client) CancelPayment(ctx context.Context, tradeOrderID string) (Payment, error) {
	tradeOrderID = strings.TrimSpace(tradeOrderID)
	if tradeOrderID == "" {
		return Payment{}, NewParseError("cancel_payment", "tradeOrderId is required")
	}

	data, err := c.post(ctx, "/v1/payments/cancel", map[string]any{
		"tradeOrderId": tradeOrderID,
	}, true)
	if err != nil {
		return Payment{}, err
	}
	return PaymentFromMap(data)
}

// CreateCustomerRequest carries the fields for provider customer creation.
type CreateCustomerRequest struct {
	ReferenceCustomerID string
	Email               string
	Name                string
	Phone               string
}

// CreateCustomer registers a provider customer bound to a local account.
func (c *Client) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Customer, error) {
	if strings.TrimSpace(req.ReferenceCustomerID) == "" {
		return Customer{}, NewParseError("create_customer", "referenceCustomerId is required")
	}

	body := map[string]any{
		"referenceCustomerId": strings.TrimSpace(req.ReferenceCustomerID),
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		body["email"] = email
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		body["name"] = name
	}
	if phone := strings.TrimSpace(req.Phone); phone != "" {
		body["phone"] = phone
	}

	data, err := c.post(ctx, "/v1/customers", body, true)
	if err != nil {
		return Customer{}, err
	}
	return CustomerFromMap(data)
}

// QueryPaymentInstruments lists the tokenized instruments bound to a customer.
func (c *Client) QueryPaymentInstruments(ctx context.Context, customerID string) ([]Instrument, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, NewParseError("query_instruments", "customerId is required")
	}

	data, err := c.post(ctx, "/v1/customers/instruments/query", map[string]any{
		"customerId": customerID,
	}, false)
	if err != nil {
		return nil, err
	}

	list, _ := data["paymentInstruments"].([]any)
	instruments := make([]Instrument, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		instrument, err := InstrumentFromMap(entry)
		if err != nil {
			// One malformed entry must not hide the rest of the wallet.
			c.logger(ctx, "shopline.client.instrument.skipped", map[string]any{
				"customerId": customerID,
				"error":      err.Error(),
			})
			continue
		}
		instruments = append(instruments, instrument)
	}
	return instruments, nil
}

// UnbindPaymentInstrument detaches a tokenized instrument from a customer.
func (c *Client) UnbindPaymentInstrument(ctx context.Context, customerID, instrumentID string) error {
	customerID = strings.TrimSpace(customerID)
	instrumentID = strings.TrimSpace(instrumentID)
	if customerID == "" || instrumentID == "" {
		return NewParseError("unbind_instrument", "customerId and paymentInstrumentId are required")
	}

	_, err := c.post(ctx, "/v1/customers/instruments/unbind", map[string]any{
		"customerId":          customerID,
		"paymentInstrumentId": instrumentID,
	}, true)
	return err
}

type apiEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// post signs and submits one API call, returning the envelope's data object.
// Mutating calls carry a fresh idempotency key so provider-side retries are safe.
func (c *Client) post(ctx context.Context, path string, payload map[string]any, mutating bool) (map[string]any, error) {
	if c == nil {
		return nil, errors.New("shopline: client is nil")
	}

	op := strings.TrimLeft(path, "/")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewHandlerError(op, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, NewHandlerError(op, fmt.Errorf("build request: %w", err))
	}

	timestamp := strconv.FormatInt(c.clock().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerAPIVersion, SupportedAPIVersion)
	req.Header.Set(headerSign, c.creds.Sign(timestamp, body))
	if mutating {
		req.Header.Set(headerIdempotencyKey, c.newKey())
	}

	start := c.clock()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewTransportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewTransportError(op, err)
	}

	c.logger(ctx, "shopline.client.request", map[string]any{
		"path":    path,
		"status":  resp.StatusCode,
		"latency": c.clock().Sub(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewTransportError(op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, NewParseError(op, "response is not valid JSON")
	}
	if envelope.Code != "" && envelope.Code != apiCodeSuccess {
		return nil, NewTransportError(op, fmt.Errorf("api error %s: %s", envelope.Code, envelope.Message))
	}
	if envelope.Data == nil {
		return map[string]any{}, nil
	}
	return envelope.Data, nil
}

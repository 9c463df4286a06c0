package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrLNBitsUnavailable = errors.New("lnbits backend is not configured")

type LNBitsConfig struct {
	URL           string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	InvoiceExpiry time.Duration
	HTTPClient    *http.Client
}

// LNBitsBackend talks to an LNBits wallet over its REST API.
type LNBitsBackend struct {
	baseURL       string
	apiKey        string
	timeout       time.Duration
	maxRetries    int
	invoiceExpiry time.Duration
	httpClient    *http.Client
}

func NewLNBitsBackend(config LNBitsConfig) *LNBitsBackend {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.InvoiceExpiry <= 0 {
		config.InvoiceExpiry = 10 * time.Minute
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &LNBitsBackend{
		baseURL:       strings.TrimSuffix(strings.TrimSpace(config.URL), "/"),
		apiKey:        strings.TrimSpace(config.APIKey),
		timeout:       config.Timeout,
		maxRetries:    config.MaxRetries,
		invoiceExpiry: config.InvoiceExpiry,
		httpClient:    config.HTTPClient,
	}
}

func (b *LNBitsBackend) Available() bool {
	return b.baseURL != "" && b.apiKey != ""
}

func (b *LNBitsBackend) CreateInvoice(ctx context.Context, amountMsats int64) (Invoice, error) {
	if !b.Available() {
		return Invoice{}, ErrLNBitsUnavailable
	}
	if amountMsats < 1000 {
		return Invoice{}, fmt.Errorf("amount %d msats is below one sat", amountMsats)
	}

	payload, err := json.Marshal(map[string]any{
		"out":    false,
		"amount": amountMsats / 1000,
		"memo":   "content request",
		"expiry": int64(b.invoiceExpiry / time.Second),
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("marshal invoice payload: %w", err)
	}

	var raw lnbitsInvoiceResponse
	err = b.do(ctx, http.MethodPost, "/api/v1/payments", payload, &raw)
	if err != nil {
		return Invoice{}, err
	}

	bolt11 := raw.PaymentRequest
	if bolt11 == "" {
		bolt11 = raw.Bolt11
	}
	if raw.PaymentHash == "" || bolt11 == "" {
		return Invoice{}, errors.New("lnbits response without invoice")
	}

	return Invoice{
		PaymentRequest: bolt11,
		PaymentHash:    raw.PaymentHash,
		ExpiresAt:      time.Now().UTC().Add(b.invoiceExpiry),
	}, nil
}

func (b *LNBitsBackend) InvoiceStatus(ctx context.Context, paymentHash string) (Status, error) {
	if !b.Available() {
		return "", ErrLNBitsUnavailable
	}

	var raw lnbitsPaymentStatus
	err := b.do(ctx, http.MethodGet, "/api/v1/payments/"+paymentHash, nil, &raw)
	if err != nil {
		var httpErr *lnbitsHTTPError
		// LNBits prunes expired unpaid invoices; a missing one is dead.
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return StatusExpired, nil
		}
		return "", err
	}

	if raw.Paid {
		return StatusPaid, nil
	}
	if raw.Details.Expiry > 0 && raw.Details.Time > 0 {
		expiresAt := time.Unix(raw.Details.Time, 0).Add(time.Duration(raw.Details.Expiry) * time.Second)
		if time.Now().After(expiresAt) {
			return StatusExpired, nil
		}
	}
	return StatusPending, nil
}

func (b *LNBitsBackend) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		callErr := b.call(ctx, method, path, payload, out)
		if callErr == nil {
			return nil
		}
		lastErr = callErr

		if !isRetryableLNBitsError(callErr) || attempt == b.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (b *LNBitsBackend) call(ctx context.Context, method, path string, payload []byte, out any) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(timeoutCtx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create lnbits request: %w", err)
	}
	request.Header.Set("X-Api-Key", b.apiKey)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := b.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("lnbits timeout: %w", err)
		}
		return fmt.Errorf("lnbits transport error: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read lnbits body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(raw))
		if len(message) > 700 {
			message = message[:700]
		}
		return &lnbitsHTTPError{StatusCode: response.StatusCode, Message: message}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode lnbits response: %w", err)
	}
	return nil
}

type lnbitsInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
}

type lnbitsPaymentStatus struct {
	Paid    bool `json:"paid"`
	Details struct {
		Time   int64 `json:"time"`
		Expiry int64 `json:"expiry"`
	} `json:"details"`
}

type lnbitsHTTPError struct {
	StatusCode int
	Message    string
}

func (e *lnbitsHTTPError) Error() string {
	return fmt.Sprintf("lnbits status %d: %s", e.StatusCode, e.Message)
}

func isRetryableLNBitsError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *lnbitsHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

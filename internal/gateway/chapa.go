// Package gateway is the client for the Chapa payment gateway.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/alipayeth/backend/internal/money"
)

var (
	// ErrUnavailable covers network failures, timeouts and 5xx answers. The
	// call may be retried.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected means the gateway refused the request.
	ErrRejected = errors.New("payment gateway rejected request")
)

// VerificationStatus is the gateway's view of one transaction.
type VerificationStatus string

const (
	StatusSettled  VerificationStatus = "settled"
	StatusPending  VerificationStatus = "pending"
	StatusFailed   VerificationStatus = "failed"
	StatusNotFound VerificationStatus = "not_found"
)

var gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "settlement_gateway_request_duration_seconds",
	Help:    "Latency of payment gateway calls",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
}, []string{"operation", "result"})

type InitiateRequest struct {
	Reference   string
	AmountMinor int64
	Currency    string
	SubjectID   int64
	FirstName   string
	Title       string
}

type Checkout struct {
	Reference   string
	CheckoutURL string
}

type Verification struct {
	Reference   string
	Status      VerificationStatus
	AmountMinor int64
	Currency    string
}

type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	CallbackURL   string
	ReturnURL     string
	// CustomerEmailDomain builds the per-user placeholder email Chapa requires.
	CustomerEmailDomain string
	Timeout             time.Duration
}

// Client talks to the Chapa REST API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CustomerEmailDomain == "" {
		cfg.CustomerEmailDomain = "gmail.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

type envelope struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

type initializeBody struct {
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Email         string            `json:"email"`
	FirstName     string            `json:"first_name,omitempty"`
	TxRef         string            `json:"tx_ref"`
	CallbackURL   string            `json:"callback_url,omitempty"`
	ReturnURL     string            `json:"return_url,omitempty"`
	Customization map[string]string `json:"customization,omitempty"`
}

// Initiate registers the transaction with Chapa and returns the hosted
// checkout URL.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (Checkout, error) {
	body := initializeBody{
		Amount:      money.FormatMajor(req.AmountMinor),
		Currency:    req.Currency,
		Email:       fmt.Sprintf("user.%d@%s", req.SubjectID, c.cfg.CustomerEmailDomain),
		FirstName:   req.FirstName,
		TxRef:       req.Reference,
		CallbackURL: c.cfg.CallbackURL,
		ReturnURL:   c.cfg.ReturnURL,
	}
	if req.Title != "" {
		body.Customization = map[string]string{"title": req.Title}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Checkout{}, err
	}

	status, env, err := c.do(ctx, "initiate", http.MethodPost, "/v1/transaction/initialize", payload)
	if err != nil {
		return Checkout{}, err
	}
	if status != http.StatusOK || env.Status != "success" {
		return Checkout{}, fmt.Errorf("%w: initialize %s: http %d: %s", ErrRejected, req.Reference, status, env.Message)
	}
	var data struct {
		CheckoutURL string `json:"checkout_url"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.CheckoutURL == "" {
		return Checkout{}, fmt.Errorf("%w: initialize %s: missing checkout_url", ErrRejected, req.Reference)
	}
	return Checkout{Reference: req.Reference, CheckoutURL: data.CheckoutURL}, nil
}

// Verify asks Chapa for the current state of reference.
func (c *Client) Verify(ctx context.Context, reference string) (Verification, error) {
	status, env, err := c.do(ctx, "verify", http.MethodGet, "/v1/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return Verification{}, err
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		return Verification{Reference: reference, Status: StatusNotFound}, nil
	case status != http.StatusOK:
		return Verification{}, fmt.Errorf("%w: verify %s: http %d", ErrRejected, reference, status)
	}

	var data struct {
		Status   string          `json:"status"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		TxRef    string          `json:"tx_ref"`
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Verification{Reference: reference, Status: StatusNotFound}, nil
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Verification{}, fmt.Errorf("%w: verify %s: decode data: %v", ErrUnavailable, reference, err)
	}

	v := Verification{Reference: reference, Currency: strings.ToUpper(data.Currency)}
	switch strings.ToLower(data.Status) {
	case "success":
		v.Status = StatusSettled
	case "pending":
		v.Status = StatusPending
	case "failed", "cancelled":
		v.Status = StatusFailed
	default:
		c.logger.Warn("unknown gateway transaction status", "reference", reference, "status", data.Status)
		v.Status = StatusPending
	}
	v.AmountMinor = data.Amount.Shift(2).Round(0).IntPart()
	return v, nil
}

// VerifySignature checks the hex HMAC-SHA256 of payload under the webhook secret.
func (c *Client) VerifySignature(payload []byte, signature string) bool {
	if c.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) (int, envelope, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, envelope{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		gatewayLatency.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return 0, envelope{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()
	gatewayLatency.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode >= 500 {
		return resp.StatusCode, envelope{}, fmt.Errorf("%w: %s: http %d", ErrUnavailable, op, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, envelope{}, fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, op, err)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, envelope{}, fmt.Errorf("%w: %s: decode body: %v", ErrUnavailable, op, err)
		}
	}
	return resp.StatusCode, env, nil
}

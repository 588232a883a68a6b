package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/doexcess/business-api/internal/infra/httpclient"
)

const (
	defaultBaseURL = "https://api.paystack.co"
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

var ErrUnavailable = errors.New("paystack unavailable")

// Error is a non-2xx answer from Paystack.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("paystack: status %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

type Client struct {
	baseURL   string
	secretKey string
	timeout   time.Duration
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[[]byte]
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "paystack",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejections of a bad request say nothing about gateway health.
		IsSuccessful: func(err error) bool {
			var apiErr *Error
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
	})

	return &Client{
		baseURL:   baseURL,
		secretKey: cfg.SecretKey,
		timeout:   timeout,
		http:      httpclient.New(timeout),
		breaker:   breaker,
	}
}

type InitializeRequest struct {
	Email       string         `json:"email"`
	AmountKobo  int64          `json:"amount"`
	Currency    string         `json:"currency,omitempty"`
	Reference   string         `json:"reference"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type Transaction struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	AmountKobo      int64  `json:"amount"`
	Currency        string `json:"currency"`
	GatewayResponse string `json:"gateway_response"`
	PaidAt          string `json:"paid_at"`
}

type RefundResult struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Reference) == "" || req.AmountKobo <= 0 {
		return InitializeResult{}, fmt.Errorf("invalid initialize payload")
	}

	var out envelope[InitializeResult]
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", req, &out); err != nil {
		return InitializeResult{}, fmt.Errorf("initialize transaction: %w", err)
	}
	return out.Data, nil
}

func (c *Client) VerifyTransaction(ctx context.Context, reference string) (Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Transaction{}, fmt.Errorf("reference is required")
	}

	var out envelope[Transaction]
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &out); err != nil {
		return Transaction{}, fmt.Errorf("verify transaction: %w", err)
	}
	return out.Data, nil
}

func (c *Client) Refund(ctx context.Context, reference string, amountKobo int64) (RefundResult, error) {
	if strings.TrimSpace(reference) == "" || amountKobo <= 0 {
		return RefundResult{}, fmt.Errorf("invalid refund payload")
	}

	body := map[string]any{
		"transaction": reference,
		"amount":      amountKobo,
	}
	var out envelope[RefundResult]
	if err := c.do(ctx, http.MethodPost, "/refund", body, &out); err != nil {
		return RefundResult{}, fmt.Errorf("create refund: %w", err)
	}
	return out.Data, nil
}

// VerifySignature checks the x-paystack-signature header against the raw webhook body.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	return VerifySignature(c.secretKey, body, signature)
}

func VerifySignature(secretKey string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if secretKey == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secretKey))
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode paystack response: %w", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode paystack request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build paystack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call paystack: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read paystack response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure envelope[json.RawMessage]
		message := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &failure) == nil && failure.Message != "" {
			message = failure.Message
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: message}
	}
	return raw, nil
}

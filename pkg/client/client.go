// Package client is a typed Go client for the business API. Every call takes a context and an
// explicit Session; the package keeps no global state.
package client

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

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/infra/httpclient"
)

const (
	businessIDHeader = "Business-Id"
	maxResponseBytes = 4 << 20
	defaultTimeout   = 30 * time.Second
)

var ErrNoSession = errors.New("client: session has no access token")

// Session is the caller's credentials plus the business every scoped request is sent for.
type Session struct {
	AccessToken  string
	RefreshToken string
	BusinessID   uuid.UUID
}

// UserID reads the subject of the access token. The signature is not checked; the server does
// that on every request.
func (s Session) UserID() (uuid.UUID, error) {
	if strings.TrimSpace(s.AccessToken) == "" {
		return uuid.Nil, ErrNoSession
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, claims); err != nil {
		return uuid.Nil, fmt.Errorf("parse access token: %w", err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("access token subject: %w", err)
	}
	return id, nil
}

// WithBusiness returns a copy of the session scoped to businessID.
func (s Session) WithBusiness(businessID uuid.UUID) Session {
	s.BusinessID = businessID
	return s
}

// APIError is an error reported by the server. Anything else returned by the client is a
// transport or decoding failure.
type APIError struct {
	StatusCode    int               `json:"-"`
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	Fields        map[string]string `json:"fields,omitempty"`
	RetryAfterSec int64             `json:"retry_after_sec,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// AsAPIError reports whether err carries a server-reported error.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = httpclient.New(timeout)
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    hc,
	}
}

// Page is the envelope of every paged list.
type Page[T any] struct {
	Data []T      `json:"data"`
	Meta PageMeta `json:"meta"`
}

type PageMeta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("pagination[page]", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("pagination[limit]", strconv.Itoa(limit))
	}
	return q
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	session *Session
	headers map[string]string
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	endpoint := c.baseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", req.method, req.path, err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", req.method, req.path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.session != nil {
		if req.session.AccessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.session.AccessToken)
		}
		if req.session.BusinessID != uuid.Nil {
			httpReq.Header.Set(businessIDHeader, req.session.BusinessID.String())
		}
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", req.method, req.path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.method, req.path, err)
	}
	return nil
}

func requireSession(s Session) error {
	if strings.TrimSpace(s.AccessToken) == "" {
		return ErrNoSession
	}
	return nil
}

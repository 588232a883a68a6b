package client

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type Me struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	TOTPEnabled    bool      `json:"totp_enabled"`
	TelegramLinked bool      `json:"telegram_linked"`
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresInSec int64  `json:"expires_in_sec"`
	Me           Me     `json:"me"`
}

// Session starts a session for businessID; uuid.Nil leaves it unscoped.
func (t Tokens) Session(businessID uuid.UUID) Session {
	return Session{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, BusinessID: businessID}
}

func (c *Client) Login(ctx context.Context, in LoginRequest) (Tokens, error) {
	in.Email = strings.TrimSpace(in.Email)
	var out Tokens
	err := c.do(ctx, request{method: http.MethodPost, path: "/auth/login", body: in}, &out)
	return out, err
}

// Refresh rotates the refresh token. The returned session keeps the business of sess.
func (c *Client) Refresh(ctx context.Context, sess Session) (Session, error) {
	if strings.TrimSpace(sess.RefreshToken) == "" {
		return Session{}, ErrNoSession
	}
	var out Tokens
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/refresh",
		body:   map[string]string{"refresh_token": sess.RefreshToken},
	}, &out)
	if err != nil {
		return Session{}, err
	}
	return out.Session(sess.BusinessID), nil
}

func (c *Client) Me(ctx context.Context, sess Session) (Me, error) {
	if err := requireSession(sess); err != nil {
		return Me{}, err
	}
	var out Me
	err := c.do(ctx, request{method: http.MethodGet, path: "/auth/me", session: &sess}, &out)
	return out, err
}

package client

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type Notification struct {
	ID         uuid.UUID  `json:"id"`
	BusinessID uuid.UUID  `json:"business_id"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (n Notification) Read() bool { return n.ReadAt != nil }

// ListNotifications pages through the caller's inbox, newest first. Zero page or limit uses the
// server defaults.
func (c *Client) ListNotifications(ctx context.Context, sess Session, page, limit int) (Page[Notification], error) {
	if err := requireSession(sess); err != nil {
		return Page[Notification]{}, err
	}
	var out Page[Notification]
	err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    "/notifications",
		query:   pageQuery(page, limit),
		session: &sess,
	}, &out)
	return out, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, sess Session, id uuid.UUID) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	return c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/notifications/" + id.String() + "/read",
		session: &sess,
	}, nil)
}

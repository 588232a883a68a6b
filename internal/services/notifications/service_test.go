package notifications

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/events"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/infra/sendgrid"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
)

func TestDispatchToCustomersPublishesForExternalChannels(t *testing.T) {
	fx := newFixture()

	n, err := fx.svc.Dispatch(context.Background(), fx.businessID, fx.owner, DispatchInput{
		Title:    "Sale",
		Body:     "Everything is 10% off",
		Channels: []string{"in_app", "Email"},
		Audience: "customers",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n.Recipients != 2 {
		t.Fatalf("expected 2 recipients, got %d", n.Recipients)
	}
	if got := len(fx.store.deliveries); got != 4 {
		t.Fatalf("expected 4 delivery rows, got %d", got)
	}
	if len(fx.events.published) != 1 || fx.events.published[0] != events.NotificationDispatch {
		t.Fatalf("expected dispatch event, got %v", fx.events.published)
	}
}

func TestDispatchInAppOnlySkipsWorker(t *testing.T) {
	fx := newFixture()

	if _, err := fx.svc.Dispatch(context.Background(), fx.businessID, fx.owner, DispatchInput{
		Title:    "Hello",
		Body:     "Welcome",
		Channels: []string{"in_app"},
		Audience: "members",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(fx.events.published) != 0 {
		t.Fatalf("in-app notifications must not be queued")
	}
}

func TestDispatchRejectsForeignRecipients(t *testing.T) {
	fx := newFixture()

	_, err := fx.svc.Dispatch(context.Background(), fx.businessID, fx.owner, DispatchInput{
		Title:      "Hi",
		Body:       "There",
		Channels:   []string{"email"},
		Recipients: []uuid.UUID{fx.customerA, uuid.New()},
	})
	var verr *validate.Error
	if !errors.As(err, &verr) || verr.Fields["recipients"] == "" {
		t.Fatalf("expected recipients field error, got %v", err)
	}
}

func TestDispatchRequiresExactlyOneTarget(t *testing.T) {
	fx := newFixture()

	for name, in := range map[string]DispatchInput{
		"neither": {Title: "a", Body: "b", Channels: []string{"email"}},
		"both": {
			Title: "a", Body: "b", Channels: []string{"email"},
			Recipients: []uuid.UUID{fx.customerA}, Audience: "customers",
		},
	} {
		_, err := fx.svc.Dispatch(context.Background(), fx.businessID, fx.owner, in)
		var verr *validate.Error
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestDispatchRejectsUnknownChannel(t *testing.T) {
	fx := newFixture()

	_, err := fx.svc.Dispatch(context.Background(), fx.businessID, fx.owner, DispatchInput{
		Title:    "a",
		Body:     "b",
		Channels: []string{"sms"},
		Audience: "customers",
	})
	var verr *validate.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeliverRecordsPerRecipientOutcome(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	n, err := fx.svc.Dispatch(ctx, fx.businessID, fx.owner, DispatchInput{
		Title:      "Event moved",
		Body:       "New date <soon>",
		Channels:   []string{"email", "telegram"},
		Recipients: []uuid.UUID{fx.customerA, fx.customerB},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	report, err := fx.svc.Deliver(ctx, n.ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// customerB has not linked telegram.
	if report.Sent != 3 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(fx.mailer.sent) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(fx.mailer.sent))
	}
	if len(fx.telegram.sent) != 1 || !strings.Contains(fx.telegram.sent[0], "&lt;soon&gt;") {
		t.Fatalf("expected escaped telegram text, got %v", fx.telegram.sent)
	}

	failed := fx.store.delivery(n.ID, fx.customerB, enums.NotificationChannelTelegram)
	if failed.Status != enums.DeliveryStatusFailed || failed.Error == "" {
		t.Fatalf("expected failed telegram delivery, got %+v", failed)
	}

	again, err := fx.svc.Deliver(ctx, n.ID)
	if err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	if again.Sent != 0 || again.Failed != 0 || len(fx.mailer.sent) != 2 {
		t.Fatalf("second run must not resend, got %+v", again)
	}
}

func TestDeliverUnknownNotification(t *testing.T) {
	fx := newFixture()
	if _, err := fx.svc.Deliver(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInboxAndMarkRead(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	n, err := fx.svc.Dispatch(ctx, fx.businessID, fx.owner, DispatchInput{
		Title: "Hi", Body: "There", Channels: []string{"in_app"}, Recipients: []uuid.UUID{fx.customerA},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	items, total, err := fx.svc.Inbox(ctx, fx.customerA, pagination.Params{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ReadAt != nil {
		t.Fatalf("unexpected inbox: %+v total=%d", items, total)
	}

	if err := fx.svc.MarkRead(ctx, fx.customerA, n.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	items, _, _ = fx.svc.Inbox(ctx, fx.customerA, pagination.Params{Page: 1, Limit: 10})
	if items[0].ReadAt == nil {
		t.Fatalf("expected read_at to be set")
	}

	if err := fx.svc.MarkRead(ctx, fx.customerB, n.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-recipient, got %v", err)
	}
}

func TestSendReceipt(t *testing.T) {
	fx := newFixture()

	err := fx.svc.SendReceipt(context.Background(), events.PaymentSucceededPayload{
		Reference: "PAY-20260101-ABCDEF12",
		Email:     "buyer@example.com",
		Amount:    decimal.NewFromInt(9000),
		Discount:  decimal.NewFromInt(1000),
		Items: []events.PurchasedItem{
			{Title: "Go course", Quantity: 2, UnitPrice: decimal.NewFromInt(5000)},
		},
		PaidAt: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("send receipt: %v", err)
	}
	if len(fx.mailer.sent) != 1 {
		t.Fatalf("expected one email")
	}
	msg := fx.mailer.sent[0]
	for _, want := range []string{"2 x Go course  ₦10,000.00", "Discount: -₦1,000.00", "Total paid: ₦9,000.00"} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("receipt missing %q:\n%s", want, msg.Text)
		}
	}
}

func TestSendReceiptSkipsWhenEmailDisabled(t *testing.T) {
	fx := newFixture()
	fx.mailer.disabled = true

	if err := fx.svc.SendReceipt(context.Background(), events.PaymentSucceededPayload{Email: "a@b.c"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(fx.mailer.sent) != 0 {
		t.Fatalf("expected no email")
	}
}

type fixture struct {
	svc        *Service
	store      *memoryStore
	mailer     *mailerStub
	telegram   *telegramStub
	events     *publisherStub
	businessID uuid.UUID
	owner      uuid.UUID
	customerA  uuid.UUID
	customerB  uuid.UUID
}

func newFixture() *fixture {
	chatID := int64(4242)
	fx := &fixture{
		store:      newMemoryStore(),
		mailer:     &mailerStub{},
		telegram:   &telegramStub{},
		events:     &publisherStub{},
		businessID: uuid.New(),
		owner:      uuid.New(),
		customerA:  uuid.New(),
		customerB:  uuid.New(),
	}
	users := &usersStub{users: map[uuid.UUID]model.User{
		fx.owner:     {ID: fx.owner, Email: "owner@example.com", Name: "Owner"},
		fx.customerA: {ID: fx.customerA, Email: "a@example.com", Name: "A", TelegramChatID: &chatID},
		fx.customerB: {ID: fx.customerB, Email: "b@example.com", Name: "B"},
	}}
	audience := &audienceStub{
		members:   []uuid.UUID{fx.owner},
		customers: []uuid.UUID{fx.customerA, fx.customerB},
	}
	fx.svc = NewService(Dependencies{
		Notifications: fx.store,
		Audience:      audience,
		Users:         users,
		Mailer:        fx.mailer,
		Telegram:      fx.telegram,
		Events:        fx.events,
	})
	return fx
}

type memoryStore struct {
	notifications map[uuid.UUID]model.Notification
	deliveries    []model.Delivery
	reads         map[[2]uuid.UUID]time.Time
	order         []uuid.UUID
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		notifications: map[uuid.UUID]model.Notification{},
		reads:         map[[2]uuid.UUID]time.Time{},
	}
}

func (m *memoryStore) Create(_ context.Context, n model.Notification, recipients []uuid.UUID) (model.Notification, error) {
	n.ID = uuid.New()
	n.Recipients = len(recipients)
	n.CreatedAt = time.Now().UTC()
	m.notifications[n.ID] = n
	m.order = append(m.order, n.ID)
	for _, uid := range recipients {
		m.reads[[2]uuid.UUID{n.ID, uid}] = time.Time{}
		for _, ch := range n.Channels {
			status := enums.DeliveryStatusPending
			if ch == enums.NotificationChannelInApp {
				status = enums.DeliveryStatusSent
			}
			m.deliveries = append(m.deliveries, model.Delivery{NotificationID: n.ID, UserID: uid, Channel: ch, Status: status})
		}
	}
	return n, nil
}

func (m *memoryStore) Get(_ context.Context, id uuid.UUID) (model.Notification, error) {
	n, ok := m.notifications[id]
	if !ok {
		return model.Notification{}, pgrepo.ErrNotificationNotFound
	}
	return n, nil
}

func (m *memoryStore) PendingDeliveries(_ context.Context, id uuid.UUID) ([]model.Delivery, error) {
	var out []model.Delivery
	for _, d := range m.deliveries {
		if d.NotificationID == id && d.Status == enums.DeliveryStatusPending {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryStore) SetDeliveryStatus(_ context.Context, d model.Delivery) error {
	for i := range m.deliveries {
		cur := m.deliveries[i]
		if cur.NotificationID == d.NotificationID && cur.UserID == d.UserID && cur.Channel == d.Channel {
			m.deliveries[i].Status = d.Status
			m.deliveries[i].Error = d.Error
			return nil
		}
	}
	return errors.New("delivery not found")
}

func (m *memoryStore) delivery(nid, uid uuid.UUID, ch enums.NotificationChannel) model.Delivery {
	for _, d := range m.deliveries {
		if d.NotificationID == nid && d.UserID == uid && d.Channel == ch {
			return d
		}
	}
	return model.Delivery{}
}

func (m *memoryStore) ListInbox(_ context.Context, uid uuid.UUID, limit, offset int) ([]model.InboxItem, int64, error) {
	var all []model.InboxItem
	for i := len(m.order) - 1; i >= 0; i-- {
		n := m.notifications[m.order[i]]
		readAt, ok := m.reads[[2]uuid.UUID{n.ID, uid}]
		if !ok {
			continue
		}
		item := model.InboxItem{NotificationID: n.ID, BusinessID: n.BusinessID, Title: n.Title, Body: n.Body, CreatedAt: n.CreatedAt}
		if !readAt.IsZero() {
			r := readAt
			item.ReadAt = &r
		}
		all = append(all, item)
	}
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (m *memoryStore) MarkRead(_ context.Context, nid, uid uuid.UUID, now time.Time) error {
	key := [2]uuid.UUID{nid, uid}
	if _, ok := m.reads[key]; !ok {
		return pgrepo.ErrNotificationNotFound
	}
	m.reads[key] = now
	return nil
}

type audienceStub struct {
	members   []uuid.UUID
	customers []uuid.UUID
}

func (a *audienceStub) ListMemberIDs(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return a.members, nil
}

func (a *audienceStub) ListCustomerIDs(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return a.customers, nil
}

type usersStub struct {
	users map[uuid.UUID]model.User
}

func (u *usersStub) ListByIDs(_ context.Context, ids []uuid.UUID) ([]model.User, error) {
	out := make([]model.User, 0, len(ids))
	seen := map[uuid.UUID]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if user, ok := u.users[id]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

type mailerStub struct {
	disabled bool
	sent     []sendgrid.Message
}

func (m *mailerStub) Enabled() bool { return !m.disabled }

func (m *mailerStub) Send(_ context.Context, msg sendgrid.Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

type telegramStub struct {
	sent []string
}

func (t *telegramStub) SendText(_ context.Context, _ int64, text string) error {
	t.sent = append(t.sent, text)
	return nil
}

type publisherStub struct {
	published []string
}

func (p *publisherStub) Publish(_ context.Context, eventName, _ string, _ any) error {
	p.published = append(p.published, eventName)
	return nil
}

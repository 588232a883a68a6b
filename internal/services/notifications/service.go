package notifications

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/events"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/infra/sendgrid"
	"github.com/doexcess/business-api/internal/pkg/money"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
)

const (
	AudienceCustomers = "customers"
	AudienceMembers   = "members"
)

var (
	ErrNotFound      = errors.New("notification not found")
	ErrNoRecipients  = errors.New("notification has no recipients")
	errEmailDisabled = errors.New("email channel is not configured")
	errTelegramOff   = errors.New("telegram channel is not configured")
	errNotLinked     = errors.New("recipient has not linked telegram")
	errNoEmail       = errors.New("recipient has no email address")
)

type Store interface {
	Create(ctx context.Context, n model.Notification, recipients []uuid.UUID) (model.Notification, error)
	Get(ctx context.Context, id uuid.UUID) (model.Notification, error)
	PendingDeliveries(ctx context.Context, notificationID uuid.UUID) ([]model.Delivery, error)
	SetDeliveryStatus(ctx context.Context, d model.Delivery) error
	ListInbox(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.InboxItem, int64, error)
	MarkRead(ctx context.Context, notificationID, userID uuid.UUID, now time.Time) error
}

type Audience interface {
	ListMemberIDs(ctx context.Context, businessID uuid.UUID) ([]uuid.UUID, error)
	ListCustomerIDs(ctx context.Context, businessID uuid.UUID) ([]uuid.UUID, error)
}

type UserDirectory interface {
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]model.User, error)
}

type Mailer interface {
	Enabled() bool
	Send(ctx context.Context, msg sendgrid.Message) error
}

type TelegramSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, eventName, partitionKey string, payload any) error
}

type Dependencies struct {
	Notifications Store
	Audience      Audience
	Users         UserDirectory
	Mailer        Mailer
	Telegram      TelegramSender
	Events        EventPublisher
	Logger        *zap.Logger
}

type Service struct {
	store     Store
	audience  Audience
	users     UserDirectory
	mailer    Mailer
	telegram  TelegramSender
	events    EventPublisher
	validator *validate.Validator
	log       *zap.Logger
	now       func() time.Time
}

// DispatchInput targets either explicit recipients or a whole audience of the business.
type DispatchInput struct {
	Title      string      `json:"title" validate:"required,max=200"`
	Body       string      `json:"body" validate:"required,max=5000"`
	Channels   []string    `json:"channels" validate:"required,min=1,unique,dive,oneof=in_app email telegram"`
	Recipients []uuid.UUID `json:"recipients,omitempty"`
	Audience   string      `json:"audience,omitempty" validate:"omitempty,oneof=customers members"`
}

// DeliveryReport counts the outcome of one delivery run.
type DeliveryReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

func NewService(deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     deps.Notifications,
		audience:  deps.Audience,
		users:     deps.Users,
		mailer:    deps.Mailer,
		telegram:  deps.Telegram,
		events:    deps.Events,
		validator: validate.New(),
		log:       log,
		now:       time.Now,
	}
}

// Dispatch stores the notification with one delivery row per recipient and channel, then hands
// the external channels to the worker through the event bus. In-app delivery is complete once
// the rows exist.
func (s *Service) Dispatch(ctx context.Context, businessID, creatorID uuid.UUID, in DispatchInput) (model.Notification, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Body = strings.TrimSpace(in.Body)
	in.Audience = strings.ToLower(strings.TrimSpace(in.Audience))
	for i := range in.Channels {
		in.Channels[i] = strings.ToLower(strings.TrimSpace(in.Channels[i]))
	}
	if err := s.validator.Struct(in); err != nil {
		return model.Notification{}, err
	}

	hasRecipients := len(in.Recipients) > 0
	if hasRecipients == (in.Audience != "") {
		return model.Notification{}, &validate.Error{Fields: map[string]string{
			"recipients": "provide either recipients or audience",
		}}
	}

	recipients, err := s.resolveRecipients(ctx, businessID, in)
	if err != nil {
		return model.Notification{}, err
	}
	if len(recipients) == 0 {
		return model.Notification{}, ErrNoRecipients
	}

	channels := make([]enums.NotificationChannel, 0, len(in.Channels))
	for _, raw := range in.Channels {
		ch, _ := enums.ParseNotificationChannel(raw)
		channels = append(channels, ch)
	}

	n, err := s.store.Create(ctx, model.Notification{
		BusinessID: businessID,
		Title:      in.Title,
		Body:       in.Body,
		Channels:   channels,
		CreatedBy:  creatorID,
	}, recipients)
	if err != nil {
		return model.Notification{}, fmt.Errorf("create notification: %w", err)
	}

	if needsWorker(channels) && s.events != nil {
		payload := events.NotificationDispatchPayload{NotificationID: n.ID, BusinessID: businessID}
		if err := s.events.Publish(ctx, events.NotificationDispatch, businessID.String(), payload); err != nil {
			// Deliveries stay pending and can be replayed with Deliver.
			s.log.Error("publish notification dispatch", zap.String("notification_id", n.ID.String()), zap.Error(err))
		}
	}
	return n, nil
}

func (s *Service) resolveRecipients(ctx context.Context, businessID uuid.UUID, in DispatchInput) ([]uuid.UUID, error) {
	members, err := s.audience.ListMemberIDs(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	customers, err := s.audience.ListCustomerIDs(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}

	switch in.Audience {
	case AudienceCustomers:
		return customers, nil
	case AudienceMembers:
		return members, nil
	}

	known := make(map[uuid.UUID]struct{}, len(members)+len(customers))
	for _, id := range members {
		known[id] = struct{}{}
	}
	for _, id := range customers {
		known[id] = struct{}{}
	}

	seen := make(map[uuid.UUID]struct{}, len(in.Recipients))
	out := make([]uuid.UUID, 0, len(in.Recipients))
	for _, id := range in.Recipients {
		if _, ok := known[id]; !ok {
			return nil, &validate.Error{Fields: map[string]string{
				"recipients": "recipients must be members or customers of this business",
			}}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// Deliver sends every pending email and telegram delivery of a notification. It is safe to run
// again: only rows still pending are picked up.
func (s *Service) Deliver(ctx context.Context, notificationID uuid.UUID) (DeliveryReport, error) {
	n, err := s.store.Get(ctx, notificationID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrNotificationNotFound) {
			return DeliveryReport{}, ErrNotFound
		}
		return DeliveryReport{}, fmt.Errorf("load notification: %w", err)
	}

	pending, err := s.store.PendingDeliveries(ctx, notificationID)
	if err != nil {
		return DeliveryReport{}, err
	}
	if len(pending) == 0 {
		return DeliveryReport{}, nil
	}

	ids := make([]uuid.UUID, 0, len(pending))
	for _, d := range pending {
		ids = append(ids, d.UserID)
	}
	users, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("load recipients: %w", err)
	}
	byID := make(map[uuid.UUID]model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	var report DeliveryReport
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		sendErr := s.deliverOne(ctx, n, d, byID[d.UserID])
		d.Status = enums.DeliveryStatusSent
		d.Error = ""
		if sendErr != nil {
			d.Status = enums.DeliveryStatusFailed
			d.Error = sendErr.Error()
			report.Failed++
			s.log.Warn("notification delivery failed",
				zap.String("notification_id", n.ID.String()),
				zap.String("user_id", d.UserID.String()),
				zap.String("channel", string(d.Channel)),
				zap.Error(sendErr),
			)
		} else {
			report.Sent++
		}
		if err := s.store.SetDeliveryStatus(ctx, d); err != nil {
			return report, fmt.Errorf("store delivery status: %w", err)
		}
	}

	s.log.Info("notification delivered",
		zap.String("notification_id", n.ID.String()),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Service) deliverOne(ctx context.Context, n model.Notification, d model.Delivery, u model.User) error {
	switch d.Channel {
	case enums.NotificationChannelEmail:
		if s.mailer == nil || !s.mailer.Enabled() {
			return errEmailDisabled
		}
		if strings.TrimSpace(u.Email) == "" {
			return errNoEmail
		}
		return s.mailer.Send(ctx, sendgrid.Message{
			ToName:  u.Name,
			ToEmail: u.Email,
			Subject: n.Title,
			Text:    n.Body,
		})
	case enums.NotificationChannelTelegram:
		if s.telegram == nil {
			return errTelegramOff
		}
		if u.TelegramChatID == nil {
			return errNotLinked
		}
		text := "<b>" + html.EscapeString(n.Title) + "</b>\n" + html.EscapeString(n.Body)
		return s.telegram.SendText(ctx, *u.TelegramChatID, text)
	default:
		return nil
	}
}

// SendReceipt emails the buyer a summary of a successful payment.
func (s *Service) SendReceipt(ctx context.Context, p events.PaymentSucceededPayload) error {
	if s.mailer == nil || !s.mailer.Enabled() {
		s.log.Debug("skip receipt, email disabled", zap.String("reference", p.Reference))
		return nil
	}
	if strings.TrimSpace(p.Email) == "" {
		return errNoEmail
	}
	return s.mailer.Send(ctx, sendgrid.Message{
		ToEmail: p.Email,
		Subject: "Payment receipt " + p.Reference,
		Text:    ReceiptText(p),
	})
}

func ReceiptText(p events.PaymentSucceededPayload) string {
	var b strings.Builder
	b.WriteString("Thank you for your purchase.\n\n")
	b.WriteString("Reference: " + p.Reference + "\n")
	b.WriteString("Date: " + p.PaidAt.UTC().Format("2006-01-02 15:04 MST") + "\n\n")
	for _, item := range p.Items {
		line := money.LineTotal(item.UnitPrice, item.Quantity)
		fmt.Fprintf(&b, "%d x %s  %s\n", item.Quantity, item.Title, money.FormatNGN(line))
	}
	if p.Discount.IsPositive() {
		b.WriteString("\nDiscount: -" + money.FormatNGN(p.Discount) + "\n")
	}
	b.WriteString("Total paid: " + money.FormatNGN(p.Amount) + "\n")
	return b.String()
}

func (s *Service) Inbox(ctx context.Context, userID uuid.UUID, page pagination.Params) ([]model.InboxItem, int64, error) {
	out, total, err := s.store.ListInbox(ctx, userID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list inbox: %w", err)
	}
	return out, total, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	if err := s.store.MarkRead(ctx, notificationID, userID, s.now().UTC()); err != nil {
		if errors.Is(err, pgrepo.ErrNotificationNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func needsWorker(channels []enums.NotificationChannel) bool {
	for _, ch := range channels {
		if ch != enums.NotificationChannelInApp {
			return true
		}
	}
	return false
}

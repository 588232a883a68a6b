package workerapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/config"
	"github.com/doexcess/business-api/internal/domain/events"
	"github.com/doexcess/business-api/internal/infra/rabbitmq"
	"github.com/doexcess/business-api/internal/infra/sendgrid"
	tginfra "github.com/doexcess/business-api/internal/infra/telegram"
	"github.com/doexcess/business-api/internal/jobs/cleanup"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
	redrepo "github.com/doexcess/business-api/internal/repo/redis"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
	notifysvc "github.com/doexcess/business-api/internal/services/notifications"
)

const (
	linkedReply       = "Telegram is now linked to your account. Notifications will arrive here."
	linkExpiredReply  = "This link has expired. Generate a new one from your account settings."
	startWithoutToken = "Open the link from your account settings to connect Telegram."
)

type notifier interface {
	Deliver(ctx context.Context, notificationID uuid.UUID) (notifysvc.DeliveryReport, error)
	SendReceipt(ctx context.Context, p events.PaymentSucceededPayload) error
}

type telegramLinker interface {
	LinkTelegram(ctx context.Context, token string, chatID int64) (uuid.UUID, error)
}

type textSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// App runs the background side: the event consumer, the telegram /start listener and the cleanup
// loop.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	postgres *pgxpool.Pool
	redis    *goredis.Client
	amqp     *amqp.Connection
	consumer *rabbitmq.Consumer
	bot      *tginfra.Bot

	notifications notifier
	linker        telegramLinker
	replies       textSender
	cleanupJob    *cleanup.Job
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("init postgres for worker: %w", err)
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	userRepo := pgrepo.NewUserRepo(pool)
	businessRepo := pgrepo.NewBusinessRepo(pool)
	notificationRepo := pgrepo.NewNotificationRepo(pool)

	var bot *tginfra.Bot
	if strings.TrimSpace(cfg.Telegram.BotToken) != "" {
		bot, err = tginfra.NewBot(cfg.Telegram.BotToken)
		if err != nil {
			pool.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("init telegram bot: %w", err)
		}
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN is empty, telegram delivery and linking are disabled")
	}

	conn, err := rabbitmq.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init rabbitmq for worker: %w", err)
	}
	consumer := rabbitmq.NewConsumer(conn, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.NotificationQueue,
		[]string{events.NotificationDispatch, events.PaymentSucceeded}, logger)

	mailer := sendgrid.NewMailer(cfg.SendGrid.APIKey, cfg.SendGrid.FromName, cfg.SendGrid.FromEmail)
	if !mailer.Enabled() {
		logger.Warn("SENDGRID_API_KEY is empty, email deliveries will be marked failed")
	}

	notifyDeps := notifysvc.Dependencies{
		Notifications: notificationRepo,
		Audience:      businessRepo,
		Users:         userRepo,
		Mailer:        mailer,
		Logger:        logger,
	}
	app := &App{
		cfg:      cfg,
		logger:   logger,
		postgres: pool,
		redis:    redisClient,
		amqp:     conn,
		consumer: consumer,
		linker: authsvc.NewService(authsvc.Dependencies{
			Users:      userRepo,
			LinkTokens: redrepo.NewLinkTokenRepo(redisClient),
			Logger:     logger,
		}),
		cleanupJob: cleanup.New(cleanup.Dependencies{
			Payments:       pgrepo.NewPaymentRepo(pool),
			Invitations:    pgrepo.NewInvitationRepo(pool),
			Carts:          pgrepo.NewCartRepo(pool),
			PendingTTL:     cfg.Jobs.PendingPaymentTTL,
			StaleCartAfter: cfg.Jobs.StaleCartAfter,
			Logger:         logger,
		}),
	}
	if bot != nil {
		notifyDeps.Telegram = bot
		app.bot = bot
		app.replies = bot
	}
	app.notifications = notifysvc.NewService(notifyDeps)

	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("worker started")

	errCh := make(chan error, 3)
	go func() {
		a.cleanupJob.Loop(ctx, a.cfg.Jobs.CleanupInterval)
		errCh <- nil
	}()
	go func() {
		errCh <- a.consumer.Run(ctx, a.handleEvent)
	}()
	if a.bot != nil {
		go func() {
			errCh <- a.bot.ListenCommands(ctx, a.handleCommand)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("worker stopped")
			return nil
		case err := <-errCh:
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			return err
		}
	}
}

func (a *App) Close() {
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
}

// handleEvent returns rabbitmq.ErrPoison for deliveries that can never succeed so the consumer
// drops them instead of requeueing.
func (a *App) handleEvent(ctx context.Context, env rabbitmq.Envelope) error {
	switch env.EventName {
	case events.NotificationDispatch:
		var payload events.NotificationDispatchPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.NotificationID == uuid.Nil {
			return fmt.Errorf("%w: notification dispatch payload", rabbitmq.ErrPoison)
		}
		report, err := a.notifications.Deliver(ctx, payload.NotificationID)
		if err != nil {
			if errors.Is(err, notifysvc.ErrNotFound) {
				return fmt.Errorf("%w: notification %s", rabbitmq.ErrPoison, payload.NotificationID)
			}
			return err
		}
		a.logger.Info("notification delivered",
			zap.String("notification_id", payload.NotificationID.String()),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
		)
		return nil

	case events.PaymentSucceeded:
		var payload events.PaymentSucceededPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.PaymentID == uuid.Nil {
			return fmt.Errorf("%w: payment succeeded payload", rabbitmq.ErrPoison)
		}
		return a.notifications.SendReceipt(ctx, payload)

	default:
		return fmt.Errorf("%w: unexpected event %s", rabbitmq.ErrPoison, env.EventName)
	}
}

// handleCommand links a telegram chat to the account behind a /start token. Failures are answered
// in the chat and never stop the listener.
func (a *App) handleCommand(ctx context.Context, update tginfra.CommandUpdate) error {
	if update.Command != "start" {
		return nil
	}

	reply := linkedReply
	switch {
	case update.Args == "":
		reply = startWithoutToken
	default:
		userID, err := a.linker.LinkTelegram(ctx, update.Args, update.ChatID)
		switch {
		case err == nil:
			a.logger.Info("telegram linked", zap.String("user_id", userID.String()), zap.Int64("chat_id", update.ChatID))
		case errors.Is(err, authsvc.ErrLinkTokenNotFound), errors.Is(err, authsvc.ErrInvalidInput):
			reply = linkExpiredReply
		default:
			a.logger.Error("link telegram", zap.Int64("chat_id", update.ChatID), zap.Error(err))
			return nil
		}
	}

	if a.replies == nil {
		return nil
	}
	if err := a.replies.SendText(ctx, update.ChatID, reply); err != nil {
		a.logger.Warn("reply to telegram command", zap.Int64("chat_id", update.ChatID), zap.Error(err))
	}
	return nil
}

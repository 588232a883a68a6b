package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/config"
	"github.com/doexcess/business-api/internal/infra/paystack"
	"github.com/doexcess/business-api/internal/infra/rabbitmq"
	s3infra "github.com/doexcess/business-api/internal/infra/s3"
	"github.com/doexcess/business-api/internal/infra/sendgrid"
	"github.com/doexcess/business-api/internal/infra/telegram"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
	redrepo "github.com/doexcess/business-api/internal/repo/redis"
	"github.com/doexcess/business-api/internal/security"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
	cartsvc "github.com/doexcess/business-api/internal/services/cart"
	catalogsvc "github.com/doexcess/business-api/internal/services/catalog"
	chatsvc "github.com/doexcess/business-api/internal/services/chat"
	couponsvc "github.com/doexcess/business-api/internal/services/coupons"
	notifysvc "github.com/doexcess/business-api/internal/services/notifications"
	orgsvc "github.com/doexcess/business-api/internal/services/orgs"
	paymentsvc "github.com/doexcess/business-api/internal/services/payments"
	ratesvc "github.com/doexcess/business-api/internal/services/rate"
	walletsvc "github.com/doexcess/business-api/internal/services/wallet"
	"github.com/doexcess/business-api/internal/transport/http/handlers"
)

const (
	checkoutAttemptsPerMinute = 20
	eventProducer             = "business-api"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	s3         *minio.Client
	amqp       *amqp.Connection
	publisher  *rabbitmq.Publisher
	chatRelay  *redrepo.ChatRelay
	httpRouter http.Handler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	if cfg.Postgres.MigrateOnStart {
		if err := pgrepo.Migrate(cfg.Postgres.DSN, log); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	sessionRepo := redrepo.NewSessionRepo(redisClient)
	rateRepo := redrepo.NewRateRepo(redisClient)
	linkTokenRepo := redrepo.NewLinkTokenRepo(redisClient)
	presenceRepo := redrepo.NewPresenceRepo(redisClient)
	cartCache := redrepo.NewCartCache(redisClient, cfg.Cart.CacheTTL)

	userRepo := pgrepo.NewUserRepo(pool)
	businessRepo := pgrepo.NewBusinessRepo(pool)
	invitationRepo := pgrepo.NewInvitationRepo(pool)
	productRepo := pgrepo.NewProductRepo(pool)
	couponRepo := pgrepo.NewCouponRepo(pool)
	cartRepo := pgrepo.NewCartRepo(pool)
	paymentRepo := pgrepo.NewPaymentRepo(pool)
	withdrawalRepo := pgrepo.NewWithdrawalRepo(pool)
	chatRepo := pgrepo.NewChatRepo(pool)
	notificationRepo := pgrepo.NewNotificationRepo(pool)

	cipher, err := security.NewSecretCipher(cfg.Crypto.EncryptionKey)
	if err != nil {
		log.Warn("secret cipher init failed, encrypted fields are disabled", zap.Error(err))
	}

	mailer := sendgrid.NewMailer(cfg.SendGrid.APIKey, cfg.SendGrid.FromName, cfg.SendGrid.FromEmail)
	if !mailer.Enabled() {
		log.Warn("sendgrid api key is empty, invitation emails are disabled")
	}

	var s3Client *minio.Client
	if c, err := s3infra.NewClient(s3infra.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		UseSSL:    cfg.S3.UseSSL,
	}); err != nil {
		log.Warn("s3 init failed, continuing in degraded mode", zap.Error(err))
	} else {
		s3Client = c
	}

	var (
		amqpConn  *amqp.Connection
		publisher *rabbitmq.Publisher
	)
	if conn, err := rabbitmq.Dial(cfg.RabbitMQ.URL); err != nil {
		log.Warn("rabbitmq init failed, domain events are disabled", zap.Error(err))
	} else if p, err := rabbitmq.NewPublisher(conn, cfg.RabbitMQ.Exchange, eventProducer, cfg.RabbitMQ.PublishTimeout); err != nil {
		log.Warn("rabbitmq publisher init failed, domain events are disabled", zap.Error(err))
		_ = conn.Close()
	} else {
		amqpConn = conn
		publisher = p
	}

	var botUsername string
	if strings.TrimSpace(cfg.Telegram.BotToken) != "" {
		if bot, err := telegram.NewBot(cfg.Telegram.BotToken); err != nil {
			log.Warn("telegram bot init failed, link tokens will not carry a start link", zap.Error(err))
		} else {
			botUsername = bot.Username()
		}
	}

	jwtManager := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAccessTTL)
	authService := authsvc.NewService(authsvc.Dependencies{
		JWT:          jwtManager,
		Sessions:     sessionRepo,
		Users:        userRepo,
		LinkTokens:   linkTokenRepo,
		LoginLimiter: ratesvc.NewLimiter(rateRepo, "login", cfg.Auth.LoginAttemptsPerMinute, time.Minute),
		Cipher:       cipher,
		RefreshTTL:   cfg.Auth.RefreshTTL,
		TOTPIssuer:   cfg.Auth.TOTPIssuer,
		Logger:       log,
	})

	orgService := orgsvc.NewService(orgsvc.Dependencies{
		Businesses:    businessRepo,
		Invitations:   invitationRepo,
		Users:         userRepo,
		Mailer:        mailer,
		InvitationTTL: cfg.Jobs.InvitationTTL,
		WebsiteURL:    cfg.Site.WebsiteURL,
		Logger:        log,
	})

	catalogDeps := catalogsvc.Dependencies{
		Products:  productRepo,
		Purchases: paymentRepo,
		Logger:    log,
	}
	if s3Client != nil {
		catalogDeps.Storage = catalogsvc.NewS3Storage(s3Client, cfg.S3.Bucket)
	}
	catalogService := catalogsvc.NewService(catalogDeps)

	couponService := couponsvc.NewService(couponRepo)
	cartService := cartsvc.NewService(cartsvc.Dependencies{
		Store:    cartRepo,
		Products: productRepo,
		Cache:    cartCache,
		Logger:   log,
	})

	paymentDeps := paymentsvc.Dependencies{
		Payments: paymentRepo,
		Carts:    cartService,
		Coupons:  couponService,
		Gateway: paystack.NewClient(paystack.Config{
			BaseURL:   cfg.Paystack.BaseURL,
			SecretKey: cfg.Paystack.SecretKey,
			Timeout:   cfg.Paystack.Timeout,
		}),
		CheckoutLimiter: ratesvc.NewLimiter(rateRepo, "checkout", checkoutAttemptsPerMinute, time.Minute),
		CallbackURL:     strings.TrimRight(cfg.Site.WebsiteURL, "/") + cfg.Paystack.CallbackPath,
		Logger:          log,
	}
	notifyDeps := notifysvc.Dependencies{
		Notifications: notificationRepo,
		Audience:      businessRepo,
		Users:         userRepo,
		Logger:        log,
	}
	if publisher != nil {
		paymentDeps.Events = publisher
		notifyDeps.Events = publisher
	}
	paymentService := paymentsvc.NewService(paymentDeps)
	notificationService := notifysvc.NewService(notifyDeps)

	feePct, err := decimal.NewFromString(cfg.Wallet.PlatformFeePercent)
	if err != nil {
		return nil, fmt.Errorf("parse wallet platform fee %q: %w", cfg.Wallet.PlatformFeePercent, err)
	}
	minWithdrawal, err := decimal.NewFromString(cfg.Wallet.MinWithdrawal)
	if err != nil {
		return nil, fmt.Errorf("parse wallet min withdrawal %q: %w", cfg.Wallet.MinWithdrawal, err)
	}
	walletService := walletsvc.NewService(walletsvc.Dependencies{
		Withdrawals:        withdrawalRepo,
		Cipher:             cipher,
		PlatformFeePercent: feePct,
		MinWithdrawal:      minWithdrawal,
		Logger:             log,
	})

	hub := chatsvc.NewHub(log)
	chatRelay := redrepo.NewChatRelay(redisClient, hub, log)
	chatService := chatsvc.NewService(chatsvc.Dependencies{
		Chats:    chatRepo,
		Presence: presenceRepo,
		Users:    userRepo,
		Emitter:  chatRelay,
		Logger:   log,
	})

	r := chi.NewRouter()
	ApplyMiddlewares(r, log, cfg.HTTP.RequestTimeout)
	RegisterRoutes(r, Dependencies{
		AuthService:         authService,
		OrgService:          orgService,
		CatalogService:      catalogService,
		CouponService:       couponService,
		CartService:         cartService,
		PaymentService:      paymentService,
		WalletService:       walletService,
		ChatService:         chatService,
		ChatHub:             hub,
		NotificationService: notificationService,
		HealthChecks: map[string]handlers.Pinger{
			"postgres": pool,
			"redis":    redisPinger{client: redisClient},
		},
		TelegramBotUsername:  botUsername,
		AllowedSocketOrigins: []string{cfg.Site.WebsiteURL},
		Logger:               log,
	})
	handler := Traced(r)

	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     handler,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// WriteTimeout would cut long-lived websocket connections; chi's Timeout bounds the rest.
		IdleTimeout: cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		postgres:   pool,
		redis:      redisClient,
		s3:         s3Client,
		amqp:       amqpConn,
		publisher:  publisher,
		chatRelay:  chatRelay,
		httpRouter: handler,
	}, nil
}

func (a *App) Run() error {
	// The relay lives as long as the server; Shutdown ends ListenAndServe and with it the relay.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	go func() {
		if err := a.chatRelay.Run(relayCtx); err != nil {
			a.logger.Error("chat relay stopped", zap.Error(err))
		}
	}()

	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}

type redisPinger struct {
	client *goredis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
	cartsvc "github.com/doexcess/business-api/internal/services/cart"
	catalogsvc "github.com/doexcess/business-api/internal/services/catalog"
	chatsvc "github.com/doexcess/business-api/internal/services/chat"
	couponsvc "github.com/doexcess/business-api/internal/services/coupons"
	notifysvc "github.com/doexcess/business-api/internal/services/notifications"
	orgsvc "github.com/doexcess/business-api/internal/services/orgs"
	paymentsvc "github.com/doexcess/business-api/internal/services/payments"
	walletsvc "github.com/doexcess/business-api/internal/services/wallet"
	"github.com/doexcess/business-api/internal/transport/http/handlers"
)

type Dependencies struct {
	AuthService          *authsvc.Service
	OrgService           *orgsvc.Service
	CatalogService       *catalogsvc.Service
	CouponService        *couponsvc.Service
	CartService          *cartsvc.Service
	PaymentService       *paymentsvc.Service
	WalletService        *walletsvc.Service
	ChatService          *chatsvc.Service
	ChatHub              *chatsvc.Hub
	NotificationService  *notifysvc.Service
	HealthChecks         map[string]handlers.Pinger
	TelegramBotUsername  string
	AllowedSocketOrigins []string
	Logger               *zap.Logger
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	authHandler := handlers.NewAuthHandler(deps.AuthService, deps.TelegramBotUsername)
	healthHandler := handlers.NewHealthHandler(deps.HealthChecks)
	orgHandler := handlers.NewOrgHandler(deps.OrgService)
	storeHandler := handlers.NewStoreHandler(deps.CatalogService)
	couponHandler := handlers.NewCouponHandler(deps.CouponService)
	cartHandler := handlers.NewCartHandler(deps.CartService)
	paymentsHandler := handlers.NewPaymentsHandler(deps.PaymentService, deps.Logger)
	walletHandler := handlers.NewWalletHandler(deps.WalletService)
	chatHandler := handlers.NewChatHandler(deps.ChatService)
	chatSocket := handlers.NewChatSocketHandler(deps.AuthService, deps.ChatService, deps.ChatHub, deps.AllowedSocketOrigins, deps.Logger)
	notificationsHandler := handlers.NewNotificationsHandler(deps.NotificationService)

	authMW := AuthMiddleware(deps.AuthService, deps.Logger)
	scopeMW := BusinessScope(deps.OrgService, deps.Logger)
	managerMW := RequireMember(enums.MemberRoleOwner, enums.MemberRoleAdmin)
	ownerMW := RequireMember(enums.MemberRoleOwner)
	platformAdminMW := RequireRole("admin")

	r.Get("/healthz", healthHandler.Get)
	r.Handle("/ws/chat", chatSocket)
	r.Post("/payments/webhook", paymentsHandler.Webhook)
	r.With(scopeMW).Get("/store/products", storeHandler.Products)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
		r.With(authMW).Post("/logout", authHandler.Logout)
		r.With(authMW).Post("/logout-all", authHandler.LogoutAll)
		r.With(authMW).Get("/me", authHandler.Me)
		r.With(authMW).Post("/2fa/setup", authHandler.SetupTOTP)
		r.With(authMW).Post("/2fa/confirm", authHandler.ConfirmTOTP)
		r.With(authMW).Post("/telegram/link", authHandler.TelegramLink)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMW)

		r.Post("/businesses", orgHandler.CreateBusiness)
		r.Get("/businesses", orgHandler.ListBusinesses)
		r.Post("/org/invitations/accept", orgHandler.AcceptInvitation)

		r.Get("/chats", chatHandler.List)
		r.Get("/chats/{buddyId}/messages", chatHandler.Messages)

		r.Get("/notifications", notificationsHandler.Inbox)
		r.Post("/notifications/{id}/read", notificationsHandler.MarkRead)

		r.With(platformAdminMW).Post("/wallet/withdrawals/{id}/status", walletHandler.UpdateStatus)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMW, scopeMW)
		manage := r.With(managerMW)

		mountProduct(manage, "/product-course-crud", handlers.NewCourseHandler(deps.CatalogService))
		mountProduct(manage, "/ticket", handlers.NewTicketHandler(deps.CatalogService))
		mountProduct(manage, "/physical-product", handlers.NewPhysicalProductHandler(deps.CatalogService))
		mountProduct(manage, "/subscription-plan", handlers.NewSubscriptionPlanHandler(deps.CatalogService))
		digital := handlers.NewDigitalProductHandler(deps.CatalogService)
		mountProduct(manage, "/digital-product", digital)
		manage.Post("/digital-product/{id}/asset-upload-url", digital.AssetUploadURL)
		r.Get("/digital-product/{id}/download", digital.Download)

		r.Post("/coupon-management/validate", couponHandler.Validate)
		manage.Post("/coupon-management", couponHandler.Create)
		manage.Get("/coupon-management", couponHandler.List)
		manage.Get("/coupon-management/{id}", couponHandler.Get)
		manage.Put("/coupon-management/{id}", couponHandler.Update)
		manage.Post("/coupon-management/{id}/activate", couponHandler.Activate)
		manage.Post("/coupon-management/{id}/deactivate", couponHandler.Deactivate)
		manage.Delete("/coupon-management/{id}", couponHandler.Delete)

		manage.Post("/org/invitations", orgHandler.Invite)
		manage.Get("/org/invitations", orgHandler.ListInvitations)
		manage.Post("/org/invitations/{id}/revoke", orgHandler.RevokeInvitation)
		manage.Get("/org/members", orgHandler.Members)

		r.Get("/cart", cartHandler.Get)
		r.Delete("/cart", cartHandler.Clear)
		r.Post("/cart/items", cartHandler.AddItem)
		r.Patch("/cart/items/{id}", cartHandler.UpdateItem)
		r.Delete("/cart/items/{id}", cartHandler.RemoveItem)

		r.Post("/payments/checkout", paymentsHandler.Checkout)
		r.Get("/payments/verify/{reference}", paymentsHandler.Verify)
		r.Get("/payments", paymentsHandler.List)
		r.Get("/payments/{id}", paymentsHandler.Get)
		r.Post("/payments/{id}/cancel", paymentsHandler.Cancel)
		manage.Post("/payments/{id}/refunds", paymentsHandler.Refund)

		manage.Get("/wallet", walletHandler.Summary)
		manage.Get("/wallet/withdrawals", walletHandler.ListWithdrawals)
		r.With(ownerMW).Post("/wallet/withdrawals", walletHandler.RequestWithdrawal)

		manage.Post("/notification-dispatch", notificationsHandler.Dispatch)
	})
}

// mountProduct registers the CRUD and lifecycle routes shared by every product type.
func mountProduct(r chi.Router, prefix string, h *handlers.ProductHandler) {
	r.Post(prefix, h.Create)
	r.Get(prefix, h.List)
	r.Get(prefix+"/{id}", h.Get)
	r.Put(prefix+"/{id}", h.Update)
	r.Post(prefix+"/{id}/publish", h.Publish)
	r.Post(prefix+"/{id}/unpublish", h.Unpublish)
	r.Post(prefix+"/{id}/archive", h.Archive)
	r.Delete(prefix+"/{id}", h.Delete)
}

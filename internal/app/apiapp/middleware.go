package apiapp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
	orgsvc "github.com/doexcess/business-api/internal/services/orgs"
	httperrors "github.com/doexcess/business-api/internal/transport/http/errors"
)

const BusinessIDHeader = "Business-Id"

type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, accessToken string) (authsvc.AccessClaims, error)
}

// ScopeResolver loads the business named by the Business-Id header and the caller's role in it.
type ScopeResolver interface {
	Business(ctx context.Context, id uuid.UUID) (model.Business, error)
	Authorize(ctx context.Context, businessID, userID uuid.UUID, roles ...enums.MemberRole) (enums.MemberRole, error)
}

func ApplyMiddlewares(r chiRouter, log *zap.Logger, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(timeoutExceptWebsocket(timeout))
}

// Traced wraps the router so every request gets a server span named after the matched route.
func Traced(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "business-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					return r.Method + " " + pattern
				}
			}
			return r.Method + " " + r.URL.Path
		}),
	)
}

func AuthMiddleware(auth TokenValidator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{
					Code:    "AUTH_SERVICE_UNAVAILABLE",
					Message: "auth service is unavailable",
				})
				return
			}

			accessToken, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{
					Code:    "UNAUTHORIZED",
					Message: "missing bearer token",
				})
				return
			}

			claims, err := auth.ValidateAccessToken(r.Context(), accessToken)
			if err != nil {
				if log != nil {
					log.Debug("auth middleware validation failed", zap.Error(err))
				}
				httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{
					Code:    "UNAUTHORIZED",
					Message: "invalid access token",
				})
				return
			}

			ctx := authsvc.WithIdentity(r.Context(), authsvc.Identity{
				UserID: claims.UserID,
				SID:    claims.SID,
				Role:   claims.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole checks the platform role carried in the access token.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[strings.ToLower(strings.TrimSpace(role))] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := authsvc.IdentityFromContext(r.Context())
			if !ok {
				httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{
					Code:    "UNAUTHORIZED",
					Message: "missing identity",
				})
				return
			}
			if _, ok := allowed[strings.ToLower(identity.Role)]; !ok {
				httperrors.Write(w, http.StatusForbidden, httperrors.APIError{
					Code:    "FORBIDDEN",
					Message: "insufficient role",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BusinessScope resolves the Business-Id header. A request without the header passes through
// unscoped; handlers and RequireMember reject it where a business is needed. When the caller is
// authenticated their membership role is attached too (empty for non-members).
func BusinessScope(orgs ScopeResolver, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(BusinessIDHeader))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			businessID, err := uuid.Parse(raw)
			if err != nil {
				httperrors.Write(w, http.StatusBadRequest, httperrors.APIError{
					Code:    "INVALID_BUSINESS_ID",
					Message: "Business-Id must be a uuid",
				})
				return
			}

			if _, err := orgs.Business(r.Context(), businessID); err != nil {
				if errors.Is(err, orgsvc.ErrNotFound) {
					httperrors.Write(w, http.StatusNotFound, httperrors.APIError{
						Code:    "BUSINESS_NOT_FOUND",
						Message: "business not found",
					})
					return
				}
				writeScopeFailure(w, log, err)
				return
			}

			scope := orgsvc.Scope{BusinessID: businessID}
			if identity, ok := authsvc.IdentityFromContext(r.Context()); ok {
				role, err := orgs.Authorize(r.Context(), businessID, identity.UserID)
				switch {
				case err == nil:
					scope.Role = role
				case errors.Is(err, orgsvc.ErrForbidden):
					// customer: scoped, no role
				default:
					writeScopeFailure(w, log, err)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(orgsvc.WithScope(r.Context(), scope)))
		})
	}
}

// RequireMember admits members of the scoped business holding one of roles. No roles means any
// member.
func RequireMember(roles ...enums.MemberRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, ok := orgsvc.ScopeFromContext(r.Context())
			if !ok {
				httperrors.Write(w, http.StatusBadRequest, httperrors.APIError{
					Code:    "BUSINESS_REQUIRED",
					Message: "Business-Id header is required",
				})
				return
			}
			if !scope.HasRole(roles...) {
				httperrors.Write(w, http.StatusForbidden, httperrors.APIError{
					Code:    "FORBIDDEN",
					Message: "insufficient business role",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeScopeFailure(w http.ResponseWriter, log *zap.Logger, err error) {
	if log != nil {
		log.Error("resolve business scope", zap.Error(err))
	}
	httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
	})
}

func extractBearerToken(value string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

// timeoutExceptWebsocket applies chi's Timeout to everything but upgrade requests, which live for
// the whole connection.
func timeoutExceptWebsocket(timeout time.Duration) func(http.Handler) http.Handler {
	withTimeout := chimiddleware.Timeout(timeout)
	return func(next http.Handler) http.Handler {
		timed := withTimeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if log != nil {
				log.Info("http_request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.String("request_id", chimiddleware.GetReqID(r.Context())),
					zap.Duration("duration", time.Since(start)),
				)
			}
		})
	}
}

type chiRouter interface {
	Use(middlewares ...func(http.Handler) http.Handler)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
	"github.com/doexcess/business-api/internal/security"
	"github.com/doexcess/business-api/internal/services/rate"
)

const (
	MinRefreshTTL = 30 * 24 * time.Hour
	MaxRefreshTTL = 90 * 24 * time.Hour

	telegramLinkTTL = 15 * time.Minute
)

type SessionStore interface {
	Create(ctx context.Context, session SessionRecord, refreshToken string) error
	GetSession(ctx context.Context, sid string) (SessionRecord, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (SessionRecord, error)
	RotateRefresh(ctx context.Context, sid, oldRefreshToken, newRefreshToken string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, sid string) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) error
}

type UserStore interface {
	Create(ctx context.Context, user model.User) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	SetTOTP(ctx context.Context, id uuid.UUID, sealedSecret string, enabled bool) error
	SetTelegramChatID(ctx context.Context, id uuid.UUID, chatID int64) error
}

type LinkTokenStore interface {
	Save(ctx context.Context, token string, userID uuid.UUID, ttl time.Duration) error
	Consume(ctx context.Context, token string) (uuid.UUID, error)
}

type Dependencies struct {
	JWT          *JWTManager
	Sessions     SessionStore
	Users        UserStore
	LinkTokens   LinkTokenStore
	LoginLimiter *rate.Limiter
	Cipher       *security.SecretCipher
	RefreshTTL   time.Duration
	TOTPIssuer   string
	Logger       *zap.Logger
}

type Service struct {
	jwt          *JWTManager
	sessions     SessionStore
	users        UserStore
	linkTokens   LinkTokenStore
	loginLimiter *rate.Limiter
	cipher       *security.SecretCipher
	refreshTTL   time.Duration
	totpIssuer   string
	log          *zap.Logger
	now          func() time.Time
}

func NewService(deps Dependencies) *Service {
	refreshTTL := deps.RefreshTTL
	if refreshTTL < MinRefreshTTL {
		refreshTTL = MinRefreshTTL
	}
	if refreshTTL > MaxRefreshTTL {
		refreshTTL = MaxRefreshTTL
	}
	issuer := strings.TrimSpace(deps.TOTPIssuer)
	if issuer == "" {
		issuer = "Business"
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		jwt:          deps.JWT,
		sessions:     deps.Sessions,
		users:        deps.Users,
		linkTokens:   deps.LinkTokens,
		loginLimiter: deps.LoginLimiter,
		cipher:       deps.Cipher,
		refreshTTL:   refreshTTL,
		totpIssuer:   issuer,
		log:          log,
		now:          time.Now,
	}
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(in); err != nil {
		return AuthResult{}, err
	}

	hash, err := security.HashPassword(in.Password)
	if err != nil {
		if errors.Is(err, security.ErrWeakPassword) {
			return AuthResult{}, &validate.Error{Fields: map[string]string{"password": "password must be between 8 and 72 characters"}}
		}
		return AuthResult{}, err
	}

	user, err := s.users.Create(ctx, model.User{
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		Role:         enums.UserRoleUser,
	})
	if err != nil {
		if errors.Is(err, pgrepo.ErrEmailTaken) {
			return AuthResult{}, ErrEmailTaken
		}
		return AuthResult{}, fmt.Errorf("create user: %w", err)
	}

	return s.issueForUser(ctx, user)
}

// Login checks the attempt window before touching the password so a blocked email costs no
// bcrypt work.
func (s *Service) Login(ctx context.Context, in LoginInput) (AuthResult, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validate.Struct(in); err != nil {
		return AuthResult{}, err
	}

	retryAfter, allowed, err := s.loginLimiter.Allow(ctx, in.Email)
	if err != nil {
		return AuthResult{}, fmt.Errorf("check login rate: %w", err)
	}
	if !allowed {
		return AuthResult{}, &RateLimitError{RetryAfterSec: retryAfter}
	}

	user, err := s.users.GetByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, pgrepo.ErrUserNotFound) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, fmt.Errorf("get user: %w", err)
	}
	if err := security.CheckPassword(user.PasswordHash, in.Password); err != nil {
		return AuthResult{}, ErrInvalidCredentials
	}

	if user.TOTPEnabled {
		if strings.TrimSpace(in.TOTPCode) == "" {
			return AuthResult{}, ErrTOTPRequired
		}
		secret, err := s.openTOTPSecret(user.TOTPSecret)
		if err != nil {
			return AuthResult{}, err
		}
		if !security.ValidateTOTP(secret, in.TOTPCode, s.now()) {
			return AuthResult{}, ErrInvalidTOTP
		}
	}

	if err := s.loginLimiter.Reset(ctx, in.Email); err != nil {
		s.log.Warn("reset login window failed", zap.Error(err))
	}

	return s.issueForUser(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return AuthResult{}, ErrInvalidInput
	}

	session, err := s.sessions.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, fmt.Errorf("get refresh token session: %w", err)
	}
	if s.now().After(session.ExpiresAt) {
		return AuthResult{}, ErrUnauthorized
	}

	newRefreshToken, err := NewRefreshToken()
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate refresh token: %w", err)
	}

	newExpiresAt := s.now().Add(s.refreshTTL)
	if err := s.sessions.RotateRefresh(ctx, session.SID, refreshToken, newRefreshToken, newExpiresAt); err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	accessToken, accessExpires, err := s.jwt.GenerateAccessToken(session.UserID, session.SID, session.Role)
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate access token: %w", err)
	}

	return AuthResult{
		AccessToken:   accessToken,
		RefreshToken:  newRefreshToken,
		AccessExpires: accessExpires,
		Me: Me{
			ID:   session.UserID,
			Role: session.Role,
		},
	}, nil
}

func (s *Service) Logout(ctx context.Context, sid string) error {
	if strings.TrimSpace(sid) == "" {
		return ErrInvalidInput
	}
	if err := s.sessions.DeleteSession(ctx, sid); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrInvalidInput
	}
	if err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("delete all sessions: %w", err)
	}
	return nil
}

func (s *Service) ValidateAccessToken(ctx context.Context, accessToken string) (AccessClaims, error) {
	claims, err := s.jwt.ParseAccessToken(accessToken)
	if err != nil {
		return AccessClaims{}, ErrUnauthorized
	}

	session, err := s.sessions.GetSession(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return AccessClaims{}, ErrUnauthorized
		}
		return AccessClaims{}, fmt.Errorf("get session: %w", err)
	}

	if session.UserID != claims.UserID || session.Role != claims.Role {
		return AccessClaims{}, ErrUnauthorized
	}
	if s.now().After(session.ExpiresAt) {
		return AccessClaims{}, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) Me(ctx context.Context, userID uuid.UUID) (Me, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrUserNotFound) {
			return Me{}, ErrUnauthorized
		}
		return Me{}, fmt.Errorf("get user: %w", err)
	}
	return meFromUser(user), nil
}

// SetupTOTP stores a fresh sealed secret with 2FA still disabled. ConfirmTOTP turns it on once
// the user proves the authenticator works.
func (s *Service) SetupTOTP(ctx context.Context, userID uuid.UUID) (security.TOTPEnrollment, error) {
	if s.cipher == nil {
		return security.TOTPEnrollment{}, ErrTOTPUnavailable
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return security.TOTPEnrollment{}, fmt.Errorf("get user: %w", err)
	}
	if user.TOTPEnabled {
		return security.TOTPEnrollment{}, ErrTOTPAlreadyEnabled
	}

	enrollment, err := security.EnrollTOTP(s.totpIssuer, user.Email)
	if err != nil {
		return security.TOTPEnrollment{}, err
	}
	sealed, err := s.cipher.Seal(security.PurposeTOTPSecret, enrollment.Secret)
	if err != nil {
		return security.TOTPEnrollment{}, fmt.Errorf("seal totp secret: %w", err)
	}
	if err := s.users.SetTOTP(ctx, userID, sealed, false); err != nil {
		return security.TOTPEnrollment{}, fmt.Errorf("store totp secret: %w", err)
	}

	return enrollment, nil
}

func (s *Service) ConfirmTOTP(ctx context.Context, userID uuid.UUID, code string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user.TOTPEnabled {
		return ErrTOTPAlreadyEnabled
	}
	if strings.TrimSpace(user.TOTPSecret) == "" {
		return ErrTOTPNotEnrolled
	}

	secret, err := s.openTOTPSecret(user.TOTPSecret)
	if err != nil {
		return err
	}
	if !security.ValidateTOTP(secret, code, s.now()) {
		return ErrInvalidTOTP
	}

	if err := s.users.SetTOTP(ctx, userID, user.TOTPSecret, true); err != nil {
		return fmt.Errorf("enable totp: %w", err)
	}
	return nil
}

// TelegramLinkToken issues a short-lived token the user sends to the bot as /start <token>.
func (s *Service) TelegramLinkToken(ctx context.Context, userID uuid.UUID) (string, time.Time, error) {
	if s.linkTokens == nil {
		return "", time.Time{}, ErrInvalidInput
	}

	token, err := NewOpaqueToken(16)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate link token: %w", err)
	}
	if err := s.linkTokens.Save(ctx, token, userID, telegramLinkTTL); err != nil {
		return "", time.Time{}, err
	}
	return token, s.now().Add(telegramLinkTTL), nil
}

func (s *Service) LinkTelegram(ctx context.Context, token string, chatID int64) (uuid.UUID, error) {
	if s.linkTokens == nil || strings.TrimSpace(token) == "" || chatID == 0 {
		return uuid.Nil, ErrInvalidInput
	}

	userID, err := s.linkTokens.Consume(ctx, strings.TrimSpace(token))
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.users.SetTelegramChatID(ctx, userID, chatID); err != nil {
		return uuid.Nil, fmt.Errorf("store telegram chat id: %w", err)
	}
	return userID, nil
}

func (s *Service) openTOTPSecret(sealed string) (string, error) {
	if s.cipher == nil {
		return "", ErrTOTPUnavailable
	}
	secret, err := s.cipher.Open(security.PurposeTOTPSecret, sealed)
	if err != nil {
		return "", fmt.Errorf("open totp secret: %w", err)
	}
	return secret, nil
}

func (s *Service) issueForUser(ctx context.Context, user model.User) (AuthResult, error) {
	sessionID, err := NewSessionID()
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate session id: %w", err)
	}
	refreshToken, err := NewRefreshToken()
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate refresh token: %w", err)
	}

	role := string(user.Role)
	session := SessionRecord{
		SID:       sessionID,
		UserID:    user.ID,
		Role:      role,
		ExpiresAt: s.now().Add(s.refreshTTL),
	}
	if err := s.sessions.Create(ctx, session, refreshToken); err != nil {
		return AuthResult{}, fmt.Errorf("create session: %w", err)
	}

	accessToken, accessExpires, err := s.jwt.GenerateAccessToken(user.ID, sessionID, role)
	if err != nil {
		return AuthResult{}, fmt.Errorf("generate access token: %w", err)
	}

	return AuthResult{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AccessExpires: accessExpires,
		Me:            meFromUser(user),
	}, nil
}

func meFromUser(user model.User) Me {
	return Me{
		ID:             user.ID,
		Email:          user.Email,
		Name:           user.Name,
		Role:           string(user.Role),
		TOTPEnabled:    user.TOTPEnabled,
		TelegramLinked: user.TelegramChatID != nil,
	}
}

package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
	redrepo "github.com/doexcess/business-api/internal/repo/redis"
	"github.com/doexcess/business-api/internal/security"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
	"github.com/doexcess/business-api/internal/services/rate"
)

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, 10)
	ctx := context.Background()

	reg, err := svc.Register(ctx, authsvc.RegisterInput{Email: " Ada@Example.com", Password: "correct-horse", Name: "Ada"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Me.Email != "ada@example.com" {
		t.Fatalf("email should be normalized, got %q", reg.Me.Email)
	}

	if _, err := svc.Register(ctx, authsvc.RegisterInput{Email: "ada@example.com", Password: "another-pass", Name: "Ada"}); !errors.Is(err, authsvc.ErrEmailTaken) {
		t.Fatalf("duplicate register should fail with ErrEmailTaken, got %v", err)
	}

	login, err := svc.Login(ctx, authsvc.LoginInput{Email: "ada@example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.ValidateAccessToken(ctx, login.AccessToken)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	if claims.UserID != reg.Me.ID {
		t.Fatalf("unexpected subject %s", claims.UserID)
	}

	if _, err := svc.Login(ctx, authsvc.LoginInput{Email: "ada@example.com", Password: "wrong-horse"}); !errors.Is(err, authsvc.ErrInvalidCredentials) {
		t.Fatalf("wrong password should be invalid credentials, got %v", err)
	}
	if _, err := svc.Login(ctx, authsvc.LoginInput{Email: "nobody@example.com", Password: "whatever1"}); !errors.Is(err, authsvc.ErrInvalidCredentials) {
		t.Fatalf("unknown email should be invalid credentials, got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, 10)

	_, err := svc.Register(context.Background(), authsvc.RegisterInput{Email: "not-an-email", Password: "short"})
	var verr *validate.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"email", "password", "name"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected %s field error, got %v", field, verr.Fields)
		}
	}
}

func TestLoginRateLimitedPerEmail(t *testing.T) {
	svc, mini := newAuthServiceForTest(t, 3)
	ctx := context.Background()

	if _, err := svc.Register(ctx, authsvc.RegisterInput{Email: "bob@example.com", Password: "secret-pass", Name: "Bob"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.Login(ctx, authsvc.LoginInput{Email: "bob@example.com", Password: "bad-pass"}); !errors.Is(err, authsvc.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i+1, err)
		}
	}

	_, err := svc.Login(ctx, authsvc.LoginInput{Email: "bob@example.com", Password: "secret-pass"})
	var rl *authsvc.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rl.RetryAfterSec <= 0 {
		t.Fatalf("expected positive retry after, got %d", rl.RetryAfterSec)
	}

	mini.FastForward(time.Minute + time.Second)

	if _, err := svc.Login(ctx, authsvc.LoginInput{Email: "bob@example.com", Password: "secret-pass"}); err != nil {
		t.Fatalf("login after window: %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, 10)
	ctx := context.Background()

	loginRes, err := svc.Register(ctx, authsvc.RegisterInput{Email: "carol@example.com", Password: "secret-pass", Name: "Carol"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	refreshRes, err := svc.Refresh(ctx, loginRes.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshRes.RefreshToken == loginRes.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if _, err := svc.Refresh(ctx, loginRes.RefreshToken); !errors.Is(err, authsvc.ErrUnauthorized) {
		t.Fatalf("old refresh token should be unauthorized, got err=%v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, refreshRes.AccessToken); err != nil {
		t.Fatalf("new access token validation failed: %v", err)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, 10)
	ctx := context.Background()

	loginRes, err := svc.Register(ctx, authsvc.RegisterInput{Email: "dan@example.com", Password: "secret-pass", Name: "Dan"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	claims, err := svc.ValidateAccessToken(ctx, loginRes.AccessToken)
	if err != nil {
		t.Fatalf("validate access token before logout: %v", err)
	}

	if err := svc.Logout(ctx, claims.SID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, loginRes.AccessToken); !errors.Is(err, authsvc.ErrUnauthorized) {
		t.Fatalf("access token should be unauthorized after logout, got err=%v", err)
	}
}

func TestLogoutAllEndsEverySession(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, 10)
	ctx := context.Background()

	first, err := svc.Register(ctx, authsvc.RegisterInput{Email: "eve@example.com", Password: "secret-pass", Name: "Eve"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := svc.Login(ctx, authsvc.LoginInput{Email: "eve@example.com", Password: "secret-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := svc.LogoutAll(ctx, first.Me.ID); err != nil {
		t.Fatalf("logout all: %v", err)
	}
	for _, token := range []string{first.AccessToken, second.AccessToken} {
		if _, err := svc.ValidateAccessToken(ctx, token); !errors.Is(err, authsvc.ErrUnauthorized) {
			t.Fatalf("token should be unauthorized, got %v", err)
		}
	}
}

func TestTOTPEnrollmentGuardsLogin(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, 10)
	ctx := context.Background()

	reg, err := svc.Register(ctx, authsvc.RegisterInput{Email: "owner@example.com", Password: "secret-pass", Name: "Owner"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	enrollment, err := svc.SetupTOTP(ctx, reg.Me.ID)
	if err != nil {
		t.Fatalf("setup totp: %v", err)
	}
	if !strings.HasPrefix(enrollment.QRDataURL, "data:image/png;base64,") {
		t.Fatalf("unexpected qr data url prefix")
	}

	// Not enabled until confirmed.
	if _, err := svc.Login(ctx, authsvc.LoginInput{Email: "owner@example.com", Password: "secret-pass"}); err != nil {
		t.Fatalf("login before confirm: %v", err)
	}

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}

	if err := svc.ConfirmTOTP(ctx, reg.Me.ID, "abcdef"); !errors.Is(err, authsvc.ErrInvalidTOTP) {
		t.Fatalf("expected invalid totp, got %v", err)
	}
	if err := svc.ConfirmTOTP(ctx, reg.Me.ID, code); err != nil {
		t.Fatalf("confirm totp: %v", err)
	}

	if _, err := svc.Login(ctx, authsvc.LoginInput{Email: "owner@example.com", Password: "secret-pass"}); !errors.Is(err, authsvc.ErrTOTPRequired) {
		t.Fatalf("expected totp required, got %v", err)
	}
	if _, err := svc.Login(ctx, authsvc.LoginInput{Email: "owner@example.com", Password: "secret-pass", TOTPCode: code}); err != nil {
		t.Fatalf("login with totp: %v", err)
	}

	me, err := svc.Me(ctx, reg.Me.ID)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if !me.TOTPEnabled {
		t.Fatalf("me should report totp enabled")
	}
}

func TestTelegramLinkToken(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, 10)
	ctx := context.Background()

	reg, err := svc.Register(ctx, authsvc.RegisterInput{Email: "tg@example.com", Password: "secret-pass", Name: "Tg"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token, _, err := svc.TelegramLinkToken(ctx, reg.Me.ID)
	if err != nil {
		t.Fatalf("link token: %v", err)
	}
	userID, err := svc.LinkTelegram(ctx, token, 424242)
	if err != nil {
		t.Fatalf("link telegram: %v", err)
	}
	if userID != reg.Me.ID {
		t.Fatalf("linked wrong user %s", userID)
	}
	if _, err := svc.LinkTelegram(ctx, token, 424242); !errors.Is(err, authsvc.ErrLinkTokenNotFound) {
		t.Fatalf("token must be single use, got %v", err)
	}

	me, err := svc.Me(ctx, reg.Me.ID)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if !me.TelegramLinked {
		t.Fatalf("me should report telegram linked")
	}
}

func newAuthServiceForTest(t *testing.T, loginAttempts int) (*authsvc.Service, *miniredis.Miniredis) {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mini.Close()
	})

	cipher, err := security.NewSecretCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	svc := authsvc.NewService(authsvc.Dependencies{
		JWT:          authsvc.NewJWTManager("test-secret", 15*time.Minute),
		Sessions:     redrepo.NewSessionRepo(client),
		Users:        newMemoryUsers(),
		LinkTokens:   redrepo.NewLinkTokenRepo(client),
		LoginLimiter: rate.NewLimiter(redrepo.NewRateRepo(client), "login", loginAttempts, time.Minute),
		Cipher:       cipher,
		RefreshTTL:   45 * 24 * time.Hour,
		TOTPIssuer:   "Test",
	})
	return svc, mini
}

type memoryUsers struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]model.User
	email map[string]uuid.UUID
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byID: map[uuid.UUID]model.User{}, email: map[string]uuid.UUID{}}
}

func (m *memoryUsers) Create(_ context.Context, user model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(user.Email)
	if _, ok := m.email[key]; ok {
		return model.User{}, pgrepo.ErrEmailTaken
	}
	user.ID = uuid.New()
	user.Email = key
	m.byID[user.ID] = user
	m.email[key] = user.ID
	return user, nil
}

func (m *memoryUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.email[strings.ToLower(email)]
	if !ok {
		return model.User{}, pgrepo.ErrUserNotFound
	}
	return m.byID[id], nil
}

func (m *memoryUsers) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[id]
	if !ok {
		return model.User{}, pgrepo.ErrUserNotFound
	}
	return user, nil
}

func (m *memoryUsers) SetTOTP(_ context.Context, id uuid.UUID, sealed string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.byID[id]
	user.TOTPSecret = sealed
	user.TOTPEnabled = enabled
	m.byID[id] = user
	return nil
}

func (m *memoryUsers) SetTelegramChatID(_ context.Context, id uuid.UUID, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.byID[id]
	user.TelegramChatID = &chatID
	m.byID[id] = user
	return nil
}

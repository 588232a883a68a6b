package security

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func TestSecretCipherRoundTrip(t *testing.T) {
	c, err := NewSecretCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	sealed, err := c.Seal(PurposeBankAccount, "0123456789")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "0123456789") {
		t.Fatalf("unexpected sealed value: %s", sealed)
	}

	plain, err := c.Open(PurposeBankAccount, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "0123456789" {
		t.Fatalf("unexpected plain: %s", plain)
	}
}

func TestSecretCipherBindsPurpose(t *testing.T) {
	c, err := NewSecretCipher("some legacy passphrase")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Seal(PurposeTOTPSecret, "JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := c.Open(PurposeBankAccount, sealed); err == nil {
		t.Fatalf("expected purpose mismatch to fail")
	}
}

func TestSecretCipherRejectsPlainValues(t *testing.T) {
	c, err := NewSecretCipher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if _, err := c.Open(PurposeBankAccount, "plain"); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("expected ErrNotSealed, got %v", err)
	}
	if _, err := NewSecretCipher("  "); !errors.Is(err, ErrInvalidCipherKey) {
		t.Fatalf("expected ErrInvalidCipherKey, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected weak password error, got %v", err)
	}

	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Fatalf("check valid password: %v", err)
	}
	if err := CheckPassword(hash, "wrong horse"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected invalid password, got %v", err)
	}
}

func TestEnrollAndValidateTOTP(t *testing.T) {
	enrollment, err := EnrollTOTP("Doexcess", "owner@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if !strings.HasPrefix(enrollment.QRDataURL, "data:image/png;base64,") {
		t.Fatalf("unexpected qr data url prefix")
	}

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	code, err := totp.GenerateCodeCustom(enrollment.Secret, now, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if !ValidateTOTP(enrollment.Secret, code, now) {
		t.Fatalf("expected code to validate")
	}
	if ValidateTOTP(enrollment.Secret, code, now.Add(5*time.Minute)) {
		t.Fatalf("expected stale code to be rejected")
	}
}

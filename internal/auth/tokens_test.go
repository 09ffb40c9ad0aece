package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKeys() KeySet {
	return KeySet{ActiveKID: "k1", Keys: map[string]string{"k1": "device-secret-one"}}
}

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tok, err := NewTokens(testKeys(), "access-secret")
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}
	return tok
}

func TestDeviceTokenRoundTrip(t *testing.T) {
	tok := newTestTokens(t)

	signed, issued, err := tok.IssueDevice("dev-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDevice failed: %v", err)
	}
	if issued.ID == "" {
		t.Fatal("Expected jti to be set")
	}

	claims, err := tok.VerifyDevice(signed)
	if err != nil {
		t.Fatalf("VerifyDevice failed: %v", err)
	}
	if claims.DeviceID != "dev-1" {
		t.Errorf("Expected device dev-1, got %s", claims.DeviceID)
	}
	if claims.ID != issued.ID {
		t.Errorf("Expected jti %s, got %s", issued.ID, claims.ID)
	}
}

func TestDeviceTokenKeyRotation(t *testing.T) {
	old := newTestTokens(t)
	signed, _, err := old.IssueDevice("dev-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDevice failed: %v", err)
	}

	// k2 is now active; tokens signed with k1 still verify.
	rotated, err := NewTokens(KeySet{
		ActiveKID: "k2",
		Keys:      map[string]string{"k1": "device-secret-one", "k2": "device-secret-two"},
	}, "access-secret")
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}
	if _, err := rotated.VerifyDevice(signed); err != nil {
		t.Errorf("Expected k1 token to verify after rotation: %v", err)
	}

	// Once k1 is retired its tokens are rejected.
	retired, err := NewTokens(KeySet{
		ActiveKID: "k2",
		Keys:      map[string]string{"k2": "device-secret-two"},
	}, "access-secret")
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}
	if _, err := retired.VerifyDevice(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestDeviceTokenRejected(t *testing.T) {
	tok := newTestTokens(t)
	signed, _, err := tok.IssueDevice("dev-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDevice failed: %v", err)
	}

	other, err := NewTokens(KeySet{ActiveKID: "k1", Keys: map[string]string{"k1": "a-different-secret"}}, "access-secret")
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}

	cases := map[string]string{
		"empty":     "",
		"garbage":   "not-a-token",
		"truncated": signed[:len(signed)-4],
	}
	for name, raw := range cases {
		if _, err := tok.VerifyDevice(raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := other.VerifyDevice(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Wrong key: expected ErrInvalidToken, got %v", err)
	}

	// A user access token is not a device token.
	access, err := tok.IssueUser("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUser failed: %v", err)
	}
	if _, err := tok.VerifyDevice(access); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Access token: expected ErrInvalidToken, got %v", err)
	}
}

func TestDeviceTokenExpiry(t *testing.T) {
	tok := newTestTokens(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tok.now = func() time.Time { return start }

	signed, _, err := tok.IssueDevice("dev-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueDevice failed: %v", err)
	}
	if _, err := tok.VerifyDevice(signed); err != nil {
		t.Fatalf("VerifyDevice failed: %v", err)
	}

	tok.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = tok.VerifyDevice(signed)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestDeviceTokenMissingExpiry(t *testing.T) {
	tok := newTestTokens(t)
	claims := &DeviceClaims{DeviceID: "dev-1", RegisteredClaims: jwt.RegisteredClaims{ID: "jti-1"}}
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw.Header["kid"] = "k1"
	signed, err := raw.SignedString([]byte("device-secret-one"))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	if _, err := tok.VerifyDevice(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestUserToken(t *testing.T) {
	tok := newTestTokens(t)

	signed, err := tok.IssueUser("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUser failed: %v", err)
	}
	userID, err := tok.VerifyUser(signed)
	if err != nil {
		t.Fatalf("VerifyUser failed: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("Expected user-1, got %s", userID)
	}

	device, _, err := tok.IssueDevice("dev-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDevice failed: %v", err)
	}
	if _, err := tok.VerifyUser(device); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected device token rejected as user token, got %v", err)
	}
}

func TestNewTokensValidation(t *testing.T) {
	if _, err := NewTokens(KeySet{}, "secret"); err == nil {
		t.Error("Expected error for empty key set")
	}
	if _, err := NewTokens(KeySet{ActiveKID: "k1", Keys: map[string]string{"k2": "x"}}, "secret"); err == nil {
		t.Error("Expected error for missing active key")
	}
	if _, err := NewTokens(testKeys(), " "); err == nil {
		t.Error("Expected error for blank access secret")
	}
}

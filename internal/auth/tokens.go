// Package auth issues and verifies device and user tokens, tracks device
// sessions, and stores CLI credentials.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownKey is returned when a token names a kid that is not configured.
	ErrUnknownKey = errors.New("unknown signing key")
)

// KeySet holds the HMAC secrets for device tokens, indexed by kid. New
// tokens are signed with ActiveKID; any configured kid verifies.
type KeySet struct {
	ActiveKID string            `yaml:"active_kid"`
	Keys      map[string]string `yaml:"keys"`
}

// Validate checks that the active key exists.
func (k KeySet) Validate() error {
	if k.ActiveKID == "" {
		return errors.New("active_kid is required")
	}
	if strings.TrimSpace(k.Keys[k.ActiveKID]) == "" {
		return fmt.Errorf("no key configured for active kid %q", k.ActiveKID)
	}
	return nil
}

// Active returns the active kid and its secret.
func (k KeySet) Active() (string, []byte, error) {
	if err := k.Validate(); err != nil {
		return "", nil, err
	}
	return k.ActiveKID, []byte(k.Keys[k.ActiveKID]), nil
}

// DeviceClaims are carried by a device token. RegisteredClaims.ID is the jti.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// UserClaims are carried by a user access token. Subject is the user id.
type UserClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

const accessTokenType = "access"

// Tokens issues and verifies device and user tokens.
type Tokens struct {
	device KeySet
	access []byte
	now    func() time.Time
}

// NewTokens creates a token service.
func NewTokens(device KeySet, accessSecret string) (*Tokens, error) {
	if err := device.Validate(); err != nil {
		return nil, fmt.Errorf("device keys: %w", err)
	}
	if strings.TrimSpace(accessSecret) == "" {
		return nil, errors.New("access secret is required")
	}
	return &Tokens{device: device, access: []byte(accessSecret), now: time.Now}, nil
}

// IssueDevice signs a new device token with the active key.
func (t *Tokens) IssueDevice(deviceID string, ttl time.Duration) (string, *DeviceClaims, error) {
	kid, secret, err := t.device.Active()
	if err != nil {
		return "", nil, err
	}
	now := t.now().UTC()
	claims := &DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign device token: %w", err)
	}
	return signed, claims, nil
}

// VerifyDevice checks a device token and returns its claims.
func (t *Tokens) VerifyDevice(tokenString string) (*DeviceClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	claims := &DeviceClaims{}
	parser := t.parser()
	parsed, err := parser.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %s", tok.Method.Alg())
		}
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			kid = t.device.ActiveKID
		}
		secret, ok := t.device.Keys[kid]
		if !ok || secret == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		return []byte(secret), nil
	})
	if err != nil || parsed == nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device_id", ErrInvalidToken)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return claims, nil
}

// IssueUser signs an access token for userID.
func (t *Tokens) IssueUser(userID string, ttl time.Duration) (string, error) {
	now := t.now().UTC()
	claims := &UserClaims{
		Type: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.access)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// VerifyUser checks an access token and returns the user id.
func (t *Tokens) VerifyUser(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	claims := &UserClaims{}
	parsed, err := t.parser().ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %s", tok.Method.Alg())
		}
		return t.access, nil
	})
	if err != nil || parsed == nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != accessTokenType {
		return "", fmt.Errorf("%w: token type %q", ErrInvalidToken, claims.Type)
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return userID, nil
}

func (t *Tokens) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
}

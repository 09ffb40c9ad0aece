package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotLoggedIn is returned when no CLI credentials are stored.
var ErrNotLoggedIn = errors.New("not logged in")

// Credentials are the CLI's saved access token for one control plane.
type Credentials struct {
	APIURL      string `json:"api_url"`
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Manager keeps CLI credentials in the user's config directory.
type Manager struct {
	configDir   string
	credentials *Credentials
	mu          sync.RWMutex
	now         func() time.Time
}

// NewManager creates a credential manager rooted at ~/.config/coact.
func NewManager() (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return NewManagerAt(filepath.Join(homeDir, ".config", "coact"))
}

// NewManagerAt creates a credential manager using configDir.
func NewManagerAt(configDir string) (*Manager, error) {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{configDir: configDir, now: time.Now}

	// Try to load existing credentials
	_ = m.loadCredentials()

	return m, nil
}

// IsAuthenticated reports whether an unexpired token is stored.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.credentials == nil {
		return false
	}
	if m.credentials.ExpiresAt == 0 {
		return true
	}
	// Treat tokens as expired a minute early.
	expiresAt := time.Unix(m.credentials.ExpiresAt, 0)
	return m.now().Before(expiresAt.Add(-time.Minute))
}

// Current returns the stored credentials.
func (m *Manager) Current() (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.credentials == nil {
		return nil, ErrNotLoggedIn
	}
	c := *m.credentials
	return &c, nil
}

// Login stores token for apiURL. The user id and expiry are read from the
// token's claims without verifying it; the server does that on every call.
func (m *Manager) Login(apiURL, token string) (*Credentials, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	claims := &UserClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != accessTokenType || claims.Subject == "" {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}

	creds := &Credentials{
		APIURL:      strings.TrimRight(apiURL, "/"),
		AccessToken: token,
		UserID:      claims.Subject,
		CreatedAt:   m.now().Unix(),
	}
	if claims.ExpiresAt != nil {
		creds.ExpiresAt = claims.ExpiresAt.Unix()
	}

	m.mu.Lock()
	m.credentials = creds
	m.mu.Unlock()

	if err := m.saveCredentials(); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	c := *creds
	return &c, nil
}

// Logout clears the stored credentials.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.credentials = nil
	m.mu.Unlock()

	if err := os.Remove(m.credentialsPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}

	return nil
}

// credentialsPath returns the path to the credentials file.
func (m *Manager) credentialsPath() string {
	return filepath.Join(m.configDir, "credentials.json")
}

// loadCredentials loads credentials from disk.
func (m *Manager) loadCredentials() error {
	data, err := os.ReadFile(m.credentialsPath())
	if err != nil {
		return err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}

	m.mu.Lock()
	m.credentials = &creds
	m.mu.Unlock()

	return nil
}

// saveCredentials saves credentials to disk.
func (m *Manager) saveCredentials() error {
	m.mu.RLock()
	creds := m.credentials
	m.mu.RUnlock()

	if creds == nil {
		return nil
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.credentialsPath(), data, 0600)
}

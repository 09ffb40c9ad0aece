package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/models"
)

// Enrollment is a device together with a freshly issued token.
type Enrollment struct {
	Device    *models.Device `json:"device"`
	Token     string         `json:"token"`
	TokenID   string         `json:"token_id"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// EnrollDevice registers a device for userID and issues its first token.
func (s *Service) EnrollDevice(ctx context.Context, userID, name, platform string) (*Enrollment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	device, err := s.store.CreateDevice(ctx, userID, name, strings.TrimSpace(platform))
	if err != nil {
		return nil, err
	}
	enrollment, err := s.issueDeviceToken(ctx, device)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.ActionDeviceEnrolled, userID, device.ID, map[string]interface{}{
		"name":     device.Name,
		"platform": device.Platform,
	})
	return enrollment, nil
}

// RefreshDeviceToken issues a new token for a device owned by userID.
// Earlier tokens stay valid until revoked or expired.
func (s *Service) RefreshDeviceToken(ctx context.Context, userID, deviceID string) (*Enrollment, error) {
	device, err := s.ownedDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return s.issueDeviceToken(ctx, device)
}

func (s *Service) issueDeviceToken(ctx context.Context, device *models.Device) (*Enrollment, error) {
	if s.tokens == nil {
		return nil, errors.New("token issuer not configured")
	}
	token, claims, err := s.tokens.IssueDevice(device.ID, s.opts.DeviceTokenTTL)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Activate(ctx, device.ID, claims.ID, s.opts.DeviceTokenTTL); err != nil {
		return nil, err
	}
	return &Enrollment{
		Device:    device,
		Token:     token,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// RevokeDevice revokes every active session of a device. Connected sockets
// close on their next revocation check.
func (s *Service) RevokeDevice(ctx context.Context, userID, deviceID string) (int, error) {
	if _, err := s.ownedDevice(ctx, userID, deviceID); err != nil {
		return 0, err
	}
	n, err := s.sessions.RevokeAll(ctx, deviceID)
	if errors.Is(err, auth.ErrNoSessionStore) {
		return 0, fmt.Errorf("%w: revocation needs redis", ErrInvalidState)
	}
	if err != nil {
		return 0, err
	}
	s.audit.Record(ctx, audit.ActionDeviceRevoked, userID, deviceID, map[string]interface{}{"sessions": n})
	return n, nil
}

// ListDevices returns the devices of userID.
func (s *Service) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	return s.store.ListDevices(ctx, userID)
}

func (s *Service) ownedDevice(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	device, err := s.store.GetDeviceForUser(ctx, deviceID, userID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return device, nil
}

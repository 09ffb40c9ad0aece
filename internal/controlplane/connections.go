package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/models"
	"github.com/fentz26/coact/internal/ratelimit"
	"github.com/fentz26/coact/internal/registry"
)

// --- Device Connection Lifecycle ---

// AdmitIP checks whether ip is currently blocked, before any token work.
func (s *Service) AdmitIP(ctx context.Context, ip string) ratelimit.Decision {
	d := s.limiter.CheckIP(ip)
	if !d.Allowed {
		s.audit.Record(ctx, audit.ActionWSRateLimited, "", "", map[string]interface{}{
			"ip":     ip,
			"reason": d.Reason,
			"stage":  "pre_auth",
		})
	}
	return d
}

// AuthenticateDevice verifies a device token.
func (s *Service) AuthenticateDevice(ctx context.Context, token, ip string) (*auth.DeviceClaims, error) {
	if s.tokens == nil {
		return nil, fmt.Errorf("%w: token verifier not configured", ErrUnauthorized)
	}
	claims, err := s.tokens.VerifyDevice(token)
	if err != nil {
		s.audit.Record(ctx, audit.ActionWSUnauthorized, "", "", map[string]interface{}{
			"ip":    ip,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// AdmitDevice counts a connection attempt by deviceID from ip.
func (s *Service) AdmitDevice(ctx context.Context, deviceID, ip string) ratelimit.Decision {
	d := s.limiter.Allow(deviceID, ip)
	if !d.Allowed {
		s.audit.Record(ctx, audit.ActionWSRateLimited, deviceID, deviceID, map[string]interface{}{
			"ip":     ip,
			"reason": d.Reason,
		})
	}
	return d
}

// CheckSession returns an ErrUnauthorized error when jti was revoked.
func (s *Service) CheckSession(ctx context.Context, deviceID, jti string) error {
	err := s.sessions.Check(ctx, deviceID, jti)
	if errors.Is(err, auth.ErrSessionRevoked) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

// DeviceConnected registers sock as the device's live connection and
// records it in presence, routing and the device row. A previous socket is
// closed as superseded.
func (s *Service) DeviceConnected(ctx context.Context, deviceID string, sock registry.Socket, ip string) {
	s.metrics.Connected()
	if prev := s.registry.Register(deviceID, sock); prev != nil && prev != sock {
		s.audit.Record(ctx, audit.ActionWSSuperseded, deviceID, deviceID, map[string]interface{}{
			"old_connection": prev.ID(),
			"new_connection": sock.ID(),
		})
	}
	if err := s.presence.Online(ctx, deviceID, sock.ID()); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("set presence")
	}
	if err := s.routes.Set(ctx, deviceID, sock.ID()); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("set route")
	}
	if err := s.store.MarkDeviceSeen(ctx, deviceID, models.ConnectionOnline, s.now()); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("mark device online")
	}
	s.audit.Record(ctx, audit.ActionWSConnected, deviceID, deviceID, map[string]interface{}{
		"connection_id": sock.ID(),
		"node_id":       s.opts.NodeID,
		"ip":            ip,
	})
}

// RefreshLease extends the device's presence and route leases.
func (s *Service) RefreshLease(ctx context.Context, deviceID string) {
	if err := s.presence.Refresh(ctx, deviceID); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("refresh presence")
	}
	if err := s.routes.Refresh(ctx, deviceID); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("refresh route")
	}
}

// DeviceHeartbeat handles a heartbeat sent by the device.
func (s *Service) DeviceHeartbeat(ctx context.Context, deviceID string) {
	s.metrics.Heartbeat()
	s.RefreshLease(ctx, deviceID)
	if err := s.store.MarkDeviceSeen(ctx, deviceID, models.ConnectionOnline, s.now()); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("update last seen")
	}
}

// DeviceDisconnected releases everything sock owned. Records that a newer
// connection has taken over are left alone.
func (s *Service) DeviceDisconnected(ctx context.Context, deviceID string, sock registry.Socket, reason string) {
	removed := s.registry.Remove(deviceID, sock)
	s.metrics.Disconnected()

	changed, err := s.presence.Offline(ctx, deviceID, sock.ID())
	if err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("clear presence")
	}
	if _, err := s.routes.Clear(ctx, deviceID, sock.ID()); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("clear route")
	}
	if removed && changed {
		if err := s.store.MarkDeviceSeen(ctx, deviceID, models.ConnectionOffline, s.now()); err != nil {
			s.log.Warn().Err(err).Str("device_id", deviceID).Msg("mark device offline")
		}
	}
	s.audit.Record(ctx, audit.ActionWSDisconnected, deviceID, deviceID, map[string]interface{}{
		"connection_id": sock.ID(),
		"reason":        reason,
		"superseded":    !removed,
	})
}

// AuditRevokedClose records that a connection was closed after revocation.
func (s *Service) AuditRevokedClose(ctx context.Context, deviceID, connID string) {
	s.audit.Record(ctx, audit.ActionWSRevokedClose, deviceID, deviceID, map[string]interface{}{
		"connection_id": connID,
	})
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevokedSet holds every revoked device token jti.
const RevokedSet = "revoked_device_jti"

var (
	// ErrSessionRevoked is returned when a device session is no longer valid.
	ErrSessionRevoked = errors.New("device session revoked")
	// ErrNoSessionStore is returned for revocation without Redis.
	ErrNoSessionStore = errors.New("session store unavailable")
)

// ActiveKey is the set of active jtis of a device.
func ActiveKey(deviceID string) string {
	return "device:" + deviceID + ":active_jti"
}

// Sessions tracks active and revoked device token ids in Redis. Without
// Redis every session is accepted and revocation is unavailable.
type Sessions struct {
	rdb *redis.Client
}

// NewSessions creates a session store.
func NewSessions(rdb *redis.Client) *Sessions {
	return &Sessions{rdb: rdb}
}

// Activate marks jti as an active session of deviceID. The active set
// expires ttl after the newest activation.
func (s *Sessions) Activate(ctx context.Context, deviceID, jti string, ttl time.Duration) error {
	if s.rdb == nil {
		return nil
	}
	key := ActiveKey(deviceID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, jti)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	return nil
}

// Revoke revokes one session of deviceID.
func (s *Sessions) Revoke(ctx context.Context, deviceID, jti string) error {
	if s.rdb == nil {
		return ErrNoSessionStore
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, RevokedSet, jti)
		pipe.SRem(ctx, ActiveKey(deviceID), jti)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAll revokes every active session of deviceID and returns how many
// there were.
func (s *Sessions) RevokeAll(ctx context.Context, deviceID string) (int, error) {
	if s.rdb == nil {
		return 0, ErrNoSessionStore
	}
	jtis, err := s.rdb.SMembers(ctx, ActiveKey(deviceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, jti := range jtis {
			pipe.SAdd(ctx, RevokedSet, jti)
		}
		pipe.Del(ctx, ActiveKey(deviceID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	return len(jtis), nil
}

// IsRevoked reports whether jti has been revoked.
func (s *Sessions) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if s.rdb == nil {
		return false, nil
	}
	revoked, err := s.rdb.SIsMember(ctx, RevokedSet, jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return revoked, nil
}

// Active returns the active jtis of deviceID.
func (s *Sessions) Active(ctx context.Context, deviceID string) ([]string, error) {
	if s.rdb == nil {
		return nil, nil
	}
	jtis, err := s.rdb.SMembers(ctx, ActiveKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return jtis, nil
}

// Check returns ErrSessionRevoked when jti is revoked, or when deviceID
// tracks active sessions and jti is not among them.
func (s *Sessions) Check(ctx context.Context, deviceID, jti string) error {
	revoked, err := s.IsRevoked(ctx, jti)
	if err != nil {
		return err
	}
	if revoked {
		return ErrSessionRevoked
	}
	active, err := s.Active(ctx, deviceID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	for _, a := range active {
		if a == jti {
			return nil
		}
	}
	return ErrSessionRevoked
}

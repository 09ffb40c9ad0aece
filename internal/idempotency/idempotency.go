// Package idempotency derives request fingerprints and paces the wait for a
// concurrent request's claim to be bound.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/fentz26/coact/internal/envelope"
	"github.com/fentz26/coact/internal/models"
)

// TasksEndpoint is the endpoint recorded on task creation claims.
const TasksEndpoint = "/v1/tasks"

// BodyHash is the hex SHA-256 of the canonical JSON of a create request.
// Two requests with the same key but different bodies hash differently and
// so never share a claim.
func BodyHash(deviceID, title, description string, actions []models.Action) (string, error) {
	if actions == nil {
		actions = []models.Action{}
	}
	canonical, err := envelope.Canonical(map[string]interface{}{
		"device_id":   deviceID,
		"title":       title,
		"description": description,
		"actions":     actions,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Backoff waits Base, 2*Base, 4*Base... between Attempts polls.
type Backoff struct {
	Base     time.Duration
	Attempts int
	// Sleep waits d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poll calls fn until it reports done, the attempts run out or ctx ends.
// It reports whether fn finished.
func (b Backoff) Poll(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	sleep := b.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := b.Base
	for i := 0; i < b.Attempts; i++ {
		if err := sleep(ctx, delay); err != nil {
			return false, err
		}
		done, err := fn(ctx)
		if err != nil || done {
			return done, err
		}
		delay *= 2
	}
	return false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

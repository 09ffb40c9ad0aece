package controlplane

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for control plane operations.
var (
	ErrValidation   = errors.New("validation failed")
	ErrMissingKey   = fmt.Errorf("%w: Idempotency-Key header is required", ErrValidation)
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("conflicting request in progress")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrInvalidState = errors.New("invalid task state")
)

// BlockedError is returned when the safety policy refuses a task.
type BlockedError struct {
	Level   string
	Reasons []string
}

func (e *BlockedError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("task blocked: risk level %s", e.Level)
	}
	return fmt.Sprintf("task blocked: risk level %s: %s", e.Level, strings.Join(e.Reasons, "; "))
}

// Is makes a BlockedError match ErrForbidden.
func (e *BlockedError) Is(target error) bool {
	return target == ErrForbidden
}

// Package audit records security and lifecycle decisions for coact.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/coact/internal/models"
	"github.com/rs/zerolog"
)

// Audit actions.
const (
	ActionWSConnected        = "ws_connected"
	ActionWSDisconnected     = "ws_disconnected"
	ActionWSRateLimited      = "ws_rate_limited"
	ActionWSUnauthorized     = "ws_unauthorized"
	ActionWSRevokedClose     = "ws_revoked_close"
	ActionWSSuperseded       = "ws_superseded"
	ActionTaskResultBadSig   = "task_result_invalid_sig"
	ActionTaskDeliveryFailed = "task_delivery_failed"
	ActionTaskBlocked        = "task_blocked"
	ActionTaskApproved       = "task_approved"
	ActionTaskRejected       = "task_rejected"
	ActionTaskCancelled      = "task_cancelled"
	ActionDeviceEnrolled     = "device_enrolled"
	ActionDeviceRevoked      = "device_revoked"
	ActionDeviceStaleOffline = "device_stale_offline"
	ActionRateLimitReset     = "ratelimit_reset"
)

// Sink persists audit events.
type Sink interface {
	WriteAuditEvent(ctx context.Context, action, actorID, subjectID, metadata, inputsHash string) (*models.AuditEvent, error)
}

// Writer writes audit events to a Sink and mirrors them to the log.
type Writer struct {
	sink Sink
	log  zerolog.Logger
}

// NewWriter creates a new audit writer. A nil sink only logs.
func NewWriter(sink Sink, log zerolog.Logger) *Writer {
	return &Writer{sink: sink, log: log.With().Str("component", "audit").Logger()}
}

// Record writes an audit event. Failures are logged and never returned;
// auditing must not change the outcome of the operation being audited.
func (w *Writer) Record(ctx context.Context, action, actorID, subjectID string, metadata map[string]interface{}) {
	if w == nil {
		return
	}
	ev := w.log.Info().Str("action", action).Str("actor_id", actorID).Str("subject_id", subjectID)
	if len(metadata) > 0 {
		ev = ev.Fields(metadata)
	}
	ev.Msg("audit")

	if w.sink == nil {
		return
	}
	var encoded string
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err == nil {
			encoded = string(data)
		}
	}
	inputs := map[string]interface{}{
		"action":     action,
		"actor_id":   actorID,
		"subject_id": subjectID,
		"metadata":   metadata,
	}
	if _, err := w.sink.WriteAuditEvent(ctx, action, actorID, subjectID, encoded, hashInputs(inputs)); err != nil {
		w.log.Error().Err(err).Str("action", action).Msg("write audit event")
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

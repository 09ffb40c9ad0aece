package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/envelope"
	"github.com/fentz26/coact/internal/models"
	"github.com/fentz26/coact/internal/registry"
	"github.com/fentz26/coact/internal/routing"
	"github.com/google/uuid"
)

// Deliver sends a queued task towards its device. With Redis the signed
// envelope is published for whichever node owns the device; without it the
// local registry is used. Failures leave the task queued for replay.
func (s *Service) Deliver(ctx context.Context, task *models.Task) {
	payload, err := s.signer.Seal(envelope.NewTaskExec(task, s.now()))
	if err != nil {
		s.log.Error().Err(err).Str("task_id", task.ID).Msg("seal task envelope")
		return
	}

	if s.routes.Enabled() {
		if err := s.routes.Publish(ctx, task.DeviceID, payload); err != nil {
			s.log.Warn().Err(err).Str("task_id", task.ID).Msg("publish delivery")
			s.audit.Record(ctx, audit.ActionTaskDeliveryFailed, s.opts.NodeID, task.ID, map[string]interface{}{
				"device_id": task.DeviceID,
				"error":     err.Error(),
			})
		}
		return
	}
	s.sendLocal(ctx, task.DeviceID, task.ID, payload, routing.DeliverOwned)
}

// HandleDelivery is the delivery subscriber callback. The owning node sends
// the envelope; a node with a live socket but a stale or missing route sends
// it as a fallback; every other node ignores it.
func (s *Service) HandleDelivery(ctx context.Context, deviceID string, payload []byte) {
	hasLocal := s.registry.Has(deviceID)
	route, err := s.routes.Get(ctx, deviceID)
	if err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("read route")
		route = nil
	}

	decision := routing.Decide(route, s.opts.NodeID, hasLocal)
	if decision == routing.Ignore {
		return
	}

	var msg envelope.TaskExec
	if err := json.Unmarshal(payload, &msg); err != nil || msg.TaskID == "" {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("malformed delivery")
		return
	}
	s.sendLocal(ctx, deviceID, msg.TaskID, payload, decision)
}

func (s *Service) sendLocal(ctx context.Context, deviceID, taskID string, payload []byte, decision routing.Decision) {
	err := s.registry.Send(deviceID, payload)
	if errors.Is(err, registry.ErrNotConnected) {
		s.log.Debug().Str("device_id", deviceID).Str("task_id", taskID).Msg("device not connected, task stays queued")
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Str("task_id", taskID).Msg("task delivery failed")
		s.audit.Record(ctx, audit.ActionTaskDeliveryFailed, s.opts.NodeID, taskID, map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
		return
	}

	s.log.Info().Str("device_id", deviceID).Str("task_id", taskID).Str("route", decision.String()).Msg("task delivered")
	s.markAssigned(ctx, taskID)
}

func (s *Service) markAssigned(ctx context.Context, taskID string) {
	changed, err := s.store.MarkAssigned(ctx, taskID)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("mark task assigned")
		return
	}
	if !changed {
		return
	}
	s.metrics.TaskAssigned()
	if task, err := s.store.GetTask(ctx, taskID); err == nil && task != nil {
		s.emitStatus(ctx, task)
	}
}

// ReplayPending sends every queued or assigned task of deviceID over sock in
// creation order. Queued tasks become assigned after their send. It stops at
// the first failed send and returns how many were sent.
func (s *Service) ReplayPending(ctx context.Context, deviceID string, sock registry.Socket) (int, error) {
	tasks, err := s.store.PendingTasksForDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range tasks {
		task := &tasks[i]
		payload, err := s.signer.Seal(envelope.NewTaskExec(task, s.now()))
		if err != nil {
			return sent, fmt.Errorf("seal task %s: %w", task.ID, err)
		}
		if err := s.registry.SendOn(deviceID, sock, payload); err != nil {
			s.audit.Record(ctx, audit.ActionTaskDeliveryFailed, s.opts.NodeID, task.ID, map[string]interface{}{
				"device_id": deviceID,
				"replay":    true,
				"error":     err.Error(),
			})
			return sent, fmt.Errorf("replay task %s: %w", task.ID, err)
		}
		sent++
		if task.Status == models.TaskStatusQueued {
			s.markAssigned(ctx, task.ID)
		}
	}
	if sent > 0 {
		s.log.Info().Str("device_id", deviceID).Int("count", sent).Msg("replayed pending tasks")
	}
	return sent, nil
}

// IngestResult applies a signed task.result from deviceID. Results with a
// missing or wrong signature are dropped and audited. Results for tasks that
// are not live on this device change nothing.
func (s *Service) IngestResult(ctx context.Context, deviceID string, raw []byte) error {
	var result envelope.TaskResult
	if err := s.signer.Open(raw, &result); err != nil {
		if errors.Is(err, envelope.ErrMissingSignature) || errors.Is(err, envelope.ErrBadSignature) {
			var hdr struct {
				TaskID string `json:"task_id"`
			}
			_ = json.Unmarshal(raw, &hdr)
			s.audit.Record(ctx, audit.ActionTaskResultBadSig, deviceID, hdr.TaskID, map[string]interface{}{
				"error": err.Error(),
			})
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if result.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrValidation)
	}

	// Entries are logged as the device sent them, extra fields included.
	var entries struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now().UTC()
	logs := make([]models.ActionLog, 0, len(entries.Results))
	for i, entry := range entries.Results {
		logs = append(logs, models.ActionLog{
			ID:        uuid.New().String(),
			TaskID:    result.TaskID,
			DeviceID:  deviceID,
			Action:    loggedAction(entry, result.Results[i].ActionID),
			Result:    entry,
			Actor:     models.ActorDevice,
			CreatedAt: now,
		})
	}

	status := result.Outcome()
	changed, err := s.store.FinishTask(ctx, result.TaskID, deviceID, status, logs)
	if err != nil {
		return err
	}
	if !changed {
		s.log.Info().Str("device_id", deviceID).Str("task_id", result.TaskID).Msg("result for task that is not live, ignored")
		return nil
	}

	s.metrics.TaskFinished(status)
	s.log.Info().Str("device_id", deviceID).Str("task_id", result.TaskID).Str("status", string(status)).Msg("task finished")
	if task, err := s.store.GetTask(ctx, result.TaskID); err == nil && task != nil {
		s.emitStatus(ctx, task)
	}
	return nil
}

// loggedAction returns the action the device echoed back with its result,
// or a reference by action id when there is none.
func loggedAction(entry json.RawMessage, actionID string) json.RawMessage {
	var fields map[string]json.RawMessage
	if json.Unmarshal(entry, &fields) == nil {
		if action, ok := fields["action"]; ok && string(action) != "null" {
			return action
		}
	}
	ref, _ := json.Marshal(map[string]string{"action_id": actionID})
	return ref
}

// Package controlplane provides the HTTP API and service layer for coact.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/envelope"
	"github.com/fentz26/coact/internal/events"
	"github.com/fentz26/coact/internal/idempotency"
	"github.com/fentz26/coact/internal/metrics"
	"github.com/fentz26/coact/internal/models"
	"github.com/fentz26/coact/internal/presence"
	"github.com/fentz26/coact/internal/ratelimit"
	"github.com/fentz26/coact/internal/registry"
	"github.com/fentz26/coact/internal/routing"
	"github.com/fentz26/coact/internal/safety"
	"github.com/fentz26/coact/internal/store"
	"github.com/rs/zerolog"
)

// Deps are the components a Service coordinates. Presence, Routes, Events
// and Sessions work without Redis; everything else is required.
type Deps struct {
	Store    *store.Store
	Audit    *audit.Writer
	Policy   *safety.Policy
	Signer   *envelope.Signer
	Registry *registry.Registry
	Routes   *routing.Table
	Presence *presence.Tracker
	Sessions *auth.Sessions
	Tokens   *auth.Tokens
	Limiter  *ratelimit.Limiter
	Events   *events.Publisher
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

// Options tune a Service.
type Options struct {
	NodeID string
	// SelfHeal creates the task when a competing claim never binds.
	SelfHeal       bool
	RetryBase      time.Duration
	RetryAttempts  int
	DeviceTokenTTL time.Duration
}

// Service provides the control plane business logic.
type Service struct {
	store    *store.Store
	audit    *audit.Writer
	policy   *safety.Policy
	signer   *envelope.Signer
	registry *registry.Registry
	routes   *routing.Table
	presence *presence.Tracker
	sessions *auth.Sessions
	tokens   *auth.Tokens
	limiter  *ratelimit.Limiter
	events   *events.Publisher
	metrics  *metrics.Metrics
	log      zerolog.Logger

	opts  Options
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a new control plane service.
func NewService(d Deps, opts Options) *Service {
	if d.Policy == nil {
		d.Policy = safety.Default()
	}
	if d.Registry == nil {
		d.Registry = registry.New(d.Log)
	}
	if d.Routes == nil {
		d.Routes = routing.NewTable(nil, opts.NodeID, 0, d.Log)
	}
	if d.Presence == nil {
		d.Presence = presence.NewTracker(nil, opts.NodeID, 0, d.Events, d.Log)
	}
	if d.Sessions == nil {
		d.Sessions = auth.NewSessions(nil)
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.New(ratelimit.DefaultConfig(), nil)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.DeviceTokenTTL <= 0 {
		opts.DeviceTokenTTL = 30 * 24 * time.Hour
	}
	return &Service{
		store:    d.Store,
		audit:    d.Audit,
		policy:   d.Policy,
		signer:   d.Signer,
		registry: d.Registry,
		routes:   d.Routes,
		presence: d.Presence,
		sessions: d.Sessions,
		tokens:   d.Tokens,
		limiter:  d.Limiter,
		events:   d.Events,
		metrics:  d.Metrics,
		log:      d.Log.With().Str("component", "controlplane").Logger(),
		opts:     opts,
		now:      time.Now,
	}
}

// NodeID returns this node's id.
func (s *Service) NodeID() string {
	return s.opts.NodeID
}

// Registry returns the local connection registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Metrics returns the service's collectors.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Task Operations ---

// CreateTaskInput is a task creation request.
type CreateTaskInput struct {
	UserID         string
	DeviceID       string
	Title          string
	Description    string
	Actions        []models.Action
	IdempotencyKey string
}

func (in CreateTaskInput) validate() error {
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return ErrMissingKey
	}
	if in.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrValidation)
	}
	if strings.TrimSpace(in.DeviceID) == "" {
		return fmt.Errorf("%w: device_id is required", ErrValidation)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	for i, a := range in.Actions {
		if a.Type() == "" {
			return fmt.Errorf("%w: action %d has no type", ErrValidation, i)
		}
	}
	return nil
}

// CreateTask creates a task at most once per (user, key, body). A repeated
// request returns the task the first one created.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*models.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Actions == nil {
		in.Actions = []models.Action{}
	}

	device, err := s.store.GetDeviceForUser(ctx, in.DeviceID, in.UserID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, in.DeviceID)
	}

	level, analysis := s.policy.Analyze(in.Actions)
	if s.policy.ShouldBlock(level) {
		s.audit.Record(ctx, audit.ActionTaskBlocked, in.UserID, in.DeviceID, map[string]interface{}{
			"risk_level": analysis.RiskLevel,
			"reasons":    analysis.Reasons,
			"title":      in.Title,
		})
		return nil, &BlockedError{Level: analysis.RiskLevel, Reasons: analysis.Reasons}
	}

	hash, err := idempotency.BodyHash(in.DeviceID, in.Title, in.Description, in.Actions)
	if err != nil {
		return nil, fmt.Errorf("hash request: %w", err)
	}
	key := models.ClaimKey{
		UserID:   in.UserID,
		Endpoint: idempotency.TasksEndpoint,
		Key:      in.IdempotencyKey,
		BodyHash: hash,
	}

	claim, err := s.store.FindClaim(ctx, key)
	if err != nil {
		return nil, err
	}
	if claim.Bound() {
		return s.claimedTask(ctx, claim)
	}

	if _, err := s.store.InsertClaim(ctx, key, "task"); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		existing, err := s.awaitClaim(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		if !s.opts.SelfHeal {
			return nil, fmt.Errorf("%w: idempotency key %s", ErrConflict, in.IdempotencyKey)
		}
		s.log.Warn().Str("user_id", in.UserID).Str("idempotency_key", in.IdempotencyKey).
			Msg("claim never bound, creating task")
	}

	status := models.TaskStatusQueued
	if analysis.RequiresApproval {
		status = models.TaskStatusAwaitingConfirmation
	}
	task := store.NewTask(in.UserID, in.DeviceID, in.Title, in.Description, in.IdempotencyKey, status,
		models.TaskPayload{Actions: in.Actions, RiskAnalysis: analysis})

	result, created, err := s.store.CreateTaskForClaim(ctx, task, key)
	if errors.Is(err, store.ErrClaimLost) {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrConflict, in.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	if !created {
		return result, nil
	}

	s.metrics.TaskCreated()
	s.log.Info().Str("task_id", task.ID).Str("device_id", task.DeviceID).Str("status", string(task.Status)).
		Str("risk_level", analysis.RiskLevel).Msg("task created")
	s.events.Emit(ctx, events.ChannelTaskEvents, events.Event{
		Type:     events.TaskCreated,
		TaskID:   task.ID,
		DeviceID: task.DeviceID,
		UserID:   task.UserID,
		Status:   string(task.Status),
	})

	if task.Status == models.TaskStatusAwaitingConfirmation {
		s.notifyApproval(ctx, task)
		return task, nil
	}
	s.Deliver(ctx, task)
	return task, nil
}

// awaitClaim polls a claim held by a concurrent request until it is bound.
// It returns nil when the attempts run out.
func (s *Service) awaitClaim(ctx context.Context, key models.ClaimKey) (*models.Task, error) {
	var task *models.Task
	backoff := idempotency.Backoff{Base: s.opts.RetryBase, Attempts: s.opts.RetryAttempts, Sleep: s.sleep}
	_, err := backoff.Poll(ctx, func(ctx context.Context) (bool, error) {
		claim, err := s.store.FindClaim(ctx, key)
		if err != nil || !claim.Bound() {
			return false, err
		}
		task, err = s.claimedTask(ctx, claim)
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) claimedTask(ctx context.Context, claim *models.IdempotencyClaim) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, claim.ResourceID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("claim bound to missing task %s", claim.ResourceID)
	}
	return task, nil
}

func (s *Service) notifyApproval(ctx context.Context, task *models.Task) {
	s.events.Emit(ctx, events.UserChannel(task.UserID), events.Event{
		Type:     events.ApprovalRequired,
		TaskID:   task.ID,
		DeviceID: task.DeviceID,
		UserID:   task.UserID,
		Status:   string(task.Status),
		Data: map[string]interface{}{
			"title":      task.Title,
			"risk_level": task.Payload.RiskAnalysis.RiskLevel,
			"reasons":    task.Payload.RiskAnalysis.Reasons,
		},
	})
}

// GetTask returns a task owned by userID.
func (s *Service) GetTask(ctx context.Context, userID, id string) (*models.Task, error) {
	task, err := s.store.GetTaskForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return task, nil
}

// ListTasksInput filters ListTasks.
type ListTasksInput struct {
	UserID   string
	DeviceID string
	Status   string
	Limit    int
	Offset   int
}

// ListTasks returns the user's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, in ListTasksInput) ([]models.Task, error) {
	status := models.TaskStatus(in.Status)
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, in.Status)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	offset := in.Offset
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTasks(ctx, store.TaskFilter{
		UserID:   in.UserID,
		DeviceID: in.DeviceID,
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
}

// CancelOutcome says what CancelTask did.
type CancelOutcome string

const (
	CancelCancelled CancelOutcome = "cancelled"
	// CancelNoop means the task had already finished.
	CancelNoop CancelOutcome = "noop"
)

// CancelTask marks a task cancelled. The device is not told; a result that
// arrives later is ignored because the task is terminal.
func (s *Service) CancelTask(ctx context.Context, userID, id string) (CancelOutcome, *models.Task, error) {
	task, err := s.GetTask(ctx, userID, id)
	if err != nil {
		return "", nil, err
	}
	if task.Status.Terminal() {
		return CancelNoop, task, nil
	}

	changed, err := s.store.TransitionTask(ctx, id, models.TaskStatusCancelled)
	if err != nil {
		return "", nil, err
	}
	task, err = s.GetTask(ctx, userID, id)
	if err != nil {
		return "", nil, err
	}
	if !changed {
		return CancelNoop, task, nil
	}

	s.audit.Record(ctx, audit.ActionTaskCancelled, userID, id, nil)
	s.emitStatus(ctx, task)
	return CancelCancelled, task, nil
}

// ApproveTask releases a task that was waiting for the user and delivers it.
func (s *Service) ApproveTask(ctx context.Context, userID, id string) (*models.Task, error) {
	task, err := s.decide(ctx, userID, id, models.TaskStatusQueued, audit.ActionTaskApproved)
	if err != nil {
		return nil, err
	}
	s.Deliver(ctx, task)
	return task, nil
}

// RejectTask cancels a task that was waiting for the user.
func (s *Service) RejectTask(ctx context.Context, userID, id string) (*models.Task, error) {
	return s.decide(ctx, userID, id, models.TaskStatusCancelled, audit.ActionTaskRejected)
}

func (s *Service) decide(ctx context.Context, userID, id string, to models.TaskStatus, action string) (*models.Task, error) {
	task, err := s.GetTask(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.TransitionTaskFrom(ctx, id, models.TaskStatusAwaitingConfirmation, to)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, task.Status)
	}
	if task, err = s.GetTask(ctx, userID, id); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, action, userID, id, map[string]interface{}{"device_id": task.DeviceID})
	s.emitStatus(ctx, task)
	return task, nil
}

// TaskLogs returns the action log of a task owned by userID.
func (s *Service) TaskLogs(ctx context.Context, userID, id string) ([]models.ActionLog, error) {
	if _, err := s.GetTask(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListActionLogs(ctx, id)
}

func (s *Service) emitStatus(ctx context.Context, task *models.Task) {
	s.events.Emit(ctx, events.ChannelTaskEvents, events.Event{
		Type:     events.TaskStatus,
		TaskID:   task.ID,
		DeviceID: task.DeviceID,
		UserID:   task.UserID,
		Status:   string(task.Status),
	})
}

// --- Rate Limit Administration ---

// ResetRateLimits clears every limiter window and block.
func (s *Service) ResetRateLimits(ctx context.Context, actorID string) ratelimit.ResetStats {
	stats := s.limiter.Reset()
	s.audit.Record(ctx, audit.ActionRateLimitReset, actorID, "", map[string]interface{}{
		"cleared_ip_blocks":           stats.ClearedIPBlocks,
		"cleared_device_blocks":       stats.ClearedDeviceBlocks,
		"cleared_connection_attempts": stats.ClearedConnectionAttempts,
	})
	return stats
}

// RateLimitStats returns the limiter's current state.
func (s *Service) RateLimitStats() ratelimit.Stats {
	return s.limiter.Snapshot()
}

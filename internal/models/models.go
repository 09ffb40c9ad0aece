// Package models defines the core domain types for coact.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusCreated              TaskStatus = "created"
	TaskStatusQueued               TaskStatus = "queued"
	TaskStatusAssigned             TaskStatus = "assigned"
	TaskStatusInProgress           TaskStatus = "in_progress"
	TaskStatusAwaitingConfirmation TaskStatus = "awaiting_confirmation"
	TaskStatusCompleted            TaskStatus = "completed"
	TaskStatusFailed               TaskStatus = "failed"
	TaskStatusCancelled            TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusQueued, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusAwaitingConfirmation, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusCreated:              {TaskStatusQueued, TaskStatusAwaitingConfirmation},
	TaskStatusQueued:               {TaskStatusAssigned, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusAwaitingConfirmation: {TaskStatusQueued, TaskStatusAssigned},
	TaskStatusAssigned:             {TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusInProgress:           {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransition reports whether a task may move from one status to another.
// Every non-terminal status may be cancelled; terminal statuses never move.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == TaskStatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status from which a task may move to the given one.
func SourcesFor(to TaskStatus) []TaskStatus {
	var out []TaskStatus
	for _, from := range []TaskStatus{
		TaskStatusCreated, TaskStatusQueued, TaskStatusAwaitingConfirmation,
		TaskStatusAssigned, TaskStatusInProgress,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Action is one opaque automation step. Only "type" is interpreted by the
// server; everything else is forwarded to the device untouched.
type Action map[string]any

// Type returns the action type, or "" when absent.
func (a Action) Type() string {
	t, _ := a["type"].(string)
	return t
}

// Param looks up a string parameter under "params" first and then at the
// top level of the action.
func (a Action) Param(key string) string {
	if params, ok := a["params"].(map[string]any); ok {
		if v, ok := params[key].(string); ok {
			return v
		}
	}
	v, _ := a[key].(string)
	return v
}

// RiskAnalysis is the safety verdict stored alongside a task's actions.
type RiskAnalysis struct {
	RiskLevel        string   `json:"risk_level"`
	Reasons          []string `json:"reasons"`
	RequiresApproval bool     `json:"requires_approval"`
}

// TaskPayload is the persisted action list of a task.
type TaskPayload struct {
	Actions      []Action     `json:"actions"`
	RiskAnalysis RiskAnalysis `json:"risk_analysis"`
}

// Task represents one dispatch of actions to one device.
type Task struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	DeviceID       string      `json:"device_id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Status         TaskStatus  `json:"status"`
	Payload        TaskPayload `json:"payload"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Actor identifies who produced an action log row.
type Actor string

const (
	ActorDevice Actor = "device"
	ActorServer Actor = "server"
	ActorUser   Actor = "user"
)

// ActionLog is an append-only record of one action result.
type ActionLog struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	DeviceID  string          `json:"device_id"`
	Action    json.RawMessage `json:"action"`
	Result    json.RawMessage `json:"result"`
	Actor     Actor           `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`
}

// ClaimKey identifies one idempotent request.
type ClaimKey struct {
	UserID   string
	Endpoint string
	Key      string
	BodyHash string
}

// IdempotencyClaim binds a claim key to the resource it created. ResourceID
// stays empty until the creating request commits.
type IdempotencyClaim struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Endpoint     string    `json:"endpoint"`
	Key          string    `json:"idem_key"`
	BodyHash     string    `json:"body_hash"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Bound reports whether the claim already points at a resource.
func (c *IdempotencyClaim) Bound() bool {
	return c != nil && c.ResourceID != ""
}

// ConnectionStatus is the durable view of a device's connectivity.
type ConnectionStatus string

const (
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
)

// Device is an enrolled remote agent owned by a user.
type Device struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Name             string           `json:"name"`
	Platform         string           `json:"platform,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	LastSeen         *time.Time       `json:"last_seen,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// PresenceRecord is the shared, TTL-leased liveness entry for a device.
type PresenceRecord struct {
	DeviceID     string    `json:"device_id"`
	ConnectionID string    `json:"connection_id"`
	NodeID       string    `json:"node_id"`
	LastSeen     time.Time `json:"last_seen"`
	Status       string    `json:"status"`
}

// RouteRecord names the node currently holding a device's connection.
type RouteRecord struct {
	DeviceID     string    `json:"device_id"`
	ConnectionID string    `json:"connection_id"`
	NodeID       string    `json:"node_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuditEvent is a durable record of a security or lifecycle decision.
type AuditEvent struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	ActorID    string    `json:"actor_id,omitempty"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
	InputsHash string    `json:"inputs_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

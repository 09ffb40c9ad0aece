package envelope

import (
	"encoding/json"
	"time"

	"github.com/fentz26/coact/internal/models"
)

// Message types on the device channel.
const (
	TypeTaskExec   = "task.exec"
	TypeTaskResult = "task.result"
	TypeHeartbeat  = "heartbeat"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Header is the part every device message shares.
type Header struct {
	Type string `json:"type"`
}

// TaskExec instructs a device to run a task's actions.
type TaskExec struct {
	Type     string          `json:"type"`
	TaskID   string          `json:"task_id"`
	IssuedAt string          `json:"issued_at"`
	Actions  []models.Action `json:"actions"`
}

// NewTaskExec builds the unsigned exec message for task.
func NewTaskExec(task *models.Task, now time.Time) TaskExec {
	actions := task.Payload.Actions
	if actions == nil {
		actions = []models.Action{}
	}
	return TaskExec{
		Type:     TypeTaskExec,
		TaskID:   task.ID,
		IssuedAt: now.UTC().Format(time.RFC3339Nano),
		Actions:  actions,
	}
}

// ActionResult is one entry of a task.result message.
type ActionResult struct {
	ActionID string          `json:"action_id"`
	Status   string          `json:"status,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// Succeeded reports whether the device marked the action as done, either
// on the entry itself or inside its result object.
func (r ActionResult) Succeeded() bool {
	if successStatus(r.Status) {
		return true
	}
	if len(r.Result) == 0 {
		return false
	}
	var inner struct {
		Status string `json:"status"`
	}
	return json.Unmarshal(r.Result, &inner) == nil && successStatus(inner.Status)
}

func successStatus(status string) bool {
	switch status {
	case "done", "ok", "success":
		return true
	}
	return false
}

// TaskResult is the device's report on a finished task.
type TaskResult struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id"`
	Results   []ActionResult `json:"results"`
	Timestamp string         `json:"timestamp,omitempty"`
	Signature string         `json:"signature"`
}

// Outcome maps the per-action results onto a terminal task status. An
// empty result list counts as completed.
func (r TaskResult) Outcome() models.TaskStatus {
	for _, res := range r.Results {
		if !res.Succeeded() {
			return models.TaskStatusFailed
		}
	}
	return models.TaskStatusCompleted
}

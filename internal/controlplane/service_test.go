package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/envelope"
	"github.com/fentz26/coact/internal/idempotency"
	"github.com/fentz26/coact/internal/models"
	"github.com/fentz26/coact/internal/store"
)

func TestCreateTaskConcurrentSameKey(t *testing.T) {
	env := newTestEnv(t, envOptions{selfHeal: true})
	ctx := context.Background()
	device := env.device(t, "user-1")

	const n = 10
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K1"))
			errs[i] = err
			if task != nil {
				ids[i] = task.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("CreateTask %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("Expected every request to return %s, got %s", ids[0], ids[i])
		}
	}

	tasks, err := env.store.ListTasks(ctx, store.TaskFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("Expected exactly one task, got %d", len(tasks))
	}
	if tasks[0].Status != models.TaskStatusQueued {
		t.Errorf("Expected queued, got %s", tasks[0].Status)
	}
}

func TestCreateTaskRepeatReturnsSameTask(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")

	first, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K1"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	second, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K1"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected %s, got %s", first.ID, second.ID)
	}

	// Same key, different body: a separate claim and task.
	other := screenshotInput("user-1", device.ID, "K1")
	other.Title = "Another screenshot"
	third, err := env.svc.CreateTask(ctx, other)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if third.ID == first.ID {
		t.Error("Expected a different body to create a different task")
	}

	// Same key and body for another user is independent.
	otherDevice := env.device(t, "user-2")
	fourth, err := env.svc.CreateTask(ctx, screenshotInput("user-2", otherDevice.ID, "K1"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if fourth.ID == first.ID {
		t.Error("Expected another user's request to create its own task")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	foreign := env.device(t, "user-2")

	in := screenshotInput("user-1", device.ID, "")
	_, err := env.svc.CreateTask(ctx, in)
	if !errors.Is(err, ErrMissingKey) || !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrMissingKey, got %v", err)
	}

	in = screenshotInput("user-1", device.ID, "K")
	in.Title = " "
	if _, err := env.svc.CreateTask(ctx, in); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for empty title, got %v", err)
	}

	in = screenshotInput("user-1", device.ID, "K")
	in.Actions = []models.Action{{"x": 1}}
	if _, err := env.svc.CreateTask(ctx, in); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for untyped action, got %v", err)
	}

	if _, err := env.svc.CreateTask(ctx, screenshotInput("user-1", "missing", "K")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown device, got %v", err)
	}
	if _, err := env.svc.CreateTask(ctx, screenshotInput("user-1", foreign.ID, "K")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another user's device, got %v", err)
	}
}

func TestCreateTaskBlocked(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")

	in := screenshotInput("user-1", device.ID, "K-danger")
	in.Actions = []models.Action{{"type": "shell", "command": "rm -rf /"}}
	_, err := env.svc.CreateTask(ctx, in)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Expected ErrForbidden, got %v", err)
	}
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Level != "critical" || len(blocked.Reasons) == 0 {
		t.Errorf("Expected critical BlockedError with reasons, got %+v", blocked)
	}

	tasks, _ := env.store.ListTasks(ctx, store.TaskFilter{UserID: "user-1"})
	if len(tasks) != 0 {
		t.Errorf("Expected no task persisted, got %d", len(tasks))
	}
	hash, _ := idempotency.BodyHash(device.ID, in.Title, in.Description, in.Actions)
	claim, err := env.store.FindClaim(ctx, models.ClaimKey{UserID: "user-1", Endpoint: idempotency.TasksEndpoint, Key: "K-danger", BodyHash: hash})
	if err != nil || claim != nil {
		t.Errorf("Expected no claim, got %+v %v", claim, err)
	}

	events, err := env.store.ListAuditEvents(ctx, device.ID, 10)
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Action != audit.ActionTaskBlocked {
		t.Errorf("Expected one task_blocked event, got %+v", events)
	}
}

func TestCreateTaskRequiresApproval(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	sock := newFakeSocket("conn-1")
	env.svc.Registry().Register(device.ID, sock)

	in := screenshotInput("user-1", device.ID, "K-write")
	in.Actions = []models.Action{{"type": "file_write", "params": map[string]interface{}{"path": "notes.txt"}}}
	task, err := env.svc.CreateTask(ctx, in)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.Status != models.TaskStatusAwaitingConfirmation {
		t.Errorf("Expected awaiting_confirmation, got %s", task.Status)
	}
	if !task.Payload.RiskAnalysis.RequiresApproval || task.Payload.RiskAnalysis.RiskLevel != "medium" {
		t.Errorf("Unexpected risk analysis: %+v", task.Payload.RiskAnalysis)
	}
	if got := len(sock.messages()); got != 0 {
		t.Errorf("Expected no delivery before approval, got %d messages", got)
	}

	// Reconnect replay skips tasks awaiting approval.
	sent, err := env.svc.ReplayPending(ctx, device.ID, sock)
	if err != nil || sent != 0 {
		t.Errorf("Expected nothing replayed, got %d %v", sent, err)
	}
}

func TestCreateTaskDeliversToConnectedDevice(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	sock := newFakeSocket("conn-1")
	env.svc.Registry().Register(device.ID, sock)

	task, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K1"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	msgs := sock.messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected one delivery, got %d", len(msgs))
	}
	var exec envelope.TaskExec
	if err := env.signer.Open(msgs[0], &exec); err != nil {
		t.Fatalf("Delivered envelope failed verification: %v", err)
	}
	if exec.Type != envelope.TypeTaskExec || exec.TaskID != task.ID || len(exec.Actions) != 1 {
		t.Errorf("Unexpected envelope: %+v", exec)
	}
	if got := env.task(t, task.ID).Status; got != models.TaskStatusAssigned {
		t.Errorf("Expected assigned after send, got %s", got)
	}
}

func TestCreateTaskStrictConflict(t *testing.T) {
	env := newTestEnv(t, envOptions{selfHeal: false})
	ctx := context.Background()
	device := env.device(t, "user-1")
	env.svc.sleep = func(context.Context, time.Duration) error { return nil }

	in := screenshotInput("user-1", device.ID, "K-stuck")
	hash, _ := idempotency.BodyHash(device.ID, in.Title, in.Description, in.Actions)
	key := models.ClaimKey{UserID: "user-1", Endpoint: idempotency.TasksEndpoint, Key: "K-stuck", BodyHash: hash}
	if _, err := env.store.InsertClaim(ctx, key, "task"); err != nil {
		t.Fatalf("InsertClaim failed: %v", err)
	}

	_, err := env.svc.CreateTask(ctx, in)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
	tasks, _ := env.store.ListTasks(ctx, store.TaskFilter{UserID: "user-1"})
	if len(tasks) != 0 {
		t.Errorf("Expected no task, got %d", len(tasks))
	}
}

func TestCreateTaskSelfHeal(t *testing.T) {
	env := newTestEnv(t, envOptions{selfHeal: true})
	ctx := context.Background()
	device := env.device(t, "user-1")
	env.svc.sleep = func(context.Context, time.Duration) error { return nil }

	in := screenshotInput("user-1", device.ID, "K-stuck")
	hash, _ := idempotency.BodyHash(device.ID, in.Title, in.Description, in.Actions)
	key := models.ClaimKey{UserID: "user-1", Endpoint: idempotency.TasksEndpoint, Key: "K-stuck", BodyHash: hash}
	if _, err := env.store.InsertClaim(ctx, key, "task"); err != nil {
		t.Fatalf("InsertClaim failed: %v", err)
	}

	task, err := env.svc.CreateTask(ctx, in)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	claim, err := env.store.FindClaim(ctx, key)
	if err != nil || claim.ResourceID != task.ID {
		t.Errorf("Expected claim bound to %s, got %+v %v", task.ID, claim, err)
	}

	again, err := env.svc.CreateTask(ctx, in)
	if err != nil || again.ID != task.ID {
		t.Errorf("Expected repeat to return %s, got %v %v", task.ID, again, err)
	}
}

func sealResult(t *testing.T, env *testEnv, taskID string, statuses ...string) []byte {
	t.Helper()
	res := envelope.TaskResult{Type: envelope.TypeTaskResult, TaskID: taskID, Timestamp: "2026-01-01T00:00:00Z"}
	for i, st := range statuses {
		res.Results = append(res.Results, envelope.ActionResult{ActionID: string(rune('a' + i)), Status: st})
	}
	raw, err := env.signer.Seal(res)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return raw
}

func TestIngestResult(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	env.svc.Registry().Register(device.ID, newFakeSocket("conn-1"))

	ok, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K-ok"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	bad := screenshotInput("user-1", device.ID, "K-bad")
	bad.Title = "Failing"
	failing, err := env.svc.CreateTask(ctx, bad)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := env.svc.IngestResult(ctx, device.ID, sealResult(t, env, ok.ID, "done", "ok")); err != nil {
		t.Fatalf("IngestResult failed: %v", err)
	}
	if got := env.task(t, ok.ID).Status; got != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	logs, err := env.svc.TaskLogs(ctx, "user-1", ok.ID)
	if err != nil {
		t.Fatalf("TaskLogs failed: %v", err)
	}
	if len(logs) != 2 || logs[0].Actor != models.ActorDevice {
		t.Errorf("Expected two device logs, got %+v", logs)
	}

	if err := env.svc.IngestResult(ctx, device.ID, sealResult(t, env, failing.ID, "done", "error")); err != nil {
		t.Fatalf("IngestResult failed: %v", err)
	}
	if got := env.task(t, failing.ID).Status; got != models.TaskStatusFailed {
		t.Errorf("Expected failed, got %s", got)
	}

	// A second result for a finished task changes nothing.
	if err := env.svc.IngestResult(ctx, device.ID, sealResult(t, env, failing.ID, "done")); err != nil {
		t.Fatalf("IngestResult failed: %v", err)
	}
	if got := env.task(t, failing.ID).Status; got != models.TaskStatusFailed {
		t.Errorf("Expected terminal status to stick, got %s", got)
	}
}

func TestIngestResultLogsDeviceEntries(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")

	task, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K-log"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	raw, err := env.signer.Seal(map[string]interface{}{
		"type":    envelope.TypeTaskResult,
		"task_id": task.ID,
		"results": []interface{}{
			map[string]interface{}{
				"action_id":   "a1",
				"action":      map[string]interface{}{"type": "screenshot", "quality": 80},
				"result":      map[string]interface{}{"status": "done", "path": "/tmp/shot.png"},
				"duration_ms": 42,
			},
			map[string]interface{}{"action_id": "a2", "status": "ok"},
		},
	})
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := env.svc.IngestResult(ctx, device.ID, raw); err != nil {
		t.Fatalf("IngestResult failed: %v", err)
	}
	if got := env.task(t, task.ID).Status; got != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}

	logs, err := env.svc.TaskLogs(ctx, "user-1", task.ID)
	if err != nil {
		t.Fatalf("TaskLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 logs, got %d", len(logs))
	}
	byID := make(map[string]models.ActionLog)
	for _, l := range logs {
		var entry struct {
			ActionID string `json:"action_id"`
		}
		if err := json.Unmarshal(l.Result, &entry); err != nil {
			t.Fatalf("Unmarshal result failed: %v", err)
		}
		byID[entry.ActionID] = l
	}

	var first map[string]interface{}
	if err := json.Unmarshal(byID["a1"].Result, &first); err != nil {
		t.Fatalf("Unmarshal result failed: %v", err)
	}
	if first["duration_ms"] != float64(42) {
		t.Errorf("Expected extra fields kept, got %v", first)
	}
	var action map[string]interface{}
	if err := json.Unmarshal(byID["a1"].Action, &action); err != nil {
		t.Fatalf("Unmarshal action failed: %v", err)
	}
	if action["type"] != "screenshot" {
		t.Errorf("Expected echoed action, got %v", action)
	}

	var ref map[string]string
	if err := json.Unmarshal(byID["a2"].Action, &ref); err != nil {
		t.Fatalf("Unmarshal action failed: %v", err)
	}
	if ref["action_id"] != "a2" {
		t.Errorf("Expected action reference, got %v", ref)
	}
}

func TestIngestResultRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")

	task, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K1"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	raw := sealResult(t, env, task.ID, "error")
	tampered := bytes.Replace(raw, []byte(`"error"`), []byte(`"done"`), 1)
	if bytes.Equal(raw, tampered) {
		t.Fatal("Tampering did not change the message")
	}
	if err := env.svc.IngestResult(ctx, device.ID, tampered); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	unsigned, _ := json.Marshal(map[string]interface{}{
		"type":    envelope.TypeTaskResult,
		"task_id": task.ID,
		"results": []map[string]string{{"action_id": "a", "status": "done"}},
	})
	if err := env.svc.IngestResult(ctx, device.ID, unsigned); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	if got := env.task(t, task.ID).Status; got != models.TaskStatusQueued {
		t.Errorf("Expected status unchanged, got %s", got)
	}
	events, _ := env.store.ListAuditEvents(ctx, task.ID, 10)
	if len(events) != 2 || events[0].Action != audit.ActionTaskResultBadSig {
		t.Errorf("Expected two invalid signature events, got %+v", events)
	}
}

func TestIngestResultFromOtherDevice(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	other := env.device(t, "user-1")

	task, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K1"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := env.svc.IngestResult(ctx, other.ID, sealResult(t, env, task.ID, "done")); err != nil {
		t.Fatalf("IngestResult failed: %v", err)
	}
	if got := env.task(t, task.ID).Status; got != models.TaskStatusQueued {
		t.Errorf("Expected another device's result to be ignored, got %s", got)
	}
}

func createQueued(t *testing.T, env *testEnv, deviceID string, n int) []*models.Task {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	out := make([]*models.Task, n)
	for i := 0; i < n; i++ {
		task := store.NewTask("user-1", deviceID, "task", "", "", models.TaskStatusQueued,
			models.TaskPayload{Actions: []models.Action{{"type": "screenshot", "n": i}}})
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		task.UpdatedAt = task.CreatedAt
		if err := env.store.CreateTask(context.Background(), task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		out[i] = task
	}
	return out
}

func TestReplayPending(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	tasks := createQueued(t, env, device.ID, 3)

	sock := newFakeSocket("conn-1")
	env.svc.Registry().Register(device.ID, sock)
	sent, err := env.svc.ReplayPending(ctx, device.ID, sock)
	if err != nil || sent != 3 {
		t.Fatalf("ReplayPending failed: sent=%d err=%v", sent, err)
	}

	msgs := sock.messages()
	for i, raw := range msgs {
		var exec envelope.TaskExec
		if err := env.signer.Open(raw, &exec); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if exec.TaskID != tasks[i].ID {
			t.Errorf("Message %d: expected %s, got %s", i, tasks[i].ID, exec.TaskID)
		}
	}
	for _, task := range tasks {
		if got := env.task(t, task.ID).Status; got != models.TaskStatusAssigned {
			t.Errorf("Expected %s assigned, got %s", task.ID, got)
		}
	}

	// Assigned tasks are sent again on the next connection.
	next := newFakeSocket("conn-2")
	env.svc.Registry().Register(device.ID, next)
	sent, err = env.svc.ReplayPending(ctx, device.ID, next)
	if err != nil || sent != 3 {
		t.Errorf("Expected assigned tasks replayed, got %d %v", sent, err)
	}
}

func TestReplayPendingStopsAtFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	tasks := createQueued(t, env, device.ID, 3)

	sock := newFakeSocket("conn-1")
	sock.failAfter = 1
	env.svc.Registry().Register(device.ID, sock)

	sent, err := env.svc.ReplayPending(ctx, device.ID, sock)
	if err == nil || sent != 1 {
		t.Fatalf("Expected failure after one send, got sent=%d err=%v", sent, err)
	}
	if got := env.task(t, tasks[0].ID).Status; got != models.TaskStatusAssigned {
		t.Errorf("Expected first task assigned, got %s", got)
	}
	for _, task := range tasks[1:] {
		if got := env.task(t, task.ID).Status; got != models.TaskStatusQueued {
			t.Errorf("Expected %s still queued, got %s", task.ID, got)
		}
	}
	if env.svc.Registry().Has(device.ID) {
		t.Error("Expected failed socket evicted")
	}

	// Replay over a superseded socket sends nothing.
	stale := newFakeSocket("conn-stale")
	if sent, err := env.svc.ReplayPending(ctx, device.ID, stale); err == nil || sent != 0 {
		t.Errorf("Expected replay on unregistered socket to fail, got %d %v", sent, err)
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")

	task, err := env.svc.CreateTask(ctx, screenshotInput("user-1", device.ID, "K1"))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	outcome, got, err := env.svc.CancelTask(ctx, "user-1", task.ID)
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if outcome != CancelCancelled || got.Status != models.TaskStatusCancelled {
		t.Errorf("Expected cancelled, got %s %s", outcome, got.Status)
	}

	outcome, _, err = env.svc.CancelTask(ctx, "user-1", task.ID)
	if err != nil || outcome != CancelNoop {
		t.Errorf("Expected noop on second cancel, got %s %v", outcome, err)
	}

	if _, _, err := env.svc.CancelTask(ctx, "user-2", task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another user, got %v", err)
	}

	// A late result cannot resurrect a cancelled task.
	if err := env.svc.IngestResult(ctx, device.ID, sealResult(t, env, task.ID, "done")); err != nil {
		t.Fatalf("IngestResult failed: %v", err)
	}
	if got := env.task(t, task.ID).Status; got != models.TaskStatusCancelled {
		t.Errorf("Expected cancelled to stick, got %s", got)
	}
}

func TestApproveAndRejectTask(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	sock := newFakeSocket("conn-1")
	env.svc.Registry().Register(device.ID, sock)

	write := screenshotInput("user-1", device.ID, "K-approve")
	write.Actions = []models.Action{{"type": "file_write", "path": "notes.txt"}}
	pending, err := env.svc.CreateTask(ctx, write)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	approved, err := env.svc.ApproveTask(ctx, "user-1", pending.ID)
	if err != nil {
		t.Fatalf("ApproveTask failed: %v", err)
	}
	if approved.Status != models.TaskStatusQueued {
		t.Errorf("Expected queued after approval, got %s", approved.Status)
	}
	if len(sock.messages()) != 1 {
		t.Errorf("Expected approved task delivered, got %d messages", len(sock.messages()))
	}
	if got := env.task(t, pending.ID).Status; got != models.TaskStatusAssigned {
		t.Errorf("Expected assigned, got %s", got)
	}
	if _, err := env.svc.ApproveTask(ctx, "user-1", pending.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second approval, got %v", err)
	}

	write.IdempotencyKey = "K-reject"
	rejectMe, err := env.svc.CreateTask(ctx, write)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	rejected, err := env.svc.RejectTask(ctx, "user-1", rejectMe.ID)
	if err != nil {
		t.Fatalf("RejectTask failed: %v", err)
	}
	if rejected.Status != models.TaskStatusCancelled {
		t.Errorf("Expected cancelled after reject, got %s", rejected.Status)
	}
	if len(sock.messages()) != 1 {
		t.Errorf("Expected rejected task never delivered, got %d messages", len(sock.messages()))
	}
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	device := env.device(t, "user-1")
	createQueued(t, env, device.ID, 3)

	tasks, err := env.svc.ListTasks(ctx, ListTasksInput{UserID: "user-1", Status: "queued", Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(tasks))
	}
	if _, err := env.svc.ListTasks(ctx, ListTasksInput{UserID: "user-1", Status: "sleeping"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for unknown status, got %v", err)
	}
	none, err := env.svc.ListTasks(ctx, ListTasksInput{UserID: "user-2"})
	if err != nil || len(none) != 0 {
		t.Errorf("Expected no tasks for another user, got %d %v", len(none), err)
	}
}

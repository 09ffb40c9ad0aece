package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/coact/internal/models"
	"github.com/google/uuid"
)

const taskColumns = `id, user_id, device_id, title, description, status, payload, idempotency_key, created_at, updated_at`

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	UserID   string
	DeviceID string
	Status   models.TaskStatus
	Limit    int
	Offset   int
}

// --- Task Operations ---

// NewTask builds an unsaved task with a fresh id and timestamps.
func NewTask(userID, deviceID, title, description, idemKey string, status models.TaskStatus, payload models.TaskPayload) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:             uuid.New().String(),
		UserID:         userID,
		DeviceID:       deviceID,
		Title:          title,
		Description:    description,
		Status:         status,
		Payload:        payload,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CreateTask inserts a task that is not tied to an idempotency claim.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO tasks (`+taskColumns+`) VALUES (`+placeholders(10)+`)`),
		task.ID, task.UserID, task.DeviceID, task.Title, task.Description, task.Status,
		string(payload), nullString(task.IdempotencyKey), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CreateTaskForClaim inserts task and binds the claim to it in a single
// transaction. The bind only succeeds while the claim is still unbound; when
// another request bound it first, the insert is rolled back and the task the
// claim points at is returned with created=false.
func (s *Store) CreateTaskForClaim(ctx context.Context, task *models.Task, key models.ClaimKey) (*models.Task, bool, error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO tasks (`+taskColumns+`) VALUES (`+placeholders(10)+`)`),
		task.ID, task.UserID, task.DeviceID, task.Title, task.Description, task.Status,
		string(payload), nullString(task.IdempotencyKey), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}

	result, err := tx.ExecContext(ctx, s.q(
		`UPDATE idempotency_claims SET resource_id = ?
		 WHERE user_id = ? AND endpoint = ? AND idem_key = ? AND body_hash = ? AND resource_id IS NULL`),
		task.ID, key.UserID, key.Endpoint, key.Key, key.BodyHash,
	)
	if err != nil {
		return nil, false, fmt.Errorf("bind claim: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// The transaction must be released before reading through s.db;
		// SQLite runs on a single connection.
		tx.Rollback()
		claim, err := s.FindClaim(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !claim.Bound() {
			return nil, false, ErrClaimLost
		}
		existing, err := s.GetTask(ctx, claim.ResourceID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("claim bound to missing task %s", claim.ResourceID)
		}
		return existing, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}
	return task, true, nil
}

// GetTask retrieves a task by ID. It returns nil, nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// GetTaskForUser retrieves a task only when it belongs to userID.
func (s *Store) GetTaskForUser(ctx context.Context, id, userID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`), id, userID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks newest first, filtered by f.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []interface{}

	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	return s.queryTasks(ctx, query, args...)
}

// PendingTasksForDevice returns queued and assigned tasks for a device in
// creation order.
func (s *Store) PendingTasksForDevice(ctx context.Context, deviceID string) ([]models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE device_id = ? AND status IN (?, ?) ORDER BY created_at ASC, id ASC`,
		deviceID, models.TaskStatusQueued, models.TaskStatusAssigned,
	)
}

// TransitionTask moves a task to status to, but only from a status the state
// machine allows. It reports whether a row changed.
func (s *Store) TransitionTask(ctx context.Context, id string, to models.TaskStatus) (bool, error) {
	return s.transitionFrom(ctx, id, to, models.SourcesFor(to))
}

// MarkAssigned flips a task from queued to assigned after a successful send.
func (s *Store) MarkAssigned(ctx context.Context, id string) (bool, error) {
	return s.transitionFrom(ctx, id, models.TaskStatusAssigned, []models.TaskStatus{models.TaskStatusQueued})
}

// TransitionTaskFrom moves a task from exactly status from to status to.
func (s *Store) TransitionTaskFrom(ctx context.Context, id string, from, to models.TaskStatus) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, nil
	}
	return s.transitionFrom(ctx, id, to, []models.TaskStatus{from})
}

func (s *Store) transitionFrom(ctx context.Context, id string, to models.TaskStatus, from []models.TaskStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []interface{}{to, time.Now().UTC(), id}
	for _, st := range from {
		args = append(args, st)
	}
	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders(len(from))+`)`),
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FinishTask closes a live task with a device-reported outcome and appends
// the per-action logs. Only queued, assigned and in-progress tasks owned by
// deviceID are affected; it reports whether the task changed.
func (s *Store) FinishTask(ctx context.Context, id, deviceID string, status models.TaskStatus, logs []models.ActionLog) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.q(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND device_id = ? AND status IN (?, ?, ?)`),
		status, time.Now().UTC(), id, deviceID,
		models.TaskStatusQueued, models.TaskStatusAssigned, models.TaskStatusInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	for i := range logs {
		if err := s.insertActionLog(ctx, tx, &logs[i]); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// --- Action Log Operations ---

// AppendActionLog records one action outcome.
func (s *Store) AppendActionLog(ctx context.Context, log *models.ActionLog) error {
	return s.insertActionLog(ctx, s.db, log)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertActionLog(ctx context.Context, ex execer, log *models.ActionLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO action_logs (id, task_id, device_id, action, result, actor, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.TaskID, log.DeviceID, nullJSON(log.Action), nullJSON(log.Result), log.Actor, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	return nil
}

// ListActionLogs returns the logs of a task in insertion order.
func (s *Store) ListActionLogs(ctx context.Context, taskID string) ([]models.ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, task_id, device_id, action, result, actor, created_at FROM action_logs WHERE task_id = ? ORDER BY created_at ASC`),
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query action logs: %w", err)
	}
	defer rows.Close()

	var logs []models.ActionLog
	for rows.Next() {
		var log models.ActionLog
		var action, result sql.NullString
		if err := rows.Scan(&log.ID, &log.TaskID, &log.DeviceID, &action, &result, &log.Actor, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		if action.Valid {
			log.Action = json.RawMessage(action.String)
		}
		if result.Valid {
			log.Result = json.RawMessage(result.String)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*models.Task, error) {
	var task models.Task
	var description, idemKey sql.NullString
	var payload string
	if err := row.Scan(&task.ID, &task.UserID, &task.DeviceID, &task.Title, &description, &task.Status,
		&payload, &idemKey, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Description = description.String
	task.IdempotencyKey = idemKey.String
	if err := json.Unmarshal([]byte(payload), &task.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &task, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

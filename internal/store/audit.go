package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/coact/internal/models"
	"github.com/google/uuid"
)

// --- Audit Operations ---

// WriteAuditEvent appends an audit event.
func (s *Store) WriteAuditEvent(ctx context.Context, action, actorID, subjectID, metadata, inputsHash string) (*models.AuditEvent, error) {
	event := &models.AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		ActorID:    actorID,
		SubjectID:  subjectID,
		Metadata:   metadata,
		InputsHash: inputsHash,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit_events (id, action, actor_id, subject_id, metadata, inputs_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		event.ID, event.Action, nullString(event.ActorID), nullString(event.SubjectID), nullString(event.Metadata),
		event.InputsHash, event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	return event, nil
}

// ListAuditEvents returns the most recent events, optionally for one subject.
func (s *Store) ListAuditEvents(ctx context.Context, subjectID string, limit int) ([]models.AuditEvent, error) {
	query := `SELECT id, action, actor_id, subject_id, metadata, inputs_hash, created_at FROM audit_events`
	var args []interface{}
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var actorID, subject, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &actorID, &subject, &metadata, &e.InputsHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ActorID = actorID.String
		e.SubjectID = subject.String
		e.Metadata = metadata.String
		events = append(events, e)
	}
	return events, rows.Err()
}

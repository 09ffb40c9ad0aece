package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/coact/internal/models"
	"github.com/google/uuid"
)

// --- Idempotency Claim Operations ---

// FindClaim returns the claim for key, or nil, nil when none exists.
func (s *Store) FindClaim(ctx context.Context, key models.ClaimKey) (*models.IdempotencyClaim, error) {
	claim := &models.IdempotencyClaim{}
	var resourceID sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, user_id, endpoint, idem_key, body_hash, resource_type, resource_id, created_at
		 FROM idempotency_claims WHERE user_id = ? AND endpoint = ? AND idem_key = ? AND body_hash = ?`),
		key.UserID, key.Endpoint, key.Key, key.BodyHash,
	).Scan(&claim.ID, &claim.UserID, &claim.Endpoint, &claim.Key, &claim.BodyHash, &claim.ResourceType, &resourceID, &claim.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query claim: %w", err)
	}
	claim.ResourceID = resourceID.String
	return claim, nil
}

// InsertClaim records an unbound claim. A concurrent or earlier claim with
// the same key yields ErrDuplicate.
func (s *Store) InsertClaim(ctx context.Context, key models.ClaimKey, resourceType string) (*models.IdempotencyClaim, error) {
	claim := &models.IdempotencyClaim{
		ID:           uuid.New().String(),
		UserID:       key.UserID,
		Endpoint:     key.Endpoint,
		Key:          key.Key,
		BodyHash:     key.BodyHash,
		ResourceType: resourceType,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO idempotency_claims (id, user_id, endpoint, idem_key, body_hash, resource_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		claim.ID, claim.UserID, claim.Endpoint, claim.Key, claim.BodyHash, claim.ResourceType, claim.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert claim: %w", err)
	}
	return claim, nil
}

// PurgeStaleClaims deletes unbound claims created before cutoff. Such claims
// belong to requests that died between claiming and creating.
func (s *Store) PurgeStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM idempotency_claims WHERE resource_id IS NULL AND created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge claims: %w", err)
	}
	return result.RowsAffected()
}

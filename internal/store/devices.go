package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/coact/internal/models"
	"github.com/google/uuid"
)

const deviceColumns = `id, user_id, name, platform, connection_status, last_seen, created_at`

// --- Device Operations ---

// CreateDevice enrolls a new device for userID.
func (s *Store) CreateDevice(ctx context.Context, userID, name, platform string) (*models.Device, error) {
	device := &models.Device{
		ID:               uuid.New().String(),
		UserID:           userID,
		Name:             name,
		Platform:         platform,
		ConnectionStatus: models.ConnectionOffline,
		CreatedAt:        time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO devices (id, user_id, name, platform, connection_status, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		device.ID, device.UserID, device.Name, nullString(device.Platform), device.ConnectionStatus, device.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return device, nil
}

// GetDevice retrieves a device by ID, or nil, nil when absent.
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	return s.getDevice(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
}

// GetDeviceForUser retrieves a device only when userID owns it.
func (s *Store) GetDeviceForUser(ctx context.Context, id, userID string) (*models.Device, error) {
	return s.getDevice(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *Store) getDevice(ctx context.Context, query string, args ...interface{}) (*models.Device, error) {
	device, err := scanDevice(s.db.QueryRowContext(ctx, s.q(query), args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return device, nil
}

// ListDevices returns the devices of a user, oldest first.
func (s *Store) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE user_id = ? ORDER BY created_at ASC`, userID)
}

// ListDevicesByStatus returns every device with the given durable status.
func (s *Store) ListDevicesByStatus(ctx context.Context, status models.ConnectionStatus) ([]models.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE connection_status = ?`, status)
}

// MarkDeviceSeen updates the durable last-seen time and connection status.
func (s *Store) MarkDeviceSeen(ctx context.Context, id string, status models.ConnectionStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE devices SET connection_status = ?, last_seen = ? WHERE id = ?`),
		status, at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

func scanDevice(row scanner) (*models.Device, error) {
	var device models.Device
	var platform sql.NullString
	var lastSeen sql.NullTime
	if err := row.Scan(&device.ID, &device.UserID, &device.Name, &platform, &device.ConnectionStatus, &lastSeen, &device.CreatedAt); err != nil {
		return nil, err
	}
	device.Platform = platform.String
	if lastSeen.Valid {
		t := lastSeen.Time
		device.LastSeen = &t
	}
	return &device, nil
}

func (s *Store) queryDevices(ctx context.Context, query string, args ...interface{}) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

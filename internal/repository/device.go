package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDevice is returned when a user has not registered a push token
var ErrNoDevice = errors.New("no device registered")

// DeviceRepository stores the APNs device token of each user
type DeviceRepository struct {
	db *pgxpool.Pool
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// UpdatePushToken registers pushToken as the device of userID
func (r *DeviceRepository) UpdatePushToken(ctx context.Context, userID, pushToken string) error {
	query := `
		INSERT INTO devices (user_id, push_token)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET push_token = EXCLUDED.push_token, updated_at = now()
	`
	if _, err := r.db.Exec(ctx, query, userID, pushToken); err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	return nil
}

// GetPushToken returns the device token of userID
func (r *DeviceRepository) GetPushToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := r.db.QueryRow(ctx, `SELECT push_token FROM devices WHERE user_id = $1`, userID).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoDevice
		}
		return "", fmt.Errorf("failed to get push token: %w", err)
	}
	return token, nil
}

// DeletePushToken forgets the device of userID, used on sign-out
func (r *DeviceRepository) DeletePushToken(ctx context.Context, userID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM devices WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete push token: %w", err)
	}
	return nil
}

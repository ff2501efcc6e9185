package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatwire.app/sessiond/internal/model"
)

type channelStore struct {
	pool *pgxpool.Pool
}

// NewChannelStore returns a ChannelStore backed by one tenant's database pool.
func NewChannelStore(pool *pgxpool.Pool) ChannelStore {
	return &channelStore{pool: pool}
}

func (s *channelStore) GetByID(ctx context.Context, id string) (*model.Channel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, status, qr_code, qr_code_expires_at,
		       phone_number, auth_state, error_message, is_active,
		       last_connected_at, verified_at, updated_at
		FROM channels
		WHERE id = $1`, id)

	var ch model.Channel
	err := row.Scan(
		&ch.ID, &ch.OrganizationID, &ch.Status, &ch.QRCode, &ch.QRCodeExpiresAt,
		&ch.PhoneNumber, &ch.AuthState, &ch.ErrorMessage, &ch.IsActive,
		&ch.LastConnectedAt, &ch.VerifiedAt, &ch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting channel %s: %w", id, err)
	}
	return &ch, nil
}

func (s *channelStore) ApplyQRUpdate(ctx context.Context, id, qrCode string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET status = $2,
		    qr_code = $3,
		    qr_code_expires_at = $4,
		    updated_at = now()
		WHERE id = $1`,
		id, model.ChannelStatusPending, qrCode, expiresAt)
	if err != nil {
		return fmt.Errorf("applying qr update to channel %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *channelStore) ApplyConnected(ctx context.Context, id, phoneNumber string, connectedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET status = $2,
		    phone_number = $3,
		    is_active = TRUE,
		    last_connected_at = $4,
		    verified_at = COALESCE(verified_at, $4),
		    qr_code = NULL,
		    qr_code_expires_at = NULL,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1`,
		id, model.ChannelStatusConnected, phoneNumber, connectedAt)
	if err != nil {
		return fmt.Errorf("applying connected to channel %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *channelStore) ApplyDisconnected(ctx context.Context, id string, status model.ChannelStatus, errorMessage string) error {
	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET status = $2,
		    is_active = FALSE,
		    error_message = $3,
		    updated_at = now()
		WHERE id = $1`,
		id, status, errMsg)
	if err != nil {
		return fmt.Errorf("applying disconnected to channel %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *channelStore) GetAuthState(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT auth_state FROM channels WHERE id = $1`, id).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting auth state for channel %s: %w", id, err)
	}
	if len(blob) == 0 {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (s *channelStore) UpdateAuthState(ctx context.Context, id string, blob []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET auth_state = $2,
		    updated_at = now()
		WHERE id = $1`,
		id, blob)
	if err != nil {
		return fmt.Errorf("updating auth state for channel %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

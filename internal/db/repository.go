package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
)

// Repository records delivery attempts and terminal intent outcomes.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates an attempt repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// RecordAttempt upserts one delivery attempt row. The same attempt id is
// written again on each status transition (pending → sent|delivered|failed).
func (r *Repository) RecordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (
			id, intent_id, user_id, channel, attempt, status, error, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool().Exec(
		ctx,
		query,
		attempt.ID,
		attempt.IntentID,
		attempt.UserID,
		attempt.Channel.String(),
		attempt.Attempt,
		attempt.Status.String(),
		attempt.Error,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to record delivery attempt",
			zap.Error(err),
			zap.String("attempt_id", attempt.ID.String()),
		)
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempt history of one intent, oldest first.
func (r *Repository) ListAttempts(ctx context.Context, intentID uuid.UUID) ([]*domain.DeliveryAttempt, error) {
	query := `
		SELECT id, intent_id, user_id, channel, attempt, status, error, created_at, updated_at
		FROM delivery_attempts
		WHERE intent_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, intentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var channel, status string
		if err := rows.Scan(&a.ID, &a.IntentID, &a.UserID, &channel, &a.Attempt, &status, &a.Error, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Channel = domain.Channel(channel)
		a.Status = domain.AttemptStatus(status)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// RecordSuppression logs a preference suppression for audit. Suppressions
// are no-ops, not failures, but product wants them queryable.
func (r *Repository) RecordSuppression(ctx context.Context, userID uuid.UUID, eventType domain.EventType, at time.Time) error {
	query := `
		INSERT INTO suppressions (user_id, event_type, suppressed_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.Pool().Exec(ctx, query, userID, eventType.String(), at); err != nil {
		return fmt.Errorf("record suppression: %w", err)
	}
	return nil
}

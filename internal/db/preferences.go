package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/evaluator"
)

// defaultChannels is used when a user has no stored preference row for an
// event type. Notifications stay enabled until the user opts out.
var defaultChannels = []domain.Channel{domain.ChannelInApp, domain.ChannelEmail}

// PreferenceRepository resolves notification preferences and entity
// interest from Postgres.
type PreferenceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPreferenceRepository creates a preference repository.
func NewPreferenceRepository(db *DB, logger *zap.Logger) *PreferenceRepository {
	return &PreferenceRepository{db: db, logger: logger}
}

// GetPreferences returns the channel list and quiet-hours window for one
// (user, event type). A missing row falls back to the default channel set.
func (r *PreferenceRepository) GetPreferences(ctx context.Context, userID uuid.UUID, eventType domain.EventType) (*evaluator.Preferences, error) {
	query := `
		SELECT p.channels, u.quiet_start_minute, u.quiet_end_minute, u.timezone
		FROM users u
		LEFT JOIN notification_preferences p
			ON p.user_id = u.id AND p.event_type = $2
		WHERE u.id = $1
	`

	var rawChannels []string
	var quietStart, quietEnd *int
	var timezone *string
	err := r.db.Pool().QueryRow(ctx, query, userID, eventType.String()).
		Scan(&rawChannels, &quietStart, &quietEnd, &timezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("unknown user %s", userID)
		}
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	prefs := &evaluator.Preferences{}
	if rawChannels == nil {
		prefs.Channels = defaultChannels
	} else {
		for _, s := range rawChannels {
			ch, err := domain.ParseChannel(s)
			if err != nil {
				r.logger.Warn("skipping unknown preference channel",
					zap.String("user_id", userID.String()),
					zap.String("channel", s),
				)
				continue
			}
			prefs.Channels = append(prefs.Channels, ch)
		}
	}

	if quietStart != nil && quietEnd != nil {
		prefs.Quiet.StartMinute = *quietStart
		prefs.Quiet.EndMinute = *quietEnd
		if timezone != nil {
			loc, err := time.LoadLocation(*timezone)
			if err != nil {
				r.logger.Warn("invalid user timezone, using UTC",
					zap.String("user_id", userID.String()),
					zap.String("timezone", *timezone),
				)
			} else {
				prefs.Quiet.Location = loc
			}
		}
	}

	return prefs, nil
}

// InterestedUsers returns the users watching an entity (deal or goal).
func (r *PreferenceRepository) InterestedUsers(ctx context.Context, entityID string) ([]uuid.UUID, error) {
	query := `
		SELECT user_id
		FROM watchlist
		WHERE entity_id = $1
	`

	rows, err := r.db.Pool().Query(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("list interested users: %w", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

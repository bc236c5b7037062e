package entitlement

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
)

// Querier is the part of pgxpool.Pool the source needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource reads the subscriptions table. Expiry is judged by clk.
type PostgresSource struct {
	db    Querier
	clock clock.Clock
}

func NewPostgresSource(db Querier, clk clock.Clock) *PostgresSource {
	return &PostgresSource{db: db, clock: clk}
}

func (s *PostgresSource) GetEntitlement(ctx context.Context, userID uuid.UUID) (models.Entitlement, error) {
	var (
		tier      string
		status    string
		expiresAt *time.Time
	)
	q := `SELECT tier, status, expires_at FROM subscriptions WHERE user_id = $1`
	err := s.db.QueryRow(ctx, q, userID).Scan(&tier, &status, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultEntitlement, nil
	}
	if err != nil {
		return models.DefaultEntitlement, apperr.Transient(err, "query subscription")
	}

	active := status == "active" && (expiresAt == nil || expiresAt.After(s.clock.Now()))
	return models.Entitlement{Tier: normalizeTier(tier), Active: active}, nil
}

func normalizeTier(t string) models.Tier {
	switch models.Tier(t) {
	case models.TierPlus, models.TierPremium:
		return models.Tier(t)
	default:
		return models.TierFree
	}
}

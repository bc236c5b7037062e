// Package profile reads the user profile fields matchmaking needs.
package profile

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
)

// Lookup returns a user's display name and competitive record.
type Lookup interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (models.Profile, error)
}

// Querier is the part of pgxpool.Pool the lookup needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLookup reads the users table.
type PostgresLookup struct {
	db Querier
}

func NewPostgresLookup(db Querier) *PostgresLookup {
	return &PostgresLookup{db: db}
}

func (l *PostgresLookup) GetProfile(ctx context.Context, userID uuid.UUID) (models.Profile, error) {
	p := models.Profile{UserID: userID}
	var rank string
	q := `
	SELECT username, wins, games_played, rank
	FROM users
	WHERE id = $1
	`
	err := l.db.QueryRow(ctx, q, userID).Scan(&p.DisplayName, &p.Wins, &p.GamesPlayed, &rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, apperr.ErrProfileNotFound
	}
	if err != nil {
		return p, apperr.Transient(err, "query profile")
	}
	p.Rank = models.Rank(rank)
	return p, nil
}

// Static is an in-memory Lookup.
type Static struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]models.Profile
}

func NewStatic() *Static {
	return &Static{profiles: make(map[uuid.UUID]models.Profile)}
}

// Set stores p under p.UserID.
func (s *Static) Set(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *Static) GetProfile(_ context.Context, userID uuid.UUID) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.Profile{UserID: userID}, apperr.ErrProfileNotFound
	}
	return p, nil
}

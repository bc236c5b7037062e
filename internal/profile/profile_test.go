package profile

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/database"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	s := NewStatic()
	id := uuid.New()
	s.Set(models.Profile{UserID: id, DisplayName: "alice", Wins: 3, GamesPlayed: 5, Rank: "gold"})

	p, err := s.GetProfile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.DisplayName)

	_, err = s.GetProfile(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrProfileNotFound))
}

func TestPostgresLookup(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.ConnectDB(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, database.Migrate(ctx, pool))

	id := uuid.New()
	_, err = pool.Exec(ctx, `INSERT INTO users (id, username, wins, games_played, rank) VALUES ($1, 'bob', 7, 10, 'silver')`, id)
	require.NoError(t, err)

	l := NewPostgresLookup(pool)
	p, err := l.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.Profile{UserID: id, DisplayName: "bob", Wins: 7, GamesPlayed: 10, Rank: "silver"}, p)

	_, err = l.GetProfile(ctx, uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrProfileNotFound))
}

package lobby

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
)

const lobbyColumns = `
	id, host_user_id, player_user_id, status,
	name, game_mode, is_private, lobby_code,
	allow_spectators, max_spectators, matched, game_id,
	host_last_active_at, player_last_active_at, created_at, updated_at
`

// PostgresStore persists lobbies in the lobbies table and keeps active_lobbies
// in step inside the same transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func scanLobby(row pgx.Row) (*models.Lobby, error) {
	var (
		l      models.Lobby
		player *uuid.UUID
		code   *string
		gameID *uuid.UUID
		status string
	)
	err := row.Scan(
		&l.ID, &l.HostID, &player, &status,
		&l.Name, &l.GameMode, &l.IsPrivate, &code,
		&l.AllowSpectators, &l.MaxSpectators, &l.Matched, &gameID,
		&l.HostLastActiveAt, &l.PlayerLastActiveAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan lobby")
	}
	l.Status = models.LobbyStatus(status)
	if player != nil {
		l.PlayerID = *player
	}
	if code != nil {
		l.Code = *code
	}
	if gameID != nil {
		l.GameID = *gameID
	}
	return &l, nil
}

func (s *PostgresStore) Create(ctx context.Context, l *models.Lobby) error {
	q := `
	INSERT INTO lobbies (` + lobbyColumns + `)
	VALUES ($1, $2, $3, $4,
	        $5, $6, $7, $8,
	        $9, $10, $11, $12,
	        $13, $14, $15, $16)
	`
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if l.Code != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO lobby_codes (code, issued_at) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`,
				l.Code, l.CreatedAt)
			if err != nil {
				return errors.Wrap(err, "reserve lobby code")
			}
			if tag.RowsAffected() == 0 {
				return apperr.ErrCodeTaken
			}
		}
		_, err := tx.Exec(ctx, q,
			l.ID, l.HostID, nullableUUID(l.PlayerID), string(l.Status),
			l.Name, l.GameMode, l.IsPrivate, nullableString(l.Code),
			l.AllowSpectators, l.MaxSpectators, l.Matched, nullableUUID(l.GameID),
			l.HostLastActiveAt, l.PlayerLastActiveAt, l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "insert lobby")
		}
		claims, _ := syncPointers(nil, l)
		return claimPointers(ctx, tx, claims, l.ID)
	})
}

// claimPointers inserts user -> lobby pointers. An existing pointer to another
// lobby is kept and reported as apperr.ErrAlreadyActive; finished and deleted
// lobbies never leave pointers behind.
func claimPointers(ctx context.Context, tx pgx.Tx, userIDs []uuid.UUID, lobbyID uuid.UUID) error {
	q := `
	INSERT INTO active_lobbies (user_id, lobby_id)
	VALUES ($1, $2)
	ON CONFLICT (user_id) DO UPDATE SET lobby_id = active_lobbies.lobby_id
	RETURNING lobby_id
	`
	for _, u := range userIDs {
		var current uuid.UUID
		if err := tx.QueryRow(ctx, q, u, lobbyID).Scan(&current); err != nil {
			return errors.Wrap(err, "claim active lobby")
		}
		if current != lobbyID {
			return apperr.ErrAlreadyActive
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	q := `SELECT ` + lobbyColumns + ` FROM lobbies WHERE id = $1`
	return scanLobby(s.db.QueryRow(ctx, q, id))
}

func (s *PostgresStore) GetByCode(ctx context.Context, code string) (*models.Lobby, error) {
	q := `SELECT ` + lobbyColumns + ` FROM lobbies WHERE lobby_code = $1`
	return scanLobby(s.db.QueryRow(ctx, q, code))
}

func (s *PostgresStore) ActiveLobbyID(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT lobby_id FROM active_lobbies WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, apperr.Transient(err, "active lobby lookup")
	}
	return id, true, nil
}

func (s *PostgresStore) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*models.Lobby, error) {
	var out *models.Lobby
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		current, err := scanLobby(tx.QueryRow(ctx,
			`SELECT `+lobbyColumns+` FROM lobbies WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		working := current.Clone()
		op, err := fn(working)
		if err != nil {
			return err
		}

		switch op {
		case OpSave:
			if err := updateLobby(ctx, tx, working); err != nil {
				return err
			}
			claims, releases := syncPointers(current, working)
			if len(releases) > 0 {
				if _, err := tx.Exec(ctx,
					`DELETE FROM active_lobbies WHERE lobby_id = $1 AND user_id = ANY($2::uuid[])`,
					id, uuidStrings(releases)); err != nil {
					return errors.Wrap(err, "release active lobby")
				}
			}
			if err := claimPointers(ctx, tx, claims, id); err != nil {
				return err
			}
			out = working
		case OpDelete:
			// active_lobbies rows go with it via ON DELETE CASCADE.
			if _, err := tx.Exec(ctx, `DELETE FROM lobbies WHERE id = $1`, id); err != nil {
				return errors.Wrap(err, "delete lobby")
			}
			out = current
		default:
			out = current
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func updateLobby(ctx context.Context, tx pgx.Tx, l *models.Lobby) error {
	q := `
	UPDATE lobbies SET
		player_user_id = $2,
		status = $3,
		name = $4,
		allow_spectators = $5,
		max_spectators = $6,
		game_id = $7,
		host_last_active_at = $8,
		player_last_active_at = $9,
		updated_at = $10
	WHERE id = $1
	`
	_, err := tx.Exec(ctx, q,
		l.ID,
		nullableUUID(l.PlayerID),
		string(l.Status),
		l.Name,
		l.AllowSpectators,
		l.MaxSpectators,
		nullableUUID(l.GameID),
		l.HostLastActiveAt,
		l.PlayerLastActiveAt,
		l.UpdatedAt,
	)
	return errors.Wrap(err, "update lobby")
}

func (s *PostgresStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lobby_codes WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check lobby code")
	}
	return exists, nil
}

func (s *PostgresStore) ListStaleWaiting(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	q := `
	SELECT id
	  FROM lobbies
	 WHERE status = 'waiting'
	   AND created_at < $1
	   AND host_last_active_at < $1
	   AND (player_user_id IS NULL OR player_last_active_at < $1)
	 ORDER BY created_at
	 LIMIT $2
	`
	return s.listIDs(ctx, q, cutoff, limit)
}

func (s *PostgresStore) ListStalePlaying(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	q := `
	SELECT id
	  FROM lobbies
	 WHERE status = 'playing'
	   AND updated_at < $1
	 ORDER BY updated_at
	 LIMIT $2
	`
	return s.listIDs(ctx, q, cutoff, limit)
}

func (s *PostgresStore) listIDs(ctx context.Context, q string, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, q, cutoff, lim)
	if err != nil {
		return nil, errors.Wrap(err, "list stale lobbies")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan stale lobby")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

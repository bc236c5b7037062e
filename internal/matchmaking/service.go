// Package matchmaking is the call surface the application layer uses: queue
// membership plus the lobby operations players drive directly.
package matchmaking

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/jason-s-yu/cambia-matchmaking/internal/profile"
	"github.com/jason-s-yu/cambia-matchmaking/internal/queue"
	"github.com/jason-s-yu/cambia-matchmaking/internal/rating"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// JoinQueueResult reports whether the user now has a queue entry. Reason is
// the error code when they do not.
type JoinQueueResult struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

type LeaveQueueResult struct {
	Left bool `json:"left"`
}

// JoinTarget names a lobby either by id or by its private code.
type JoinTarget struct {
	LobbyID uuid.UUID `json:"lobbyId"`
	Code    string    `json:"lobbyCode"`
}

type Service struct {
	profiles profile.Lookup
	queue    *queue.Manager
	lobbies  *lobby.Manager
	log      logrus.FieldLogger
}

func NewService(profiles profile.Lookup, q *queue.Manager, lobbies *lobby.Manager, log logrus.FieldLogger) *Service {
	return &Service{profiles: profiles, queue: q, lobbies: lobbies, log: log}
}

// JoinQueue enqueues the user with a skill rating computed from their profile.
// Refusals the caller can act on (already queued, already in a lobby, bad
// profile data) come back as Queued=false with a Reason; only dependency
// failures are returned as errors.
func (s *Service) JoinQueue(ctx context.Context, userID uuid.UUID) (JoinQueueResult, error) {
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return refusal(err)
	}

	skill := rating.SkillOf(p)
	if _, err := s.queue.Enqueue(ctx, userID, p.DisplayName, skill); err != nil {
		return refusal(err)
	}
	return JoinQueueResult{Queued: true}, nil
}

func refusal(err error) (JoinQueueResult, error) {
	switch apperr.KindOf(err) {
	case apperr.KindConflict, apperr.KindValidation, apperr.KindNotFound:
		return JoinQueueResult{Reason: apperr.CodeOf(err)}, nil
	default:
		return JoinQueueResult{}, err
	}
}

func (s *Service) LeaveQueue(ctx context.Context, userID uuid.UUID) (LeaveQueueResult, error) {
	left, err := s.queue.Dequeue(ctx, userID)
	if err != nil {
		return LeaveQueueResult{}, err
	}
	return LeaveQueueResult{Left: left}, nil
}

func (s *Service) GetQueueStatus(ctx context.Context, userID uuid.UUID) (queue.Status, error) {
	return s.queue.Status(ctx, userID)
}

// CreateLobby opens a lobby hosted by the user. A queue entry the host still
// holds is withdrawn.
func (s *Service) CreateLobby(ctx context.Context, hostID uuid.UUID, opts models.LobbyOptions) (*models.Lobby, error) {
	l, err := s.lobbies.CreateLobby(ctx, hostID, opts)
	if err != nil {
		return nil, err
	}
	s.withdraw(ctx, hostID)
	return l, nil
}

// JoinLobby seats the user in the lobby named by exactly one of target's
// fields. A queue entry the user still holds is withdrawn.
func (s *Service) JoinLobby(ctx context.Context, userID uuid.UUID, target JoinTarget) (*models.Lobby, error) {
	code := strings.TrimSpace(target.Code)
	var (
		l   *models.Lobby
		err error
	)
	switch {
	case target.LobbyID != uuid.Nil && code != "":
		return nil, apperr.Validation("give either a lobby id or a lobby code, not both")
	case target.LobbyID != uuid.Nil:
		l, err = s.lobbies.JoinByID(ctx, userID, target.LobbyID)
	case code != "":
		l, err = s.lobbies.JoinByCode(ctx, userID, code)
	default:
		return nil, apperr.Validation("lobby id or lobby code is required")
	}
	if err != nil {
		return nil, err
	}
	s.withdraw(ctx, userID)
	return l, nil
}

// LeaveLobby leaves lobbyID, or the user's active lobby when lobbyID is Nil.
func (s *Service) LeaveLobby(ctx context.Context, userID, lobbyID uuid.UUID) error {
	return s.lobbies.Leave(ctx, userID, lobbyID)
}

func (s *Service) Heartbeat(ctx context.Context, userID, lobbyID uuid.UUID) error {
	return s.lobbies.Heartbeat(ctx, userID, lobbyID)
}

func (s *Service) CheckAbandonment(ctx context.Context, userID, lobbyID uuid.UUID) (lobby.Abandonment, error) {
	return s.lobbies.CheckAbandonment(ctx, lobbyID, userID)
}

func (s *Service) StartGame(ctx context.Context, hostID, lobbyID uuid.UUID) (*models.Lobby, error) {
	return s.lobbies.StartGame(ctx, hostID, lobbyID)
}

// RecordResult finishes the game in a lobby the user occupies. It serves
// deployments without an engine publishing results to Redis.
func (s *Service) RecordResult(ctx context.Context, userID, lobbyID uuid.UUID) (*models.Lobby, error) {
	l, err := s.lobbies.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !l.IsOccupant(userID) {
		return nil, apperr.ErrNotInLobby
	}
	return s.lobbies.RecordResult(ctx, lobbyID, l.GameID)
}

// GetLobby returns the lobby as viewerID may see it. The join code of a
// private lobby is only shown to its occupants.
func (s *Service) GetLobby(ctx context.Context, viewerID, lobbyID uuid.UUID) (*models.Lobby, error) {
	l, err := s.lobbies.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !l.IsOccupant(viewerID) {
		l.Code = ""
	}
	return l, nil
}

// GetActiveLobby returns the user's current lobby, or apperr.ErrNotFound.
func (s *Service) GetActiveLobby(ctx context.Context, userID uuid.UUID) (*models.Lobby, error) {
	l, ok, err := s.lobbies.ActiveLobby(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return l, nil
}

func (s *Service) withdraw(ctx context.Context, userID uuid.UUID) {
	if _, err := s.queue.Dequeue(ctx, userID); err != nil {
		s.log.WithError(errors.Wrap(err, "withdraw queue entry")).WithField("user_id", userID).Warn("queue entry left behind; the scheduler will evict it")
	}
}

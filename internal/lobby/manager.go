// internal/lobby/manager.go
package lobby

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/entitlement"
	"github.com/jason-s-yu/cambia-matchmaking/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Abandonment reasons.
const (
	ReasonHostAbandoned   = "host_abandoned"
	ReasonPlayerAbandoned = "player_abandoned"
	// ReasonLobbyClosed is reported when the lobby is already gone.
	ReasonLobbyClosed = "lobby_closed"

	closeHostLeft  = "host_left"
	closeInactive  = "inactive"
	closeCancelled = "cancelled"
	closeGameLost  = "game_expired"
)

const (
	maxNameLength  = 64
	maxCreateTries = 3
)

// GameStarter hands a full lobby to the game engine. Calls for the same lobby
// return the same game id.
type GameStarter interface {
	StartGame(ctx context.Context, lobbyID uuid.UUID) (uuid.UUID, error)
}

// Settings tune abandonment and sweeping.
type Settings struct {
	// InactivityThreshold is how stale a heartbeat must be to count as abandoned.
	InactivityThreshold time.Duration
	// SweepAge is the minimum age and idle time of a lobby removed by SweepInactive.
	SweepAge time.Duration
	// SweepLimit caps lobbies examined per sweep, per status.
	SweepLimit int
	// GameTimeout is how long a lobby may sit in playing without a result
	// before the sweep finishes it.
	GameTimeout time.Duration
}

var DefaultSettings = Settings{
	InactivityThreshold: 2 * time.Minute,
	SweepAge:            5 * time.Minute,
	SweepLimit:          100,
	GameTimeout:         2 * time.Hour,
}

// Abandonment is the outcome of CheckAbandonment.
type Abandonment struct {
	Abandoned bool   `json:"abandoned"`
	Reason    string `json:"reason,omitempty"`
}

// Manager drives the lobby state machine. Every transition is one Store.Mutate.
type Manager struct {
	store    Store
	ents     entitlement.Adapter
	quota    *Quota
	codes    *CodeGenerator
	starter  GameStarter
	events   Events
	metrics  metrics.Matchmaking
	clock    clock.Clock
	settings Settings
	log      logrus.FieldLogger
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithMetrics(mm metrics.Matchmaking) Option {
	return func(m *Manager) { m.metrics = mm }
}

func WithSettings(s Settings) Option {
	return func(m *Manager) { m.settings = s }
}

// WithEvents publishes lobby changes, e.g. to a Hub.
func WithEvents(e Events) Option {
	return func(m *Manager) { m.events = e }
}

func WithCodeGenerator(g *CodeGenerator) Option {
	return func(m *Manager) { m.codes = g }
}

func NewManager(store Store, ents entitlement.Adapter, quota *Quota, starter GameStarter, log logrus.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		ents:     ents,
		quota:    quota,
		codes:    NewCodeGenerator(),
		starter:  starter,
		events:   noopEvents{},
		metrics:  metrics.NewNoop(),
		clock:    clock.New(),
		settings: DefaultSettings,
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validateOptions(opts models.LobbyOptions) (models.LobbyOptions, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return opts, apperr.Validation("lobby name must not be empty")
	}
	if len(opts.Name) > maxNameLength {
		return opts, apperr.Validation("lobby name is too long")
	}
	switch opts.GameMode {
	case "":
		opts.GameMode = models.GameModeHeadToHead
	case models.GameModeHeadToHead, models.GameModeCustom:
	default:
		return opts, apperr.Validation("unknown game mode")
	}
	if opts.MaxSpectators < 0 {
		return opts, apperr.Validation("max spectators must not be negative")
	}
	if !opts.AllowSpectators {
		opts.MaxSpectators = 0
	}
	return opts, nil
}

// ActiveLobbyID reports the user's current non-finished lobby.
func (m *Manager) ActiveLobbyID(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	return m.store.ActiveLobbyID(ctx, userID)
}

// ActiveLobby returns the user's current non-finished lobby, if any.
func (m *Manager) ActiveLobby(ctx context.Context, userID uuid.UUID) (*models.Lobby, bool, error) {
	id, ok, err := m.store.ActiveLobbyID(ctx, userID)
	if err != nil || !ok {
		return nil, false, err
	}
	l, err := m.store.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

func (m *Manager) Get(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	return m.store.Get(ctx, lobbyID)
}

// CreateLobby opens a waiting lobby hosted by hostID. Private lobbies consume
// the host's daily quota and get a join code.
func (m *Manager) CreateLobby(ctx context.Context, hostID uuid.UUID, opts models.LobbyOptions) (*models.Lobby, error) {
	if hostID == uuid.Nil {
		return nil, apperr.Validation("host id is required")
	}
	opts, err := validateOptions(opts)
	if err != nil {
		return nil, err
	}
	if _, active, err := m.store.ActiveLobbyID(ctx, hostID); err != nil {
		return nil, err
	} else if active {
		return nil, apperr.ErrAlreadyActive
	}

	release := func(context.Context) {}
	if opts.IsPrivate {
		ent, err := m.ents.GetEntitlement(ctx, hostID)
		if err != nil {
			return nil, apperr.Transient(err, "entitlement lookup")
		}
		release, err = m.quota.Reserve(ctx, hostID, ent.EffectiveTier())
		if err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	l := &models.Lobby{
		ID:                 uuid.New(),
		HostID:             hostID,
		Status:             models.LobbyWaiting,
		Name:               opts.Name,
		GameMode:           opts.GameMode,
		IsPrivate:          opts.IsPrivate,
		AllowSpectators:    opts.AllowSpectators,
		MaxSpectators:      opts.MaxSpectators,
		HostLastActiveAt:   now,
		PlayerLastActiveAt: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	for try := 0; ; try++ {
		if opts.IsPrivate {
			l.Code, err = m.codes.Unique(ctx, m.store.CodeExists)
			if err != nil {
				break
			}
		}
		err = m.store.Create(ctx, l)
		// A code can be taken between the existence check and the insert.
		if !errors.Is(err, apperr.ErrCodeTaken) || try+1 >= maxCreateTries {
			break
		}
	}
	if err != nil {
		release(ctx)
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"lobby_id": l.ID,
		"host_id":  hostID,
		"private":  l.IsPrivate,
	}).Info("lobby created")
	return l, nil
}

// CreateMatchLobby opens a lobby for a queue pairing with both seats taken.
func (m *Manager) CreateMatchLobby(ctx context.Context, host, player models.QueueEntry) (*models.Lobby, error) {
	now := m.clock.Now()
	l := &models.Lobby{
		ID:                 uuid.New(),
		HostID:             host.UserID,
		PlayerID:           player.UserID,
		Status:             models.LobbyWaiting,
		Name:               host.DisplayName + " vs " + player.DisplayName,
		GameMode:           models.GameModeHeadToHead,
		Matched:            true,
		HostLastActiveAt:   now,
		PlayerLastActiveAt: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// JoinByID seats userID as the lobby's player. Re-joining a lobby the user
// already occupies is a no-op.
func (m *Manager) JoinByID(ctx context.Context, userID, lobbyID uuid.UUID) (*models.Lobby, error) {
	if userID == uuid.Nil {
		return nil, apperr.Validation("user id is required")
	}
	now := m.clock.Now()
	l, err := m.store.Mutate(ctx, lobbyID, func(l *models.Lobby) (Op, error) {
		if l.PlayerID == userID {
			return OpNone, nil
		}
		switch {
		case l.Status != models.LobbyWaiting:
			return OpNone, apperr.ErrNotJoinable
		case l.HostID == userID:
			return OpNone, apperr.ErrSelfJoin
		case l.HasPlayer():
			return OpNone, apperr.ErrFull
		}
		l.PlayerID = userID
		l.PlayerLastActiveAt = now
		l.UpdatedAt = now
		return OpSave, nil
	})
	if err != nil {
		return nil, err
	}
	m.events.LobbyUpdated(l)
	return l, nil
}

// JoinByCode resolves a private lobby code and joins it.
func (m *Manager) JoinByCode(ctx context.Context, userID uuid.UUID, code string) (*models.Lobby, error) {
	code = NormalizeCode(code)
	if len(code) != CodeLength {
		return nil, apperr.Validation("lobby code must be 6 characters")
	}
	l, err := m.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return m.JoinByID(ctx, userID, l.ID)
}

// Leave removes userID from the lobby. A leaving host closes the lobby; a
// leaving player frees the seat. lobbyID may be uuid.Nil to mean the user's
// active lobby. Leaving a lobby that no longer exists succeeds.
func (m *Manager) Leave(ctx context.Context, userID, lobbyID uuid.UUID) error {
	if userID == uuid.Nil {
		return apperr.Validation("user id is required")
	}
	if lobbyID == uuid.Nil {
		id, ok, err := m.store.ActiveLobbyID(ctx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		lobbyID = id
	}

	now := m.clock.Now()
	var closed bool
	l, err := m.store.Mutate(ctx, lobbyID, func(l *models.Lobby) (Op, error) {
		switch userID {
		case l.HostID:
			closed = true
			return OpDelete, nil
		case l.PlayerID:
			clearPlayer(l, now)
			return OpSave, nil
		default:
			return OpNone, apperr.ErrNotInLobby
		}
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if closed {
		m.events.LobbyClosed(lobbyID, closeHostLeft)
	} else {
		m.events.LobbyUpdated(l)
	}
	m.log.WithFields(logrus.Fields{
		"lobby_id": lobbyID,
		"user_id":  userID,
		"closed":   closed,
	}).Info("left lobby")
	return nil
}

// clearPlayer frees the player seat and puts the lobby back to waiting.
func clearPlayer(l *models.Lobby, now time.Time) {
	l.PlayerID = uuid.Nil
	l.Status = models.LobbyWaiting
	l.GameID = uuid.Nil
	l.UpdatedAt = now
}

// Heartbeat refreshes the caller's activity watermark. Lobbies that are not
// waiting are left untouched.
func (m *Manager) Heartbeat(ctx context.Context, userID, lobbyID uuid.UUID) error {
	now := m.clock.Now()
	_, err := m.store.Mutate(ctx, lobbyID, func(l *models.Lobby) (Op, error) {
		if !l.IsOccupant(userID) {
			return OpNone, apperr.ErrNotInLobby
		}
		if l.Status != models.LobbyWaiting {
			return OpNone, nil
		}
		if l.HostID == userID {
			l.HostLastActiveAt = now
		} else {
			l.PlayerLastActiveAt = now
		}
		return OpSave, nil
	})
	return err
}

func (m *Manager) stale(t, now time.Time) bool {
	return now.Sub(t) > m.settings.InactivityThreshold
}

// CheckAbandonment closes a waiting lobby whose host has gone quiet, or frees
// the seat of a quiet player. Only an occupant may ask, and the requester is
// never judged against itself.
func (m *Manager) CheckAbandonment(ctx context.Context, lobbyID, requesterID uuid.UUID) (Abandonment, error) {
	now := m.clock.Now()
	var res Abandonment
	l, err := m.store.Mutate(ctx, lobbyID, func(l *models.Lobby) (Op, error) {
		if !l.IsOccupant(requesterID) {
			return OpNone, apperr.ErrNotInLobby
		}
		if l.Status != models.LobbyWaiting {
			return OpNone, nil
		}
		if requesterID != l.HostID && m.stale(l.HostLastActiveAt, now) {
			res = Abandonment{Abandoned: true, Reason: ReasonHostAbandoned}
			return OpDelete, nil
		}
		if l.HasPlayer() && requesterID != l.PlayerID && m.stale(l.PlayerLastActiveAt, now) {
			res = Abandonment{Abandoned: true, Reason: ReasonPlayerAbandoned}
			clearPlayer(l, now)
			return OpSave, nil
		}
		return OpNone, nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return Abandonment{Abandoned: true, Reason: ReasonLobbyClosed}, nil
	}
	if err != nil {
		return Abandonment{}, err
	}
	if res.Abandoned {
		if res.Reason == ReasonHostAbandoned {
			m.events.LobbyClosed(lobbyID, res.Reason)
		} else {
			m.events.LobbyUpdated(l)
		}
		m.metrics.AddAbandoned(res.Reason)
		m.log.WithFields(logrus.Fields{
			"lobby_id": lobbyID,
			"reason":   res.Reason,
		}).Info("lobby abandonment")
	}
	return res, nil
}

// SweepInactive deletes waiting lobbies older than SweepAge with no heartbeat
// in that time, and finishes playing lobbies whose game has reported nothing
// for GameTimeout. It returns how many lobbies it closed.
func (m *Manager) SweepInactive(ctx context.Context) (int, error) {
	removed, err := m.sweepWaiting(ctx)
	if err != nil {
		return 0, err
	}
	expired, err := m.sweepPlaying(ctx)
	if err != nil {
		return removed, err
	}
	if total := removed + expired; total > 0 {
		m.metrics.AddSwept(total)
		m.log.WithFields(logrus.Fields{
			"removed": removed,
			"expired": expired,
		}).Info("swept inactive lobbies")
	}
	return removed + expired, nil
}

func (m *Manager) sweepWaiting(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().Add(-m.settings.SweepAge)
	ids, err := m.store.ListStaleWaiting(ctx, cutoff, m.settings.SweepLimit)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		var deleted bool
		_, err := m.store.Mutate(ctx, id, func(l *models.Lobby) (Op, error) {
			// Re-check: a heartbeat may have landed since the scan.
			if l.Status != models.LobbyWaiting || !l.CreatedAt.Before(cutoff) || !l.LastActivity().Before(cutoff) {
				return OpNone, nil
			}
			deleted = true
			return OpDelete, nil
		})
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			m.log.WithError(err).WithField("lobby_id", id).Warn("sweep failed for lobby")
			continue
		}
		if deleted {
			removed++
			m.events.LobbyClosed(id, closeInactive)
		}
	}
	return removed, nil
}

// sweepPlaying finishes lobbies stuck in playing, e.g. because the engine
// crashed before posting a result. The record is kept so a late result for
// the same game is still accepted.
func (m *Manager) sweepPlaying(ctx context.Context) (int, error) {
	if m.settings.GameTimeout <= 0 {
		return 0, nil
	}
	now := m.clock.Now()
	cutoff := now.Add(-m.settings.GameTimeout)
	ids, err := m.store.ListStalePlaying(ctx, cutoff, m.settings.SweepLimit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		var finished bool
		l, err := m.store.Mutate(ctx, id, func(l *models.Lobby) (Op, error) {
			if l.Status != models.LobbyPlaying || !l.UpdatedAt.Before(cutoff) {
				return OpNone, nil
			}
			l.Status = models.LobbyFinished
			l.UpdatedAt = now
			finished = true
			return OpSave, nil
		})
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			m.log.WithError(err).WithField("lobby_id", id).Warn("sweep failed for lobby")
			continue
		}
		if finished {
			expired++
			m.log.WithFields(logrus.Fields{
				"lobby_id": id,
				"game_id":  l.GameID,
				"reason":   closeGameLost,
			}).Warn("finished lobby with no game result")
			m.events.LobbyUpdated(l)
		}
	}
	return expired, nil
}

// StartGame is the host starting a full waiting lobby.
func (m *Manager) StartGame(ctx context.Context, hostID, lobbyID uuid.UUID) (*models.Lobby, error) {
	l, err := m.store.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if l.HostID != hostID {
		return nil, apperr.ErrNotHost
	}
	if l.Status == models.LobbyPlaying {
		return l, nil
	}
	if l.Status != models.LobbyWaiting || !l.HasPlayer() {
		return nil, apperr.ErrWrongState
	}

	gameID, err := m.starter.StartGame(ctx, lobbyID)
	if err != nil {
		return nil, apperr.Transient(err, "start game")
	}
	return m.MarkPlaying(ctx, lobbyID, gameID)
}

// MarkPlaying records the started game and moves the lobby to playing.
func (m *Manager) MarkPlaying(ctx context.Context, lobbyID, gameID uuid.UUID) (*models.Lobby, error) {
	now := m.clock.Now()
	l, err := m.store.Mutate(ctx, lobbyID, func(l *models.Lobby) (Op, error) {
		if l.Status == models.LobbyPlaying && l.GameID == gameID {
			return OpNone, nil
		}
		if l.Status != models.LobbyWaiting || !l.HasPlayer() {
			return OpNone, apperr.ErrWrongState
		}
		l.Status = models.LobbyPlaying
		l.GameID = gameID
		l.UpdatedAt = now
		return OpSave, nil
	})
	if err != nil {
		return nil, err
	}
	m.events.LobbyUpdated(l)
	return l, nil
}

// RecordResult finishes a playing lobby, releasing both occupants. A result
// for any game other than the lobby's current one is rejected.
func (m *Manager) RecordResult(ctx context.Context, lobbyID, gameID uuid.UUID) (*models.Lobby, error) {
	now := m.clock.Now()
	l, err := m.store.Mutate(ctx, lobbyID, func(l *models.Lobby) (Op, error) {
		if l.GameID != gameID {
			return OpNone, apperr.ErrWrongState
		}
		if l.Status == models.LobbyFinished {
			return OpNone, nil
		}
		if l.Status != models.LobbyPlaying {
			return OpNone, apperr.ErrWrongState
		}
		l.Status = models.LobbyFinished
		l.UpdatedAt = now
		return OpSave, nil
	})
	if err != nil {
		return nil, err
	}
	m.events.LobbyUpdated(l)
	return l, nil
}

// Delete removes a lobby outright. Used to undo a failed pairing.
func (m *Manager) Delete(ctx context.Context, lobbyID uuid.UUID) error {
	_, err := m.store.Mutate(ctx, lobbyID, func(*models.Lobby) (Op, error) {
		return OpDelete, nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.events.LobbyClosed(lobbyID, closeCancelled)
	return nil
}

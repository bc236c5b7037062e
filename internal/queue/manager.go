package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is how long an entry may wait before it expires.
const DefaultTimeout = 10 * time.Minute

// ActiveLobbyFinder reports a user's current non-finished lobby.
type ActiveLobbyFinder interface {
	ActiveLobbyID(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
}

// Notifier is woken whenever an entry joins the queue.
type Notifier interface {
	Kick()
}

// Status is a user's view of their queue entry.
type Status struct {
	InQueue       bool               `json:"in_queue"`
	Status        models.QueueStatus `json:"status,omitempty"`
	JoinedAt      *time.Time         `json:"joined_at,omitempty"`
	TimeoutAt     *time.Time         `json:"timeout_at,omitempty"`
	TimeRemaining time.Duration      `json:"time_remaining,omitempty"`
}

// Manager admits players to the queue and arms the triggers each entry needs:
// a scheduler wake-up and an expiry at TimeoutAt.
type Manager struct {
	store   Store
	lobbies ActiveLobbyFinder
	notify  Notifier
	clock   clock.Clock
	timeout time.Duration
	log     logrus.FieldLogger

	// timers holds the expiry timer of every live entry, keyed by entry ID.
	timersMu sync.Mutex
	timers   map[string]*clock.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithClock replaces the wall clock, e.g. with clock.NewMock in tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func NewManager(store Store, lobbies ActiveLobbyFinder, notify Notifier, log logrus.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		lobbies: lobbies,
		notify:  notify,
		clock:   clock.New(),
		timeout: DefaultTimeout,
		log:     log,
		timers:  make(map[string]*clock.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying store to the scheduler.
func (m *Manager) Store() Store {
	return m.store
}

// Enqueue creates a waiting entry for the user. It fails with
// apperr.ErrAlreadyQueued or apperr.ErrAlreadyInLobby.
func (m *Manager) Enqueue(ctx context.Context, userID uuid.UUID, displayName string, skill float64) (models.QueueEntry, error) {
	displayName = strings.TrimSpace(displayName)
	if userID == uuid.Nil {
		return models.QueueEntry{}, apperr.Validation("user id is required")
	}
	if displayName == "" {
		return models.QueueEntry{}, apperr.Validation("display name must not be empty")
	}

	if _, err := m.store.Get(ctx, userID); err == nil {
		// An overdue entry, e.g. one stranded by a failed pass, gives way.
		expired, err := m.ExpireIfDue(ctx, userID)
		if err != nil {
			return models.QueueEntry{}, err
		}
		if !expired {
			return models.QueueEntry{}, apperr.ErrAlreadyQueued
		}
	} else if !errors.Is(err, apperr.ErrNotQueued) {
		return models.QueueEntry{}, err
	}

	if _, active, err := m.lobbies.ActiveLobbyID(ctx, userID); err != nil {
		return models.QueueEntry{}, errors.Wrap(err, "check active lobby")
	} else if active {
		return models.QueueEntry{}, apperr.ErrAlreadyInLobby
	}

	now := m.clock.Now()
	entry := models.QueueEntry{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		UserID:      userID,
		DisplayName: displayName,
		SkillRating: skill,
		JoinedAt:    now,
		TimeoutAt:   now.Add(m.timeout),
		Status:      models.QueueWaiting,
	}
	if err := m.store.Insert(ctx, entry); err != nil {
		return models.QueueEntry{}, err
	}

	m.armTimeout(entry)
	m.notify.Kick()

	m.log.WithFields(logrus.Fields{
		"user_id": userID,
		"entry":   entry.ID,
		"skill":   skill,
	}).Debug("queue entry created")
	return entry, nil
}

// Dequeue removes the user's entry. It is idempotent.
func (m *Manager) Dequeue(ctx context.Context, userID uuid.UUID) (bool, error) {
	e, err := m.store.Get(ctx, userID)
	if errors.Is(err, apperr.ErrNotQueued) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	removed, err := m.store.Delete(ctx, userID)
	if err != nil {
		return false, err
	}
	// Only the timer of the entry read above is stopped. If a newer entry
	// slipped in between, its timer stays armed and fires as a no-op.
	m.disarmTimeout(e.ID)
	return removed, nil
}

// ExpireIfDue removes the entry only if its timeout has passed. Entries that
// are mid-pairing or were re-created later are left alone.
func (m *Manager) ExpireIfDue(ctx context.Context, userID uuid.UUID) (bool, error) {
	expired, err := m.store.DeleteIfDue(ctx, userID, m.clock.Now())
	if err != nil {
		return false, err
	}
	if expired {
		m.log.WithField("user_id", userID).Info("queue entry expired")
	}
	return expired, nil
}

// Status reports the user's entry, if any.
func (m *Manager) Status(ctx context.Context, userID uuid.UUID) (Status, error) {
	e, err := m.store.Get(ctx, userID)
	if errors.Is(err, apperr.ErrNotQueued) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	remaining := e.TimeoutAt.Sub(m.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		InQueue:       true,
		Status:        e.Status,
		JoinedAt:      &e.JoinedAt,
		TimeoutAt:     &e.TimeoutAt,
		TimeRemaining: remaining,
	}, nil
}

// armTimeout schedules ExpireIfDue at the entry's TimeoutAt. Timers belong to
// one entry each, so a late arm for an old entry never touches a newer one.
func (m *Manager) armTimeout(e models.QueueEntry) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if _, ok := m.timers[e.ID]; ok {
		return
	}
	m.timers[e.ID] = m.clock.AfterFunc(e.TimeoutAt.Sub(m.clock.Now()), func() {
		m.forgetTimeout(e.ID)
		if _, err := m.ExpireIfDue(context.Background(), e.UserID); err != nil {
			m.log.WithError(err).WithField("user_id", e.UserID).Warn("queue expiry failed")
		}
	})
}

// disarmTimeout stops and forgets an entry's timer.
func (m *Manager) disarmTimeout(entryID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[entryID]; ok {
		t.Stop()
		delete(m.timers, entryID)
	}
}

func (m *Manager) forgetTimeout(entryID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	delete(m.timers, entryID)
}

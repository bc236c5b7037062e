// Package scheduler runs matchmaking passes: it pulls waiting queue entries,
// pairs them with the matching engine and turns each pair into a lobby.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/entitlement"
	"github.com/jason-s-yu/cambia-matchmaking/internal/matching"
	"github.com/jason-s-yu/cambia-matchmaking/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/jason-s-yu/cambia-matchmaking/internal/queue"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrPassInFlight is returned by RunOnce when another pass holds the scheduler.
var ErrPassInFlight = errors.New("scheduler pass already in flight")

// Rollback reasons, used as the metrics label.
const (
	rollbackLobbyCreate = "lobby_create"
	rollbackLeftQueue   = "left_queue"
	rollbackGameStart   = "game_start"
	rollbackMarkPlaying = "mark_playing"
	rollbackBusy        = "already_active"
)

// Queue is the slice of queue.Manager the scheduler drives.
type Queue interface {
	Store() queue.Store
	Dequeue(ctx context.Context, userID uuid.UUID) (bool, error)
	ExpireIfDue(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Lobbies is the slice of lobby.Manager the scheduler drives.
type Lobbies interface {
	ActiveLobbyID(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
	CreateMatchLobby(ctx context.Context, host, player models.QueueEntry) (*models.Lobby, error)
	MarkPlaying(ctx context.Context, lobbyID, gameID uuid.UUID) (*models.Lobby, error)
	Delete(ctx context.Context, lobbyID uuid.UUID) error
}

// GameStarter allocates a game for a lobby. Repeat calls for one lobby return
// the same game id.
type GameStarter interface {
	StartGame(ctx context.Context, lobbyID uuid.UUID) (uuid.UUID, error)
}

type Settings struct {
	Debounce           time.Duration
	Reschedule         time.Duration
	PageSize           int
	Concurrency        int
	EntitlementTimeout time.Duration
}

var DefaultSettings = Settings{
	Debounce:           2 * time.Second,
	Reschedule:         8 * time.Second,
	PageSize:           100,
	Concurrency:        16,
	EntitlementTimeout: 1500 * time.Millisecond,
}

// Report summarises one pass.
type Report struct {
	Candidates int
	Expired    int
	Evicted    int
	Pairs      int
	Rollbacks  int
	Residual   int
	Waiting    int
}

// Wakeup carries enqueue notifications to the scheduler loop. Kicks that
// arrive while one is pending collapse into it.
type Wakeup struct {
	ch chan struct{}
}

func NewWakeup() *Wakeup {
	return &Wakeup{ch: make(chan struct{}, 1)}
}

func (w *Wakeup) Kick() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

type Scheduler struct {
	queue    Queue
	lobbies  Lobbies
	ents     entitlement.Adapter
	starter  GameStarter
	wake     *Wakeup
	settings Settings
	clock    clock.Clock
	metrics  metrics.Matchmaking
	tracer   trace.Tracer
	log      logrus.FieldLogger

	running sync.Mutex
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithMetrics(mm metrics.Matchmaking) Option {
	return func(s *Scheduler) { s.metrics = mm }
}

func WithSettings(settings Settings) Option {
	return func(s *Scheduler) { s.settings = settings }
}

func New(q Queue, lobbies Lobbies, ents entitlement.Adapter, starter GameStarter, wake *Wakeup, log logrus.FieldLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:    q,
		lobbies:  lobbies,
		ents:     ents,
		starter:  starter,
		wake:     wake,
		settings: DefaultSettings,
		clock:    clock.New(),
		metrics:  metrics.NewNoop(),
		tracer:   otel.Tracer("scheduler"),
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run waits for wake-ups and runs passes until ctx is cancelled. A wake-up
// schedules a pass after the debounce delay; a pass that leaves two or more
// entries waiting schedules the next one after the reschedule delay. With
// nothing scheduled the loop idles.
func (s *Scheduler) Run(ctx context.Context) {
	var (
		timer *clock.Timer
		due   <-chan time.Time
		dueAt time.Time
	)
	arm := func(d time.Duration) {
		if timer != nil {
			timer.Stop()
		}
		timer = s.clock.Timer(d)
		due = timer.C
		dueAt = s.clock.Now().Add(d)
	}

	s.log.Info("matchmaking scheduler started")
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.log.Info("matchmaking scheduler stopped")
			return
		case <-s.wake.ch:
			// Pull a pending reschedule forward; never push one back.
			if timer == nil || dueAt.After(s.clock.Now().Add(s.settings.Debounce)) {
				arm(s.settings.Debounce)
			}
		case <-due:
			timer, due = nil, nil
			report, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.log.WithError(err).Warn("scheduler pass failed")
				arm(s.settings.Reschedule)
				continue
			}
			if report.Waiting >= 2 {
				arm(s.settings.Reschedule)
			}
		}
	}
}

// RunOnce performs a single pass. Only one pass runs at a time; a concurrent
// call returns ErrPassInFlight.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		return Report{}, ErrPassInFlight
	}
	defer s.running.Unlock()

	ctx, span := s.tracer.Start(ctx, "scheduler.pass")
	defer span.End()

	start := s.clock.Now()
	var report Report

	entries, err := s.queue.Store().ListWaiting(ctx, s.settings.PageSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return report, errors.Wrap(err, "list waiting entries")
	}

	eligible := s.screen(ctx, entries, start, &report)
	report.Candidates = len(eligible)

	ents := s.fetchEntitlements(ctx, eligible)
	candidates := make([]matching.Candidate, len(eligible))
	for i, e := range eligible {
		candidates[i] = matching.Candidate{Entry: e, Entitlement: ents[i]}
	}

	result := matching.Match(candidates, start)
	report.Residual = len(result.Residual)
	for _, pair := range result.Pairs {
		if ctx.Err() != nil {
			break
		}
		switch s.consume(ctx, pair) {
		case outcomePaired:
			report.Pairs++
		case outcomeRolledBack:
			report.Rollbacks++
		}
	}

	waiting, err := s.queue.Store().CountWaiting(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return report, errors.Wrap(err, "count waiting entries")
	}
	report.Waiting = waiting

	elapsed := s.clock.Now().Sub(start)
	s.metrics.QueueDepth(waiting)
	s.metrics.ObservePass(elapsed, report.Candidates)
	s.metrics.AddPairs(report.Pairs)

	span.SetAttributes(
		attribute.Int("candidates", report.Candidates),
		attribute.Int("pairs", report.Pairs),
		attribute.Int("rollbacks", report.Rollbacks),
	)
	s.log.WithFields(logrus.Fields{
		"candidates": report.Candidates,
		"expired":    report.Expired,
		"evicted":    report.Evicted,
		"pairs":      report.Pairs,
		"rollbacks":  report.Rollbacks,
		"residual":   report.Residual,
		"waiting":    report.Waiting,
		"elapsed":    elapsed,
	}).Debug("scheduler pass complete")
	return report, nil
}

// screen drops entries past their timeout and those whose user holds an
// active lobby. Both kinds are removed from the queue.
func (s *Scheduler) screen(ctx context.Context, entries []models.QueueEntry, now time.Time, report *Report) []models.QueueEntry {
	eligible := make([]models.QueueEntry, 0, len(entries))
	for _, e := range entries {
		log := s.log.WithField("user_id", e.UserID)
		if !e.TimeoutAt.After(now) {
			expired, err := s.queue.ExpireIfDue(ctx, e.UserID)
			if err != nil {
				log.WithError(err).Warn("failed to expire queue entry")
			} else if expired {
				report.Expired++
			}
			continue
		}

		_, active, err := s.lobbies.ActiveLobbyID(ctx, e.UserID)
		if err != nil {
			log.WithError(err).Warn("active lobby lookup failed; skipping entry this pass")
			continue
		}
		if active {
			if _, err := s.queue.Dequeue(ctx, e.UserID); err != nil {
				log.WithError(err).Warn("failed to dequeue lobby holder")
				continue
			}
			report.Evicted++
			continue
		}
		eligible = append(eligible, e)
	}
	return eligible
}

// fetchEntitlements looks up every entry's entitlement concurrently. A failed
// lookup is treated as the free tier for this pass.
func (s *Scheduler) fetchEntitlements(ctx context.Context, entries []models.QueueEntry) []models.Entitlement {
	out := make([]models.Entitlement, len(entries))
	var g errgroup.Group
	g.SetLimit(s.settings.Concurrency)
	for i, e := range entries {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.settings.EntitlementTimeout)
			defer cancel()
			ent, err := s.ents.GetEntitlement(cctx, e.UserID)
			if err != nil {
				s.metrics.AddEntitlementFailure()
				s.log.WithError(err).WithField("user_id", e.UserID).Warn("entitlement lookup failed; matching as free tier")
				ent = models.DefaultEntitlement
			}
			out[i] = ent
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePaired
	outcomeRolledBack
)

// consume turns a pair into a playing lobby. Both entries are claimed by
// moving them to matched; any later failure undoes the lobby and returns
// the entries to waiting.
func (s *Scheduler) consume(ctx context.Context, p matching.Pair) outcome {
	host, player := p.A.Entry, p.B.Entry
	store := s.queue.Store()
	log := s.log.WithFields(logrus.Fields{"host_id": host.UserID, "player_id": player.UserID})

	claimed, err := store.CompareAndSetStatus(ctx, host.UserID, models.QueueWaiting, models.QueueMatched)
	if err != nil || !claimed {
		return outcomeSkipped
	}
	claimed, err = store.CompareAndSetStatus(ctx, player.UserID, models.QueueWaiting, models.QueueMatched)
	if err != nil || !claimed {
		s.release(ctx, log, host.UserID)
		return outcomeSkipped
	}

	l, err := s.lobbies.CreateMatchLobby(ctx, host, player)
	if errors.Is(err, apperr.ErrAlreadyActive) {
		// One of them opened a lobby after screening. Holders leave the queue.
		s.settleBusy(ctx, log, host.UserID, player.UserID)
		s.metrics.AddRollback(rollbackBusy)
		return outcomeRolledBack
	}
	if err != nil {
		return s.rollback(ctx, log, rollbackLobbyCreate, err, uuid.Nil, host.UserID, player.UserID)
	}

	// A Dequeue may have landed while the lobby was being created.
	for _, uid := range []uuid.UUID{host.UserID, player.UserID} {
		if e, err := store.Get(ctx, uid); err != nil || e.Status != models.QueueMatched {
			return s.rollback(ctx, log, rollbackLeftQueue, err, l.ID, host.UserID, player.UserID)
		}
	}

	gameID, err := s.starter.StartGame(ctx, l.ID)
	if err != nil {
		return s.rollback(ctx, log, rollbackGameStart, err, l.ID, host.UserID, player.UserID)
	}
	if _, err := s.lobbies.MarkPlaying(ctx, l.ID, gameID); err != nil {
		return s.rollback(ctx, log, rollbackMarkPlaying, err, l.ID, host.UserID, player.UserID)
	}

	for _, uid := range []uuid.UUID{host.UserID, player.UserID} {
		if _, err := s.queue.Dequeue(ctx, uid); err != nil {
			log.WithError(err).WithField("user_id", uid).Warn("failed to remove matched entry")
		}
	}
	log.WithFields(logrus.Fields{"lobby_id": l.ID, "game_id": gameID}).Info("players matched")
	return outcomePaired
}

// rollback deletes the half-built lobby, if any, and returns both entries to
// waiting. Entries that were removed meanwhile stay removed.
func (s *Scheduler) rollback(ctx context.Context, log logrus.FieldLogger, reason string, cause error, lobbyID uuid.UUID, users ...uuid.UUID) outcome {
	log = log.WithField("reason", reason)
	if cause != nil {
		log = log.WithError(cause)
	}
	if lobbyID != uuid.Nil {
		if err := s.lobbies.Delete(ctx, lobbyID); err != nil {
			log.WithError(err).WithField("lobby_id", lobbyID).Error("failed to delete lobby during rollback")
		}
	}
	for _, uid := range users {
		s.release(ctx, log, uid)
	}
	s.metrics.AddRollback(reason)
	log.Warn("pairing rolled back")
	return outcomeRolledBack
}

func (s *Scheduler) release(ctx context.Context, log logrus.FieldLogger, userID uuid.UUID) {
	if _, err := s.queue.Store().CompareAndSetStatus(ctx, userID, models.QueueMatched, models.QueueWaiting); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("failed to return entry to waiting")
	}
}

func (s *Scheduler) settleBusy(ctx context.Context, log logrus.FieldLogger, users ...uuid.UUID) {
	for _, uid := range users {
		_, active, err := s.lobbies.ActiveLobbyID(ctx, uid)
		if err == nil && active {
			if _, err := s.queue.Dequeue(ctx, uid); err != nil {
				log.WithError(err).WithField("user_id", uid).Warn("failed to dequeue lobby holder")
			}
			continue
		}
		s.release(ctx, log, uid)
	}
}

// internal/lobby/lobby_store.go
package lobby

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
)

// lobbyRecord guards one lobby. active and deleted are readable without mu so
// a pointer claim on another lobby never has to take this lock.
type lobbyRecord struct {
	mu      sync.Mutex
	lobby   *models.Lobby
	active  atomic.Bool
	deleted atomic.Bool
}

// MemoryStore keeps lobbies in memory with a lock per lobby. Pointers and
// codes live in their own maps and are claimed with compare-and-swap.
type MemoryStore struct {
	lobbies sync.Map // lobby id -> *lobbyRecord
	active  sync.Map // user id -> lobby id
	codes   sync.Map // live code -> lobby id
	issued  sync.Map // every code ever issued -> struct{}
}

// NewMemoryStore initializes and returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) record(id uuid.UUID) (*lobbyRecord, bool) {
	v, ok := s.lobbies.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*lobbyRecord), true
}

// isLive reports whether the lobby exists and is not finished, without locking it.
func (s *MemoryStore) isLive(id uuid.UUID) bool {
	rec, ok := s.record(id)
	return ok && !rec.deleted.Load() && rec.active.Load()
}

// claim points userID at lobbyID. Pointers left behind by finished or
// deleted lobbies are replaced.
func (s *MemoryStore) claim(userID, lobbyID uuid.UUID) error {
	for {
		v, loaded := s.active.LoadOrStore(userID, lobbyID)
		if !loaded {
			return nil
		}
		cur := v.(uuid.UUID)
		if cur == lobbyID {
			return nil
		}
		if s.isLive(cur) {
			return apperr.ErrAlreadyActive
		}
		s.active.CompareAndDelete(userID, cur)
	}
}

func (s *MemoryStore) releaseAll(userIDs []uuid.UUID, lobbyID uuid.UUID) {
	for _, u := range userIDs {
		s.active.CompareAndDelete(u, lobbyID)
	}
}

// claimAll claims every user or none.
func (s *MemoryStore) claimAll(userIDs []uuid.UUID, lobbyID uuid.UUID) error {
	for i, u := range userIDs {
		if err := s.claim(u, lobbyID); err != nil {
			s.releaseAll(userIDs[:i], lobbyID)
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Create(_ context.Context, l *models.Lobby) error {
	rec := &lobbyRecord{lobby: l.Clone()}
	rec.active.Store(l.IsActive())
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, loaded := s.lobbies.LoadOrStore(l.ID, rec); loaded {
		return apperr.Validation("lobby id already exists")
	}
	abort := func(err error) error {
		rec.deleted.Store(true)
		s.lobbies.CompareAndDelete(l.ID, rec)
		return err
	}

	if l.Code != "" {
		if _, loaded := s.issued.LoadOrStore(l.Code, struct{}{}); loaded {
			return abort(apperr.ErrCodeTaken)
		}
	}
	claims, _ := syncPointers(nil, l)
	if err := s.claimAll(claims, l.ID); err != nil {
		return abort(err)
	}
	if l.Code != "" {
		s.codes.Store(l.Code, l.ID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Lobby, error) {
	rec, ok := s.record(id)
	if !ok {
		return nil, apperr.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted.Load() {
		return nil, apperr.ErrNotFound
	}
	return rec.lobby.Clone(), nil
}

func (s *MemoryStore) GetByCode(ctx context.Context, code string) (*models.Lobby, error) {
	v, ok := s.codes.Load(code)
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.Get(ctx, v.(uuid.UUID))
}

func (s *MemoryStore) ActiveLobbyID(_ context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	v, ok := s.active.Load(userID)
	if !ok {
		return uuid.Nil, false, nil
	}
	id := v.(uuid.UUID)
	rec, ok := s.record(id)
	if ok {
		// Wait out an in-flight mutation of that lobby.
		rec.mu.Lock()
		live := !rec.deleted.Load() && rec.active.Load() && rec.lobby.IsOccupant(userID)
		rec.mu.Unlock()
		if live {
			return id, true, nil
		}
	}
	// Dangling pointer: heal it.
	s.active.CompareAndDelete(userID, id)
	return uuid.Nil, false, nil
}

func (s *MemoryStore) Mutate(_ context.Context, id uuid.UUID, fn MutateFunc) (*models.Lobby, error) {
	rec, ok := s.record(id)
	if !ok {
		return nil, apperr.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted.Load() {
		return nil, apperr.ErrNotFound
	}

	working := rec.lobby.Clone()
	op, err := fn(working)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpSave:
		claims, releases := syncPointers(rec.lobby, working)
		if err := s.claimAll(claims, id); err != nil {
			return nil, err
		}
		s.releaseAll(releases, id)
		rec.lobby = working
		rec.active.Store(working.IsActive())
		return working.Clone(), nil
	case OpDelete:
		rec.deleted.Store(true)
		s.lobbies.CompareAndDelete(id, rec)
		_, releases := syncPointers(rec.lobby, nil)
		s.releaseAll(releases, id)
		if rec.lobby.Code != "" {
			s.codes.CompareAndDelete(rec.lobby.Code, id)
		}
		return rec.lobby.Clone(), nil
	default:
		return rec.lobby.Clone(), nil
	}
}

func (s *MemoryStore) CodeExists(_ context.Context, code string) (bool, error) {
	_, ok := s.issued.Load(code)
	return ok, nil
}

func (s *MemoryStore) ListStaleWaiting(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return s.listOldest(limit, func(l *models.Lobby) (time.Time, bool) {
		stale := l.Status == models.LobbyWaiting && l.CreatedAt.Before(cutoff) && l.LastActivity().Before(cutoff)
		return l.CreatedAt, stale
	}), nil
}

func (s *MemoryStore) ListStalePlaying(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return s.listOldest(limit, func(l *models.Lobby) (time.Time, bool) {
		return l.UpdatedAt, l.Status == models.LobbyPlaying && l.UpdatedAt.Before(cutoff)
	}), nil
}

// listOldest scans every live lobby, keeping those match accepts, ordered by
// the time it returns.
func (s *MemoryStore) listOldest(limit int, match func(l *models.Lobby) (time.Time, bool)) []uuid.UUID {
	type found struct {
		id uuid.UUID
		at time.Time
	}
	var hits []found
	s.lobbies.Range(func(_, v any) bool {
		rec := v.(*lobbyRecord)
		rec.mu.Lock()
		if !rec.deleted.Load() {
			if at, ok := match(rec.lobby); ok {
				hits = append(hits, found{id: rec.lobby.ID, at: at})
			}
		}
		rec.mu.Unlock()
		return true
	})
	sort.Slice(hits, func(i, j int) bool { return hits[i].at.Before(hits[j].at) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

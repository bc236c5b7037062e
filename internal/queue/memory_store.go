package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
)

// record guards one entry. deleted is set under mu before the record leaves
// the map, so a holder of a stale pointer never mutates a removed entry.
type record struct {
	mu      sync.Mutex
	entry   models.QueueEntry
	deleted bool
}

// MemoryStore keeps entries in a sync.Map with a lock per entry.
type MemoryStore struct {
	entries sync.Map // uuid.UUID -> *record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) load(userID uuid.UUID) (*record, bool) {
	v, ok := s.entries.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

func (s *MemoryStore) Insert(_ context.Context, e models.QueueEntry) error {
	rec := &record{entry: e}
	for {
		actual, loaded := s.entries.LoadOrStore(e.UserID, rec)
		if !loaded {
			return nil
		}
		existing := actual.(*record)
		existing.mu.Lock()
		gone := existing.deleted
		existing.mu.Unlock()
		if !gone {
			return apperr.ErrAlreadyQueued
		}
		// The concurrent delete has already removed it from the map; retry.
	}
}

func (s *MemoryStore) Get(_ context.Context, userID uuid.UUID) (models.QueueEntry, error) {
	rec, ok := s.load(userID)
	if !ok {
		return models.QueueEntry{}, apperr.ErrNotQueued
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return models.QueueEntry{}, apperr.ErrNotQueued
	}
	return rec.entry, nil
}

// removeLocked must be called with rec.mu held.
func (s *MemoryStore) removeLocked(rec *record) {
	rec.deleted = true
	s.entries.CompareAndDelete(rec.entry.UserID, rec)
}

func (s *MemoryStore) Delete(_ context.Context, userID uuid.UUID) (bool, error) {
	rec, ok := s.load(userID)
	if !ok {
		return false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return false, nil
	}
	s.removeLocked(rec)
	return true, nil
}

func (s *MemoryStore) ListWaiting(_ context.Context, limit int) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	s.entries.Range(func(_, v any) bool {
		rec := v.(*record)
		rec.mu.Lock()
		if !rec.deleted && rec.entry.Status == models.QueueWaiting {
			out = append(out, rec.entry)
		}
		rec.mu.Unlock()
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return lessBySkill(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, userID uuid.UUID, from, to models.QueueStatus) (bool, error) {
	rec, ok := s.load(userID)
	if !ok {
		return false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted || rec.entry.Status != from {
		return false, nil
	}
	rec.entry.Status = to
	return true, nil
}

func (s *MemoryStore) DeleteIfDue(_ context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	rec, ok := s.load(userID)
	if !ok {
		return false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return false, nil
	}
	due := rec.entry.TimeoutAt
	switch rec.entry.Status {
	case models.QueueWaiting:
	case models.QueueMatched:
		due = due.Add(MatchedGrace)
	default:
		return false, nil
	}
	if now.Before(due) {
		return false, nil
	}
	s.removeLocked(rec)
	return true, nil
}

func (s *MemoryStore) CountWaiting(_ context.Context) (int, error) {
	n := 0
	s.entries.Range(func(_, v any) bool {
		rec := v.(*record)
		rec.mu.Lock()
		if !rec.deleted && rec.entry.Status == models.QueueWaiting {
			n++
		}
		rec.mu.Unlock()
		return true
	})
	return n, nil
}

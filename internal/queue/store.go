// Package queue owns matchmaking tickets: the Store holding them and the
// Manager that admits players and arms the scheduler and timeout triggers.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
)

// Store is a keyed set of queue entries, at most one per user. Every method is
// atomic with respect to a single entry; no method spans entries.
type Store interface {
	// Insert adds e, failing with apperr.ErrAlreadyQueued if the user has an entry.
	Insert(ctx context.Context, e models.QueueEntry) error
	// Get returns the user's entry or apperr.ErrNotQueued.
	Get(ctx context.Context, userID uuid.UUID) (models.QueueEntry, error)
	// Delete removes the user's entry, reporting whether one existed.
	Delete(ctx context.Context, userID uuid.UUID) (bool, error)
	// ListWaiting returns up to limit waiting entries by ascending skill rating.
	// limit <= 0 means no cap.
	ListWaiting(ctx context.Context, limit int) ([]models.QueueEntry, error)
	// CompareAndSetStatus moves the entry from one status to another, reporting
	// false if the entry is gone or not in from. Timestamps are left untouched.
	CompareAndSetStatus(ctx context.Context, userID uuid.UUID, from, to models.QueueStatus) (bool, error)
	// DeleteIfDue removes a waiting entry whose TimeoutAt is at or before now,
	// or a matched entry whose TimeoutAt+MatchedGrace is.
	DeleteIfDue(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error)
	// CountWaiting returns the number of waiting entries.
	CountWaiting(ctx context.Context) (int, error)
}

// MatchedGrace is how long past TimeoutAt a matched entry may linger. A pass
// finishes with a matched entry in seconds; one still matched this late was
// stranded by a failed pass.
const MatchedGrace = 2 * time.Minute

// lessBySkill orders entries for ListWaiting. Ties fall back to join time and
// user id so the order is total.
func lessBySkill(a, b models.QueueEntry) bool {
	if a.SkillRating != b.SkillRating {
		return a.SkillRating < b.SkillRating
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.UserID.String() < b.UserID.String()
}

// Package lobby owns lobby records and their lifecycle: creation with daily
// private-lobby quotas, joining by id or code, heartbeats, abandonment and the
// inactivity sweep.
package lobby

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
)

// Op tells Mutate what to do with the lobby after the callback returns.
type Op int

const (
	// OpNone leaves the record untouched.
	OpNone Op = iota
	// OpSave persists the callback's changes.
	OpSave
	// OpDelete removes the lobby and its occupants' pointers.
	OpDelete
)

// MutateFunc inspects and edits a working copy of the lobby. Returning an
// error aborts the mutation with nothing applied.
type MutateFunc func(l *models.Lobby) (Op, error)

// Store persists lobbies and the denormalized user -> active lobby pointer.
// Every method applies to one lobby atomically: the record and its occupants'
// pointers change together or not at all.
type Store interface {
	// Create inserts l and points every occupant at it. It fails with
	// apperr.ErrAlreadyActive if an occupant has another active lobby and
	// apperr.ErrCodeTaken if l.Code was issued before.
	Create(ctx context.Context, l *models.Lobby) error
	// Get returns a copy of the lobby or apperr.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.Lobby, error)
	// GetByCode resolves a live private lobby by its code.
	GetByCode(ctx context.Context, code string) (*models.Lobby, error)
	// ActiveLobbyID follows the user's pointer.
	ActiveLobbyID(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
	// Mutate runs fn against the current record under the record's lock and
	// applies the returned Op. Saving resyncs pointers from the occupants and
	// status, failing with apperr.ErrAlreadyActive if a new occupant is
	// already elsewhere. It returns the lobby as it stands afterwards, or as
	// it was before deletion.
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*models.Lobby, error)
	// CodeExists reports whether code has ever been issued.
	CodeExists(ctx context.Context, code string) (bool, error)
	// ListStaleWaiting returns up to limit waiting lobbies created before
	// cutoff whose last heartbeat is also before cutoff, oldest first.
	ListStaleWaiting(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	// ListStalePlaying returns up to limit playing lobbies last updated before
	// cutoff, oldest first.
	ListStalePlaying(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

// syncPointers reports which users gain and lose an active-lobby pointer when
// a lobby moves from before to after.
func syncPointers(before, after *models.Lobby) (claim, release []uuid.UUID) {
	var was, is []uuid.UUID
	if before != nil && before.IsActive() {
		was = before.Occupants()
	}
	if after != nil && after.IsActive() {
		is = after.Occupants()
	}
	for _, u := range is {
		if !containsUser(was, u) {
			claim = append(claim, u)
		}
	}
	for _, u := range was {
		if !containsUser(is, u) {
			release = append(release, u)
		}
	}
	return claim, release
}

func containsUser(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

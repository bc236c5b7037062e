// Package entitlement reads users' subscription tiers from the billing side of
// the application. Matchmaking never writes entitlement state.
package entitlement

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
)

// Adapter returns the authoritative entitlement for a user. Users without a
// record get models.DefaultEntitlement, not an error.
type Adapter interface {
	GetEntitlement(ctx context.Context, userID uuid.UUID) (models.Entitlement, error)
}

// Static is an in-memory Adapter, used in tests and the memory-only setup.
type Static struct {
	mu      sync.RWMutex
	records map[uuid.UUID]models.Entitlement
}

func NewStatic() *Static {
	return &Static{records: make(map[uuid.UUID]models.Entitlement)}
}

// Set records an entitlement for userID.
func (s *Static) Set(userID uuid.UUID, e models.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = e
}

func (s *Static) GetEntitlement(_ context.Context, userID uuid.UUID) (models.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.records[userID]; ok {
		return e, nil
	}
	return models.DefaultEntitlement, nil
}

package entitlement

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemEntitlementStore is a thread-safe in-memory EntitlementStore.
// Used in tests and as a reference implementation; values are copied on
// the way in and out so callers can't mutate stored state.
type InMemEntitlementStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]Entitlement
}

func NewInMemEntitlementStore() *InMemEntitlementStore {
	return &InMemEntitlementStore{rows: make(map[uuid.UUID]Entitlement)}
}

func (s *InMemEntitlementStore) Get(ctx context.Context, id uuid.UUID) (*Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrEntitlementNotFound
	}
	return &row, nil
}

func (s *InMemEntitlementStore) GetByProviderSubID(ctx context.Context, providerSubID string) (*Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.rows {
		if row.ProviderSubID == providerSubID {
			return &row, nil
		}
	}
	return nil, ErrEntitlementNotFound
}

func (s *InMemEntitlementStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entitlement
	for _, row := range s.rows {
		if row.OwnerID == ownerID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *InMemEntitlementStore) Save(ctx context.Context, e *Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[e.ID] = *e
	return nil
}

// InMemAccountStore is a thread-safe in-memory AccountStore.
type InMemAccountStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]EmailAccount
}

func NewInMemAccountStore() *InMemAccountStore {
	return &InMemAccountStore{rows: make(map[uuid.UUID]EmailAccount)}
}

func (s *InMemAccountStore) Get(ctx context.Context, id uuid.UUID) (*EmailAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &row, nil
}

func (s *InMemAccountStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]EmailAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EmailAccount
	for _, row := range s.rows {
		if row.OwnerID == ownerID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *InMemAccountStore) Save(ctx context.Context, a *EmailAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[a.ID] = *a
	return nil
}

func (s *InMemAccountStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, id)
	return nil
}

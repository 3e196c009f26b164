package entitlement

import (
	"context"

	"github.com/google/uuid"
)

// EntitlementStore persists purchased entitlements. Implementations
// must make Save atomic per row: the sync adapter relies on a single
// entitlement never being half-written even when a larger pull is
// interrupted.
type EntitlementStore interface {
	// Get returns an entitlement by internal ID, including soft-deleted
	// rows. Returns ErrEntitlementNotFound when missing.
	Get(ctx context.Context, id uuid.UUID) (*Entitlement, error)

	// GetByProviderSubID returns the entitlement tracking the given
	// provider subscription. Returns ErrEntitlementNotFound when the
	// subscription was never seen.
	GetByProviderSubID(ctx context.Context, providerSubID string) (*Entitlement, error)

	// ListByOwner returns all of an owner's entitlements, soft-deleted
	// rows included (billing history needs them).
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error)

	// Save creates or updates a row, keyed on ID.
	Save(ctx context.Context, e *Entitlement) error
}

// AccountStore persists configured email accounts. Accounts are the
// only rows that get hard-deleted, and only through an explicit user
// action.
type AccountStore interface {
	// Get returns an account by ID or ErrAccountNotFound.
	Get(ctx context.Context, id uuid.UUID) (*EmailAccount, error)

	// ListByOwner returns all of an owner's accounts.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]EmailAccount, error)

	// Save creates or updates a row, keyed on ID.
	Save(ctx context.Context, a *EmailAccount) error

	// Delete removes an account permanently. Deleting a missing row is
	// a no-op so the operation stays retry-safe.
	Delete(ctx context.Context, id uuid.UUID) error
}

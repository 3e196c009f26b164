package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// Entitlement is a purchased right, tied to one provider subscription
// object, to operate one connected email account. Rows are created on
// first notice of a confirmed purchase (webhook or force-sync) and are
// never hard-deleted; a superseded row keeps its history behind
// DeletedAt.
type Entitlement struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"owner_id"`

	// ProviderSubID is the provider's subscription ID (sub_xxx).
	// Unique across all owners; the sync adapter keys on it.
	ProviderSubID string `json:"provider_sub_id"`

	Role              Role       `json:"role"`
	Status            Status     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"` // set while active/trialing or cancel-pending

	// AccountID links the entitlement to the email account consuming it.
	// Nil means a paid, unassigned slot (purchased before the account
	// was connected).
	AccountID *uuid.UUID `json:"account_id,omitempty"`

	// Version is the monotonic guard for provider events. An incoming
	// event with a version at or below this value is a no-op.
	Version int64 `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// GrantsAccess reports whether the entitlement currently pays for an
// account. Soft-deleted rows never grant access.
func (e *Entitlement) GrantsAccess() bool {
	return e.DeletedAt == nil && e.Status.GrantsAccess()
}

// IsPendingCancellation reports whether the entitlement still grants
// access but is scheduled to cancel at period end.
func (e *Entitlement) IsPendingCancellation() bool {
	return e.GrantsAccess() && e.CancelAtPeriodEnd
}

// IsDeleted reports whether the row was soft-deleted (superseded at the
// provider or cleaned up as an orphan).
func (e *Entitlement) IsDeleted() bool {
	return e.DeletedAt != nil
}

package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// EmailAccount is a configured email account managed by the product.
// Accounts are created when the external connection flow (OAuth or
// credential verification) succeeds; they may exist without any
// entitlement ("configured but unpaid").
type EmailAccount struct {
	ID       uuid.UUID     `json:"id"`
	OwnerID  uuid.UUID     `json:"owner_id"`
	Email    string        `json:"email"`
	Provider EmailProvider `json:"provider"`

	// IsPrimary marks the account consuming the base entitlement.
	// At most one per owner.
	IsPrimary bool `json:"is_primary"`

	// IsActive is toggled by reconciliation (lost entitlement) or by an
	// explicit reactivation. An inactive account stays configured but is
	// not processed.
	IsActive bool `json:"is_active"`

	// IsConnected is the connection flow's output; the core only
	// consumes it.
	IsConnected bool `json:"is_connected"`

	// EntitlementID is the explicit link to the entitlement paying for
	// this account. Nil accounts are matched lazily during
	// reconciliation.
	EntitlementID *uuid.UUID `json:"entitlement_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

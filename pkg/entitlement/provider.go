package entitlement

import (
	"context"
	"time"
)

// BillingProvider abstracts the payment provider. The core never holds
// a local lock while calling it, and every call runs under a bounded
// timeout supplied by the service.
//
// Implementations should use the official provider SDK and keep
// provider quirks (customer ID mapping, scheduled changes) internal.
type BillingProvider interface {
	// CreateCheckoutLink starts a hosted checkout for one price.
	CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error)

	// CancelAtPeriodEnd schedules a cancellation at the end of the
	// current billing period.
	CancelAtPeriodEnd(ctx context.Context, providerSubID string) error

	// CancelNow cancels immediately (used when the paid account is
	// deleted outright).
	CancelNow(ctx context.Context, providerSubID string) error

	// Reactivate removes a scheduled cancellation. Fails at the
	// provider once the subscription has actually ended.
	Reactivate(ctx context.Context, providerSubID string) error

	// ListSubscriptions pulls the provider's full subscription list for
	// one customer, the authoritative input for ForceSync.
	ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error)

	// ParseWebhook validates the signature and normalizes the payload.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error)
}

// CheckoutRequest describes a hosted checkout session to create.
type CheckoutRequest struct {
	PriceID    string // provider price ID from the catalog
	Role       Role   // carried through custom data as a webhook hint
	CustomerID string // owner reference carried through custom data
	Email      string // optional billing email
	SuccessURL string
	CancelURL  string
}

// CheckoutLink is a hosted checkout session.
type CheckoutLink struct {
	URL       string    `json:"url"`
	SessionID string    `json:"session_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ProviderSubscription is one row of the provider's authoritative
// state, as returned by ListSubscriptions.
type ProviderSubscription struct {
	ID                string // provider subscription ID
	CustomerID        string
	PriceID           string
	Status            Status
	CancelAtPeriodEnd bool
	PeriodEnd         *time.Time
	CreatedAt         time.Time

	// Version orders provider-side changes; the adapter derives it from
	// the provider's update timestamp.
	Version int64
}

// WebhookEvent is a normalized billing event. Delivery is at-least-once
// and possibly out of order; Version makes replays and stale events
// safe to apply.
type WebhookEvent struct {
	ProviderEvent     string // original provider event name
	ProviderSubID     string
	CustomerID        string // owner reference from custom data
	PriceID           string
	RoleHint          Role // used when the price is not in the catalog
	Status            Status
	CancelAtPeriodEnd bool
	PeriodEnd         *time.Time

	// Superseded signals the provider replaced or discarded the object;
	// the local row is soft-deleted, never erased.
	Superseded bool

	Version int64
}

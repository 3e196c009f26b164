package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the public surface of the billing/entitlement core. All
// mutations and sync operations for one owner are serialized; reads are
// lock-free and safe under unlimited concurrency.
type Service interface {
	// Query surface
	GetView(ctx context.Context, ownerID uuid.UUID) (*View, error)
	ListEntitlements(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error)

	// Checkout
	StartBaseCheckout(ctx context.Context, ownerID uuid.UUID, opts CheckoutOptions) (*CheckoutLink, error)
	StartAddonCheckout(ctx context.Context, ownerID uuid.UUID, opts CheckoutOptions) (*CheckoutLink, error)

	// Entitlement mutations. The owner ID scopes the lookup; a row
	// belonging to someone else is reported as not found.
	CancelEntitlement(ctx context.Context, ownerID, id uuid.UUID) (*View, error)
	ReactivateEntitlement(ctx context.Context, ownerID, id uuid.UUID) (*View, error)

	// Account mutations, owner-scoped the same way.
	ConnectAccount(ctx context.Context, input ConnectAccountInput) (*View, error)
	DeleteAccount(ctx context.Context, ownerID, id uuid.UUID) (*View, error)
	ReactivateAccount(ctx context.Context, ownerID, id uuid.UUID) (*View, error)

	// Synchronization
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	ApplyProviderEvent(ctx context.Context, event *WebhookEvent) error
	ForceSync(ctx context.Context, ownerID uuid.UUID) (*View, error)
	CleanupOrphans(ctx context.Context, ownerID uuid.UUID) (*View, error)
}

// CheckoutOptions contains options for creating a checkout session.
type CheckoutOptions struct {
	Email      string // pre-fill billing email if known
	SuccessURL string // redirect after successful payment
	CancelURL  string // redirect if customer abandons checkout
}

// ConnectAccountInput is the output of the external connection flow
// (OAuth or credential verification); the core only consumes it.
type ConnectAccountInput struct {
	OwnerID  uuid.UUID
	Email    string
	Provider EmailProvider
}

// CustomerIDResolver maps an owner to the billing provider's customer
// reference. The default uses the owner UUID, which the checkout flow
// carries through provider custom data.
type CustomerIDResolver func(ctx context.Context, ownerID uuid.UUID) (string, error)

type service struct {
	entitlements EntitlementStore
	accounts     AccountStore
	provider     BillingProvider
	catalog      Catalog
	cache        ViewCache
	log          *slog.Logger

	customerID      CustomerIDResolver
	providerTimeout time.Duration
	now             func() time.Time

	locks ownerLocks
}

// NewService creates a Service. Panics if a required dependency is nil
// to fail fast during initialization.
func NewService(entitlements EntitlementStore, accounts AccountStore, provider BillingProvider, catalog Catalog, opts ...ServiceOption) (Service, error) {
	if entitlements == nil {
		panic("entitlement: EntitlementStore is required")
	}
	if accounts == nil {
		panic("entitlement: AccountStore is required")
	}
	if provider == nil {
		panic("entitlement: BillingProvider is required")
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	s := &service{
		entitlements: entitlements,
		accounts:     accounts,
		provider:     provider,
		catalog:      catalog,
		cache:        noopCache{},
		log:          slog.Default(),
		customerID: func(ctx context.Context, ownerID uuid.UUID) (string, error) {
			return ownerID.String(), nil
		},
		providerTimeout: 10 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ownerLocks serializes mutations per owner. Different owners are fully
// independent; there is no global lock.
type ownerLocks struct {
	m sync.Map // uuid.UUID -> *sync.Mutex
}

func (l *ownerLocks) lock(ownerID uuid.UUID) func() {
	v, _ := l.m.LoadOrStore(ownerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// providerCtx bounds a billing provider call. Provider calls never run
// under the owner lock; on timeout local state is untouched and the
// caller gets a typed failure.
func (s *service) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.providerTimeout)
}

// GetView returns the reconciled access view for one owner. Pure read:
// nothing is written, integrity problems are logged and flagged but
// never fatal.
func (s *service) GetView(ctx context.Context, ownerID uuid.UUID) (*View, error) {
	if view, ok := s.cache.Get(ctx, ownerID); ok {
		return view, nil
	}

	view, err := s.computeView(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, ownerID, view)
	return view, nil
}

func (s *service) computeView(ctx context.Context, ownerID uuid.UUID) (*View, error) {
	ents, err := s.entitlements.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	accounts, err := s.accounts.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	view := Reconcile(ents, accounts)
	for _, entry := range view.Accounts {
		if entry.Flagged {
			s.log.WarnContext(ctx, "reconcile flagged account",
				slog.String("owner_id", ownerID.String()),
				slog.String("account_id", entry.Account.ID.String()),
				slog.String("error", ErrDataIntegrityViolation.Error()))
		}
	}
	return &view, nil
}

// ListEntitlements returns all of an owner's entitlements, soft-deleted
// history included, for the billing-history UI.
func (s *service) ListEntitlements(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error) {
	ents, err := s.entitlements.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sortByCreation(ents)
	return ents, nil
}

// StartBaseCheckout opens a hosted checkout for the base subscription.
// The entitlement row itself is created later, on the first confirmed
// purchase notice (webhook or force-sync).
func (s *service) StartBaseCheckout(ctx context.Context, ownerID uuid.UUID, opts CheckoutOptions) (*CheckoutLink, error) {
	ents, err := s.entitlements.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if activeBase(ents) != nil {
		return nil, ErrAlreadyEntitled
	}
	return s.createCheckout(ctx, ownerID, RoleBase, opts)
}

// StartAddonCheckout opens a hosted checkout for one additional-account
// add-on. Requires an active base subscription.
func (s *service) StartAddonCheckout(ctx context.Context, ownerID uuid.UUID, opts CheckoutOptions) (*CheckoutLink, error) {
	ents, err := s.entitlements.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if activeBase(ents) == nil {
		return nil, ErrBaseRequired
	}
	return s.createCheckout(ctx, ownerID, RoleAddon, opts)
}

func (s *service) createCheckout(ctx context.Context, ownerID uuid.UUID, role Role, opts CheckoutOptions) (*CheckoutLink, error) {
	priceID, err := s.catalog.PriceFor(role)
	if err != nil {
		return nil, err
	}
	customerID, err := s.customerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	pctx, cancel := s.providerCtx(ctx)
	defer cancel()
	return s.provider.CreateCheckoutLink(pctx, CheckoutRequest{
		PriceID:    priceID,
		Role:       role,
		CustomerID: customerID,
		Email:      opts.Email,
		SuccessURL: opts.SuccessURL,
		CancelURL:  opts.CancelURL,
	})
}

// CancelEntitlement requests cancellation at period end. The local flag
// is set optimistically after the provider accepts; the linked account
// keeps running until the provider reports status canceled.
func (s *service) CancelEntitlement(ctx context.Context, ownerID, id uuid.UUID) (*View, error) {
	e, err := s.entitlements.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != ownerID {
		return nil, ErrEntitlementNotFound
	}
	if e.IsDeleted() || (!e.Status.GrantsAccess() && e.Status != StatusPastDue) {
		return nil, ErrAlreadyExpired
	}
	// Retry-safe: a repeated call after a successful cancel is a no-op.
	if e.CancelAtPeriodEnd {
		return s.refreshView(ctx, e.OwnerID)
	}

	pctx, cancel := s.providerCtx(ctx)
	err = s.provider.CancelAtPeriodEnd(pctx, e.ProviderSubID)
	cancel()
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(e.OwnerID)
	defer unlock()

	e, err = s.entitlements.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.CancelAtPeriodEnd = true
	e.UpdatedAt = s.now()
	if err := s.entitlements.Save(ctx, e); err != nil {
		return nil, err
	}

	return s.refreshView(ctx, e.OwnerID)
}

// ReactivateEntitlement clears a pending cancellation. Valid only while
// the provider has not yet flipped the subscription to canceled.
func (s *service) ReactivateEntitlement(ctx context.Context, ownerID, id uuid.UUID) (*View, error) {
	e, err := s.entitlements.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != ownerID {
		return nil, ErrEntitlementNotFound
	}
	if e.IsDeleted() || e.Status == StatusCanceled {
		return nil, ErrAlreadyExpired
	}
	if !e.Status.GrantsAccess() {
		return nil, ErrAlreadyExpired
	}
	// Retry-safe: the flag is already clear.
	if !e.CancelAtPeriodEnd {
		return s.refreshView(ctx, e.OwnerID)
	}

	pctx, cancel := s.providerCtx(ctx)
	err = s.provider.Reactivate(pctx, e.ProviderSubID)
	cancel()
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(e.OwnerID)
	defer unlock()

	e, err = s.entitlements.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.CancelAtPeriodEnd = false
	e.UpdatedAt = s.now()
	if err := s.entitlements.Save(ctx, e); err != nil {
		return nil, err
	}

	return s.refreshView(ctx, e.OwnerID)
}

// refreshView invalidates the cached view, persists the downward access
// flags and any newly-materialized links, and returns the fresh view.
// Callers must hold the owner lock when local state may have changed.
func (s *service) refreshView(ctx context.Context, ownerID uuid.UUID) (*View, error) {
	s.cache.Invalidate(ctx, ownerID)

	view, err := s.computeView(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.persistReconciled(ctx, view); err != nil {
		return nil, err
	}

	s.cache.Set(ctx, ownerID, view)
	return view, nil
}

// persistReconciled applies reconciliation side effects to the stores:
// lost entitlement flips is_active to false (reactivation is always an
// explicit user action, never automatic), and lazy matches become
// durable links so later events keep the same assignment.
func (s *service) persistReconciled(ctx context.Context, view *View) error {
	for i := range view.Accounts {
		entry := &view.Accounts[i]
		acc := entry.Account
		changed := false

		if entry.State == AccessRevoked && acc.IsActive {
			acc.IsActive = false
			changed = true
		}
		if entry.Entitlement != nil && (acc.EntitlementID == nil || *acc.EntitlementID != entry.Entitlement.ID) {
			linkID := entry.Entitlement.ID
			acc.EntitlementID = &linkID
			changed = true
		}
		if changed {
			acc.UpdatedAt = s.now()
			if err := s.accounts.Save(ctx, &acc); err != nil {
				return err
			}
			entry.Account = acc
		}

		if entry.Entitlement != nil && (entry.Entitlement.AccountID == nil || *entry.Entitlement.AccountID != acc.ID) {
			e := *entry.Entitlement
			accID := acc.ID
			e.AccountID = &accID
			e.UpdatedAt = s.now()
			if err := s.entitlements.Save(ctx, &e); err != nil {
				return err
			}
			*entry.Entitlement = e
		}
	}
	return nil
}

// activeBase returns the earliest-created entitlement that currently
// grants access with role base, or nil.
func activeBase(ents []Entitlement) *Entitlement {
	var best *Entitlement
	for i := range ents {
		e := &ents[i]
		if e.Role != RoleBase || !e.GrantsAccess() {
			continue
		}
		if best == nil || e.CreatedAt.Before(best.CreatedAt) {
			best = e
		}
	}
	return best
}

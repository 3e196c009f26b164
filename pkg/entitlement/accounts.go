package entitlement

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// ConnectAccount records a successfully connected email account. The
// first account an owner connects becomes the primary one. Retry-safe:
// reconnecting an already-known address updates the existing row.
func (s *service) ConnectAccount(ctx context.Context, input ConnectAccountInput) (*View, error) {
	unlock := s.locks.lock(input.OwnerID)
	defer unlock()

	existing, err := s.accounts.ListByOwner(ctx, input.OwnerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	hasPrimary := false
	for i := range existing {
		if existing[i].IsPrimary {
			hasPrimary = true
		}
		if existing[i].Email == input.Email {
			acc := existing[i]
			acc.IsConnected = true
			acc.Provider = input.Provider
			acc.UpdatedAt = now
			if err := s.accounts.Save(ctx, &acc); err != nil {
				return nil, err
			}
			return s.refreshView(ctx, input.OwnerID)
		}
	}

	acc := EmailAccount{
		ID:          uuid.New(),
		OwnerID:     input.OwnerID,
		Email:       input.Email,
		Provider:    input.Provider,
		IsPrimary:   !hasPrimary,
		IsActive:    true,
		IsConnected: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.accounts.Save(ctx, &acc); err != nil {
		return nil, err
	}

	return s.refreshView(ctx, input.OwnerID)
}

// DeleteAccount removes an email account and cancels the entitlement
// that paid for it. Deleting the primary account promotes the
// earliest-created remaining account and relinks the base entitlement
// to it; deleting the sole remaining account cancels the base
// subscription entirely. Accounts belonging to a different owner are
// reported as not found.
func (s *service) DeleteAccount(ctx context.Context, ownerID, id uuid.UUID) (*View, error) {
	acc, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.OwnerID != ownerID {
		return nil, ErrAccountNotFound
	}

	siblings, err := s.accounts.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ents, err := s.entitlements.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	linked := fundingEntitlement(ents, siblings, id)
	sole := len(siblings) == 1

	// Cancellation happens at the provider first, outside the owner
	// lock. A provider-side rejection (already canceled) is logged and
	// the local cleanup proceeds, mirroring the retry case; an
	// unavailable provider aborts with local state untouched.
	cancelEntitlement := linked != nil && (!acc.IsPrimary || sole)
	if cancelEntitlement {
		pctx, cancel := s.providerCtx(ctx)
		err = s.provider.CancelNow(pctx, linked.ProviderSubID)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, ErrProviderRejected):
			s.log.WarnContext(ctx, "provider rejected cancellation during account delete",
				slog.String("provider_sub_id", linked.ProviderSubID),
				slog.String("error", err.Error()))
		default:
			return nil, err
		}
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	// Owner state may have moved while the provider call was in flight.
	// Everything written below works off a fresh read taken under the
	// lock; only the provider-side cancellation sticks to the row it
	// was actually issued for.
	acc, err = s.accounts.Get(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		// Concurrently deleted; retry-safe.
		return s.refreshView(ctx, ownerID)
	}
	if err != nil {
		return nil, err
	}
	siblings, err = s.accounts.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ents, err = s.entitlements.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if cancelEntitlement {
		e, err := s.entitlements.Get(ctx, linked.ID)
		switch {
		case errors.Is(err, ErrEntitlementNotFound):
		case err != nil:
			return nil, err
		case e.DeletedAt == nil:
			now := s.now()
			e.Status = StatusCanceled
			e.AccountID = nil
			e.DeletedAt = &now
			e.UpdatedAt = now
			if err := s.entitlements.Save(ctx, e); err != nil {
				return nil, err
			}
		}
	}

	// The partial unique index allows a single primary row per owner,
	// so the old primary must be gone before a promotion is written.
	if err := s.accounts.Delete(ctx, id); err != nil {
		return nil, err
	}

	if acc.IsPrimary && len(siblings) > 1 {
		base := fundingEntitlement(ents, siblings, id)
		if err := s.promoteNewPrimary(ctx, id, siblings, base); err != nil {
			return nil, err
		}
	}

	return s.refreshView(ctx, ownerID)
}

// fundingEntitlement resolves which entitlement currently pays for the
// given account through the same matching the view uses.
func fundingEntitlement(ents []Entitlement, accounts []EmailAccount, accountID uuid.UUID) *Entitlement {
	view := Reconcile(ents, accounts)
	for _, entry := range view.Accounts {
		if entry.Account.ID == accountID && entry.Entitlement != nil {
			return entry.Entitlement
		}
	}
	return nil
}

// promoteNewPrimary makes the earliest-created remaining account the
// primary one and hands it the base entitlement the deleted primary
// was consuming.
func (s *service) promoteNewPrimary(ctx context.Context, deletedID uuid.UUID, siblings []EmailAccount, base *Entitlement) error {
	var promoted *EmailAccount
	for i := range siblings {
		a := &siblings[i]
		if a.ID == deletedID {
			continue
		}
		if promoted == nil || a.CreatedAt.Before(promoted.CreatedAt) {
			promoted = a
		}
	}
	if promoted == nil {
		return nil
	}

	now := s.now()
	promoted.IsPrimary = true
	if base != nil && base.Role == RoleBase {
		linkID := base.ID
		promoted.EntitlementID = &linkID
	} else {
		promoted.EntitlementID = nil
	}
	promoted.UpdatedAt = now
	if err := s.accounts.Save(ctx, promoted); err != nil {
		return err
	}

	if base != nil && base.Role == RoleBase {
		e, err := s.entitlements.Get(ctx, base.ID)
		if err != nil {
			return err
		}
		accID := promoted.ID
		e.AccountID = &accID
		e.UpdatedAt = now
		return s.entitlements.Save(ctx, e)
	}
	return nil
}

// ReactivateAccount re-enables a manually disabled account. Valid only
// when the account still resolves to an active entitlement; an account
// that lost its entitlement must be paid for again instead. Accounts
// belonging to a different owner are reported as not found.
func (s *service) ReactivateAccount(ctx context.Context, ownerID, id uuid.UUID) (*View, error) {
	acc, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.OwnerID != ownerID {
		return nil, ErrAccountNotFound
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	acc, err = s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Retry-safe: already active.
	if acc.IsActive {
		return s.refreshView(ctx, acc.OwnerID)
	}

	view, err := s.computeView(ctx, acc.OwnerID)
	if err != nil {
		return nil, err
	}
	covered := false
	for _, entry := range view.Accounts {
		if entry.Account.ID == id && entry.State != AccessRevoked {
			covered = true
			break
		}
	}
	if !covered {
		return nil, ErrNoEntitlement
	}

	acc.IsActive = true
	acc.UpdatedAt = s.now()
	if err := s.accounts.Save(ctx, acc); err != nil {
		return nil, err
	}

	return s.refreshView(ctx, acc.OwnerID)
}

package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// HandleWebhook verifies, normalizes and applies one provider webhook.
// The caller must only acknowledge the delivery when this returns nil,
// which preserves the provider's retry-on-failure guarantee.
func (s *service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		return err
	}
	return s.ApplyProviderEvent(ctx, event)
}

// ApplyProviderEvent ingests one normalized billing event. Idempotent
// under at-least-once, possibly out-of-order delivery: an event whose
// version is at or below the stored version for that subscription is a
// no-op. An unknown subscription ID is the first notice of a purchase
// and creates the row.
func (s *service) ApplyProviderEvent(ctx context.Context, event *WebhookEvent) error {
	if event == nil || event.ProviderSubID == "" {
		return ErrInvalidWebhookPayload
	}

	existing, err := s.entitlements.GetByProviderSubID(ctx, event.ProviderSubID)
	switch {
	case err == nil:
	case errors.Is(err, ErrEntitlementNotFound):
		existing = nil
	default:
		return err
	}

	var ownerID uuid.UUID
	if existing != nil {
		ownerID = existing.OwnerID
	} else {
		ownerID, err = uuid.Parse(event.CustomerID)
		if err != nil {
			return errors.Join(ErrInvalidWebhookPayload,
				errors.New("unknown subscription without owner reference"))
		}
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	// Re-read under the lock; a concurrent event for the same
	// subscription may have won the race.
	e, err := s.entitlements.GetByProviderSubID(ctx, event.ProviderSubID)
	switch {
	case err == nil:
		if event.Version <= e.Version {
			s.log.DebugContext(ctx, "skipping stale provider event",
				slog.String("provider_sub_id", event.ProviderSubID),
				slog.Int64("event_version", event.Version),
				slog.Int64("stored_version", e.Version))
			// Still refresh: an earlier delivery may have saved the row
			// and failed before the view side effects were applied, and
			// the provider's redelivery is the retry that repairs them.
			_, err := s.refreshView(ctx, ownerID)
			return err
		}
		s.applyEventFields(e, event)
		if err := s.entitlements.Save(ctx, e); err != nil {
			return err
		}
	case errors.Is(err, ErrEntitlementNotFound):
		now := s.now()
		e = &Entitlement{
			ID:            uuid.New(),
			OwnerID:       ownerID,
			ProviderSubID: event.ProviderSubID,
			Role:          s.catalog.RoleFor(event.PriceID, event.RoleHint),
			CreatedAt:     now,
		}
		s.applyEventFields(e, event)
		if err := s.entitlements.Save(ctx, e); err != nil {
			return err
		}
	default:
		return err
	}

	_, err = s.refreshView(ctx, ownerID)
	return err
}

func (s *service) applyEventFields(e *Entitlement, event *WebhookEvent) {
	e.Status = event.Status
	e.CancelAtPeriodEnd = event.CancelAtPeriodEnd
	e.PeriodEnd = event.PeriodEnd
	e.Version = event.Version
	e.UpdatedAt = s.now()
	if event.Superseded && e.DeletedAt == nil {
		now := s.now()
		e.DeletedAt = &now
	}
}

// ForceSync pulls the provider's full subscription list and reconciles
// the local store against it: missing rows are created, drifted rows
// corrected, and rows the provider no longer reports are soft-deleted.
// Each entitlement transitions atomically; if the pull itself is
// interrupted, unaffected rows are simply left for the next sync.
// Exists because webhook delivery is not guaranteed and the UI needs a
// manual recovery path after checkout redirects.
func (s *service) ForceSync(ctx context.Context, ownerID uuid.UUID) (*View, error) {
	customerID, err := s.customerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	pctx, cancel := s.providerCtx(ctx)
	remote, err := s.provider.ListSubscriptions(pctx, customerID)
	cancel()
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(ownerID)
	defer unlock()

	local, err := s.entitlements.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	localBySubID := make(map[string]*Entitlement, len(local))
	for i := range local {
		localBySubID[local[i].ProviderSubID] = &local[i]
	}

	seen := make(map[string]bool, len(remote))
	created, corrected := 0, 0
	for _, sub := range remote {
		seen[sub.ID] = true

		e, ok := localBySubID[sub.ID]
		if !ok {
			now := s.now()
			created++
			row := Entitlement{
				ID:                uuid.New(),
				OwnerID:           ownerID,
				ProviderSubID:     sub.ID,
				Role:              s.catalog.RoleFor(sub.PriceID, ""),
				Status:            sub.Status,
				CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
				PeriodEnd:         sub.PeriodEnd,
				Version:           sub.Version,
				CreatedAt:         firstNonZero(sub.CreatedAt, now),
				UpdatedAt:         now,
			}
			if err := s.entitlements.Save(ctx, &row); err != nil {
				return nil, err
			}
			continue
		}

		// The pull is authoritative for provider-owned fields, but a
		// soft delete is permanent and a matching row needs no write at
		// all, which keeps repeated syncs change-free.
		if e.IsDeleted() || !entitlementDrifted(e, sub) {
			continue
		}
		corrected++
		e.Status = sub.Status
		e.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		e.PeriodEnd = sub.PeriodEnd
		e.Version = max(e.Version, sub.Version)
		e.UpdatedAt = s.now()
		if err := s.entitlements.Save(ctx, e); err != nil {
			return nil, err
		}
	}

	// Locally-present but provider-absent rows were superseded at the
	// provider; retain them for history behind the soft-delete marker.
	deleted := 0
	for i := range local {
		e := &local[i]
		if seen[e.ProviderSubID] || e.IsDeleted() {
			continue
		}
		deleted++
		now := s.now()
		e.DeletedAt = &now
		e.UpdatedAt = now
		if err := s.entitlements.Save(ctx, e); err != nil {
			return nil, err
		}
	}

	if created+corrected+deleted > 0 {
		s.log.InfoContext(ctx, "force sync applied changes",
			slog.String("owner_id", ownerID.String()),
			slog.Int("created", created),
			slog.Int("corrected", corrected),
			slog.Int("soft_deleted", deleted))
	}

	return s.refreshView(ctx, ownerID)
}

func entitlementDrifted(e *Entitlement, sub ProviderSubscription) bool {
	if e.Status != sub.Status || e.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		return true
	}
	switch {
	case e.PeriodEnd == nil && sub.PeriodEnd == nil:
		return false
	case e.PeriodEnd == nil || sub.PeriodEnd == nil:
		return true
	default:
		return !e.PeriodEnd.Equal(*sub.PeriodEnd)
	}
}

// CleanupOrphans cancels entitlements nothing can ever consume:
// duplicate active base subscriptions beyond the earliest one, and
// addon subscriptions when the owner has no secondary account left to
// cover. Cancellations happen at the provider; rows are marked canceled
// and soft-deleted locally.
func (s *service) CleanupOrphans(ctx context.Context, ownerID uuid.UUID) (*View, error) {
	unlock := s.locks.lock(ownerID)
	orphans, err := s.orphanSnapshot(ctx, ownerID)
	unlock()
	if err != nil {
		return nil, err
	}

	for _, orphan := range orphans {
		pctx, cancel := s.providerCtx(ctx)
		err := s.provider.CancelNow(pctx, orphan.ProviderSubID)
		cancel()
		if err != nil && !errors.Is(err, ErrProviderRejected) {
			return nil, err
		}

		unlock := s.locks.lock(ownerID)
		canceled, err := s.markOrphanCanceled(ctx, ownerID, orphan.ID)
		unlock()
		if err != nil {
			return nil, err
		}
		if canceled {
			s.log.InfoContext(ctx, "canceled orphan entitlement",
				slog.String("owner_id", ownerID.String()),
				slog.String("provider_sub_id", orphan.ProviderSubID),
				slog.String("role", string(orphan.Role)))
		}
	}

	unlock = s.locks.lock(ownerID)
	defer unlock()
	return s.refreshView(ctx, ownerID)
}

// orphanSnapshot reads the owner's rows and returns the entitlements
// nothing can consume. Callers must hold the owner lock so the snapshot
// is consistent.
func (s *service) orphanSnapshot(ctx context.Context, ownerID uuid.UUID) ([]Entitlement, error) {
	ents, err := s.entitlements.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	accounts, err := s.accounts.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var granting []Entitlement
	for _, e := range ents {
		if e.GrantsAccess() {
			granting = append(granting, e)
		}
	}
	sortByCreation(granting)

	secondaries := 0
	for _, a := range accounts {
		if !a.IsPrimary {
			secondaries++
		}
	}

	var orphans []Entitlement
	seenBase := false
	for _, e := range granting {
		switch e.Role {
		case RoleBase:
			if seenBase {
				orphans = append(orphans, e)
			}
			seenBase = true
		case RoleAddon:
			if secondaries == 0 {
				orphans = append(orphans, e)
			}
		}
	}
	return orphans, nil
}

// markOrphanCanceled re-verifies under the owner lock that the row is
// still an orphan before writing. The provider call ran outside the
// lock, so local state may have moved since the snapshot: a row that is
// consumable again (say a fresh secondary account claimed the addon) is
// left alone and the provider-side state comes back through the next
// webhook or sync.
func (s *service) markOrphanCanceled(ctx context.Context, ownerID, id uuid.UUID) (bool, error) {
	fresh, err := s.orphanSnapshot(ctx, ownerID)
	if err != nil {
		return false, err
	}
	still := false
	for _, o := range fresh {
		if o.ID == id {
			still = true
			break
		}
	}
	if !still {
		s.log.DebugContext(ctx, "entitlement no longer orphaned, keeping row",
			slog.String("owner_id", ownerID.String()),
			slog.String("entitlement_id", id.String()))
		return false, nil
	}

	e, err := s.entitlements.Get(ctx, id)
	if err != nil {
		return false, err
	}
	now := s.now()
	e.Status = StatusCanceled
	e.DeletedAt = &now
	e.UpdatedAt = now
	if err := s.entitlements.Save(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

func firstNonZero(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

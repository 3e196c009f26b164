package entitlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mailslot/pkg/entitlement"
)

func makeEvent(subID string, version int64, opts ...func(*entitlement.WebhookEvent)) *entitlement.WebhookEvent {
	periodEnd := baseTime.AddDate(0, 1, 0)
	ev := &entitlement.WebhookEvent{
		ProviderEvent: "subscription.updated",
		ProviderSubID: subID,
		PriceID:       "pri_addon_monthly",
		Status:        entitlement.StatusActive,
		PeriodEnd:     &periodEnd,
		Version:       version,
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

func TestApplyProviderEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates entitlement on first notice of a purchase", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()

		ev := makeEvent("sub_new", 100, func(ev *entitlement.WebhookEvent) {
			ev.ProviderEvent = "subscription.created"
			ev.CustomerID = owner.String()
			ev.PriceID = "pri_base_monthly"
		})
		require.NoError(t, f.svc.ApplyProviderEvent(ctx, ev))

		stored, err := f.ents.GetByProviderSubID(ctx, "sub_new")
		require.NoError(t, err)
		assert.Equal(t, owner, stored.OwnerID)
		assert.Equal(t, entitlement.RoleBase, stored.Role)
		assert.Equal(t, int64(100), stored.Version)
	})

	t.Run("unknown subscription without owner reference is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		ev := makeEvent("sub_orphan", 1, func(ev *entitlement.WebhookEvent) {
			ev.CustomerID = "ctm_opaque_provider_id"
		})
		err := f.svc.ApplyProviderEvent(ctx, ev)
		assert.ErrorIs(t, err, entitlement.ErrInvalidWebhookPayload)
	})

	t.Run("missing subscription id is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		err := f.svc.ApplyProviderEvent(ctx, &entitlement.WebhookEvent{})
		assert.ErrorIs(t, err, entitlement.ErrInvalidWebhookPayload)
		err = f.svc.ApplyProviderEvent(ctx, nil)
		assert.ErrorIs(t, err, entitlement.ErrInvalidWebhookPayload)
	})

	t.Run("applying the same event twice equals applying it once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))

		ev := makeEvent(e.ProviderSubID, 50, func(ev *entitlement.WebhookEvent) {
			ev.CancelAtPeriodEnd = true
		})
		require.NoError(t, f.svc.ApplyProviderEvent(ctx, ev))

		first, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)

		require.NoError(t, f.svc.ApplyProviderEvent(ctx, ev))
		second, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})

	t.Run("out-of-order delivery keeps the newest version", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))

		newest := makeEvent(e.ProviderSubID, 5, func(ev *entitlement.WebhookEvent) {
			ev.Status = entitlement.StatusCanceled
		})
		stale := makeEvent(e.ProviderSubID, 3, func(ev *entitlement.WebhookEvent) {
			ev.Status = entitlement.StatusActive
		})

		require.NoError(t, f.svc.ApplyProviderEvent(ctx, newest))
		require.NoError(t, f.svc.ApplyProviderEvent(ctx, stale))

		stored, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusCanceled, stored.Status)
		assert.Equal(t, int64(5), stored.Version)
	})

	t.Run("equal version is a no-op", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := makeEnt(owner, 0, withRole(entitlement.RoleBase))
		e.Version = 7
		e = f.seedEnt(t, e)

		ev := makeEvent(e.ProviderSubID, 7, func(ev *entitlement.WebhookEvent) {
			ev.Status = entitlement.StatusCanceled
		})
		require.NoError(t, f.svc.ApplyProviderEvent(ctx, ev))

		stored, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, stored.Status)
	})

	t.Run("redelivery repairs a missed deactivation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))
		primary := f.seedAccount(t, makeAccount(owner, "p@example.com", 0, asPrimary()))

		ev := makeEvent(e.ProviderSubID, 4, func(ev *entitlement.WebhookEvent) {
			ev.Status = entitlement.StatusCanceled
		})
		require.NoError(t, f.svc.ApplyProviderEvent(ctx, ev))

		// Simulate a crash between the row write and the view side
		// effects: the account flag looks as if the first refresh never
		// ran.
		acc, err := f.accounts.Get(ctx, primary.ID)
		require.NoError(t, err)
		acc.IsActive = true
		require.NoError(t, f.accounts.Save(ctx, acc))

		// The provider redelivers the same event. The version guard
		// skips the row write, but the access flags still get repaired.
		require.NoError(t, f.svc.ApplyProviderEvent(ctx, ev))

		acc, err = f.accounts.Get(ctx, primary.ID)
		require.NoError(t, err)
		assert.False(t, acc.IsActive)
	})

	t.Run("superseded subscription is soft-deleted and stays deleted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))
		primary := f.seedAccount(t, makeAccount(owner, "p@example.com", 0, asPrimary()))

		ev := makeEvent(e.ProviderSubID, 10, func(ev *entitlement.WebhookEvent) {
			ev.ProviderEvent = "subscription.canceled"
			ev.Status = entitlement.StatusCanceled
			ev.Superseded = true
		})
		require.NoError(t, f.svc.ApplyProviderEvent(ctx, ev))

		stored, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.NotNil(t, stored.DeletedAt)

		// Coverage gone, account is switched off.
		acc, err := f.accounts.Get(ctx, primary.ID)
		require.NoError(t, err)
		assert.False(t, acc.IsActive)
	})

	t.Run("revocation deactivates account, reactivation stays manual", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))
		primary := f.seedAccount(t, makeAccount(owner, "p@example.com", 0, asPrimary()))

		require.NoError(t, f.svc.ApplyProviderEvent(ctx, makeEvent(e.ProviderSubID, 2, func(ev *entitlement.WebhookEvent) {
			ev.Status = entitlement.StatusCanceled
		})))
		acc, err := f.accounts.Get(ctx, primary.ID)
		require.NoError(t, err)
		assert.False(t, acc.IsActive)

		// Subscription comes back; the account must not silently resume.
		require.NoError(t, f.svc.ApplyProviderEvent(ctx, makeEvent(e.ProviderSubID, 3, func(ev *entitlement.WebhookEvent) {
			ev.Status = entitlement.StatusActive
		})))
		acc, err = f.accounts.Get(ctx, primary.ID)
		require.NoError(t, err)
		assert.False(t, acc.IsActive)

		view, err := f.svc.ReactivateAccount(ctx, owner, primary.ID)
		require.NoError(t, err)
		assert.True(t, stateOf(t, *view, primary.ID).Account.IsActive)
	})
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("bad signature bubbles up so delivery is retried", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.provider.On("ParseWebhook", mock.Anything, mock.Anything, "bad-sig").
			Return(nil, entitlement.ErrInvalidWebhookPayload)

		err := f.svc.HandleWebhook(ctx, []byte(`{}`), "bad-sig")
		assert.ErrorIs(t, err, entitlement.ErrInvalidWebhookPayload)
	})

	t.Run("parsed event is applied", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))

		ev := makeEvent(e.ProviderSubID, 9, func(ev *entitlement.WebhookEvent) {
			ev.CancelAtPeriodEnd = true
		})
		f.provider.On("ParseWebhook", mock.Anything, mock.Anything, "good-sig").Return(ev, nil)

		require.NoError(t, f.svc.HandleWebhook(ctx, []byte(`{}`), "good-sig"))

		stored, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, stored.CancelAtPeriodEnd)
	})
}

func TestForceSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	remoteSub := func(e entitlement.Entitlement) entitlement.ProviderSubscription {
		return entitlement.ProviderSubscription{
			ID:                e.ProviderSubID,
			PriceID:           "pri_base_monthly",
			Status:            e.Status,
			CancelAtPeriodEnd: e.CancelAtPeriodEnd,
			PeriodEnd:         e.PeriodEnd,
			CreatedAt:         e.CreatedAt,
			Version:           e.Version,
		}
	}

	t.Run("creates locally missing subscriptions", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		periodEnd := baseTime.AddDate(0, 1, 0)

		f.provider.On("ListSubscriptions", mock.Anything, owner.String()).
			Return([]entitlement.ProviderSubscription{{
				ID:        "sub_missing",
				PriceID:   "pri_base_monthly",
				Status:    entitlement.StatusActive,
				PeriodEnd: &periodEnd,
				CreatedAt: baseTime,
				Version:   1,
			}}, nil)

		_, err := f.svc.ForceSync(ctx, owner)
		require.NoError(t, err)

		stored, err := f.ents.GetByProviderSubID(ctx, "sub_missing")
		require.NoError(t, err)
		assert.Equal(t, entitlement.RoleBase, stored.Role)
		assert.Equal(t, baseTime, stored.CreatedAt)
	})

	t.Run("corrects drifted fields", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))

		sub := remoteSub(e)
		sub.CancelAtPeriodEnd = true
		sub.Version = e.Version + 10
		f.provider.On("ListSubscriptions", mock.Anything, owner.String()).
			Return([]entitlement.ProviderSubscription{sub}, nil)

		_, err := f.svc.ForceSync(ctx, owner)
		require.NoError(t, err)

		stored, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, stored.CancelAtPeriodEnd)
		assert.Equal(t, sub.Version, stored.Version)
	})

	t.Run("soft-deletes rows the provider no longer reports", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))

		f.provider.On("ListSubscriptions", mock.Anything, owner.String()).
			Return([]entitlement.ProviderSubscription{}, nil)

		_, err := f.svc.ForceSync(ctx, owner)
		require.NoError(t, err)

		stored, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.NotNil(t, stored.DeletedAt)
	})

	t.Run("two consecutive syncs produce no state change", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))
		f.seedAccount(t, makeAccount(owner, "p@example.com", 0, asPrimary()))

		f.provider.On("ListSubscriptions", mock.Anything, owner.String()).
			Return([]entitlement.ProviderSubscription{remoteSub(e)}, nil)

		first, err := f.svc.ForceSync(ctx, owner)
		require.NoError(t, err)
		entsAfterFirst, err := f.ents.ListByOwner(ctx, owner)
		require.NoError(t, err)
		accountsAfterFirst, err := f.accounts.ListByOwner(ctx, owner)
		require.NoError(t, err)

		second, err := f.svc.ForceSync(ctx, owner)
		require.NoError(t, err)
		entsAfterSecond, err := f.ents.ListByOwner(ctx, owner)
		require.NoError(t, err)
		accountsAfterSecond, err := f.accounts.ListByOwner(ctx, owner)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.ElementsMatch(t, entsAfterFirst, entsAfterSecond)
		assert.ElementsMatch(t, accountsAfterFirst, accountsAfterSecond)
	})

	t.Run("soft delete is permanent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := makeEnt(owner, 0, withRole(entitlement.RoleBase), withDeleted())
		e = f.seedEnt(t, e)

		// Provider still lists it, but the local soft delete wins.
		f.provider.On("ListSubscriptions", mock.Anything, owner.String()).
			Return([]entitlement.ProviderSubscription{remoteSub(e)}, nil)

		_, err := f.svc.ForceSync(ctx, owner)
		require.NoError(t, err)

		stored, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.NotNil(t, stored.DeletedAt)
	})

	t.Run("provider outage leaves local state untouched", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		e := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))

		f.provider.On("ListSubscriptions", mock.Anything, owner.String()).
			Return(nil, entitlement.ErrProviderUnavailable)

		_, err := f.svc.ForceSync(ctx, owner)
		assert.ErrorIs(t, err, entitlement.ErrProviderUnavailable)

		stored, err := f.ents.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.DeletedAt)
	})
}

func TestCleanupOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("cancels duplicate base beyond the earliest", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		keep := f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))
		dup := f.seedEnt(t, makeEnt(owner, time.Minute, withRole(entitlement.RoleBase)))
		f.seedAccount(t, makeAccount(owner, "p@example.com", 0, asPrimary()))

		f.provider.On("CancelNow", mock.Anything, dup.ProviderSubID).Return(nil)

		_, err := f.svc.CleanupOrphans(ctx, owner)
		require.NoError(t, err)

		kept, err := f.ents.Get(ctx, keep.ID)
		require.NoError(t, err)
		assert.Nil(t, kept.DeletedAt)

		gone, err := f.ents.Get(ctx, dup.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusCanceled, gone.Status)
		assert.NotNil(t, gone.DeletedAt)
	})

	t.Run("cancels addons with no secondary account to cover", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))
		addon := f.seedEnt(t, makeEnt(owner, time.Minute))
		f.seedAccount(t, makeAccount(owner, "p@example.com", 0, asPrimary()))

		f.provider.On("CancelNow", mock.Anything, addon.ProviderSubID).Return(nil)

		_, err := f.svc.CleanupOrphans(ctx, owner)
		require.NoError(t, err)

		gone, err := f.ents.Get(ctx, addon.ID)
		require.NoError(t, err)
		assert.NotNil(t, gone.DeletedAt)
	})

	t.Run("keeps addons while a secondary account exists", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))
		addon := f.seedEnt(t, makeEnt(owner, time.Minute))
		f.seedAccount(t, makeAccount(owner, "p@example.com", 0, asPrimary()))
		f.seedAccount(t, makeAccount(owner, "b@example.com", time.Minute))

		_, err := f.svc.CleanupOrphans(ctx, owner)
		require.NoError(t, err)

		kept, err := f.ents.Get(ctx, addon.ID)
		require.NoError(t, err)
		assert.Nil(t, kept.DeletedAt)
		f.provider.AssertNotCalled(t, "CancelNow", mock.Anything, mock.Anything)
	})

	t.Run("row claimed during the provider call is kept", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := uuid.New()
		f.seedEnt(t, makeEnt(owner, 0, withRole(entitlement.RoleBase)))
		addon := f.seedEnt(t, makeEnt(owner, time.Minute))
		f.seedAccount(t, makeAccount(owner, "p@example.com", 0, asPrimary()))

		// A secondary account connects while the provider cancellation
		// is in flight. The re-check under the lock sees the addon is
		// consumable again and leaves the local row alone.
		f.provider.On("CancelNow", mock.Anything, addon.ProviderSubID).
			Run(func(mock.Arguments) {
				acc := makeAccount(owner, "b@example.com", time.Minute)
				require.NoError(t, f.accounts.Save(context.Background(), &acc))
			}).
			Return(nil)

		_, err := f.svc.CleanupOrphans(ctx, owner)
		require.NoError(t, err)

		kept, err := f.ents.Get(ctx, addon.ID)
		require.NoError(t, err)
		assert.Nil(t, kept.DeletedAt)
		assert.NotEqual(t, entitlement.StatusCanceled, kept.Status)
	})
}

package entitlement

import (
	"slices"

	"github.com/google/uuid"
)

// AccountAccess is the reconciled decision for one email account.
type AccountAccess struct {
	Account EmailAccount `json:"account"`
	State   AccessState  `json:"state"`

	// Entitlement is the matched entitlement, nil when access is
	// revoked.
	Entitlement *Entitlement `json:"entitlement,omitempty"`

	// Flagged marks a data-integrity problem on this entry (duplicate
	// primary, cross-owner link). The entry still gets a best-effort
	// state.
	Flagged bool `json:"flagged,omitempty"`
}

// View is the derived access state for one owner. It is recomputed from
// the two stores on demand and never persisted.
type View struct {
	Accounts []AccountAccess `json:"accounts"`

	// UnassignedSlots counts active or trialing entitlements not
	// consumed by any account: paid capacity waiting for a connection.
	UnassignedSlots int `json:"unassigned_slots"`

	// Inactive holds non-deleted entitlements that no longer grant
	// access (past_due, canceled, incomplete), kept for billing history
	// and user messaging.
	Inactive []Entitlement `json:"inactive,omitempty"`
}

// ActiveCount returns how many accounts currently hold access,
// including those pending cancellation.
func (v View) ActiveCount() int {
	n := 0
	for _, a := range v.Accounts {
		if a.State != AccessRevoked {
			n++
		}
	}
	return n
}

// Reconcile computes the joined access view from an owner's full
// entitlement and account sets. Pure and deterministic: creation order
// (then ID) breaks every tie, so repeated calls over the same input
// always produce the same view. Either side may be empty.
func Reconcile(entitlements []Entitlement, accounts []EmailAccount) View {
	var view View

	// Drop soft-deleted rows, split the rest by whether they still
	// grant access.
	var granting []Entitlement
	for _, e := range entitlements {
		if e.IsDeleted() {
			continue
		}
		if e.Status.GrantsAccess() {
			granting = append(granting, e)
		} else {
			view.Inactive = append(view.Inactive, e)
		}
	}
	sortByCreation(granting)
	sortByCreation(view.Inactive)

	// Exactly one base candidate. Providers occasionally deliver
	// duplicate base subscriptions; earliest-created wins, the extras
	// fall through to the unassigned count.
	var base *Entitlement
	for i := range granting {
		if granting[i].Role == RoleBase {
			base = &granting[i]
			break
		}
	}

	byID := make(map[uuid.UUID]*Entitlement, len(granting))
	for i := range granting {
		byID[granting[i].ID] = &granting[i]
	}

	sorted := slices.Clone(accounts)
	slices.SortFunc(sorted, func(a, b EmailAccount) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})

	// A duplicate primary is an integrity violation: the earliest one
	// is treated as the real primary, the rest are flagged and matched
	// like ordinary addon accounts.
	var primaryID uuid.UUID
	havePrimary := false
	for _, a := range sorted {
		if a.IsPrimary {
			primaryID = a.ID
			havePrimary = true
			break
		}
	}

	consumed := make(map[uuid.UUID]bool, len(granting))
	view.Accounts = make([]AccountAccess, 0, len(sorted))

	for _, acc := range sorted {
		entry := AccountAccess{Account: acc}
		if acc.IsPrimary && acc.ID != primaryID {
			entry.Flagged = true
		}

		var match *Entitlement
		switch {
		case havePrimary && acc.ID == primaryID:
			if base != nil && !consumed[base.ID] {
				match = base
			}
		case acc.EntitlementID != nil:
			linked, ok := byID[*acc.EntitlementID]
			switch {
			case !ok:
				// Link points at a deleted or no-longer-granting row;
				// fall back to lazy matching.
				match = firstFreeAddon(granting, consumed)
			case linked.OwnerID != acc.OwnerID:
				entry.Flagged = true
			case !consumed[linked.ID] && linked.Role == RoleAddon:
				match = linked
			default:
				match = firstFreeAddon(granting, consumed)
			}
		default:
			// Lazy linking: entitlements may be purchased before the
			// account exists, so consume the earliest free addon.
			match = firstFreeAddon(granting, consumed)
		}

		switch {
		case match == nil:
			entry.State = AccessRevoked
		case match.CancelAtPeriodEnd:
			consumed[match.ID] = true
			entry.Entitlement = match
			entry.State = AccessPendingCancellation
		default:
			consumed[match.ID] = true
			entry.Entitlement = match
			entry.State = AccessActive
		}
		view.Accounts = append(view.Accounts, entry)
	}

	if n := len(granting) - len(consumed); n > 0 {
		view.UnassignedSlots = n
	}

	return view
}

func firstFreeAddon(granting []Entitlement, consumed map[uuid.UUID]bool) *Entitlement {
	for i := range granting {
		e := &granting[i]
		if e.Role == RoleAddon && !consumed[e.ID] {
			return e
		}
	}
	return nil
}

func sortByCreation(list []Entitlement) {
	slices.SortFunc(list, func(a, b Entitlement) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
}

func compareUUID(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}

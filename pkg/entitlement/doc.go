// Package entitlement keeps paid subscriptions and connected email
// accounts consistently associated under asynchronous, out-of-order
// billing events.
//
// An owner pays for a base subscription plus optional additional-account
// add-ons. Each purchase is an Entitlement tracking one provider
// subscription; each connected mailbox is an EmailAccount. The two
// collections evolve independently: billing webhooks and force-syncs
// drive the entitlement side, user actions drive the account side.
//
// Reconcile is the single source of truth for "who may run": a pure
// function joining both sets into a per-account access state plus the
// count of paid-but-unassigned slots. Every surface (HTTP handlers,
// sync, mutations) derives its answer from the same function, so there
// is exactly one matching policy: primary account consumes the base
// entitlement, explicit links win over lazy matching, and lazy matching
// consumes add-ons in creation order.
//
// The Service wraps the pure engine with effectful operations
// (checkout, cancel, reactivate, delete, sync) that serialize per
// owner, call the billing provider outside any local lock, and apply
// provider events idempotently behind per-subscription version guards.
package entitlement

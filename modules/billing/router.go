// Package billing exposes the entitlement core over HTTP: checkout,
// entitlement and account mutations, the reconciled access view, and
// the billing provider webhook endpoint.
package billing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/mailslot/pkg/entitlement"
)

// OwnerResolver extracts the authenticated owner from a request. The
// surrounding application decides what authentication looks like; this
// module only needs the resulting owner ID.
type OwnerResolver func(r *http.Request) (uuid.UUID, error)

type handlers struct {
	svc     entitlement.Service
	owner   OwnerResolver
	log     *slog.Logger
	maxBody int64
}

// Router mounts the billing endpoints.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(svc, resolveOwner, log))
func Router(svc entitlement.Service, owner OwnerResolver, log *slog.Logger) chi.Router {
	if svc == nil {
		panic("billing: entitlement.Service is required")
	}
	if owner == nil {
		panic("billing: OwnerResolver is required")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &handlers{svc: svc, owner: owner, log: log, maxBody: 1 << 20}

	r := chi.NewRouter()

	r.Get("/view", h.getView)
	r.Post("/sync", h.forceSync)
	r.Post("/cleanup", h.cleanupOrphans)

	r.Route("/entitlements", func(r chi.Router) {
		r.Get("/", h.listEntitlements)
		r.Post("/{id}/cancel", h.cancelEntitlement)
		r.Post("/{id}/reactivate", h.reactivateEntitlement)
	})

	r.Route("/checkout", func(r chi.Router) {
		r.Post("/base", h.checkoutBase)
		r.Post("/addon", h.checkoutAddon)
	})

	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.connectAccount)
		r.Delete("/{id}", h.deleteAccount)
		r.Post("/{id}/reactivate", h.reactivateAccount)
	})

	// Unauthenticated: the provider signs the payload instead.
	r.Post("/webhooks/paddle", h.handleWebhook)

	return r
}

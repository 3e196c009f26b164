package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/mailslot/pkg/entitlement"
)

func (h *handlers) resolveOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ownerID, err := h.owner(r)
	if err != nil {
		respondError(w, errors.Join(errUnauthorized, err))
		return uuid.Nil, false
	}
	return ownerID, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errors.Join(errBadRequest, errors.New("invalid id")))
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) getView(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetView(r.Context(), ownerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, view)
}

func (h *handlers) forceSync(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	view, err := h.svc.ForceSync(r.Context(), ownerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, view)
}

func (h *handlers) cleanupOrphans(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	view, err := h.svc.CleanupOrphans(r.Context(), ownerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, view)
}

func (h *handlers) listEntitlements(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	ents, err := h.svc.ListEntitlements(r.Context(), ownerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, ents)
}

type checkoutRequest struct {
	Email      string `json:"email,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

func (h *handlers) checkoutBase(w http.ResponseWriter, r *http.Request) {
	h.checkout(w, r, h.svc.StartBaseCheckout)
}

func (h *handlers) checkoutAddon(w http.ResponseWriter, r *http.Request) {
	h.checkout(w, r, h.svc.StartAddonCheckout)
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request,
	start func(ctx context.Context, ownerID uuid.UUID, opts entitlement.CheckoutOptions) (*entitlement.CheckoutLink, error),
) {
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		respondError(w, err)
		return
	}

	link, err := start(r.Context(), ownerID, entitlement.CheckoutOptions{
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, link)
}

func (h *handlers) cancelEntitlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	view, err := h.svc.CancelEntitlement(r.Context(), ownerID, id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, view)
}

func (h *handlers) reactivateEntitlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	view, err := h.svc.ReactivateEntitlement(r.Context(), ownerID, id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, view)
}

type connectAccountRequest struct {
	Email    string `json:"email"`
	Provider string `json:"provider"`
}

func (h *handlers) connectAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	var req connectAccountRequest
	if err := decodeJSON(r, h.maxBody, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Email == "" || req.Provider == "" {
		respondError(w, errors.Join(errBadRequest, errors.New("email and provider are required")))
		return
	}

	view, err := h.svc.ConnectAccount(r.Context(), entitlement.ConnectAccountInput{
		OwnerID:  ownerID,
		Email:    req.Email,
		Provider: entitlement.EmailProvider(req.Provider),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, view)
}

func (h *handlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	view, err := h.svc.DeleteAccount(r.Context(), ownerID, id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, view)
}

func (h *handlers) reactivateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ownerID, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}
	view, err := h.svc.ReactivateAccount(r.Context(), ownerID, id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, view)
}

// handleWebhook acknowledges with 200 only after the event is durably
// applied, so the provider retries failed deliveries.
func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		respondError(w, errors.Join(errBadRequest, err))
		return
	}

	signature := r.Header.Get("Paddle-Signature")
	if err := h.svc.HandleWebhook(r.Context(), payload, signature); err != nil {
		h.log.ErrorContext(r.Context(), "webhook processing failed", slog.Any("error", err))
		respondError(w, err)
		return
	}
	respond(w, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, maxBody int64, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

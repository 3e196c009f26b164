package billing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrymomot/mailslot/pkg/entitlement"
)

// jsonResponse is the envelope every endpoint writes.
type jsonResponse struct {
	Data  any          `json:"data,omitempty"`
	Error *errorDetail `json:"error,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body jsonResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respond(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, jsonResponse{Data: data})
}

// respondError maps domain sentinels to HTTP statuses and stable error
// codes. Unknown errors become opaque 500s so internals don't leak.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, entitlement.ErrAlreadyEntitled):
		status, code = http.StatusConflict, "already_entitled"
	case errors.Is(err, entitlement.ErrBaseRequired):
		status, code = http.StatusPaymentRequired, "base_subscription_required"
	case errors.Is(err, entitlement.ErrAlreadyExpired):
		status, code = http.StatusConflict, "already_expired"
	case errors.Is(err, entitlement.ErrNoEntitlement):
		status, code = http.StatusPaymentRequired, "no_entitlement"
	case errors.Is(err, entitlement.ErrEntitlementNotFound):
		status, code = http.StatusNotFound, "entitlement_not_found"
	case errors.Is(err, entitlement.ErrAccountNotFound):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, entitlement.ErrInvalidWebhookPayload):
		status, code = http.StatusBadRequest, "invalid_webhook_payload"
	case errors.Is(err, entitlement.ErrProviderUnavailable):
		status, code = http.StatusServiceUnavailable, "billing_provider_unavailable"
	case errors.Is(err, entitlement.ErrProviderRejected):
		status, code = http.StatusBadGateway, "billing_provider_rejected"
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	}

	detail := &errorDetail{Code: code}
	if status < http.StatusInternalServerError {
		detail.Message = err.Error()
	}
	writeJSON(w, status, jsonResponse{Error: detail})
}

var (
	errBadRequest   = errors.New("bad request")
	errUnauthorized = errors.New("unauthorized")
)

package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mailslot/modules/billing"
	"github.com/dmitrymomot/mailslot/pkg/entitlement"
)

// stubProvider implements entitlement.BillingProvider with canned
// behavior per test.
type stubProvider struct {
	checkoutLink *entitlement.CheckoutLink
	checkoutErr  error
	cancelErr    error
	parseEvent   *entitlement.WebhookEvent
	parseErr     error
	subs         []entitlement.ProviderSubscription
	listErr      error
}

func (p *stubProvider) CreateCheckoutLink(ctx context.Context, req entitlement.CheckoutRequest) (*entitlement.CheckoutLink, error) {
	return p.checkoutLink, p.checkoutErr
}

func (p *stubProvider) CancelAtPeriodEnd(ctx context.Context, providerSubID string) error {
	return p.cancelErr
}

func (p *stubProvider) CancelNow(ctx context.Context, providerSubID string) error {
	return p.cancelErr
}

func (p *stubProvider) Reactivate(ctx context.Context, providerSubID string) error {
	return nil
}

func (p *stubProvider) ListSubscriptions(ctx context.Context, customerID string) ([]entitlement.ProviderSubscription, error) {
	return p.subs, p.listErr
}

func (p *stubProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*entitlement.WebhookEvent, error) {
	return p.parseEvent, p.parseErr
}

type testEnv struct {
	router   http.Handler
	ents     *entitlement.InMemEntitlementStore
	accounts *entitlement.InMemAccountStore
	provider *stubProvider
	owner    uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		ents:     entitlement.NewInMemEntitlementStore(),
		accounts: entitlement.NewInMemAccountStore(),
		provider: &stubProvider{},
		owner:    uuid.New(),
	}

	svc, err := entitlement.NewService(env.ents, env.accounts, env.provider,
		entitlement.Catalog{BasePriceID: "pri_base", AddonPriceID: "pri_addon"})
	require.NoError(t, err)

	resolve := func(r *http.Request) (uuid.UUID, error) {
		raw := r.Header.Get("X-Owner-ID")
		if raw == "" {
			return uuid.Nil, errors.New("missing owner header")
		}
		return uuid.Parse(raw)
	}
	env.router = billing.Router(svc, resolve, nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-Owner-ID", e.owner.String())
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/view", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))
}

func TestRouter_View(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/view", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "data")
}

func TestRouter_Checkout(t *testing.T) {
	t.Parallel()

	t.Run("base checkout returns link", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.provider.checkoutLink = &entitlement.CheckoutLink{URL: "https://pay.example.com/c/1"}

		rec := env.do(t, http.MethodPost, "/checkout/base", `{"email":"u@example.com"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		data := decodeBody(t, rec)["data"].(map[string]any)
		assert.Equal(t, "https://pay.example.com/c/1", data["url"])
	})

	t.Run("addon without base is payment required", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/checkout/addon", "")
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, "base_subscription_required", errorCode(t, rec))
	})

	t.Run("provider outage is 503", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.provider.checkoutErr = entitlement.ErrProviderUnavailable

		rec := env.do(t, http.MethodPost, "/checkout/base", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRouter_Entitlements(t *testing.T) {
	t.Parallel()

	t.Run("cancel unknown entitlement is 404", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/entitlements/"+uuid.NewString()+"/cancel", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "entitlement_not_found", errorCode(t, rec))
	})

	t.Run("malformed id is 400", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/entitlements/not-a-uuid/cancel", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("another owner's entitlement is not reachable", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		e := entitlement.Entitlement{
			ID:            uuid.New(),
			OwnerID:       env.owner,
			ProviderSubID: "sub_victim",
			Role:          entitlement.RoleBase,
			Status:        entitlement.StatusActive,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, env.ents.Save(context.Background(), &e))

		req := httptest.NewRequest(http.MethodPost, "/entitlements/"+e.ID.String()+"/cancel", nil)
		req.Header.Set("X-Owner-ID", uuid.NewString())
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "entitlement_not_found", errorCode(t, rec))

		stored, err := env.ents.Get(context.Background(), e.ID)
		require.NoError(t, err)
		assert.False(t, stored.CancelAtPeriodEnd, "the other owner's entitlement must stay untouched")
	})

	t.Run("reactivate canceled entitlement is conflict", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		e := entitlement.Entitlement{
			ID:            uuid.New(),
			OwnerID:       env.owner,
			ProviderSubID: "sub_x",
			Role:          entitlement.RoleBase,
			Status:        entitlement.StatusCanceled,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, env.ents.Save(context.Background(), &e))

		rec := env.do(t, http.MethodPost, "/entitlements/"+e.ID.String()+"/reactivate", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "already_expired", errorCode(t, rec))
	})
}

func TestRouter_Accounts(t *testing.T) {
	t.Parallel()

	t.Run("connect validates input", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/accounts/", `{"email":""}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("connect and view round trip", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/accounts/", `{"email":"p@example.com","provider":"gmail"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/view", "")
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeBody(t, rec)["data"].(map[string]any)
		accounts, ok := data["accounts"].([]any)
		require.True(t, ok)
		assert.Len(t, accounts, 1)
	})

	t.Run("another owner's account is not reachable", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		acc := entitlement.EmailAccount{
			ID:        uuid.New(),
			OwnerID:   env.owner,
			Email:     "p@example.com",
			Provider:  entitlement.EmailProviderGmail,
			IsPrimary: true,
			IsActive:  true,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, env.accounts.Save(context.Background(), &acc))

		req := httptest.NewRequest(http.MethodDelete, "/accounts/"+acc.ID.String(), nil)
		req.Header.Set("X-Owner-ID", uuid.NewString())
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "account_not_found", errorCode(t, rec))

		_, err := env.accounts.Get(context.Background(), acc.ID)
		assert.NoError(t, err, "the other owner's account must survive")
	})

	t.Run("reactivate uncovered account is payment required", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		acc := entitlement.EmailAccount{
			ID:        uuid.New(),
			OwnerID:   env.owner,
			Email:     "p@example.com",
			Provider:  entitlement.EmailProviderGmail,
			IsPrimary: true,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, env.accounts.Save(context.Background(), &acc))

		rec := env.do(t, http.MethodPost, "/accounts/"+acc.ID.String()+"/reactivate", "")
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, "no_entitlement", errorCode(t, rec))
	})
}

func TestRouter_Webhook(t *testing.T) {
	t.Parallel()

	t.Run("invalid signature is 400 so the provider retries", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.provider.parseErr = entitlement.ErrInvalidWebhookPayload

		req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", strings.NewReader(`{}`))
		req.Header.Set("Paddle-Signature", "bad")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("valid event is applied and acknowledged", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.provider.parseEvent = &entitlement.WebhookEvent{
			ProviderEvent: "subscription.created",
			ProviderSubID: "sub_hook",
			CustomerID:    env.owner.String(),
			PriceID:       "pri_base",
			Status:        entitlement.StatusActive,
			Version:       1,
		}

		req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", strings.NewReader(`{}`))
		req.Header.Set("Paddle-Signature", "good")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		stored, err := env.ents.GetByProviderSubID(context.Background(), "sub_hook")
		require.NoError(t, err)
		assert.Equal(t, entitlement.RoleBase, stored.Role)
	})
}

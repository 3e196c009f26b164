package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddleerr"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements BillingProvider for Paddle.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleProvider creates a new Paddle billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		config:   config,
	}, nil
}

// CreateCheckoutLink creates a hosted checkout transaction in Paddle.
// Owner and role travel in custom data so webhooks can be attributed
// without a provider-side customer lookup.
func (p *PaddleProvider) CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	if req.PriceID == "" {
		return nil, errors.New("price ID is required")
	}
	if req.CustomerID == "" {
		return nil, errors.New("customer ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"owner_id": req.CustomerID,
			"role":     string(req.Role),
		},
	}
	if req.Email != "" {
		transactionReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, providerErr(err)
	}

	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, errors.Join(ErrProviderRejected, errors.New("no checkout URL returned from paddle"))
	}

	return &CheckoutLink{
		URL:       *transaction.Checkout.URL,
		SessionID: transaction.ID,
		ExpiresAt: time.Now().Add(24 * time.Hour), // paddle checkout links expire in 24 hours
	}, nil
}

// CancelAtPeriodEnd schedules a cancellation for the next billing
// period.
func (p *PaddleProvider) CancelAtPeriodEnd(ctx context.Context, providerSubID string) error {
	_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: providerSubID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
	})
	return providerErr(err)
}

// CancelNow cancels the subscription immediately.
func (p *PaddleProvider) CancelNow(ctx context.Context, providerSubID string) error {
	_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: providerSubID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromImmediately),
	})
	return providerErr(err)
}

// Reactivate removes a scheduled cancellation by clearing the
// subscription's scheduled change.
func (p *PaddleProvider) Reactivate(ctx context.Context, providerSubID string) error {
	_, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:  providerSubID,
		ScheduledChange: paddle.NewPatchField[*paddle.SubscriptionScheduledChange](nil),
	})
	return providerErr(err)
}

// ListSubscriptions pulls all of a customer's subscriptions, any
// status, for the force-sync diff.
func (p *PaddleProvider) ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	res, err := p.client.SubscriptionsClient.ListSubscriptions(ctx, &paddle.ListSubscriptionsRequest{
		CustomerID: []string{customerID},
	})
	if err != nil {
		return nil, providerErr(err)
	}

	var out []ProviderSubscription
	err = res.Iter(ctx, func(v *paddle.Subscription) (bool, error) {
		sub := ProviderSubscription{
			ID:                v.ID,
			CustomerID:        v.CustomerID,
			Status:            mapPaddleStatus(string(v.Status)),
			CancelAtPeriodEnd: v.ScheduledChange != nil && v.ScheduledChange.Action == paddle.ScheduledChangeActionCancel,
			CreatedAt:         parsePaddleTime(v.CreatedAt),
			Version:           parsePaddleTime(v.UpdatedAt).UnixMilli(),
		}
		if len(v.Items) > 0 && v.Items[0].Price.ID != "" {
			sub.PriceID = v.Items[0].Price.ID
		}
		if v.CurrentBillingPeriod != nil {
			if end := parsePaddleTime(v.CurrentBillingPeriod.EndsAt); !end.IsZero() {
				sub.PeriodEnd = &end
			}
		}
		out = append(out, sub)
		return true, nil
	})
	if err != nil {
		return nil, providerErr(err)
	}
	return out, nil
}

// ParseWebhook validates the Paddle signature and normalizes the
// payload. The event version is derived from occurred_at, which Paddle
// guarantees to be strictly increasing per object.
//
// Superseded is never set here: Paddle has no webhook signal for a
// subscription being replaced or discarded. Rows the provider stopped
// listing are soft-deleted by the ForceSync pull instead.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidWebhookPayload, err)
	}
	if !valid {
		return nil, errors.Join(ErrInvalidWebhookPayload, errors.New("webhook signature verification failed"))
	}

	var paddleEvent struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt string         `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, errors.Join(ErrInvalidWebhookPayload, err)
	}
	if !strings.HasPrefix(paddleEvent.EventType, "subscription.") {
		return nil, errors.Join(ErrInvalidWebhookPayload,
			fmt.Errorf("unsupported event type %q", paddleEvent.EventType))
	}

	event := &WebhookEvent{
		ProviderEvent: paddleEvent.EventType,
		Version:       parsePaddleTime(paddleEvent.OccurredAt).UnixMilli(),
	}

	if id, ok := paddleEvent.Data["id"].(string); ok {
		event.ProviderSubID = id
	}
	if status, ok := paddleEvent.Data["status"].(string); ok {
		event.Status = mapPaddleStatus(status)
	}
	if customData, ok := paddleEvent.Data["custom_data"].(map[string]any); ok {
		if ownerID, ok := customData["owner_id"].(string); ok {
			event.CustomerID = ownerID
		}
		if role, ok := customData["role"].(string); ok {
			event.RoleHint = Role(role)
		}
	}
	if items, ok := paddleEvent.Data["items"].([]any); ok && len(items) > 0 {
		if item, ok := items[0].(map[string]any); ok {
			if price, ok := item["price"].(map[string]any); ok {
				if priceID, ok := price["id"].(string); ok {
					event.PriceID = priceID
				}
			}
		}
	}
	if change, ok := paddleEvent.Data["scheduled_change"].(map[string]any); ok {
		if action, ok := change["action"].(string); ok && action == "cancel" {
			event.CancelAtPeriodEnd = true
		}
	}
	if period, ok := paddleEvent.Data["current_billing_period"].(map[string]any); ok {
		if endsAt, ok := period["ends_at"].(string); ok {
			if end := parsePaddleTime(endsAt); !end.IsZero() {
				event.PeriodEnd = &end
			}
		}
	}

	if event.ProviderSubID == "" {
		return nil, errors.Join(ErrInvalidWebhookPayload, errors.New("missing subscription id"))
	}
	return event, nil
}

func mapPaddleStatus(paddleStatus string) Status {
	switch strings.ToLower(paddleStatus) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		// paused and anything unknown gets no access
		return StatusIncomplete
	}
}

func parsePaddleTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// providerErr classifies an SDK error: context timeouts become
// ErrProviderUnavailable, anything the provider answered becomes
// ErrProviderRejected so callers can surface the reason verbatim.
func providerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Join(ErrProviderUnavailable, err)
	}
	var apiErr *paddleerr.Error
	if errors.As(err, &apiErr) {
		return errors.Join(ErrProviderRejected, err)
	}
	return errors.Join(ErrProviderUnavailable, err)
}

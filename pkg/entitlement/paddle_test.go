package entitlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddleerr"
	"github.com/stretchr/testify/assert"
)

func TestProviderErr(t *testing.T) {
	t.Parallel()

	t.Run("nil passes through", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, providerErr(nil))
	})

	t.Run("context timeout is unavailable", func(t *testing.T) {
		t.Parallel()
		err := providerErr(fmt.Errorf("list subscriptions: %w", context.DeadlineExceeded))
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.NotErrorIs(t, err, ErrProviderRejected)
	})

	t.Run("api error is rejected", func(t *testing.T) {
		t.Parallel()
		apiErr := &paddleerr.Error{
			Type:   paddleerr.ErrorTypeRequestError,
			Code:   "subscription_locked_renewal",
			Detail: "subscription cannot be canceled during renewal",
		}
		err := providerErr(fmt.Errorf("cancel subscription: %w", apiErr))
		assert.ErrorIs(t, err, ErrProviderRejected)

		// The original provider answer stays reachable for logging.
		var target *paddleerr.Error
		assert.ErrorAs(t, err, &target)
		assert.Equal(t, "subscription_locked_renewal", target.Code)
	})

	t.Run("transport failure is unavailable", func(t *testing.T) {
		t.Parallel()
		err := providerErr(errors.New("connection reset by peer"))
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})
}

func TestMapPaddleStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"trialing":  StatusTrialing,
		"active":    StatusActive,
		"past_due":  StatusPastDue,
		"canceled":  StatusCanceled,
		"cancelled": StatusCanceled,
		"paused":    StatusIncomplete,
		"whatever":  StatusIncomplete,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapPaddleStatus(in), "status %q", in)
	}
}

func TestParsePaddleTime(t *testing.T) {
	t.Parallel()

	got := parsePaddleTime("2025-06-01T14:30:00+02:00")
	assert.Equal(t, time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC), got)

	assert.True(t, parsePaddleTime("not-a-time").IsZero())
	assert.True(t, parsePaddleTime("").IsZero())
}

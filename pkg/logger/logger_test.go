package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mailslot/pkg/logger"
)

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(logger.WithOutput(&buf))

	log.Debug("hidden")
	log.Info("visible", slog.String("k", "v"))

	require.NotContains(t, buf.String(), "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "visible", rec["msg"])
	assert.Equal(t, "v", rec["k"])
}

func TestNew_EnvironmentPresets(t *testing.T) {
	t.Parallel()

	t.Run("development is text at debug", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithEnvironment("development", "mailslot"),
		)

		log.Debug("dev detail")

		out := buf.String()
		assert.Contains(t, out, "dev detail")
		assert.Contains(t, out, "service=mailslot")
		assert.False(t, strings.HasPrefix(out, "{"))
	})

	t.Run("production is json at info", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithEnvironment("production", "mailslot"),
		)

		log.Debug("hidden")
		log.Info("shipped")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "shipped", rec["msg"])
		assert.Equal(t, "mailslot", rec["service"])
		assert.Equal(t, "production", rec["env"])
	})
}

func TestNew_InvalidFormatPanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		logger.New(logger.WithFormat(logger.Format("xml")))
	})
}

func TestWithContextValue(t *testing.T) {
	t.Parallel()

	type ctxKey struct{}

	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithContextValue("request_id", ctxKey{}),
	)

	ctx := context.WithValue(context.Background(), ctxKey{}, "req-123")
	log.InfoContext(ctx, "handled")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "req-123", rec["request_id"])

	// Without the value the attribute is absent.
	buf.Reset()
	log.InfoContext(context.Background(), "handled")
	var bare map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &bare))
	assert.NotContains(t, bare, "request_id")
}

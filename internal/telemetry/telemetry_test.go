package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnabledDefaultsOff(t *testing.T) {
	t.Setenv("VIBESYNC_OTEL_ENABLED", "")
	assert.False(t, Enabled())

	t.Setenv("VIBESYNC_OTEL_ENABLED", "true")
	assert.True(t, Enabled())
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("VIBESYNC_OTEL_ENABLED", "")
	require.NoError(t, Init(context.Background(), "vibesync-test", "0.0.0"))

	// Instruments on the noop provider still work end to end.
	m, err := NewSyncMetrics()
	require.NoError(t, err)
	m.RecordSyncRun(context.Background(), 3, 42, 1, 2*time.Second)
}

func TestShutdownIsIdempotent(t *testing.T) {
	Shutdown(context.Background())
	Shutdown(context.Background())
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", firstNonEmpty("", "a", "b"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

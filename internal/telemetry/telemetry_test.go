package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, provider.Meter("test"))
	require.NoError(t, provider.Shutdown(context.Background()))
	require.Equal(t, "staging", Environment())
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestResultAttr(t *testing.T) {
	require.Equal(t, "ok", ResultAttr("").Value.AsString())
	require.Equal(t, "timeout", ResultAttr("timeout").Value.AsString())
}

func TestBaseIncludesEnvironment(t *testing.T) {
	attrs := Base(AttrTier.String("hot"))
	require.Len(t, attrs, 2)
	require.Equal(t, AttrEnvironment, attrs[0].Key)
	require.Equal(t, AttrTier, attrs[1].Key)
}

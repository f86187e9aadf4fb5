package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "helm-relay", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestConfigFromEndpoint(t *testing.T) {
	require.False(t, ConfigFromEndpoint("", false).Enabled)

	dev := ConfigFromEndpoint("collector:4317", false)
	require.True(t, dev.Enabled)
	require.True(t, dev.Insecure)
	require.Equal(t, "collector:4317", dev.OTLPEndpoint)

	prod := ConfigFromEndpoint("collector:4317", true)
	require.False(t, prod.Insecure)
	require.Equal(t, "production", prod.Environment)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	ctx := context.Background()
	p.RecordMessage(ctx, "accepted", "")
	p.RecordError(ctx, "archive", errors.New("disk"))
	p.RecordAlert(ctx)
	p.RecordDuration(ctx, time.Millisecond)

	spanCtx, span := p.StartSpan(ctx, "test.span")
	require.NotNil(t, spanCtx)
	span.End()

	require.NoError(t, p.Shutdown(ctx))
}

func TestNilConfigUsesDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "helm-relay", p.config.ServiceName)
}

func TestTrackMessage(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackMessage(context.Background(), "msg-1.json")
	require.NotNil(t, ctx)
	AddSpanEvent(ctx, "validated")
	finish("rejected", "ReplayError", nil)

	_, finish = p.TrackMessage(context.Background(), "msg-2.json")
	finish("rejected", "InternalError", errors.New("boom"))
}

func TestMessageAttributes(t *testing.T) {
	attrs := MessageAttributes("m-1", "plan", "planner-1", "executor-1")
	require.Len(t, attrs, 4)
	require.Equal(t, "relay.message.id", string(attrs[0].Key))
	require.Equal(t, "executor-1", attrs[3].Value.AsString())
}

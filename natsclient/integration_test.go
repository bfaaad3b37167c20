//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()
	assert.True(t, tc.Client.IsHealthy())

	got := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "fishalarm.alerts.>", func(_ context.Context, data []byte) {
		got <- data
	}))
	require.NoError(t, tc.Client.Flush(ctx))
	require.NoError(t, tc.Client.Publish(ctx, "fishalarm.alerts.critical.1", []byte("hi")))

	select {
	case data := <-got:
		assert.Equal(t, "hi", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	st := tc.Client.GetStatus()
	assert.Equal(t, "connected", st.Status)
}

func TestIntegration_JetStream(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	stream, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "FISHALARM_ALERTS",
		Subjects: []string{"fishalarm.alerts.>"},
	})
	require.NoError(t, err)

	require.NoError(t, tc.Client.PublishToStream(ctx, "fishalarm.alerts.info.3", []byte(`{"id":1}`)))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/metric"
)

func newTestHub(t *testing.T) (*Hub, string) {
	return newTestHubWith(t, Config{PingInterval: 50 * time.Millisecond})
}

func newTestHubWith(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, metric.NewMetricsRegistry(), nil)
	require.NoError(t, hub.Start(context.Background()))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Stop(time.Second)
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_BroadcastsAlertEnvelope(t *testing.T) {
	hub, url := newTestHub(t)
	a := dialHub(t, url)
	b := dialHub(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	id := int64(4)
	require.NoError(t, hub.Notify(context.Background(), alert.Record{ID: 11, Level: alert.LevelCritical, DeviceID: &id}))

	for _, c := range []*websocket.Conn{a, b} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)

		var env alert.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, alert.EventCreated, env.Type)
		assert.Equal(t, int64(11), env.Alert.ID)
		assert.NotEmpty(t, env.ID)
	}
	assert.True(t, hub.Health().IsHealthy())
}

func TestHub_ClientDisconnectIsRemoved(t *testing.T) {
	hub, url := newTestHub(t)
	c := dialHub(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	// nobody listening is not an error
	assert.NoError(t, hub.Notify(context.Background(), alert.Record{ID: 1}))
}

func TestHub_StopClosesClients(t *testing.T) {
	hub, url := newTestHub(t)
	c := dialHub(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Stop(time.Second))
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// a second stop is harmless
	assert.NoError(t, hub.Stop(time.Second))
	assert.True(t, hub.Health().IsDegraded())
}

func readEnvelope(t *testing.T, c *websocket.Conn) alert.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var env alert.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_ReplaysRecentAlertsToNewClients(t *testing.T) {
	hub, url := newTestHubWith(t, Config{Replay: 2})
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, hub.Notify(ctx, alert.Record{ID: id, Level: alert.LevelWarning}))
	}

	c := dialHub(t, url)
	assert.Equal(t, int64(2), readEnvelope(t, c).Alert.ID)
	assert.Equal(t, int64(3), readEnvelope(t, c).Alert.ID)

	// live alerts follow the backlog
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Notify(ctx, alert.Record{ID: 4}))
	assert.Equal(t, int64(4), readEnvelope(t, c).Alert.ID)
}

func TestHub_BroadcastSkipsReplay(t *testing.T) {
	hub, url := newTestHubWith(t, Config{Replay: 5})
	hub.Broadcast(context.Background(), []byte(`{"ping":true}`))
	require.NoError(t, hub.Notify(context.Background(), alert.Record{ID: 9}))

	c := dialHub(t, url)
	assert.Equal(t, int64(9), readEnvelope(t, c).Alert.ID)
}

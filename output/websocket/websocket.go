// Package websocket pushes every persisted alert to connected browser
// clients. The Hub is both an http.Handler, mounted on the API server, and an
// alert.Notifier fed by the alert pipeline.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/health"
	"github.com/T-en1991/demo111/metric"
	"github.com/T-en1991/demo111/pkg/buffer"
)

// Config tunes the hub
type Config struct {
	WriteTimeout time.Duration // per message, default 10s
	PingInterval time.Duration // default 30s
	ReadTimeout  time.Duration // idle limit, default 60s; refreshed by pongs
	Replay       int           // recent alerts sent to new clients, 0 disables
	CheckOrigin  func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	return c
}

// Metrics holds Prometheus metrics for the hub
type Metrics struct {
	clientsConnected prometheus.Gauge
	connections      prometheus.Counter
	messagesSent     prometheus.Counter
	errorsTotal      *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "websocket",
			Name: "clients_connected", Help: "Connected websocket clients",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket",
			Name: "connections_total", Help: "Websocket connections accepted",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket",
			Name: "messages_sent_total", Help: "Alert messages written to clients",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket",
			Name: "errors_total", Help: "Websocket errors by kind",
		}, []string{"kind"}),
	}
	_ = registry.Register("websocket", "clients_connected", m.clientsConnected)
	_ = registry.Register("websocket", "connections_total", m.connections)
	_ = registry.Register("websocket", "messages_sent_total", m.messagesSent)
	_ = registry.RegisterCounterVec("websocket", "errors_total", m.errorsTotal)
	return m
}

func (m *Metrics) error(kind string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(kind).Inc()
	}
}

// client is one connected browser
type client struct {
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex // gorilla connections allow one writer at a time
	closeOnce   sync.Once
	closed      atomic.Bool
}

func (c *client) write(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(messageType, data)
}

// Hub tracks clients and broadcasts alert envelopes to them
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	recent  *buffer.Ring[[]byte] // nil when replay is off

	shutdown chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
	stopOnce sync.Once
	sent     atomic.Int64
	failures atomic.Int64
}

// NewHub creates a hub. Start must be called for keepalive pings.
func NewHub(cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) *Hub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logger.With("component", "websocket"),
		metrics:  newMetrics(registry),
		clients:  make(map[*client]struct{}),
		shutdown: make(chan struct{}),
	}
	if cfg.Replay > 0 {
		h.recent = buffer.NewRing[[]byte](cfg.Replay)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
	return h
}

// Start begins the keepalive loop
func (h *Hub) Start(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return nil
	}
	h.wg.Add(1)
	go h.maintain(ctx)
	return nil
}

// Stop closes every client and waits for their goroutines
func (h *Hub) Stop(timeout time.Duration) error {
	h.stopOnce.Do(func() { close(h.shutdown) })
	h.running.Store(false)

	for _, c := range h.snapshot() {
		_ = c.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Second)
		h.remove(c)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Hub", "Stop", "wait for clients")
	}
}

// ServeHTTP upgrades the request and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.error("upgrade")
		h.logger.Debug("Upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, connectedAt: time.Now()}

	// Hold the write lock across registration and replay so live alerts
	// queue behind the backlog. Registration and the ring snapshot share
	// h.mu with Notify, so an alert is either replayed or broadcast.
	c.writeMu.Lock()
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	var backlog [][]byte
	if h.recent != nil {
		backlog = h.recent.Snapshot()
	}
	h.mu.Unlock()
	err = h.replay(c, backlog)
	c.writeMu.Unlock()
	if err != nil {
		h.failures.Add(1)
		h.metrics.error("replay")
		h.logger.Debug("Dropping client after replay failure", "error", err)
		h.remove(c)
		return
	}

	if h.metrics != nil {
		h.metrics.connections.Inc()
		h.metrics.clientsConnected.Set(float64(n))
	}
	h.logger.Info("Client connected", "remote", r.RemoteAddr, "clients", n)

	h.wg.Add(1)
	go h.readLoop(c)
}

// replay writes backlog to c. The caller holds c.writeMu.
func (h *Hub) replay(c *client, backlog [][]byte) error {
	for _, data := range backlog {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		h.sent.Add(1)
		if h.metrics != nil {
			h.metrics.messagesSent.Inc()
		}
	}
	return nil
}

// readLoop drains client frames so control messages (pong, close) are
// processed. Data from clients is ignored.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.clientsConnected.Set(float64(n))
		}
		_ = c.conn.Close()
	})
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveLocked()
}

func (h *Hub) liveLocked() []*client {
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if !c.closed.Load() {
			out = append(out, c)
		}
	}
	return out
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify broadcasts rec to every client. Clients that fail the write are
// dropped; Notify itself only fails when the envelope cannot be encoded.
func (h *Hub) Notify(ctx context.Context, rec alert.Record) error {
	data, err := json.Marshal(alert.NewEnvelope(rec))
	if err != nil {
		h.metrics.error("marshal")
		return errors.WrapInvalid(err, "Hub", "Notify", "marshal envelope")
	}
	h.mu.Lock()
	if h.recent != nil {
		h.recent.Push(data)
	}
	clients := h.liveLocked()
	h.mu.Unlock()

	h.sendAll(ctx, clients, data)
	return nil
}

// Broadcast writes data to all clients concurrently. It bypasses the
// replay backlog.
func (h *Hub) Broadcast(ctx context.Context, data []byte) {
	h.sendAll(ctx, h.snapshot(), data)
}

func (h *Hub) sendAll(ctx context.Context, clients []*client, data []byte) {
	if len(clients) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.write(websocket.TextMessage, data, h.cfg.WriteTimeout); err != nil {
				h.failures.Add(1)
				h.metrics.error("write")
				h.logger.Debug("Dropping client after write failure", "error", err)
				h.remove(c)
				return
			}
			h.sent.Add(1)
			if h.metrics != nil {
				h.metrics.messagesSent.Inc()
			}
		}()
	}
	wg.Wait()
}

func (h *Hub) maintain(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			for _, c := range h.snapshot() {
				if err := c.write(websocket.PingMessage, nil, h.cfg.WriteTimeout); err != nil {
					h.metrics.error("ping")
					h.remove(c)
				}
			}
		}
	}
}

// Health reports the hub state
func (h *Hub) Health() health.Status {
	st := health.NewHealthy("websocket", "Accepting clients")
	if !h.running.Load() {
		st = health.NewDegraded("websocket", "Keepalive not running")
	}
	return st.WithMetrics(&health.Metrics{
		ErrorCount: int(h.failures.Load()),
		Active:     h.Clients(),
	})
}

var _ alert.Notifier = (*Hub)(nil)

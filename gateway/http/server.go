// Package http serves the fishalarm REST API: alerts, devices, users, the
// device listeners and health. Handlers are plain net/http on a ServeMux.
package http

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/health"
	"github.com/T-en1991/demo111/input/tcp"
	"github.com/T-en1991/demo111/metric"
	"github.com/T-en1991/demo111/storage"
	"github.com/T-en1991/demo111/alert"
)

// maxBodySize limits request bodies
const maxBodySize = 1 << 20

// Ingest is the listener control surface used by the API
type Ingest interface {
	Listeners() []tcp.ListenerInfo
	Listener(deviceID int64) (tcp.ListenerInfo, bool)
	StartDevice(ctx context.Context, deviceID int64) (tcp.ListenerInfo, error)
	StopDevice(deviceID int64) error
	DeviceUpdated(ctx context.Context, before, after storage.Device) error
	DeviceDeleted(deviceID int64) error
}

// Config controls the server
type Config struct {
	Addr          string
	QueryRate     float64 // API requests per second
	QueryBurst    int
	WebsocketPath string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLS           *tls.Config // nil serves plain HTTP
}

// Deps holds server dependencies
type Deps struct {
	Store           storage.Store
	AlertSink       alert.Sink // manual alerts go through it; defaults to Store
	Ingest          Ingest
	Health          func() health.Status
	Websocket       http.Handler // optional
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Server is the API server
type Server struct {
	cfg     Config
	store   storage.Store
	sink    alert.Sink
	ingest  Ingest
	health  func() health.Status
	ws      http.Handler
	limiter *rate.Limiter
	metrics *metric.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	ln       net.Listener
	running  atomic.Bool
	done     chan struct{}
	serveErr error

	requests atomic.Int64
	failures atomic.Int64
}

// NewServer builds the server and its routes
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Ingest == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "store and ingest are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.QueryRate <= 0 {
		cfg.QueryRate = 100
	}
	if cfg.QueryBurst <= 0 {
		cfg.QueryBurst = 10
	}
	if cfg.WebsocketPath == "" {
		cfg.WebsocketPath = "/ws/alerts"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		store:   deps.Store,
		sink:    deps.AlertSink,
		ingest:  deps.Ingest,
		health:  deps.Health,
		ws:      deps.Websocket,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueryRate), cfg.QueryBurst),
		logger:  deps.Logger,
	}
	if s.sink == nil {
		s.sink = deps.Store
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "http-gateway")
	if deps.MetricsRegistry != nil {
		s.metrics = deps.MetricsRegistry.CoreMetrics()
	}
	return s, nil
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, s.rateLimited(h)))
	}

	api("GET /api/listeners", s.listListeners)
	api("GET /api/listeners/{id}", s.getListener)
	api("POST /api/listeners/{id}", s.startListener)
	api("DELETE /api/listeners/{id}", s.stopListener)

	api("GET /api/alerts", s.listAlerts)
	api("POST /api/alerts", s.createAlert)
	api("DELETE /api/alerts/resolved", s.deleteResolvedAlerts)
	api("GET /api/alerts/{id}", s.getAlert)
	api("PUT /api/alerts/{id}", s.updateAlert)
	api("DELETE /api/alerts/{id}", s.deleteAlert)
	api("POST /api/alerts/{id}/resolve", s.resolveAlert)
	api("POST /api/alerts/{id}/acknowledge", s.acknowledgeAlert)

	api("GET /api/devices", s.listDevices)
	api("POST /api/devices", s.createDevice)
	api("DELETE /api/devices", s.deleteDevices)
	api("GET /api/devices/{id}", s.getDevice)
	api("PUT /api/devices/{id}", s.updateDevice)
	api("DELETE /api/devices/{id}", s.deleteDevice)

	api("GET /api/users", s.listUsers)
	api("POST /api/users", s.createUser)
	api("GET /api/users/{id}", s.getUser)
	api("PUT /api/users/{id}", s.updateUser)
	api("DELETE /api/users/{id}", s.deleteUser)

	mux.Handle("GET /health", s.instrument("GET /health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /ping", s.instrument("GET /ping", http.HandlerFunc(s.handlePing)))
	if s.ws != nil {
		mux.Handle("GET "+s.cfg.WebsocketPath, s.ws)
	}
	return s.withRequestID(mux)
}

// Start binds the address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.cfg.Addr)
	}

	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	s.ln = ln
	s.done = make(chan struct{})
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.running.Store(true)

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()

	s.logger.Info("HTTP API listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Stop shuts the server down, waiting up to timeout for in-flight requests
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running.Swap(false) {
		s.mu.Unlock()
		return nil
	}
	srv, done := s.srv, s.done
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown")
	}
	<-done
	return nil
}

// Health reports the server state
func (s *Server) Health() health.Status {
	st := health.NewHealthy("http-gateway", "Serving on "+s.Addr())
	if !s.running.Load() {
		st = health.NewUnhealthy("http-gateway", "Not serving")
	}
	return st.WithMetrics(&health.Metrics{ErrorCount: int(s.failures.Load())})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		next.ServeHTTP(rec, r)

		s.requests.Add(1)
		if rec.status >= 500 {
			s.failures.Add(1)
		}
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(route, strconv.Itoa(rec.status))
		}
		s.logger.Debug("Request served",
			"route", route,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", w.Header().Get("X-Request-ID"))
	})
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.fail(w, r, errors.WrapTransient(errors.ErrRateLimited, "Server", "rateLimited", "admit request"))
			return
		}
		next(w, r)
	}
}

// fail logs err and writes the mapped response
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= 500 {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordError("http-gateway", err)
	}
	writeError(w, status, publicMessage(err))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var st health.Status
	if s.health != nil {
		st = s.health()
	} else {
		st = s.Health()
	}
	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pong": true, "time": time.Now().UTC()})
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: bad id %q", errors.ErrInvalidData, raw), "Server", "pathID", "parse id")
	}
	return id, nil
}

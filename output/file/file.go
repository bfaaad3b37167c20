// Package file appends every persisted alert to a journal file, one JSON
// document per alert.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/health"
)

// Config holds journal settings
type Config struct {
	Path          string
	Format        string        // jsonl (default) or json (indented)
	BufferSize    int           // flush after this many alerts, default 100
	FlushInterval time.Duration // default 1s
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path is required")
	}
	switch c.Format {
	case "", "jsonl", "json":
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: format %q", errors.ErrInvalidConfig, c.Format),
			"Config", "Validate", "format must be jsonl or json")
	}
	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "buffer_size must not be negative")
	}
	return nil
}

// Journal implements alert.Notifier by buffering envelopes and appending
// them to Path
type Journal struct {
	cfg    Config
	logger *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	bufferMu sync.Mutex
	buffer   [][]byte

	fileMu sync.Mutex
	file   *os.File

	written      atomic.Int64
	bytes        atomic.Int64
	errs         atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// New creates a stopped journal
func New(cfg Config, logger *slog.Logger) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format == "" {
		cfg.Format = "jsonl"
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		cfg:    cfg,
		logger: logger.With("component", "alert-journal", "path", cfg.Path),
	}, nil
}

// Start opens the file for appending and begins periodic flushes
func (j *Journal) Start(_ context.Context) error {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if j.running {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.cfg.Path), 0o755); err != nil {
		return errors.WrapFatal(err, "Journal", "Start", "create journal directory")
	}
	f, err := os.OpenFile(j.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "Journal", "Start", "open journal file")
	}

	j.fileMu.Lock()
	j.file = f
	j.fileMu.Unlock()

	j.shutdown = make(chan struct{})
	j.wg.Add(1)
	go j.flushLoop(j.shutdown)
	j.running = true

	j.logger.Info("Alert journal started", "format", j.cfg.Format, "buffer_size", j.cfg.BufferSize)
	return nil
}

// Stop flushes what is buffered and closes the file
func (j *Journal) Stop(timeout time.Duration) error {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if !j.running {
		return nil
	}
	j.running = false
	close(j.shutdown)

	waitCh := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("shutdown timeout after %v", timeout), "Journal", "Stop", "wait for flush loop")
	}

	j.flush()

	j.fileMu.Lock()
	defer j.fileMu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return errors.WrapTransient(err, "Journal", "Stop", "close journal file")
	}
	return nil
}

// Notify buffers rec; a full buffer is flushed inline
func (j *Journal) Notify(_ context.Context, rec alert.Record) error {
	env := alert.NewEnvelope(rec)
	var (
		data []byte
		err  error
	)
	if j.cfg.Format == "json" {
		data, err = json.MarshalIndent(env, "", "  ")
	} else {
		data, err = json.Marshal(env)
	}
	if err != nil {
		return errors.WrapInvalid(err, "Journal", "Notify", "marshal envelope")
	}
	data = append(data, '\n')

	j.bufferMu.Lock()
	j.buffer = append(j.buffer, data)
	full := len(j.buffer) >= j.cfg.BufferSize
	j.bufferMu.Unlock()

	j.lastActivity.Store(time.Now().UnixNano())
	if full {
		j.flush()
	}
	return nil
}

func (j *Journal) flushLoop(shutdown <-chan struct{}) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			j.flush()
		}
	}
}

// flush writes buffered entries in arrival order
func (j *Journal) flush() {
	j.fileMu.Lock()
	defer j.fileMu.Unlock()

	j.bufferMu.Lock()
	entries := j.buffer
	j.buffer = nil
	j.bufferMu.Unlock()

	if len(entries) == 0 {
		return
	}
	if j.file == nil {
		j.errs.Add(int64(len(entries)))
		j.logger.Error("Journal not open, alerts dropped", "count", len(entries))
		return
	}

	for _, e := range entries {
		n, err := j.file.Write(e)
		if err != nil {
			j.errs.Add(1)
			j.logger.Error("Failed to write alert to journal", "error", err)
			continue
		}
		j.written.Add(1)
		j.bytes.Add(int64(n))
	}
}

// Written returns how many alerts reached the file
func (j *Journal) Written() int64 { return j.written.Load() }

// Health reports degraded once any write failed
func (j *Journal) Health() health.Status {
	j.lifecycleMu.Lock()
	running := j.running
	j.lifecycleMu.Unlock()

	var st health.Status
	switch {
	case !running:
		st = health.NewUnhealthy("alert-journal", "Journal not running")
	case j.errs.Load() > 0:
		st = health.NewDegraded("alert-journal", "Journal write errors")
	default:
		st = health.NewHealthy("alert-journal", "Journal writing")
	}
	var last time.Time
	if ns := j.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return st.WithMetrics(&health.Metrics{ErrorCount: int(j.errs.Load()), LastActivity: last})
}

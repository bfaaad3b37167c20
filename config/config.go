// Package config loads fishalarm configuration from layered JSON or YAML
// files, environment variables and command-line overrides.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/pkg/tlsutil"
)

// Duration is a time.Duration that reads "5s" style strings from JSON and YAML.
// Plain numbers are taken as nanoseconds.
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML accepts a duration string or a number
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(x))
	case int:
		*d = Duration(x)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Config is the complete service configuration
type Config struct {
	Listener ListenerConfig `json:"listener" yaml:"listener"`
	Storage  StorageConfig  `json:"storage"  yaml:"storage"`
	NATS     NATSConfig     `json:"nats"     yaml:"nats"`
	HTTP     HTTPConfig     `json:"http"     yaml:"http"`
	Metrics  MetricsConfig  `json:"metrics"  yaml:"metrics"`
	Log      LogConfig      `json:"log"      yaml:"log"`
	Webhook  WebhookConfig  `json:"webhook"  yaml:"webhook"`
	Journal  JournalConfig  `json:"journal"  yaml:"journal"`
}

// ListenerConfig tunes device listeners
type ListenerConfig struct {
	ReadBufferSize int             `json:"read_buffer_size" yaml:"read_buffer_size"`
	PersistTimeout Duration        `json:"persist_timeout"  yaml:"persist_timeout"`
	AckTimeout     Duration        `json:"ack_timeout"      yaml:"ack_timeout"`
	StopTimeout    Duration        `json:"stop_timeout"     yaml:"stop_timeout"`
	BindRetry      BindRetryConfig `json:"bind_retry"       yaml:"bind_retry"`
}

// BindRetryConfig controls retries of a failed bind
type BindRetryConfig struct {
	MaxAttempts  int      `json:"max_attempts"  yaml:"max_attempts"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay"`
}

// StorageConfig selects the SQLite database
type StorageConfig struct {
	Path string `json:"path" yaml:"path"`
}

// NATSConfig controls alert publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string   `json:"url"            yaml:"url"`
	SubjectPrefix string   `json:"subject_prefix" yaml:"subject_prefix"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Username      string   `json:"username,omitempty" yaml:"username"`
	Password      string   `json:"password,omitempty" yaml:"password"`
	Token         string   `json:"token,omitempty"    yaml:"token"`
	JetStream     bool     `json:"jetstream"      yaml:"jetstream"`
	Stream        string   `json:"stream"         yaml:"stream"`
}

// HTTPConfig controls the API server. WebsocketReplay is how many recent
// alerts a new websocket client receives on connect; 0 disables replay.
type HTTPConfig struct {
	Addr            string  `json:"addr"             yaml:"addr"`
	QueryRate       float64 `json:"query_rate"       yaml:"query_rate"`
	QueryBurst      int     `json:"query_burst"      yaml:"query_burst"`
	WebsocketPath   string  `json:"websocket_path"   yaml:"websocket_path"`
	WebsocketReplay int     `json:"websocket_replay" yaml:"websocket_replay"`

	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// JournalConfig appends every alert to a local file. An empty path
// disables it.
type JournalConfig struct {
	Path          string   `json:"path"           yaml:"path"`
	Format        string   `json:"format"         yaml:"format"`
	BufferSize    int      `json:"buffer_size"    yaml:"buffer_size"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`
}

// WebhookConfig posts every alert to an HTTP endpoint. An empty URL
// disables it.
type WebhookConfig struct {
	URL        string               `json:"url"         yaml:"url"`
	Headers    map[string]string    `json:"headers"     yaml:"headers"`
	Timeout    Duration             `json:"timeout"     yaml:"timeout"`
	RetryCount int                  `json:"retry_count" yaml:"retry_count"`
	Levels     []string             `json:"levels"      yaml:"levels"`
	Workers    int                  `json:"workers"     yaml:"workers"`
	QueueSize  int                  `json:"queue_size"  yaml:"queue_size"`
	TLS        tlsutil.ClientConfig `json:"tls"         yaml:"tls"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port"    yaml:"port"`
	Path    string `json:"path"    yaml:"path"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level  string `json:"level"  yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Dir    string `json:"dir"    yaml:"dir"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			ReadBufferSize: 64 * 1024,
			PersistTimeout: Duration(5 * time.Second),
			AckTimeout:     Duration(5 * time.Second),
			StopTimeout:    Duration(5 * time.Second),
			BindRetry: BindRetryConfig{
				MaxAttempts:  1,
				InitialDelay: Duration(200 * time.Millisecond),
			},
		},
		Storage: StorageConfig{Path: "fishalarm.db"},
		NATS: NATSConfig{
			SubjectPrefix: "fishalarm.alerts",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Stream:        "FISHALARM_ALERTS",
		},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			QueryRate:     100,
			QueryBurst:    10,
			WebsocketPath:   "/ws/alerts",
			WebsocketReplay: 20,
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Webhook: WebhookConfig{
			Timeout:    Duration(10 * time.Second),
			RetryCount: 3,
			Workers:    2,
			QueueSize:  256,
		},
		Journal: JournalConfig{
			Format:        "jsonl",
			BufferSize:    100,
			FlushInterval: Duration(time.Second),
		},
	}
}

// Validate checks cross-field rules the schema cannot express
func (c *Config) Validate() error {
	var problems []string

	if c.Listener.ReadBufferSize < 512 {
		problems = append(problems, "listener.read_buffer_size must be at least 512")
	}
	if c.Listener.PersistTimeout <= 0 {
		problems = append(problems, "listener.persist_timeout must be positive")
	}
	if c.Listener.BindRetry.MaxAttempts < 1 {
		problems = append(problems, "listener.bind_retry.max_attempts must be at least 1")
	}
	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}
	if c.NATS.URL != "" {
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
			problems = append(problems, "nats.subject_prefix must be a literal subject")
		}
		if c.NATS.JetStream && c.NATS.Stream == "" {
			problems = append(problems, "nats.stream is required when jetstream is enabled")
		}
	}
	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is required")
	}
	if c.HTTP.QueryRate <= 0 || c.HTTP.QueryBurst < 1 {
		problems = append(problems, "http.query_rate and http.query_burst must be positive")
	}
	if !strings.HasPrefix(c.HTTP.WebsocketPath, "/") {
		problems = append(problems, "http.websocket_path must start with /")
	}
	if c.HTTP.WebsocketReplay < 0 || c.HTTP.WebsocketReplay > 1000 {
		problems = append(problems, "http.websocket_replay must be between 0 and 1000")
	}
	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "") {
		problems = append(problems, "http.tls requires cert_file and key_file")
	}
	if c.Webhook.URL != "" {
		if !strings.HasPrefix(c.Webhook.URL, "http://") && !strings.HasPrefix(c.Webhook.URL, "https://") {
			problems = append(problems, "webhook.url must be an http or https URL")
		}
		if c.Webhook.RetryCount < 0 || c.Webhook.RetryCount > 10 {
			problems = append(problems, "webhook.retry_count must be between 0 and 10")
		}
	}
	if c.Journal.Path != "" && c.Journal.Format != "jsonl" && c.Journal.Format != "json" {
		problems = append(problems, "journal.format must be jsonl or json")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			problems = append(problems, "metrics.port out of range")
		}
		if fmt.Sprintf(":%d", c.Metrics.Port) == c.HTTP.Addr {
			problems = append(problems, "metrics.port collides with http.addr")
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, "log.level must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, "log.format must be text or json")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

// String renders the config as JSON with secrets masked
func (c *Config) String() string {
	cp := *c
	if cp.NATS.Password != "" {
		cp.NATS.Password = "****"
	}
	if cp.NATS.Token != "" {
		cp.NATS.Token = "****"
	}
	if len(cp.Webhook.Headers) > 0 {
		masked := make(map[string]string, len(cp.Webhook.Headers))
		for k := range cp.Webhook.Headers {
			masked[k] = "****"
		}
		cp.Webhook.Headers = masked
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

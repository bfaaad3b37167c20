package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/T-en1991/demo111/errors"
)

//go:embed schema.json
var schemaJSON []byte

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "FISHALARM"

// Loader merges config layers over the defaults. Later layers win.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{validation: true, envPrefix: EnvPrefix}
}

// AddLayer appends a config file
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation turns schema and rule validation on or off
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single file over the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load reads every layer, validates the merged document against the schema,
// applies environment overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	merged := map[string]any{}
	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	if l.validation {
		if err := ValidateDocument(merged); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged config")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	format, _ := configFormat(path)

	raw := map[string]any{}
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return raw, nil
}

// deepMergeMaps merges override into base, recursing into nested objects
func deepMergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = deepMergeMaps(existing, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ValidateDocument checks a raw config document against the embedded schema
func ValidateDocument(doc map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Loader", "ValidateDocument", "run schema validation")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; ")),
		"Loader", "ValidateDocument", "schema validation")
}

func (l *Loader) env(name string) string {
	return getenv(l.envPrefix + "_" + name)
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,
		"LOG_DIR":        &cfg.Log.Dir,
		"DB_PATH":        &cfg.Storage.Path,
		"HTTP_ADDR":      &cfg.HTTP.Addr,
		"NATS_URL":       &cfg.NATS.URL,
		"NATS_USERNAME":  &cfg.NATS.Username,
		"NATS_PASSWORD":  &cfg.NATS.Password,
		"NATS_TOKEN":     &cfg.NATS.Token,
		"NATS_SUBJECT":   &cfg.NATS.SubjectPrefix,
		"METRICS_PATH":   &cfg.Metrics.Path,
		"WEBSOCKET_PATH": &cfg.HTTP.WebsocketPath,
		"WEBHOOK_URL":    &cfg.Webhook.URL,
		"JOURNAL_PATH":   &cfg.Journal.Path,
	}
	for name, dst := range strs {
		if v := l.env(name); v != "" {
			*dst = v
		}
	}

	if v := l.env("METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_METRICS_PORT=%q", errors.ErrInvalidConfig, l.envPrefix, v),
				"Loader", "applyEnvOverrides", "parse metrics port")
		}
		cfg.Metrics.Port = port
	}
	if v := l.env("METRICS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_METRICS_ENABLED=%q", errors.ErrInvalidConfig, l.envPrefix, v),
				"Loader", "applyEnvOverrides", "parse metrics flag")
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

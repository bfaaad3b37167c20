package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/T-en1991/demo111/config"
)

// CLIConfig holds command-line configuration. Flags that are set win over
// the config file and environment.
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	LogDir          string
	DBPath          string
	HTTPAddr        string
	NATSURL         string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool

	flags *pflag.FlagSet
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)

	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c", nil,
		"Configuration file(s), JSON or YAML; later files override earlier ones")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format: json, text")
	fs.StringVar(&cfg.LogDir, "log-dir", "", "Directory for daily log files, empty for stderr only")
	fs.StringVar(&cfg.DBPath, "db", "", "SQLite database path")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", "", "HTTP API listen address")
	fs.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL, empty disables alert publishing")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "%s - fish device alarm ingestion\n\nUsage: %s [options]\n\nOptions:\n", appName, appName)
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment variables prefixed %s_ override the config file.\n", config.EnvPrefix)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	cfg.flags = fs
	return cfg, nil
}

// apply copies explicitly set flags over the loaded configuration
func (c *CLIConfig) apply(cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if c.flags.Changed(name) {
			*dst = v
		}
	}
	set("log-level", &cfg.Log.Level, c.LogLevel)
	set("log-format", &cfg.Log.Format, c.LogFormat)
	set("log-dir", &cfg.Log.Dir, c.LogDir)
	set("db", &cfg.Storage.Path, c.DBPath)
	set("http-addr", &cfg.HTTP.Addr, c.HTTPAddr)
	set("nats-url", &cfg.NATS.URL, c.NATSURL)
}

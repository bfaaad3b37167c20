// Package natspub publishes persisted alerts to NATS so other services can
// react to them live.
package natspub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
)

// Publisher sends raw bytes on a subject. natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Config controls subject naming and delivery mode.
type Config struct {
	SubjectPrefix string // default "fishalarm.alerts"
	JetStream     bool   // publish through the stream and wait for the ack
}

// Notifier implements alert.Notifier over NATS.
type Notifier struct {
	pub    Publisher
	cfg    Config
	logger *slog.Logger
}

// New creates a notifier.
func New(pub Publisher, cfg Config, logger *slog.Logger) (*Notifier, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natspub", "New", "publisher is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "fishalarm.alerts"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, cfg: cfg, logger: logger.With("component", "natspub")}, nil
}

// Subject returns <prefix>.<level>.<device id>. Alerts without a device use
// "none" as the last token.
func (n *Notifier) Subject(rec alert.Record) string {
	device := "none"
	if rec.DeviceID != nil {
		device = strconv.FormatInt(*rec.DeviceID, 10)
	}
	level := string(rec.Level)
	if level == "" {
		level = string(alert.LevelInfo)
	}
	return n.cfg.SubjectPrefix + "." + level + "." + device
}

// Notify publishes rec.
func (n *Notifier) Notify(ctx context.Context, rec alert.Record) error {
	data, err := json.Marshal(alert.NewEnvelope(rec))
	if err != nil {
		return errors.WrapInvalid(err, "natspub", "Notify", "marshal envelope")
	}

	subject := n.Subject(rec)
	if n.cfg.JetStream {
		err = n.pub.PublishToStream(ctx, subject, data)
	} else {
		err = n.pub.Publish(ctx, subject, data)
	}
	if err != nil {
		return errors.WrapTransient(err, "natspub", "Notify", "publish "+subject)
	}
	n.logger.Debug("Alert published", "subject", subject, "alert_id", rec.ID)
	return nil
}

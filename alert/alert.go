// Package alert defines the normalized alert record persisted for every
// inbound device event, together with the contracts used to store and fan it out.
package alert

import (
	"context"
	"time"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// Status is the alert lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Record is a normalized alert. ID and the timestamps are assigned by the store.
type Record struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      Level      `json:"level"`
	Type       string     `json:"type"`
	Source     string     `json:"source"`
	Status     Status     `json:"status"`
	DeviceID   *int64     `json:"device_id,omitempty"`
	UserID     *int64     `json:"user_id,omitempty"`
	ImageFile  *string    `json:"image_file,omitempty"`
	Lat        *float64   `json:"lat"`
	Lon        *float64   `json:"lon"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Sink persists a record and returns the stored version.
type Sink interface {
	CreateAlert(ctx context.Context, rec Record) (Record, error)
}

// Notifier is told about every record after it has been persisted.
type Notifier interface {
	Notify(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) (Record, error)

// CreateAlert calls f.
func (f SinkFunc) CreateAlert(ctx context.Context, rec Record) (Record, error) {
	return f(ctx, rec)
}

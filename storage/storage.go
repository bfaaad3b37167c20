// Package storage defines the persistence contracts for devices, alerts and
// users. The ingestion path only depends on DeviceLister and alert.Sink; the
// wider interfaces back the HTTP API.
package storage

import (
	"context"
	"time"

	"github.com/T-en1991/demo111/alert"
)

// DeviceStatus is the operator-set run state of a fish
type DeviceStatus string

const (
	DeviceRunning DeviceStatus = "running"
	DeviceStopped DeviceStatus = "stopped"
)

// Valid reports whether s is a known device status
func (s DeviceStatus) Valid() bool {
	return s == DeviceRunning || s == DeviceStopped
}

// Device is a registered fish. IP and Port are optional; a device without
// both has no listener.
type Device struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Status    DeviceStatus `json:"status"`
	IP        *string      `json:"ip"`
	Port      *int         `json:"port"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Endpoint returns the device's network endpoint when both parts are set
func (d Device) Endpoint() (Endpoint, bool) {
	if d.IP == nil || *d.IP == "" || d.Port == nil || *d.Port <= 0 {
		return Endpoint{}, false
	}
	return Endpoint{DeviceID: d.ID, Address: *d.IP, Port: *d.Port}, true
}

// Endpoint is the address a device listener binds to
type Endpoint struct {
	DeviceID int64  `json:"device_id"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
}

// DeviceQuery filters device searches. Zero fields match everything; Name is
// a case-insensitive substring match.
type DeviceQuery struct {
	Name   string
	Type   string
	Status DeviceStatus
}

// DeviceUpdate carries a partial device update. Nil fields are left alone.
// ClearEndpoint removes ip and port.
type DeviceUpdate struct {
	Name          *string
	Type          *string
	Status        *DeviceStatus
	IP            *string
	Port          *int
	ClearEndpoint bool
}

// AlertQuery filters alert listings
type AlertQuery struct {
	Status   alert.Status
	Level    alert.Level
	DeviceID *int64
	Limit    int
}

// AlertUpdate carries a partial alert update
type AlertUpdate struct {
	Title   *string
	Message *string
	Level   *alert.Level
	Type    *string
	Source  *string
	Status  *alert.Status
}

// User is an operator account that alerts may be assigned to
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceLister is what bootstrap needs from the device store
type DeviceLister interface {
	// ListDevicesWithEndpoint returns every device with both IP and port set
	ListDevicesWithEndpoint(ctx context.Context) ([]Endpoint, error)
}

// DeviceStore manages fish records
type DeviceStore interface {
	DeviceLister
	CreateDevice(ctx context.Context, d Device) (Device, error)
	GetDevice(ctx context.Context, id int64) (Device, error)
	ListDevices(ctx context.Context, q DeviceQuery) ([]Device, error)
	UpdateDevice(ctx context.Context, id int64, u DeviceUpdate) (Device, error)
	DeleteDevice(ctx context.Context, id int64) error
	DeleteDevices(ctx context.Context, ids []int64) (int64, error)
}

// AlertStore manages alert records
type AlertStore interface {
	alert.Sink
	GetAlert(ctx context.Context, id int64) (alert.Record, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]alert.Record, error)
	UpdateAlert(ctx context.Context, id int64, u AlertUpdate) (alert.Record, error)
	ResolveAlert(ctx context.Context, id int64) (alert.Record, error)
	AcknowledgeAlert(ctx context.Context, id int64) (alert.Record, error)
	DeleteAlert(ctx context.Context, id int64) error
	DeleteResolvedAlerts(ctx context.Context) (int64, error)
}

// UserStore manages operator accounts
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, id int64, email, name *string) (User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// Store is the full persistence surface
type Store interface {
	DeviceStore
	AlertStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/health"
	"github.com/T-en1991/demo111/input/tcp"
	"github.com/T-en1991/demo111/storage"
)

// Pinger is a dependency whose reachability feeds the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IngestDeps holds IngestService dependencies.
type IngestDeps struct {
	Registry    *tcp.Registry
	Devices     storage.DeviceStore
	Pinger      Pinger // optional
	StopTimeout time.Duration
	Options     []Option
}

// IngestService owns the device listeners for the life of the process. It
// bootstraps them on Start, keeps them in step with device edits and closes
// them all on Stop.
type IngestService struct {
	*lifecycle
	registry    *tcp.Registry
	devices     storage.DeviceStore
	stopTimeout time.Duration
}

// NewIngestService creates a stopped service.
func NewIngestService(deps IngestDeps) (*IngestService, error) {
	if deps.Registry == nil || deps.Devices == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "IngestService", "New",
			"registry and device store are required")
	}

	opts := deps.Options
	if deps.Pinger != nil {
		opts = append([]Option{WithHealthCheck(deps.Pinger.Ping)}, opts...)
	}

	s := &IngestService{
		lifecycle:   newLifecycle("ingest", opts...),
		registry:    deps.Registry,
		devices:     deps.Devices,
		stopTimeout: deps.StopTimeout,
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = 5 * time.Second
	}
	return s, nil
}

// Start bootstraps listeners for every configured device. Device problems
// never fail Start; only calling it while running is a no-op.
func (s *IngestService) Start(ctx context.Context) error {
	if !s.begin() {
		return nil
	}
	started := Bootstrap(ctx, s.devices, s.registry, s.logger)
	s.running(ctx)
	s.logger.Info("Ingest service started", "listeners", started)
	return nil
}

// Stop closes every listener.
func (s *IngestService) Stop(timeout time.Duration) error {
	if !s.end() {
		return nil
	}
	if timeout <= 0 {
		timeout = s.stopTimeout
	}
	err := s.registry.StopAll()
	s.stopped(timeout)
	if err != nil {
		s.logger.Warn("Listeners closed with errors", "error", err)
		return errors.WrapTransient(err, "IngestService", "Stop", "stop listeners")
	}
	s.logger.Info("Ingest service stopped")
	return nil
}

// StartDevice starts the listener for a stored device.
func (s *IngestService) StartDevice(ctx context.Context, deviceID int64) (tcp.ListenerInfo, error) {
	if s.Status() != StatusRunning {
		return tcp.ListenerInfo{}, errors.WrapTransient(errors.ErrNotStarted, "IngestService", "StartDevice", "check status")
	}
	d, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return tcp.ListenerInfo{}, err
	}
	ep, ok := d.Endpoint()
	if !ok {
		return tcp.ListenerInfo{}, errors.WrapInvalid(fmt.Errorf("%w: device %d has no ip/port", errors.ErrInvalidData, deviceID),
			"IngestService", "StartDevice", "resolve endpoint")
	}
	if err := s.registry.Start(ctx, ep); err != nil {
		return tcp.ListenerInfo{}, err
	}
	info, _ := s.registry.Get(deviceID)
	return info, nil
}

// StopDevice closes the device's listener if there is one.
func (s *IngestService) StopDevice(deviceID int64) error {
	return s.registry.Stop(deviceID)
}

// DeviceUpdated keeps the listener in step with an edited device. A changed
// endpoint restarts the listener; a removed endpoint stops it.
func (s *IngestService) DeviceUpdated(ctx context.Context, before, after storage.Device) error {
	if s.Status() != StatusRunning {
		return nil
	}
	oldEP, hadEP := before.Endpoint()
	newEP, hasEP := after.Endpoint()

	switch {
	case !hasEP:
		if hadEP {
			return s.registry.Stop(after.ID)
		}
		return nil
	case hadEP && oldEP == newEP:
		return nil
	default:
		s.logger.Info("Device endpoint changed", "device_id", after.ID,
			"address", newEP.Address, "port", newEP.Port)
		return s.registry.Restart(ctx, newEP)
	}
}

// DeviceDeleted stops the listener of a removed device.
func (s *IngestService) DeviceDeleted(deviceID int64) error {
	return s.registry.Stop(deviceID)
}

// Listeners returns every running listener.
func (s *IngestService) Listeners() []tcp.ListenerInfo {
	return s.registry.List()
}

// Listener returns one device's listener.
func (s *IngestService) Listener(deviceID int64) (tcp.ListenerInfo, bool) {
	return s.registry.Get(deviceID)
}

// Info returns lifecycle information.
func (s *IngestService) Info() Info {
	return s.info()
}

// Health combines the lifecycle state with listener health.
func (s *IngestService) Health() health.Status {
	return health.Aggregate(s.name, []health.Status{s.baseHealth(), s.registry.Health()})
}

var _ ListenerStarter = (*tcp.Registry)(nil)


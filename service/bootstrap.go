package service

import (
	"context"
	"log/slog"

	"github.com/T-en1991/demo111/input/tcp"
	"github.com/T-en1991/demo111/storage"
)

// ListenerStarter starts a listener for one device endpoint.
type ListenerStarter interface {
	Start(ctx context.Context, ep tcp.Endpoint) error
}

// Bootstrap starts a listener for every device that has both an address and
// a port. A failed device query is logged and nothing is started; a device
// whose listener cannot bind is logged and skipped. It returns the number of
// listeners started.
func Bootstrap(ctx context.Context, devices storage.DeviceLister, starter ListenerStarter, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bootstrap")

	endpoints, err := devices.ListDevicesWithEndpoint(ctx)
	if err != nil {
		logger.Error("Device query failed, starting without listeners", "error", err)
		return 0
	}

	started := 0
	for _, ep := range endpoints {
		if err := starter.Start(ctx, ep); err != nil {
			logger.Warn("Skipping device", "device_id", ep.DeviceID,
				"address", ep.Address, "port", ep.Port, "error", err)
			continue
		}
		started++
	}

	logger.Info("Listeners bootstrapped", "devices", len(endpoints), "started", started)
	return started
}

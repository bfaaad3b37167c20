package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/metric"
)

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "stopping", StatusStopping.String())
	assert.Equal(t, "unknown", Status(42).String())
}

func TestLifecycle_Transitions(t *testing.T) {
	l := newLifecycle("probe", WithHealthInterval(0))
	assert.Equal(t, StatusStopped, l.Status())
	assert.True(t, l.baseHealth().IsUnhealthy())
	assert.False(t, l.end(), "stopping a stopped service is a no-op")

	require.True(t, l.begin())
	assert.Equal(t, StatusStarting, l.Status())
	assert.True(t, l.baseHealth().IsDegraded())
	assert.False(t, l.begin())

	l.abort()
	assert.Equal(t, StatusStopped, l.Status())

	require.True(t, l.begin())
	l.running(context.Background())
	assert.True(t, l.baseHealth().IsHealthy())

	info := l.info()
	assert.Equal(t, "probe", info.Name)
	assert.Equal(t, "running", info.Status)
	assert.False(t, info.StartTime.IsZero())

	require.True(t, l.end())
	assert.True(t, l.baseHealth().IsDegraded())
	l.stopped(time.Second)
	assert.Equal(t, StatusStopped, l.Status())
	assert.Zero(t, l.info().Uptime)
}

func TestLifecycle_HealthCheckLoop(t *testing.T) {
	calls := make(chan struct{}, 8)
	l := newLifecycle("probe",
		WithHealthInterval(10*time.Millisecond),
		WithHealthCheck(func(context.Context) error {
			select {
			case calls <- struct{}{}:
			default:
			}
			return errors.ErrStorageUnavailable
		}))

	require.True(t, l.begin())
	l.running(context.Background())
	require.False(t, l.begin())

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("health check never ran")
	}
	require.Eventually(t, func() bool { return l.baseHealth().IsUnhealthy() }, time.Second, 5*time.Millisecond)
	assert.Positive(t, l.info().FailedHealthChecks)

	require.True(t, l.end())
	l.stopped(time.Second)
	assert.False(t, l.end())
	assert.Equal(t, StatusStopped, l.Status())
}

func TestLifecycle_RecordsStatusGauge(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	l := newLifecycle("gauge", WithMetrics(registry), WithHealthInterval(0))

	require.True(t, l.begin())
	l.running(context.Background())

	gauge := registry.CoreMetrics().ServiceStatus.WithLabelValues("gauge")
	assert.Equal(t, float64(StatusRunning), testutil.ToFloat64(gauge))

	require.True(t, l.end())
	l.stopped(time.Second)
	assert.Equal(t, float64(StatusStopped), testutil.ToFloat64(gauge))
}

package service

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/input/tcp"
	"github.com/T-en1991/demo111/storage"
	"github.com/T-en1991/demo111/storage/sqlite"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type ingestFixture struct {
	store   *sqlite.Store
	service *IngestService
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pipeline, err := NewPipeline(PipelineDeps{Store: store})
	require.NoError(t, err)

	registry, err := tcp.NewRegistry(tcp.RegistryDeps{Sink: pipeline})
	require.NoError(t, err)

	svc, err := NewIngestService(IngestDeps{
		Registry: registry,
		Devices:  store,
		Pinger:   store,
		Options:  []Option{WithHealthInterval(0)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(time.Second) })

	return &ingestFixture{store: store, service: svc}
}

func (f *ingestFixture) device(t *testing.T, name string, port int) storage.Device {
	t.Helper()
	ip := "127.0.0.1"
	d := storage.Device{Name: name, Type: "fish", IP: &ip}
	if port > 0 {
		d.Port = &port
	}
	d, err := f.store.CreateDevice(context.Background(), d)
	require.NoError(t, err)
	return d
}

func TestIngestService_StartBootstrapsAndPersists(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	port := freePort(t)
	d := f.device(t, "tank-1", port)
	f.device(t, "no-port", 0)

	require.NoError(t, f.service.Start(ctx))
	assert.Equal(t, StatusRunning, f.service.Status())
	require.Len(t, f.service.Listeners(), 1)

	// second start is a no-op
	require.NoError(t, f.service.Start(ctx))
	assert.Len(t, f.service.Listeners(), 1)

	info, ok := f.service.Listener(d.ID)
	require.True(t, ok)
	c, err := net.Dial("tcp", info.BoundAddr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("+++AT*SENDIM,1,2,3,ALARM-OK,pic.jpg\r\n"))
	require.NoError(t, err)

	var alerts []alert.Record
	require.Eventually(t, func() bool {
		alerts, err = f.store.ListAlerts(ctx, storage.AlertQuery{})
		return err == nil && len(alerts) == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, alert.LevelCritical, alerts[0].Level)
	require.NotNil(t, alerts[0].DeviceID)
	assert.Equal(t, d.ID, *alerts[0].DeviceID)

	require.NoError(t, f.service.Stop(time.Second))
	assert.Equal(t, StatusStopped, f.service.Status())
	assert.Empty(t, f.service.Listeners())
}

func TestIngestService_DeviceUpdated(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	d := f.device(t, "tank", freePort(t))
	require.NoError(t, f.service.Start(ctx))

	before, ok := f.service.Listener(d.ID)
	require.True(t, ok)

	// unchanged endpoint leaves the listener alone
	require.NoError(t, f.service.DeviceUpdated(ctx, d, d))
	same, _ := f.service.Listener(d.ID)
	assert.Equal(t, before.StartedAt, same.StartedAt)

	newPort := freePort(t)
	updated, err := f.store.UpdateDevice(ctx, d.ID, storage.DeviceUpdate{Port: &newPort})
	require.NoError(t, err)
	require.NoError(t, f.service.DeviceUpdated(ctx, d, updated))

	after, ok := f.service.Listener(d.ID)
	require.True(t, ok)
	assert.Equal(t, newPort, after.Port)

	cleared, err := f.store.UpdateDevice(ctx, d.ID, storage.DeviceUpdate{ClearEndpoint: true})
	require.NoError(t, err)
	require.NoError(t, f.service.DeviceUpdated(ctx, updated, cleared))
	_, ok = f.service.Listener(d.ID)
	assert.False(t, ok)
}

func TestIngestService_StartStopDevice(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	_, err := f.service.StartDevice(ctx, 1)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, f.service.Start(ctx))
	noPort := f.device(t, "no-port", 0)
	_, err = f.service.StartDevice(ctx, noPort.ID)
	assert.True(t, errors.IsInvalid(err))

	_, err = f.service.StartDevice(ctx, 9999)
	assert.True(t, errors.IsNotFound(err))

	d := f.device(t, "late", freePort(t))
	info, err := f.service.StartDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, info.DeviceID)

	require.NoError(t, f.service.DeviceDeleted(d.ID))
	_, ok := f.service.Listener(d.ID)
	assert.False(t, ok)
	assert.NoError(t, f.service.StopDevice(d.ID))
}

func TestIngestService_Health(t *testing.T) {
	f := newIngestFixture(t)
	assert.True(t, f.service.Health().IsUnhealthy())

	require.NoError(t, f.service.Start(context.Background()))
	st := f.service.Health()
	assert.True(t, st.IsHealthy(), st.Message)
	assert.Len(t, st.SubStatuses, 2)
	assert.Equal(t, "running", f.service.Info().Status)
}

func TestNewIngestService_RequiresDeps(t *testing.T) {
	_, err := NewIngestService(IngestDeps{})
	assert.True(t, errors.IsInvalid(err))
}

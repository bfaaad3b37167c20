package tcp

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/metric"
)

// fakeSink records created alerts and can be told to fail.
type fakeSink struct {
	mu      sync.Mutex
	records []alert.Record
	fail    error
	nextID  int64
}

func (s *fakeSink) CreateAlert(_ context.Context, rec alert.Record) (alert.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return alert.Record{}, s.fail
	}
	s.nextID++
	rec.ID = s.nextID
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *fakeSink) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() []alert.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Record(nil), s.records...)
}

func newTestRegistry(t *testing.T, sink alert.Sink, reg *metric.MetricsRegistry) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryDeps{
		Config: Config{
			PersistTimeout: time.Second,
			AckTimeout:     time.Second,
			StopTimeout:    2 * time.Second,
		},
		Sink:            sink,
		MetricsRegistry: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.StopAll() })
	return r
}

func loopback(id int64) Endpoint {
	return Endpoint{DeviceID: id, Address: "127.0.0.1", Port: 0}
}

func dial(t *testing.T, r *Registry, id int64) net.Conn {
	t.Helper()
	info, ok := r.Get(id)
	require.True(t, ok)
	c, err := net.DialTimeout("tcp", info.BoundAddr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForRecords(t *testing.T, sink *fakeSink, n int) []alert.Record {
	t.Helper()
	require.Eventually(t, func() bool { return len(sink.snapshot()) >= n },
		2*time.Second, 10*time.Millisecond)
	return sink.snapshot()
}

func TestNewRegistry_RequiresSink(t *testing.T) {
	_, err := NewRegistry(RegistryDeps{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegistry_StructuredAlarmIsAckedAndPersisted(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRegistry(t, sink, nil)
	require.NoError(t, r.Start(context.Background(), loopback(7)))

	c := dial(t, r, 7)
	_, err := c.Write([]byte("ID=F1;C=2;IMG=a.jpg;POS=31.2,121.5"))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+++AT*SENDIM,33,2,ack,ALARM-OK,a.jpg\r\n", line)

	recs := waitForRecords(t, sink, 1)
	rec := recs[0]
	assert.Equal(t, alert.LevelCritical, rec.Level)
	assert.Equal(t, alert.StatusActive, rec.Status)
	require.NotNil(t, rec.DeviceID)
	assert.Equal(t, int64(7), *rec.DeviceID)
	require.NotNil(t, rec.ImageFile)
	assert.Equal(t, "a.jpg", *rec.ImageFile)
	require.NotNil(t, rec.Lat)
	assert.InDelta(t, 31.2, *rec.Lat, 1e-9)
	assert.Equal(t, c.LocalAddr().String(), rec.Source)

	info, ok := r.Get(7)
	require.True(t, ok)
	assert.Equal(t, int64(1), info.Alerts)
	assert.Equal(t, int64(1), info.Connections)
	assert.False(t, info.LastActivity.IsZero())
}

func TestRegistry_NonAlarmFramesAreNotAcked(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRegistry(t, sink, nil)
	require.NoError(t, r.Start(context.Background(), loopback(1)))

	c := dial(t, r, 1)
	_, err := c.Write([]byte("hello fish"))
	require.NoError(t, err)

	recs := waitForRecords(t, sink, 1)
	assert.Equal(t, alert.LevelInfo, recs[0].Level)
	assert.Equal(t, "hello fish", recs[0].Message)

	// nothing should come back on the wire
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 16)
	_, err = c.Read(buf)
	var ne net.Error
	require.True(t, stderrors.As(err, &ne) && ne.Timeout(), "expected read timeout, got %v", err)
}

func TestRegistry_PersistFailureKeepsConnectionOpen(t *testing.T) {
	sink := &fakeSink{}
	sink.setFail(errors.ErrStorageUnavailable)
	r := newTestRegistry(t, sink, nil)
	require.NoError(t, r.Start(context.Background(), loopback(3)))

	c := dial(t, r, 3)
	_, err := c.Write([]byte("first"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, _ := r.Get(3)
		return info.Errors >= 1
	}, 2*time.Second, 10*time.Millisecond)

	sink.setFail(nil)
	_, err = c.Write([]byte("second"))
	require.NoError(t, err)

	recs := waitForRecords(t, sink, 1)
	assert.Equal(t, "second", recs[0].Message)
}

func TestRegistry_AckStillSentWhenPersistFails(t *testing.T) {
	sink := &fakeSink{}
	sink.setFail(errors.ErrStorageUnavailable)
	r := newTestRegistry(t, sink, nil)
	require.NoError(t, r.Start(context.Background(), loopback(4)))

	c := dial(t, r, 4)
	_, err := c.Write([]byte("ID=X;C=1;IMG=z.png;POS=1,2"))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+++AT*SENDIM,33,2,ack,ALARM-OK,z.png\r\n", line)
}

func TestRegistry_StartIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, &fakeSink{}, nil)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, loopback(9)))
	first, _ := r.Get(9)
	require.NoError(t, r.Start(ctx, loopback(9)))
	second, _ := r.Get(9)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, first.BoundAddr, second.BoundAddr)
}

func TestRegistry_BindFailureRemovesEntry(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	reg := metric.NewMetricsRegistry()
	r := newTestRegistry(t, &fakeSink{}, reg)

	err = r.Start(context.Background(), Endpoint{DeviceID: 2, Address: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBindFailed)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 0, r.Len())

	_, ok := r.Get(2)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.bindFailures.WithLabelValues("2")))
}

func TestRegistry_StopUnknownIsNoop(t *testing.T) {
	r := newTestRegistry(t, &fakeSink{}, nil)
	assert.NoError(t, r.Stop(404))
}

func TestRegistry_StopClosesListenerAndConnections(t *testing.T) {
	r := newTestRegistry(t, &fakeSink{}, nil)
	require.NoError(t, r.Start(context.Background(), loopback(5)))
	info, _ := r.Get(5)
	c := dial(t, r, 5)

	require.NoError(t, r.Stop(5))
	assert.Equal(t, 0, r.Len())

	// open connection is closed by the listener
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)

	// and the port no longer accepts
	_, err = net.DialTimeout("tcp", info.BoundAddr, 200*time.Millisecond)
	assert.Error(t, err)

	// stopping again is a no-op
	assert.NoError(t, r.Stop(5))
}

func TestRegistry_StopAll(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	r := newTestRegistry(t, &fakeSink{}, reg)
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, r.Start(ctx, loopback(id)))
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(r.metrics.listenersActive.WithLabelValues()))

	require.NoError(t, r.StopAll())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.List())
	assert.Equal(t, 0.0, testutil.ToFloat64(r.metrics.listenersActive.WithLabelValues()))

	// empty registry
	assert.NoError(t, r.StopAll())
}

func TestRegistry_Restart(t *testing.T) {
	r := newTestRegistry(t, &fakeSink{}, nil)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx, loopback(8)))

	require.NoError(t, r.Restart(ctx, Endpoint{DeviceID: 8, Address: "127.0.0.1", Port: 0}))
	info, ok := r.Get(8)
	require.True(t, ok)
	assert.True(t, info.Running)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ListOrderedAndHealth(t *testing.T) {
	r := newTestRegistry(t, &fakeSink{}, nil)
	ctx := context.Background()
	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, r.Start(ctx, loopback(id)))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{list[0].DeviceID, list[1].DeviceID, list[2].DeviceID})

	st := r.Health()
	assert.True(t, st.IsHealthy())
	assert.Equal(t, "tcp-listeners", st.Component)
}

func TestRegistry_ListenerOutlivesStartContext(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRegistry(t, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, loopback(6)))
	cancel()

	c := dial(t, r, 6)
	_, err := c.Write([]byte("still here"))
	require.NoError(t, err)
	waitForRecords(t, sink, 1)
}

func TestPreview(t *testing.T) {
	short := preview([]byte("abc"))
	assert.Equal(t, `"abc"`, short)

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	p := preview(long)
	assert.Len(t, p, previewLen+3)
	assert.True(t, len(p) > 3 && p[len(p)-3:] == "...")
}

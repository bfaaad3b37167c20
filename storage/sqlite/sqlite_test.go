package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fishalarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// monotonic fake clock so ordering by created_at is deterministic
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.CreateDevice(context.Background(), storage.Device{Name: "a", Type: "t"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	devices, err := s.ListDevices(context.Background(), storage.DeviceQuery{})
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestDevices_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, err := s.CreateDevice(ctx, storage.Device{Name: "Nemo", Type: "scout", IP: strPtr("127.0.0.1"), Port: intPtr(9001)})
	require.NoError(t, err)
	assert.NotZero(t, d.ID)
	assert.Equal(t, storage.DeviceStopped, d.Status)
	ep, ok := d.Endpoint()
	require.True(t, ok)
	assert.Equal(t, storage.Endpoint{DeviceID: d.ID, Address: "127.0.0.1", Port: 9001}, ep)

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	running := storage.DeviceRunning
	updated, err := s.UpdateDevice(ctx, d.ID, storage.DeviceUpdate{Status: &running, Port: intPtr(9002)})
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceRunning, updated.Status)
	assert.Equal(t, 9002, *updated.Port)
	assert.True(t, updated.UpdatedAt.After(d.UpdatedAt))

	cleared, err := s.UpdateDevice(ctx, d.ID, storage.DeviceUpdate{ClearEndpoint: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.IP)
	assert.Nil(t, cleared.Port)
	_, ok = cleared.Endpoint()
	assert.False(t, ok)

	require.NoError(t, s.DeleteDevice(ctx, d.ID))
	_, err = s.GetDevice(ctx, d.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.DeleteDevice(ctx, d.ID)))
}

func TestDevices_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name   string
		device storage.Device
	}{
		{"missing name", storage.Device{Type: "t"}},
		{"missing type", storage.Device{Name: "n"}},
		{"bad status", storage.Device{Name: "n", Type: "t", Status: "sleeping"}},
		{"bad port", storage.Device{Name: "n", Type: "t", Port: intPtr(70000)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateDevice(ctx, tt.device)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDevices_SearchAndEndpoints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seed := []storage.Device{
		{Name: "Blue Fin", Type: "scout", Status: storage.DeviceRunning, IP: strPtr("10.0.0.1"), Port: intPtr(7000)},
		{Name: "red_fin", Type: "scout", IP: strPtr("10.0.0.2")},
		{Name: "Grouper", Type: "heavy", Status: storage.DeviceRunning, Port: intPtr(7002)},
		{Name: "finch 100%", Type: "heavy", IP: strPtr("10.0.0.4"), Port: intPtr(7004)},
	}
	var ids []int64
	for _, d := range seed {
		created, err := s.CreateDevice(ctx, d)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	tests := []struct {
		name     string
		query    storage.DeviceQuery
		expected []string
	}{
		{"all newest first", storage.DeviceQuery{}, []string{"finch 100%", "Grouper", "red_fin", "Blue Fin"}},
		{"name case insensitive", storage.DeviceQuery{Name: "FIN"}, []string{"finch 100%", "red_fin", "Blue Fin"}},
		{"literal underscore", storage.DeviceQuery{Name: "d_f"}, []string{"red_fin"}},
		{"literal percent", storage.DeviceQuery{Name: "100%"}, []string{"finch 100%"}},
		{"by type", storage.DeviceQuery{Type: "heavy"}, []string{"finch 100%", "Grouper"}},
		{"by status", storage.DeviceQuery{Status: storage.DeviceRunning}, []string{"Grouper", "Blue Fin"}},
		{"combined", storage.DeviceQuery{Name: "fin", Type: "scout", Status: storage.DeviceRunning}, []string{"Blue Fin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, err := s.ListDevices(ctx, tt.query)
			require.NoError(t, err)
			names := make([]string, 0, len(devices))
			for _, d := range devices {
				names = append(names, d.Name)
			}
			assert.Equal(t, tt.expected, names)
		})
	}

	endpoints, err := s.ListDevicesWithEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.Endpoint{
		{DeviceID: ids[0], Address: "10.0.0.1", Port: 7000},
		{DeviceID: ids[3], Address: "10.0.0.4", Port: 7004},
	}, endpoints)

	n, err := s.DeleteDevices(ctx, []int64{ids[0], ids[1], 9999})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAlerts_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dev, err := s.CreateDevice(ctx, storage.Device{Name: "Nemo", Type: "scout"})
	require.NoError(t, err)

	lat := 31.23
	rec := alert.Record{
		Title:     "Alarm from device D1",
		Message:   "device=D1;channel=2;img=pic.jpg;pos=31.23,abc",
		Level:     alert.LevelCritical,
		Type:      "alarm",
		Source:    "127.0.0.1:5555",
		Status:    alert.StatusActive,
		DeviceID:  &dev.ID,
		ImageFile: strPtr("pic.jpg"),
		Lat:       &lat,
	}

	created, err := s.CreateAlert(ctx, rec)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, rec.Title, created.Title)
	assert.Equal(t, dev.ID, *created.DeviceID)
	assert.Equal(t, "pic.jpg", *created.ImageFile)
	assert.InDelta(t, lat, *created.Lat, 1e-9)
	assert.Nil(t, created.Lon)
	assert.Nil(t, created.ResolvedAt)
	assert.False(t, created.CreatedAt.IsZero())

	acked, err := s.AcknowledgeAlert(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, acked.Status)

	resolved, err := s.ResolveAlert(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	active := alert.StatusActive
	reopened, err := s.UpdateAlert(ctx, created.ID, storage.AlertUpdate{Status: &active})
	require.NoError(t, err)
	assert.Nil(t, reopened.ResolvedAt)

	_, err = s.ResolveAlert(ctx, 424242)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.DeleteDevice(ctx, dev.ID))
	orphan, err := s.GetAlert(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, orphan.DeviceID, "device delete clears the alert's device")
}

func TestAlerts_ListAndDeleteResolved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seed := []alert.Record{
		{Title: "a", Level: alert.LevelInfo},
		{Title: "b", Level: alert.LevelCritical},
		{Title: "c", Level: alert.LevelCritical, Status: alert.StatusResolved},
		{Title: "d", Level: alert.LevelWarning, Status: alert.StatusResolved},
	}
	for _, rec := range seed {
		_, err := s.CreateAlert(ctx, rec)
		require.NoError(t, err)
	}

	titles := func(recs []alert.Record) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.Title)
		}
		return out
	}

	all, err := s.ListAlerts(ctx, storage.AlertQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b", "a"}, titles(all))

	activeRecs, err := s.ListAlerts(ctx, storage.AlertQuery{Status: alert.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, titles(activeRecs))

	critical, err := s.ListAlerts(ctx, storage.AlertQuery{Level: alert.LevelCritical, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, titles(critical))

	n, err := s.DeleteResolvedAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err = s.ListAlerts(ctx, storage.AlertQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, titles(all))
}

func TestAlerts_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateAlert(ctx, alert.Record{})
	assert.True(t, errors.IsInvalid(err))

	_, err = s.CreateAlert(ctx, alert.Record{Title: "x", Level: "loud"})
	assert.True(t, errors.IsInvalid(err))

	missing := int64(777)
	_, err = s.CreateAlert(ctx, alert.Record{Title: "x", DeviceID: &missing})
	require.Error(t, err, "foreign key on device_id")
	assert.ErrorIs(t, err, errors.ErrPersistFailed)
}

func TestUsers_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.CreateUser(ctx, storage.User{Email: "ops@example.com", Name: strPtr("Ops")})
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, storage.User{Email: "ops@example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConflict)

	_, err = s.CreateUser(ctx, storage.User{Email: "not-an-email"})
	assert.True(t, errors.IsInvalid(err))

	byEmail, err := s.GetUserByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	renamed, err := s.UpdateUser(ctx, u.ID, nil, strPtr("Night shift"))
	require.NoError(t, err)
	assert.Equal(t, "Night shift", *renamed.Name)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	require.NoError(t, s.DeleteUser(ctx, u.ID))
	_, err = s.GetUser(ctx, u.ID)
	assert.True(t, errors.IsNotFound(err))
}

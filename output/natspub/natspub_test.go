package natspub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
)

type published struct {
	subject string
	data    []byte
	stream  bool
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.msgs = append(f.msgs, published{subject, data, false})
	return f.err
}

func (f *fakePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	f.msgs = append(f.msgs, published{subject, data, true})
	return f.err
}

func TestNotifier_Subject(t *testing.T) {
	n, err := New(&fakePublisher{}, Config{}, nil)
	require.NoError(t, err)

	id := int64(12)
	tests := []struct {
		name string
		rec  alert.Record
		want string
	}{
		{"device alert", alert.Record{Level: alert.LevelCritical, DeviceID: &id}, "fishalarm.alerts.critical.12"},
		{"no device", alert.Record{Level: alert.LevelWarning}, "fishalarm.alerts.warning.none"},
		{"no level", alert.Record{DeviceID: &id}, "fishalarm.alerts.info.12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Subject(tt.rec))
		})
	}
}

func TestNotifier_Notify(t *testing.T) {
	pub := &fakePublisher{}
	n, err := New(pub, Config{SubjectPrefix: "test"}, nil)
	require.NoError(t, err)

	id := int64(3)
	rec := alert.Record{ID: 9, Title: "Alarm", Level: alert.LevelInfo, DeviceID: &id}
	require.NoError(t, n.Notify(context.Background(), rec))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "test.info.3", pub.msgs[0].subject)
	assert.False(t, pub.msgs[0].stream)

	var env alert.Envelope
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &env))
	assert.Equal(t, alert.EventCreated, env.Type)
	_, err = uuid.Parse(env.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(9), env.Alert.ID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestNotifier_JetStreamAndErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.ErrConnectionLost}
	n, err := New(pub, Config{JetStream: true}, nil)
	require.NoError(t, err)

	err = n.Notify(context.Background(), alert.Record{Level: alert.LevelError})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	require.Len(t, pub.msgs, 1)
	assert.True(t, pub.msgs[0].stream)

	_, err = New(nil, Config{}, nil)
	assert.True(t, errors.IsInvalid(err))
}

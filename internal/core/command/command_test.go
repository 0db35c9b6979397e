package command

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldhuis/nestd/internal/core/device"
	"github.com/veldhuis/nestd/internal/core/nest"
)

type fakeDevices struct {
	byID map[string]*device.Device
}

func (f *fakeDevices) Device(id string) (*device.Device, bool) {
	d, ok := f.byID[id]
	return d, ok
}

type fakePutter struct {
	url     string
	objects []nest.Object
	err     error
}

func (f *fakePutter) PutObjects(_ context.Context, transportURL string, objects []nest.Object) error {
	f.url = transportURL
	f.objects = objects
	return f.err
}

type fakeTransport struct{ url string }

func (f *fakeTransport) TransportURL() string { return f.url }

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newSender(putErr error, transportURL string) (*Sender, *fakePutter) {
	devices := &fakeDevices{byID: map[string]*device.Device{
		"c1": {ID: "c1", Type: device.TypeCamera},
	}}
	putter := &fakePutter{err: putErr}
	return NewSender(devices, putter, &fakeTransport{url: transportURL}, testLogger()), putter
}

func TestSenderSend(t *testing.T) {
	t.Run("renders and submits", func(t *testing.T) {
		s, putter := newSender(nil, "https://transport.example")

		err := s.Send(context.Background(), "c1", "set_streaming", map[string]any{"enabled": true})
		require.NoError(t, err)

		assert.Equal(t, "https://transport.example", putter.url)
		require.Len(t, putter.objects, 1)
		assert.Equal(t, "quartz.c1", putter.objects[0].ObjectKey)
		assert.Equal(t, "MERGE", putter.objects[0].Op)
	})

	t.Run("unknown device is a rejection", func(t *testing.T) {
		s, putter := newSender(nil, "https://transport.example")

		err := s.Send(context.Background(), "ghost", "set_streaming", map[string]any{"enabled": true})
		assert.True(t, nest.IsCommandRejected(err))
		assert.Empty(t, putter.objects, "nothing reaches the wire")
	})

	t.Run("unsupported command is a rejection", func(t *testing.T) {
		s, putter := newSender(nil, "https://transport.example")

		err := s.Send(context.Background(), "c1", "set_hvac_mode", map[string]any{"mode": "heat"})
		assert.True(t, nest.IsCommandRejected(err))
		assert.Empty(t, putter.objects)
	})

	t.Run("bad payload is a rejection", func(t *testing.T) {
		s, _ := newSender(nil, "https://transport.example")

		err := s.Send(context.Background(), "c1", "set_streaming", map[string]any{"enabled": "yes"})
		assert.True(t, nest.IsCommandRejected(err))
		assert.ErrorIs(t, err, device.ErrBadPayload)
	})

	t.Run("no transport yet is transient", func(t *testing.T) {
		s, _ := newSender(nil, "")

		err := s.Send(context.Background(), "c1", "set_streaming", map[string]any{"enabled": true})
		require.Error(t, err)
		assert.False(t, nest.IsCommandRejected(err))

		var ce *nest.CommandError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, nest.CommandTransient, ce.Kind)
	})

	t.Run("transport errors pass through untouched", func(t *testing.T) {
		wireErr := &nest.CommandError{Kind: nest.CommandRejected, Err: errors.New("put: HTTP 422")}
		s, _ := newSender(wireErr, "https://transport.example")

		err := s.Send(context.Background(), "c1", "set_streaming", map[string]any{"enabled": true})
		assert.Equal(t, wireErr, err)
	})
}

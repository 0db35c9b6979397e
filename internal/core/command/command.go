// Package command carries write requests from the local surfaces (HTTP API,
// MQTT command topics) to the cloud transport. It owns none of the state: a
// command's effect is only believed once it comes back on the delta stream.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veldhuis/nestd/internal/core/device"
	"github.com/veldhuis/nestd/internal/core/nest"
)

// deviceSource resolves a device id to its current snapshot.
type deviceSource interface {
	Device(id string) (*device.Device, bool)
}

// objectPutter sends MERGE objects to the transport.
type objectPutter interface {
	PutObjects(ctx context.Context, transportURL string, objects []nest.Object) error
}

// transportSource reports the transport endpoint of the live subscription,
// or "" when no subscription has been established yet.
type transportSource interface {
	TransportURL() string
}

// Sender validates and dispatches device commands.
type Sender struct {
	devices   deviceSource
	putter    objectPutter
	transport transportSource
	log       *slog.Logger
}

// NewSender wires a command sender over the registry, the cloud client and
// the stream listener's transport endpoint.
func NewSender(devices deviceSource, putter objectPutter, transport transportSource, log *slog.Logger) *Sender {
	return &Sender{devices: devices, putter: putter, transport: transport, log: log}
}

// Send renders and submits one command against one device.
//
// Unknown devices, unsupported commands and malformed payloads are rejections
// and must not be retried. A missing transport endpoint means the sync loop
// has not connected yet, which is transient.
func (s *Sender) Send(ctx context.Context, deviceID, command string, payload map[string]any) error {
	d, ok := s.devices.Device(deviceID)
	if !ok {
		return &nest.CommandError{Kind: nest.CommandRejected, Err: fmt.Errorf("unknown device %q", deviceID)}
	}

	obj, err := device.RenderCommand(d, command, payload)
	if err != nil {
		if errors.Is(err, device.ErrUnsupportedCommand) || errors.Is(err, device.ErrBadPayload) {
			return &nest.CommandError{Kind: nest.CommandRejected, Err: err}
		}
		return &nest.CommandError{Kind: nest.CommandTransient, Err: err}
	}

	transportURL := s.transport.TransportURL()
	if transportURL == "" {
		return &nest.CommandError{Kind: nest.CommandTransient, Err: errors.New("transport not connected")}
	}

	if err := s.putter.PutObjects(ctx, transportURL, []nest.Object{obj}); err != nil {
		return err
	}
	s.log.Info("command sent", "device_id", deviceID, "command", command, "object_key", obj.ObjectKey)
	return nil
}

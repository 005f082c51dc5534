package service

import (
	"context"
	"errors"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/control"
	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// DeviceSession is the controller's handle on one established session.
// Control requests and stream frames may be issued concurrently.
type DeviceSession struct {
	*link
	svc    *ControllerService
	device *discovery.Result
	client *control.Client
	sender *stream.Sender
}

// ID returns the session identifier.
func (ds *DeviceSession) ID() string { return ds.machine.ID() }

// Device returns the discovery result the session was opened from.
func (ds *DeviceSession) Device() *discovery.Result { return ds.device }

// Machine returns the session state machine.
func (ds *DeviceSession) Machine() *session.Machine { return ds.machine }

// State returns the session state.
func (ds *DeviceSession) State() session.State { return ds.machine.State() }

// Done is closed when the session reaches Closed or Failed.
func (ds *DeviceSession) Done() <-chan struct{} { return ds.machine.Done() }

// Control returns the control channel client.
func (ds *DeviceSession) Control() *control.Client { return ds.client }

// Stream returns the stream sender.
func (ds *DeviceSession) Stream() *stream.Sender { return ds.sender }

// Identify asks the fixture to identify itself for d.
func (ds *DeviceSession) Identify(ctx context.Context, d time.Duration) error {
	return ds.track(wire.OpIdentify, ds.client.Identify(ctx, d))
}

// SetChannels writes values starting at channel start.
func (ds *DeviceSession) SetChannels(ctx context.Context, start uint16, values []uint16) error {
	return ds.track(wire.OpSetChannels, ds.client.SetChannels(ctx, start, values))
}

// SetGroup writes the values of a named group.
func (ds *DeviceSession) SetGroup(ctx context.Context, group string, values []uint16) error {
	return ds.track(wire.OpSetGroup, ds.client.SetGroup(ctx, group, values))
}

// Reset returns the fixture to its defaults.
func (ds *DeviceSession) Reset(ctx context.Context) error {
	return ds.track(wire.OpReset, ds.client.Reset(ctx))
}

// QueryStatus reads the device's view of the session.
func (ds *DeviceSession) QueryStatus(ctx context.Context) (*wire.StatusReport, error) {
	report, err := ds.client.QueryStatus(ctx)
	return report, ds.track(wire.OpQueryStatus, err)
}

// SetProfile negotiates p with the device.
func (ds *DeviceSession) SetProfile(ctx context.Context, p stream.Profile) (string, error) {
	id, err := ds.client.SetProfile(ctx, p)
	if err := ds.track(wire.OpSetProfile, err); err != nil {
		return "", err
	}
	ds.svc.emitEvent(Event{Type: EventProfileNegotiated, SessionID: ds.ID(), DeviceID: ds.device.Identity.DeviceID, ProfileID: id})
	return id, nil
}

// StartStream negotiates p if needed and starts streaming under it.
func (ds *DeviceSession) StartStream(ctx context.Context, p stream.Profile) (string, error) {
	if ds.machine.State() == session.StateAuthenticated {
		if _, err := ds.SetProfile(ctx, p); err != nil {
			return "", err
		}
	}
	return ds.sender.Start(p)
}

// StopStream ends streaming and returns the session to Ready on both
// ends.
func (ds *DeviceSession) StopStream(ctx context.Context) error {
	if err := ds.sender.Stop(); err != nil {
		return err
	}
	return ds.track(wire.OpStopStream, ds.client.StopStream(ctx))
}

// SendFrame transmits one frame.
func (ds *DeviceSession) SendFrame(ctx context.Context, f stream.Frame) error {
	err := ds.sender.SendFrame(ctx, f)
	if m := ds.metrics; m != nil {
		switch {
		case err == nil:
			m.FramesSent.Inc()
		case errors.Is(err, stream.ErrFrameDropped):
			m.FramesDropped.Inc()
		case wire.CodeOf(err) != wire.CodeNone:
			m.FramesRejected.Inc()
		}
	}
	return err
}

// Close ends the session and waits for its receive loop to stop.
func (ds *DeviceSession) Close(ctx context.Context) error {
	if ds.machine.State().IsTerminal() {
		ds.wait()
		return nil
	}
	ds.close(ctx, "closed by controller")
	ds.wait()
	return nil
}

func (ds *DeviceSession) handle(_ context.Context, msg wire.Message) {
	switch msg := msg.(type) {
	case *wire.Acknowledge:
		if err := ds.client.HandleAck(msg); err != nil {
			ds.logger.Debug("acknowledgment dropped", "seq", msg.Seq, "error", err)
		}
	case *wire.SessionComplete:
		// Duplicate of the handshake's final message.
	default:
		ds.logger.Debug("unexpected message", "kind", msg.Kind())
	}
}

// track records the outcome of a control request.
func (ds *DeviceSession) track(op wire.OpCode, err error) error {
	ds.metrics.control(roleController, op, err)
	return err
}

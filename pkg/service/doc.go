// Package service ties the FIXLINK building blocks into a controller and a
// device.
//
// A DeviceService owns one datagram endpoint. It answers discovery probes,
// runs the device side of the handshake for each SessionInit and then
// serves the established session: control requests are dispatched to the
// fixture, stream frames update its channel buffer, and a keepalive is sent
// on every tick.
//
// A ControllerService owns the controller endpoint. Discover probes a
// device, Connect runs the handshake and returns a DeviceSession carrying
// the control client and the stream sender for that device.
//
// Both services report lifecycle events to registered EventHandlers and,
// when configured, to Prometheus through Metrics.
package service

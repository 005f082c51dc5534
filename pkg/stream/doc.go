// Package stream implements the FIXLINK stream channel: best-effort,
// MAC-protected frames of channel values paced by a stream profile.
//
// Frames carry a timestamp but no sequence number and are never
// acknowledged. The receiver keeps only the newest timestamp; older frames
// are superseded and ignored.
//
// # Profiles
//
// A Profile is an intent (auto, realtime, install) plus latency and
// resilience weights summing to 100. The weights only shape local policy:
//
//	frame interval = 40ms x (100 - latency) / 100
//	send retries   = round(resilience / 25)
//
// Both ends confirm agreement through the profile's ConfigID, a hash of
// the normalized (intent, latency, resilience) tuple.
//
// # Usage
//
//	sender := stream.NewSender(machine, conn, stream.Config{})
//	id, err := sender.Start(stream.Realtime())
//	err = sender.SendFrame(ctx, stream.Frame{Format: wire.Format8Bit, Values: vals})
//	sender.Stop()
package stream

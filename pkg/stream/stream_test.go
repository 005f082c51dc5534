package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func defaultCaps() wire.CapabilitySet {
	return wire.CapabilitySet{
		Formats:     []wire.ChannelFormat{wire.Format8Bit, wire.Format16Bit},
		MaxChannels: 16,
		Streaming:   true,
	}
}

// readyPair returns controller and device machines sharing one key,
// both negotiated to p.
func readyPair(t *testing.T, caps wire.CapabilitySet, p Profile) (*session.Machine, *session.Machine) {
	t.Helper()
	mk := func() *session.Machine {
		m := session.New(session.Config{SessionID: "stream-test"})
		require.NoError(t, m.BeginHandshake())
		require.NoError(t, m.Authenticate(testKey, caps, wire.DeviceIdentity{DeviceID: "peer"}))
		require.NoError(t, m.Negotiate(p.ConfigID()))
		t.Cleanup(func() { m.Close() })
		return m
	}
	return mk(), mk()
}

type captureSender struct {
	mu       sync.Mutex
	sent     []*wire.FrameMessage
	failures int
	calls    int
}

func (c *captureSender) Send(_ context.Context, msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failures > 0 {
		c.failures--
		return errors.New("network unreachable")
	}
	c.sent = append(c.sent, msg.(*wire.FrameMessage))
	return nil
}

func (c *captureSender) frames() []*wire.FrameMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.FrameMessage(nil), c.sent...)
}

func fastConfig() Config {
	return Config{
		BaseInterval: time.Millisecond,
		Backoff:      BackoffConfig{Initial: time.Microsecond, Max: time.Millisecond, Jitter: -1},
	}
}

func TestProfilePresets(t *testing.T) {
	tests := []struct {
		profile    Profile
		latency    uint8
		resilience uint8
		interval   time.Duration
		retries    int
		configID   string
	}{
		{Auto(), 50, 50, 20 * time.Millisecond, 2, "1a81d64b21fe25320dc0ee90c874a4eba726a5f80f83073ab421b660f9b99d56"},
		{Realtime(), 80, 20, 8 * time.Millisecond, 0, "46e2161e17f2bc93762ed765988a64052f78d864a5ca902d07fb02e897671ed1"},
		{Install(), 25, 75, 30 * time.Millisecond, 3, "4861c8545bdad999602771363a77c57df802f3f3d5b3b329d2428cdc9a13c5d0"},
	}
	for _, tt := range tests {
		t.Run(tt.profile.String(), func(t *testing.T) {
			require.NoError(t, tt.profile.Validate())
			assert.Equal(t, tt.latency, tt.profile.Latency)
			assert.Equal(t, tt.resilience, tt.profile.Resilience)
			assert.Equal(t, tt.interval, tt.profile.FrameInterval(DefaultBaseInterval))
			assert.Equal(t, tt.retries, tt.profile.Retries())
			assert.Equal(t, tt.configID, tt.profile.ConfigID())
		})
	}
}

func TestConfigIDDeterministic(t *testing.T) {
	a, err := NewProfile(IntentAuto, 50, 50)
	require.NoError(t, err)
	assert.Equal(t, Auto().ConfigID(), a.ConfigID())

	seen := map[string]Profile{}
	for _, intent := range []Intent{IntentAuto, IntentRealtime, IntentInstall} {
		for l := 0; l <= 100; l += 5 {
			p, err := NewProfile(intent, uint8(l), uint8(100-l))
			require.NoError(t, err)
			id := p.ConfigID()
			if prev, dup := seen[id]; dup {
				t.Fatalf("config id collision between %s and %s", prev, p)
			}
			seen[id] = p
		}
	}
}

func TestNewProfileRejectsBadWeights(t *testing.T) {
	_, err := NewProfile(IntentAuto, 60, 60)
	assert.ErrorIs(t, err, ErrInvalidProfile)
	_, err = NewProfile(Intent(9), 50, 50)
	assert.ErrorIs(t, err, ErrInvalidProfile)
	assert.Error(t, Profile{}.Validate())
}

func TestProfileFromPayload(t *testing.T) {
	p, err := ProfileFromPayload(Install().Payload())
	require.NoError(t, err)
	assert.Equal(t, Install(), p)

	bad := Install().Payload()
	bad.ConfigID = Auto().ConfigID()
	_, err = ProfileFromPayload(bad)
	assert.ErrorIs(t, err, ErrConfigIDMismatch)

	unknown := Auto().Payload()
	unknown.Intent = "party"
	_, err = ProfileFromPayload(unknown)
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Jitter: -1})
	want := []time.Duration{1, 2, 4, 5, 5}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.Next(), "attempt %d", i)
	}
	assert.Equal(t, 5, b.Attempts())
	b.Reset()
	assert.Equal(t, time.Millisecond, b.Current())
	assert.Zero(t, b.Attempts())
}

func TestBackoffJitterBounded(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: 10 * time.Millisecond, Jitter: 0.5})
	for range 50 {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

func TestValidate(t *testing.T) {
	caps := defaultCaps()
	tests := []struct {
		name  string
		frame wire.FrameMessage
		caps  wire.CapabilitySet
		code  wire.ErrorCode
	}{
		{"ok", wire.FrameMessage{Format: wire.Format8Bit, Values: []uint16{0, 255}}, caps, wire.CodeNone},
		{"too many channels", wire.FrameMessage{Format: wire.Format8Bit, Values: make([]uint16, 17)}, caps, wire.CodeStreamTooLarge},
		{"unknown format", wire.FrameMessage{Format: 7, Values: []uint16{1}}, caps, wire.CodeStreamBadFormat},
		{"8bit overflow", wire.FrameMessage{Format: wire.Format8Bit, Values: []uint16{256}}, caps, wire.CodeStreamBadFormat},
		{"16bit ok", wire.FrameMessage{Format: wire.Format16Bit, Values: []uint16{65535}}, caps, wire.CodeNone},
		{"format not negotiated", wire.FrameMessage{Format: wire.Format16Bit, Values: []uint16{1}},
			wire.CapabilitySet{Formats: []wire.ChannelFormat{wire.Format8Bit}, MaxChannels: 4}, wire.CodeStreamBadFormat},
		{"groups without grouping", wire.FrameMessage{Format: wire.Format8Bit, Groups: map[string][]uint16{"wash": {1}}}, caps, wire.CodeStreamUnsupportedChannelMode},
		{"group value overflow", wire.FrameMessage{Format: wire.Format8Bit, Groups: map[string][]uint16{"wash": {300}}}, caps, wire.CodeStreamBadFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.frame, tt.caps)
			if tt.code == wire.CodeNone {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, wire.CodeOf(err))
		})
	}
}

func TestSenderStartRequiresNegotiatedProfile(t *testing.T) {
	m, _ := readyPair(t, defaultCaps(), Auto())
	s := NewSender(m, &captureSender{}, fastConfig())

	_, err := s.Start(Realtime())
	assert.ErrorIs(t, err, ErrProfileMismatch)
	assert.Equal(t, session.StateReady, m.State())

	id, err := s.Start(Auto())
	require.NoError(t, err)
	assert.Equal(t, Auto().ConfigID(), id)
	assert.Equal(t, session.StateStreaming, m.State())

	_, err = s.Start(Auto())
	assert.ErrorIs(t, err, ErrAlreadyStreaming)

	require.NoError(t, s.Stop())
	assert.Equal(t, session.StateReady, m.State())
	assert.ErrorIs(t, s.Stop(), ErrNotStreaming)

	_, err = s.Start(Auto())
	assert.NoError(t, err, "restart after stop")
}

func TestSenderStartBeforeReady(t *testing.T) {
	m := session.New(session.Config{})
	require.NoError(t, m.BeginHandshake())
	require.NoError(t, m.Authenticate(testKey, defaultCaps(), wire.DeviceIdentity{}))
	defer m.Close()

	_, err := NewSender(m, &captureSender{}, fastConfig()).Start(Auto())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, session.StateAuthenticated, m.State())
}

func TestSendFrameDelivers(t *testing.T) {
	ctl, dev := readyPair(t, defaultCaps(), Auto())
	out := &captureSender{}
	s := NewSender(ctl, out, fastConfig())
	_, err := s.Start(Auto())
	require.NoError(t, err)

	var applied []*wire.FrameMessage
	r := NewReceiver(dev, func(f *wire.FrameMessage) { applied = append(applied, f) }, nil)

	for i := range 3 {
		require.NoError(t, s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Values: []uint16{uint16(i), 10}}))
	}
	frames := out.frames()
	require.Len(t, frames, 3)
	for _, f := range frames {
		require.NoError(t, r.Accept(f))
	}
	assert.Len(t, applied, 3)
	assert.Equal(t, session.StateStreaming, dev.State(), "first frame promotes the device")
	assert.Less(t, frames[0].TimestampMicros, frames[1].TimestampMicros)

	// Replaying an older frame is superseded.
	assert.ErrorIs(t, r.Accept(frames[0]), ErrStaleFrame)
	st := r.Stats()
	assert.Equal(t, uint64(3), st.Accepted)
	assert.Equal(t, uint64(1), st.Stale)
	assert.Equal(t, frames[2].TimestampMicros, st.LastFrameMicros)
}

func TestSendFrameTooLargeSendsNothing(t *testing.T) {
	ctl, _ := readyPair(t, defaultCaps(), Auto())
	out := &captureSender{}
	s := NewSender(ctl, out, fastConfig())
	_, err := s.Start(Auto())
	require.NoError(t, err)

	err = s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Values: make([]uint16, 17)})
	assert.ErrorIs(t, err, wire.CodeStreamTooLarge)
	assert.Zero(t, out.calls, "no bytes may leave for a rejected frame")
	assert.Equal(t, session.StateStreaming, ctl.State())
	assert.Equal(t, uint64(1), s.Stats().Rejected)

	err = s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Groups: map[string][]uint16{"a": {1}}})
	assert.ErrorIs(t, err, wire.CodeStreamUnsupportedChannelMode)
	assert.Zero(t, out.calls)
}

func TestSendFrameEncodedSizeLimit(t *testing.T) {
	caps := defaultCaps()
	caps.MaxChannels = 512
	ctl, _ := readyPair(t, caps, Auto())
	out := &captureSender{}
	s := NewSender(ctl, out, fastConfig())
	_, err := s.Start(Auto())
	require.NoError(t, err)

	vals := make([]uint16, 512)
	for i := range vals {
		vals[i] = 0xFFFF
	}
	err = s.SendFrame(context.Background(), Frame{Format: wire.Format16Bit, Values: vals})
	assert.ErrorIs(t, err, wire.CodeStreamTooLarge)
	assert.Zero(t, out.calls)
}

func TestSendFramePacesWithoutHoldingSender(t *testing.T) {
	mock := clock.NewMock()
	ctl, _ := readyPair(t, defaultCaps(), Auto())
	out := &captureSender{}
	s := NewSender(ctl, out, Config{BaseInterval: 400 * time.Millisecond, Clock: mock})
	_, err := s.Start(Auto())
	require.NoError(t, err)
	frame := Frame{Format: wire.Format8Bit, Values: []uint16{1}}
	ctx := context.Background()

	require.NoError(t, s.SendFrame(ctx, frame))

	done := make(chan error, 1)
	go func() { done <- s.SendFrame(ctx, frame) }()

	// The second frame waits for its slot 200ms later; the sender stays
	// usable meanwhile.
	stats := make(chan SenderStats, 1)
	go func() { stats <- s.Stats() }()
	select {
	case st := <-stats:
		assert.Equal(t, uint64(1), st.Sent)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked behind a paced frame")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, out.frames(), 1, "frame sent before its slot")

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return len(out.frames()) == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, <-done)
	frames := out.frames()
	assert.GreaterOrEqual(t, frames[1].TimestampMicros-frames[0].TimestampMicros, (200*time.Millisecond).Microseconds()-1)

	// Stopping while a frame waits abandons it.
	go func() { done <- s.SendFrame(ctx, frame) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Stop())
	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return len(done) == 1
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, <-done, ErrNotStreaming)
	assert.Len(t, out.frames(), 2)
}

func TestSendFrameRequiresStart(t *testing.T) {
	ctl, _ := readyPair(t, defaultCaps(), Auto())
	s := NewSender(ctl, &captureSender{}, fastConfig())
	err := s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Values: []uint16{1}})
	assert.ErrorIs(t, err, ErrNotStreaming)
}

func TestSendFrameRetriesPerProfile(t *testing.T) {
	ctl, _ := readyPair(t, defaultCaps(), Install())
	out := &captureSender{failures: 2}
	s := NewSender(ctl, out, fastConfig())
	_, err := s.Start(Install())
	require.NoError(t, err)

	require.NoError(t, s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Values: []uint16{1}}))
	assert.Equal(t, 3, out.calls)
	assert.Equal(t, uint64(2), s.Stats().Retries)
}

func TestSendFrameRealtimeDrops(t *testing.T) {
	ctl, _ := readyPair(t, defaultCaps(), Realtime())
	out := &captureSender{failures: 1}
	s := NewSender(ctl, out, fastConfig())
	_, err := s.Start(Realtime())
	require.NoError(t, err)

	err = s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Values: []uint16{1}})
	assert.ErrorIs(t, err, ErrFrameDropped)
	assert.Equal(t, 1, out.calls)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
	assert.Equal(t, session.StateStreaming, ctl.State())
}

func TestSendFrameAfterCloseFailsFast(t *testing.T) {
	ctl, _ := readyPair(t, defaultCaps(), Auto())
	s := NewSender(ctl, &captureSender{}, fastConfig())
	_, err := s.Start(Auto())
	require.NoError(t, err)
	ctl.Close()

	err = s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Values: []uint16{1}})
	assert.ErrorIs(t, err, wire.CodeSessionExpired)
}

func TestReceiverMACBitFlipIsFatal(t *testing.T) {
	ctl, dev := readyPair(t, defaultCaps(), Auto())
	out := &captureSender{}
	s := NewSender(ctl, out, fastConfig())
	_, err := s.Start(Auto())
	require.NoError(t, err)
	require.NoError(t, s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Values: []uint16{1, 2}}))

	f := out.frames()[0]
	f.Values[1] ^= 0x01
	r := NewReceiver(dev, nil, nil)
	assert.ErrorIs(t, r.Accept(f), wire.CodeSessionMacMismatch)
	assert.Equal(t, session.StateFailed, dev.State())
}

func TestReceiverRejectsBeforeReady(t *testing.T) {
	m := session.New(session.Config{SessionID: "early"})
	require.NoError(t, m.BeginHandshake())
	require.NoError(t, m.Authenticate(testKey, defaultCaps(), wire.DeviceIdentity{}))
	defer m.Close()

	r := NewReceiver(m, nil, nil)
	err := r.Accept(&wire.FrameMessage{SessionID: "early", TimestampMicros: 1, Format: wire.Format8Bit, MAC: []byte{1}})
	assert.ErrorIs(t, err, wire.CodeSessionInvalidToken)
	assert.Equal(t, session.StateAuthenticated, m.State())
}

func TestFramesIndependentOfOtherSenders(t *testing.T) {
	ctl, _ := readyPair(t, defaultCaps(), Realtime())
	s := NewSender(ctl, &captureSender{}, fastConfig())
	_, err := s.Start(Realtime())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				assert.NoError(t, s.SendFrame(context.Background(), Frame{Format: wire.Format8Bit, Values: []uint16{1}}))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(40), s.Stats().Sent)
}

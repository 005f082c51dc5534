package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newAuthenticated(t *testing.T, clk clock.Clock) *Machine {
	t.Helper()
	m := New(Config{
		SessionID:         "sess-1",
		Suite:             suite.NewDeterministic("session"),
		InactivityTimeout: 10 * time.Second,
		Clock:             clk,
	})
	require.NoError(t, m.BeginHandshake())
	require.NoError(t, m.Authenticate(testKey, wire.CapabilitySet{MaxChannels: 16}, wire.DeviceIdentity{DeviceID: "par64"}))
	return m
}

func TestMachineLifecycle(t *testing.T) {
	m := New(Config{})
	assert.NotEmpty(t, m.ID(), "session id should be minted")
	assert.Equal(t, StateInit, m.State())

	var mu sync.Mutex
	var seen []State
	m.OnStateChange(func(old, new State) {
		mu.Lock()
		seen = append(seen, new)
		mu.Unlock()
	})

	require.NoError(t, m.BeginHandshake())
	require.NoError(t, m.Authenticate(testKey, wire.CapabilitySet{}, wire.DeviceIdentity{DeviceID: "d"}))
	require.NoError(t, m.Negotiate("abc"))
	require.NoError(t, m.StartStream())
	require.NoError(t, m.StopStream())
	require.NoError(t, m.Close())

	mu.Lock()
	assert.Equal(t, []State{StateHandshake, StateAuthenticated, StateReady, StateStreaming, StateReady, StateClosed}, seen)
	mu.Unlock()

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
	assert.ErrorIs(t, m.Err(), wire.CodeSessionClosed)
	assert.ErrorIs(t, m.BeginHandshake(), ErrInvalidTransition)
}

func TestMachineKeyInstalledOnce(t *testing.T) {
	m := newAuthenticated(t, clock.NewMock())
	defer m.Close()

	assert.ErrorIs(t, m.Authenticate(testKey, wire.CapabilitySet{}, wire.DeviceIdentity{}), ErrKeyInstalled)
	assert.Equal(t, "par64", m.Peer().DeviceID)
	assert.Equal(t, uint16(16), m.Capabilities().MaxChannels)
}

func TestMachineStringRedactsKey(t *testing.T) {
	m := newAuthenticated(t, clock.NewMock())
	defer m.Close()
	s := m.String()
	assert.Contains(t, s, "REDACTED")
	assert.False(t, strings.Contains(s, string(testKey)))
}

func TestMachineOutboundSequence(t *testing.T) {
	m := newAuthenticated(t, clock.NewMock())
	for want := uint64(1); want <= 3; want++ {
		seq, err := m.NextOutbound()
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	m.Close()
	_, err := m.NextOutbound()
	assert.ErrorIs(t, err, wire.CodeSessionExpired)
}

func TestMachineReplayWindow(t *testing.T) {
	m := newAuthenticated(t, clock.NewMock())
	defer m.Close()

	require.NoError(t, m.AcceptInbound(5))
	require.NoError(t, m.CommitInbound(5))

	// Duplicate and older sequences are rejected without touching the MAC.
	assert.ErrorIs(t, m.AcceptInbound(5), wire.CodeSessionReplay)
	assert.ErrorIs(t, m.AcceptInbound(4), wire.CodeSessionReplay)
	assert.ErrorIs(t, m.CommitInbound(5), wire.CodeSessionReplay)
	assert.Equal(t, StateAuthenticated, m.State(), "replay is not fatal")

	// Gaps are fine on an unordered transport.
	assert.NoError(t, m.AcceptInbound(9))
	assert.Equal(t, uint64(5), m.Info().InboundSeq, "accept alone must not advance the counter")
}

func TestMachineNegotiateLocksProfile(t *testing.T) {
	m := newAuthenticated(t, clock.NewMock())
	defer m.Close()

	require.NoError(t, m.Negotiate("p1"))
	assert.NoError(t, m.Negotiate("p1"), "same profile is idempotent")
	assert.ErrorIs(t, m.Negotiate("p2"), ErrProfileLocked)
	assert.Equal(t, "p1", m.ProfileID())
}

func TestMachineSealVerify(t *testing.T) {
	m := newAuthenticated(t, clock.NewMock())
	defer m.Close()

	msg := &wire.ControlMessage{SessionID: m.ID(), Seq: 1, Op: wire.OpQueryStatus, Payload: cbor.RawMessage{0xa0}}
	require.NoError(t, m.Seal(msg))
	assert.Len(t, msg.MAC, suite.MACSize)
	require.NoError(t, m.Verify(msg))

	other := &wire.ControlMessage{SessionID: "someone-else", Seq: 1, MAC: msg.MAC}
	assert.ErrorIs(t, m.Verify(other), wire.CodeSessionInvalidToken)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestMachineBitFlipIsFatal(t *testing.T) {
	m := newAuthenticated(t, clock.NewMock())

	msg := &wire.FrameMessage{SessionID: m.ID(), TimestampMicros: 1, Format: wire.Format8Bit, Values: []uint16{10, 20, 30}}
	require.NoError(t, m.Seal(msg))

	msg.Values[1] ^= 0x01
	err := m.Verify(msg)
	assert.ErrorIs(t, err, wire.CodeSessionMacMismatch)
	assert.Equal(t, StateFailed, m.State())
	assert.ErrorIs(t, m.Err(), wire.CodeSessionMacMismatch)

	// Failed is absorbing.
	assert.ErrorIs(t, m.Admit(wire.KindControl), wire.CodeSessionExpired)
	assert.ErrorIs(t, m.Seal(msg), wire.CodeSessionExpired)
}

func TestMachineSealWithoutKey(t *testing.T) {
	m := New(Config{})
	err := m.Seal(&wire.Keepalive{SessionID: m.ID(), Seq: 1})
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestMachineInactivityExpiry(t *testing.T) {
	mock := clock.NewMock()
	m := newAuthenticated(t, mock)

	mock.Add(9 * time.Second)
	assert.Equal(t, StateAuthenticated, m.State())

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return m.State() == StateFailed }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Err(), wire.CodeSessionExpired)
	assert.True(t, wire.IsTimeout(m.Err()), "inactivity is a timeout, not a rejection")
}

func TestMachineTouchKeepsSessionAlive(t *testing.T) {
	mock := clock.NewMock()
	m := newAuthenticated(t, mock)
	defer m.Close()

	for range 5 {
		mock.Add(8 * time.Second)
		m.Touch()
	}
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, mock.Now(), m.Info().LastSeen)
}

func TestMachineConcurrentSequences(t *testing.T) {
	m := newAuthenticated(t, clock.NewMock())
	defer m.Close()

	const n = 100
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := m.NextOutbound()
			if err == nil {
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate sequence %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
}

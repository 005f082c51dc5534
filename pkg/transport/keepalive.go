package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultKeepaliveInterval is the default interval between keepalives.
const DefaultKeepaliveInterval = 5 * time.Second

// ErrStaleKeepalive is returned for a peer keepalive whose sequence is not
// above the last one received.
var ErrStaleKeepalive = errors.New("transport: stale keepalive sequence")

// KeepAliveConfig configures keepalive behavior.
type KeepAliveConfig struct {
	// Interval between keepalives.
	Interval time.Duration

	// Clock drives the ticker. Nil uses the wall clock.
	Clock clock.Clock
}

// DefaultKeepAliveConfig returns the default keepalive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{Interval: DefaultKeepaliveInterval}
}

// KeepAlive emits a keepalive every interval for one session. It does not
// detect dead peers itself; the session's inactivity window does, fed by
// every authenticated message the peer sends.
type KeepAlive struct {
	config KeepAliveConfig
	clock  clock.Clock

	send   func(ctx context.Context, seq uint32) error
	onSent func(seq uint32, err error)

	sequence atomic.Uint32

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastSent     time.Time
	lastReceived time.Time
	received     uint32
	failures     int
}

// NewKeepAlive creates a monitor that calls send with increasing sequence
// numbers starting at 1.
func NewKeepAlive(config KeepAliveConfig, send func(ctx context.Context, seq uint32) error) *KeepAlive {
	if config.Interval <= 0 {
		config.Interval = DefaultKeepaliveInterval
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &KeepAlive{
		config: config,
		clock:  clk,
		send:   send,
	}
}

// OnSent sets a callback invoked after each send attempt.
func (ka *KeepAlive) OnSent(cb func(seq uint32, err error)) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	ka.onSent = cb
}

// Start begins the keepalive loop. It is a no-op if already running.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	ka.doneCh = make(chan struct{})
	// Create the ticker before returning so mock clocks see it.
	ticker := ka.clock.Ticker(ka.config.Interval)
	ka.mu.Unlock()

	go ka.loop(ctx, ticker)
}

// Stop stops the loop and waits for it to exit.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	if !ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = false
	close(ka.stopCh)
	done := ka.doneCh
	ka.mu.Unlock()

	<-done
}

// Fresh reports whether seq is above every peer sequence recorded so far.
func (ka *KeepAlive) Fresh(seq uint32) bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return seq > ka.received
}

// Received records a keepalive from the peer. Replayed or reordered
// sequences are refused with ErrStaleKeepalive and leave the stats alone.
func (ka *KeepAlive) Received(seq uint32) error {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if seq <= ka.received {
		return ErrStaleKeepalive
	}
	ka.lastReceived = ka.clock.Now()
	ka.received = seq
	return nil
}

// IsRunning returns true if the loop is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// KeepAliveStats contains keepalive statistics.
type KeepAliveStats struct {
	LastSent     time.Time
	LastReceived time.Time
	CurrentSeq   uint32
	PeerSeq      uint32
	SendFailures int
}

// Stats returns current keepalive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastSent:     ka.lastSent,
		LastReceived: ka.lastReceived,
		CurrentSeq:   ka.sequence.Load(),
		PeerSeq:      ka.received,
		SendFailures: ka.failures,
	}
}

func (ka *KeepAlive) loop(ctx context.Context, ticker *clock.Ticker) {
	defer close(ka.doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ka.mu.Lock()
			ka.running = false
			ka.mu.Unlock()
			return
		case <-ka.stopCh:
			return
		case <-ticker.C:
			ka.tick(ctx)
		}
	}
}

func (ka *KeepAlive) tick(ctx context.Context) {
	seq := ka.sequence.Add(1)
	err := ka.send(ctx, seq)

	ka.mu.Lock()
	if err != nil {
		ka.failures++
	} else {
		ka.lastSent = ka.clock.Now()
	}
	cb := ka.onSent
	ka.mu.Unlock()

	if cb != nil {
		cb(seq, err)
	}
}

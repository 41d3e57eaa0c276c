// Package health tracks the liveness of one SSH connection: RTT sampling,
// keep-alive scheduling, idle-timeout bookkeeping, and link-down detection
// after three consecutive missed probes. Time flows through a fakeable
// clock so tests can pin the default intervals.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// Keep-alive and idle defaults.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultKeepAliveTimeout  = 10 * time.Second
	DefaultFailureThreshold  = 3
)

// Pinger sends one SSH global keep-alive request and reports whether a reply
// arrived within the tracker's configured timeout. Implementations wrap
// ssh.Client.SendRequest("keepalive@openssh.com", true, nil).
type Pinger func(ctx context.Context) (rtt time.Duration, err error)

// Config configures a Tracker.
type Config struct {
	// HeartbeatInterval is how often Pinger is invoked.
	HeartbeatInterval time.Duration
	// IdleTimeout is how long a connection may sit with refCount == 0 and no
	// keep-alive pin before the caller should close it.
	IdleTimeout time.Duration
	// KeepAliveTimeout bounds how long a single ping may take before it
	// counts as a failure.
	KeepAliveTimeout time.Duration
	// FailureThreshold is the number of consecutive failures that trips
	// link-down.
	FailureThreshold int
	// Clock allows tests to control time.
	Clock clockwork.Clock
	// Ping performs one keep-alive round trip.
	Ping Pinger
	// OnLinkDown is invoked once, from the tracker's own goroutine, the first
	// time FailureThreshold consecutive pings fail.
	OnLinkDown func()
}

func (c *Config) CheckAndSetDefaults() error {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Ping == nil {
		c.Ping = func(context.Context) (time.Duration, error) { return 0, nil }
	}
	return nil
}

var (
	rttGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "oxideterm",
		Subsystem: "health",
		Name:      "rtt_seconds",
		Help:      "Most recent SSH keep-alive round-trip time per connection.",
	}, []string{"connection_id"})

	failureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oxideterm",
		Subsystem: "health",
		Name:      "keepalive_failures_total",
		Help:      "Total keep-alive failures observed per connection.",
	}, []string{"connection_id"})
)

func init() {
	prometheus.MustRegister(rttGauge, failureCounter)
}

// Tracker runs the keep-alive loop for a single connection and exposes its
// last-observed RTT and idle state. One Tracker is owned by one connection's
// I/O actor; it never touches the transport directly, only through Ping.
type Tracker struct {
	cfg          Config
	connectionID string

	mu          sync.RWMutex
	lastRTT     time.Duration
	lastActive  time.Time
	consecutive int
	linkDown    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs and starts a Tracker for connectionID. Call Stop to end the
// keep-alive loop when the connection closes.
func New(connectionID string, cfg Config) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		cfg:          cfg,
		connectionID: connectionID,
		lastActive:   cfg.Clock.Now(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go t.loop(ctx)
	return t, nil
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)

	ticker := t.cfg.Clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.probe(ctx)
		}
	}
}

func (t *Tracker) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, t.cfg.KeepAliveTimeout)
	rtt, err := t.cfg.Ping(pingCtx)
	cancel()

	t.mu.Lock()
	if err != nil {
		t.consecutive++
		failureCounter.WithLabelValues(t.connectionID).Inc()
		tripped := t.consecutive >= t.cfg.FailureThreshold && !t.linkDown
		if tripped {
			t.linkDown = true
		}
		t.mu.Unlock()
		if tripped && t.cfg.OnLinkDown != nil {
			t.cfg.OnLinkDown()
		}
		return
	}

	t.consecutive = 0
	t.lastRTT = rtt
	t.lastActive = t.cfg.Clock.Now()
	t.mu.Unlock()
	rttGauge.WithLabelValues(t.connectionID).Set(rtt.Seconds())
}

// Touch records activity (e.g. a successful capability probe outside the
// keep-alive loop), resetting the idle clock.
func (t *Tracker) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActive = t.cfg.Clock.Now()
}

// RTT returns the most recently observed keep-alive round-trip time.
func (t *Tracker) RTT() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRTT
}

// IdleFor reports how long the connection has been idle (no Touch and no
// successful probe).
func (t *Tracker) IdleFor() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg.Clock.Now().Sub(t.lastActive)
}

// IsIdleTimedOut reports whether IdleFor exceeds the configured IdleTimeout.
func (t *Tracker) IsIdleTimedOut() bool {
	return t.IdleFor() >= t.cfg.IdleTimeout
}

// LinkDown reports whether the failure threshold has tripped.
func (t *Tracker) LinkDown() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.linkDown
}

// Reset clears the link-down latch and failure count, called by the
// Reconnect Orchestrator once a connection is re-established.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linkDown = false
	t.consecutive = 0
	t.lastActive = t.cfg.Clock.Now()
}

// Stop ends the keep-alive loop and blocks until its goroutine exits.
func (t *Tracker) Stop() {
	t.cancel()
	<-t.done
}

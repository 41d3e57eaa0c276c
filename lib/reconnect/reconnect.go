// Package reconnect drives recovery after a connection goes link-down: a
// strictly ordered pipeline that snapshots the connection's sessions and
// forwards, re-runs the SSH handshake under exponential backoff, rotates the
// node binding, restores terminals onto fresh channels, re-arms forwards,
// and publishes readiness only after a capability round-trip succeeds.
package reconnect

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/forward"
	"github.com/oxideterm/core/lib/noderouter"
	"github.com/oxideterm/core/lib/oxerr"
	"github.com/oxideterm/core/lib/session"
	"github.com/oxideterm/core/lib/sftppool"
	"github.com/oxideterm/core/lib/sshreg"
)

// Backoff defaults.
const (
	DefaultMaxAttempts  = 5
	DefaultRetryInitial = 1 * time.Second
	DefaultRetryMax     = 30 * time.Second
	jitterFraction      = 0.2
)

// Config wires the Orchestrator to the components it restores.
type Config struct {
	Connections *sshreg.Registry
	Router      *noderouter.Router
	Sessions    *session.Registry
	Forwards    *forward.Manager
	Sftp        *sftppool.Pool
	Bus         *events.Bus
	Clock       clockwork.Clock
	Log         *logrus.Entry

	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Connections == nil {
		return trace.BadParameter("reconnect: missing connection registry")
	}
	if c.Router == nil {
		return trace.BadParameter("reconnect: missing node router")
	}
	if c.Sessions == nil {
		return trace.BadParameter("reconnect: missing session registry")
	}
	if c.Forwards == nil {
		return trace.BadParameter("reconnect: missing forward manager")
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "reconnect")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	return nil
}

// Orchestrator runs at most one recovery pipeline per connection at a time.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{cfg: cfg, inflight: make(map[string]context.CancelFunc)}, nil
}

// Run executes the pipeline for one link-down connection. A second Run for
// the same connection while one is in flight returns immediately.
func (o *Orchestrator) Run(ctx context.Context, connectionID, nodeID string) error {
	o.mu.Lock()
	if _, running := o.inflight[connectionID]; running {
		o.mu.Unlock()
		return oxerr.New(oxerr.Internal, nil, "reconnect already in progress for %s", connectionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.inflight[connectionID] = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inflight, connectionID)
		o.mu.Unlock()
		cancel()
	}()

	return o.run(runCtx, connectionID, nodeID)
}

// Cancel aborts an in-flight pipeline. The connection ends Closed and its
// sessions end failed with reason "cancelled".
func (o *Orchestrator) Cancel(connectionID string) {
	o.mu.Lock()
	cancel, ok := o.inflight[connectionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) run(ctx context.Context, connectionID, nodeID string) error {
	log := o.cfg.Log.WithField("connection", connectionID)

	// Phase 1: snapshot sessions and forwards while their state is still
	// coherent. Dimensions and scroll buffers stay inside the session
	// registry; ids are enough to drive restoration.
	sessionIDs := o.cfg.Sessions.ForConnection(connectionID)
	forwardIDs := o.cfg.Forwards.ForConnection(connectionID)
	log.WithFields(logrus.Fields{
		"sessions": len(sessionIDs),
		"forwards": len(forwardIDs),
	}).Info("starting reconnect")

	// The old SFTP channel died with the transport.
	if o.cfg.Sftp != nil {
		o.cfg.Sftp.Drop(connectionID)
	}

	// Phase 2: re-handshake under backoff.
	if err := o.cfg.Connections.MarkReconnecting(connectionID); err != nil {
		return trace.Wrap(err)
	}
	client, err := o.redialWithBackoff(ctx, connectionID)
	if err != nil {
		reason := "link_lost"
		if oxerr.Is(err, oxerr.Cancelled) {
			reason = "cancelled"
		}
		o.abandon(connectionID, reason)
		return trace.Wrap(err)
	}

	// Phase 3: rotate. The transport is swapped under the stable entry and
	// the node binding is stamped with a new generation in one step.
	o.cfg.Forwards.DropDispatcher(connectionID)
	if err := o.cfg.Connections.Rebind(connectionID, client); err != nil {
		o.abandon(connectionID, "link_lost")
		return trace.Wrap(err)
	}
	if err := o.cfg.Router.RotateConnection(nodeID, connectionID); err != nil {
		log.WithError(err).Warn("node rotation failed")
	}

	// Phase 4: restore terminals concurrently.
	var restoredMu sync.Mutex
	var restoredSessions []string
	g, gctx := errgroup.WithContext(ctx)
	for _, sid := range sessionIDs {
		sid := sid
		g.Go(func() error {
			if _, err := o.cfg.Sessions.Reattach(gctx, sid); err != nil {
				log.WithError(err).WithField("session", sid).Warn("terminal restore failed")
				return nil // partial success is reported per-session
			}
			restoredMu.Lock()
			restoredSessions = append(restoredSessions, sid)
			restoredMu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Phase 5: restore forwards concurrently; each transitions to Active or
	// Failed on its own.
	var restoredForwards []string
	fg, fctx := errgroup.WithContext(ctx)
	for _, fid := range forwardIDs {
		fid := fid
		fg.Go(func() error {
			state, err := o.cfg.Forwards.Resume(fctx, fid)
			if err != nil {
				log.WithError(err).WithField("forward", fid).Warn("forward restore failed")
				return nil
			}
			if state == forward.StateActive {
				restoredMu.Lock()
				restoredForwards = append(restoredForwards, fid)
				restoredMu.Unlock()
			}
			return nil
		})
	}
	fg.Wait()

	// Phase 6: publish ready only after a capability round-trip.
	if err := o.verifyCapability(ctx, connectionID); err != nil {
		o.abandon(connectionID, "link_lost")
		return trace.Wrap(err)
	}
	if err := o.cfg.Connections.MarkActive(connectionID); err != nil {
		return trace.Wrap(err)
	}
	o.cfg.Router.SetReadiness(nodeID, noderouter.ReadinessReady)

	o.cfg.Bus.Publish(events.ConnectionReconnected{
		ConnectionID: connectionID,
		SessionIDs:   restoredSessions,
		ForwardIDs:   restoredForwards,
		At:           o.cfg.Clock.Now(),
	})
	log.Info("reconnect complete")
	return nil
}

// redialWithBackoff retries the handshake with exponential backoff, jitter,
// and per-attempt progress events.
func (o *Orchestrator) redialWithBackoff(ctx context.Context, connectionID string) (*ssh.Client, error) {
	delay := o.cfg.RetryInitial
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		client, err := o.cfg.Connections.Redial(ctx, connectionID)
		if err == nil {
			return client, nil
		}
		if oxerr.Is(err, oxerr.HostKey) || oxerr.Is(err, oxerr.Auth) {
			// Neither resolves by waiting; retrying would hammer the server
			// with doomed handshakes.
			return nil, trace.Wrap(err)
		}
		if ctx.Err() != nil {
			return nil, oxerr.New(oxerr.Cancelled, ctx.Err(), "reconnect cancelled")
		}
		if attempt == o.cfg.MaxAttempts {
			return nil, trace.Wrap(err)
		}

		next := jitter(delay)
		o.cfg.Bus.Publish(events.ReconnectProgress{
			ConnectionID: connectionID,
			Attempt:      attempt,
			NextRetryMs:  next.Milliseconds(),
			At:           o.cfg.Clock.Now(),
		})

		select {
		case <-o.cfg.Clock.After(next):
		case <-ctx.Done():
			return nil, oxerr.New(oxerr.Cancelled, ctx.Err(), "reconnect cancelled")
		}

		delay *= 2
		if delay > o.cfg.RetryMax {
			delay = o.cfg.RetryMax
		}
	}
	return nil, oxerr.New(oxerr.Network, nil, "reconnect attempts exhausted")
}

// jitter spreads a delay by ±20% so a fleet of clients does not retry in
// lockstep.
func jitter(d time.Duration) time.Duration {
	f := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// abandon finalizes a failed or cancelled pipeline: the connection closes
// and every session on it fails with the given reason.
func (o *Orchestrator) abandon(connectionID, reason string) {
	o.cfg.Sessions.FailForConnection(connectionID, reason)
	o.cfg.Connections.Teardown(connectionID)
}

// verifyCapability performs one round-trip proving the new transport is
// usable: exec of `true`, falling back to an SFTP stat of "." when exec is
// refused.
func (o *Orchestrator) verifyCapability(ctx context.Context, connectionID string) error {
	handle, err := o.cfg.Connections.GetHandle(connectionID)
	if err != nil {
		return trace.Wrap(err)
	}

	ch, reqs, err := handle.OpenSession(ctx)
	if err == nil {
		defer ch.Close()
		go ssh.DiscardRequests(reqs)
		ok, err := ch.SendRequest("exec", true, ssh.Marshal(struct{ Command string }{"true"}))
		if err == nil && ok {
			return nil
		}
	}

	if o.cfg.Sftp != nil {
		if _, err := o.cfg.Sftp.Stat(ctx, connectionID, "."); err == nil {
			return nil
		}
	}
	return oxerr.New(oxerr.Network, err, "capability probe failed after reconnect")
}

// Watch subscribes to connection status events and triggers the pipeline
// whenever a connection with a bound node goes link-down, suspending its
// forwards first. It blocks until ctx is cancelled; run it on its own
// goroutine.
func (o *Orchestrator) Watch(ctx context.Context) {
	ch, unsubscribe := o.cfg.Connections.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			sc, ok := ev.(events.ConnectionStatusChanged)
			if !ok || sc.Status != events.StatusLinkDown {
				continue
			}
			o.cfg.Forwards.SuspendForConnection(sc.ConnectionID)
			for _, nodeID := range o.cfg.Router.NodesFor(sc.ConnectionID) {
				o.cfg.Router.SetReadiness(nodeID, noderouter.ReadinessLinkDown)
			}
			nodes := o.cfg.Router.NodesFor(sc.ConnectionID)
			if len(nodes) == 0 {
				continue
			}
			go func(connectionID, nodeID string) {
				if err := o.Run(ctx, connectionID, nodeID); err != nil {
					o.cfg.Log.WithError(err).WithField("connection", connectionID).Warn("reconnect failed")
				}
			}(sc.ConnectionID, nodes[0])
		}
	}
}

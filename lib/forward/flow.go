package forward

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/lib/events"
)

// flow is one proxied TCP connection: a local socket paired with exactly one
// SSH channel. The two copy goroutines are the channel's only owners; nothing
// else ever reads or writes it.
type flow struct {
	id       string
	fwd      *Forward
	mgr      *Manager
	local    io.ReadWriteCloser
	channel  ssh.Channel
	bytesIn  atomic.Int64 // remote -> local
	bytesOut atomic.Int64 // local -> remote
	lastIO   atomic.Int64 // unix nanos of most recent byte in either direction

	endOnce sync.Once
	reason  string
	done    chan struct{}
}

// startFlow registers and launches a flow task. reason precedence on exit:
// the first close() wins, later causes are ignored.
func (m *Manager) startFlow(fwd *Forward, local io.ReadWriteCloser, channel ssh.Channel) {
	fl := &flow{
		id:      uuid.NewString(),
		fwd:     fwd,
		mgr:     m,
		local:   local,
		channel: channel,
		done:    make(chan struct{}),
	}
	fl.lastIO.Store(m.cfg.Clock.Now().UnixNano())

	fwd.mu.Lock()
	fwd.flows[fl.id] = fl
	fwd.mu.Unlock()

	go fl.run()
	go fl.idleWatchdog()
}

func (fl *flow) run() {
	var wg sync.WaitGroup
	wg.Add(2)

	// local -> channel
	go func() {
		defer wg.Done()
		n, err := io.Copy(fl.channel, fl.touching(fl.local))
		fl.bytesOut.Add(n)
		if err == nil {
			fl.channel.CloseWrite()
			fl.end("local_eof")
		} else {
			fl.end("io_error")
		}
	}()

	// channel -> local
	go func() {
		defer wg.Done()
		n, err := io.Copy(fl.local, fl.touching(fl.channel))
		fl.bytesIn.Add(n)
		if err == nil {
			fl.end("channel_closed")
		} else {
			fl.end("io_error")
		}
	}()

	wg.Wait()
	fl.finish()
}

// touching wraps a reader so every byte refreshes the idle clock.
func (fl *flow) touching(r io.Reader) io.Reader {
	return &touchReader{r: r, fl: fl}
}

type touchReader struct {
	r  io.Reader
	fl *flow
}

func (t *touchReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.fl.lastIO.Store(t.fl.mgr.cfg.Clock.Now().UnixNano())
	}
	return n, err
}

func (fl *flow) idleWatchdog() {
	ticker := fl.mgr.cfg.Clock.NewTicker(fl.mgr.cfg.FlowIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-fl.done:
			return
		case <-ticker.Chan():
			idle := fl.mgr.cfg.Clock.Now().UnixNano() - fl.lastIO.Load()
			if time.Duration(idle) >= fl.mgr.cfg.FlowIdleTimeout {
				fl.close("idle_timeout")
				return
			}
		}
	}
}

// end records the first exit reason and unblocks both copy directions.
func (fl *flow) end(reason string) {
	fl.endOnce.Do(func() {
		fl.reason = reason
		fl.local.Close()
		fl.channel.Close()
	})
}

// close force-ends a flow with an externally supplied reason (manager
// shutdown, link down, idle timeout).
func (fl *flow) close(reason string) {
	fl.end(reason)
}

// finish runs once both copy goroutines have exited: deregister, aggregate
// counters, and report the flow's death.
func (fl *flow) finish() {
	close(fl.done)

	in, out := fl.bytesIn.Load(), fl.bytesOut.Load()

	fl.fwd.mu.Lock()
	delete(fl.fwd.flows, fl.id)
	fl.fwd.bytesIn += in
	fl.fwd.bytesOut += out
	fl.fwd.mu.Unlock()

	fl.mgr.cfg.Bus.Publish(events.ForwardFlowEnded{
		ForwardID: fl.fwd.ID,
		FlowID:    fl.id,
		BytesIn:   in,
		BytesOut:  out,
		Reason:    fl.reason,
		At:        fl.mgr.cfg.Clock.Now(),
	})
}

//go:build !noptyhost

// Package ptyhost wraps a local platform pseudo-terminal behind an
// async-friendly façade. Native PTY master handles are not safe to share
// between threads on every platform, so each PTY gets one dedicated reader
// thread and one dedicated writer thread that own the handle's two
// directions; everything else talks to them over bounded channels.
//
// The whole package is excluded from builds tagged "noptyhost" so targets
// without a usable PTY still build and pass the SSH/SFTP/forwarding suites.
package ptyhost

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Config describes the shell process to spawn under the new PTY.
type Config struct {
	// Shell is the command to run. Empty selects $SHELL, then /bin/sh.
	Shell string
	// Env is appended to the child's inherited environment.
	Env []string
	// Dir is the child's working directory; empty inherits ours.
	Dir string
	// Cols and Rows set the initial window size.
	Cols uint16
	Rows uint16
	Log  *logrus.Entry
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Shell == "" {
		c.Shell = os.Getenv("SHELL")
	}
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
	if c.Cols == 0 || c.Rows == 0 {
		// Inherit the controlling terminal's size when the caller gave none;
		// fall back to the classic 80x24 when there is no terminal at all.
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
			c.Cols, c.Rows = uint16(w), uint16(h)
		} else {
			c.Cols, c.Rows = 80, 24
		}
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "ptyhost")
	}
	return nil
}

// PTY is a running local pseudo-terminal plus its shell child process. It
// implements the session registry's Terminal interface: Read and Write are
// serviced by the two owning I/O threads, Resize adjusts the window, Close
// signals and reaps the child.
type PTY struct {
	cfg    Config
	master *os.File
	cmd    *exec.Cmd

	readCh  chan []byte
	writeCh chan []byte

	mu       sync.Mutex
	leftover []byte
	closed   bool
	done     chan struct{}
}

// Start allocates a PTY, spawns the shell under it, and starts the reader and
// writer threads.
func Start(cfg Config) (*PTY, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	cmd := exec.Command(cfg.Shell)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	cmd.Dir = cfg.Dir

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p := &PTY{
		cfg:     cfg,
		master:  master,
		cmd:     cmd,
		readCh:  make(chan []byte, 64),
		writeCh: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go p.readLoop()
	go p.writeLoop()
	return p, nil
}

// readLoop is the single thread that reads the master handle.
func (p *PTY) readLoop() {
	defer close(p.readCh)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.master.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			select {
			case p.readCh <- out:
			case <-p.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// writeLoop is the single thread that writes the master handle.
func (p *PTY) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case b, ok := <-p.writeCh:
			if !ok {
				return
			}
			if _, err := p.master.Write(b); err != nil {
				p.cfg.Log.WithError(err).Debug("pty write failed")
				return
			}
		}
	}
}

// Read returns the next chunk of shell output, blocking until output arrives
// or the PTY closes. It satisfies io.Reader.
func (p *PTY) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.leftover) > 0 {
		n := copy(b, p.leftover)
		p.leftover = p.leftover[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	chunk, ok := <-p.readCh
	if !ok {
		return 0, os.ErrClosed
	}
	n := copy(b, chunk)
	if n < len(chunk) {
		p.mu.Lock()
		p.leftover = append(p.leftover, chunk[n:]...)
		p.mu.Unlock()
	}
	return n, nil
}

// Write queues user input for the writer thread. It satisfies io.Writer.
func (p *PTY) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case p.writeCh <- cp:
		return len(b), nil
	case <-p.done:
		return 0, os.ErrClosed
	}
}

// Resize changes the PTY window size, which also delivers SIGWINCH to the
// child's foreground process group.
func (p *PTY) Resize(cols, rows uint16) error {
	return trace.Wrap(pty.Setsize(p.master, &pty.Winsize{Cols: cols, Rows: rows}))
}

// Close signals the shell child, closes the master handle, and reaps the
// child process so it never lingers as a zombie.
func (p *PTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.master.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	go p.cmd.Wait()
	return nil
}

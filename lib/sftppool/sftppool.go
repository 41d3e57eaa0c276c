// Package sftppool manages SFTP channels: exactly one SFTP subsystem channel
// per physical connection, shared by every file operation on that connection.
// Large streamed transfers are limited to a bounded number in flight while
// small control operations (stat, mkdir, rename) bypass the limit, and an
// optional token-bucket speed limit applies to combined transfer I/O.
package sftppool

import (
	"context"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/oxerr"
	"github.com/oxideterm/core/lib/sshreg"
)

// Defaults for transfer concurrency and request timeouts.
const (
	DefaultMaxConcurrentTransfers = 3
	DefaultControlTimeout         = 60 * time.Second
	DefaultStreamIdleTimeout      = 30 * time.Second
	progressInterval              = 500 * time.Millisecond
)

// FileInfo is the serializable subset of os.FileInfo the IPC surface returns.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
	IsDir   bool      `json:"isDir"`
	IsLink  bool      `json:"isLink"`
}

func infoOf(fi os.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode().String(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
		IsLink:  fi.Mode()&os.ModeSymlink != 0,
	}
}

// Config wires the pool to the connection registry.
type Config struct {
	Connections *sshreg.Registry
	Bus         *events.Bus
	Clock       clockwork.Clock
	Log         *logrus.Entry
	// MaxConcurrentTransfers bounds in-flight large transfers per connection.
	MaxConcurrentTransfers int
	// SpeedLimitBps, when positive, caps combined transfer bytes per second.
	// Control operations are never limited.
	SpeedLimitBps int
	// ControlTimeout bounds small control operations.
	ControlTimeout time.Duration
	// StreamIdleTimeout trips when a streamed body makes no progress.
	StreamIdleTimeout time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Connections == nil {
		return trace.BadParameter("sftppool: missing connection registry")
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "sftp")
	}
	if c.MaxConcurrentTransfers <= 0 {
		c.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = DefaultControlTimeout
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	return nil
}

// entry is one connection's SFTP channel plus its transfer semaphore.
type entry struct {
	client    *sftp.Client
	transfers chan struct{}
}

// Pool hands out per-connection SFTP clients, opening the single subsystem
// channel lazily on first use.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	limiter *rate.Limiter
}

// New constructs a Pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Pool{cfg: cfg, entries: make(map[string]*entry)}
	if cfg.SpeedLimitBps > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SpeedLimitBps), cfg.SpeedLimitBps)
	}
	return p, nil
}

// SetSpeedLimit adjusts or clears (bps <= 0) the transfer speed limit.
func (p *Pool) SetSpeedLimit(bps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bps <= 0 {
		p.limiter = nil
		return
	}
	p.limiter = rate.NewLimiter(rate.Limit(bps), bps)
}

func (p *Pool) forConnection(ctx context.Context, connectionID string) (*entry, error) {
	p.mu.Lock()
	e, ok := p.entries[connectionID]
	p.mu.Unlock()
	if ok {
		return e, nil
	}

	handle, err := p.cfg.Connections.GetHandle(connectionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client, err := handle.OpenSFTPClient(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[connectionID]; ok {
		client.Close()
		return existing, nil
	}
	e = &entry{
		client:    client,
		transfers: make(chan struct{}, p.cfg.MaxConcurrentTransfers),
	}
	p.entries[connectionID] = e
	return e, nil
}

// Drop discards a connection's SFTP channel, e.g. when the connection goes
// link-down; the next operation reopens it lazily.
func (p *Pool) Drop(connectionID string) {
	p.mu.Lock()
	e, ok := p.entries[connectionID]
	delete(p.entries, connectionID)
	p.mu.Unlock()
	if ok {
		e.client.Close()
	}
}

// control runs a small operation under the control timeout, off the caller's
// goroutine so a wedged channel cannot hang the IPC dispatcher forever.
func (p *Pool) control(ctx context.Context, connectionID string, fn func(*sftp.Client) error) error {
	e, err := p.forConnection(ctx, connectionID)
	if err != nil {
		return trace.Wrap(err)
	}

	done := make(chan error, 1)
	go func() { done <- fn(e.client) }()

	timeout := p.cfg.Clock.NewTimer(p.cfg.ControlTimeout)
	defer timeout.Stop()

	select {
	case err := <-done:
		return trace.Wrap(err)
	case <-timeout.Chan():
		return oxerr.New(oxerr.IO, nil, "sftp request timed out")
	case <-ctx.Done():
		return oxerr.New(oxerr.Cancelled, ctx.Err(), "sftp request cancelled")
	}
}

// Stat returns file metadata.
func (p *Pool) Stat(ctx context.Context, connectionID, remotePath string) (FileInfo, error) {
	var out FileInfo
	err := p.control(ctx, connectionID, func(c *sftp.Client) error {
		fi, err := c.Stat(remotePath)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		out = infoOf(fi)
		return nil
	})
	return out, trace.Wrap(err)
}

// ReadDir lists a directory.
func (p *Pool) ReadDir(ctx context.Context, connectionID, remotePath string) ([]FileInfo, error) {
	var out []FileInfo
	err := p.control(ctx, connectionID, func(c *sftp.Client) error {
		fis, err := c.ReadDir(remotePath)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		out = make([]FileInfo, 0, len(fis))
		for _, fi := range fis {
			out = append(out, infoOf(fi))
		}
		return nil
	})
	return out, trace.Wrap(err)
}

// Mkdir creates a directory.
func (p *Pool) Mkdir(ctx context.Context, connectionID, remotePath string) error {
	return p.control(ctx, connectionID, func(c *sftp.Client) error {
		return trace.ConvertSystemError(c.Mkdir(remotePath, 0o755))
	})
}

// Rmdir removes a directory, recursively when asked.
func (p *Pool) Rmdir(ctx context.Context, connectionID, remotePath string, recursive bool) error {
	return p.control(ctx, connectionID, func(c *sftp.Client) error {
		if !recursive {
			return trace.ConvertSystemError(c.RemoveDirectory(remotePath))
		}
		return trace.Wrap(removeAll(c, remotePath))
	})
}

func removeAll(c *sftp.Client, remotePath string) error {
	fis, err := c.ReadDir(remotePath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, fi := range fis {
		child := path.Join(remotePath, fi.Name())
		if fi.IsDir() {
			if err := removeAll(c, child); err != nil {
				return trace.Wrap(err)
			}
		} else if err := c.Remove(child); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return trace.ConvertSystemError(c.RemoveDirectory(remotePath))
}

// Rename moves a file or directory.
func (p *Pool) Rename(ctx context.Context, connectionID, oldPath, newPath string) error {
	return p.control(ctx, connectionID, func(c *sftp.Client) error {
		return trace.ConvertSystemError(c.Rename(oldPath, newPath))
	})
}

// Remove deletes a file.
func (p *Pool) Remove(ctx context.Context, connectionID, remotePath string) error {
	return p.control(ctx, connectionID, func(c *sftp.Client) error {
		return trace.ConvertSystemError(c.Remove(remotePath))
	})
}

// Chmod changes file permissions.
func (p *Pool) Chmod(ctx context.Context, connectionID, remotePath string, mode os.FileMode) error {
	return p.control(ctx, connectionID, func(c *sftp.Client) error {
		return trace.ConvertSystemError(c.Chmod(remotePath, mode))
	})
}

// Symlink creates a symbolic link at linkPath pointing to target.
func (p *Pool) Symlink(ctx context.Context, connectionID, target, linkPath string) error {
	return p.control(ctx, connectionID, func(c *sftp.Client) error {
		return trace.ConvertSystemError(c.Symlink(target, linkPath))
	})
}

// Readlink resolves a symbolic link.
func (p *Pool) Readlink(ctx context.Context, connectionID, remotePath string) (string, error) {
	var out string
	err := p.control(ctx, connectionID, func(c *sftp.Client) error {
		target, err := c.ReadLink(remotePath)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		out = target
		return nil
	})
	return out, trace.Wrap(err)
}

// ReadFile streams a remote file into dst, emitting progress events and
// honoring the speed limit.
func (p *Pool) ReadFile(ctx context.Context, connectionID, remotePath string, dst io.Writer) (int64, error) {
	e, err := p.forConnection(ctx, connectionID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if err := p.acquireTransfer(ctx, e); err != nil {
		return 0, trace.Wrap(err)
	}
	defer func() { <-e.transfers }()

	f, err := e.client.Open(remotePath)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	defer f.Close()

	var total int64
	if fi, err := f.Stat(); err == nil {
		total = fi.Size()
	}

	n, err := p.copyStream(ctx, dst, f, total)
	return n, trace.Wrap(err)
}

// WriteFile streams src to a remote file. With atomic set, bytes go to a
// hidden temp file next to the destination which is renamed into place only
// after a complete, flushed write; an aborted transfer leaves the
// destination untouched.
func (p *Pool) WriteFile(ctx context.Context, connectionID, remotePath string, src io.Reader, totalBytes int64, atomic bool) (int64, error) {
	e, err := p.forConnection(ctx, connectionID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if err := p.acquireTransfer(ctx, e); err != nil {
		return 0, trace.Wrap(err)
	}
	defer func() { <-e.transfers }()

	target := remotePath
	if atomic {
		dir, base := path.Split(remotePath)
		target = path.Join(dir, "."+base+".tmp."+uuid.NewString()[:8])
	}

	f, err := e.client.Create(target)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}

	n, err := p.copyStream(ctx, f, src, totalBytes)
	if err != nil {
		f.Close()
		if atomic {
			e.client.Remove(target)
		}
		return n, trace.Wrap(err)
	}
	if err := f.Close(); err != nil {
		if atomic {
			e.client.Remove(target)
		}
		return n, trace.ConvertSystemError(err)
	}

	if atomic {
		// PosixRename overwrites an existing destination in one server-side
		// step where the extension is supported; plain Rename fails on
		// collision, so clear the destination first as a fallback.
		if err := e.client.PosixRename(target, remotePath); err != nil {
			e.client.Remove(remotePath)
			if err := e.client.Rename(target, remotePath); err != nil {
				e.client.Remove(target)
				return n, trace.ConvertSystemError(err)
			}
		}
	}
	return n, nil
}

func (p *Pool) acquireTransfer(ctx context.Context, e *entry) error {
	select {
	case e.transfers <- struct{}{}:
		return nil
	case <-ctx.Done():
		return oxerr.New(oxerr.Cancelled, ctx.Err(), "transfer cancelled while queued")
	}
}

// copyStream pumps bytes in bounded chunks, applying the speed limit, the
// stream idle watchdog, and bounded-rate progress events.
func (p *Pool) copyStream(ctx context.Context, dst io.Writer, src io.Reader, totalBytes int64) (int64, error) {
	opID := uuid.NewString()
	buf := make([]byte, 128*1024)

	var written int64
	start := p.cfg.Clock.Now()
	lastProgress := start

	for {
		select {
		case <-ctx.Done():
			return written, oxerr.New(oxerr.Cancelled, ctx.Err(), "transfer cancelled")
		default:
		}

		type readResult struct {
			n   int
			err error
		}
		readDone := make(chan readResult, 1)
		go func() {
			n, err := src.Read(buf)
			readDone <- readResult{n, err}
		}()

		idle := p.cfg.Clock.NewTimer(p.cfg.StreamIdleTimeout)
		var rr readResult
		select {
		case rr = <-readDone:
			idle.Stop()
		case <-idle.Chan():
			return written, oxerr.New(oxerr.IO, nil, "transfer stalled for %v", p.cfg.StreamIdleTimeout)
		case <-ctx.Done():
			idle.Stop()
			return written, oxerr.New(oxerr.Cancelled, ctx.Err(), "transfer cancelled")
		}

		if rr.n > 0 {
			p.mu.Lock()
			limiter := p.limiter
			p.mu.Unlock()
			if limiter != nil {
				if err := limiter.WaitN(ctx, rr.n); err != nil {
					return written, oxerr.New(oxerr.Cancelled, err, "transfer cancelled")
				}
			}
			wn, werr := dst.Write(buf[:rr.n])
			written += int64(wn)
			if werr != nil {
				return written, trace.ConvertSystemError(werr)
			}

			now := p.cfg.Clock.Now()
			if now.Sub(lastProgress) >= progressInterval {
				lastProgress = now
				p.publishProgress(opID, written, totalBytes, start)
			}
		}
		if rr.err == io.EOF {
			p.publishProgress(opID, written, totalBytes, start)
			return written, nil
		}
		if rr.err != nil {
			return written, trace.ConvertSystemError(rr.err)
		}
	}
}

func (p *Pool) publishProgress(opID string, transferred, total int64, start time.Time) {
	elapsed := p.cfg.Clock.Now().Sub(start).Seconds()
	var bps float64
	if elapsed > 0 {
		bps = float64(transferred) / elapsed
	}
	p.cfg.Bus.Publish(events.SftpProgress{
		OpID:             opID,
		BytesTransferred: transferred,
		TotalBytes:       total,
		SpeedBps:         bps,
		At:               p.cfg.Clock.Now(),
	})
	p.cfg.Log.WithFields(logrus.Fields{
		"op":    opID,
		"done":  humanize.Bytes(uint64(transferred)),
		"speed": humanize.Bytes(uint64(bps)) + "/s",
	}).Debug("transfer progress")
}

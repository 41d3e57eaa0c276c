// Package scrollbuf implements the bounded, searchable terminal scrollback
// buffer: a FIFO ring of output rows, searchable on normalized ANSI-stripped
// text, and serializable to a compact binary form for on-disconnect
// persistence.
package scrollbuf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"regexp"
	"sync"

	"github.com/Azure/go-ansiterm"
	"github.com/gravitational/trace"
)

// DefaultCapacity is the default retained row count.
const DefaultCapacity = 100_000

// Match is one hit from Search: the absolute row index (as used by Start and
// Rows) and the byte offset range within that row's normalized text.
type Match struct {
	Row        int
	ColStart   int
	ColEnd     int
	LineText   string
}

// Buffer is a bounded ring of terminal output rows. A row is a line of text
// terminated by '\n' in the raw (ANSI-laden) byte stream; the buffer also
// keeps a normalized, ANSI-stripped copy of each row for search. Oldest rows
// are evicted FIFO once len(rows) exceeds Capacity.
//
// Buffer is safe for concurrent use: one writer goroutine (the session's
// output reader) appends while search and snapshot calls run concurrently
// from UI-driven requests.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	rows     []row
	// partial holds raw bytes of the row currently being assembled (no
	// trailing newline seen yet).
	partial []byte
	start   int // absolute index of rows[0], monotonically increasing
}

type row struct {
	raw        []byte
	normalized string
}

// New constructs a Buffer with the given capacity in rows. capacity <= 0
// selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Write appends raw terminal output bytes, splitting on '\n' into rows. It
// implements io.Writer so it can sit directly in an io.MultiWriter alongside
// the Bridge's outbound frame writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			b.partial = append(b.partial, p...)
			break
		}
		line := append(b.partial, p[:i]...)
		b.partial = nil
		b.appendRow(line)
		p = p[i+1:]
	}
	return n, nil
}

func (b *Buffer) appendRow(raw []byte) {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	b.rows = append(b.rows, row{raw: cp, normalized: stripANSI(cp)})
	if len(b.rows) > b.capacity {
		evict := len(b.rows) - b.capacity
		b.rows = b.rows[evict:]
		b.start += evict
	}
}

// Len returns the number of complete rows currently stored.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}

// Capacity returns the configured row capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Rows returns a copy of the raw bytes of rows [from, to), in absolute row
// indices (Start()..Start()+Len()).
func (b *Buffer) Rows(from, to int) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lo := from - b.start
	hi := to - b.start
	if lo < 0 {
		lo = 0
	}
	if hi > len(b.rows) {
		hi = len(b.rows)
	}
	if lo >= hi {
		return nil
	}
	out := make([][]byte, 0, hi-lo)
	for _, r := range b.rows[lo:hi] {
		cp := make([]byte, len(r.raw))
		copy(cp, r.raw)
		out = append(out, cp)
	}
	return out
}

// Start returns the absolute index of the oldest retained row.
func (b *Buffer) Start() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.start
}

// Search runs a regex query against the normalized, ANSI-stripped text of
// every retained row. It never touches the raw stream and never blocks a
// concurrent Write for longer than a single row comparison; callers invoke
// it from a worker goroutine, never from the channel I/O path.
func (b *Buffer) Search(query string, caseInsensitive bool) ([]Match, error) {
	pattern := query
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, trace.BadParameter("invalid search pattern: %v", err)
	}

	// Rows are never modified once appended and eviction only reslices, so a
	// copy of the slice header taken under the lock stays valid after it is
	// released; the scan itself then runs without holding the lock.
	b.mu.RLock()
	rows, start := b.rows, b.start
	b.mu.RUnlock()

	var matches []Match
	for i, r := range rows {
		for _, loc := range re.FindAllStringIndex(r.normalized, -1) {
			matches = append(matches, Match{
				Row:      start + i,
				ColStart: loc[0],
				ColEnd:   loc[1],
				LineText: r.normalized,
			})
		}
	}
	return matches, nil
}

// stripANSI runs b through the go-ansiterm state machine, keeping only the
// bytes the handler would Print to the terminal grid (i.e. discarding CSI/OSC
// escape sequences) so Search operates on human-legible text.
func stripANSI(b []byte) string {
	h := &printCollector{}
	parser := ansiterm.CreateParser("Ground", h)
	_, _ = parser.Parse(b)
	return h.buf.String()
}

// printCollector is a minimal ansiterm.AnsiEventHandler that records only
// printable bytes and ignores every cursor-movement / SGR / scroll-region
// escape, since the scroll buffer only needs the human-legible text for
// search, not a full terminal-grid replay.
type printCollector struct {
	buf bytes.Buffer
}

func (p *printCollector) Print(b byte) error   { p.buf.WriteByte(b); return nil }
func (p *printCollector) Execute(b byte) error {
	if b == '\t' || b == ' ' {
		p.buf.WriteByte(b)
	}
	return nil
}
func (p *printCollector) CUU(int) error             { return nil }
func (p *printCollector) CUD(int) error             { return nil }
func (p *printCollector) CUF(int) error             { return nil }
func (p *printCollector) CUB(int) error             { return nil }
func (p *printCollector) CNL(int) error             { return nil }
func (p *printCollector) CPL(int) error             { return nil }
func (p *printCollector) CHA(int) error             { return nil }
func (p *printCollector) VPA(int) error             { return nil }
func (p *printCollector) CUP(int, int) error        { return nil }
func (p *printCollector) HVP(int, int) error        { return nil }
func (p *printCollector) DECTCEM(bool) error        { return nil }
func (p *printCollector) DECOM(bool) error           { return nil }
func (p *printCollector) DECCOLM(bool) error         { return nil }
func (p *printCollector) ED(int) error               { return nil }
func (p *printCollector) EL(int) error               { return nil }
func (p *printCollector) IL(int) error                { return nil }
func (p *printCollector) DL(int) error                { return nil }
func (p *printCollector) ICH(int) error               { return nil }
func (p *printCollector) DCH(int) error               { return nil }
func (p *printCollector) SGR([]int) error             { return nil }
func (p *printCollector) SU(int) error                { return nil }
func (p *printCollector) SD(int) error                { return nil }
func (p *printCollector) DA([]string) error           { return nil }
func (p *printCollector) DECSTBM(int, int) error      { return nil }
func (p *printCollector) RI() error                   { return nil }
func (p *printCollector) IND() error                  { return nil }
func (p *printCollector) Flush() error                { return nil }

// --- Serialization -------------------------------------------------------
//
// The on-disk form is a tiny framed encoding: a magic/version header
// followed by one (uint32 length, raw bytes) record per row, oldest first.
// It intentionally stores only raw bytes (not the normalized copy), which is
// recomputed on load — the normalized text is a derived index, not part of
// the durable state.

const (
	magic         = "OXSB"
	formatVersion = uint32(1)
)

// Snapshot serializes the buffer's current window to w.
func (b *Buffer) Snapshot(w io.Writer) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return trace.Wrap(err)
	}
	if err := binary.Write(bw, binary.BigEndian, formatVersion); err != nil {
		return trace.Wrap(err)
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(b.capacity)); err != nil {
		return trace.Wrap(err)
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(b.rows))); err != nil {
		return trace.Wrap(err)
	}
	for _, r := range b.rows {
		if err := binary.Write(bw, binary.BigEndian, uint32(len(r.raw))); err != nil {
			return trace.Wrap(err)
		}
		if _, err := bw.Write(r.raw); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(bw.Flush())
}

// Restore builds a new Buffer from the snapshot read from r.
func Restore(r io.Reader) (*Buffer, error) {
	br := bufio.NewReader(r)

	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, trace.Wrap(err)
	}
	if string(hdr) != magic {
		return nil, trace.BadParameter("not a scrollbuf snapshot (bad magic)")
	}

	var version, capacity, count uint32
	if err := binary.Read(br, binary.BigEndian, &version); err != nil {
		return nil, trace.Wrap(err)
	}
	if version != formatVersion {
		return nil, trace.BadParameter("unsupported scrollbuf snapshot version %d", version)
	}
	if err := binary.Read(br, binary.BigEndian, &capacity); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return nil, trace.Wrap(err)
	}

	buf := New(int(capacity))
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(br, binary.BigEndian, &n); err != nil {
			return nil, trace.Wrap(err)
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, trace.Wrap(err)
		}
		buf.appendRow(raw)
	}
	return buf, nil
}

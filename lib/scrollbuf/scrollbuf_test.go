package scrollbuf

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapacityEviction(t *testing.T) {
	b := New(10)
	for i := 0; i < 25; i++ {
		fmt.Fprintf(b, "line-%d\n", i)
	}
	require.LessOrEqual(t, b.Len(), 10)
	require.Equal(t, 10, b.Len())
	rows := b.Rows(b.Start(), b.Start()+b.Len())
	require.Equal(t, "line-24", string(bytes.TrimSuffix(rows[len(rows)-1], nil)))
}

func TestSearchStripsANSI(t *testing.T) {
	b := New(100)
	fmt.Fprintf(b, "\x1b[31mhello\x1b[0m world\n")
	fmt.Fprintf(b, "nothing here\n")

	matches, err := b.Search("hello world", false)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, 0, matches[0].Row)
}

func TestSearchIdempotent(t *testing.T) {
	b := New(100)
	fmt.Fprintf(b, "foo bar foo\n")
	fmt.Fprintf(b, "baz\n")

	m1, err := b.Search("foo", true)
	require.NoError(t, err)
	m2, err := b.Search("foo", true)
	require.NoError(t, err)
	require.Equal(t, m1, m2)
}

func TestSearchBadPattern(t *testing.T) {
	b := New(10)
	_, err := b.Search("(unterminated", false)
	require.Error(t, err)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	b := New(50)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(b, "row %d\n", i)
	}

	var buf bytes.Buffer
	require.NoError(t, b.Snapshot(&buf))

	restored, err := Restore(&buf)
	require.NoError(t, err)
	require.Equal(t, b.Len(), restored.Len())
	require.Equal(t, b.Rows(0, b.Len()), restored.Rows(0, restored.Len()))
}

func TestWritePartialLineBuffered(t *testing.T) {
	b := New(10)
	fmt.Fprint(b, "partial-no-newline")
	require.Equal(t, 0, b.Len())
	fmt.Fprint(b, " continued\n")
	require.Equal(t, 1, b.Len())
}

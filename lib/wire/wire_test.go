package wire

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload []byte
	}{
		{"empty", TypeClose, nil},
		{"small", TypeDataToRemote, []byte("hello")},
		{"resize", TypeResize, []byte{0, 80, 0, 24}},
		{"binary", TypeDataFromRemote, bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 1000)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.typ, tc.payload)
			frame, n, err := Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, len(encoded), n)
			require.Equal(t, tc.typ, frame.Type)
			if len(tc.payload) == 0 {
				require.Empty(t, frame.Payload)
			} else {
				require.Equal(t, tc.payload, frame.Payload)
			}
		})
	}
}

func TestRoundTripRandomPayloads(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		payload := make([]byte, rng.Intn(64*1024))
		rng.Read(payload)
		typ := Type(rng.Intn(4))

		frame, n, err := Decode(Encode(typ, payload))
		require.NoError(t, err)
		require.Equal(t, headerLen+len(payload), n)
		want := Frame{Type: typ, Payload: payload}
		if len(payload) == 0 {
			want.Payload = []byte{}
		}
		if diff := cmp.Diff(want, frame); diff != "" {
			t.Fatalf("frame mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	full := Encode(TypeDataToRemote, []byte("hello world"))
	for i := 0; i < len(full); i++ {
		_, _, err := Decode(full[:i])
		require.ErrorIs(t, err, io.ErrShortBuffer)
	}
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	buf := make([]byte, headerLen)
	buf[0] = byte(TypeDataToRemote)
	buf[1], buf[2], buf[3], buf[4] = 0xff, 0xff, 0xff, 0xff
	_, _, err := Decode(buf)
	require.Error(t, err)
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeDataToRemote, []byte("payload")))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeDataToRemote, frame.Type)
	require.Equal(t, []byte("payload"), frame.Payload)
}

func TestResizePayloadRoundTrip(t *testing.T) {
	encoded := EncodeResize(132, 43)
	frame, _, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, TypeResize, frame.Type)

	resize, err := DecodeResize(frame.Payload)
	require.NoError(t, err)
	require.Equal(t, uint16(132), resize.Cols)
	require.Equal(t, uint16(43), resize.Rows)
}

func TestDecodeResizeRejectsBadLength(t *testing.T) {
	_, err := DecodeResize([]byte{0, 1, 2})
	require.Error(t, err)
}

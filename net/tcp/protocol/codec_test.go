package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/Meander-Cloud/go-socialnet/message"
)

func mustEncode(t *testing.T, pkt *m.Packet) []byte {
	t.Helper()
	pkt.ContentLen = pkt.ComputeContentLen()
	buf, err := Encode(pkt)
	require.NoError(t, err)
	return buf
}

func TestFrameOverhead(t *testing.T) {
	total := 0
	for _, key := range frameKeys {
		total += len(key)
	}
	assert.Equal(t, frameOverhead, total)
}

func TestEncodeLayout(t *testing.T) {
	pkt := m.NewPost(42, "bob", "hi")
	pkt.ReqNum = 7
	buf := mustEncode(t, pkt)

	// 1 + 1 + 2 + len("bob") + len("hi")
	assert.Equal(t, uint32(9), pkt.ContentLen)
	assert.Equal(
		t,
		"content_len:9,cmd_code:2,req_num:7,sessionId:42,username:,password:,postee:bob,post:hi,wallOwner:,rcvd_cnts:",
		string(buf),
	)
	assert.Equal(t, FrameLen(pkt.ContentLen), len(buf))
}

func TestDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *m.Packet
	}{
		{"login", m.NewLogin("alice", "5f4dcc3b5aa765d61d8327deb882cf99")},
		{"post with separators", m.NewPost(12345, "bob", "hello, world: it's me")},
		{"show", m.NewShow(1, "carol")},
		{"notify", m.NewNotify(99, "alice to bob[2024-01-01 10:00:00]: hi\n")},
		{"reply with keys in trailing field", (&m.Packet{Command: m.CommandShow, ReqNum: 3}).Reply(5, "a,post:b,rcvd_cnts:c")},
		{"empty", m.NewList(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.pkt.ReqNum += 1000
			buf := mustEncode(t, tt.pkt)

			d := NewDecoder(bytes.NewReader(buf))
			got, n, err := d.Decode()
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			assert.Equal(t, tt.pkt, got)
			assert.Equal(t, 0, d.Buffered())
		})
	}
}

func TestDecodeChunkedStream(t *testing.T) {
	first := mustEncode(t, m.NewPost(8, "dave", "one, two"))
	second := mustEncode(t, m.NewShow(8, "dave"))
	stream := append(append([]byte{}, first...), second...)

	// one byte per read exercises every partial state
	d := NewDecoder(iotest.OneByteReader(bytes.NewReader(stream)))

	got, n, err := d.Decode()
	require.NoError(t, err)
	assert.Equal(t, len(first), n)
	assert.Equal(t, m.CommandPost, got.Command)
	assert.Equal(t, "one, two", got.Post)

	got, n, err = d.Decode()
	require.NoError(t, err)
	assert.Equal(t, len(second), n)
	assert.Equal(t, m.CommandShow, got.Command)
	assert.Equal(t, "dave", got.WallOwner)

	_, _, err = d.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeBackToBackFrames(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		pkt := m.NewList(uint32(i + 1))
		pkt.ReqNum = uint32(i + 1)
		stream = append(stream, mustEncode(t, pkt)...)
	}

	// a single read delivers every frame; later ones must be retained
	d := NewDecoder(bytes.NewReader(stream))
	for i := 0; i < 5; i++ {
		got, _, err := d.Decode()
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), got.ReqNum)
	}
	assert.Equal(t, 0, d.Buffered())
}

func TestDecodePeerClosed(t *testing.T) {
	d := NewDecoder(bytes.NewReader(nil))
	_, _, err := d.Decode()
	assert.ErrorIs(t, err, io.EOF)

	// a truncated frame also ends in EOF
	buf := mustEncode(t, m.NewLogin("alice", "h"))
	d = NewDecoder(bytes.NewReader(buf[:len(buf)-3]))
	_, _, err = d.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeFramingErrors(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		target error
	}{
		{"bad start", "hello world, this is not a frame", ErrFraming},
		{"bad length digits", "content_len:x1,cmd_code:0,req_num:1,sessionId:0,username:,password:,postee:,post:,wallOwner:,rcvd_cnts:", ErrFraming},
		{"length too large", "content_len:9999,cmd_code:0", ErrFrameTooLarge},
		{"non canonical number", "content_len:4,cmd_code:4,req_num:01,sessionId:1,username:,password:,postee:,post:,wallOwner:,rcvd_cnts:", ErrFraming},
		{"marker missing", "content_len:3,cmd_code:4,req_num:1,sessionId:1,username:,password:,postie:,post:,wallOwner:,rcvd_cnts:", ErrFraming},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(tt.stream))
			_, _, err := d.Decode()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestDecodeMissingLengthTerminator(t *testing.T) {
	stream := "content_len:" + strings.Repeat("1", 40)
	d := NewDecoder(strings.NewReader(stream))
	_, _, err := d.Decode()
	assert.ErrorIs(t, err, ErrFraming)
	assert.Equal(t, 0, d.Buffered())
}

func TestDecodeRecoversAfterFramingError(t *testing.T) {
	good := mustEncode(t, m.NewList(3))

	// the garbage arrives in its own read, the decoder discards it
	r := io.MultiReader(strings.NewReader("garbage!!!!!!"), bytes.NewReader(good))
	d := NewDecoder(r)

	_, _, err := d.Decode()
	require.ErrorIs(t, err, ErrFraming)

	got, _, err := d.Decode()
	require.NoError(t, err)
	assert.Equal(t, m.CommandList, got.Command)
}

func TestEncodeUnframable(t *testing.T) {
	tests := []struct {
		name string
		pkt  *m.Packet
	}{
		{"username with password key", m.NewLogin("eve,password:x", "h")},
		{"postee with post key", m.NewPost(1, "bob,post:", "hi")},
		{"post with wallOwner key", m.NewPost(1, "bob", "hi,wallOwner:carol")},
		{"wall owner with rcvd_cnts key", m.NewShow(1, "carol,rcvd_cnts:")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.pkt.ContentLen = tt.pkt.ComputeContentLen()
			_, err := Encode(tt.pkt)
			assert.ErrorIs(t, err, ErrUnframable)
		})
	}

	// keys other than the following one are fine
	pkt := m.NewPost(1, "bob", "see ,username: and ,postee: here")
	buf := mustEncode(t, pkt)
	got, _, err := NewDecoder(bytes.NewReader(buf)).Decode()
	require.NoError(t, err)
	assert.Equal(t, pkt.Post, got.Post)
}

func TestEncodeTooLarge(t *testing.T) {
	pkt := (&m.Packet{Command: m.CommandShow, ReqNum: 1}).Reply(1, strings.Repeat("x", maxFrameLen))
	pkt.ContentLen = pkt.ComputeContentLen()
	_, err := Encode(pkt)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReceivedBudget(t *testing.T) {
	pkt := (&m.Packet{Command: m.CommandShow, ReqNum: 12}).Reply(345, "")
	budget := ReceivedBudget(pkt)

	pkt.Received = strings.Repeat("x", budget)
	buf := mustEncode(t, pkt)
	assert.Equal(t, maxFrameLen, len(buf))

	pkt.Received += "x"
	pkt.ContentLen = pkt.ComputeContentLen()
	_, err := Encode(pkt)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// other fields already past the limit leave nothing
	assert.Equal(t, 0, ReceivedBudget(m.NewPost(1, "bob", strings.Repeat("x", maxFrameLen))))
}

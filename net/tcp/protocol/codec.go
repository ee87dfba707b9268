package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	m "github.com/Meander-Cloud/go-socialnet/message"
)

// frame layout, in order, no terminator:
// content_len:N,cmd_code:C,req_num:R,sessionId:S,username:..,password:..,postee:..,post:..,wallOwner:..,rcvd_cnts:..
var frameKeys = [...]string{
	"content_len:",
	",cmd_code:",
	",req_num:",
	",sessionId:",
	",username:",
	",password:",
	",postee:",
	",post:",
	",wallOwner:",
	",rcvd_cnts:",
}

const (
	fieldContentLen = iota
	fieldCommand
	fieldReqNum
	fieldSessionID
	fieldUsername
	fieldPassword
	fieldPostee
	fieldPost
	fieldWallOwner
	fieldReceived
	fieldCount
)

// FrameLen is the on-wire size of a frame declaring contentLen.
func FrameLen(contentLen uint32) int {
	return frameOverhead + len(strconv.FormatUint(uint64(contentLen), 10)) + int(contentLen)
}

// ReceivedBudget returns how many bytes of rcvd_cnts fit in one frame next to
// the other fields of pkt as they stand.
func ReceivedBudget(pkt *m.Packet) int {
	base := pkt.Clone()
	base.Received = ""

	// content_len renders in 4 digits once the frame is near its limit
	budget := maxFrameLen - frameOverhead - 4 - int(base.ComputeContentLen())
	if budget < 0 {
		return 0
	}
	return budget
}

// Encode renders pkt as a frame using pkt.ContentLen verbatim. Values are not
// escaped: a non-trailing field is delimited by the key that follows it, so a
// value containing that key cannot be framed. The trailing rcvd_cnts field is
// bounded by content_len alone.
func Encode(pkt *m.Packet) ([]byte, error) {
	for i, value := range [...]string{
		fieldUsername:  pkt.Username,
		fieldPassword:  pkt.Password,
		fieldPostee:    pkt.Postee,
		fieldPost:      pkt.Post,
		fieldWallOwner: pkt.WallOwner,
	} {
		if i < fieldUsername {
			continue
		}
		if strings.Contains(value, frameKeys[i+1]) {
			return nil, fmt.Errorf("%w: %q contains %q", ErrUnframable, value, frameKeys[i+1])
		}
	}

	buffer := new(bytes.Buffer)
	buffer.Grow(typicalBufferLen)

	buffer.WriteString(frameKeys[fieldContentLen])
	buffer.WriteString(strconv.FormatUint(uint64(pkt.ContentLen), 10))
	buffer.WriteString(frameKeys[fieldCommand])
	buffer.WriteString(strconv.FormatUint(uint64(pkt.Command), 10))
	buffer.WriteString(frameKeys[fieldReqNum])
	buffer.WriteString(strconv.FormatUint(uint64(pkt.ReqNum), 10))
	buffer.WriteString(frameKeys[fieldSessionID])
	buffer.WriteString(strconv.FormatUint(uint64(pkt.SessionID), 10))
	buffer.WriteString(frameKeys[fieldUsername])
	buffer.WriteString(pkt.Username)
	buffer.WriteString(frameKeys[fieldPassword])
	buffer.WriteString(pkt.Password)
	buffer.WriteString(frameKeys[fieldPostee])
	buffer.WriteString(pkt.Postee)
	buffer.WriteString(frameKeys[fieldPost])
	buffer.WriteString(pkt.Post)
	buffer.WriteString(frameKeys[fieldWallOwner])
	buffer.WriteString(pkt.WallOwner)
	buffer.WriteString(frameKeys[fieldReceived])
	buffer.WriteString(pkt.Received)

	if buffer.Len() > maxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, buffer.Len())
	}

	return buffer.Bytes(), nil
}

type decodeState uint8

const (
	decodeAwaitLength decodeState = 0
	decodeAwaitFrame  decodeState = 1
)

// Decoder reassembles frames from a byte stream. Bytes past the current frame
// are retained for the next call, and a read interrupted by a deadline keeps
// what was accumulated so far.
type Decoder struct {
	r        io.Reader
	buf      []byte
	state    decodeState
	frameLen int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:        r,
		buf:      make([]byte, 0, typicalBufferLen),
		state:    decodeAwaitLength,
		frameLen: 0,
	}
}

// Buffered returns the number of accumulated bytes not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Decode returns the next packet and its frame size. io.EOF means the peer
// closed the stream.
func (d *Decoder) Decode() (*m.Packet, int, error) {
	chunk := make([]byte, maxFrameLen)

	for {
		if d.state == decodeAwaitLength {
			frameLen, found, err := scanFrameLen(d.buf)
			if err != nil {
				d.reset()
				return nil, 0, err
			}
			if found {
				d.state = decodeAwaitFrame
				d.frameLen = frameLen
			}
		}

		if d.state == decodeAwaitFrame && len(d.buf) >= d.frameLen {
			frame := d.buf[:d.frameLen]
			pkt, err := parseFrame(frame)

			// keep trailing bytes of the next frame
			rest := make([]byte, 0, typicalBufferLen)
			rest = append(rest, d.buf[d.frameLen:]...)
			n := d.frameLen
			d.buf = rest
			d.state = decodeAwaitLength
			d.frameLen = 0

			if err != nil {
				return nil, n, err
			}
			return pkt, n, nil
		}

		// markers not seen yet: provisionally read up to the maximum frame size
		target := maxFrameLen
		if d.state == decodeAwaitFrame {
			target = d.frameLen
		}
		want := target - len(d.buf)
		if want <= 0 {
			d.reset()
			return nil, 0, fmt.Errorf("%w: length marker missing after %d bytes", ErrFraming, maxFrameLen)
		}

		n, err := d.r.Read(chunk[:want])
		d.buf = append(d.buf, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, io.EOF
			}
			if isTimeout(err) {
				return nil, 0, fmt.Errorf("%w: %s", ErrTimeout, err.Error())
			}
			return nil, 0, err
		}
	}
}

func (d *Decoder) reset() {
	d.buf = d.buf[:0]
	d.state = decodeAwaitLength
	d.frameLen = 0
}

// scanFrameLen looks for "content_len:N,cmd_code" at the head of buf.
func scanFrameLen(buf []byte) (int, bool, error) {
	head := frameKeys[fieldContentLen]
	if len(buf) < len(head) {
		if !bytes.HasPrefix([]byte(head), buf) {
			return 0, false, fmt.Errorf("%w: unexpected frame start %q", ErrFraming, buf)
		}
		return 0, false, nil
	}
	if !bytes.HasPrefix(buf, []byte(head)) {
		return 0, false, fmt.Errorf("%w: unexpected frame start %q", ErrFraming, buf[:len(head)])
	}

	end := bytes.Index(buf, []byte(frameKeys[fieldCommand]))
	if end < 0 {
		// at most 10 digits for a uint32
		if len(buf) > len(head)+10+len(frameKeys[fieldCommand]) {
			return 0, false, fmt.Errorf("%w: cmd_code marker missing", ErrFraming)
		}
		return 0, false, nil
	}

	digits := string(buf[len(head):end])
	contentLen, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("%w: content_len=%q", ErrFraming, digits)
	}

	frameLen := FrameLen(uint32(contentLen))
	if frameLen > maxFrameLen {
		return 0, false, fmt.Errorf("%w: content_len=%d", ErrFrameTooLarge, contentLen)
	}

	return frameLen, true, nil
}

func parseFrame(frame []byte) (*m.Packet, error) {
	var values [fieldCount]string

	rest := string(frame)
	for i, key := range frameKeys {
		if !strings.HasPrefix(rest, key) {
			return nil, fmt.Errorf("%w: marker %q missing", ErrFraming, key)
		}
		rest = rest[len(key):]

		if i == fieldReceived {
			values[i] = rest
			break
		}

		end := strings.Index(rest, frameKeys[i+1])
		if end < 0 {
			return nil, fmt.Errorf("%w: marker %q missing", ErrFraming, frameKeys[i+1])
		}
		values[i] = rest[:end]
		rest = rest[end:]
	}

	contentLen, err := strconv.ParseUint(values[fieldContentLen], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: content_len=%q", ErrFraming, values[fieldContentLen])
	}
	command, err := strconv.ParseUint(values[fieldCommand], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: cmd_code=%q", ErrFraming, values[fieldCommand])
	}
	reqNum, err := strconv.ParseUint(values[fieldReqNum], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: req_num=%q", ErrFraming, values[fieldReqNum])
	}
	sessionID, err := strconv.ParseUint(values[fieldSessionID], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: sessionId=%q", ErrFraming, values[fieldSessionID])
	}

	pkt := &m.Packet{
		ContentLen: uint32(contentLen),
		Command:    m.Command(command),
		ReqNum:     uint32(reqNum),
		SessionID:  uint32(sessionID),

		Contents: m.Contents{
			Username:  values[fieldUsername],
			Password:  values[fieldPassword],
			Postee:    values[fieldPostee],
			Post:      values[fieldPost],
			WallOwner: values[fieldWallOwner],
			Received:  values[fieldReceived],
		},
	}

	computed := pkt.ComputeContentLen()
	if computed != pkt.ContentLen {
		return nil, fmt.Errorf("%w: declared content_len=%d, computed=%d", ErrFraming, pkt.ContentLen, computed)
	}

	return pkt, nil
}

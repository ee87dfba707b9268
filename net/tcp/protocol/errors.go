package protocol

import (
	"errors"
	"net"
	"os"
)

// framing
var (
	ErrFraming       = errors.New("frame format wrong")
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")
	ErrUnframable    = errors.New("field contains frame delimiter")
)

// reliable channel
var (
	ErrTimeout        = errors.New("read timed out")
	ErrAckTimeout     = errors.New("ack wait exhausted")
	ErrAckSession     = errors.New("ack belongs to other session")
	ErrAckContent     = errors.New("ack does not match sent packet")
	ErrAckSend        = errors.New("failed to send ack")
	ErrPendingFull    = errors.New("pending buffer full")
	ErrInvalidCommand = errors.New("invalid command")
)

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

package protocol

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	m "github.com/Meander-Cloud/go-socialnet/message"
)

type ReliableOptions struct {
	Role            Role
	AckTimeout      time.Duration
	AckMaxRetry     uint16
	PendingCapacity int
	TransLog        *TransLog

	LogPrefix string
	LogDebug  bool
}

// Reliable holds the process-wide state of the reliable channel: the request
// sequence generator and the pending buffer shared by every connection.
type Reliable struct {
	options *ReliableOptions

	// if increment overflow will wrap to zero
	txseqGen atomic.Uint32

	pending *PendingBuffer
}

func NewReliable(options *ReliableOptions) (*Reliable, error) {
	if options.AckTimeout <= 0 {
		err := fmt.Errorf("%s: invalid AckTimeout=%s", options.LogPrefix, options.AckTimeout)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.AckMaxRetry == 0 {
		err := fmt.Errorf("%s: invalid AckMaxRetry=%d", options.LogPrefix, options.AckMaxRetry)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.PendingCapacity <= 0 {
		err := fmt.Errorf("%s: invalid PendingCapacity=%d", options.LogPrefix, options.PendingCapacity)
		log.Printf("%s", err.Error())
		return nil, err
	}

	r := &Reliable{
		options:  options,
		txseqGen: atomic.Uint32{},
		pending:  NewPendingBuffer(options.LogPrefix, options.PendingCapacity),
	}

	return r, nil
}

func (r *Reliable) Options() *ReliableOptions {
	return r.options
}

func (r *Reliable) Pending() *PendingBuffer {
	return r.pending
}

// invoked on any goroutine
func (r *Reliable) GetNextTxseq() uint32 {
	return r.txseqGen.Add(1)
}

// isNewRequest reports whether this side numbers cmd. Everything else echoes
// the number of the packet it answers.
func (r *Reliable) isNewRequest(cmd m.Command) bool {
	switch r.options.Role {
	case RoleClient:
		return cmd.ClientRequest()
	case RoleServer:
		return cmd == m.CommandNotify
	default:
		return false
	}
}

// Channel is the reliable channel of one connection. Any number of goroutines
// may Send concurrently with one Receive; the socket itself is read by one of
// them at a time, holding readsem, and packets meant for another waiter are
// parked in the pending buffer.
type Channel struct {
	r         *Reliable
	connState *ConnState

	readsem chan struct{} // holds the read token while the socket is free
	decoder *Decoder

	writeMutex sync.Mutex

	inflightMutex sync.Mutex
	inflight      []*m.Packet // sent packets awaiting their ACK

	closeOnce sync.Once
	closed    chan struct{}
}

func (r *Reliable) NewChannel(connState *ConnState) *Channel {
	ch := &Channel{
		r:         r,
		connState: connState,

		readsem: make(chan struct{}, 1),
		decoder: NewDecoder(connState.Conn),

		writeMutex: sync.Mutex{},

		inflightMutex: sync.Mutex{},
		inflight:      nil,

		closeOnce: sync.Once{},
		closed:    make(chan struct{}),
	}
	ch.readsem <- struct{}{}
	return ch
}

// Close releases waiters and drops this connection's parked packets. The
// caller closes the socket.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		purged := ch.r.pending.Purge(ch.connState.ConnID)
		if purged > 0 {
			log.Printf("%s: %s: purged %d pending packets", ch.r.options.LogPrefix, ch.connState.Descriptor(), purged)
		}
	})
}

func (ch *Channel) errClosed() error {
	return fmt.Errorf("%s: %s: channel closed: %w", ch.r.options.LogPrefix, ch.connState.Descriptor(), net.ErrClosed)
}

// Send transmits pkt and blocks until the peer acknowledges it. A new request
// is numbered here, and ContentLen is always recomputed, both on pkt itself.
func (ch *Channel) Send(pkt *m.Packet) error {
	if ch.r.isNewRequest(pkt.Command) {
		pkt.ReqNum = ch.r.GetNextTxseq()
	}
	pkt.ContentLen = pkt.ComputeContentLen()

	ch.addInflight(pkt)
	defer ch.removeInflight(pkt)

	sendTime := time.Now().UTC()
	n, err := ch.write(pkt)
	if err != nil {
		return err
	}

	err = ch.awaitAck(pkt)
	if err != nil {
		return err
	}

	ch.r.options.TransLog.Sent(n, pkt, sendTime, time.Now().UTC())
	return nil
}

func (ch *Channel) awaitAck(pkt *m.Packet) error {
	options := ch.r.options
	connID := ch.connState.ConnID
	descriptor := ch.connState.Descriptor()

	var retry uint16
	for {
		// take watch before inspecting so a push in between is not missed
		watch := ch.r.pending.Watch()
		if ack := ch.r.pending.TakeAck(connID, pkt); ack != nil {
			if options.LogDebug {
				log.Printf("%s: %s: %s req_num=%d acknowledged from pending", options.LogPrefix, descriptor, pkt.Command, pkt.ReqNum)
			}
			return nil
		}

		if retry >= options.AckMaxRetry {
			err := fmt.Errorf("%s: %s: %w, %s req_num=%d, retry=%d", options.LogPrefix, descriptor, ErrAckTimeout, pkt.Command, pkt.ReqNum, retry)
			log.Printf("%s", err.Error())
			return err
		}

		select {
		case <-ch.closed:
			return ch.errClosed()
		case <-watch:
		case <-ch.readsem:
			got, _, err := ch.read(time.Now().Add(options.AckTimeout))
			ch.readsem <- struct{}{}
			if err != nil {
				if errors.Is(err, ErrTimeout) {
					retry++
					continue
				}
				return err
			}

			if pkt.Matches(got) {
				return nil
			}
			if got.Command == m.CommandAck && got.ReqNum == pkt.ReqNum && !ch.awaitedByOther(pkt, got) {
				if got.SessionID != pkt.SessionID {
					err = fmt.Errorf("%s: %s: %w, sent sid=%d, ack sid=%d", options.LogPrefix, descriptor, ErrAckSession, pkt.SessionID, got.SessionID)
					log.Printf("%s", err.Error())
					return err
				}
				err = fmt.Errorf("%s: %s: %w, sent len=%d, ack len=%d", options.LogPrefix, descriptor, ErrAckContent, pkt.ContentLen, got.ContentLen)
				log.Printf("%s", err.Error())
				return err
			}
			if got.Command == m.CommandAck && !ch.awaitedByOther(pkt, got) {
				ch.dropStaleAck(got)
				continue
			}

			err = ch.r.pending.Push(connID, got)
			if err != nil {
				return err
			}
		case <-time.After(options.AckTimeout):
			retry++
		}
	}
}

// Receive blocks until the next packet that is not an ACK arrives, sends its
// ACK and returns it. An ACK is parked for the send awaiting it, or dropped
// when no send awaits it. io.EOF means the peer closed the connection.
func (ch *Channel) Receive() (*m.Packet, error) {
	connID := ch.connState.ConnID

	for {
		watch := ch.r.pending.Watch()
		if got := ch.r.pending.TakeRequest(connID); got != nil {
			return got, ch.acknowledge(got, FrameLen(got.ContentLen))
		}

		select {
		case <-ch.closed:
			return nil, ch.errClosed()
		case <-watch:
		case <-ch.readsem:
			got, n, err := ch.read(time.Time{})
			ch.readsem <- struct{}{}
			if err != nil {
				return nil, err
			}

			if got.Command == m.CommandAck {
				if !ch.awaitedByOther(nil, got) {
					ch.dropStaleAck(got)
					continue
				}
				err = ch.r.pending.Push(connID, got)
				if err != nil {
					return nil, err
				}
				continue
			}

			return got, ch.acknowledge(got, n)
		}
	}
}

func (ch *Channel) acknowledge(pkt *m.Packet, n int) error {
	_, err := ch.write(pkt.Ack())
	if err != nil {
		err = fmt.Errorf("%s: %s: %w for %s req_num=%d: %s", ch.r.options.LogPrefix, ch.connState.Descriptor(), ErrAckSend, pkt.Command, pkt.ReqNum, err.Error())
		log.Printf("%s", err.Error())
		return err
	}

	ch.r.options.TransLog.Received(n, pkt, time.Now().UTC())
	return nil
}

// caller must hold readsem; zero deadline blocks indefinitely
func (ch *Channel) read(deadline time.Time) (*m.Packet, int, error) {
	options := ch.r.options
	descriptor := ch.connState.Descriptor()

	// fails only on a closed connection, which the read below reports
	err := ch.connState.Conn.SetReadDeadline(deadline)
	if err != nil && options.LogDebug {
		log.Printf("%s: %s: failed to set read deadline, err=%s", options.LogPrefix, descriptor, err.Error())
	}

	pkt, n, err := ch.decoder.Decode()
	if err != nil {
		if options.LogDebug || !errors.Is(err, ErrTimeout) {
			log.Printf("%s: %s: read failed, err=%s", options.LogPrefix, descriptor, err.Error())
		}
		return nil, 0, err
	}

	if options.LogDebug {
		log.Printf("%s: %s: read %d bytes, %s req_num=%d sid=%d", options.LogPrefix, descriptor, n, pkt.Command, pkt.ReqNum, pkt.SessionID)
	}
	return pkt, n, nil
}

func (ch *Channel) write(pkt *m.Packet) (int, error) {
	options := ch.r.options
	descriptor := ch.connState.Descriptor()

	buf, err := Encode(pkt)
	if err != nil {
		log.Printf("%s: %s: failed to encode %s req_num=%d, err=%s", options.LogPrefix, descriptor, pkt.Command, pkt.ReqNum, err.Error())
		return 0, err
	}

	ch.writeMutex.Lock()
	defer ch.writeMutex.Unlock()

	ch.connState.Conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	n, err := ch.connState.Conn.Write(buf)
	if err != nil {
		log.Printf("%s: %s: failed to write %d bytes, err=%s", options.LogPrefix, descriptor, len(buf), err.Error())
		return n, err
	}

	if options.LogDebug {
		log.Printf("%s: %s: wrote %d bytes, %s req_num=%d sid=%d", options.LogPrefix, descriptor, n, pkt.Command, pkt.ReqNum, pkt.SessionID)
	}
	return n, nil
}

func (ch *Channel) addInflight(pkt *m.Packet) {
	ch.inflightMutex.Lock()
	defer ch.inflightMutex.Unlock()

	ch.inflight = append(ch.inflight, pkt)
}

func (ch *Channel) removeInflight(pkt *m.Packet) {
	ch.inflightMutex.Lock()
	defer ch.inflightMutex.Unlock()

	for i, p := range ch.inflight {
		if p == pkt {
			ch.inflight = append(ch.inflight[:i], ch.inflight[i+1:]...)
			return
		}
	}
}

// awaitedByOther reports whether ack belongs to a send in flight on this
// connection other than self, which may be nil. Server responses echo client
// numbers while notifications carry server numbers, so two in-flight sends
// may share a req_num.
func (ch *Channel) awaitedByOther(self *m.Packet, ack *m.Packet) bool {
	ch.inflightMutex.Lock()
	defer ch.inflightMutex.Unlock()

	for _, p := range ch.inflight {
		if p != self && p.Matches(ack) {
			return true
		}
	}
	return false
}

// dropStaleAck discards an ACK no send awaits, such as one arriving after its
// send gave up. A send is in flight before its packet is written, so a live
// ACK is never dropped.
func (ch *Channel) dropStaleAck(ack *m.Packet) {
	log.Printf("%s: %s: dropping ACK req_num=%d sid=%d, no send awaits it", ch.r.options.LogPrefix, ch.connState.Descriptor(), ack.ReqNum, ack.SessionID)
}

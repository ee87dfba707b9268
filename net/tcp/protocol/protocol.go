package protocol

import (
	"log"
	"net"
	"sync/atomic"
	"time"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

const (
	typicalBufferLen int = 1024 // 1 KB
	maxFrameLen      int = 4096 // 4 KB
	frameOverhead    int = 98   // key and separator text of one frame
)

type Role uint8

const (
	RoleServer Role = 0
	RoleClient Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "Server"
	case RoleClient:
		return "Client"
	default:
		return "Unknown"
	}
}

type ConnVolatileData struct {
	SessionID  uint32 // last session id seen on this connection, 0 before login
	Username   string
	Descriptor string
}

type ConnState struct {
	ConnID  uint32
	Conn    net.Conn
	Channel *Channel
	// callers can set pointers but must not modify pointed data, to allow concurrent immutable read
	Data  atomic.Pointer[ConnVolatileData]
	Ready atomic.Bool
}

func NewConnState(connID uint32, conn net.Conn, r *Reliable, descriptor string) *ConnState {
	connState := &ConnState{
		ConnID:  connID,
		Conn:    conn,
		Channel: nil,
		Data:    atomic.Pointer[ConnVolatileData]{},
		Ready:   atomic.Bool{},
	}
	connState.Data.Store(
		&ConnVolatileData{
			SessionID:  0,
			Username:   "",
			Descriptor: descriptor,
		},
	)
	connState.Channel = r.NewChannel(connState)
	return connState
}

// Descriptor is safe to call from any goroutine.
func (cs *ConnState) Descriptor() string {
	return cs.Data.Load().Descriptor
}

// UpdateSession replaces volatile data with a copy carrying the given session.
func (cs *ConnState) UpdateSession(sessionID uint32, username string) {
	prev := cs.Data.Load()
	cs.Data.Store(
		&ConnVolatileData{
			SessionID:  sessionID,
			Username:   username,
			Descriptor: prev.Descriptor,
		},
	)
}

// release stops a connection from serving and unblocks its workers.
func (cs *ConnState) release() {
	cs.Ready.Store(false)
	cs.Channel.Close()
	cs.Conn.Close()
}

// connTracker is the connection bookkeeping of one protocol side.
type connTracker interface {
	track(*ConnState)
	untrack(*ConnState)
}

// runConn tracks connState while serve runs on the transport's ReadLoop
// goroutine, then releases it.
func runConn(
	logPrefix string,
	tracker connTracker,
	inShutdown *atomic.Bool,
	connState *ConnState,
	serve func(*ConnState),
) {
	descriptor := connState.Descriptor()
	network := connState.Conn.RemoteAddr().Network()

	log.Printf("%s: %s: new %s connection", logPrefix, descriptor, network)

	defer func() {
		tracker.untrack(connState)
		connState.release()
		log.Printf("%s: %s: %s connection closed, selfInShutdown=%t", logPrefix, descriptor, network, inShutdown.Load())
	}()

	tracker.track(connState)

	if inShutdown.Load() {
		log.Printf("%s: %s: in shutdown, dropping connection", logPrefix, descriptor)
		return
	}

	connState.Ready.Store(true)
	serve(connState) // wait
}

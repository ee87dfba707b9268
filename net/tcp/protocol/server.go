package protocol

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-transport/tcp"
)

type ServerHandler interface {
	// Serve runs the session worker of one connection and returns when the
	// connection is to be closed.
	Serve(*Server, *ConnState)
}

type ServerOptions struct {
	*tcp.Options
	Reliable *Reliable
	ServerHandler

	SelfID string
}

// Server accepts any number of connections, each served by its own session
// worker, and resolves connection ids for the notification dispatcher.
type Server struct {
	options    *ServerOptions
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex   sync.Mutex
	connMap map[uint32]*ConnState // connID -> tcp connection state
}

func NewServer(options *ServerOptions) (*Server, error) {
	if options.Reliable == nil {
		err := fmt.Errorf("%s: nil Reliable", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ServerHandler == nil {
		err := fmt.Errorf("%s: nil ServerHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfID == "" {
		err := fmt.Errorf("%s: invalid SelfID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	return &Server{
		options:    options,
		inShutdown: atomic.Bool{},
		connIDGen:  atomic.Uint32{},
		mutex:      sync.Mutex{},
		connMap:    make(map[uint32]*ConnState),
	}, nil
}

func (p *Server) Options() *ServerOptions {
	return p.options
}

func (p *Server) Reliable() *Reliable {
	return p.options.Reliable
}

func (p *Server) InShutdown() bool {
	return p.inShutdown.Load()
}

// Close stops accepting sessions; workers observe their closed connection
// and run their disconnect handling.
func (p *Server) Close() {
	p.inShutdown.Store(true)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	log.Printf("%s: protocol closing %d connections", p.options.LogPrefix, len(p.connMap))
	for _, connState := range p.connMap {
		connState.release()
	}
}

// ReadLoop is invoked by the transport on a dedicated goroutine per accepted
// connection.
func (p *Server) ReadLoop(conn net.Conn) {
	connID := p.connIDGen.Add(1)
	runConn(
		p.options.LogPrefix,
		p,
		&p.inShutdown,
		NewConnState(
			connID,
			conn,
			p.options.Reliable,
			fmt.Sprintf("[%d]%s<-<%s>", connID, p.options.SelfID, conn.RemoteAddr().String()),
		),
		func(connState *ConnState) {
			p.options.Serve(p, connState)
		},
	)
}

func (p *Server) track(connState *ConnState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cached, found := p.connMap[connState.ConnID]
	if found {
		// connID wrapped around onto a long-lived connection
		log.Printf("%s: %s: overriding connection %s", p.options.LogPrefix, connState.Descriptor(), cached.Descriptor())
	}
	p.connMap[connState.ConnID] = connState
}

func (p *Server) untrack(connState *ConnState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cached, found := p.connMap[connState.ConnID]
	if !found || cached != connState {
		log.Printf("%s: %s: connection already replaced", p.options.LogPrefix, connState.Descriptor())
		return
	}
	delete(p.connMap, connState.ConnID)
}

// invoked on any goroutine
func (p *Server) ConnectionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.connMap)
}

// invoked on any goroutine
func (p *Server) CheckConnection(connID uint32) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	connState, found := p.connMap[connID]
	return found && connState.Ready.Load()
}

// GetConnection resolves the destination of a notification. Invoked on any
// goroutine.
func (p *Server) GetConnection(connID uint32) (*ConnState, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	connState, found := p.connMap[connID]
	if !found {
		err := fmt.Errorf("%s: connID=%d, no active connection", p.options.LogPrefix, connID)
		log.Printf("%s", err.Error())
		return nil, err
	}
	if !connState.Ready.Load() {
		err := fmt.Errorf("%s: %s: connection not ready", p.options.LogPrefix, connState.Descriptor())
		log.Printf("%s", err.Error())
		return nil, err
	}

	return connState, nil
}

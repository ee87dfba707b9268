package protocol

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-transport/tcp"
)

type ClientHandler interface {
	// Serve runs the client session over one established connection and
	// returns when the connection is to be closed.
	Serve(*Client, *ConnState)
}

type ClientOptions struct {
	*tcp.Options
	Reliable *Reliable
	ClientHandler

	SelfID string
}

// Client holds at most one connection; a reconnect by the transport replaces
// it.
type Client struct {
	options           *ClientOptions
	defaultDescriptor string
	inShutdown        atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex     sync.Mutex
	connState *ConnState // current active tcp connection, if any
}

func NewClient(options *ClientOptions) (*Client, error) {
	if options.Reliable == nil {
		err := fmt.Errorf("%s: nil Reliable", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ClientHandler == nil {
		err := fmt.Errorf("%s: nil ClientHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfID == "" {
		err := fmt.Errorf("%s: invalid SelfID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	return &Client{
		options:           options,
		defaultDescriptor: fmt.Sprintf("%s-><%s>", options.SelfID, options.Address),
		inShutdown:        atomic.Bool{},
		connIDGen:         atomic.Uint32{},
		mutex:             sync.Mutex{},
		connState:         nil,
	}, nil
}

func (p *Client) Options() *ClientOptions {
	return p.options
}

func (p *Client) Close() {
	p.inShutdown.Store(true)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connState == nil {
		log.Printf("%s: %s: protocol closed, no active connection", p.options.LogPrefix, p.defaultDescriptor)
		return
	}

	log.Printf("%s: %s: protocol closing", p.options.LogPrefix, p.connState.Descriptor())
	p.connState.release()
}

// ReadLoop is invoked by the transport on a dedicated goroutine per
// established connection.
func (p *Client) ReadLoop(conn net.Conn) {
	connID := p.connIDGen.Add(1)
	runConn(
		p.options.LogPrefix,
		p,
		&p.inShutdown,
		NewConnState(
			connID,
			conn,
			p.options.Reliable,
			fmt.Sprintf("[%d]%s-><%s>", connID, p.options.SelfID, conn.RemoteAddr().String()),
		),
		func(connState *ConnState) {
			p.options.Serve(p, connState)
		},
	)
}

func (p *Client) track(connState *ConnState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connState != nil {
		log.Printf("%s: %s: overriding stale connection %s", p.options.LogPrefix, connState.Descriptor(), p.connState.Descriptor())
	}
	p.connState = connState
}

func (p *Client) untrack(connState *ConnState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connState != connState {
		log.Printf("%s: %s: connection already replaced", p.options.LogPrefix, connState.Descriptor())
		return
	}
	p.connState = nil
}

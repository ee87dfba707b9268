package tcp

import (
	"fmt"
	"log"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-socialnet/config"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
)

type Server struct {
	protocol  *tp.Server
	tcpServer *tcp.TcpServer
}

type Client struct {
	protocol  *tp.Client
	tcpClient *tcp.TcpClient
}

// seconds converts a configured count of seconds, zero selecting def.
func seconds(v uint16, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return time.Second * time.Duration(v)
}

func orDefault[T uint16 | uint32](v, def T) T {
	if v == 0 {
		return def
	}
	return v
}

// newTcpOptions leaves Protocol unset, it is bound once the protocol exists.
func newTcpOptions(c *config.Config, logPrefix string) *tcp.Options {
	return &tcp.Options{
		Address:           c.Address(),
		KeepAliveInterval: seconds(c.TcpKeepAliveInterval, config.TcpKeepAliveInterval),
		KeepAliveCount:    orDefault(c.TcpKeepAliveCount, config.TcpKeepAliveCount),
		DialTimeout:       seconds(c.TcpDialTimeout, config.TcpDialTimeout),
		ReconnectInterval: seconds(c.TcpReconnectInterval, config.TcpReconnectInterval),
		ReconnectLogEvery: orDefault(c.TcpReconnectLogEvery, config.TcpReconnectLogEvery),
		Protocol:          nil,
		LogPrefix:         logPrefix,
		LogDebug:          c.LogDebug,
	}
}

// NewServer listens on c.Address() and runs sh on every accepted connection.
func NewServer(
	c *config.Config,
	r *tp.Reliable,
	sh tp.ServerHandler,
	selfID string,
) (*Server, error) {
	s := &Server{
		protocol:  nil,
		tcpServer: nil,
	}

	var err error
	defer func() {
		if err != nil {
			s.Shutdown() // wait
		}
	}()

	s.protocol, err = tp.NewServer(
		&tp.ServerOptions{
			Options:       newTcpOptions(c, "Server"),
			Reliable:      r,
			ServerHandler: sh,
			SelfID:        selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	s.protocol.Options().Protocol = s.protocol

	s.tcpServer, err = tcp.NewTcpServer(s.protocol.Options().Options)
	if err != nil {
		err = fmt.Errorf("%s: failed to listen on %s: %w", c.LogPrefix, c.Address(), err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	return s, nil
}

func (s *Server) Shutdown() {
	if s.tcpServer != nil {
		s.tcpServer.Shutdown() // wait
	}
}

func (s *Server) Protocol() *tp.Server {
	return s.protocol
}

// NewClient dials c.Address() and runs ch on the established connection.
func NewClient(
	c *config.Config,
	r *tp.Reliable,
	ch tp.ClientHandler,
	selfID string,
) (*Client, error) {
	cl := &Client{
		protocol:  nil,
		tcpClient: nil,
	}

	var err error
	defer func() {
		if err != nil {
			cl.Shutdown() // wait
		}
	}()

	cl.protocol, err = tp.NewClient(
		&tp.ClientOptions{
			Options:       newTcpOptions(c, "Client"),
			Reliable:      r,
			ClientHandler: ch,
			SelfID:        selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	cl.protocol.Options().Protocol = cl.protocol

	cl.tcpClient, err = tcp.NewTcpClient(cl.protocol.Options().Options)
	if err != nil {
		err = fmt.Errorf("%s: failed to connect to %s: %w", c.LogPrefix, c.Address(), err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	return cl, nil
}

func (cl *Client) Shutdown() {
	if cl.tcpClient != nil {
		cl.tcpClient.Shutdown() // wait
	}
}

func (cl *Client) Protocol() *tp.Client {
	return cl.protocol
}

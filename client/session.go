package client

import (
	"errors"
	"log"
	"sync"

	"github.com/Meander-Cloud/go-socialnet/config"
	m "github.com/Meander-Cloud/go-socialnet/message"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
)

var ErrLoginRejected = errors.New("login rejected")

type State uint8

const (
	StateAnonymous        State = 0
	StateAwaitingLoginAck State = 1
	StateAuthenticated    State = 2
	StateLoggedOut        State = 3
	StateDisconnected     State = 4
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "Anonymous"
	case StateAwaitingLoginAck:
		return "AwaitingLoginAck"
	case StateAuthenticated:
		return "Authenticated"
	case StateLoggedOut:
		return "LoggedOut"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Session is the client side of one login. It serves a single connection:
// the writer worker runs on the connection goroutine and the reader worker
// starts once the login is accepted. Done is closed when either finishes
// the session.
type Session struct {
	c        *config.Config
	console  *Console
	username string
	password string // hash

	mutex     sync.Mutex
	state     State
	sessionID uint32
	err       error

	doneOnce sync.Once
	done     chan struct{}
}

func NewSession(c *config.Config, console *Console, username string, passwordHash string) *Session {
	return &Session{
		c:        c,
		console:  console,
		username: username,
		password: passwordHash,

		mutex:     sync.Mutex{},
		state:     StateAnonymous,
		sessionID: 0,
		err:       nil,

		doneOnce: sync.Once{},
		done:     make(chan struct{}),
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is valid once Done is closed: nil after a normal logout or disconnect.
func (s *Session) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.err
}

func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.state
}

func (s *Session) SessionID() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.sessionID
}

func (s *Session) setState(state State) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.c.LogDebug {
		log.Printf("%s: session state %s -> %s", s.c.LogPrefix, s.state, state)
	}
	s.state = state
}

// complete finishes the session once; a logged out session stays LoggedOut.
func (s *Session) complete(state State, err error) {
	s.doneOnce.Do(func() {
		func() {
			s.mutex.Lock()
			defer s.mutex.Unlock()

			if s.state != StateLoggedOut {
				s.state = state
			}
			s.err = err
		}()
		close(s.done)
	})
}

// invoked on ReadLoop goroutine
func (s *Session) Serve(p *tp.Client, cs *tp.ConnState) {
	s.serve(cs)
}

func (s *Session) serve(cs *tp.ConnState) {
	if s.State() != StateAnonymous {
		log.Printf("%s: %s: session already %s, dropping connection", s.c.LogPrefix, cs.Descriptor(), s.State())
		return
	}

	s.setState(StateAwaitingLoginAck)
	err := cs.Channel.Send(m.NewLogin(s.username, s.password))
	if err != nil {
		s.console.Error("Failed to send login request")
		s.complete(StateDisconnected, err)
		return
	}

	s.write(cs) // wait
}

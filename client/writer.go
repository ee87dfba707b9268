package client

import (
	"errors"
	"fmt"
	"io"
	"log"

	m "github.com/Meander-Cloud/go-socialnet/message"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
)

// write is the writer worker: it receives every server packet and renders it.
func (s *Session) write(cs *tp.ConnState) {
	for {
		pkt, err := cs.Channel.Receive()
		if err != nil {
			if errors.Is(err, tp.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				s.console.Println("Connection closed\nExiting Application")
				s.complete(StateDisconnected, nil)
				return
			}
			log.Printf("%s: %s: receive failed, err=%s", s.c.LogPrefix, cs.Descriptor(), err.Error())
			s.console.Error("Connection error")
			s.complete(StateDisconnected, err)
			return
		}

		switch pkt.Command {
		case m.CommandLogin:
			if pkt.Received != "" {
				s.console.Error(pkt.Received)
				s.console.Println("Closing Connection")
				s.complete(StateDisconnected, ErrLoginRejected)
				return
			}

			func() {
				s.mutex.Lock()
				defer s.mutex.Unlock()

				s.sessionID = pkt.SessionID
			}()
			s.setState(StateAuthenticated)
			log.Printf("%s: %s: logged in as %s, sid=%d", s.c.LogPrefix, cs.Descriptor(), s.username, pkt.SessionID)

			go s.read(cs)

		case m.CommandList, m.CommandShow, m.CommandPost:
			s.display(pkt.Received)

		case m.CommandNotify:
			s.console.Notice(pkt.Received)

		case m.CommandLogout:
			s.display(pkt.Received)
			s.setState(StateLoggedOut)

		default:
			err = fmt.Errorf("%s: %s: %w, cmd_code=%d", s.c.LogPrefix, cs.Descriptor(), tp.ErrInvalidCommand, uint8(pkt.Command))
			log.Printf("%s", err.Error())
			s.complete(StateDisconnected, err)
			return
		}
	}
}

func (s *Session) display(text string) {
	switch text {
	case m.TextInvalidSession, m.TextServerError, m.TextUserNotFound, m.TextLoginFailed:
		s.console.Error(text)
	default:
		s.console.Println(text)
	}
}

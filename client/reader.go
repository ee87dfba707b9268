package client

import (
	"errors"
	"log"
	"strings"

	m "github.com/Meander-Cloud/go-socialnet/message"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
)

const commandMenu = "Commands (Enter 0- 4)\n" +
	"--------------\n" +
	"1. List all users\n" +
	"2. Post to wall\n" +
	"3. Show wall\n" +
	"4. Logout\n" +
	"[Enter 0 to print the command list]\n"

const wallMenu = "1. Own wall\n2. Others wall"

// read is the reader worker: it turns menu choices into requests until the
// user logs out or input ends, which also logs out.
func (s *Session) read(cs *tp.ConnState) {
	s.console.Println(commandMenu)

	for {
		line, err := s.console.ReadLine()
		if err != nil {
			log.Printf("%s: %s: input closed, logging out", s.c.LogPrefix, cs.Descriptor())
			s.send(cs, m.NewLogout(s.SessionID()))
			return
		}

		select {
		case <-s.done:
			return
		default:
		}

		switch strings.TrimSpace(line) {
		case "0":
			s.console.Println(commandMenu)
		case "1":
			s.send(cs, m.NewList(s.SessionID()))
		case "2":
			postee, ok := s.chooseWall()
			if !ok {
				continue
			}
			s.console.Print("Enter Post Msg: ")
			post, err := s.console.ReadLine()
			if err != nil {
				continue
			}
			s.send(cs, m.NewPost(s.SessionID(), postee, post))
		case "3":
			owner, ok := s.chooseWall()
			if !ok {
				continue
			}
			s.send(cs, m.NewShow(s.SessionID(), owner))
		case "4":
			s.send(cs, m.NewLogout(s.SessionID()))
			return
		default:
			s.console.Println("Invalid Option. Try again !!!")
		}
	}
}

func (s *Session) chooseWall() (string, bool) {
	s.console.Println(wallMenu)
	line, err := s.console.ReadLine()
	if err != nil {
		return "", false
	}

	switch strings.TrimSpace(line) {
	case "1":
		return s.username, true
	case "2":
		s.console.Print("Whose wall: ")
		name, err := s.console.ReadLine()
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(name), true
	default:
		s.console.Println("Invalid Option")
		return "", false
	}
}

// send delivers a request; a request rejected before it is written leaves the
// session up.
func (s *Session) send(cs *tp.ConnState, pkt *m.Packet) {
	err := cs.Channel.Send(pkt)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, tp.ErrUnframable):
		s.console.Error("Request not sent: text contains a reserved field marker")
		return
	case errors.Is(err, tp.ErrFrameTooLarge):
		s.console.Error("Request not sent: text too long")
		return
	}

	log.Printf("%s: %s: failed to send %s, err=%s", s.c.LogPrefix, cs.Descriptor(), pkt.Command, err.Error())
	s.console.Error("Connection error")
	s.complete(StateDisconnected, err)
	cs.Conn.Close()
}

package message

import (
	"strconv"
)

type Contents struct {
	Username  string `json:"username"`
	Password  string `json:"password"` // hash, never the raw password
	Postee    string `json:"postee"`
	Post      string `json:"post"`
	WallOwner string `json:"wall_owner"`
	Received  string `json:"rcvd_cnts"`
}

func (c *Contents) length() int {
	return len(c.Username) +
		len(c.Password) +
		len(c.Postee) +
		len(c.Post) +
		len(c.WallOwner) +
		len(c.Received)
}

type Packet struct {
	ContentLen uint32  `json:"content_len"`
	Command    Command `json:"cmd_code"`
	ReqNum     uint32  `json:"req_num"`
	SessionID  uint32  `json:"session_id"`

	Contents
}

// ComputeContentLen returns the length of the decimal numeric fields plus all
// string fields; content_len's own digits are not included.
func (p *Packet) ComputeContentLen() uint32 {
	n := len(strconv.FormatUint(uint64(p.Command), 10)) +
		len(strconv.FormatUint(uint64(p.ReqNum), 10)) +
		len(strconv.FormatUint(uint64(p.SessionID), 10)) +
		p.Contents.length()
	return uint32(n)
}

func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Ack echoes every field of p with the command replaced by ACK.
func (p *Packet) Ack() *Packet {
	ack := p.Clone()
	ack.Command = CommandAck
	return ack
}

// Matches reports whether ack acknowledges p.
func (p *Packet) Matches(ack *Packet) bool {
	return ack.Command == CommandAck &&
		ack.ReqNum == p.ReqNum &&
		ack.SessionID == p.SessionID &&
		ack.ContentLen == p.ContentLen
}

// Reply builds a response to p: same command and request number, the given
// session id and text, request-only fields cleared.
func (p *Packet) Reply(sessionID uint32, text string) *Packet {
	return &Packet{
		ContentLen: 0, // computed by the channel on send
		Command:    p.Command,
		ReqNum:     p.ReqNum,
		SessionID:  sessionID,

		Contents: Contents{
			Received: text,
		},
	}
}

func NewLogin(username, passwordHash string) *Packet {
	return &Packet{
		Command: CommandLogin,
		Contents: Contents{
			Username: username,
			Password: passwordHash,
		},
	}
}

func NewLogout(sessionID uint32) *Packet {
	return &Packet{
		Command:   CommandLogout,
		SessionID: sessionID,
	}
}

func NewList(sessionID uint32) *Packet {
	return &Packet{
		Command:   CommandList,
		SessionID: sessionID,
	}
}

func NewPost(sessionID uint32, postee, post string) *Packet {
	return &Packet{
		Command:   CommandPost,
		SessionID: sessionID,
		Contents: Contents{
			Postee: postee,
			Post:   post,
		},
	}
}

func NewShow(sessionID uint32, wallOwner string) *Packet {
	return &Packet{
		Command:   CommandShow,
		SessionID: sessionID,
		Contents: Contents{
			WallOwner: wallOwner,
		},
	}
}

func NewNotify(sessionID uint32, text string) *Packet {
	return &Packet{
		Command:   CommandNotify,
		SessionID: sessionID,
		Contents: Contents{
			Received: text,
		},
	}
}

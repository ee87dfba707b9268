package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeContentLen(t *testing.T) {
	tests := []struct {
		name string
		pkt  *Packet
		want uint32
	}{
		{"empty list", NewList(0), 3},
		{"login", &Packet{Command: CommandLogin, ReqNum: 12, Contents: Contents{Username: "alice", Password: "abc"}}, 1 + 2 + 1 + 5 + 3},
		{"post", &Packet{Command: CommandPost, ReqNum: 1, SessionID: 123456, Contents: Contents{Postee: "bob", Post: "hi there"}}, 1 + 1 + 6 + 3 + 8},
		{"reply", (&Packet{Command: CommandShow, ReqNum: 40}).Reply(7, TextWallEmpty), 1 + 2 + 1 + uint32(len(TextWallEmpty))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pkt.ComputeContentLen())
		})
	}
}

func TestAckEchoesPacket(t *testing.T) {
	pkt := NewPost(9, "bob", "hi")
	pkt.ReqNum = 3
	pkt.ContentLen = pkt.ComputeContentLen()

	ack := pkt.Ack()
	assert.Equal(t, CommandAck, ack.Command)
	assert.Equal(t, pkt.ReqNum, ack.ReqNum)
	assert.Equal(t, pkt.SessionID, ack.SessionID)
	assert.Equal(t, pkt.ContentLen, ack.ContentLen)
	assert.Equal(t, pkt.Contents, ack.Contents)
	assert.Equal(t, CommandPost, pkt.Command, "request untouched")

	assert.True(t, pkt.Matches(ack))
	assert.False(t, pkt.Matches(pkt), "non-ACK never matches")

	other := ack.Clone()
	other.SessionID = 10
	assert.False(t, pkt.Matches(other))

	other = ack.Clone()
	other.ContentLen++
	assert.False(t, pkt.Matches(other))

	other = ack.Clone()
	other.ReqNum++
	assert.False(t, pkt.Matches(other))
}

func TestReplyClearsRequestFields(t *testing.T) {
	req := NewLogin("alice", "hash")
	req.ReqNum = 5

	resp := req.Reply(77, "")
	assert.Equal(t, CommandLogin, resp.Command)
	assert.Equal(t, uint32(5), resp.ReqNum)
	assert.Equal(t, uint32(77), resp.SessionID)
	assert.Empty(t, resp.Username)
	assert.Empty(t, resp.Password)
	assert.Equal(t, "alice", req.Username)
}

func TestCommand(t *testing.T) {
	assert.Equal(t, "LOGIN", CommandLogin.String())
	assert.Equal(t, "ACK", CommandAck.String())
	assert.Equal(t, "UNKNOWN", Command(7).String())

	assert.True(t, CommandAck.Valid())
	assert.False(t, Command(7).Valid())

	assert.True(t, CommandList.ClientRequest())
	assert.False(t, CommandNotify.ClientRequest())
	assert.False(t, CommandAck.ClientRequest())
}

func TestCloneNil(t *testing.T) {
	var pkt *Packet
	assert.Nil(t, pkt.Clone())
}

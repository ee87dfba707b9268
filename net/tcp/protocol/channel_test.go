package protocol

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/Meander-Cloud/go-socialnet/message"
)

func newTestReliable(t *testing.T, role Role, ackTimeout time.Duration, ackMaxRetry uint16) *Reliable {
	t.Helper()
	r, err := NewReliable(
		&ReliableOptions{
			Role:            role,
			AckTimeout:      ackTimeout,
			AckMaxRetry:     ackMaxRetry,
			PendingCapacity: 10,
			TransLog:        nil,
			LogPrefix:       "test-" + role.String(),
			LogDebug:        false,
		},
	)
	require.NoError(t, err)
	return r
}

func newPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// rawPeer speaks the wire format directly, without a channel.
type rawPeer struct {
	conn    net.Conn
	decoder *Decoder
}

func newRawPeer(conn net.Conn) *rawPeer {
	return &rawPeer{conn: conn, decoder: NewDecoder(conn)}
}

func (p *rawPeer) write(pkt *m.Packet) error {
	pkt.ContentLen = pkt.ComputeContentLen()
	buf, err := Encode(pkt)
	if err != nil {
		return err
	}
	_, err = p.conn.Write(buf)
	return err
}

func (p *rawPeer) read() (*m.Packet, error) {
	pkt, _, err := p.decoder.Decode()
	return pkt, err
}

func TestNewReliableValidation(t *testing.T) {
	_, err := NewReliable(&ReliableOptions{AckTimeout: 0, AckMaxRetry: 1, PendingCapacity: 1, LogPrefix: "test"})
	assert.Error(t, err)
	_, err = NewReliable(&ReliableOptions{AckTimeout: time.Second, AckMaxRetry: 0, PendingCapacity: 1, LogPrefix: "test"})
	assert.Error(t, err)
	_, err = NewReliable(&ReliableOptions{AckTimeout: time.Second, AckMaxRetry: 1, PendingCapacity: 0, LogPrefix: "test"})
	assert.Error(t, err)
}

func TestTxseqUnique(t *testing.T) {
	r := newTestReliable(t, RoleClient, time.Second, 1)

	const workers = 16
	const perWorker = 500

	var (
		mutex sync.Mutex
		seen  = make(map[uint32]struct{}, workers*perWorker)
		wg    sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint32, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, r.GetNextTxseq())
			}
			mutex.Lock()
			defer mutex.Unlock()
			for _, seq := range local {
				seen[seq] = struct{}{}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestRequestNumbering(t *testing.T) {
	client := newTestReliable(t, RoleClient, time.Second, 1)
	server := newTestReliable(t, RoleServer, time.Second, 1)

	for _, cmd := range []m.Command{m.CommandLogin, m.CommandLogout, m.CommandPost, m.CommandShow, m.CommandList} {
		assert.True(t, client.isNewRequest(cmd), cmd.String())
		assert.False(t, server.isNewRequest(cmd), cmd.String())
	}
	assert.False(t, client.isNewRequest(m.CommandNotify))
	assert.True(t, server.isNewRequest(m.CommandNotify))
	assert.False(t, client.isNewRequest(m.CommandAck))
	assert.False(t, server.isNewRequest(m.CommandAck))
}

func TestSendReceiveExchange(t *testing.T) {
	clientConn, serverConn := newPipe(t)
	clientCS := NewConnState(1, clientConn, newTestReliable(t, RoleClient, time.Second, 5), "[1]client")
	serverCS := NewConnState(1, serverConn, newTestReliable(t, RoleServer, time.Second, 5), "[1]server")

	done := make(chan error, 1)
	go func() {
		req, err := serverCS.Channel.Receive()
		if err != nil {
			done <- err
			return
		}
		if req.Command != m.CommandLogin || req.Username != "alice" {
			done <- errors.New("unexpected request")
			return
		}
		done <- serverCS.Channel.Send(req.Reply(4242, ""))
	}()

	login := m.NewLogin("alice", "hash")
	require.NoError(t, clientCS.Channel.Send(login))
	assert.Equal(t, uint32(1), login.ReqNum)
	assert.Equal(t, login.ComputeContentLen(), login.ContentLen)

	resp, err := clientCS.Channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, m.CommandLogin, resp.Command)
	assert.Equal(t, uint32(1), resp.ReqNum)
	assert.Equal(t, uint32(4242), resp.SessionID)
	assert.Equal(t, "", resp.Received)

	require.NoError(t, <-done)
}

func TestRequestParkedWhileAwaitingAck(t *testing.T) {
	clientConn, peerConn := newPipe(t)
	clientCS := NewConnState(1, clientConn, newTestReliable(t, RoleClient, time.Second, 5), "[1]client")
	peer := newRawPeer(peerConn)

	notifyAck := make(chan *m.Packet, 1)
	go func() {
		req, err := peer.read()
		if !assert.NoError(t, err) {
			return
		}

		// a notification overtakes the acknowledgment
		assert.NoError(t, peer.write(m.NewNotify(7, "carol to bob[2024-01-01 10:00:00]: hey\n")))
		assert.NoError(t, peer.write(req.Ack()))

		ack, err := peer.read()
		if assert.NoError(t, err) {
			notifyAck <- ack
		}
	}()

	list := m.NewList(7)
	require.NoError(t, clientCS.Channel.Send(list))
	assert.Equal(t, 1, clientCS.Channel.r.Pending().Len())

	got, err := clientCS.Channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, m.CommandNotify, got.Command)
	assert.Equal(t, 0, clientCS.Channel.r.Pending().Len())

	select {
	case ack := <-notifyAck:
		assert.Equal(t, m.CommandAck, ack.Command)
		assert.Equal(t, got.ReqNum, ack.ReqNum)
		assert.Equal(t, got.SessionID, ack.SessionID)
		assert.Equal(t, got.ContentLen, ack.ContentLen)
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not acknowledged")
	}
}

func TestReceiveDropsStrayAck(t *testing.T) {
	clientConn, peerConn := newPipe(t)
	clientCS := NewConnState(1, clientConn, newTestReliable(t, RoleClient, time.Second, 5), "[1]client")
	peer := newRawPeer(peerConn)

	go func() {
		stray := m.NewList(3)
		stray.ReqNum = 9
		stray.ContentLen = stray.ComputeContentLen()
		assert.NoError(t, peer.write(stray.Ack()))
		assert.NoError(t, peer.write(m.NewNotify(3, "hello")))
		_, err := peer.read()
		assert.NoError(t, err)
	}()

	got, err := clientCS.Channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, m.CommandNotify, got.Command)
	assert.Equal(t, "hello", got.Received)

	// no send awaits the stray ack
	assert.Equal(t, 0, clientCS.Channel.r.Pending().Len())
}

func TestLateAckDropped(t *testing.T) {
	serverConn, peerConn := newPipe(t)
	serverCS := NewConnState(1, serverConn, newTestReliable(t, RoleServer, 20*time.Millisecond, 2), "[1]server")
	peer := newRawPeer(peerConn)

	notify := m.NewNotify(3, "hello")
	err := func() error {
		read := make(chan *m.Packet, 1)
		go func() {
			pkt, err := peer.read()
			if assert.NoError(t, err) {
				read <- pkt
			}
		}()
		err := serverCS.Channel.Send(notify)

		// the peer acknowledges after the send gave up, then sends a request
		late := <-read
		go func() {
			assert.NoError(t, peer.write(late.Ack()))
			assert.NoError(t, peer.write(m.NewList(3)))
			_, err := peer.read()
			assert.NoError(t, err)
		}()
		return err
	}()
	require.ErrorIs(t, err, ErrAckTimeout)

	got, err := serverCS.Channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, m.CommandList, got.Command)
	assert.Equal(t, 0, serverCS.Channel.r.Pending().Len())
}

func TestAckMismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ack *m.Packet)
		target error
	}{
		{
			"wrong session",
			func(ack *m.Packet) { ack.SessionID++ },
			ErrAckSession,
		},
		{
			"wrong content",
			func(ack *m.Packet) { ack.Post += "!" },
			ErrAckContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, peerConn := newPipe(t)
			clientCS := NewConnState(1, clientConn, newTestReliable(t, RoleClient, time.Second, 5), "[1]client")
			peer := newRawPeer(peerConn)

			go func() {
				req, err := peer.read()
				if !assert.NoError(t, err) {
					return
				}
				ack := req.Ack()
				tt.mutate(ack)
				assert.NoError(t, peer.write(ack))
			}()

			err := clientCS.Channel.Send(m.NewPost(5, "bob", "hi"))
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestAckTimeoutBounded(t *testing.T) {
	clientConn, peerConn := newPipe(t)
	clientCS := NewConnState(1, clientConn, newTestReliable(t, RoleClient, 20*time.Millisecond, 3), "[1]client")
	peer := newRawPeer(peerConn)

	go func() {
		// swallow the request, never acknowledge
		_, err := peer.read()
		assert.NoError(t, err)
	}()

	start := time.Now()
	err := clientCS.Channel.Send(m.NewList(1))
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReceivePeerClosed(t *testing.T) {
	clientConn, peerConn := newPipe(t)
	clientCS := NewConnState(1, clientConn, newTestReliable(t, RoleClient, time.Second, 5), "[1]client")

	peerConn.Close()

	_, err := clientCS.Channel.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConcurrentSendsSharingReqNum(t *testing.T) {
	clientConn, serverConn := newPipe(t)
	clientCS := NewConnState(1, clientConn, newTestReliable(t, RoleClient, time.Second, 5), "[1]client")
	serverCS := NewConnState(1, serverConn, newTestReliable(t, RoleServer, time.Second, 5), "[1]server")

	received := make(chan *m.Packet, 2)
	go func() {
		for i := 0; i < 2; i++ {
			pkt, err := clientCS.Channel.Receive()
			if !assert.NoError(t, err) {
				return
			}
			received <- pkt
		}
	}()

	// a response to client request 1 and the first notification, both req_num 1
	request := m.NewPost(9, "bob", "hi")
	request.ReqNum = 1
	reply := request.Reply(9, m.TextPostAccepted)
	notify := m.NewNotify(9, "alice to bob[2024-01-01 10:00:00]: hi\n")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pkt := range []*m.Packet{reply, notify} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = serverCS.Channel.Send(pkt)
		}()
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, reply.ReqNum, notify.ReqNum)

	commands := map[m.Command]bool{}
	for i := 0; i < 2; i++ {
		select {
		case pkt := <-received:
			commands[pkt.Command] = true
		case <-time.After(5 * time.Second):
			t.Fatal("client did not receive both packets")
		}
	}
	assert.True(t, commands[m.CommandPost])
	assert.True(t, commands[m.CommandNotify])
}

func TestChannelCloseReleasesReceive(t *testing.T) {
	clientConn, _ := newPipe(t)
	r := newTestReliable(t, RoleClient, time.Second, 5)
	clientCS := NewConnState(1, clientConn, r, "[1]client")
	require.NoError(t, r.Pending().Push(1, m.NewList(1).Ack()))

	// hold the read token so Receive waits on the buffer
	<-clientCS.Channel.readsem

	errc := make(chan error, 1)
	go func() {
		_, err := clientCS.Channel.Receive()
		errc <- err
	}()

	clientCS.Channel.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive not released by Close")
	}
	assert.Equal(t, 0, r.Pending().Len())
}

package social

import (
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-socialnet/arbiter"
	m "github.com/Meander-Cloud/go-socialnet/message"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
	"github.com/Meander-Cloud/go-socialnet/store"
)

type mapResolver struct {
	mutex   sync.Mutex
	conns   map[uint32]*tp.ConnState
	lookups atomic.Int32
}

func newMapResolver(conns ...*tp.ConnState) *mapResolver {
	r := &mapResolver{conns: make(map[uint32]*tp.ConnState)}
	for _, cs := range conns {
		r.conns[cs.ConnID] = cs
	}
	return r
}

func (r *mapResolver) GetConnection(connID uint32) (*tp.ConnState, error) {
	r.lookups.Add(1)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	cs, found := r.conns[connID]
	if !found {
		return nil, errors.New("no active connection")
	}
	return cs, nil
}

// loginDirect opens a session for username bound to socketID, the way the
// login handler records it.
func loginDirect(t *testing.T, st store.Store, username string, socketID uint32) uint32 {
	t.Helper()
	userID, err := st.Authenticate(username, "hash-"+username)
	require.NoError(t, err)
	sid, err := st.CreateSession(userID)
	require.NoError(t, err)
	require.NoError(t, st.AppendInteractionLog(sid, false, store.CommandLogin(username), &userID, &socketID))
	return sid
}

func unread(t *testing.T, st store.Store) int {
	t.Helper()
	pending, err := st.PendingNotifications(time.Hour)
	require.NoError(t, err)
	return len(pending)
}

func TestDrainDeliversToOnlineSessions(t *testing.T) {
	st := newTestStore(t, "alice", "bob", "carol")
	hs := newHarness(t, st)
	aliceSid := hs.login("alice")

	// bob posts from elsewhere; carol is offline
	bobSid := loginDirect(t, st, "bob", 99)
	_, err := st.AppendPost(bobSid, "alice", "hello alice")
	require.NoError(t, err)

	d := NewDispatcher(newTestConfig(), nil, st)
	d.resolver = newMapResolver(hs.server)

	type result struct {
		sent, skipped int
		err           error
	}
	resc := make(chan result, 1)
	go func() {
		sent, skipped, err := d.Drain()
		resc <- result{sent, skipped, err}
	}()

	notify, err := hs.client.Channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, m.CommandNotify, notify.Command)
	assert.Equal(t, aliceSid, notify.SessionID)
	assert.Equal(t, "bob to alice[2024-01-01 10:00:00]: hello alice\n", notify.Received)

	select {
	case res := <-resc:
		require.NoError(t, res.err)
		assert.Equal(t, 1, res.sent)
		assert.Equal(t, 0, res.skipped)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}

	// bob's copy stays unread: socket 99 has no live connection
	assert.Equal(t, 1, unread(t, st))

	sent, skipped, err := d.Drain()
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, skipped)
}

func TestDrainUnacknowledgedStaysUnread(t *testing.T) {
	st := newTestStore(t, "alice")
	sid := loginDirect(t, st, "alice", testSocketID)
	_, err := st.AppendPost(sid, "alice", "note to self")
	require.NoError(t, err)

	serverConn, peerConn := net.Pipe()
	defer serverConn.Close()
	defer peerConn.Close()

	cs := tp.NewConnState(testSocketID, serverConn, newTestReliable(t, tp.RoleServer, 20*time.Millisecond, 2), "[7]snserver<-<pipe>")
	cs.UpdateSession(sid, "alice")

	// the peer reads the notification and never acknowledges it
	go func() {
		_, _, _ = tp.NewDecoder(peerConn).Decode()
	}()

	d := NewDispatcher(newTestConfig(), nil, st)
	d.resolver = newMapResolver(cs)

	sent, skipped, err := d.Drain()
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 1, unread(t, st))
}

func TestDrainSkipsForeignSession(t *testing.T) {
	st := newTestStore(t, "alice")
	sid := loginDirect(t, st, "alice", testSocketID)
	_, err := st.AppendPost(sid, "alice", "hi")
	require.NoError(t, err)

	serverConn, peerConn := net.Pipe()
	defer serverConn.Close()
	defer peerConn.Close()

	// the socket id was reused by a connection of another session
	cs := tp.NewConnState(testSocketID, serverConn, newTestReliable(t, tp.RoleServer, time.Second, 1), "[7]snserver<-<pipe>")
	cs.UpdateSession(sid+1, "mallory")

	d := NewDispatcher(newTestConfig(), nil, st)
	d.resolver = newMapResolver(cs)

	sent, skipped, err := d.Drain()
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, 1, unread(t, st))
}

func TestDispatcherRetriesSkipped(t *testing.T) {
	st := newTestStore(t, "alice")
	sid := loginDirect(t, st, "alice", testSocketID)
	_, err := st.AppendPost(sid, "alice", "hi")
	require.NoError(t, err)

	serverConn, peerConn := net.Pipe()
	defer serverConn.Close()
	defer peerConn.Close()

	cs := tp.NewConnState(testSocketID, serverConn, newTestReliable(t, tp.RoleServer, 20*time.Millisecond, 2), "[7]snserver<-<pipe>")
	cs.UpdateSession(sid, "alice")

	// swallow every frame without acknowledging
	go func() {
		decoder := tp.NewDecoder(peerConn)
		for {
			_, _, err := decoder.Decode()
			if err != nil {
				return
			}
		}
	}()

	c := newTestConfig()
	a := arbiter.NewArbiter(c)
	defer a.Shutdown()

	resolver := newMapResolver(cs)
	d := NewDispatcher(c, a, st)
	d.Start(resolver)
	defer d.Shutdown()

	d.Signal()

	// first drain skips, the retry timer drains again
	require.Eventually(
		t,
		func() bool { return resolver.lookups.Load() >= 2 },
		5*time.Second,
		50*time.Millisecond,
	)
	assert.Equal(t, 1, unread(t, st))
}

func TestDispatcherShutdownIdle(t *testing.T) {
	st := newTestStore(t)
	c := newTestConfig()
	a := arbiter.NewArbiter(c)
	defer a.Shutdown()

	d := NewDispatcher(c, a, st)
	d.Start(newMapResolver())
	d.Signal()

	done := make(chan struct{})
	go func() {
		d.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not shut down")
	}
}

func TestDrainFitsLongPostToFrame(t *testing.T) {
	st := newTestStore(t, "alice", "bob")
	hs := newHarness(t, st)
	hs.login("alice")

	// fits its POST frame, the wall prefix pushes it past one NOTIFY frame
	bobSid := loginDirect(t, st, "bob", 99)
	post := strings.Repeat("x", 3950)
	_, err := st.AppendPost(bobSid, "alice", post)
	require.NoError(t, err)

	d := NewDispatcher(newTestConfig(), nil, st)
	d.resolver = newMapResolver(hs.server)

	type result struct {
		sent, skipped int
		err           error
	}
	resc := make(chan result, 1)
	go func() {
		sent, skipped, err := d.Drain()
		resc <- result{sent, skipped, err}
	}()

	notify, err := hs.client.Channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, m.CommandNotify, notify.Command)
	assert.LessOrEqual(t, tp.FrameLen(notify.ContentLen), 4096)
	assert.True(t, strings.HasPrefix(notify.Received, "bob to alice[2024-01-01 10:00:00]: xxx"))
	assert.Less(t, len(notify.Received), len(post))

	select {
	case res := <-resc:
		require.NoError(t, res.err)
		assert.Equal(t, 1, res.sent)
		assert.Equal(t, 0, res.skipped)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}

	// only bob's copy is left, his socket has no live connection
	assert.Equal(t, 1, unread(t, st))
}

func TestNotifyPacketFitsAnyReqNum(t *testing.T) {
	n := &store.Notification{
		NotificationID: 1,
		SessionID:      math.MaxUint32,
		WallEntry: store.WallEntry{
			Timestamp: testNow,
			Poster:    "bob",
			Postee:    "alice",
			Content:   strings.Repeat("x", 5000),
		},
	}

	pkt := notifyPacket(n)
	for _, reqNum := range []uint32{1, math.MaxUint32} {
		pkt.ReqNum = reqNum
		pkt.ContentLen = pkt.ComputeContentLen()
		_, err := tp.Encode(pkt)
		assert.NoError(t, err, "req_num=%d", reqNum)
	}

	n.Content = "short"
	assert.Equal(t, "bob to alice[2024-01-01 10:00:00]: short\n", notifyPacket(n).Received)
}

package social

import (
	"fmt"
	"log"

	"github.com/Meander-Cloud/go-socialnet/arbiter"
	"github.com/Meander-Cloud/go-socialnet/config"
	g "github.com/Meander-Cloud/go-socialnet/group"
	"github.com/Meander-Cloud/go-socialnet/net/tcp"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
	"github.com/Meander-Cloud/go-socialnet/store"
)

// Social is one running server: store, reliable channel state, connection
// acceptor and notification dispatcher.
type Social struct {
	c          *config.Config
	a          *arbiter.Arbiter
	st         store.Store
	reliable   *tp.Reliable
	dispatcher *Dispatcher
	handler    *Handler
	server     *tcp.Server
}

// OpenStore opens the backend named by c.StoreBackend.
func OpenStore(c *config.Config) (store.Store, error) {
	options := &store.Options{
		SessionTimeout: c.SessionTimeoutDuration(),
		Now:            nil,
		LogPrefix:      fmt.Sprintf("%s-Store", c.LogPrefix),
	}

	switch c.StoreBackend {
	case config.StoreBackendSQLite:
		return store.NewSQLite(options, c.DatabasePath)
	case config.StoreBackendMemory:
		if c.SnapshotPath == "" {
			return store.NewMemory(options)
		}
		return store.LoadMemory(options, c.SnapshotPath)
	default:
		err := fmt.Errorf("%s: invalid StoreBackend=%s", c.LogPrefix, c.StoreBackend)
		log.Printf("%s", err.Error())
		return nil, err
	}
}

func NewSocial(c *config.Config, st store.Store) (*Social, error) {
	err := c.ValidateServer()
	if err != nil {
		return nil, err
	}

	s := &Social{
		c:  c,
		a:  nil,
		st: st,
	}

	s.reliable, err = tp.NewReliable(
		&tp.ReliableOptions{
			Role:            tp.RoleServer,
			AckTimeout:      c.AckTimeoutDuration(),
			AckMaxRetry:     c.AckMaxRetryCount(),
			PendingCapacity: int(c.PendingCapacityCount()),
			TransLog:        tp.NewTransLog(c.LogPrefix, c.TransLogPath),
			LogPrefix:       fmt.Sprintf("%s-Channel", c.LogPrefix),
			LogDebug:        c.LogDebug,
		},
	)
	if err != nil {
		return nil, err
	}

	s.a = arbiter.NewArbiter(c)
	s.dispatcher = NewDispatcher(c, s.a, st)
	s.handler = NewHandler(c, st, s.dispatcher)

	s.server, err = tcp.NewServer(c, s.reliable, s.handler, "snserver")
	if err != nil {
		s.a.Shutdown()
		return nil, err
	}
	s.dispatcher.Start(s.server.Protocol())

	s.scheduleSnapshot()

	log.Printf("%s: listening on %s, store=%s", c.LogPrefix, c.Address(), c.StoreBackend)
	return s, nil
}

func (s *Social) Shutdown() {
	log.Printf("%s: shutting down", s.c.LogPrefix)

	s.server.Shutdown() // wait
	s.dispatcher.Shutdown()
	s.a.Shutdown() // wait

	s.saveSnapshot()

	err := s.st.Close()
	if err != nil {
		log.Printf("%s: failed to close store, err=%s", s.c.LogPrefix, err.Error())
	}
}

// scheduleSnapshot flushes a memory store with a snapshot path periodically.
func (s *Social) scheduleSnapshot() {
	_, ok := s.st.(*store.Memory)
	if !ok || s.c.SnapshotPath == "" {
		return
	}

	interval := s.c.SnapshotIntervalDuration()
	var flush func()
	flush = func() {
		// invoked on arbiter goroutine
		s.saveSnapshot()
		s.a.After(g.GroupSnapshotFlush, interval, flush)
	}

	err := s.a.DispatchAfter(g.GroupSnapshotFlush, interval, flush)
	if err != nil {
		log.Printf("%s: failed to schedule snapshot flush, err=%s", s.c.LogPrefix, err.Error())
	}
}

func (s *Social) saveSnapshot() {
	mem, ok := s.st.(*store.Memory)
	if !ok || s.c.SnapshotPath == "" {
		return
	}

	err := mem.Save(s.c.SnapshotPath)
	if err != nil {
		log.Printf("%s: snapshot flush failed, err=%s", s.c.LogPrefix, err.Error())
	}
}

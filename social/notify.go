package social

import (
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-socialnet/arbiter"
	"github.com/Meander-Cloud/go-socialnet/config"
	g "github.com/Meander-Cloud/go-socialnet/group"
	m "github.com/Meander-Cloud/go-socialnet/message"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
	"github.com/Meander-Cloud/go-socialnet/store"
)

// Resolver maps a socket id recorded by the store to a live connection.
type Resolver interface {
	GetConnection(connID uint32) (*tp.ConnState, error)
}

// Dispatcher pushes unread notifications to online sessions. It wakes on
// Signal and, after a failed delivery, on a retry timer of the arbiter.
type Dispatcher struct {
	c  *config.Config
	a  *arbiter.Arbiter
	st store.Store

	window        time.Duration
	retryInterval time.Duration
	resolver      Resolver

	mutex    sync.Mutex
	cond     *sync.Cond
	pending  bool
	shutdown bool
	exitwg   sync.WaitGroup

	// accessed on arbiter goroutine only
	retryScheduled bool
}

func NewDispatcher(c *config.Config, a *arbiter.Arbiter, st store.Store) *Dispatcher {
	d := &Dispatcher{
		c:  c,
		a:  a,
		st: st,

		window:        c.SessionTimeoutDuration(),
		retryInterval: c.NotifyRetryIntervalDuration(),
		resolver:      nil,

		mutex:    sync.Mutex{},
		pending:  false,
		shutdown: false,
		exitwg:   sync.WaitGroup{},

		retryScheduled: false,
	}
	d.cond = sync.NewCond(&d.mutex)
	return d
}

// Start runs the dispatcher goroutine; resolver must be set before the first
// Signal is acted upon.
func (d *Dispatcher) Start(resolver Resolver) {
	d.resolver = resolver

	d.exitwg.Add(1)
	go d.run()
}

func (d *Dispatcher) Shutdown() {
	func() {
		d.mutex.Lock()
		defer d.mutex.Unlock()

		d.shutdown = true
		d.cond.Signal()
	}()

	d.exitwg.Wait()
	log.Printf("%s: notification dispatcher exited", d.c.LogPrefix)
}

// invoked on any goroutine
func (d *Dispatcher) Signal() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending = true
	d.cond.Signal()
}

func (d *Dispatcher) run() {
	defer d.exitwg.Done()

	for {
		shutdown := func() bool {
			d.mutex.Lock()
			defer d.mutex.Unlock()

			for !d.pending && !d.shutdown {
				d.cond.Wait()
			}
			d.pending = false
			return d.shutdown
		}()
		if shutdown {
			return
		}

		// store and network work happen without holding mutex
		sent, skipped, err := d.Drain()
		if err != nil {
			log.Printf("%s: notification drain aborted, sent=%d, skipped=%d, err=%s", d.c.LogPrefix, sent, skipped, err.Error())
		} else if sent > 0 || skipped > 0 {
			log.Printf("%s: notification drain done, sent=%d, skipped=%d", d.c.LogPrefix, sent, skipped)
		}

		if err != nil || skipped > 0 {
			d.scheduleRetry()
		}
	}
}

// Drain delivers every pending notification once. A notification whose send
// fails is skipped and stays unread, unless it can never be framed, in which
// case it is marked read. A store error aborts the drain.
func (d *Dispatcher) Drain() (int, int, error) {
	notifications, err := d.st.PendingNotifications(d.window)
	if err != nil {
		return 0, 0, err
	}

	var sent, skipped int
	for i := range notifications {
		n := &notifications[i]

		cs, err := d.resolver.GetConnection(n.SocketID)
		if err != nil {
			// recipient dropped without logout, delivered after next login
			continue
		}
		if cs.Data.Load().SessionID != n.SessionID {
			if d.c.LogDebug {
				log.Printf("%s: %s: notification_id=%d is for sid=%d, connection carries another session", d.c.LogPrefix, cs.Descriptor(), n.NotificationID, n.SessionID)
			}
			continue
		}

		sendErr := cs.Channel.Send(notifyPacket(n))
		unframable := errors.Is(sendErr, tp.ErrFrameTooLarge) || errors.Is(sendErr, tp.ErrUnframable)
		if sendErr != nil && !unframable {
			log.Printf("%s: %s: notification_id=%d skipped, err=%s", d.c.LogPrefix, cs.Descriptor(), n.NotificationID, sendErr.Error())
			skipped++
			continue
		}

		// an unframable notification is never deliverable and is retired as read
		err = d.st.MarkNotificationRead(n.NotificationID)
		if err != nil {
			return sent, skipped, err
		}
		if unframable {
			log.Printf("%s: %s: notification_id=%d dropped, err=%s", d.c.LogPrefix, cs.Descriptor(), n.NotificationID, sendErr.Error())
			continue
		}
		sent++
	}

	return sent, skipped, nil
}

// notifyPacket renders n, cutting a post too long to fit one frame once its
// wall prefix is added.
func notifyPacket(n *store.Notification) *m.Packet {
	pkt := m.NewNotify(n.SessionID, "")
	// Send numbers the packet, budget for the widest req_num
	pkt.ReqNum = math.MaxUint32
	pkt.Received = store.TruncateText(store.FormatWallEntry(&n.WallEntry), tp.ReceivedBudget(pkt))
	return pkt
}

func (d *Dispatcher) scheduleRetry() {
	err := d.a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			if d.retryScheduled {
				return
			}
			d.retryScheduled = true

			d.a.After(
				g.GroupNotifyRetry,
				d.retryInterval,
				func() {
					// invoked on arbiter goroutine
					d.retryScheduled = false
					d.Signal()
				},
			)
			log.Printf("%s: notification retry in %v", d.c.LogPrefix, d.retryInterval)
		},
	)
	if err != nil {
		log.Printf("%s: failed to schedule notification retry, err=%s", d.c.LogPrefix, err.Error())
	}
}

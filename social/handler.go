package social

import (
	"errors"
	"io"
	"log"

	"github.com/Meander-Cloud/go-socialnet/config"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
	"github.com/Meander-Cloud/go-socialnet/store"
)

// Notifier wakes the notification dispatcher.
type Notifier interface {
	Signal()
}

// Handler runs the server side session of every accepted connection.
type Handler struct {
	c        *config.Config
	st       store.Store
	notifier Notifier
}

func NewHandler(c *config.Config, st store.Store, notifier Notifier) *Handler {
	return &Handler{
		c:        c,
		st:       st,
		notifier: notifier,
	}
}

// invoked on ReadLoop goroutine
func (h *Handler) Serve(p *tp.Server, cs *tp.ConnState) {
	h.serve(cs)
}

func (h *Handler) serve(cs *tp.ConnState) {
	descriptor := cs.Descriptor()

	// a session still open when the worker exits ends with its connection
	defer h.implicitLogout(cs)

	for {
		req, err := cs.Channel.Receive()
		if err != nil {
			if errors.Is(err, tp.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				log.Printf("%s: %s: peer closed connection", h.c.LogPrefix, descriptor)
				return
			}
			log.Printf("%s: %s: receive failed, closing connection, err=%s", h.c.LogPrefix, descriptor, err.Error())
			return
		}

		if h.c.LogDebug {
			log.Printf("%s: %s: serving %s req_num=%d sid=%d", h.c.LogPrefix, descriptor, req.Command, req.ReqNum, req.SessionID)
		}

		outcome := h.Handle(cs, req)
		if h.c.LogDebug {
			log.Printf("%s: %s: %s", h.c.LogPrefix, descriptor, describeOutcome(&outcome))
		}

		if outcome.Response != nil {
			err = cs.Channel.Send(outcome.Response)
		}
		if outcome.Signal {
			h.notifier.Signal()
		}
		if err != nil {
			log.Printf("%s: %s: failed to send %s response, closing connection, err=%s", h.c.LogPrefix, descriptor, req.Command, err.Error())
			return
		}

		if outcome.Logout {
			logoutErr := h.st.Logout(req.SessionID)
			if logoutErr != nil {
				log.Printf("%s: %s: logout sid=%d failed, err=%s", h.c.LogPrefix, descriptor, req.SessionID, logoutErr.Error())
			} else {
				cs.UpdateSession(0, "")
			}
		}
		if outcome.Close {
			return
		}
	}
}

// implicitLogout ends the last session seen on a connection whose worker
// exits without a logout.
func (h *Handler) implicitLogout(cs *tp.ConnState) {
	sessionID := cs.Data.Load().SessionID
	if sessionID == 0 {
		return
	}

	err := h.st.Logout(sessionID)
	if errors.Is(err, store.ErrInvalidSession) {
		log.Printf("%s: %s: sid=%d already ended", h.c.LogPrefix, cs.Descriptor(), sessionID)
		return
	}
	if err != nil {
		log.Printf("%s: %s: implicit logout sid=%d failed, err=%s", h.c.LogPrefix, cs.Descriptor(), sessionID, err.Error())
		return
	}
	log.Printf("%s: %s: sid=%d logged out on disconnect", h.c.LogPrefix, cs.Descriptor(), sessionID)
}

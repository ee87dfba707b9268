package social

import (
	"errors"
	"fmt"
	"log"

	m "github.com/Meander-Cloud/go-socialnet/message"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
	"github.com/Meander-Cloud/go-socialnet/store"
)

// Outcome is what serving one request asks of the connection worker.
type Outcome struct {
	Response *m.Packet // sent before anything else, if set
	Signal   bool      // wake the notification dispatcher
	Logout   bool      // log the session out after responding
	Close    bool      // tear the connection down after responding
}

// Handle serves one request received on cs.
func (h *Handler) Handle(cs *tp.ConnState, req *m.Packet) Outcome {
	descriptor := cs.Descriptor()

	if !req.Command.ClientRequest() {
		log.Printf("%s: %s: %s, cmd_code=%d", h.c.LogPrefix, descriptor, tp.ErrInvalidCommand, uint8(req.Command))
		return Outcome{Close: true}
	}

	if req.Command != m.CommandLogin {
		_, err := h.st.IsSessionValid(req.SessionID)
		if errors.Is(err, store.ErrInvalidSession) {
			log.Printf("%s: %s: %s rejected, invalid sid=%d", h.c.LogPrefix, descriptor, req.Command, req.SessionID)
			return Outcome{
				Response: req.Reply(req.SessionID, m.TextInvalidSession),
				Close:    true,
			}
		}
		if err != nil {
			log.Printf("%s: %s: session check failed, closing connection, err=%s", h.c.LogPrefix, descriptor, err.Error())
			return Outcome{
				Response: req.Reply(req.SessionID, m.TextServerError),
				Close:    true,
			}
		}
	}

	switch req.Command {
	case m.CommandLogin:
		return h.login(cs, req)
	case m.CommandList:
		return h.list(cs, req)
	case m.CommandPost:
		return h.post(cs, req)
	case m.CommandShow:
		return h.show(cs, req)
	case m.CommandLogout:
		return h.logout(cs, req)
	default:
		log.Printf("%s: %s: unhandled command %s", h.c.LogPrefix, descriptor, req.Command)
		return Outcome{Close: true}
	}
}

func (h *Handler) login(cs *tp.ConnState, req *m.Packet) Outcome {
	descriptor := cs.Descriptor()

	userID, err := h.st.Authenticate(req.Username, req.Password)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("%s: %s: login failed for %s", h.c.LogPrefix, descriptor, req.Username)
		return Outcome{Response: req.Reply(0, m.TextLoginFailed)}
	}

	if err == nil {
		var sessionID uint32
		sessionID, err = h.st.CreateSession(userID)
		if err == nil {
			socketID := cs.ConnID
			err = h.st.AppendInteractionLog(sessionID, false, store.CommandLogin(req.Username), &userID, &socketID)
			if err == nil {
				cs.UpdateSession(sessionID, req.Username)
				log.Printf("%s: %s: %s logged in, sid=%d", h.c.LogPrefix, descriptor, req.Username, sessionID)
				return Outcome{
					Response: req.Reply(sessionID, ""),
					Signal:   true,
				}
			}
		}
	}

	log.Printf("%s: %s: login error for %s, closing connection, err=%s", h.c.LogPrefix, descriptor, req.Username, err.Error())
	return Outcome{
		Response: req.Reply(0, m.TextServerError),
		Close:    true,
	}
}

func (h *Handler) list(cs *tp.ConnState, req *m.Packet) Outcome {
	users, err := h.st.ListUsers()
	if err == nil {
		err = h.st.AppendInteractionLog(req.SessionID, false, store.CommandList(), nil, nil)
	}
	if err != nil {
		log.Printf("%s: %s: list failed, closing connection, err=%s", h.c.LogPrefix, cs.Descriptor(), err.Error())
		return Outcome{
			Response: req.Reply(req.SessionID, m.TextServerError),
			Logout:   true,
			Close:    true,
		}
	}

	return Outcome{Response: req.Reply(req.SessionID, store.FormatUserList(users))}
}

func (h *Handler) post(cs *tp.ConnState, req *m.Packet) Outcome {
	descriptor := cs.Descriptor()

	postID, err := h.st.AppendPost(req.SessionID, req.Postee, req.Post)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Outcome{Response: req.Reply(req.SessionID, m.TextUserNotFound)}
	case errors.Is(err, store.ErrInvalidSession):
		return Outcome{
			Response: req.Reply(req.SessionID, m.TextInvalidSession),
			Close:    true,
		}
	case err != nil:
		log.Printf("%s: %s: post to %s failed, err=%s", h.c.LogPrefix, descriptor, req.Postee, err.Error())
		return Outcome{Response: req.Reply(req.SessionID, m.TextServerError)}
	}

	// post is stored, a failed activity row only loses the refresh
	err = h.st.AppendInteractionLog(req.SessionID, false, store.CommandPost(req.Postee, postID), nil, nil)
	if err != nil {
		log.Printf("%s: %s: failed to log post_id=%d, err=%s", h.c.LogPrefix, descriptor, postID, err.Error())
	}

	return Outcome{
		Response: req.Reply(req.SessionID, m.TextPostAccepted),
		Signal:   true,
	}
}

func (h *Handler) show(cs *tp.ConnState, req *m.Packet) Outcome {
	entries, err := h.st.FetchWall(req.WallOwner)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Response: req.Reply(req.SessionID, m.TextUserNotFound)}
	}
	if err == nil {
		err = h.st.AppendInteractionLog(req.SessionID, false, store.CommandShow(req.WallOwner), nil, nil)
	}
	if err != nil {
		log.Printf("%s: %s: show %s failed, closing connection, err=%s", h.c.LogPrefix, cs.Descriptor(), req.WallOwner, err.Error())
		return Outcome{
			Response: req.Reply(req.SessionID, m.TextServerError),
			Logout:   true,
			Close:    true,
		}
	}

	resp := req.Reply(req.SessionID, m.TextWallEmpty)
	if len(entries) > 0 {
		var omitted int
		resp.Received, omitted = store.FormatWallWithin(entries, tp.ReceivedBudget(resp))
		if omitted > 0 {
			log.Printf("%s: %s: wall of %s sent without its %d oldest of %d posts", h.c.LogPrefix, cs.Descriptor(), req.WallOwner, omitted, len(entries))
		}
	}
	return Outcome{Response: resp}
}

func (h *Handler) logout(cs *tp.ConnState, req *m.Packet) Outcome {
	err := h.st.Logout(req.SessionID)
	if err != nil {
		log.Printf("%s: %s: logout sid=%d failed, err=%s", h.c.LogPrefix, cs.Descriptor(), req.SessionID, err.Error())
		return Outcome{
			Response: req.Reply(req.SessionID, m.TextServerError),
			Close:    true,
		}
	}

	cs.UpdateSession(0, "")
	log.Printf("%s: %s: sid=%d logged out", h.c.LogPrefix, cs.Descriptor(), req.SessionID)
	return Outcome{
		Response: req.Reply(req.SessionID, m.TextLoggedOut),
		Close:    true,
	}
}

func describeOutcome(o *Outcome) string {
	text := "none"
	if o.Response != nil {
		text = fmt.Sprintf("%s %q", o.Response.Command, o.Response.Received)
	}
	return fmt.Sprintf("response=%s, signal=%t, logout=%t, close=%t", text, o.Signal, o.Logout, o.Close)
}

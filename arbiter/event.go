package arbiter

import (
	"time"

	g "github.com/Meander-Cloud/go-socialnet/group"
)

// event is a functor queued for the arbiter goroutine, tagged with the timer
// group it arms, GroupInvalid for plain dispatches.
type event struct {
	group g.Group
	f     func()
	t0    time.Time
}

func newEvent() *event {
	return &event{
		group: g.GroupInvalid,
		f:     nil,
		t0:    time.Time{},
	}
}

// scheduler goroutine
func (e *event) reset() {
	e.group = g.GroupInvalid
	e.f = nil
	e.t0 = time.Time{}
}

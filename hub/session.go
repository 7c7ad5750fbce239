package hub

import (
	"sync"

	"golang.org/x/time/rate"
)

// Session is one live connection. Frames are queued on a bounded channel;
// a session that cannot keep up has frames dropped rather than stalling the
// publisher.
type Session struct {
	id        string
	wallet    string
	out       chan Frame
	limiter   *rate.Limiter
	closeOnce sync.Once
}

// Wallet returns the authenticated wallet address bound to the session.
func (s *Session) Wallet() string { return s.wallet }

// Frames is the outbound event stream. The channel is closed when the
// session is disconnected from the hub.
func (s *Session) Frames() <-chan Frame { return s.out }

// Package qu provides the empty struct signalling channels used for quit and
// trigger plumbing, with an idempotent close so shutdown paths can race.
package qu

import (
	"sync"
)

// C is your basic empty struct signalling channel.
type C chan struct{}

var (
	mx     sync.Mutex
	closed map[C]struct{}
)

func init() { closed = make(map[C]struct{}) }

// T creates an unbuffered chan struct{} for trigger and quit signalling
// (momentary and breaker switches).
func T() C { return make(C) }

// Ts creates a buffered chan struct{} for signalling without blocking,
// generally one is the size of buffer to be used.
func Ts(n int) C { return make(C, n) }

// Q closes the channel. Closing twice is a no-op rather than a panic, so
// multiple shutdown paths can all call it.
func (c C) Q() {
	mx.Lock()
	defer mx.Unlock()
	if _, done := closed[c]; done {
		return
	}
	closed[c] = struct{}{}
	close(c)
}

// Signal sends struct{}{} on the channel, functioning as a momentary switch.
// The send is dropped rather than blocking if nothing is listening.
func (c C) Signal() {
	if c.IsClosed() {
		return
	}
	select {
	case c <- struct{}{}:
	default:
	}
}

// Wait should be placed with a `<-` in a select case in addition to the
// channel variable name.
func (c C) Wait() <-chan struct{} { return c }

// IsClosed reports whether Q has been called on the channel.
func (c C) IsClosed() bool {
	mx.Lock()
	defer mx.Unlock()
	_, done := closed[c]
	return done
}

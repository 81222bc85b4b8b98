// Package typing implements both sides of the typing-indicator
// protocol: the local debounce/expiry state machine that drives
// outbound ephemeral signals, and the remote set fed by inbound ones.
package typing

import (
	"time"
)

// Default timings of the local state machine.
const (
	// DefaultDebounce is the quiet period after a keystroke before the
	// start signal goes out.
	DefaultDebounce = 300 * time.Millisecond
	// DefaultStopAfter is the silence after the last keystroke before
	// the stop signal goes out.
	DefaultStopAfter = 2 * time.Second
)

// SignalSender emits one ephemeral typing signal. Sends are
// fire-and-forget; failures are the sender's concern.
type SignalSender func(typing bool)

// Executor runs a timer callback on the goroutine that owns the
// coordinator, serializing it with every other mutation.
type Executor func(fn func())

type localState int

const (
	stateIdle localState = iota
	stateTyping
)

// Coordinator is the local-user typing state machine. All methods must
// be called from the owning session goroutine; timer fires re-enter it
// through the executor. At most one timer is outstanding at any time:
// in Idle it is the start debounce, in Typing it is the stop expiry.
// Exactly one signal is sent per state transition, never per
// keystroke.
type Coordinator struct {
	debounce  time.Duration
	stopAfter time.Duration
	send      SignalSender
	run       Executor

	state localState
	timer *time.Timer
	gen   uint64
}

// NewCoordinator creates a coordinator with the given timings. Zero
// durations fall back to the defaults.
func NewCoordinator(debounce, stopAfter time.Duration, send SignalSender, run Executor) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if stopAfter <= 0 {
		stopAfter = DefaultStopAfter
	}
	return &Coordinator{
		debounce:  debounce,
		stopAfter: stopAfter,
		send:      send,
		run:       run,
	}
}

// InputChanged records a new value of the local input field. An empty
// value stops typing immediately; a non-empty value arms (or re-arms)
// the single pending timer.
func (c *Coordinator) InputChanged(text string) {
	if text == "" {
		c.stopNow()
		return
	}
	switch c.state {
	case stateIdle:
		c.schedule(c.debounce)
	case stateTyping:
		// Keystroke within the window: restart the expiry, no signal.
		c.schedule(c.stopAfter)
	}
}

// MessageSent handles a successful local send: typing ends
// immediately.
func (c *Coordinator) MessageSent() {
	c.stopNow()
}

// Teardown ends the session's typing activity. Safe to call more than
// once and even if typing never started; the final stop signal is
// best-effort.
func (c *Coordinator) Teardown() {
	c.stopNow()
}

// stopNow cancels the pending timer and sends an immediate stop.
func (c *Coordinator) stopNow() {
	c.cancelTimer()
	c.state = stateIdle
	c.send(false)
}

// schedule atomically replaces the pending timer. The generation
// counter discards fires from a timer that was cancelled after its
// callback had already been queued, so an old and a new timer can
// never both take effect.
func (c *Coordinator) schedule(d time.Duration) {
	c.cancelTimer()
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		c.run(func() { c.fired(gen) })
	})
}

func (c *Coordinator) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (c *Coordinator) fired(gen uint64) {
	if gen != c.gen {
		return
	}
	c.timer = nil
	switch c.state {
	case stateIdle:
		// Debounce elapsed with non-empty input: typing starts.
		c.state = stateTyping
		c.send(true)
		c.schedule(c.stopAfter)
	case stateTyping:
		// Expiry elapsed with no keystroke: typing stops.
		c.state = stateIdle
		c.send(false)
	}
}

// Typing reports whether the local user is currently flagged typing.
func (c *Coordinator) Typing() bool { return c.state == stateTyping }

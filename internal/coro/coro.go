// Package coro implements the context switch capability used by the stackful
// scheduler: a goroutine with explicit hand-off switching.
//
// Exactly one side of a Coro runs at a time. The outside (a worker loop)
// calls Next and blocks until the inside calls Yield or Finish. The inside
// blocks in Yield until the outside calls Next again. Every switch is a
// channel hand-off, so writes made before a switch are visible after it.
package coro

// A Coro is a coroutine: a goroutine with explicit and cheap context switching.
type Coro struct {
	runWaitCh chan struct{}
}

// Start starts the coroutine, running f in a new goroutine. It should be
// called only once per use of a Coro. It lets the coroutine run until the
// first call to Yield or the final call to Finish.
func (c *Coro) Start(f func()) {
	c.runWaitCh = make(chan struct{})
	go f()
	<-c.runWaitCh
}

// Attach turns the calling goroutine into the inside of c without starting a
// new goroutine. The caller keeps running; the outside takes over with Wait.
func (c *Coro) Attach() {
	c.runWaitCh = make(chan struct{})
}

// Attached reports whether c has been started or attached.
func (c *Coro) Attached() bool {
	return c.runWaitCh != nil
}

// Wait must be called from outside the coroutine of an attached Coro that is
// currently running. It blocks until the next call to Yield, Finish or
// Release.
func (c *Coro) Wait() {
	<-c.runWaitCh
}

// Next must be called from outside the coroutine. It lets the coroutine run
// until the next call to Yield, Finish or Release.
func (c *Coro) Next() {
	c.runWaitCh <- struct{}{}
	<-c.runWaitCh
}

// Yield must be called from inside the coroutine. It pauses the coroutine,
// yielding to the caller of Next (or Start).
func (c *Coro) Yield() {
	c.runWaitCh <- struct{}{}
	<-c.runWaitCh
}

// Finish must be called from inside the coroutine as the last thing its
// goroutine does, typically from the outermost deferred call. It hands
// control back to the caller of Next for good.
func (c *Coro) Finish() {
	c.runWaitCh <- struct{}{}
}

// Release must be called from inside an attached coroutine. Like Finish it
// hands control back to the outside for good, but the calling goroutine keeps
// running outside of any scheduler.
func (c *Coro) Release() {
	c.runWaitCh <- struct{}{}
}

// Reset clears c so it can be started again.
func (c *Coro) Reset() {
	c.runWaitCh = nil
}

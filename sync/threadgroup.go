// Package sync provides a ThreadGroup primitive used throughout the relay
// engine to coordinate graceful shutdown: every long-running goroutine
// (workers, timers, the supervisor loops) registers with a ThreadGroup via
// Add/Done, and Stop runs any OnStop hooks (LIFO), blocks until all of them
// have exited, and then runs any AfterStop hooks (LIFO).
package sync

import (
	"errors"
	stdsync "sync"
)

// ErrStopped is returned by Add and Stop if the ThreadGroup has already
// been stopped.
var ErrStopped = errors.New("thread group already stopped")

// ThreadGroup is a one-shot wait-group-with-a-stop-signal. The zero value
// is a valid, unstarted ThreadGroup.
type ThreadGroup struct {
	onStopFns    []func()
	afterStopFns []func()

	bmu      stdsync.Mutex // protects stopped + lazily-initialized stopChan
	stopChan chan struct{}
	stopped  bool

	mu stdsync.Mutex // protects onStopFns/afterStopFns
	wg stdsync.WaitGroup
}

// init lazily creates the stop channel. Must be called with bmu held, or
// before the ThreadGroup is shared across goroutines.
func (tg *ThreadGroup) init() {
	if tg.stopChan == nil {
		tg.stopChan = make(chan struct{})
	}
}

// isStopped reports whether Stop has been called.
func (tg *ThreadGroup) isStopped() bool {
	tg.bmu.Lock()
	defer tg.bmu.Unlock()
	tg.init()
	return tg.stopped
}

// StopChan returns a channel that is closed when Stop is called. Every
// blocking receive loop in the engine selects on this channel alongside its
// socket-read timeout so it notices shutdown promptly.
func (tg *ThreadGroup) StopChan() <-chan struct{} {
	tg.bmu.Lock()
	defer tg.bmu.Unlock()
	tg.init()
	return tg.stopChan
}

// Add increments the ThreadGroup's counter. It must be paired with a call
// to Done. Add returns ErrStopped if the ThreadGroup has already stopped.
func (tg *ThreadGroup) Add() error {
	tg.bmu.Lock()
	defer tg.bmu.Unlock()
	tg.init()
	if tg.stopped {
		return ErrStopped
	}
	tg.wg.Add(1)
	return nil
}

// Done decrements the ThreadGroup's counter.
func (tg *ThreadGroup) Done() {
	tg.wg.Done()
}

// OnStop queues fn to be called when Stop is invoked, before Stop waits for
// outstanding Add calls to finish via Done. Functions registered with
// OnStop are called in LIFO order. If the ThreadGroup has already stopped,
// fn is called immediately.
func (tg *ThreadGroup) OnStop(fn func()) {
	if tg.isStopped() {
		fn()
		return
	}
	tg.mu.Lock()
	tg.onStopFns = append(tg.onStopFns, fn)
	tg.mu.Unlock()
}

// AfterStop queues fn to be called after Stop has waited for all
// outstanding Add calls to finish. Functions registered with AfterStop are
// called in LIFO order, after all OnStop functions. If the ThreadGroup has
// already stopped, fn is called immediately.
func (tg *ThreadGroup) AfterStop(fn func()) {
	if tg.isStopped() {
		fn()
		return
	}
	tg.mu.Lock()
	tg.afterStopFns = append(tg.afterStopFns, fn)
	tg.mu.Unlock()
}

// Flush waits for every outstanding Add/Done pair to finish without closing
// the stop channel or calling any OnStop or AfterStop function, allowing the
// caller to wait for in-flight work without tearing down permanent
// resources. It is not used by the steady
// state of the relay engine but is kept for parity with the upstream
// lifecycle primitive and is exercised by tests.
func (tg *ThreadGroup) Flush() {
	tg.wg.Wait()
}

// Stop closes the stop channel, runs all OnStop functions (LIFO), waits for
// every outstanding Add/Done pair to finish, and then runs all AfterStop
// functions (LIFO). Stop returns ErrStopped if called more than once.
func (tg *ThreadGroup) Stop() error {
	tg.bmu.Lock()
	tg.init()
	if tg.stopped {
		tg.bmu.Unlock()
		return ErrStopped
	}
	tg.stopped = true
	close(tg.stopChan)
	tg.bmu.Unlock()

	tg.mu.Lock()
	onStop := tg.onStopFns
	tg.mu.Unlock()
	for i := len(onStop) - 1; i >= 0; i-- {
		onStop[i]()
	}

	tg.wg.Wait()

	tg.mu.Lock()
	afterStop := tg.afterStopFns
	tg.mu.Unlock()
	for i := len(afterStop) - 1; i >= 0; i-- {
		afterStop[i]()
	}

	return nil
}

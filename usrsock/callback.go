package usrsock

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// EventFlags is a bit set of stack events delivered to registered callbacks.
type EventFlags uint16

const (
	EventAbort         EventFlags = 1 << 1
	EventSendToReady   EventFlags = 1 << 2
	EventRecvFromAvail EventFlags = 1 << 3
	EventRemoteClosed  EventFlags = 1 << 4

	// EventReqComplete marks the daemon's reply to the outstanding request. Setting it in a
	// request's flags also makes the request exclusive on its connection.
	EventReqComplete EventFlags = 1 << 15

	EventPollMask = EventAbort | EventSendToReady | EventRecvFromAvail | EventRemoteClosed
)

// EventHandler reacts to events on a connection and returns the flags left for later callbacks.
// It runs in the dispatching goroutine and must not block or touch the callback list it is
// registered on.
type EventHandler interface {
	OnEvent(conn *Conn, flags EventFlags) EventFlags
}

type EventHandlerFunc func(conn *Conn, flags EventFlags) EventFlags

func (fn EventHandlerFunc) OnEvent(conn *Conn, flags EventFlags) EventFlags { return fn(conn, flags) }

// Callback is a registration handle returned by Callbacks.Alloc.
type Callback struct {
	flags   EventFlags
	handler EventHandler
}

// callbackLimiter bounds callbacks across every connection of a pool.
type callbackLimiter struct {
	sem *semaphore.Weighted // nil when unbounded
	m   *PoolMetrics
}

func newCallbackLimiter(max int) *callbackLimiter {
	l := &callbackLimiter{m: newPoolMetrics()}
	if max > 0 {
		l.sem = semaphore.NewWeighted(int64(max))
	}
	return l
}

func (l *callbackLimiter) acquire() bool {
	if l.sem != nil && !l.sem.TryAcquire(1) {
		l.m.exhausted()
		return false
	}
	l.m.fresh()
	return true
}

func (l *callbackLimiter) release() {
	if l.sem != nil {
		l.sem.Release(1)
	}
	l.m.putBack()
}

// Callbacks is the per-connection list of event callbacks.
//
// Dispatch holds the list lock while handlers run, so Free returns only once no invocation of the
// freed callback is in progress and none can start.
type Callbacks struct {
	mu    sync.Mutex
	list  []*Callback
	limit *callbackLimiter
}

// Alloc registers handler for events in flags. A callback with zero flags is inert until armed.
func (l *Callbacks) Alloc(handler EventHandler, flags EventFlags) (*Callback, error) {
	if l.limit != nil && !l.limit.acquire() {
		return nil, ErrNoCallbacks
	}

	cb := &Callback{flags: flags, handler: handler}

	l.mu.Lock()
	l.list = append(l.list, cb)
	l.mu.Unlock()

	return cb, nil
}

func (l *Callbacks) arm(cb *Callback, handler EventHandler, flags EventFlags) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cb.handler = handler
	cb.flags = flags
}

// Free deregisters cb. Freeing a callback that is not on the list is fatal.
func (l *Callbacks) Free(cb *Callback) {
	l.mu.Lock()
	idx := -1
	for i, c := range l.list {
		if c == cb {
			idx = i
			break
		}
	}
	if idx >= 0 {
		copy(l.list[idx:], l.list[idx+1:])
		l.list[len(l.list)-1] = nil
		l.list = l.list[:len(l.list)-1]
	}
	l.mu.Unlock()

	assertf(cb != nil && idx >= 0, "callback free", "callback is not registered")

	if l.limit != nil {
		l.limit.release()
	}
}

// Dispatch runs every callback whose mask intersects flags, in registration order, threading the
// returned flags through. It returns the flags left after the last callback.
func (l *Callbacks) Dispatch(conn *Conn, flags EventFlags) EventFlags {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, cb := range l.list {
		if flags == 0 {
			break
		}
		if cb.handler != nil && cb.flags&flags != 0 {
			flags = cb.handler.OnEvent(conn, flags)
		}
	}
	return flags
}

func (l *Callbacks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

func (l *Callbacks) reset(limit *callbackLimiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.list = l.list[:0]
	l.limit = limit
}

// drain drops every remaining registration and returns how many there were.
func (l *Callbacks) drain() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.list)
	for i := range l.list {
		l.list[i] = nil
		if l.limit != nil {
			l.limit.release()
		}
	}
	l.list = l.list[:0]
	return n
}

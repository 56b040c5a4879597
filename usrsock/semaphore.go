package usrsock

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a counting semaphore with FIFO waiters. It latches posts, so a Post that happens
// before the matching wait is never lost.
//
// WaitUninterruptible is the wait used around protocol handshakes: nothing but a Post ends it.
// Wait is the ordinary wait and gives up when its context is done.
type Semaphore struct {
	w         *semaphore.Weighted
	max       int64
	destroyed atomic.Bool
}

// NewSemaphore returns a semaphore holding count of max permits.
func NewSemaphore(count, max int64) *Semaphore {
	assertf(max > 0 && count >= 0 && count <= max, "semaphore init", "count %d out of range [0, %d]", count, max)

	s := &Semaphore{w: semaphore.NewWeighted(max), max: max}
	if taken := max - count; taken > 0 {
		s.w.TryAcquire(taken)
	}
	return s
}

func (s *Semaphore) live(op string) {
	assertf(!s.destroyed.Load(), op, "semaphore used after destroy")
}

func (s *Semaphore) WaitUninterruptible() {
	s.live("semaphore wait")
	_ = s.w.Acquire(context.Background(), 1)
}

func (s *Semaphore) Wait(ctx context.Context) error {
	s.live("semaphore wait")
	return s.w.Acquire(ctx, 1)
}

func (s *Semaphore) TryWait() bool {
	s.live("semaphore trywait")
	return s.w.TryAcquire(1)
}

// Post releases one permit. Posting a semaphore that already holds max permits is fatal.
func (s *Semaphore) Post() {
	s.live("semaphore post")
	defer func() {
		if r := recover(); r != nil {
			panic(&InvariantError{Op: "semaphore post", Msg: "posted beyond maximum count"})
		}
	}()
	s.w.Release(1)
}

// Destroy retires the semaphore. Any later use is fatal.
func (s *Semaphore) Destroy() {
	assertf(s.destroyed.CompareAndSwap(false, true), "semaphore destroy", "semaphore destroyed twice")
}

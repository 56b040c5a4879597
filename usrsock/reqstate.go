package usrsock

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

var _ EventHandler = (*ReqState)(nil)
var _ EventHandler = (*DataReqState)(nil)

// ReqState is one request/response exchange with the daemon on a connection.
//
// The requester calls Setup, sends the request, waits with WaitForCompletion and always finishes
// with Teardown. The handler registered by Setup runs in the goroutine that delivers daemon
// replies and calls Complete, which wakes the requester exactly once.
type ReqState struct {
	conn    *Conn
	cb      *Callback
	recvsem *Semaphore
	unlock  bool   // completion permit held
	seq     uint32 // replies to other requests are not ours

	mu        sync.Mutex
	result    int32
	completed bool
}

// Setup arms s for a new request on conn and registers handler for flags; a nil handler means s
// itself. When flags carries EventReqComplete the call first takes the connection's completion
// permit, waiting without interruption for the previous exclusive request to be torn down, and
// then claims the next request sequence number. The handler only sees EventReqComplete for acks
// carrying that number.
//
// On error nothing is held and s must not be waited on or torn down.
func (s *ReqState) Setup(conn *Conn, handler EventHandler, flags EventFlags) error {
	if handler == nil {
		handler = s
	}
	return s.setup(conn, handler, flags)
}

func (s *ReqState) setup(conn *Conn, handler EventHandler, flags EventFlags) error {
	s.recvsem = NewSemaphore(0, 1)
	s.conn = conn
	s.unlock = false
	s.mu.Lock()
	s.result = ResultWouldBlock
	s.completed = false
	s.mu.Unlock()

	// Registered inert: replies to the request still holding the permit must not reach us.
	cb, err := conn.events.Alloc(nil, 0)
	if err != nil {
		s.recvsem.Destroy()
		s.recvsem = nil
		s.conn = nil
		return err
	}

	if flags&EventReqComplete != 0 {
		conn.resp.sem.WaitUninterruptible()
		s.unlock = true
		s.seq = conn.reqseq.Add(1)
	} else {
		s.seq = conn.reqseq.Load()
	}

	conn.events.arm(cb, replyFilter{s: s, next: handler}, flags)
	s.cb = cb
	return nil
}

// OnEvent completes the request with the daemon's result, or with ECONNABORTED when the daemon
// went away.
func (s *ReqState) OnEvent(conn *Conn, flags EventFlags) EventFlags {
	switch {
	case flags&EventAbort != 0:
		s.Complete(ErrnoResult(unix.ECONNABORTED))
	case flags&EventReqComplete != 0:
		s.Complete(conn.resp.result)
	}
	return flags
}

// Complete stores result and wakes the waiter. Later calls update the result but do not wake
// anyone again. It never blocks.
func (s *ReqState) Complete(result int32) {
	s.mu.Lock()
	s.result = result
	first := !s.completed
	s.completed = true
	s.mu.Unlock()

	if first {
		s.recvsem.Post()
	}
}

// WaitForCompletion blocks until the request completes and returns its result. A completion that
// happened before the call is not lost. If ctx ends first the context error is returned; the
// caller still owns the request and must tear it down.
func (s *ReqState) WaitForCompletion(ctx context.Context) (int32, error) {
	if err := s.recvsem.Wait(ctx); err != nil {
		return ResultWouldBlock, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

// Result returns the stored result, and ErrNotCompleted while the request is outstanding.
func (s *ReqState) Result() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.completed {
		return s.result, ErrNotCompleted
	}
	return s.result, nil
}

func (s *ReqState) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *ReqState) Conn() *Conn { return s.conn }

// Seq is the sequence number the request's acks carry.
func (s *ReqState) Seq() uint32 { return s.seq }

// replyFilter hides acks to other requests from a request's handler.
type replyFilter struct {
	s    *ReqState
	next EventHandler
}

func (f replyFilter) OnEvent(conn *Conn, flags EventFlags) EventFlags {
	if flags&EventReqComplete == 0 || conn.resp.seq == f.s.seq {
		return f.next.OnEvent(conn, flags)
	}
	rest := flags &^ EventReqComplete
	if rest == 0 {
		return flags
	}
	return f.next.OnEvent(conn, rest) | EventReqComplete
}

// Teardown releases the completion permit if held, deregisters the handler and retires the
// completion signal. It is safe on a request that was never completed; once it returns the
// handler is not running and will not run again.
func (s *ReqState) Teardown() {
	conn := s.conn
	assertf(conn != nil && s.cb != nil, "teardown", "request is not set up")

	if s.unlock {
		s.unlock = false
		conn.resp.sem.Post()
	}

	conn.events.Free(s.cb)
	s.recvsem.Destroy()

	s.cb = nil
}

// DataReqState is a request whose reply also carries a value and a payload staged with
// Conn.SetupDataIn after Setup.
type DataReqState struct {
	ReqState

	valuelen         uint16
	valuelenNontrunc uint16
	value            []byte
}

// Setup zeroes the value bookkeeping and arms the request; a nil handler means s itself.
func (s *DataReqState) Setup(conn *Conn, handler EventHandler, flags EventFlags) error {
	s.valuelen = 0
	s.valuelenNontrunc = 0
	s.value = s.value[:0]
	if handler == nil {
		handler = s
	}
	return s.ReqState.setup(conn, handler, flags)
}

// OnEvent captures the reply's value before completing like ReqState.
func (s *DataReqState) OnEvent(conn *Conn, flags EventFlags) EventFlags {
	if flags&EventAbort == 0 && flags&EventReqComplete != 0 {
		s.CaptureValue(conn)
	}
	return s.ReqState.OnEvent(conn, flags)
}

// Teardown clears the staging before releasing the request, so a late data reply cannot write
// into spans the caller owns again.
func (s *DataReqState) Teardown() {
	if s.conn != nil {
		s.conn.ClearDataIn()
	}
	s.ReqState.Teardown()
}

// CaptureValue copies the value of the connection's last data ack. Custom handlers call it before
// Complete.
func (s *DataReqState) CaptureValue(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.valuelen = conn.resp.valuelen
	s.valuelenNontrunc = conn.resp.valuelenNontrunc
	s.value = append(s.value[:0], conn.resp.value...)
}

// Value returns the reply value and the length the daemon had before truncation.
func (s *DataReqState) Value() ([]byte, uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value[:s.valuelen], s.valuelenNontrunc
}

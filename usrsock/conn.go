// Package usrsock keeps the kernel-side state of sockets whose network stack lives in a user-space
// daemon: the connection pool, the registry of active connections, and the request/response
// handshake between callers and the goroutine delivering daemon replies.
package usrsock

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// USockID is the daemon's identifier for a socket.
type USockID int16

const InvalidUSockID USockID = -1

type ConnState int32

const (
	StateUninitialized ConnState = iota
	StateAborted
	StateOpened
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAborted:
		return "aborted"
	case StateOpened:
		return "opened"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Handle names a pool slot together with the generation it was allocated in. A handle outlives
// its connection harmlessly: lookups of a freed generation fail. The zero Handle is never issued.
type Handle uint64

func makeHandle(slot, gen uint32) Handle { return Handle(uint64(gen)<<32 | uint64(slot)) }

func (h Handle) slot() uint32 { return uint32(h) }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

func (h Handle) String() string { return fmt.Sprintf("%d#%d", h.slot(), h.gen()) }

// Response is a snapshot of the daemon's last reply on a connection.
type Response struct {
	Seq              uint32 // request the reply answers
	Result           int32
	InProgress       bool
	ValueLen         uint16
	ValueLenNontrunc uint16
}

// response is written by the goroutine delivering daemon replies and read by handlers it runs.
type response struct {
	sem *Semaphore // completion permit

	seq              uint32
	result           int32
	inprogress       bool
	valuelen         uint16
	valuelenNontrunc uint16
	value            []byte

	events atomic.Uint32 // unsolicited event flags seen so far

	mu      sync.Mutex // guards staging against late replies
	datain  DataIn
	dataSeq uint32
	staged  bool
}

// Conn is the kernel-side state of one socket proxied to the daemon.
type Conn struct {
	slot      uint32
	gen       uint32
	allocated bool // guarded by the pool lock

	handle  Handle
	usockid atomic.Int32
	state   atomic.Int32

	crefs int

	reqseq atomic.Uint32 // sequence of the newest exclusive request

	resp   response
	events Callbacks
}

func (c *Conn) Handle() Handle { return c.handle }

func (c *Conn) USockID() USockID         { return USockID(c.usockid.Load()) }
func (c *Conn) SetUSockID(id USockID)    { c.usockid.Store(int32(id)) }
func (c *Conn) State() ConnState         { return ConnState(c.state.Load()) }
func (c *Conn) SetState(state ConnState) { c.state.Store(int32(state)) }

// Ref, Unref and Refs manage the reference count. They are not synchronized: the owner of the
// descriptor table serializes them.
func (c *Conn) Ref() int { c.crefs++; return c.crefs }

func (c *Conn) Unref() int {
	assertf(c.crefs > 0, "conn unref", "reference count of %s already zero", c.handle)
	c.crefs--
	return c.crefs
}

func (c *Conn) Refs() int { return c.crefs }

// Callbacks is the connection's event source.
func (c *Conn) Callbacks() *Callbacks { return &c.events }

// Dispatch delivers flags to the connection's callbacks.
func (c *Conn) Dispatch(flags EventFlags) EventFlags { return c.events.Dispatch(c, flags) }

// RequestSeq is the sequence number of the newest exclusive request on c. The daemon echoes it
// with the handle so that replies to abandoned requests can be told apart.
func (c *Conn) RequestSeq() uint32 { return c.reqseq.Load() }

// SetResponse records the daemon's ack to request seq. Only handlers of that request see it.
func (c *Conn) SetResponse(seq uint32, result int32, inprogress bool) {
	c.resp.seq = seq
	c.resp.result = result
	c.resp.inprogress = inprogress
}

// SetValue records the value part of a data ack. nontrunc is the length the daemon had before
// truncating it to len(value).
func (c *Conn) SetValue(value []byte, nontrunc uint16) {
	c.resp.value = append(c.resp.value[:0], value...)
	c.resp.valuelen = uint16(len(value))
	c.resp.valuelenNontrunc = nontrunc
}

func (c *Conn) Response() Response {
	return Response{
		Seq:              c.resp.seq,
		Result:           c.resp.result,
		InProgress:       c.resp.inprogress,
		ValueLen:         c.resp.valuelen,
		ValueLenNontrunc: c.resp.valuelenNontrunc,
	}
}

// AddEvents accumulates unsolicited event flags.
func (c *Conn) AddEvents(flags EventFlags) {
	for {
		old := c.resp.events.Load()
		if c.resp.events.CompareAndSwap(old, old|uint32(flags)) {
			return
		}
	}
}

// ClearEvents removes flags from the accumulated events and returns what was set before.
func (c *Conn) ClearEvents(flags EventFlags) EventFlags {
	for {
		old := c.resp.events.Load()
		if c.resp.events.CompareAndSwap(old, old&^uint32(flags)) {
			return EventFlags(old)
		}
	}
}

func (c *Conn) Events() EventFlags { return EventFlags(c.resp.events.Load()) }

func (c *Conn) String() string {
	return fmt.Sprintf("conn(%s usockid=%d state=%s)", c.handle, c.USockID(), c.State())
}

// init puts a slot into its freshly allocated state. Called under the pool lock.
func (c *Conn) init(limit *callbackLimiter) {
	c.gen++
	if c.gen == 0 {
		c.gen = 1
	}
	c.allocated = true
	c.handle = makeHandle(c.slot, c.gen)
	c.usockid.Store(int32(InvalidUSockID))
	c.state.Store(int32(StateUninitialized))
	c.crefs = 0

	c.resp.sem = NewSemaphore(1, 1)
	c.resp.seq = 0
	c.resp.result = 0
	c.resp.inprogress = false
	c.resp.valuelen = 0
	c.resp.valuelenNontrunc = 0
	c.resp.value = c.resp.value[:0]
	c.resp.events.Store(0)
	c.ClearDataIn()
	c.events.reset(limit)
}

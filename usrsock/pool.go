package usrsock

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Pool owns every connection object and the registry of active ones. Allocation and free share
// one lock whose critical sections never block.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	slots  []*Conn
	free   []int32 // LIFO stack of free slots
	active registry

	callbacks *callbackLimiter
	m         *PoolMetrics
}

func NewPool(cfg Config) *Pool {
	cfg = cfg.normalize()

	p := &Pool{
		cfg:       cfg,
		active:    newRegistry(),
		callbacks: newCallbackLimiter(cfg.MaxCallbacks),
		m:         newPoolMetrics(),
	}
	p.grow(cfg.PreallocConns)
	return p
}

func (p *Pool) Config() Config { return p.cfg }

// grow appends up to n fresh slots, respecting MaxConns. Called under the lock.
func (p *Pool) grow(n int) int {
	if p.cfg.MaxConns > 0 {
		if room := p.cfg.MaxConns - len(p.slots); room < n {
			n = room
		}
	}
	if n <= 0 {
		return 0
	}

	base := len(p.slots)
	for i := 0; i < n; i++ {
		slot := int32(base + i)
		p.slots = append(p.slots, &Conn{slot: uint32(slot)})
	}
	// push in reverse so the lowest new slot is handed out first
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, int32(base+i))
	}
	p.active.grow(len(p.slots))
	return n
}

// Alloc returns a connection with an invalid identifier, uninitialized state, an available
// completion permit and no references, already linked into the registry. It never blocks and
// fails with ErrPoolExhausted once the pool is at its ceiling with no free slot.
func (p *Pool) Alloc() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 && p.grow(p.cfg.AllocConns) == 0 {
		p.m.exhausted()
		Logger().Debug("usrsock connection pool exhausted",
			zap.Int("slots", len(p.slots)), zap.Int("max", p.cfg.MaxConns))
		return nil, ErrPoolExhausted
	}

	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	conn := p.slots[slot]
	if conn.gen == 0 {
		p.m.fresh()
	} else {
		p.m.reused()
	}
	conn.init(p.callbacks)
	p.active.pushBack(slot)

	Logger().Debug("usrsock conn allocated", zap.Stringer("handle", conn.handle))
	return conn, nil
}

// Free returns conn to the pool and unlinks it from the registry. The reference count must be
// zero; anything else is a use-after-close bug and is fatal, as is a double free.
func (p *Pool) Free(conn *Conn) {
	assertf(conn.crefs == 0, "free", "%s still has %d references", conn.handle, conn.crefs)

	p.mu.Lock()
	defer p.mu.Unlock()

	assertf(conn.allocated && int(conn.slot) < len(p.slots) && p.slots[conn.slot] == conn,
		"free", "%s is not an active connection of this pool", conn.handle)

	p.active.remove(int32(conn.slot))

	if n := conn.events.drain(); n > 0 {
		Logger().Warn("usrsock conn freed with registered callbacks",
			zap.Stringer("handle", conn.handle), zap.Int("callbacks", n))
	}
	conn.resp.sem.Destroy()
	conn.ClearDataIn()
	conn.allocated = false

	p.free = append(p.free, int32(conn.slot))
	p.m.putBack()

	Logger().Debug("usrsock conn freed", zap.Stringer("handle", conn.handle))
}

// Next returns the active connection after cursor, the first one when cursor is nil, or nil at
// the end. Each step is taken under the pool lock, but a cursor freed between steps is the
// caller's problem: callers serialize traversal with closes. Stepping from a freed cursor is fatal.
func (p *Pool) Next(cursor *Conn) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	at := int32(noSlot)
	if cursor != nil {
		assertf(cursor.allocated && int(cursor.slot) < len(p.slots) && p.slots[cursor.slot] == cursor,
			"next", "traversal from freed connection %s", cursor.handle)
		at = int32(cursor.slot)
	}

	nx := p.active.after(at)
	if nx == noSlot {
		return nil
	}
	return p.slots[nx]
}

// FindByUSockID scans the registry for the connection the daemon knows as id. The invalid
// identifier never matches.
func (p *Pool) FindByUSockID(id USockID) *Conn {
	if id == InvalidUSockID {
		return nil
	}

	var conn *Conn
	for conn = p.Next(nil); conn != nil; conn = p.Next(conn) {
		if conn.USockID() == id {
			return conn
		}
	}
	return nil
}

// Lookup resolves a handle to its connection, or nil once that generation has been freed.
func (p *Pool) Lookup(h Handle) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := h.slot()
	if int(slot) >= len(p.slots) {
		return nil
	}
	conn := p.slots[slot]
	if !conn.allocated || conn.handle != h {
		return nil
	}
	return conn
}

// Handles snapshots the handles of all active connections in registry order.
func (p *Pool) Handles() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	handles := make([]Handle, 0, p.active.n)
	for at := p.active.after(noSlot); at != noSlot; at = p.active.after(at) {
		handles = append(handles, p.slots[at].handle)
	}
	return handles
}

// Len is the number of active connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active.n
}

// Cap is the number of slots created so far.
func (p *Pool) Cap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

func (p *Pool) StartMetrics() {
	p.m.start()
	p.callbacks.m.start()
}

func (p *Pool) StopMetrics() {
	p.m.stop()
	p.callbacks.m.stop()
}

func (p *Pool) Metrics() *PoolMetrics         { return p.m }
func (p *Pool) CallbackMetrics() *PoolMetrics { return p.callbacks.m }

func (p *Pool) MetricsString() string {
	return fmt.Sprintf("{\"connPool\" = %s, \"callbackPool\" = %s}",
		p.m.metricsString(), p.callbacks.m.metricsString())
}

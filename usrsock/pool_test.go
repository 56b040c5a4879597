package usrsock

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestAllocInitialState(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})

	conn, err := pool.Alloc()
	require.NoError(t, err)

	require.Equal(t, InvalidUSockID, conn.USockID())
	require.Equal(t, StateUninitialized, conn.State())
	require.Zero(t, conn.Refs())
	require.Zero(t, conn.Callbacks().Len())
	require.True(t, conn.resp.sem.TryWait(), "completion permit must start available")
	conn.resp.sem.Post()

	require.Equal(t, 1, pool.Len())
	require.Same(t, conn, pool.Next(nil))
	require.Nil(t, pool.Next(conn))

	pool.Free(conn)
	require.Zero(t, pool.Len())
	require.Nil(t, pool.Next(nil))
}

func TestFindByUSockID(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})

	a, err := pool.Alloc()
	require.NoError(t, err)
	b, err := pool.Alloc()
	require.NoError(t, err)

	a.SetUSockID(3)
	b.SetUSockID(7)

	require.Same(t, a, pool.FindByUSockID(3))
	require.Same(t, b, pool.FindByUSockID(7))
	require.Nil(t, pool.FindByUSockID(11))
	require.Nil(t, pool.FindByUSockID(InvalidUSockID))

	pool.Free(a)
	require.Nil(t, pool.FindByUSockID(3))
	require.Same(t, b, pool.FindByUSockID(7))

	pool.Free(b)
}

func TestFreeWithReferencesPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})

	conn, err := pool.Alloc()
	require.NoError(t, err)

	conn.Ref()
	require.PanicsWithError(t, "usrsock: free: "+conn.Handle().String()+" still has 1 references", func() {
		pool.Free(conn)
	})
	require.Equal(t, 1, pool.Len(), "a rejected free must leave the connection registered")

	require.Zero(t, conn.Unref())
	pool.Free(conn)
	require.Zero(t, pool.Len())

	require.Panics(t, func() { pool.Free(conn) }, "double free")
	require.Panics(t, func() { conn.Unref() }, "unref below zero")
}

func TestPoolCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{PreallocConns: 2, AllocConns: 2, MaxConns: 5})
	require.Equal(t, 2, pool.Cap())

	var conns []*Conn
	for i := 0; i < 5; i++ {
		conn, err := pool.Alloc()
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	require.Equal(t, 5, pool.Cap())

	_, err := pool.Alloc()
	require.ErrorIs(t, err, ErrPoolExhausted)

	pool.Free(conns[1])
	conn, err := pool.Alloc()
	require.NoError(t, err)
	require.Same(t, conns[1], conn, "freed slot is reused")
	require.NotEqual(t, conns[1].Handle(), Handle(0))

	for _, conn := range conns {
		pool.Free(conn)
	}

	_, _, refused := pool.Metrics().Totals()
	require.EqualValues(t, 1, refused)
}

func TestPoolWithoutGrowth(t *testing.T) {
	pool := NewPool(Config{PreallocConns: 1})

	conn, err := pool.Alloc()
	require.NoError(t, err)

	_, err = pool.Alloc()
	require.ErrorIs(t, err, ErrPoolExhausted)

	pool.Free(conn)
}

func TestLookupStaleHandle(t *testing.T) {
	pool := NewPool(Config{})

	conn, err := pool.Alloc()
	require.NoError(t, err)

	h := conn.Handle()
	require.Same(t, conn, pool.Lookup(h))
	require.Nil(t, pool.Lookup(0))
	require.Nil(t, pool.Lookup(makeHandle(99, 1)))

	pool.Free(conn)
	require.Nil(t, pool.Lookup(h))

	again, err := pool.Alloc()
	require.NoError(t, err)
	require.Same(t, conn, again)
	require.NotEqual(t, h, again.Handle())
	require.Nil(t, pool.Lookup(h), "a stale generation must not resolve to the new owner")

	pool.Free(again)
}

func TestNextFromFreedCursorPanics(t *testing.T) {
	pool := NewPool(Config{})

	a, err := pool.Alloc()
	require.NoError(t, err)
	b, err := pool.Alloc()
	require.NoError(t, err)

	require.Same(t, b, pool.Next(a))

	pool.Free(a)
	require.Panics(t, func() { pool.Next(a) })

	pool.Free(b)
}

func TestRegistryMatchesAllocations(t *testing.T) {
	defer goleak.VerifyNone(t)

	rng := rand.New(rand.NewSource(1))
	pool := NewPool(Config{PreallocConns: 4, AllocConns: 3, MaxConns: 64})

	live := make(map[Handle]*Conn)
	ids := make(map[USockID]*Conn)
	var freed []USockID
	next := USockID(0)

	for i := 0; i < 2000; i++ {
		if len(live) == 0 || (rng.Intn(3) > 0 && len(live) < 64) {
			conn, err := pool.Alloc()
			require.NoError(t, err)
			conn.SetUSockID(next)
			ids[next] = conn
			next = (next + 1) % 30000
			live[conn.Handle()] = conn
		} else {
			var victim *Conn
			n := rng.Intn(len(live))
			for _, conn := range live {
				if n == 0 {
					victim = conn
					break
				}
				n--
			}
			delete(live, victim.Handle())
			delete(ids, victim.USockID())
			freed = append(freed, victim.USockID())
			pool.Free(victim)
		}

		got := pool.Handles()
		want := make([]Handle, 0, len(live))
		for h := range live {
			want = append(want, h)
		}
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		require.Equal(t, want, got)
		require.Equal(t, len(live), pool.Len())
	}

	for id, conn := range ids {
		require.Same(t, conn, pool.FindByUSockID(id))
	}
	for _, id := range freed {
		if _, reused := ids[id]; !reused {
			require.Nil(t, pool.FindByUSockID(id))
		}
	}

	for _, conn := range live {
		pool.Free(conn)
	}
	require.Zero(t, pool.Len())
}

func TestRegistryInsertionOrder(t *testing.T) {
	pool := NewPool(Config{})

	var conns []*Conn
	for i := 0; i < 4; i++ {
		conn, err := pool.Alloc()
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	pool.Free(conns[1])

	var order []*Conn
	for conn := pool.Next(nil); conn != nil; conn = pool.Next(conn) {
		order = append(order, conn)
	}
	require.Equal(t, []*Conn{conns[0], conns[2], conns[3]}, order)

	for _, conn := range order {
		pool.Free(conn)
	}
}

func TestPoolMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	pool.StartMetrics()

	for k := 0; k < 8; k++ {
		var conns []*Conn
		for i := 0; i < 16; i++ {
			conn, err := pool.Alloc()
			require.NoError(t, err)
			conns = append(conns, conn)
		}
		for _, conn := range conns {
			pool.Free(conn)
		}
	}

	pool.StopMetrics()
	t.Logf("%s", pool.MetricsString())

	acquired, released, refused := pool.Metrics().Totals()
	require.EqualValues(t, 8*16, acquired)
	require.EqualValues(t, 8*16, released)
	require.Zero(t, refused)
}

func TestInitializeOnce(t *testing.T) {
	first := Initialize(Config{MaxConns: 2})
	second := Initialize(Config{MaxConns: 9})

	require.Same(t, first, second)
	require.Same(t, first, DefaultPool())
	require.Equal(t, 2, first.Config().MaxConns)
}

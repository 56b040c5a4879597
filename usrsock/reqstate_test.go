package usrsock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func allocConn(t *testing.T, pool *Pool) *Conn {
	t.Helper()
	conn, err := pool.Alloc()
	require.NoError(t, err)
	return conn
}

func TestExclusiveRequestsSerialize(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var first ReqState
	require.NoError(t, first.Setup(conn, nil, EventReqComplete))

	var second ReqState
	acquired := make(chan error)
	go func() {
		acquired <- second.Setup(conn, nil, EventReqComplete)
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive request proceeded while the first was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	first.Teardown()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second exclusive request never acquired the permit")
	}
	second.Teardown()
}

func TestCompletionBeforeWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var st ReqState
	require.NoError(t, st.Setup(conn, nil, EventReqComplete))
	defer st.Teardown()

	_, err := st.Result()
	require.ErrorIs(t, err, ErrNotCompleted)

	conn.SetResponse(st.Seq(), 42, false)
	require.Equal(t, EventReqComplete, conn.Dispatch(EventReqComplete))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := st.WaitForCompletion(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 42, result)
}

func TestResultBelongsToItsRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	for i := int32(0); i < 16; i++ {
		var st ReqState
		require.NoError(t, st.Setup(conn, nil, EventReqComplete))

		done := make(chan struct{})
		go func(seq uint32, result int32) {
			defer close(done)
			conn.SetResponse(seq, result, false)
			conn.Dispatch(EventReqComplete)
		}(st.Seq(), i*3)

		result, err := st.WaitForCompletion(context.Background())
		require.NoError(t, err)
		require.Equal(t, i*3, result)

		<-done
		st.Teardown()
	}
}

func TestCompleteKeepsLatestResult(t *testing.T) {
	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var st ReqState
	require.NoError(t, st.Setup(conn, nil, EventReqComplete))
	defer st.Teardown()

	st.Complete(1)
	st.Complete(2)

	result, err := st.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, result)
	require.False(t, st.recvsem.TryWait(), "completion wakes the waiter only once")
}

func TestWaiterForPermitIgnoresOtherReplies(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var a, b ReqState
	require.NoError(t, a.Setup(conn, nil, EventReqComplete))

	ready := make(chan error)
	go func() {
		ready <- b.Setup(conn, nil, EventReqComplete)
	}()

	require.Eventually(t, func() bool { return conn.Callbacks().Len() == 2 },
		time.Second, time.Millisecond)

	conn.SetResponse(a.Seq(), 1, false)
	conn.Dispatch(EventReqComplete)
	require.True(t, a.Completed())
	require.False(t, b.Completed())

	result, err := a.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, result)
	a.Teardown()

	require.NoError(t, <-ready)

	require.Equal(t, a.Seq()+1, b.Seq())
	conn.SetResponse(b.Seq(), 2, false)
	conn.Dispatch(EventReqComplete)

	result, err = b.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, result)
	b.Teardown()
}

func TestNonExclusiveRequestsOverlap(t *testing.T) {
	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var a, b ReqState
	require.NoError(t, a.Setup(conn, nil, EventRecvFromAvail))
	require.NoError(t, b.Setup(conn, nil, EventRecvFromAvail))
	require.Equal(t, 2, conn.Callbacks().Len())

	conn.Dispatch(EventAbort)
	require.False(t, a.Completed(), "abort is outside the registered mask")

	a.Teardown()
	b.Teardown()
	require.Zero(t, conn.Callbacks().Len())
}

func TestAbandonedRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var st ReqState
	require.NoError(t, st.Setup(conn, nil, EventReqComplete))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result, err := st.WaitForCompletion(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, ResultWouldBlock, result)

	st.Teardown()

	// the late reply finds nobody listening
	conn.SetResponse(st.Seq(), 7, false)
	require.Equal(t, EventReqComplete, conn.Dispatch(EventReqComplete))
	require.False(t, st.Completed())

	var next ReqState
	require.NoError(t, next.Setup(conn, nil, EventReqComplete), "teardown must release the permit")
	next.Teardown()

	require.Panics(t, func() { st.Teardown() }, "double teardown")
}

func TestLateReplyIgnoredByNextRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var abandoned ReqState
	require.NoError(t, abandoned.Setup(conn, nil, EventReqComplete))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := abandoned.WaitForCompletion(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	abandoned.Teardown()

	var next ReqState
	require.NoError(t, next.Setup(conn, nil, EventReqComplete))
	defer next.Teardown()
	require.NotEqual(t, abandoned.Seq(), next.Seq())

	conn.SetResponse(abandoned.Seq(), 999, false)
	require.Equal(t, EventReqComplete, conn.Dispatch(EventReqComplete))
	require.False(t, next.Completed(), "reply to the abandoned request completed its successor")

	conn.SetResponse(next.Seq(), 3, false)
	conn.Dispatch(EventReqComplete)

	result, err := next.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, result)
}

func TestLateDataIsNotStaged(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	buf := []byte("....")

	var abandoned DataReqState
	require.NoError(t, abandoned.Setup(conn, nil, EventReqComplete))
	conn.SetupDataIn([][]byte{buf})
	abandoned.Teardown()

	_, err := conn.WriteDataIn(abandoned.Seq(), []byte("XXXX"))
	require.ErrorIs(t, err, ErrStaleReply)
	require.Equal(t, "....", string(buf))
	require.Zero(t, conn.DataIn().Total())

	other := make([]byte, 4)

	var next DataReqState
	require.NoError(t, next.Setup(conn, nil, EventReqComplete))
	defer next.Teardown()
	conn.SetupDataIn([][]byte{other})

	_, err = conn.WriteDataIn(abandoned.Seq(), []byte("XXXX"))
	require.ErrorIs(t, err, ErrStaleReply)
	require.Equal(t, make([]byte, 4), other)

	n, err := conn.WriteDataIn(next.Seq(), []byte("data"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "data", string(other))
}

func TestAbortCompletesRequest(t *testing.T) {
	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var st ReqState
	require.NoError(t, st.Setup(conn, nil, EventReqComplete|EventAbort))
	defer st.Teardown()

	conn.Dispatch(EventAbort)

	result, err := st.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, ErrnoResult(unix.ECONNABORTED), result)
	require.ErrorIs(t, ResultError(result), unix.ECONNABORTED)
}

func TestSetupWithoutCallbacks(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{MaxCallbacks: 1})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var a, b ReqState
	require.NoError(t, a.Setup(conn, nil, EventReqComplete))

	err := b.Setup(conn, nil, EventReqComplete)
	require.ErrorIs(t, err, ErrNoCallbacks)
	require.True(t, errors.Is(err, unix.EBUSY))

	a.Teardown()

	require.NoError(t, b.Setup(conn, nil, EventReqComplete), "failed setup must not hold the permit")
	b.Teardown()

	_, _, refused := pool.CallbackMetrics().Totals()
	require.EqualValues(t, 1, refused)
}

func TestCustomHandler(t *testing.T) {
	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var st ReqState
	handler := EventHandlerFunc(func(conn *Conn, flags EventFlags) EventFlags {
		if flags&EventSendToReady != 0 {
			st.Complete(5)
		}
		return flags &^ EventSendToReady
	})
	require.NoError(t, st.Setup(conn, handler, EventReqComplete|EventSendToReady))
	defer st.Teardown()

	conn.Dispatch(EventReqComplete)
	require.False(t, st.Completed())

	require.Equal(t, EventRecvFromAvail, conn.Dispatch(EventSendToReady|EventRecvFromAvail))

	result, err := st.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 5, result)
}

func TestDataRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewPool(Config{})
	conn := allocConn(t, pool)
	defer pool.Free(conn)

	var st DataReqState
	require.NoError(t, st.Setup(conn, nil, EventReqComplete))

	buf := make([]byte, 8)
	conn.SetupDataIn([][]byte{buf})

	n, err := conn.WriteDataIn(st.Seq(), []byte("payload"))
	require.NoError(t, err)
	conn.SetValue([]byte("10.0.0.1:80"), 20)
	conn.SetResponse(st.Seq(), int32(n), false)
	conn.Dispatch(EventReqComplete)

	result, err := st.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, result)
	require.Equal(t, "payload", string(buf[:result]))

	value, nontrunc := st.Value()
	require.Equal(t, "10.0.0.1:80", string(value))
	require.EqualValues(t, 20, nontrunc)
	st.Teardown()

	var again DataReqState
	again.value = []byte("stale")
	again.valuelen = 5
	require.NoError(t, again.Setup(conn, nil, EventReqComplete))
	value, nontrunc = again.Value()
	require.Empty(t, value)
	require.Zero(t, nontrunc)
	again.Teardown()
}

package usrsock_rpc

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/TheSmallBoat/usrsock/usrsock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// request is the part of ReqState and DataReqState a round trip drives.
type request interface {
	Setup(conn *usrsock.Conn, handler usrsock.EventHandler, flags usrsock.EventFlags) error
	WaitForCompletion(ctx context.Context) (int32, error)
	Teardown()
}

const replyFlags = usrsock.EventReqComplete | usrsock.EventAbort

// Stack is the socket interface on top of a daemon device. Descriptors returned by Socket and Dup
// hold references on their connection; the connection is closed at the daemon and returned to the
// pool when the last one is closed.
type Stack struct {
	dev *Device

	mu     sync.Mutex
	fds    map[int]*usrsock.Conn
	nextFD int
}

func NewStack(dev *Device) *Stack {
	return &Stack{dev: dev, fds: make(map[int]*usrsock.Conn)}
}

func (s *Stack) install(conn *usrsock.Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn.Ref()
	fd := s.nextFD
	s.nextFD++
	s.fds[fd] = conn
	return fd
}

// acquire resolves fd and holds a reference on its connection until put, so a concurrent Close
// of fd cannot free the connection under the operation.
func (s *Stack) acquire(fd int) (*usrsock.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.fds[fd]
	if !ok {
		return nil, ErrBadDescriptor
	}
	conn.Ref()
	return conn, nil
}

// put drops a reference taken by acquire. The last one out closes the connection.
func (s *Stack) put(conn *usrsock.Conn) {
	s.mu.Lock()
	refs := conn.Unref()
	s.mu.Unlock()

	if refs > 0 {
		return
	}
	if err := s.release(context.Background(), conn); err != nil {
		usrsock.Logger().Warn("Failed to close daemon socket",
			zap.Stringer("conn", conn), zap.Error(err))
	}
}

// roundTrip sends one request on conn and waits for the reply. stage runs once the request is set
// up and before it is sent.
func (s *Stack) roundTrip(ctx context.Context, st request, conn *usrsock.Conn, handler usrsock.EventHandler,
	flags usrsock.EventFlags, op OpCode, req Request, stage func()) (int32, error) {
	if err := st.Setup(conn, handler, flags); err != nil {
		return 0, err
	}
	defer st.Teardown()

	if conn.State() == usrsock.StateAborted && op != OpCodeClose {
		return 0, usrsock.ResultError(usrsock.ErrnoResult(unix.ECONNABORTED))
	}
	if stage != nil {
		stage()
	}
	if err := s.dev.Send(conn, op, req); err != nil {
		return 0, err
	}
	return st.WaitForCompletion(ctx)
}

func (s *Stack) call(ctx context.Context, conn *usrsock.Conn, op OpCode, req Request) error {
	var st usrsock.ReqState
	result, err := s.roundTrip(ctx, &st, conn, nil, replyFlags, op, req, nil)
	if err != nil {
		return err
	}
	return usrsock.ResultError(result)
}

// Socket opens a socket at the daemon and returns its descriptor.
func (s *Stack) Socket(ctx context.Context, domain, typ, protocol int16) (int, error) {
	conn, err := s.dev.pool().Alloc()
	if err != nil {
		return -1, err
	}

	var st usrsock.ReqState
	handler := usrsock.EventHandlerFunc(func(conn *usrsock.Conn, flags usrsock.EventFlags) usrsock.EventFlags {
		if flags&usrsock.EventAbort != 0 {
			st.Complete(usrsock.ErrnoResult(unix.ECONNABORTED))
			return flags
		}
		if flags&usrsock.EventReqComplete != 0 {
			resp := conn.Response()
			if resp.Result >= 0 {
				conn.SetUSockID(usrsock.USockID(resp.Result))
				conn.SetState(usrsock.StateOpened)
			}
			st.Complete(resp.Result)
		}
		return flags
	})

	result, err := s.roundTrip(ctx, &st, conn, handler, replyFlags, OpCodeSocket,
		SocketRequest{Domain: domain, Type: typ, Protocol: protocol}, nil)
	if err == nil {
		err = usrsock.ResultError(result)
	}
	if err != nil {
		if conn.USockID() != usrsock.InvalidUSockID {
			usrsock.Logger().Warn("Abandoned daemon socket",
				zap.Int16("usockid", int16(conn.USockID())), zap.Error(err))
		}
		s.dev.free(conn)
		return -1, err
	}
	return s.install(conn), nil
}

func (s *Stack) Bind(ctx context.Context, fd int, addr string) error {
	conn, err := s.acquire(fd)
	if err != nil {
		return err
	}
	defer s.put(conn)
	return s.call(ctx, conn, OpCodeBind, AddrRequest{Addr: addr})
}

func (s *Stack) Listen(ctx context.Context, fd int, backlog int16) error {
	conn, err := s.acquire(fd)
	if err != nil {
		return err
	}
	defer s.put(conn)
	return s.call(ctx, conn, OpCodeListen, ListenRequest{Backlog: backlog})
}

// Connect connects fd to addr. When the daemon acks the request as in progress the call keeps
// waiting until the socket becomes writable, or fails when the daemon aborts it or the peer goes
// away.
func (s *Stack) Connect(ctx context.Context, fd int, addr string) error {
	conn, err := s.acquire(fd)
	if err != nil {
		return err
	}
	defer s.put(conn)
	if conn.State() == usrsock.StateConnected {
		return usrsock.ResultError(usrsock.ErrnoResult(unix.EISCONN))
	}

	var st usrsock.ReqState
	handler := usrsock.EventHandlerFunc(func(conn *usrsock.Conn, flags usrsock.EventFlags) usrsock.EventFlags {
		switch {
		case flags&usrsock.EventAbort != 0:
			st.Complete(usrsock.ErrnoResult(unix.ECONNABORTED))
		case flags&usrsock.EventReqComplete != 0:
			resp := conn.Response()
			if resp.InProgress {
				conn.SetState(usrsock.StateConnecting)
				break
			}
			if resp.Result >= 0 {
				conn.SetState(usrsock.StateConnected)
			}
			st.Complete(resp.Result)
		case conn.State() != usrsock.StateConnecting:
			// not acked yet
		case flags&usrsock.EventRemoteClosed != 0:
			conn.SetState(usrsock.StateOpened)
			st.Complete(usrsock.ErrnoResult(unix.ECONNREFUSED))
		case flags&usrsock.EventSendToReady != 0:
			conn.SetState(usrsock.StateConnected)
			st.Complete(0)
		}
		return flags
	})

	flags := replyFlags | usrsock.EventSendToReady | usrsock.EventRemoteClosed
	result, err := s.roundTrip(ctx, &st, conn, handler, flags, OpCodeConnect, AddrRequest{Addr: addr}, nil)
	if err != nil {
		return err
	}
	return usrsock.ResultError(result)
}

// SendTo sends data to addr, or to the connected peer when addr is empty, and returns the number
// of bytes the daemon accepted.
func (s *Stack) SendTo(ctx context.Context, fd int, data []byte, addr string) (int, error) {
	conn, err := s.acquire(fd)
	if err != nil {
		return 0, err
	}
	defer s.put(conn)
	if len(data) > MaxPayload {
		return 0, usrsock.ResultError(usrsock.ErrnoResult(unix.EMSGSIZE))
	}

	var st usrsock.ReqState
	result, err := s.roundTrip(ctx, &st, conn, nil, replyFlags, OpCodeSendTo,
		SendToRequest{Addr: addr, Data: data}, nil)
	if err != nil {
		return 0, err
	}
	if err := usrsock.ResultError(result); err != nil {
		return 0, err
	}
	return int(result), nil
}

// RecvFrom receives into buf and returns the byte count and the sender's address. Data beyond
// len(buf) is dropped by the daemon; an empty queue fails with EAGAIN.
func (s *Stack) RecvFrom(ctx context.Context, fd int, buf []byte) (int, string, error) {
	conn, err := s.acquire(fd)
	if err != nil {
		return 0, "", err
	}
	defer s.put(conn)

	maxBufLen := len(buf)
	if maxBufLen > MaxPayload {
		maxBufLen = MaxPayload
	}

	var st usrsock.DataReqState
	stage := func() {
		conn.ClearEvents(usrsock.EventRecvFromAvail)
		conn.SetupDataIn([][]byte{buf[:maxBufLen]})
	}
	req := RecvFromRequest{MaxBufLen: uint16(maxBufLen), MaxAddrLen: MaxAddrLen}

	result, err := s.roundTrip(ctx, &st, conn, nil, replyFlags, OpCodeRecvFrom, req, stage)
	if err != nil {
		return 0, "", err
	}
	if err := usrsock.ResultError(result); err != nil {
		return 0, "", err
	}

	from, _ := st.Value()
	return int(result), string(from), nil
}

// Events returns the unsolicited events pending on fd.
func (s *Stack) Events(fd int) (usrsock.EventFlags, error) {
	conn, err := s.acquire(fd)
	if err != nil {
		return 0, err
	}
	defer s.put(conn)
	return conn.Events(), nil
}

// Dup returns a new descriptor for the connection behind fd.
func (s *Stack) Dup(fd int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.fds[fd]
	if !ok {
		return -1, ErrBadDescriptor
	}
	conn.Ref()
	dup := s.nextFD
	s.nextFD++
	s.fds[dup] = conn
	return dup, nil
}

// Close releases fd. Closing the last reference to a connection closes the daemon socket and frees
// the connection even when the daemon reports an error. Operations still running on fd hold their
// own references; the last of them to finish closes the connection instead.
func (s *Stack) Close(ctx context.Context, fd int) error {
	s.mu.Lock()
	conn, ok := s.fds[fd]
	if !ok {
		s.mu.Unlock()
		return ErrBadDescriptor
	}
	delete(s.fds, fd)
	refs := conn.Unref()
	s.mu.Unlock()

	if refs > 0 {
		return nil
	}
	return s.release(ctx, conn)
}

func (s *Stack) release(ctx context.Context, conn *usrsock.Conn) error {
	defer s.dev.free(conn)

	if conn.USockID() == usrsock.InvalidUSockID || conn.State() == usrsock.StateAborted {
		return nil
	}
	conn.SetState(usrsock.StateClosing)

	err := s.call(ctx, conn, OpCodeClose, nil)
	if errors.Is(err, unix.ECONNABORTED) || errors.Is(err, ErrDeviceClosed) {
		return nil
	}
	return err
}

// Len is the number of open descriptors.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fds)
}

// Shutdown closes every open descriptor and reports all failures.
func (s *Stack) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	fds := make([]int, 0, len(s.fds))
	for fd := range s.fds {
		fds = append(fds, fd)
	}
	s.mu.Unlock()

	sort.Ints(fds)

	var errs error
	for _, fd := range fds {
		errs = multierr.Append(errs, s.Close(ctx, fd))
	}
	return errs
}

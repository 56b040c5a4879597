package usrsock_rpc

import (
	"sync"

	"github.com/TheSmallBoat/usrsock/usrsock"
	"golang.org/x/sys/unix"
)

// Loopback is a DaemonHandler whose sockets deliver every datagram back to themselves.
type Loopback struct {
	// ConnectInProgress makes connects complete asynchronously with a writable event.
	ConnectInProgress bool

	mu      sync.Mutex
	next    usrsock.USockID
	sockets map[usrsock.USockID]*loopSocket
}

type loopSocket struct {
	local string
	peer  string
	queue []datagram
}

type datagram struct {
	from string
	data []byte
}

func (l *Loopback) socket(id usrsock.USockID) *loopSocket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sockets[id]
}

// Sockets is the number of open sockets.
func (l *Loopback) Sockets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sockets)
}

func (l *Loopback) HandleRequest(conn *DaemonConn, hdr RequestHeader, payload []byte) error {
	fail := func(errno unix.Errno) error {
		return conn.Ack(hdr.Xid, usrsock.ErrnoResult(errno), false)
	}

	if hdr.Op == OpCodeSocket {
		if _, err := UnmarshalSocketRequest(payload); err != nil {
			return fail(unix.EINVAL)
		}

		l.mu.Lock()
		if l.sockets == nil {
			l.sockets = make(map[usrsock.USockID]*loopSocket)
		}
		id := l.next
		l.next++
		l.sockets[id] = &loopSocket{}
		l.mu.Unlock()

		return conn.Ack(hdr.Xid, int32(id), false)
	}

	sock := l.socket(hdr.USockID)
	if sock == nil {
		return fail(unix.EBADF)
	}

	switch hdr.Op {
	case OpCodeClose:
		l.mu.Lock()
		delete(l.sockets, hdr.USockID)
		l.mu.Unlock()
		return conn.Ack(hdr.Xid, 0, false)
	case OpCodeBind:
		req, err := UnmarshalAddrRequest(payload)
		if err != nil {
			return fail(unix.EINVAL)
		}
		l.mu.Lock()
		sock.local = req.Addr
		l.mu.Unlock()
		return conn.Ack(hdr.Xid, 0, false)
	case OpCodeListen:
		if _, err := UnmarshalListenRequest(payload); err != nil {
			return fail(unix.EINVAL)
		}
		return conn.Ack(hdr.Xid, 0, false)
	case OpCodeConnect:
		req, err := UnmarshalAddrRequest(payload)
		if err != nil {
			return fail(unix.EINVAL)
		}
		l.mu.Lock()
		sock.peer = req.Addr
		l.mu.Unlock()
		if !l.ConnectInProgress {
			return conn.Ack(hdr.Xid, 0, false)
		}
		if err := conn.Ack(hdr.Xid, usrsock.ErrnoResult(unix.EINPROGRESS), true); err != nil {
			return err
		}
		return conn.Event(hdr.USockID, usrsock.EventSendToReady)
	case OpCodeSendTo:
		req, err := UnmarshalSendToRequest(payload)
		if err != nil {
			return fail(unix.EINVAL)
		}
		l.mu.Lock()
		if req.Addr == "" && sock.peer == "" {
			l.mu.Unlock()
			return fail(unix.EDESTADDRREQ)
		}
		from := sock.local
		if from == "" {
			from = "loopback"
		}
		sock.queue = append(sock.queue, datagram{from: from, data: append([]byte(nil), req.Data...)})
		l.mu.Unlock()

		if err := conn.Ack(hdr.Xid, int32(len(req.Data)), false); err != nil {
			return err
		}
		return conn.Event(hdr.USockID, usrsock.EventRecvFromAvail)
	case OpCodeRecvFrom:
		req, err := UnmarshalRecvFromRequest(payload)
		if err != nil {
			return fail(unix.EINVAL)
		}
		l.mu.Lock()
		if len(sock.queue) == 0 {
			l.mu.Unlock()
			return conn.DataAck(hdr.Xid, usrsock.ErrnoResult(unix.EAGAIN), nil, 0, nil)
		}
		dgram := sock.queue[0]
		sock.queue = sock.queue[1:]
		l.mu.Unlock()

		data := dgram.data
		if len(data) > int(req.MaxBufLen) {
			data = data[:req.MaxBufLen]
		}
		value := []byte(dgram.from)
		if len(value) > int(req.MaxAddrLen) {
			value = value[:req.MaxAddrLen]
		}
		return conn.DataAck(hdr.Xid, int32(len(data)), value, uint16(len(dgram.from)), data)
	default:
		return fail(unix.EOPNOTSUPP)
	}
}

package usrsock_rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/TheSmallBoat/usrsock/usrsock"
	"github.com/jpillora/backoff"
	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

const (
	DefaultNetwork          = "tcp"
	DefaultDialTimeout      = 3 * time.Second
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultDialAttempts     = 8
)

// Device is the channel between the connection pool and the usrsock daemon. Requests are written
// by the goroutines issuing them; replies and events are delivered by a single reader goroutine.
type Device struct {
	Network          string
	Addr             string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	DialAttempts     int

	// Dial overrides how the daemon is reached.
	Dial func(ctx context.Context) (net.Conn, error)

	Pool *usrsock.Pool

	// netMu orders reply delivery and registry scans against connection frees.
	netMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn
	closing bool
	version *semver.Version
	wg      sync.WaitGroup
}

func (d *Device) pool() *usrsock.Pool {
	if d.Pool == nil {
		return usrsock.DefaultPool()
	}
	return d.Pool
}

// Open reaches the daemon, retrying with backoff, and checks that it speaks a compatible protocol
// before reply delivery starts.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	open := d.conn != nil
	d.mu.Unlock()
	if open {
		return ErrDeviceOpen
	}

	conn, err := d.dialWithBackoff(ctx)
	if err != nil {
		return err
	}

	version, err := d.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		conn.Close()
		return ErrDeviceOpen
	}
	d.conn = conn
	d.closing = false
	d.version = version
	d.wg.Add(1)
	d.mu.Unlock()

	go d.readLoop(conn)

	usrsock.Logger().Info("Connected to usrsock daemon",
		zap.String("addr", conn.RemoteAddr().String()),
		zap.Stringer("version", version),
	)
	return nil
}

func (d *Device) dial(ctx context.Context) (net.Conn, error) {
	if d.Dial != nil {
		return d.Dial(ctx)
	}

	network := d.Network
	if network == "" {
		network = DefaultNetwork
	}
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, network, d.Addr)
}

func (d *Device) dialWithBackoff(ctx context.Context) (net.Conn, error) {
	attempts := d.DialAttempts
	if attempts <= 0 {
		attempts = DefaultDialAttempts
	}

	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    50 * time.Millisecond,
		Max:    1 * time.Second,
	}

	var err error
	for i := 0; i < attempts; i++ {
		var conn net.Conn
		conn, err = d.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if i == attempts-1 {
			break
		}

		duration := b.Duration()
		usrsock.Logger().Warn("Trying to reach usrsock daemon...",
			zap.String("addr", d.Addr),
			zap.Duration("retry_in", duration),
			zap.Error(err),
		)

		timer := time.NewTimer(duration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("usrsock: tried %d time(s) to reach daemon at '%s': %w", attempts, d.Addr, err)
}

func (d *Device) handshake(conn net.Conn) (*semver.Version, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	hello := HelloPacket{Version: ProtocolVersion}.AppendTo([]byte{MsgHello})
	if _, err := conn.Write(AppendFrame(nil, hello)); err != nil {
		return nil, fmt.Errorf("usrsock: failed to greet daemon: %w", err)
	}

	body, err := ReadFrame(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("usrsock: failed to read daemon greeting: %w", err)
	}
	if len(body) < 1 || body[0] != MsgHello {
		return nil, fmt.Errorf("%w: daemon did not greet", ErrIncompatibleDaemon)
	}

	pkt, err := UnmarshalHelloPacket(body[1:])
	if err != nil {
		return nil, err
	}

	version, err := semver.NewVersion(pkt.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: bad version %q: %v", ErrIncompatibleDaemon, pkt.Version, err)
	}
	constraint, err := semver.NewConstraint(ProtocolConstraint)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(version) {
		return nil, fmt.Errorf("%w: daemon speaks %s, want %s", ErrIncompatibleDaemon, version, ProtocolConstraint)
	}
	return version, nil
}

// Version is the protocol version the daemon announced, or nil before Open.
func (d *Device) Version() *semver.Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// Send writes one request for conn on behalf of the request set up on it. The connection's handle
// and the request's sequence number form the transaction id the daemon echoes back.
func (d *Device) Send(conn *usrsock.Conn, op OpCode, req Request) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	b := append(buf.B[:0], 0, 0, 0, 0)
	xid := Xid{Handle: conn.Handle(), Seq: conn.RequestSeq()}
	b = RequestHeader{Op: op, Xid: xid, USockID: conn.USockID()}.AppendTo(b)
	if req != nil {
		b = req.AppendTo(b)
	}
	buf.B = b

	if len(b)-4 > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b)-4)
	}
	appendFrameSize(b[:0], len(b)-4)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return ErrDeviceClosed
	}
	if _, err := d.conn.Write(b); err != nil {
		return fmt.Errorf("usrsock: failed to send request to daemon: %w", err)
	}
	return nil
}

// appendFrameSize overwrites the length prefix reserved at the start of a frame.
func appendFrameSize(dst []byte, size int) []byte {
	return bytesutil.AppendUint32BE(dst, uint32(size))
}

func (d *Device) readLoop(conn net.Conn) {
	defer d.wg.Done()

	r := bufio.NewReader(conn)

	var (
		buf []byte
		err error
	)
	for {
		buf, err = ReadFrame(r, buf)
		if err != nil {
			break
		}
		if err := d.handleMessage(buf); err != nil {
			usrsock.Logger().Warn("Dropped malformed daemon message", zap.Error(err))
		}
	}

	d.mu.Lock()
	closing := d.closing
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()

	conn.Close()

	if !closing && err != io.EOF {
		usrsock.Logger().Warn("usrsock daemon connection lost", zap.Error(err))
	} else if !closing {
		usrsock.Logger().Warn("usrsock daemon has disconnected")
	}

	d.abortAll()
}

func (d *Device) handleMessage(body []byte) error {
	if len(body) < 1 {
		return io.ErrUnexpectedEOF
	}
	msg, body := body[0], body[1:]

	d.netMu.Lock()
	defer d.netMu.Unlock()

	pool := d.pool()

	switch msg {
	case MsgAck:
		pkt, err := UnmarshalAckPacket(body)
		if err != nil {
			return err
		}
		conn := d.lookup(pool, pkt.Xid)
		if conn == nil {
			return nil
		}
		conn.SetResponse(pkt.Xid.Seq, pkt.Result, pkt.Flags&FlagReqInProgress != 0)
		conn.Dispatch(usrsock.EventReqComplete)
	case MsgDataAck:
		pkt, err := UnmarshalDataAckPacket(body)
		if err != nil {
			return err
		}
		conn := d.lookup(pool, pkt.Xid)
		if conn == nil {
			return nil
		}
		result := pkt.Result
		if len(pkt.Data) > 0 {
			n, err := conn.WriteDataIn(pkt.Xid.Seq, pkt.Data)
			switch {
			case errors.Is(err, usrsock.ErrStaleReply):
				usrsock.Logger().Debug("Dropped data ack for abandoned request",
					zap.Stringer("conn", conn), zap.Uint32("seq", pkt.Xid.Seq))
				return nil
			case err != nil:
				usrsock.Logger().Debug("Truncated data ack",
					zap.Stringer("conn", conn),
					zap.Int("size", len(pkt.Data)),
					zap.Int("staged", n),
				)
				result = int32(n)
			}
		}
		conn.SetValue(pkt.Value, pkt.ValueLenNontrunc)
		conn.SetResponse(pkt.Xid.Seq, result, pkt.Flags&FlagReqInProgress != 0)
		conn.Dispatch(usrsock.EventReqComplete)
	case MsgEvent:
		pkt, err := UnmarshalEventPacket(body)
		if err != nil {
			return err
		}
		conn := pool.FindByUSockID(pkt.USockID)
		if conn == nil {
			usrsock.Logger().Debug("Dropped event for unknown socket", zap.Int16("usockid", int16(pkt.USockID)))
			return nil
		}
		flags := pkt.Events & usrsock.EventPollMask
		if flags&usrsock.EventAbort != 0 {
			conn.SetState(usrsock.StateAborted)
		}
		conn.AddEvents(flags)
		conn.Dispatch(flags)
	default:
		return fmt.Errorf("unknown message id %d", msg)
	}
	return nil
}

// lookup resolves the connection an ack is for. Acks for freed connections and for requests
// other than the newest one on the connection are dropped.
func (d *Device) lookup(pool *usrsock.Pool, xid Xid) *usrsock.Conn {
	conn := pool.Lookup(xid.Handle)
	if conn == nil {
		usrsock.Logger().Debug("Dropped ack for released connection", zap.Stringer("handle", xid.Handle))
		return nil
	}
	if xid.Seq != conn.RequestSeq() {
		usrsock.Logger().Debug("Dropped ack for abandoned request",
			zap.Stringer("conn", conn), zap.Uint32("seq", xid.Seq))
		return nil
	}
	return conn
}

// abortAll fails every outstanding request once the daemon is gone.
func (d *Device) abortAll() {
	d.netMu.Lock()
	defer d.netMu.Unlock()

	pool := d.pool()
	for conn := pool.Next(nil); conn != nil; conn = pool.Next(conn) {
		conn.SetState(usrsock.StateAborted)
		conn.AddEvents(usrsock.EventAbort)
		conn.Dispatch(usrsock.EventAbort)
	}
}

// free returns conn to the pool without racing reply delivery.
func (d *Device) free(conn *usrsock.Conn) {
	d.netMu.Lock()
	defer d.netMu.Unlock()
	d.pool().Free(conn)
}

// Close drops the daemon channel and waits for reply delivery to stop. Outstanding requests
// complete with ECONNABORTED.
func (d *Device) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.closing = true
	d.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	d.wg.Wait()
	return err
}

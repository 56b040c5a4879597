package usrsock_rpc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/TheSmallBoat/usrsock/usrsock"
	"go.uber.org/zap"
)

// DaemonHandler serves the requests of one device. Calls for a device are made in request order
// from a single goroutine; payload is only valid for the duration of the call.
type DaemonHandler interface {
	HandleRequest(conn *DaemonConn, hdr RequestHeader, payload []byte) error
}

type DaemonHandlerFunc func(conn *DaemonConn, hdr RequestHeader, payload []byte) error

func (fn DaemonHandlerFunc) HandleRequest(conn *DaemonConn, hdr RequestHeader, payload []byte) error {
	return fn(conn, hdr, payload)
}

// Daemon is the user-space end of the device channel. It is what the usrsock daemon speaks, and
// backs tests and the loopback example.
type Daemon struct {
	Version string
	Handler DaemonHandler

	once     sync.Once
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[*DaemonConn]struct{}
}

func (d *Daemon) init() {
	d.once.Do(func() {
		d.shutdown = make(chan struct{})
		d.conns = make(map[*DaemonConn]struct{})
	})
}

func (d *Daemon) closed() bool {
	select {
	case <-d.shutdown:
		return true
	default:
		return false
	}
}

// Serve accepts devices on ln until it is closed. It returns nil if the daemon was shut down.
func (d *Daemon) Serve(ln net.Listener) error {
	d.init()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.closed() {
				return nil
			}
			return err
		}

		dc := &DaemonConn{conn: conn}

		d.mu.Lock()
		if d.closed() {
			d.mu.Unlock()
			conn.Close()
			continue
		}
		d.conns[dc] = struct{}{}
		d.wg.Add(1)
		d.mu.Unlock()

		go func() {
			defer d.wg.Done()
			defer func() {
				d.mu.Lock()
				delete(d.conns, dc)
				d.mu.Unlock()
			}()

			if err := d.serveConn(dc); err != nil && !d.closed() {
				usrsock.Logger().Debug("usrsock device dropped", zap.Error(err))
			}
		}()
	}
}

func (d *Daemon) serveConn(dc *DaemonConn) error {
	defer dc.Close()

	r := bufio.NewReader(dc.conn)

	body, err := ReadFrame(r, nil)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != MsgHello {
		return fmt.Errorf("%w: device did not greet", ErrIncompatibleDaemon)
	}

	version := d.Version
	if version == "" {
		version = ProtocolVersion
	}
	if err := dc.write(MsgHello, HelloPacket{Version: version}); err != nil {
		return err
	}

	handler := d.Handler
	if handler == nil {
		handler = &Loopback{}
	}

	for {
		body, err = ReadFrame(r, body)
		if err != nil {
			return err
		}

		hdr, payload, err := UnmarshalRequestHeader(body)
		if err != nil {
			return err
		}
		if err := handler.HandleRequest(dc, hdr, payload); err != nil {
			return err
		}
	}
}

// Shutdown drops every device and waits for their handlers to return. Listeners passed to Serve
// must be closed by the caller.
func (d *Daemon) Shutdown() {
	d.init()

	d.mu.Lock()
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
	for dc := range d.conns {
		dc.Close()
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// DaemonConn is one device as seen by the daemon.
type DaemonConn struct {
	conn net.Conn

	mu  sync.Mutex
	buf []byte
}

func (c *DaemonConn) write(msg MsgID, pkt Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf[:0], 0, 0, 0, 0, msg)
	c.buf = pkt.AppendTo(c.buf)
	appendFrameSize(c.buf[:0], len(c.buf)-4)

	_, err := c.conn.Write(c.buf)
	return err
}

func (c *DaemonConn) Ack(xid Xid, result int32, inprogress bool) error {
	pkt := AckPacket{Xid: xid, Result: result}
	if inprogress {
		pkt.Flags |= FlagReqInProgress
	}
	return c.write(MsgAck, pkt)
}

// DataAck replies with a value and, when result is positive, the first result bytes of data.
func (c *DaemonConn) DataAck(xid Xid, result int32, value []byte, nontrunc uint16, data []byte) error {
	if result > 0 && int(result) > len(data) {
		return errors.New("usrsock: data ack result exceeds data")
	}
	return c.write(MsgDataAck, DataAckPacket{
		AckPacket:        AckPacket{Xid: xid, Result: result},
		ValueLenNontrunc: nontrunc,
		Value:            value,
		Data:             data,
	})
}

func (c *DaemonConn) Event(id usrsock.USockID, events usrsock.EventFlags) error {
	return c.write(MsgEvent, EventPacket{USockID: id, Events: events})
}

func (c *DaemonConn) Close() error { return c.conn.Close() }

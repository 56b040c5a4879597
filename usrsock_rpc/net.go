package usrsock_rpc

import (
	"errors"
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
	"golang.org/x/sys/unix"
)

const (
	ProtocolVersion    = "1.1.0"
	ProtocolConstraint = "^1.0.0"

	MaxFrameSize = 1 << 17
	MaxPayload   = 1<<16 - 1
	MaxAddrLen   = 1<<8 - 1
)

type OpCode = uint8

const (
	OpCodeSocket OpCode = iota
	OpCodeClose
	OpCodeConnect
	OpCodeSendTo
	OpCodeRecvFrom
	OpCodeBind
	OpCodeListen
)

// MsgID tags messages flowing from the daemon.
type MsgID = uint8

const (
	MsgAck MsgID = iota
	MsgDataAck
	MsgEvent
	MsgHello
)

// FlagReqInProgress marks an ack for a request the daemon is still working on.
const FlagReqInProgress uint8 = 1 << 0

var (
	ErrDeviceClosed       = fmt.Errorf("usrsock: daemon device is not open: %w", unix.ENETDOWN)
	ErrDeviceOpen         = errors.New("usrsock: daemon device already open")
	ErrIncompatibleDaemon = errors.New("usrsock: incompatible daemon protocol version")
	ErrBadDescriptor      = fmt.Errorf("usrsock: bad socket descriptor: %w", unix.EBADF)
	ErrFrameTooLarge      = errors.New("usrsock: frame exceeds maximum size")
)

// AppendFrame appends body prefixed with its big-endian length.
func AppendFrame(dst []byte, body []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(body)))
	return append(dst, body...)
}

// ReadFrame reads one length-prefixed frame, reusing buf when it is large enough.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	size := bytesutil.Uint32BE(head[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	if uint32(cap(buf)) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func appendUint64BE(dst []byte, v uint64) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(v>>32))
	return bytesutil.AppendUint32BE(dst, uint32(v))
}

func uint64BE(b []byte) uint64 {
	return uint64(bytesutil.Uint32BE(b[:4]))<<32 | uint64(bytesutil.Uint32BE(b[4:8]))
}

func appendAddr(dst []byte, addr string) []byte {
	if len(addr) > MaxAddrLen {
		addr = addr[:MaxAddrLen]
	}
	dst = append(dst, uint8(len(addr)))
	return append(dst, addr...)
}

func unmarshalAddr(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", buf, io.ErrUnexpectedEOF
	}
	var size uint8
	size, buf = buf[0], buf[1:]
	if len(buf) < int(size) {
		return "", buf, io.ErrUnexpectedEOF
	}
	return string(buf[:size]), buf[size:], nil
}

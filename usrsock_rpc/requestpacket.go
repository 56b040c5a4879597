package usrsock_rpc

import (
	"io"

	"github.com/TheSmallBoat/usrsock/usrsock"
	"github.com/lithdew/bytesutil"
)

// Request is the op-specific part of a request frame.
type Request interface {
	AppendTo(dst []byte) []byte
}

// Xid identifies one request: the connection it was issued on and its sequence number there. The
// daemon echoes it in the ack.
type Xid struct {
	Handle usrsock.Handle
	Seq    uint32
}

const xidSize = 8 + 4

func (x Xid) AppendTo(dst []byte) []byte {
	dst = appendUint64BE(dst, uint64(x.Handle))
	return bytesutil.AppendUint32BE(dst, x.Seq)
}

func unmarshalXid(buf []byte) Xid {
	return Xid{Handle: usrsock.Handle(uint64BE(buf[:8])), Seq: bytesutil.Uint32BE(buf[8:xidSize])}
}

type RequestHeader struct {
	Op      OpCode
	Xid     Xid
	USockID usrsock.USockID // daemon socket, invalid for OpCodeSocket
}

func (h RequestHeader) AppendTo(dst []byte) []byte {
	dst = append(dst, h.Op)
	dst = h.Xid.AppendTo(dst)
	dst = bytesutil.AppendUint16BE(dst, uint16(h.USockID))
	return dst
}

// UnmarshalRequestHeader decodes a header and returns the op payload that follows it.
func UnmarshalRequestHeader(buf []byte) (RequestHeader, []byte, error) {
	var h RequestHeader
	if len(buf) < 1+xidSize+2 {
		return h, buf, io.ErrUnexpectedEOF
	}
	h.Op, buf = buf[0], buf[1:]
	h.Xid, buf = unmarshalXid(buf), buf[xidSize:]
	h.USockID, buf = usrsock.USockID(int16(bytesutil.Uint16BE(buf[:2]))), buf[2:]
	return h, buf, nil
}

type SocketRequest struct {
	Domain   int16
	Type     int16
	Protocol int16
}

func (p SocketRequest) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint16BE(dst, uint16(p.Domain))
	dst = bytesutil.AppendUint16BE(dst, uint16(p.Type))
	dst = bytesutil.AppendUint16BE(dst, uint16(p.Protocol))
	return dst
}

func UnmarshalSocketRequest(buf []byte) (SocketRequest, error) {
	var p SocketRequest
	if len(buf) < 6 {
		return p, io.ErrUnexpectedEOF
	}
	p.Domain = int16(bytesutil.Uint16BE(buf[0:2]))
	p.Type = int16(bytesutil.Uint16BE(buf[2:4]))
	p.Protocol = int16(bytesutil.Uint16BE(buf[4:6]))
	return p, nil
}

// AddrRequest carries the address of a connect or bind.
type AddrRequest struct {
	Addr string
}

func (p AddrRequest) AppendTo(dst []byte) []byte { return appendAddr(dst, p.Addr) }

func UnmarshalAddrRequest(buf []byte) (AddrRequest, error) {
	addr, _, err := unmarshalAddr(buf)
	return AddrRequest{Addr: addr}, err
}

type ListenRequest struct {
	Backlog int16
}

func (p ListenRequest) AppendTo(dst []byte) []byte {
	return bytesutil.AppendUint16BE(dst, uint16(p.Backlog))
}

func UnmarshalListenRequest(buf []byte) (ListenRequest, error) {
	var p ListenRequest
	if len(buf) < 2 {
		return p, io.ErrUnexpectedEOF
	}
	p.Backlog = int16(bytesutil.Uint16BE(buf[:2]))
	return p, nil
}

type SendToRequest struct {
	Flags uint16
	Addr  string // empty for connected sockets
	Data  []byte
}

func (p SendToRequest) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint16BE(dst, p.Flags)
	dst = appendAddr(dst, p.Addr)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(p.Data)))
	dst = append(dst, p.Data...)
	return dst
}

func UnmarshalSendToRequest(buf []byte) (SendToRequest, error) {
	var p SendToRequest
	if len(buf) < 2 {
		return p, io.ErrUnexpectedEOF
	}
	p.Flags, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]

	var err error
	p.Addr, buf, err = unmarshalAddr(buf)
	if err != nil {
		return p, err
	}

	if len(buf) < 2 {
		return p, io.ErrUnexpectedEOF
	}
	var size uint16
	size, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
	if len(buf) < int(size) {
		return p, io.ErrUnexpectedEOF
	}
	p.Data = buf[:size]
	return p, nil
}

type RecvFromRequest struct {
	Flags      uint16
	MaxBufLen  uint16
	MaxAddrLen uint16
}

func (p RecvFromRequest) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint16BE(dst, p.Flags)
	dst = bytesutil.AppendUint16BE(dst, p.MaxBufLen)
	dst = bytesutil.AppendUint16BE(dst, p.MaxAddrLen)
	return dst
}

func UnmarshalRecvFromRequest(buf []byte) (RecvFromRequest, error) {
	var p RecvFromRequest
	if len(buf) < 6 {
		return p, io.ErrUnexpectedEOF
	}
	p.Flags = bytesutil.Uint16BE(buf[0:2])
	p.MaxBufLen = bytesutil.Uint16BE(buf[2:4])
	p.MaxAddrLen = bytesutil.Uint16BE(buf[4:6])
	return p, nil
}

package usrsock_rpc

import (
	"io"

	"github.com/TheSmallBoat/usrsock/usrsock"
	"github.com/lithdew/bytesutil"
)

type AckPacket struct {
	Flags  uint8
	Xid    Xid
	Result int32 // >= 0 on success, negated errno otherwise
}

func (p AckPacket) AppendTo(dst []byte) []byte {
	dst = append(dst, p.Flags)
	dst = p.Xid.AppendTo(dst)
	dst = bytesutil.AppendUint32BE(dst, uint32(p.Result))
	return dst
}

func unmarshalAck(buf []byte) (AckPacket, []byte, error) {
	var p AckPacket
	if len(buf) < 1+xidSize+4 {
		return p, buf, io.ErrUnexpectedEOF
	}
	p.Flags, buf = buf[0], buf[1:]
	p.Xid, buf = unmarshalXid(buf), buf[xidSize:]
	p.Result, buf = int32(bytesutil.Uint32BE(buf[:4])), buf[4:]
	return p, buf, nil
}

func UnmarshalAckPacket(buf []byte) (AckPacket, error) {
	p, _, err := unmarshalAck(buf)
	return p, err
}

// DataAckPacket is an ack followed by a value and, for a positive result, Result bytes of data.
type DataAckPacket struct {
	AckPacket

	ValueLenNontrunc uint16
	Value            []byte
	Data             []byte
}

func (p DataAckPacket) AppendTo(dst []byte) []byte {
	dst = p.AckPacket.AppendTo(dst)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(p.Value)))
	dst = bytesutil.AppendUint16BE(dst, p.ValueLenNontrunc)
	dst = append(dst, p.Value...)
	if p.Result > 0 {
		dst = append(dst, p.Data[:p.Result]...)
	}
	return dst
}

func UnmarshalDataAckPacket(buf []byte) (DataAckPacket, error) {
	var p DataAckPacket
	var err error

	p.AckPacket, buf, err = unmarshalAck(buf)
	if err != nil {
		return p, err
	}

	if len(buf) < 4 {
		return p, io.ErrUnexpectedEOF
	}
	var size uint16
	size, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
	p.ValueLenNontrunc, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]

	if len(buf) < int(size) {
		return p, io.ErrUnexpectedEOF
	}
	p.Value, buf = buf[:size], buf[size:]

	if p.Result > 0 {
		if len(buf) < int(p.Result) {
			return p, io.ErrUnexpectedEOF
		}
		p.Data = buf[:p.Result]
	}
	return p, nil
}

// EventPacket reports unsolicited socket events.
type EventPacket struct {
	USockID usrsock.USockID
	Events  usrsock.EventFlags
}

func (p EventPacket) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint16BE(dst, uint16(p.USockID))
	dst = bytesutil.AppendUint16BE(dst, uint16(p.Events))
	return dst
}

func UnmarshalEventPacket(buf []byte) (EventPacket, error) {
	var p EventPacket
	if len(buf) < 4 {
		return p, io.ErrUnexpectedEOF
	}
	p.USockID = usrsock.USockID(int16(bytesutil.Uint16BE(buf[:2])))
	p.Events = usrsock.EventFlags(bytesutil.Uint16BE(buf[2:4]))
	return p, nil
}

// HelloPacket opens the channel in both directions.
type HelloPacket struct {
	Version string
}

func (p HelloPacket) AppendTo(dst []byte) []byte { return appendAddr(dst, p.Version) }

func UnmarshalHelloPacket(buf []byte) (HelloPacket, error) {
	version, _, err := unmarshalAddr(buf)
	return HelloPacket{Version: version}, err
}

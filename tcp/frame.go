package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const sizeHeaderTCP = 20

var (
	ErrShortBuffer  = errors.New("tcp: buffer shorter than header")
	ErrHeaderOffset = errors.New("tcp: data offset field invalid")
)

// NewFrame wraps buf as a Frame. buf must be at least 20 bytes, the size
// of a TCP header with no options; callers adding options must pass a
// buffer sized for HeaderLength before calling SetSegment.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame is a TCP segment's wire encoding: a view over a byte slice, not a
// copy. It exposes the fixed header fields the FSM needs and leaves
// everything else (IP addressing, fragmentation) to the caller.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the frame was built from.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16      { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)  { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(f.buf[2:4], p)
}

func (f Frame) Seq() Value     { return Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v Value) { binary.BigEndian.PutUint32(f.buf[4:8], uint32(v)) }
func (f Frame) Ack() Value     { return Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v Value) { binary.BigEndian.PutUint32(f.buf[8:12], uint32(v)) }

// OffsetAndFlags returns the data offset (in 32-bit words) and control flags.
func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength returns the header length in bytes, options included,
// derived from the data offset field. Performs no validation.
func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

func (f Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(f.buf[14:16], v) }
func (f Frame) CRC() uint16            { return binary.BigEndian.Uint16(f.buf[16:18]) }
func (f Frame) SetCRC(v uint16)        { binary.BigEndian.PutUint16(f.buf[16:18], v) }
func (f Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(v uint16)  { binary.BigEndian.PutUint16(f.buf[18:20], v) }

// Options returns the option bytes between the fixed header and the data
// offset. May be zero length.
func (f Frame) Options() []byte { return f.buf[sizeHeaderTCP:f.HeaderLength()] }

// Payload returns everything past the header, i.e. the data offset.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// ValidateOffset checks the data-offset field against the buffer length
// and the minimum header size (invariant: offset < 5 is always rejected).
func (f Frame) ValidateOffset() error {
	off := f.HeaderLength()
	if off < sizeHeaderTCP || off > len(f.buf) {
		return ErrHeaderOffset
	}
	return nil
}

// ClearHeader zeros the fixed 20-byte header.
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeaderTCP] {
		f.buf[i] = 0
	}
}

// Segment extracts the sequence-space view of the frame given the already
// known payload length (header length must have been validated already).
func (f Frame) Segment(payloadLen int) Segment {
	if payloadLen > math.MaxInt32 {
		panic("tcp: payload length overflow")
	}
	_, flags := f.OffsetAndFlags()
	return Segment{
		SEQ:     f.Seq(),
		ACK:     f.Ack(),
		WND:     Size(f.WindowSize()),
		DATALEN: Size(payloadLen),
		Flags:   flags,
	}
}

// SetSegment writes seg's sequence-space fields into the frame header.
// offset is the data offset in 32-bit words (minimum 5, i.e. no options).
func (f Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("tcp: data offset too large")
	} else if seg.WND > math.MaxUint16 {
		panic("tcp: window overflow")
	}
	f.SetSeq(seg.SEQ)
	f.SetAck(seg.ACK)
	f.SetOffsetAndFlags(offset, seg.Flags)
	f.SetWindowSize(uint16(seg.WND))
}

func (f Frame) String() string {
	seg := f.Segment(len(f.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), seg.String())
}

// crc791 implements the Internet checksum (RFC 791 §3.1 / RFC 793 §3.1):
// the 16-bit ones'-complement of the ones'-complement sum of all 16-bit
// words, with an odd trailing byte treated as MSB-padded.
type crc791 struct{ sum uint32 }

func (c *crc791) writeEven(buf []byte) {
	for i := 0; i+1 < len(buf); i += 2 {
		c.sum += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
}

func (c *crc791) addUint16(v uint16) { c.sum += uint32(v) }

func (c *crc791) write(buf []byte) {
	odd := len(buf) & 1
	c.writeEven(buf[:len(buf)-odd])
	if odd > 0 {
		c.sum += uint32(buf[len(buf)-1]) << 8
	}
}

func (c *crc791) sum16() uint16 {
	sum := c.sum
	sum = (sum & 0xffff) + sum>>16
	return ^uint16(sum + sum>>16)
}

// pseudoHeaderV6 mirrors RFC 8200 §8.1's IPv6 pseudo-header: source and
// destination address, upper-layer length, and next-header value (6, TCP).
func pseudoHeaderV6(c *crc791, src, dst [16]byte, tcpLen uint32) {
	c.writeEven(src[:])
	c.writeEven(dst[:])
	c.addUint16(uint16(tcpLen >> 16))
	c.addUint16(uint16(tcpLen))
	c.addUint16(uint16(ProtoTCP))
}

// ProtoTCP is the IP protocol/next-header number for TCP (RFC 9293 §1).
const ProtoTCP = 6

// Checksum computes the TCP checksum over the frame's header+options+
// payload given the IPv6-shaped source and destination addresses the
// segment travels between. The frame's own CRC field must be zero when
// this is called for encoding, and is ignored when called for validation.
func Checksum(f Frame, src, dst [16]byte) uint16 {
	var c crc791
	pseudoHeaderV6(&c, src, dst, uint32(len(f.buf)))
	crcField := f.CRC()
	f.SetCRC(0)
	c.write(f.buf)
	f.SetCRC(crcField)
	return c.sum16()
}

// VerifyChecksum reports whether the frame's stored checksum matches the
// computed one. A zero stored checksum is treated as present-but-absent
// per RFC 768-style convention and always fails verification, matching
// the teacher's never-zero-checksum discipline.
func VerifyChecksum(f Frame, src, dst [16]byte) bool {
	stored := f.CRC()
	if stored == 0 {
		return false
	}
	var c crc791
	pseudoHeaderV6(&c, src, dst, uint32(len(f.buf)))
	c.write(f.buf)
	return c.sum16() == 0
}

package tcp

import (
	"crypto/rand"
	"encoding/binary"
)

// Value is a TCP sequence or acknowledgment number. Arithmetic on Value
// is performed modulo 2**32 per RFC 9293 §3.4: a Value is a point on a
// circular number line, not a plain integer, so ordinary `<` is never used
// to compare two sequence numbers directly.
type Value uint32

// Size is a byte count: a segment length, a window size, or the distance
// between two Values. Unlike Value it is an ordinary integer.
type Size uint32

// Add returns v advanced by n, wrapping at 2**32.
func Add(v Value, n Size) Value { return v + Value(n) }

// Sizeof returns the forward distance from a to b, i.e. the n such that
// Add(a, n) == b, wrapping at 2**32. It is always in [0, 2**32).
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan reports whether v precedes w on the sequence-number circle,
// i.e. whether w is reachable from v by advancing 1 to 2**31 steps.
// This is the standard serial-number comparison of RFC 1982 as applied to
// TCP sequence numbers.
func (v Value) LessThan(w Value) bool { return int32(v-w) < 0 }

// LessThanEq reports v == w || v.LessThan(w).
func (v Value) LessThanEq(w Value) bool { return v == w || v.LessThan(w) }

// InWindow reports whether v lies in [start, start+wnd) on the sequence
// circle. A zero window never contains anything, matching RFC 9293's
// four-case acceptability test collapsing to "unacceptable" when WND==0.
func (v Value) InWindow(start Value, wnd Size) bool {
	if wnd == 0 {
		return false
	}
	return Sizeof(start, v) < Size(wnd)
}

// UpdateForward advances *v by n in place.
func (v *Value) UpdateForward(n Size) { *v = Add(*v, n) }

// randomISS picks a random initial sequence number with the MSB clear,
// per spec §4.4's "pick ISS (random 32-bit, MSB clear)".
func randomISS() Value {
	var b [4]byte
	_, err := rand.Read(b[:])
	if err != nil {
		panic("tcp: failed to read random ISS: " + err.Error())
	}
	v := binary.BigEndian.Uint32(b[:])
	return Value(v &^ (1 << 31))
}

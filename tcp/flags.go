package tcp

import "math/bits"

// Flags holds the TCP control bits of a segment (RFC 9293 §3.1).
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - no more data from sender.
	FlagSYN                   // FlagSYN - synchronize sequence numbers.
	FlagRST                   // FlagRST - reset the connection.
	FlagPSH                   // FlagPSH - push function.
	FlagACK                   // FlagACK - acknowledgment field significant.
	FlagURG                   // FlagURG - urgent pointer field significant.
	FlagECE                   // FlagECE - ECN-Echo.
	FlagCWR                   // FlagCWR - congestion window reduced.
	FlagNS                    // FlagNS  - nonce sum (RFC 3540).
)

const flagMask = 0x01ff

// Shorthands for flag combinations that recur throughout the FSM.
const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
)

// HasAll reports whether every bit in mask is set in flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny reports whether any bit in mask is set in flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask clears any non-flag bits.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns a human-readable flag set, e.g. "[SYN,ACK]".
func (flags Flags) String() string {
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends the human-readable flag list (without brackets) to b.
func (flags Flags) AppendFormat(b []byte) []byte {
	if flags == 0 {
		return b
	}
	const names = "FINSYNRSTPSHACKURGECECWRNS "
	const namelen = 3
	first := true
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if !first {
			b = append(b, ',')
		}
		first = false
		b = append(b, names[i*namelen:i*namelen+namelen]...)
		flags &= ^(1 << i)
	}
	return b
}

package tcp

import (
	"strconv"
	"unsafe"
)

// Segment is the sequence-space view of an incoming or outgoing TCP
// segment: everything the FSM needs to reason about admission and
// bookkeeping, independent of wire encoding.
type Segment struct {
	SEQ     Value // sequence number of the first octet; the ISN if SYN is set.
	ACK     Value // acknowledgment number, meaningful only if Flags has FlagACK.
	DATALEN Size  // payload octets, excluding SYN/FIN.
	WND     Size  // advertised window.
	Flags   Flags
}

// LEN returns the length of the segment in sequence-space octets,
// including the SYN/FIN control bits which each occupy one sequence
// number.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags) & 1        // FIN bit.
	add += Size(seg.Flags>>1) & 1     // SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the final octet of the segment.
func (seg *Segment) Last() Value {
	n := seg.LEN()
	if n == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, n) - 1
}

func (seg Segment) isFirstSYN() bool {
	return seg.Flags == FlagSYN && seg.ACK == 0 && seg.DATALEN == 0 && seg.WND > 0
}

// ClientSynSegment builds the first segment an active opener sends.
func ClientSynSegment(clientISS Value, clientWND Size) Segment {
	return Segment{SEQ: clientISS, WND: clientWND, Flags: FlagSYN}
}

func (seg Segment) String() string {
	b := make([]byte, 0, 48)
	b = appendVal(b, "SEQ", seg.SEQ)
	b = appendVal(b, "ACK", seg.ACK)
	if seg.DATALEN > 0 {
		b = appendVal(b, "DATA", Value(seg.DATALEN))
	}
	b = append(b, seg.Flags.String()...)
	return string(b)
}

func appendVal(buf []byte, name string, v Value) []byte {
	buf = append(buf, '<')
	buf = append(buf, name...)
	buf = append(buf, '=')
	buf = strconv.AppendUint(buf, uint64(v), 10)
	buf = append(buf, '>')
	return buf
}

// StringExchange renders a single segment exchange RFC9293-style:
//
//	SYN-SENT     --> <SEQ=300><ACK=91>[SYN,ACK]      --> SYN-RECEIVED
func StringExchange(seg Segment, a, b State, invertDir bool) string {
	buf := make([]byte, 0, 96)
	buf = appendStringExchange(buf, seg, a, b, invertDir)
	return unsafe.String(unsafe.SliceData(buf), len(buf))
}

func appendStringExchange(buf []byte, seg Segment, a, b State, invertDir bool) []byte {
	const pad = "             "
	const fill = len(pad) - 1
	dirSep := " --> "
	if invertDir {
		dirSep = " <-- "
	}
	start := len(buf)
	astr := a.String()
	buf = append(buf, astr...)
	if len(astr) < fill {
		buf = append(buf, pad[:fill-len(astr)]...)
	}
	buf = append(buf, dirSep...)
	buf = appendVal(buf, "SEQ", seg.SEQ)
	buf = appendVal(buf, "ACK", seg.ACK)
	if seg.DATALEN > 0 {
		buf = appendVal(buf, "DATA", Value(seg.DATALEN))
	}
	buf = append(buf, seg.Flags.String()...)
	if len(buf)-start < 48 {
		buf = append(buf, pad[:48-(len(buf)-start)]...)
	}
	buf = append(buf, dirSep...)
	buf = append(buf, b.String()...)
	return buf
}

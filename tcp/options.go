package tcp

import "errors"

// OptionKind identifies a TCP option. Only the subset needed to negotiate
// MSS is implemented; any other kind encountered while parsing is skipped
// rather than rejected, matching how a constrained stack handles options
// it does not understand.
type OptionKind uint8

const (
	OptEnd            OptionKind = 0 // end of option list
	OptNop            OptionKind = 1 // no-operation, used for padding
	OptMaxSegmentSize OptionKind = 2 // maximum segment size
)

var errShortOptions = errors.New("tcp: options buffer too short")
var errBadOptionLength = errors.New("tcp: option length field invalid")

// ParseMSS scans a TCP options buffer (the bytes after the fixed 20-byte
// header, up to the data offset) for an MSS option and returns its value.
// ok is false if no MSS option was present; err is non-nil only if the
// options buffer itself is malformed.
func ParseMSS(opts []byte) (mss uint16, ok bool, err error) {
	off := 0
	for off < len(opts) {
		kind := OptionKind(opts[off])
		if kind == OptEnd {
			break
		}
		if kind == OptNop {
			off++
			continue
		}
		if off+1 >= len(opts) {
			return 0, false, errShortOptions
		}
		size := int(opts[off+1])
		if size < 2 || off+size > len(opts) {
			return 0, false, errBadOptionLength
		}
		if kind == OptMaxSegmentSize {
			if size != 4 {
				return 0, false, errBadOptionLength
			}
			mss = uint16(opts[off+2])<<8 | uint16(opts[off+3])
			ok = true
		}
		off += size
	}
	return mss, ok, nil
}

// AppendMSS appends an MSS option (kind 2, length 4) to dst and returns it.
func AppendMSS(dst []byte, mss uint16) []byte {
	return append(dst, byte(OptMaxSegmentSize), 4, byte(mss>>8), byte(mss))
}

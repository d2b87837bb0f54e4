package tcp

import (
	"strconv"
	"strings"
)

// Endpoint is a network-layer address, port, and optional interface index.
// The address is always the 16-byte IPv6-shaped form this implementation
// targets (see SPEC_FULL.md §7's non-goal on multi-family addressing).
type Endpoint struct {
	Addr  [16]byte
	Port  uint16
	Netif uint32 // 0 means "any"/unset.
}

// IsZero reports whether e has no address, port, or interface set.
func (e Endpoint) IsZero() bool {
	return e.Addr == [16]byte{} && e.Port == 0 && e.Netif == 0
}

// String renders e as "[addr]:port%netif", per ParseEndpoint's grammar.
// The port suffix is omitted when zero, as is the netif suffix.
func (e Endpoint) String() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(formatAddr(e.Addr))
	b.WriteByte(']')
	if e.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(e.Port)))
	}
	if e.Netif != 0 {
		b.WriteByte('%')
		b.WriteString(strconv.FormatUint(uint64(e.Netif), 10))
	}
	return b.String()
}

func formatAddr(addr [16]byte) string {
	// Render as a plain hextet sequence; this implementation has no
	// notion of IPv4-mapped or zero-compressed shorthand, only the
	// canonical 8-group form, which round-trips through ParseEndpoint.
	var b strings.Builder
	for i := 0; i < 16; i += 2 {
		if i != 0 {
			b.WriteByte(':')
		}
		v := uint16(addr[i])<<8 | uint16(addr[i+1])
		b.WriteString(strconv.FormatUint(uint64(v), 16))
	}
	return b.String()
}

// ParseEndpoint parses the grammar "[" address "]" [":" port] ["%" netif]
// where address is 8 colon-separated hex groups, port is decimal 0..65535,
// and netif is a non-negative decimal interface index. An empty port or
// netif field yields zero for that field.
func ParseEndpoint(s string) (Endpoint, error) {
	if len(s) == 0 || s[0] != '[' {
		return Endpoint{}, ErrInvalidArg
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return Endpoint{}, ErrInvalidArg
	}
	addr, err := parseAddr(s[1:end])
	if err != nil {
		return Endpoint{}, err
	}
	rest := s[end+1:]

	var portStr, netifStr string
	if i := strings.IndexByte(rest, '%'); i >= 0 {
		netifStr = rest[i+1:]
		rest = rest[:i]
	}
	if len(rest) > 0 {
		if rest[0] != ':' {
			return Endpoint{}, ErrInvalidArg
		}
		portStr = rest[1:]
	}

	var port uint16
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Endpoint{}, ErrInvalidArg
		}
		port = uint16(p)
	}
	var netif uint32
	if netifStr != "" {
		n, err := strconv.ParseUint(netifStr, 10, 32)
		if err != nil {
			return Endpoint{}, ErrInvalidArg
		}
		netif = uint32(n)
	}
	return Endpoint{Addr: addr, Port: port, Netif: netif}, nil
}

func parseAddr(s string) ([16]byte, error) {
	var addr [16]byte
	groups := strings.Split(s, ":")
	if len(groups) != 8 {
		return addr, ErrInvalidArg
	}
	for i, g := range groups {
		v, err := strconv.ParseUint(g, 16, 16)
		if err != nil {
			return addr, ErrInvalidArg
		}
		addr[i*2] = byte(v >> 8)
		addr[i*2+1] = byte(v)
	}
	return addr, nil
}

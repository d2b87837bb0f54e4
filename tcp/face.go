package tcp

// Sender is the network-layer collaborator contract (spec §6): a
// best-effort, synchronous datagram transmitter. The TCP core needs
// nothing else from the link/network layer — no up/down lifecycle, no
// address configuration — matching spec §9's note that the netface
// abstraction reduces to "send" plus a have-we-an-address query for this
// core's purposes.
type Sender interface {
	// Send transmits a fully-encoded TCP segment (as produced by Frame) to
	// dst over netif. Best-effort: a returned error means the datagram was
	// not queued for transmission, not that the peer failed to receive it.
	Send(dst Endpoint, netif uint32, seg []byte) error
}

// HasAddr reports whether a Sender is ready to originate traffic from a
// concrete local address. Nothing in this package queries it.
type HasAddr interface {
	LocalAddr() ([16]byte, bool)
}

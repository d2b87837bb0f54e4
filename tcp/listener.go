package tcp

import "sync"

// Listener maps one local port to a bounded set of TCBs available to
// serve passive opens: spec.md's FSM describes the single-TCB transitions
// for a passive open, but a real server needs this demux table to decide
// which TCB a LISTEN-state SYN becomes. Per the "dynamic TCB allocation"
// non-goal, a Listener never allocates TCBs itself — the caller supplies
// a fixed backlog up front, the way a statically-sized embedded stack
// would.
type Listener struct {
	mu      sync.Mutex
	local   Endpoint
	backlog []*TCB
}

// NewListener constructs a Listener bound to local, backed by backlog —
// every TCB in backlog must already be CLOSED; NewListener puts each into
// LISTEN immediately.
func NewListener(stack *Stack, local Endpoint, backlog []*TCB) (*Listener, error) {
	l := &Listener{local: local, backlog: backlog}
	for _, tcb := range backlog {
		res := stack.step(tcb, EventCallOpen, StepArgs{Open: OpenArgs{Active: false, Local: local}})
		if res.Err != nil {
			return nil, res.Err
		}
	}
	return l, nil
}

// match returns a LISTEN-state TCB willing to accept a SYN for dst, or
// nil with ErrAddrInUse if the backlog is fully occupied by established
// or in-progress connections.
func (l *Listener) match(dst Endpoint) (*TCB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tcb := range l.backlog {
		if tcb.State() == StateListen {
			return tcb, nil
		}
	}
	return nil, ErrAddrInUse
}

// Accept blocks until one of the listener's TCBs completes a passive
// handshake, returning a Conn wrapping it. Once accepted, that TCB is no
// longer matched against new incoming SYNs until it returns to LISTEN
// (i.e. until the connection it served closes and the caller re-arms it
// via Listener.Relisten).
func (l *Listener) Accept(stack *Stack, pollEvery chan struct{}) (*Conn, error) {
	for {
		l.mu.Lock()
		for _, tcb := range l.backlog {
			if tcb.State() == StateEstablished {
				l.mu.Unlock()
				return &Conn{tcb: tcb, stack: stack}, nil
			}
		}
		l.mu.Unlock()
		<-pollEvery
	}
}

// Relisten returns tcb (after its connection closes) to LISTEN so it can
// serve another incoming SYN.
func (l *Listener) Relisten(stack *Stack, tcb *TCB) error {
	res := stack.step(tcb, EventCallOpen, StepArgs{Open: OpenArgs{Active: false, Local: l.local}})
	return res.Err
}

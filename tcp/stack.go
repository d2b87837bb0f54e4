package tcp

import (
	"log/slog"
	"sync"

	"github.com/gnrctcp/gnrctcp/internal/xlog"
)

// tuple identifies a connection by its four-tuple, the key the event loop
// uses to locate the owning TCB (spec §4.5).
type tuple struct {
	localAddr, peerAddr [16]byte
	localPort, peerPort uint16
}

// Stack is the event-loop task of spec §4.5: it owns the network-receive
// endpoint, the timer scheduler, the receive-buffer pool, and the
// registry of live TCBs. It is the thing cmd/tcpdemo constructs once per
// process; TCBs themselves are still owned and allocated by the caller.
type Stack struct {
	sched   *Scheduler
	sender  Sender
	pool    *BufferPool
	metrics *Metrics
	log     xlog.Logger

	mu        sync.RWMutex
	conns     map[tuple]*TCB
	listeners map[uint16]*Listener
}

// NewStack constructs a Stack. sender is the network-layer collaborator
// (spec §6); sched must already be running (Scheduler.Run in its own
// goroutine) for timers to fire.
func NewStack(sched *Scheduler, sender Sender, pool *BufferPool, metrics *Metrics, logger *slog.Logger) *Stack {
	return &Stack{
		sched:     sched,
		sender:    sender,
		pool:      pool,
		metrics:   metrics,
		log:       xlog.Logger{Log: logger},
		conns:     make(map[tuple]*TCB),
		listeners: make(map[uint16]*Listener),
	}
}

// step runs the FSM on tcb, supplying this Stack's sender and scheduler.
// For EventCallOpen, the tuple is registered before stepOpen runs: a
// synchronous Sender (such as an in-memory test harness) may deliver the
// peer's reply before tcb.step itself returns, and that reply's demux
// lookup must already find this TCB.
func (s *Stack) step(tcb *TCB, ev Event, args StepArgs) StepResult {
	if ev == EventCallOpen && tcb.State() == StateClosed {
		tcb.Local = args.Open.Local
		if args.Open.Active {
			tcb.Peer = args.Open.Peer
		}
		s.register(tcb)
	}
	res := tcb.step(env{sched: s.sched, sender: s.sender}, ev, args)
	s.updateGauge()
	return res
}

// NewConn wraps tcb in a Conn bound to this Stack.
func (s *Stack) NewConn(tcb *TCB) *Conn { return &Conn{tcb: tcb, stack: s} }

// Listen registers a Listener for local, matching SYNs against backlog.
func (s *Stack) Listen(local Endpoint, backlog []*TCB) (*Listener, error) {
	s.mu.Lock()
	if _, exists := s.listeners[local.Port]; exists {
		s.mu.Unlock()
		return nil, ErrAddrInUse
	}
	s.mu.Unlock()

	l, err := NewListener(s, local, backlog)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listeners[local.Port] = l
	s.mu.Unlock()
	for _, tcb := range backlog {
		s.register(tcb)
	}
	return l, nil
}

func (s *Stack) register(tcb *TCB) {
	if tcb.Peer.IsZero() && tcb.Local.IsZero() {
		return
	}
	s.mu.Lock()
	s.conns[tupleOf(tcb)] = tcb
	s.mu.Unlock()
}

func (s *Stack) unregister(tcb *TCB) {
	s.mu.Lock()
	delete(s.conns, tupleOf(tcb))
	s.mu.Unlock()
}

func tupleOf(tcb *TCB) tuple {
	return tuple{localAddr: tcb.Local.Addr, peerAddr: tcb.Peer.Addr, localPort: tcb.Local.Port, peerPort: tcb.Peer.Port}
}

func (s *Stack) updateGauge() {
	if s.metrics == nil {
		return
	}
	s.mu.RLock()
	n := 0
	for _, tcb := range s.conns {
		if tcb.State() != StateClosed {
			n++
		}
	}
	s.mu.RUnlock()
	s.metrics.ActiveTCBs.Set(float64(n))
}

// Deliver is the per-iteration body of the event loop: decode a received
// datagram, locate the owning TCB (or listener, for a SYN), and step its
// FSM. Unknown connections draw an RST reply, except for a SYN destined
// at a registered listener.
func (s *Stack) Deliver(raw []byte, srcAddr [16]byte, srcPort uint16, dstAddr [16]byte, dstPort uint16, netif uint32) {
	f, err := NewFrame(raw)
	if err != nil {
		return
	}
	if err := f.ValidateOffset(); err != nil {
		if s.metrics != nil {
			s.metrics.SegmentsDropped.Inc()
		}
		return
	}
	if !VerifyChecksum(f, srcAddr, dstAddr) {
		if s.metrics != nil {
			s.metrics.SegmentsDropped.Inc()
		}
		return
	}
	seg := f.Segment(len(f.Payload()))

	key := tuple{localAddr: dstAddr, peerAddr: srcAddr, localPort: dstPort, peerPort: srcPort}
	s.mu.RLock()
	tcb, found := s.conns[key]
	s.mu.RUnlock()

	if !found {
		s.deliverUnmatched(seg, f, srcAddr, srcPort, dstAddr, dstPort, netif)
		return
	}

	res := s.step(tcb, EventRcvdPkt, StepArgs{Segment: seg, Payload: f.Payload()})
	if res.Err != nil {
		s.log.Debug("stack:deliver", slog.String("err", res.Err.Error()))
	}
	if tcb.State() == StateClosed {
		s.unregister(tcb)
	}
}

func (s *Stack) deliverUnmatched(seg Segment, f Frame, srcAddr [16]byte, srcPort uint16, dstAddr [16]byte, dstPort uint16, netif uint32) {
	if seg.Flags.HasAny(FlagSYN) && !seg.Flags.HasAny(FlagACK) {
		s.mu.RLock()
		l, ok := s.listeners[dstPort]
		s.mu.RUnlock()
		if ok {
			if tcb, err := l.match(Endpoint{Addr: dstAddr, Port: dstPort, Netif: netif}); err == nil {
				tcb.Peer = Endpoint{Addr: srcAddr, Port: srcPort, Netif: netif}
				s.register(tcb)
				s.step(tcb, EventRcvdPkt, StepArgs{Segment: seg, Payload: f.Payload()})
				return
			}
		}
	}
	if seg.Flags.HasAny(FlagRST) {
		return // never reset a reset.
	}
	rst := Segment{Flags: FlagRST, SEQ: seg.ACK}
	if !seg.Flags.HasAny(FlagACK) {
		rst.Flags |= FlagACK
		rst.ACK = Add(seg.SEQ, seg.LEN())
	}
	buf := make([]byte, sizeHeaderTCP)
	rf, _ := NewFrame(buf)
	rf.SetSourcePort(dstPort)
	rf.SetDestinationPort(srcPort)
	rf.SetSegment(rst, 5)
	rf.SetCRC(Checksum(rf, dstAddr, srcAddr))
	if s.sender != nil {
		s.sender.Send(Endpoint{Addr: srcAddr, Port: srcPort, Netif: netif}, netif, buf)
	}
}

// RunHousekeeping steps a TCB's pending housekeeping timer (retransmit or
// TIME_WAIT) when no user call is active and thus no mailbox is bound —
// spec §4.5's "the event loop itself runs the FSM step for housekeeping
// timers" clause. Nothing in this package calls it: a TCB has no mailbox
// of its own outside a user call, so the caller supplies msgType itself.
// Message types other than those two are ignored.
func (s *Stack) RunHousekeeping(tcb *TCB, msgType MsgType) {
	var ev Event
	switch msgType {
	case MsgTimeoutRetransmit:
		ev = EventTimeoutRetransmit
	case MsgTimeoutTimeWait:
		ev = EventTimeoutTimeWait
	default:
		return
	}
	s.step(tcb, ev, StepArgs{})
}

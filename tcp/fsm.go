package tcp

import (
	"log/slog"
	"time"
)

// Event enumerates the inputs the FSM core reacts to (spec §4.4).
type Event uint8

const (
	EventCallOpen Event = iota + 1
	EventCallSend
	EventCallRecv
	EventCallClose
	EventCallAbort
	EventRcvdPkt
	EventTimeoutRetransmit
	EventTimeoutTimeWait
	EventTimeoutConnection
	EventProbeTimeout
	EventUserSpecTimeout
	EventSendProbe
	EventClearRetransmit
)

// OpenArgs parameterizes EventCallOpen.
type OpenArgs struct {
	Active bool
	Local  Endpoint
	Peer   Endpoint // required if Active.
}

// StepArgs bundles the optional inputs a step call may carry. Which
// fields are meaningful depends on the Event.
type StepArgs struct {
	Open    OpenArgs
	Segment Segment // for EventRcvdPkt.
	Payload []byte  // inbound data (EventRcvdPkt) or outbound data (EventCallSend), or destination buffer (EventCallRecv).
	MaxLen  int      // EventCallRecv's requested length.
}

// StepResult is what step returns: a byte count for CALL_SEND/CALL_RECV,
// or an error. N is meaningless when Err is non-nil.
type StepResult struct {
	N   int
	Err error
}

// env bundles the collaborators step needs beyond the TCB itself: the
// network sender and the timer scheduler. Both are process-wide services
// per spec §9's "explicitly constructed services" guidance, never
// ambient globals.
type env struct {
	sched  *Scheduler
	sender Sender
}

// step is the FSM core's single entry point: spec's `step(tcb, event,
// segment?, buf?, len?) -> result`. It acquires the TCB's FSM lock for
// the duration of the call.
func (t *TCB) step(e env, ev Event, args StepArgs) StepResult {
	t.fsmMu.Lock()
	defer t.fsmMu.Unlock()

	switch ev {
	case EventCallOpen:
		return t.stepOpen(e, args.Open)
	case EventRcvdPkt:
		return t.stepRcvdPkt(e, args.Segment, args.Payload)
	case EventCallSend:
		return t.stepSend(e, args.Payload)
	case EventCallRecv:
		return t.stepRecv(e, args.Payload, args.MaxLen)
	case EventCallClose:
		return t.stepClose(e)
	case EventCallAbort:
		return t.stepAbort(e)
	case EventTimeoutRetransmit:
		return t.stepTimeoutRetransmit(e)
	case EventTimeoutTimeWait:
		return t.stepTimeoutTimeWait(e)
	case EventTimeoutConnection:
		return t.stepTimeoutConnection(e)
	case EventProbeTimeout, EventSendProbe:
		return t.stepProbe(e)
	case EventClearRetransmit:
		t.clearRetransmit(e)
		return StepResult{}
	case EventUserSpecTimeout:
		t.clearRetransmit(e)
		return StepResult{Err: ErrTimedOut}
	default:
		return StepResult{Err: ErrInvalidArg}
	}
}

func (t *TCB) stepOpen(e env, o OpenArgs) StepResult {
	if t.cb.State() != StateClosed {
		return StepResult{Err: ErrAlreadyConnected}
	}
	if err := t.leaseBuffer(); err != nil {
		return StepResult{Err: err}
	}
	t.Local = o.Local
	iss := t.iss()

	if !o.Active {
		t.status |= FlagPassive
		if err := t.cb.Open(iss, Size(t.rxBuf.Free())); err != nil {
			t.releaseBuffer()
			return StepResult{Err: err}
		}
		return StepResult{}
	}

	t.Peer = o.Peer
	seg := ClientSynSegment(iss, Size(t.rxBuf.Free()))
	if err := t.cb.Send(seg); err != nil {
		t.releaseBuffer()
		return StepResult{Err: err}
	}
	t.emit(e, seg, nil)
	e.sched.Schedule(&t.retransmitTmr, t.cfg.RTOInitial, MsgTimeoutRetransmit, t.mbox)
	t.armSnapshot(seg, nil)
	return StepResult{}
}

// stepRcvdPkt handles a network-delivered, already checksum-validated
// segment: RCVD_PKT. Acceptability and state transitions are delegated to
// ControlBlock.Recv; this method layers on data-buffer copying,
// retransmit-snapshot clearing, RTT sampling, and NOTIFY_USER.
func (t *TCB) stepRcvdPkt(e env, seg Segment, payload []byte) StepResult {
	prevState := t.cb.State()
	prevUNA := t.cb.SendUnacked()

	if t.cb.IsKeepalive(seg) {
		return StepResult{}
	}

	err := t.cb.Recv(seg)
	if err != nil {
		if t.cb.State() == StateClosed && prevState != StateClosed {
			// Connection torn down by RST.
			t.afterReset(e, prevState)
		}
		t.log.Trace("tcb:rcvdpkt.drop", slog.String("err", err.Error()))
		return StepResult{}
	}

	if seg.DATALEN > 0 && t.rxBuf != nil && t.cb.State().RxDataOpen() {
		n, _ := t.rxBuf.Write(payload)
		t.cb.SetRecvWindow(Size(t.rxBuf.Free()))
		t.stats.bytesRecv.Add(uint64(n))
		if t.metrics != nil {
			t.metrics.BytesReceived.Add(float64(n))
		}
	}
	t.stats.segRecv.Add(1)
	if t.metrics != nil {
		t.metrics.SegmentsReceived.Inc()
	}

	newUNA := t.cb.SendUnacked()
	if t.snapshot.active && newUNA != prevUNA && !newUNA.LessThan(t.snapshot.seg.Last()+1) {
		rtt := time.Since(t.snapshot.sentAt)
		t.rto.Sample(rtt)
		if t.metrics != nil {
			t.metrics.RTO.Observe(t.rto.RTO().Seconds())
		}
		t.clearRetransmit(e)
	}

	if t.cb.State() == StateClosed && prevState != StateClosed {
		t.afterReset(e, prevState)
		return StepResult{}
	}

	t.flushPending(e)
	t.notifyUser()

	switch {
	case prevState != StateEstablished && t.cb.State() == StateEstablished:
		e.sched.Cancel(&t.retransmitTmr)
	case prevState.IsPreestablished() && t.cb.State() == StateSynRcvd:
		e.sched.Schedule(&t.retransmitTmr, t.cfg.RTOInitial, MsgTimeoutRetransmit, t.mbox)
	case t.cb.State() == StateTimeWait && prevState != StateTimeWait:
		e.sched.Cancel(&t.retransmitTmr)
		e.sched.Schedule(&t.miscTimer, 2*t.cfg.MSL, MsgTimeoutTimeWait, t.mbox)
	}
	return StepResult{}
}

func (t *TCB) afterReset(e env, prevState State) {
	e.sched.Cancel(&t.retransmitTmr)
	e.sched.Cancel(&t.probeTmr)
	e.sched.Cancel(&t.miscTimer)
	t.releaseBuffer()
	t.snapshot = retransmitSnapshot{}
	t.notifyUser()
	_ = prevState
}

// flushPending emits any segment ControlBlock has queued (ACK/SYN/FIN/RST)
// that carries no new data, i.e. pure control output produced as a side
// effect of processing an inbound segment.
func (t *TCB) flushPending(e env) {
	if !t.cb.HasPending() {
		return
	}
	seg, ok := t.cb.PendingSegment(0)
	if !ok {
		return
	}
	if err := t.cb.Send(seg); err != nil {
		return
	}
	t.emit(e, seg, nil)
}

func (t *TCB) stepSend(e env, payload []byte) StepResult {
	st := t.cb.State()
	if !st.TxDataOpen() {
		return StepResult{Err: ErrNotConnected}
	}
	if t.snapshot.active {
		return StepResult{Err: ErrWouldBlock}
	}
	maxPayload := int(t.cb.MaxInFlightData())
	mss := int(t.cfg.MSS)
	n := len(payload)
	if n > maxPayload {
		n = maxPayload
	}
	if n > mss {
		n = mss
	}
	if n == 0 {
		return StepResult{N: 0}
	}
	seg, ok := t.cb.PendingSegment(n)
	if !ok {
		return StepResult{N: 0}
	}
	seg.Flags |= pshack
	if err := t.cb.Send(seg); err != nil {
		return StepResult{Err: err}
	}
	t.emit(e, seg, payload[:n])
	t.armSnapshot(seg, payload[:n])
	e.sched.Schedule(&t.retransmitTmr, t.rto.RTO(), MsgTimeoutRetransmit, t.mbox)
	t.stats.bytesSent.Add(uint64(n))
	if t.metrics != nil {
		t.metrics.BytesSent.Add(float64(n))
	}
	return StepResult{N: n}
}

func (t *TCB) stepRecv(e env, dst []byte, maxLen int) StepResult {
	st := t.cb.State()
	if !st.RxDataOpen() && st != StateCloseWait {
		return StepResult{Err: ErrNotConnected}
	}
	if t.rxBuf == nil {
		return StepResult{N: 0}
	}
	if maxLen > len(dst) {
		maxLen = len(dst)
	}
	buffered := t.rxBuf.Buffered()
	if buffered == 0 {
		if st == StateCloseWait {
			return StepResult{N: 0} // end of stream.
		}
		return StepResult{Err: ErrWouldBlock}
	}
	n, err := t.rxBuf.Read(dst[:min(maxLen, buffered)])
	if err != nil {
		return StepResult{Err: err}
	}
	prevWnd := t.cb.RecvWindow()
	newWnd := Size(t.rxBuf.Free())
	t.cb.SetRecvWindow(newWnd)
	if Sizeof(Value(prevWnd), Value(newWnd)) >= Size(t.cfg.MSS)/2 || newWnd > prevWnd {
		if seg, ok := t.cb.PendingSegment(0); ok {
			if err := t.cb.Send(seg); err == nil {
				t.emit(e, seg, nil)
			}
		} else {
			ackSeg := Segment{SEQ: t.cb.SendNext(), ACK: t.cb.RecvNext(), WND: newWnd, Flags: FlagACK}
			if err := t.cb.Send(ackSeg); err == nil {
				t.emit(e, ackSeg, nil)
			}
		}
	}
	return StepResult{N: n}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (t *TCB) stepClose(e env) StepResult {
	if err := t.cb.Close(); err != nil {
		return StepResult{Err: err}
	}
	if seg, ok := t.cb.PendingSegment(0); ok {
		if err := t.cb.Send(seg); err == nil {
			t.emit(e, seg, nil)
			if seg.Flags.HasAny(FlagFIN) {
				e.sched.Schedule(&t.retransmitTmr, t.rto.RTO(), MsgTimeoutRetransmit, t.mbox)
			}
		}
	}
	if t.cb.State() == StateClosed {
		t.releaseBuffer()
	}
	return StepResult{}
}

func (t *TCB) stepAbort(e env) StepResult {
	t.cb.Abort()
	if seg, ok := t.cb.PendingSegment(0); ok {
		t.emit(e, seg, nil)
	}
	e.sched.Cancel(&t.retransmitTmr)
	e.sched.Cancel(&t.probeTmr)
	e.sched.Cancel(&t.miscTimer)
	t.releaseBuffer()
	t.snapshot = retransmitSnapshot{}
	return StepResult{}
}

func (t *TCB) stepTimeoutRetransmit(e env) StepResult {
	if !t.snapshot.active {
		return StepResult{}
	}
	if t.snapshot.retries >= t.cfg.RetriesMax {
		t.cb.Abort()
		t.releaseBuffer()
		t.snapshot = retransmitSnapshot{}
		t.notifyUser()
		if t.cb.State().IsPreestablished() {
			return StepResult{Err: ErrConnRefused}
		}
		return StepResult{Err: ErrConnAborted}
	}
	t.snapshot.retries++
	t.stats.retransmits.Add(1)
	if t.metrics != nil {
		t.metrics.Retransmits.Inc()
	}
	t.rto.Backoff()
	t.emit(e, t.snapshot.seg, t.snapshot.payload)
	e.sched.Schedule(&t.retransmitTmr, t.rto.RTO(), MsgTimeoutRetransmit, t.mbox)
	return StepResult{}
}

func (t *TCB) stepTimeoutTimeWait(e env) StepResult {
	if t.cb.State() != StateTimeWait {
		return StepResult{}
	}
	t.cb.Abort() // forces CLOSED; no peer RST needed, TIME_WAIT already quiesced.
	t.releaseBuffer()
	return StepResult{}
}

func (t *TCB) stepTimeoutConnection(e env) StepResult {
	t.clearRetransmit(e)
	t.cb.Abort()
	t.releaseBuffer()
	return StepResult{Err: ErrConnAborted}
}

func (t *TCB) stepProbe(e env) StepResult {
	if t.cb.SendWindow() != 0 {
		e.sched.Cancel(&t.probeTmr)
		return StepResult{}
	}
	probe := t.cb.MakeKeepalive()
	t.emit(e, probe, nil)
	return StepResult{}
}

func (t *TCB) clearRetransmit(e env) {
	e.sched.Cancel(&t.retransmitTmr)
	t.snapshot = retransmitSnapshot{}
}

func (t *TCB) armSnapshot(seg Segment, payload []byte) {
	cp := append([]byte(nil), payload...)
	t.snapshot = retransmitSnapshot{seg: seg, payload: cp, sentAt: time.Now(), active: true}
}

// emit encodes seg as a wire Frame and hands it to the Sender.
func (t *TCB) emit(e env, seg Segment, payload []byte) {
	buf := make([]byte, sizeHeaderTCP+len(payload))
	f, err := NewFrame(buf)
	if err != nil {
		return
	}
	f.SetSourcePort(t.Local.Port)
	f.SetDestinationPort(t.Peer.Port)
	f.SetSegment(seg, 5)
	copy(f.Payload(), payload)
	f.SetCRC(Checksum(f, t.Local.Addr, t.Peer.Addr))

	t.stats.segSent.Add(1)
	if t.metrics != nil {
		t.metrics.SegmentsSent.Inc()
	}
	if e.sender != nil {
		e.sender.Send(t.Peer, t.Local.Netif, buf)
	}
}

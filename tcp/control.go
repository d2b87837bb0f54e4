package tcp

import (
	"io"
	"log/slog"
	"math"
	"net"

	"github.com/gnrctcp/gnrctcp/internal/xlog"
)

// ControlBlock is the pure sequence-space half of a TCB: it implements
// RFC 9293 §3.3.1's sequence-number bookkeeping and admission rules, and
// nothing else. It holds no buffers, no timers, and no mailbox; those
// belong to TCB (see tcb.go), which embeds a ControlBlock and is the thing
// the FSM (fsm.go) actually steps.
//
// ControlBlock only ever admits segments that are the next expected
// sequence number — out-of-order buffering is not supported, matching
// spec §4.4's window-only admission rule.
type ControlBlock struct {
	snd sendSpace
	rcv recvSpace
	// rstPtr holds the sequence number an outgoing RST should carry, set
	// by handleRST so the reset looks legitimate to the peer.
	rstPtr Value
	// pending is the queue of control flags to send in the next one or
	// two outgoing segments. Position 1 holds a FIN queued behind
	// another pending segment.
	pending      [2]Flags
	state        State
	challengeAck bool
	log          xlog.Logger
}

type sendSpace struct {
	ISS Value // initial send sequence number.
	UNA Value // oldest unacknowledged octet.
	NXT Value // next octet to send.
	WND Size  // window advertised by remote peer.
}

func (snd *sendSpace) inFlight() Size { return Sizeof(snd.UNA, snd.NXT) }

type recvSpace struct {
	IRS Value // initial receive sequence number, from peer's SYN.
	NXT Value // next octet expected.
	WND Size  // window advertised locally.
}

// State returns the current FSM state.
func (tcb *ControlBlock) State() State { return tcb.state }

// RecvNext returns RCV.NXT, the next sequence number expected from the peer.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow returns RCV.WND, which by invariant always equals the free
// bytes in the receive buffer.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// SendWindow returns SND.WND, the window most recently advertised by the peer.
func (tcb *ControlBlock) SendWindow() Size { return tcb.snd.WND }

// SendUnacked returns SND.UNA.
func (tcb *ControlBlock) SendUnacked() Value { return tcb.snd.UNA }

// SendNext returns SND.NXT.
func (tcb *ControlBlock) SendNext() Value { return tcb.snd.NXT }

// ISS returns the initial send sequence number chosen on Open.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// IRS returns the peer's initial sequence number, valid once hasIRS.
func (tcb *ControlBlock) IRS() Value { return tcb.rcv.IRS }

// MaxInFlightData returns the most data that could be sent right now given
// the remote window and what is already unacknowledged. Returns 0 before
// the handshake has produced a receive sequence number.
func (tcb *ControlBlock) MaxInFlightData() Size {
	if !tcb.state.hasIRS() {
		return 0
	}
	unacked := tcb.snd.inFlight()
	if unacked >= tcb.snd.WND {
		return 0
	}
	return tcb.snd.WND - unacked
}

// SetRecvWindow sets RCV.WND. Callers must keep this equal to the free
// bytes in the receive buffer.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) { tcb.rcv.WND = wnd }

// SetLogger attaches a logger used for debug/trace output.
func (tcb *ControlBlock) SetLogger(l *slog.Logger) { tcb.log = xlog.Logger{Log: l} }

// IsKeepalive reports whether incoming is a bare keepalive probe: a
// segment that carries no new sequence information and must not be run
// through Recv's bookkeeping (RFC 9293 §3.8.4).
func (tcb *ControlBlock) IsKeepalive(incoming Segment) bool {
	return incoming.SEQ == tcb.rcv.NXT-1 &&
		incoming.Flags == FlagACK &&
		incoming.ACK == tcb.snd.NXT &&
		incoming.DATALEN == 0
}

// MakeKeepalive builds a keepalive segment. The result must not be passed
// to Recv or Send.
func (tcb *ControlBlock) MakeKeepalive() Segment {
	return Segment{SEQ: tcb.snd.NXT - 1, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}
}

// Open performs a passive open: the ControlBlock enters LISTEN and waits
// for an incoming SYN. Active opens go through Send with a segment built
// by ClientSynSegment.
func (tcb *ControlBlock) Open(iss Value, wnd Size) error {
	switch {
	case tcb.state != StateClosed && tcb.state != StateListen:
		return errNeedClosedTCB
	case wnd > math.MaxUint16:
		return errWindowTooLarge
	}
	tcb.state = StateListen
	tcb.prepareToHandshake(iss, wnd)
	return nil
}

func (tcb *ControlBlock) prepareToHandshake(iss Value, wnd Size) {
	tcb.resetRcv(wnd, 0)
	tcb.resetSnd(iss, 1)
	tcb.pending = [2]Flags{}
}

// HasPending reports whether a control segment (SYN/FIN/RST/ACK) is queued.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending[0] != 0 }

// PendingSegment computes the next segment to send given up to payloadLen
// bytes of data available to attach. It does not mutate TCB state; the
// caller must follow up with Send once the segment is actually emitted.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	if tcb.challengeAck {
		tcb.challengeAck = false
		return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, Flags: FlagACK, WND: tcb.rcv.WND}, true
	}
	pending := tcb.pending[0]
	established := tcb.state == StateEstablished
	if !established && tcb.state != StateCloseWait {
		payloadLen = 0
	}
	if pending == 0 && payloadLen == 0 {
		return Segment{}, false
	}

	maxPayload := int(tcb.MaxInFlightData())
	if payloadLen > maxPayload {
		if maxPayload == 0 && !tcb.pending[0].HasAny(FlagFIN|FlagRST|FlagSYN) {
			return Segment{}, false
		}
		payloadLen = maxPayload
	}

	if established {
		pending |= FlagACK
	} else {
		payloadLen = 0
	}

	var ack Value
	if pending.HasAny(FlagACK) {
		ack = tcb.rcv.NXT
	}
	seq := tcb.snd.NXT
	if pending.HasAny(FlagRST) {
		seq = tcb.rstPtr
	}

	return Segment{SEQ: seq, ACK: ack, WND: tcb.rcv.WND, Flags: pending, DATALEN: Size(payloadLen)}, true
}

// Recv admits an inbound segment, updating the TCB if acceptable. Callers
// are responsible for delivering any DATALEN payload bytes into the
// receive buffer themselves; Recv only updates sequence-space state.
func (tcb *ControlBlock) Recv(seg Segment) error {
	if err := tcb.validateIncomingSegment(seg); err != nil {
		tcb.log.Debug("tcb:rcv.reject", slog.String("err", err.Error()))
		return err
	}

	var pending Flags
	var err error
	switch tcb.state {
	case StateListen:
		pending, err = tcb.rcvListen(seg)
	case StateSynSent:
		pending, err = tcb.rcvSynSent(seg)
	case StateSynRcvd:
		pending, err = tcb.rcvSynRcvd(seg)
	case StateEstablished:
		pending, err = tcb.rcvEstablished(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateFinWait2:
		pending, err = tcb.rcvFinWait2(seg)
	case StateClosing:
		if seg.Flags.HasAny(FlagACK) {
			tcb.state = StateTimeWait
		}
	case StateCloseWait:
		// Nothing left to synchronize; data/FIN already accounted for.
	case StateLastAck:
		if seg.Flags.HasAny(FlagACK) {
			tcb.close()
		}
	default:
		panic("tcp: unexpected recv state " + tcb.state.String())
	}
	if err != nil {
		return err
	}

	tcb.pending[0] |= pending
	tcb.snd.WND = seg.WND
	if seg.Flags.HasAny(FlagACK) {
		tcb.snd.UNA = seg.ACK
	}
	tcb.rcv.NXT.UpdateForward(seg.LEN())
	return nil
}

// rcvListen handles an incoming segment while in LISTEN. Only a bare SYN
// is accepted; anything else is dropped (SYN-with-data in LISTEN is
// dropped and processing proceeds as if data were absent).
func (tcb *ControlBlock) rcvListen(seg Segment) (Flags, error) {
	if !seg.Flags.HasAll(FlagSYN) {
		return 0, errDropSegment
	}
	tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	tcb.rcv.NXT = seg.SEQ
	tcb.state = StateSynRcvd
	return FlagSYN | FlagACK, nil
}

func (tcb *ControlBlock) rcvSynSent(seg Segment) (Flags, error) {
	switch {
	case seg.Flags.HasAll(synack):
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
		tcb.rcv.NXT = seg.SEQ
		tcb.snd.UNA = seg.ACK
		tcb.state = StateEstablished
		return FlagACK, nil
	case seg.Flags.HasAll(FlagSYN):
		// Simultaneous open (RFC 9293 §3.5 figure 7): both sides sent a
		// SYN before either saw the other's. Proceed as SYN-RECEIVED.
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
		tcb.rcv.NXT = seg.SEQ
		tcb.state = StateSynRcvd
		return FlagSYN | FlagACK, nil
	}
	return 0, errDropSegment
}

func (tcb *ControlBlock) rcvSynRcvd(seg Segment) (Flags, error) {
	if !seg.Flags.HasAny(FlagACK) {
		return 0, errDropSegment
	}
	tcb.state = StateEstablished
	return 0, nil
}

func (tcb *ControlBlock) rcvEstablished(seg Segment) (Flags, error) {
	var pending Flags
	if seg.DATALEN > 0 {
		pending |= FlagACK
	}
	if seg.Flags.HasAny(FlagFIN) {
		tcb.state = StateCloseWait
		pending |= FlagACK
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvFinWait1(seg Segment) (Flags, error) {
	finAcked := seg.Flags.HasAny(FlagACK) && seg.ACK == tcb.snd.NXT
	switch {
	case seg.Flags.HasAll(finack) || (finAcked && seg.Flags.HasAny(FlagFIN)):
		tcb.state = StateTimeWait
		return FlagACK, nil
	case seg.Flags.HasAny(FlagFIN):
		tcb.state = StateClosing
		return FlagACK, nil
	case finAcked:
		tcb.state = StateFinWait2
	}
	return 0, nil
}

func (tcb *ControlBlock) rcvFinWait2(seg Segment) (Flags, error) {
	var pending Flags
	if seg.DATALEN > 0 {
		pending |= FlagACK
	}
	if seg.Flags.HasAny(FlagFIN) {
		tcb.state = StateTimeWait
		pending |= FlagACK
	}
	return pending, nil
}

// Send records that seg is about to be emitted, advancing SND.NXT and the
// pending-flag queue. Callers must call PendingSegment to obtain seg.
func (tcb *ControlBlock) Send(seg Segment) error {
	if err := tcb.validateOutgoingSegment(seg); err != nil {
		tcb.log.Debug("tcb:snd.reject", slog.String("err", err.Error()))
		return err
	}

	hasFIN := seg.Flags.HasAny(FlagFIN)
	hasACK := seg.Flags.HasAny(FlagACK)
	var newPending Flags
	switch tcb.state {
	case StateClosed:
		if seg.Flags == FlagSYN {
			tcb.state = StateSynSent
			tcb.prepareToHandshake(seg.SEQ, seg.WND)
		}
	case StateSynRcvd:
		if hasFIN {
			tcb.state = StateFinWait1
		}
	case StateClosing:
		if hasACK {
			tcb.state = StateTimeWait
		}
	case StateEstablished:
		if hasFIN {
			tcb.state = StateFinWait1
		}
	case StateCloseWait:
		if hasFIN {
			tcb.state = StateLastAck
		} else if hasACK {
			newPending = finack
		}
	}

	tcb.pending[0] &^= seg.Flags
	if tcb.pending[0] == 0 {
		tcb.pending = [2]Flags{tcb.pending[1] &^ (seg.Flags & FlagFIN), 0}
	}
	tcb.pending[0] |= newPending

	tcb.snd.NXT.UpdateForward(seg.LEN())
	tcb.rcv.WND = seg.WND
	return nil
}

func (tcb *ControlBlock) validateOutgoingSegment(seg Segment) error {
	hasAck := seg.Flags.HasAny(FlagACK)
	isFirst := tcb.state == StateClosed && seg.isFirstSYN()
	checkSeq := !isFirst && !seg.Flags.HasAny(FlagRST)
	seglast := seg.Last()
	zeroWindowOK := tcb.snd.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.snd.NXT
	outOfWindow := checkSeq && !seg.SEQ.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK

	switch {
	case tcb.state == StateClosed && !isFirst:
		return io.ErrClosedPipe
	case seg.WND > math.MaxUint16:
		return errWindowTooLarge
	case hasAck && seg.ACK != tcb.rcv.NXT:
		return errAckNotNext
	case outOfWindow:
		if tcb.snd.WND == 0 {
			return errZeroWindow
		}
		return errSeqNotInWindow
	case seg.DATALEN > 0 && (tcb.state == StateFinWait1 || tcb.state == StateFinWait2):
		return errClosing
	case checkSeq && tcb.snd.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.snd.NXT:
		return errZeroWindow
	case checkSeq && !seglast.InWindow(tcb.snd.NXT, tcb.snd.WND) && !zeroWindowOK:
		return errLastNotInWindow
	}
	return nil
}

func (tcb *ControlBlock) validateIncomingSegment(seg Segment) error {
	flags := seg.Flags
	hasAck := flags.HasAll(FlagACK)
	checkSEQ := !flags.HasAny(FlagSYN)
	established := tcb.state == StateEstablished
	preestablished := tcb.state.IsPreestablished()
	acksOld := hasAck && !tcb.snd.UNA.LessThan(seg.ACK)
	acksUnsentData := hasAck && !seg.ACK.LessThanEq(tcb.snd.NXT)
	ctlOrDataSegment := established && (seg.DATALEN > 0 || flags.HasAny(FlagFIN|FlagRST))
	zeroWindowOK := tcb.rcv.WND == 0 && seg.DATALEN == 0 && seg.SEQ == tcb.rcv.NXT

	switch {
	case seg.WND > math.MaxUint16:
		return errWindowOverflow
	case tcb.state == StateClosed:
		return io.ErrClosedPipe
	case checkSEQ && tcb.rcv.WND == 0 && seg.DATALEN > 0 && seg.SEQ == tcb.rcv.NXT:
		return errZeroWindow
	case checkSEQ && !seg.SEQ.InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		return errSeqNotInWindow
	case checkSEQ && !seg.Last().InWindow(tcb.rcv.NXT, tcb.rcv.WND) && !zeroWindowOK:
		return errLastNotInWindow
	case checkSEQ && seg.SEQ != tcb.rcv.NXT:
		// Out-of-order data is rejected rather than queued (window-only
		// admission, no reordering buffer).
		return errRequireSequential
	}

	if flags.HasAny(FlagRST) {
		return tcb.handleRST(seg.SEQ)
	}

	switch {
	case established && acksOld && !ctlOrDataSegment && !(seg.ACK == tcb.snd.UNA && seg.WND != tcb.snd.WND):
		tcb.pending[0] &= FlagFIN
		return errDropSegment
	case established && acksUnsentData:
		tcb.pending[0] = FlagACK
		return errDropSegment
	case preestablished && (acksOld || acksUnsentData):
		tcb.pending[0] = FlagRST
		tcb.rstPtr = seg.ACK
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		return errDropSegment
	}
	return nil
}

func (tcb *ControlBlock) resetSnd(localISS Value, remoteWND Size) {
	tcb.snd = sendSpace{ISS: localISS, UNA: localISS, NXT: localISS, WND: remoteWND}
}

func (tcb *ControlBlock) resetRcv(localWND Size, remoteISS Value) {
	tcb.rcv = recvSpace{IRS: remoteISS, NXT: remoteISS, WND: localWND}
}

// handleRST implements the reset-acceptance rule: an RST whose sequence is
// not exactly RCV.NXT but still in-window draws a challenge ACK instead of
// being honored outright (RFC 9293 §3.10.7.3).
func (tcb *ControlBlock) handleRST(seq Value) error {
	if seq != tcb.rcv.NXT {
		tcb.challengeAck = true
		tcb.pending[0] |= FlagACK
		return errDropSegment
	}
	if tcb.state.IsPreestablished() && tcb.state != StateSynSent {
		tcb.pending[0] = 0
		tcb.state = StateListen
		tcb.resetSnd(tcb.snd.ISS+100, tcb.snd.WND)
		tcb.resetRcv(tcb.rcv.WND, tcb.rcv.IRS^0x3a5a5a5a)
	} else {
		tcb.close()
		return net.ErrClosed
	}
	return errDropSegment
}

func (tcb *ControlBlock) close() {
	tcb.state = StateClosed
	tcb.pending = [2]Flags{}
	tcb.resetRcv(0, 0)
	tcb.resetSnd(0, 0)
}

// Close begins a passive/active close. It does not immediately enter
// CLOSED; it queues the FIN so the next outgoing segment carries it.
func (tcb *ControlBlock) Close() error {
	switch tcb.state {
	case StateClosed:
		return errConnNotexist
	case StateCloseWait:
		tcb.state = StateLastAck
		tcb.pending = [2]Flags{FlagFIN, FlagACK}
	case StateListen, StateSynSent:
		tcb.close()
	case StateSynRcvd, StateEstablished:
		tcb.pending[0] = (tcb.pending[0] & FlagACK) | FlagFIN
	case StateFinWait1, StateFinWait2, StateClosing, StateTimeWait, StateLastAck:
		return errClosing
	default:
		return errInvalidState
	}
	return nil
}

// Abort forces the TCB to CLOSED immediately, queuing an RST if a peer is
// known to exist (i.e. the handshake reached at least SYN-RECEIVED/-SENT).
func (tcb *ControlBlock) Abort() {
	sendRST := tcb.state != StateClosed && tcb.state != StateListen
	rstPtr := tcb.snd.NXT
	tcb.close()
	if sendRST {
		tcb.pending[0] = FlagRST
		tcb.rstPtr = rstPtr
	}
}

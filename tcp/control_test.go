package tcp

import "testing"

func TestControlBlockActiveOpenHandshake(t *testing.T) {
	var cb ControlBlock
	syn := ClientSynSegment(100, 2000)
	if err := cb.Send(syn); err != nil {
		t.Fatalf("Send(SYN) = %v", err)
	}
	if cb.State() != StateSynSent {
		t.Fatalf("state after sending SYN = %s, want SYN-SENT", cb.State())
	}

	synack := Segment{SEQ: 500, ACK: 101, WND: 4000, Flags: FlagSYN | FlagACK}
	if err := cb.Recv(synack); err != nil {
		t.Fatalf("Recv(SYN,ACK) = %v", err)
	}
	if cb.State() != StateEstablished {
		t.Fatalf("state after SYN-ACK = %s, want ESTABLISHED", cb.State())
	}

	seg, ok := cb.PendingSegment(0)
	if !ok || !seg.Flags.HasAll(FlagACK) {
		t.Fatalf("PendingSegment after handshake = (%+v, %v), want a pending ACK", seg, ok)
	}
	if err := cb.Send(seg); err != nil {
		t.Fatalf("Send(final ACK) = %v", err)
	}
	if cb.State() != StateEstablished {
		t.Fatalf("state after final ACK = %s, want ESTABLISHED", cb.State())
	}
}

func TestControlBlockPassiveOpenHandshake(t *testing.T) {
	var cb ControlBlock
	if err := cb.Open(900, 4000); err != nil {
		t.Fatalf("Open = %v", err)
	}
	if cb.State() != StateListen {
		t.Fatalf("state after Open = %s, want LISTEN", cb.State())
	}

	syn := Segment{SEQ: 200, WND: 2000, Flags: FlagSYN}
	if err := cb.Recv(syn); err != nil {
		t.Fatalf("Recv(SYN) = %v", err)
	}
	if cb.State() != StateSynRcvd {
		t.Fatalf("state after SYN = %s, want SYN-RECEIVED", cb.State())
	}

	seg, ok := cb.PendingSegment(0)
	if !ok || !seg.Flags.HasAll(FlagSYN|FlagACK) {
		t.Fatalf("PendingSegment after SYN = (%+v, %v), want SYN,ACK", seg, ok)
	}
	if err := cb.Send(seg); err != nil {
		t.Fatalf("Send(SYN,ACK) = %v", err)
	}

	finalAck := Segment{SEQ: 201, ACK: seg.SEQ + 1, WND: 2000, Flags: FlagACK}
	if err := cb.Recv(finalAck); err != nil {
		t.Fatalf("Recv(final ACK) = %v", err)
	}
	if cb.State() != StateEstablished {
		t.Fatalf("state after final ACK = %s, want ESTABLISHED", cb.State())
	}
}

func TestControlBlockGracefulClose(t *testing.T) {
	cb := establishedPair(t)

	if err := cb.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	seg, ok := cb.PendingSegment(0)
	if !ok || !seg.Flags.HasAny(FlagFIN) {
		t.Fatalf("PendingSegment after Close = (%+v, %v), want a pending FIN", seg, ok)
	}
	if err := cb.Send(seg); err != nil {
		t.Fatalf("Send(FIN) = %v", err)
	}
	if cb.State() != StateFinWait1 {
		t.Fatalf("state after sending FIN = %s, want FIN-WAIT-1", cb.State())
	}

	finAck := Segment{SEQ: cb.rcv.NXT, ACK: seg.Last() + 1, WND: 2000, Flags: finack}
	if err := cb.Recv(finAck); err != nil {
		t.Fatalf("Recv(FIN,ACK) = %v", err)
	}
	if cb.State() != StateTimeWait {
		t.Fatalf("state after peer FIN,ACK = %s, want TIME-WAIT", cb.State())
	}
}

func TestControlBlockRejectsOutOfWindowSegment(t *testing.T) {
	cb := establishedPair(t)
	bad := Segment{SEQ: cb.rcv.NXT + 100000, ACK: cb.snd.NXT, WND: 2000, Flags: FlagACK}
	if err := cb.Recv(bad); err == nil {
		t.Fatal("Recv accepted a segment far outside the receive window")
	}
}

func TestControlBlockAbortQueuesRST(t *testing.T) {
	cb := establishedPair(t)
	cb.Abort()
	if cb.State() != StateClosed {
		t.Fatalf("state after Abort = %s, want CLOSED", cb.State())
	}
	if seg, ok := cb.PendingSegment(0); !ok || !seg.Flags.HasAny(FlagRST) {
		t.Fatalf("PendingSegment after Abort = (%v, %v), want a queued RST", seg, ok)
	}
}

// establishedPair drives a ControlBlock through a full active-open
// handshake and returns it in ESTABLISHED, for tests that only care about
// post-handshake behavior.
func establishedPair(t *testing.T) *ControlBlock {
	t.Helper()
	cb := &ControlBlock{}
	if err := cb.Send(ClientSynSegment(100, 2000)); err != nil {
		t.Fatalf("Send(SYN) = %v", err)
	}
	if err := cb.Recv(Segment{SEQ: 500, ACK: 101, WND: 2000, Flags: FlagSYN | FlagACK}); err != nil {
		t.Fatalf("Recv(SYN,ACK) = %v", err)
	}
	seg, _ := cb.PendingSegment(0)
	if err := cb.Send(seg); err != nil {
		t.Fatalf("Send(final ACK) = %v", err)
	}
	return cb
}

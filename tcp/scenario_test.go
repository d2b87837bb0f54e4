package tcp

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// harness wires two Stacks together for end-to-end tests, standing in for
// the link/network layer spec.md places out of the TCP core's scope. Each
// side drains its inbound datagrams on its own goroutine, the way a real
// NIC's receive path runs independently of whatever goroutine last called
// Send — delivering inline, from within the sender's own step() call,
// would let a same-process peer's reply re-enter that same TCB's FSM lock
// before the original call returns.
type harness struct {
	a, b         *Stack
	addrA, addrB [16]byte
	inA, inB     chan func()
}

func newHarnessPair(addrA, addrB [16]byte) *harness {
	h := &harness{addrA: addrA, addrB: addrB, inA: make(chan func(), 64), inB: make(chan func(), 64)}
	go drainInbound(h.inA)
	go drainInbound(h.inB)
	return h
}

func drainInbound(ch chan func()) {
	for fn := range ch {
		fn()
	}
}

func (h *harness) senderFor(addr [16]byte) Sender { return harnessSender{h: h, from: addr} }

type harnessSender struct {
	h    *harness
	from [16]byte
}

func (s harnessSender) Send(dst Endpoint, netif uint32, seg []byte) error {
	f, err := NewFrame(seg)
	if err != nil {
		return err
	}
	var target *Stack
	var inbound chan func()
	if s.from == s.h.addrA {
		target, inbound = s.h.b, s.h.inB
	} else {
		target, inbound = s.h.a, s.h.inA
	}
	from, srcPort, dstPort := s.from, f.SourcePort(), f.DestinationPort()
	inbound <- func() { target.Deliver(seg, from, srcPort, dst.Addr, dstPort, netif) }
	return nil
}

func newTestStack(pool *BufferPool, metrics *Metrics, sched *Scheduler, sender Sender) *Stack {
	return NewStack(sched, sender, pool, metrics, slog.Default())
}

func TestScenarioConnectSendClose(t *testing.T) {
	clock := clockwork.NewRealClock()
	sched := NewScheduler(clock)
	go sched.Run()
	defer sched.Stop()

	pool := NewBufferPool(4, 4096)
	cfg := DefaultConfig()
	cfg.MSL = 20 * time.Millisecond // keep TIME-WAIT short enough for a test.

	var addrA, addrB [16]byte
	addrA[15], addrB[15] = 1, 2
	h := newHarnessPair(addrA, addrB)

	serverStack := newTestStack(pool, nil, sched, h.senderFor(addrB))
	clientStack := newTestStack(pool, nil, sched, h.senderFor(addrA))
	h.a, h.b = clientStack, serverStack

	serverAddr := Endpoint{Addr: addrB, Port: 9000}
	clientAddr := Endpoint{Addr: addrA, Port: 0}

	serverTCB := NewTCB(cfg, pool, nil, slog.Default())
	clientTCB := NewTCB(cfg, pool, nil, slog.Default())

	listener, err := serverStack.Listen(serverAddr, []*TCB{serverTCB})
	require.NoError(t, err)

	clientConn := clientStack.NewConn(clientTCB)

	var acceptedConn *Conn
	var acceptErr error
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		poll := make(chan struct{}, 1)
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(2 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					select {
					case poll <- struct{}{}:
					default:
					}
				case <-stop:
					return
				}
			}
		}()
		acceptedConn, acceptErr = listener.Accept(serverStack, poll)
	}()

	err = clientConn.OpenActive(clientAddr, serverAddr)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, clientTCB.State())

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	require.NoError(t, acceptErr)
	require.NotNil(t, acceptedConn)
	require.Equal(t, StateEstablished, serverTCB.State())

	payload := []byte("hello over gnrctcp")
	n, err := clientConn.Send(payload, time.Second)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, 256)
	n, err = acceptedConn.Recv(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	closeErrs := make(chan error, 2)
	go func() { closeErrs <- clientConn.Close() }()
	require.Eventually(t, func() bool {
		return serverTCB.State() == StateCloseWait
	}, time.Second, 5*time.Millisecond, "server never observed the client's FIN")
	go func() { closeErrs <- acceptedConn.Close() }()

	require.NoError(t, <-closeErrs)
	require.NoError(t, <-closeErrs)
	require.Equal(t, StateClosed, clientTCB.State())
	require.Equal(t, StateClosed, serverTCB.State())
}

func TestScenarioConnectionRefused(t *testing.T) {
	clock := clockwork.NewRealClock()
	sched := NewScheduler(clock)
	go sched.Run()
	defer sched.Stop()

	pool := NewBufferPool(4, 4096)
	cfg := DefaultConfig()
	cfg.ConnectionTimeout = 500 * time.Millisecond

	var addrA, addrB [16]byte
	addrA[15], addrB[15] = 1, 2
	h := newHarnessPair(addrA, addrB)

	// No listener is registered on serverStack: any SYN draws an RST.
	serverStack := newTestStack(pool, nil, sched, h.senderFor(addrB))
	clientStack := newTestStack(pool, nil, sched, h.senderFor(addrA))
	h.a, h.b = clientStack, serverStack

	clientTCB := NewTCB(cfg, pool, nil, slog.Default())
	clientConn := clientStack.NewConn(clientTCB)

	err := clientConn.OpenActive(Endpoint{Addr: addrA}, Endpoint{Addr: addrB, Port: 9001})
	require.Error(t, err)
}

// TestScenarioZeroWindowProbe drives the sender into a zero-window
// condition (spec §8 scenario 3): the receiver's buffer fills, the sender
// stalls with data still unsent, and the zero-window-probe timer must
// keep firing on its own until the receiver drains its buffer and
// advertises a nonzero window again, at which point the stalled bytes go
// out and Send's blocking contract ("blocks until all of b is accepted")
// is honored even though no single call completes the transfer.
func TestScenarioZeroWindowProbe(t *testing.T) {
	clock := clockwork.NewRealClock()
	sched := NewScheduler(clock)
	go sched.Run()
	defer sched.Stop()

	// A receive buffer smaller than the payload, and a probe backoff fast
	// enough to observe firing within the test's deadline.
	pool := NewBufferPool(4, 16)
	cfg := DefaultConfig()
	cfg.MSS = 8
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.ProbeLowerBound = 10 * time.Millisecond
	cfg.ProbeUpperBound = 50 * time.Millisecond

	var addrA, addrB [16]byte
	addrA[15], addrB[15] = 1, 2
	h := newHarnessPair(addrA, addrB)

	serverStack := newTestStack(pool, nil, sched, h.senderFor(addrB))
	clientStack := newTestStack(pool, nil, sched, h.senderFor(addrA))
	h.a, h.b = clientStack, serverStack

	serverAddr := Endpoint{Addr: addrB, Port: 9100}
	clientAddr := Endpoint{Addr: addrA, Port: 0}

	serverTCB := NewTCB(cfg, pool, nil, slog.Default())
	clientTCB := NewTCB(cfg, pool, nil, slog.Default())

	listener, err := serverStack.Listen(serverAddr, []*TCB{serverTCB})
	require.NoError(t, err)

	clientConn := clientStack.NewConn(clientTCB)

	var acceptedConn *Conn
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		poll := make(chan struct{}, 1)
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(2 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					select {
					case poll <- struct{}{}:
					default:
					}
				case <-stop:
					return
				}
			}
		}()
		acceptedConn, _ = listener.Accept(serverStack, poll)
	}()

	require.NoError(t, clientConn.OpenActive(clientAddr, serverAddr))
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	require.NotNil(t, acceptedConn)

	payload := []byte("123456789012345678901234") // 24 bytes, over the 16-byte receive buffer.
	sendErrs := make(chan error, 1)
	var sent int
	go func() {
		var err error
		sent, err = clientConn.Send(payload, 3*time.Second)
		sendErrs <- err
	}()

	require.Eventually(t, func() bool {
		return clientTCB.cb.SendWindow() == 0
	}, time.Second, 2*time.Millisecond, "client never observed the server's window close")

	base := clientTCB.Stats().SegmentsSent
	require.Eventually(t, func() bool {
		return clientTCB.Stats().SegmentsSent > base
	}, time.Second, 5*time.Millisecond, "zero-window probe never fired")

	// Drain the server's buffer so it advertises room again; the stalled
	// remainder of payload must go out without another Send call.
	buf := make([]byte, 16)
	n, err := acceptedConn.Recv(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	select {
	case err := <-sendErrs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send never resumed after the window reopened")
	}
	require.Equal(t, len(payload), sent)

	rest := make([]byte, 16)
	n, err = acceptedConn.Recv(rest, time.Second)
	require.NoError(t, err)
	require.Equal(t, payload[16:], rest[:n])
}

// TestScenarioRSTMidEstablished delivers an RST while a Send is in
// flight mid-ESTABLISHED (spec §8 scenario 4): the peer's abort must
// surface as ErrConnReset to the blocked caller and drive both TCBs to
// CLOSED, not time out.
func TestScenarioRSTMidEstablished(t *testing.T) {
	clock := clockwork.NewRealClock()
	sched := NewScheduler(clock)
	go sched.Run()
	defer sched.Stop()

	pool := NewBufferPool(4, 4096)
	cfg := DefaultConfig()
	cfg.ConnectionTimeout = 2 * time.Second

	var addrA, addrB [16]byte
	addrA[15], addrB[15] = 1, 2
	h := newHarnessPair(addrA, addrB)

	serverStack := newTestStack(pool, nil, sched, h.senderFor(addrB))
	clientStack := newTestStack(pool, nil, sched, h.senderFor(addrA))
	h.a, h.b = clientStack, serverStack

	serverAddr := Endpoint{Addr: addrB, Port: 9200}
	clientAddr := Endpoint{Addr: addrA, Port: 0}

	serverTCB := NewTCB(cfg, pool, nil, slog.Default())
	clientTCB := NewTCB(cfg, pool, nil, slog.Default())

	listener, err := serverStack.Listen(serverAddr, []*TCB{serverTCB})
	require.NoError(t, err)

	clientConn := clientStack.NewConn(clientTCB)

	var acceptedConn *Conn
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		poll := make(chan struct{}, 1)
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(2 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					select {
					case poll <- struct{}{}:
					default:
					}
				case <-stop:
					return
				}
			}
		}()
		acceptedConn, _ = listener.Accept(serverStack, poll)
	}()

	require.NoError(t, clientConn.OpenActive(clientAddr, serverAddr))
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	require.NotNil(t, acceptedConn)

	sendErrs := make(chan error, 1)
	go func() {
		_, err := clientConn.Send([]byte("will never be acked"), time.Second)
		sendErrs <- err
	}()

	require.Eventually(t, func() bool {
		return clientTCB.snapshot.active
	}, time.Second, time.Millisecond, "client never started sending")

	acceptedConn.Abort()

	select {
	case err := <-sendErrs:
		require.ErrorIs(t, err, ErrConnReset)
	case <-time.After(time.Second):
		t.Fatal("Send never observed the peer's RST")
	}
	require.Equal(t, StateClosed, clientTCB.State())
	require.Equal(t, StateClosed, serverTCB.State())
}

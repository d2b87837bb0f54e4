package tcp

import "time"

// Conn is the blocking user-facing API of spec §4.6, built on top of a
// TCB and the Stack it belongs to. OpenActive, Send, Close and Recv with a
// non-zero timeout follow the same pattern: take the function lock, invoke
// the FSM with the matching CALL event, then block on a private mailbox — bound to the TCB only for the
// duration of the call — until a terminal condition is reached, a timer
// fires, or an error surfaces. The mailbox.Get loop is the sole
// suspension point, per spec §5. OpenPassive, Abort and Recv with timeout
// 0 step the FSM once and return without taking the lock or blocking.
type Conn struct {
	tcb   *TCB
	stack *Stack
}

// OpenActive performs a blocking active open to peer.
func (c *Conn) OpenActive(local, peer Endpoint) error {
	return c.run(c.tcb.cfg.ConnectionTimeout, func() error {
		res := c.stack.step(c.tcb, EventCallOpen, StepArgs{Open: OpenArgs{Active: true, Local: local, Peer: peer}})
		return res.Err
	}, func(msg Msg) (done bool, err error) {
		switch c.tcb.State() {
		case StateEstablished:
			return true, nil
		case StateClosed:
			return true, ErrConnRefused
		}
		if msg.Type == MsgTimeoutRetransmit {
			res := c.stack.step(c.tcb, EventTimeoutRetransmit, StepArgs{})
			if res.Err != nil {
				return true, res.Err
			}
		}
		return false, nil
	})
}

// OpenPassive binds local and enters LISTEN. It does not block for an
// incoming SYN; use Listener to accept connections on a shared port.
func (c *Conn) OpenPassive(local Endpoint) error {
	res := c.stack.step(c.tcb, EventCallOpen, StepArgs{Open: OpenArgs{Active: false, Local: local}})
	return res.Err
}

// Send blocks until all of b is accepted and its segment fully
// acknowledged, timeout elapses, or an error occurs. A zero-window
// condition enters probe mode transparently (spec §4.6 "Send details").
func (c *Conn) Send(b []byte, timeout time.Duration) (int, error) {
	sent := 0
	probing := false
	pb := newProbeBackoff(c.tcb.cfg)
	err := c.run(timeout, func() error {
		res := c.stack.step(c.tcb, EventCallSend, StepArgs{Payload: b[sent:]})
		if res.Err != nil {
			return res.Err
		}
		sent += res.N
		if res.N == 0 && c.tcb.cb.SendWindow() == 0 {
			probing = true
			c.stack.sched.Schedule(&c.tcb.probeTmr, pb.NextBackOff(), MsgProbeTimeout, c.currentMbox())
		}
		return nil
	}, func(msg Msg) (done bool, err error) {
		if c.tcb.State() == StateClosed {
			return true, ErrConnReset
		}
		if sent >= len(b) && !c.tcb.snapshot.active {
			return true, nil
		}
		switch msg.Type {
		case MsgProbeTimeout:
			c.stack.step(c.tcb, EventSendProbe, StepArgs{})
			if c.tcb.cb.SendWindow() == 0 {
				c.stack.sched.Schedule(&c.tcb.probeTmr, pb.NextBackOff(), MsgProbeTimeout, c.currentMbox())
			}
		case MsgNotifyUser:
			if probing && c.tcb.cb.SendWindow() > 0 {
				probing = false
				pb.Reset()
				c.stack.sched.Cancel(&c.tcb.probeTmr)
			}
			if !probing && sent < len(b) && !c.tcb.snapshot.active {
				res := c.stack.step(c.tcb, EventCallSend, StepArgs{Payload: b[sent:]})
				if res.Err != nil {
					return true, res.Err
				}
				sent += res.N
				if res.N == 0 && c.tcb.cb.SendWindow() == 0 {
					probing = true
					c.stack.sched.Schedule(&c.tcb.probeTmr, pb.NextBackOff(), MsgProbeTimeout, c.currentMbox())
				}
			}
		case MsgTimeoutRetransmit:
			res := c.stack.step(c.tcb, EventTimeoutRetransmit, StepArgs{})
			if res.Err != nil {
				return true, res.Err
			}
		}
		return false, nil
	})
	return sent, err
}

// Recv blocks until at least one byte is available, end-of-stream is
// reached (0, nil), timeout elapses, or an error occurs. timeout == 0
// makes Recv non-blocking.
func (c *Conn) Recv(b []byte, timeout time.Duration) (int, error) {
	if timeout == 0 {
		res := c.stack.step(c.tcb, EventCallRecv, StepArgs{Payload: b, MaxLen: len(b)})
		return res.N, res.Err
	}
	var n int
	var gotResult bool
	err := c.run(timeout, func() error {
		res := c.stack.step(c.tcb, EventCallRecv, StepArgs{Payload: b, MaxLen: len(b)})
		if res.Err != nil && res.Err != ErrWouldBlock {
			return res.Err
		}
		if res.Err == nil {
			n, gotResult = res.N, true
		}
		return nil
	}, func(msg Msg) (done bool, err error) {
		if gotResult {
			return true, nil
		}
		res := c.stack.step(c.tcb, EventCallRecv, StepArgs{Payload: b, MaxLen: len(b)})
		if res.Err != nil && res.Err != ErrWouldBlock {
			return true, res.Err
		}
		if res.Err == nil {
			n, gotResult = res.N, true
			return true, nil
		}
		return false, nil
	})
	return n, err
}

// Close performs a graceful close, blocking until the connection reaches
// CLOSED or the idle-connection timeout elapses.
func (c *Conn) Close() error {
	return c.run(c.tcb.cfg.ConnectionTimeout, func() error {
		res := c.stack.step(c.tcb, EventCallClose, StepArgs{})
		return res.Err
	}, func(msg Msg) (done bool, err error) {
		if c.tcb.State() == StateClosed {
			return true, nil
		}
		switch msg.Type {
		case MsgTimeoutRetransmit:
			c.stack.step(c.tcb, EventTimeoutRetransmit, StepArgs{})
		case MsgTimeoutTimeWait:
			c.stack.step(c.tcb, EventTimeoutTimeWait, StepArgs{})
		}
		return c.tcb.State() == StateClosed, nil
	})
}

// Abort immediately tears the connection down, emitting an RST if a peer
// was known. It does not block.
func (c *Conn) Abort() {
	c.stack.step(c.tcb, EventCallAbort, StepArgs{})
}

func (c *Conn) currentMbox() *Mailbox { return c.tcb.mbox }

// run implements the shared function-lock/mailbox-bind/blocking-loop
// pattern of spec §4.6: bind a private mailbox, arm the connection-idle
// timeout and an optional user timeout, invoke start, then loop on the
// mailbox until onMsg reports completion.
func (c *Conn) run(timeout time.Duration, start func() error, onMsg func(Msg) (bool, error)) error {
	c.tcb.callMu.Lock()
	defer c.tcb.callMu.Unlock()

	mbox := NewMailbox(c.tcb.cfg.MsgQueueSize)
	c.tcb.bindMailbox(mbox)
	defer c.tcb.unbindMailbox()

	idleTimer := &TimerEvent{}
	c.stack.sched.Schedule(idleTimer, c.tcb.cfg.ConnectionTimeout, MsgTimeoutConnection, mbox)
	defer c.stack.sched.Cancel(idleTimer)

	if timeout > 0 {
		userTimer := &TimerEvent{}
		c.stack.sched.Schedule(userTimer, timeout, MsgUserSpecTimeout, mbox)
		defer c.stack.sched.Cancel(userTimer)
	}

	if err := start(); err != nil {
		return err
	}
	if done, err := onMsg(Msg{}); done {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	for {
		msg, ok := mbox.Get(done)
		if !ok {
			return ErrTimedOut
		}
		if msg.Type == MsgUserSpecTimeout {
			c.stack.step(c.tcb, EventClearRetransmit, StepArgs{})
			return ErrTimedOut
		}
		if msg.Type == MsgTimeoutConnection {
			res := c.stack.step(c.tcb, EventTimeoutConnection, StepArgs{})
			if res.Err != nil {
				return res.Err
			}
			return ErrConnAborted
		}
		if isDone, err := onMsg(msg); isDone {
			return err
		}
	}
}

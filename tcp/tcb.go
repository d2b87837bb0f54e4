package tcp

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gnrctcp/gnrctcp/internal/ring"
	"github.com/gnrctcp/gnrctcp/internal/xlog"
	"github.com/rs/xid"
)

// StatusFlags records the bits of spec §3's "Status flags" field group.
type StatusFlags uint8

const (
	FlagPassive       StatusFlags = 1 << iota // opened via listen, not connect.
	FlagAllowAnyAddr                          // bound to the unspecified local address.
)

// TCB is the transmission control block: the sole stateful entity of a
// connection (spec §3). It embeds a ControlBlock for sequence-space
// bookkeeping and adds everything else the FSM needs: buffers, timers,
// the retransmit snapshot, and the mailbox binding.
//
// A TCB is owned by the caller (spec's "dynamic TCB allocation" non-goal):
// callers construct one via NewTCB and pass it into a Stack/Listener,
// which never allocates TCBs of its own.
type TCB struct {
	ID xid.ID // stable identifier, assigned once by NewTCB.

	cb     ControlBlock
	status StatusFlags

	Local Endpoint
	Peer  Endpoint

	cfg     Config
	metrics *Metrics
	log     xlog.Logger

	pool    *BufferPool
	bufIdx  int
	bufLeased bool
	rxBuf   *ring.Buf

	rto      rtoEstimator
	snapshot retransmitSnapshot

	// miscTimer is the TIME_WAIT timer slot. It is not used for
	// CONNECTION_TIMEOUT: each blocking call arms its own idle TimerEvent
	// (see Conn.run).
	miscTimer      TimerEvent
	retransmitTmr  TimerEvent
	probeTmr       TimerEvent

	// mbox is non-nil only while a user call has bound it; see invariant 2.
	mbox    *Mailbox
	mboxGen int

	fsmMu  sync.Mutex // FSM lock: serializes state mutation.
	callMu sync.Mutex // function lock: serializes user calls on this TCB.

	stats tcbStats

	iss func() Value // ISS chooser, overridable for tests; defaults to a random source.
}

type tcbStats struct {
	segSent, segRecv     atomic.Uint64
	bytesSent, bytesRecv atomic.Uint64
	retransmits          atomic.Uint64
}

// NewTCB constructs a TCB bound to pool for its receive buffer and cfg for
// its tunables. The TCB starts CLOSED and unleased; Open leases a buffer.
func NewTCB(cfg Config, pool *BufferPool, metrics *Metrics, logger *slog.Logger) *TCB {
	return &TCB{
		ID:      xid.New(),
		cfg:     cfg,
		pool:    pool,
		metrics: metrics,
		log:     xlog.Logger{Log: logger},
		rto:     newRTOEstimator(cfg),
		bufIdx:  -1,
		iss:     randomISS,
	}
}

// State returns the TCB's current FSM state.
func (t *TCB) State() State { return t.cb.State() }

// Stats returns a point-in-time snapshot of the TCB's counters.
func (t *TCB) Stats() Stats {
	return Stats{
		SegmentsSent:     t.stats.segSent.Load(),
		SegmentsReceived: t.stats.segRecv.Load(),
		BytesSent:        t.stats.bytesSent.Load(),
		BytesReceived:    t.stats.bytesRecv.Load(),
		Retransmits:      t.stats.retransmits.Load(),
		RTO:              t.rto.RTO().Seconds(),
		State:            t.cb.State(),
	}
}

// bindMailbox attaches mbox for the duration of one user call (invariant 2).
func (t *TCB) bindMailbox(mbox *Mailbox) {
	t.fsmMu.Lock()
	t.mbox = mbox
	t.mboxGen++
	t.fsmMu.Unlock()
}

// unbindMailbox detaches the mailbox at the end of a user call and drains
// any notification left over from the call that just finished.
func (t *TCB) unbindMailbox() {
	t.fsmMu.Lock()
	mbox := t.mbox
	t.mbox = nil
	t.fsmMu.Unlock()
	if mbox != nil {
		mbox.Drain()
	}
}

// notifyUser posts NOTIFY_USER to the bound mailbox if one exists. A full
// or absent mailbox is a silent no-op, per spec's Open Question 3.
func (t *TCB) notifyUser() {
	if t.mbox != nil {
		t.mbox.Put(Msg{Type: MsgNotifyUser})
	}
}

// leaseBuffer acquires a receive-buffer slot from the pool, required
// before entering any non-CLOSED state.
func (t *TCB) leaseBuffer() error {
	if t.bufLeased {
		return nil
	}
	idx, buf, err := t.pool.Lease()
	if err != nil {
		return err
	}
	t.bufIdx, t.rxBuf, t.bufLeased = idx, buf, true
	t.cb.SetRecvWindow(Size(buf.Free()))
	return nil
}

// releaseBuffer returns the TCB's receive-buffer slot, called only when
// the TCB reaches CLOSED (invariant 6).
func (t *TCB) releaseBuffer() {
	if !t.bufLeased {
		return
	}
	t.pool.Release(t.bufIdx)
	t.bufIdx, t.rxBuf, t.bufLeased = -1, nil, false
}

// cancelAllTimers disarms every timer slot owned by this TCB.
func (t *TCB) cancelAllTimers(sched *Scheduler) {
	sched.Cancel(&t.miscTimer)
	sched.Cancel(&t.retransmitTmr)
	sched.Cancel(&t.probeTmr)
}

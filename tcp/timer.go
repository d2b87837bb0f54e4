package tcp

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimerEvent is a reusable handle for one scheduled wakeup. A TCB owns
// one "misc" TimerEvent, used for TIME_WAIT only, plus the
// retransmit/probe timers it schedules through the same Scheduler. The
// CONNECTION_TIMEOUT of a blocking call uses a separate TimerEvent that
// Conn.run allocates per call.
type TimerEvent struct {
	wakeup  time.Time
	msgType MsgType
	target  *Mailbox
	seq     int
	index   int // heap index plus one; 0 (the zero value) when not scheduled.
}

// Scheduled reports whether the event is currently armed.
func (e *TimerEvent) Scheduled() bool { return e != nil && e.index > 0 }

type timerHeap []*TimerEvent

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].wakeup.Before(h[j].wakeup) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i + 1; h[j].index = j + 1 }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*TimerEvent)
	e.index = len(*h) + 1
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = 0
	*h = old[:n-1]
	return e
}

// Scheduler is the process-wide min-heap of scheduled timer events,
// driven by a clockwork.Clock so tests can advance time deterministically
// instead of sleeping. It is the single source of TIMEOUT_* and
// PROBE_TIMEOUT messages delivered to TCB mailboxes.
type Scheduler struct {
	clock clockwork.Clock
	mu    sync.Mutex
	heap  timerHeap
	wake  chan struct{}
	stop  chan struct{}
}

// NewScheduler constructs a Scheduler driven by clock. Run must be started
// in its own goroutine for scheduled events to actually fire.
func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// Schedule arms event to fire offset from now, posting {Type: msgType} to
// target. Rescheduling an already-armed event is cancel-then-add, with no
// reallocation of the TimerEvent itself.
func (s *Scheduler) Schedule(event *TimerEvent, offset time.Duration, msgType MsgType, target *Mailbox) {
	s.mu.Lock()
	if event.index > 0 {
		heap.Remove(&s.heap, event.index-1)
	}
	event.wakeup = s.clock.Now().Add(offset)
	event.msgType = msgType
	event.target = target
	event.seq++
	heap.Push(&s.heap, event)
	s.mu.Unlock()
	s.nudge()
}

// Cancel removes event if scheduled. A no-op otherwise.
func (s *Scheduler) Cancel(event *TimerEvent) {
	s.mu.Lock()
	if event.index > 0 {
		heap.Remove(&s.heap, event.index-1)
	}
	s.mu.Unlock()
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the Run loop.
func (s *Scheduler) Stop() { close(s.stop) }

// Run is the timer-driver task of spec §5: it sleeps until the earliest
// scheduled event's wakeup, then posts to that event's target mailbox and
// advances. It returns when Stop is called.
func (s *Scheduler) Run() {
	for {
		s.mu.Lock()
		var sleep time.Duration
		var due *TimerEvent
		if len(s.heap) == 0 {
			sleep = time.Hour
		} else {
			sleep = s.heap[0].wakeup.Sub(s.clock.Now())
			if sleep <= 0 {
				due = heap.Pop(&s.heap).(*TimerEvent)
			}
		}
		s.mu.Unlock()

		if due != nil {
			due.target.Put(Msg{Type: due.msgType, Seq: due.seq})
			continue
		}

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-s.clock.After(sleep):
		}
	}
}

package tcp

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresInOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := NewScheduler(clock)
	go sched.Run()
	defer sched.Stop()

	mbox := NewMailbox(4)
	var early, late TimerEvent
	sched.Schedule(&early, 10*time.Millisecond, MsgProbeTimeout, mbox)
	sched.Schedule(&late, 50*time.Millisecond, MsgTimeoutRetransmit, mbox)

	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)

	done := make(chan struct{})
	defer close(done)
	msg, ok := mbox.Get(done)
	require.True(t, ok)
	require.Equal(t, MsgProbeTimeout, msg.Type)

	clock.BlockUntil(1)
	clock.Advance(40 * time.Millisecond)
	msg, ok = mbox.Get(done)
	require.True(t, ok)
	require.Equal(t, MsgTimeoutRetransmit, msg.Type)
}

func TestSchedulerCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := NewScheduler(clock)
	go sched.Run()
	defer sched.Stop()

	mbox := NewMailbox(4)
	var ev TimerEvent
	sched.Schedule(&ev, 10*time.Millisecond, MsgProbeTimeout, mbox)
	sched.Cancel(&ev)
	require.False(t, ev.Scheduled())

	clock.Advance(time.Second)

	done := make(chan struct{})
	select {
	case msg := <-mbox.ch:
		t.Fatalf("cancelled timer still fired: %v", msg)
	case <-time.After(20 * time.Millisecond):
	}
	close(done)
}

func TestSchedulerRescheduleDoesNotReallocate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := NewScheduler(clock)
	go sched.Run()
	defer sched.Stop()

	mbox := NewMailbox(4)
	var ev TimerEvent
	sched.Schedule(&ev, 100*time.Millisecond, MsgProbeTimeout, mbox)
	sched.Schedule(&ev, 10*time.Millisecond, MsgTimeoutRetransmit, mbox)

	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)

	done := make(chan struct{})
	defer close(done)
	msg, ok := mbox.Get(done)
	require.True(t, ok)
	require.Equal(t, MsgTimeoutRetransmit, msg.Type, "rescheduling must use the latest offset/type, not the original")
}

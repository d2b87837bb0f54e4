package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxPutGet(t *testing.T) {
	mbox := NewMailbox(2)
	require.True(t, mbox.Put(Msg{Type: MsgNotifyUser}))

	done := make(chan struct{})
	msg, ok := mbox.Get(done)
	require.True(t, ok)
	assert.Equal(t, MsgNotifyUser, msg.Type)
}

func TestMailboxPutDropsWhenFull(t *testing.T) {
	mbox := NewMailbox(1)
	require.True(t, mbox.Put(Msg{Type: MsgNotifyUser}))
	assert.False(t, mbox.Put(Msg{Type: MsgProbeTimeout}), "Put on a full mailbox must drop, not block")
}

func TestMailboxGetUnblocksOnDone(t *testing.T) {
	mbox := NewMailbox(1)
	done := make(chan struct{})
	close(done)
	_, ok := mbox.Get(done)
	assert.False(t, ok, "Get must return false once done fires with nothing queued")
}

func TestMailboxDrain(t *testing.T) {
	mbox := NewMailbox(4)
	mbox.Put(Msg{Type: MsgNotifyUser})
	mbox.Put(Msg{Type: MsgProbeTimeout})
	mbox.Drain()

	done := make(chan struct{})
	select {
	case msg := <-mbox.ch:
		t.Fatalf("Drain left a stale message behind: %v", msg)
	default:
	}

	assert.True(t, mbox.Put(Msg{Type: MsgNotifyUser}), "mailbox should have free capacity after Drain")
	close(done)
}

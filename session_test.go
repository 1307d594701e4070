package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbus-mqtt/broker/packets"
)

func TestSessionEnqueueDrain(t *testing.T) {
	s := newSession("c1")

	dropped := s.enqueue(packets.Packet{PacketID: 1}, 2)
	require.False(t, dropped)
	dropped = s.enqueue(packets.Packet{PacketID: 2}, 2)
	require.False(t, dropped)

	// third message over the bound of 2 evicts the oldest
	dropped = s.enqueue(packets.Packet{PacketID: 3}, 2)
	require.True(t, dropped)

	queued := s.drain()
	require.Len(t, queued, 2)
	require.Equal(t, uint16(2), queued[0].PacketID)
	require.Equal(t, uint16(3), queued[1].PacketID)

	// drain empties the queue
	require.Empty(t, s.drain())
}

func TestSessionEnqueueZeroBound(t *testing.T) {
	s := newSession("c1")
	dropped := s.enqueue(packets.Packet{PacketID: 1}, 0)
	require.True(t, dropped)
	require.Empty(t, s.drain())
}

func TestSessionManagerResumeCleanStart(t *testing.T) {
	sm := NewSessionManager(newTestOps())

	sess, present := sm.Resume("c1", true)
	require.False(t, present)
	require.Equal(t, "c1", sess.ClientID)

	sess.Subscriptions.Add("a/b", packets.Subscription{Filter: "a/b"})

	// clean-start again discards the prior session's state
	sess2, present := sm.Resume("c1", true)
	require.False(t, present)
	_, ok := sess2.Subscriptions.Get("a/b")
	require.False(t, ok)
}

func TestSessionManagerResumeExisting(t *testing.T) {
	sm := NewSessionManager(newTestOps())

	sess, present := sm.Resume("c1", false)
	require.False(t, present)
	sess.Subscriptions.Add("a/b", packets.Subscription{Filter: "a/b"})

	resumed, present := sm.Resume("c1", false)
	require.True(t, present)
	require.Same(t, sess, resumed)
	_, ok := resumed.Subscriptions.Get("a/b")
	require.True(t, ok)
}

func TestSessionManagerDiscard(t *testing.T) {
	sm := NewSessionManager(newTestOps())
	sm.Resume("c1", true)
	require.Equal(t, 1, sm.Len())

	sm.Discard("c1")
	require.Equal(t, 0, sm.Len())
	_, ok := sm.Get("c1")
	require.False(t, ok)
}

func TestSessionManagerScheduleExpiryDiscardsAfterInterval(t *testing.T) {
	sm := NewSessionManager(newTestOps())
	sm.Resume("c1", true)

	sm.ScheduleExpiry("c1", 1)
	_, ok := sm.Get("c1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := sm.Get("c1")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSessionManagerScheduleExpiryZeroDiscardsImmediately(t *testing.T) {
	sm := NewSessionManager(newTestOps())
	sm.Resume("c1", true)

	sm.ScheduleExpiry("c1", 0)
	_, ok := sm.Get("c1")
	require.False(t, ok)
}

func TestSessionManagerResumeCancelsPendingExpiry(t *testing.T) {
	sm := NewSessionManager(newTestOps())
	sm.Resume("c1", true)
	sm.ScheduleExpiry("c1", 1)

	// resuming before the timer fires should cancel it
	_, present := sm.Resume("c1", false)
	require.True(t, present)

	time.Sleep(1200 * time.Millisecond)
	_, ok := sm.Get("c1")
	require.True(t, ok)
}

package topics

import (
	"testing"

	"github.com/nimbus-mqtt/broker/packets"
	"github.com/stretchr/testify/require"
)

func TestIndexSubscribeUnsubscribe(t *testing.T) {
	x := NewIndex()
	require.True(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 1}))
	require.False(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 0}))

	subs := x.Subscribers("a/b/c")
	require.Contains(t, subs.Subscriptions, "cl1")

	require.True(t, x.Unsubscribe("a/b/c", "cl1"))
	require.False(t, x.Unsubscribe("a/b/c", "cl1"))
}

func TestIndexWildcards(t *testing.T) {
	x := NewIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/+/c", Qos: 0})
	x.Subscribe("cl2", packets.Subscription{Filter: "a/#", Qos: 0})

	subs := x.Subscribers("a/b/c")
	require.Contains(t, subs.Subscriptions, "cl1")
	require.Contains(t, subs.Subscriptions, "cl2")
}

func TestIndexSysTopicsExcludedFromPublishFilter(t *testing.T) {
	require.False(t, IsValidFilter("$SYS/broker/uptime", true))
	require.True(t, IsValidFilter("$SYS/broker/uptime", false))
}

func TestIndexSharedSubscriptionRoundRobin(t *testing.T) {
	x := NewIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "$SHARE/g1/topic/a"})
	x.Subscribe("cl2", packets.Subscription{Filter: "$SHARE/g1/topic/a"})

	subs := x.Subscribers("topic/a")
	require.Len(t, subs.Shared["$SHARE/g1/topic/a"], 2)

	group := x.SharedGroups("$SHARE/g1/topic/a")
	require.NotNil(t, group)

	first, _, ok := group.Next("g1")
	require.True(t, ok)
	second, _, ok := group.Next("g1")
	require.True(t, ok)
	require.NotEqual(t, first, second)
}

func TestIsSharedFilter(t *testing.T) {
	require.True(t, IsSharedFilter("$SHARE/group/topic"))
	require.False(t, IsSharedFilter("topic"))
}

func TestIsValidFilter(t *testing.T) {
	require.True(t, IsValidFilter("a/b/#", false))
	require.False(t, IsValidFilter("a/#/b", false))
	require.False(t, IsValidFilter("$SHARE", false))
	require.False(t, IsValidFilter("$SHARE/group/+/#", true))
}

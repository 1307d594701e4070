package dispatch

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-mqtt/broker/packets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnActorProcessesPacketsInOrder(t *testing.T) {
	system := actor.NewActorSystem()

	pkts := make(chan packets.Packet, 1)
	feed := make(chan packets.Packet)
	readErr := errors.New("test: read loop stopped")

	var mu sync.Mutex
	var order []uint16

	h := Handlers{
		Read: func() (packets.Packet, error) {
			pk, ok := <-feed
			if !ok {
				return packets.Packet{}, readErr
			}
			return pk, nil
		},
		Process: func(pk packets.Packet) error {
			mu.Lock()
			order = append(order, pk.PacketID)
			mu.Unlock()
			return nil
		},
		Disconnect: func(err error) {
			pkts <- packets.Packet{}
			_ = err
		},
	}

	pid := system.Root.Spawn(NewConnActor(h, discardLogger()))

	feed <- packets.Packet{PacketID: 1}
	feed <- packets.Packet{PacketID: 2}
	feed <- packets.Packet{PacketID: 3}
	close(feed)

	<-pkts // wait for Disconnect to fire, meaning the loop drained

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint16{1, 2, 3}, order)

	system.Root.Stop(pid)
}

func TestConnActorStopsOnProcessError(t *testing.T) {
	system := actor.NewActorSystem()

	feed := make(chan packets.Packet, 1)
	done := make(chan error, 1)
	processErr := errors.New("boom")

	h := Handlers{
		Read: func() (packets.Packet, error) {
			return <-feed, nil
		},
		Process: func(pk packets.Packet) error {
			return processErr
		},
		Disconnect: func(err error) {
			done <- err
		},
	}

	system.Root.Spawn(NewConnActor(h, discardLogger()))
	feed <- packets.Packet{PacketID: 1}

	select {
	case err := <-done:
		require.ErrorIs(t, err, processErr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Disconnect")
	}
}

func TestSessionManagerActorSerialisesConnects(t *testing.T) {
	system := actor.NewActorSystem()

	var mu sync.Mutex
	seen := map[string]bool{}

	attach := func(id string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			present := seen[id]
			seen[id] = true
			return present
		}
	}

	pid := system.Root.Spawn(NewSessionManagerActor())

	reply1 := make(chan bool, 1)
	system.Root.Send(pid, &ConnectArrived{Attach: attach("c1"), Reply: reply1})
	require.False(t, <-reply1)

	reply2 := make(chan bool, 1)
	system.Root.Send(pid, &ConnectArrived{Attach: attach("c1"), Reply: reply2})
	require.True(t, <-reply2)
}

// TestSessionManagerActorSerialisesEvictAndRegister exercises the actual
// shape of the race comment 6 fixes: two concurrent Attach closures racing
// to register the same client id must be strictly ordered by the actor
// mailbox, so the "check existing, then register" sequence never overlaps.
func TestSessionManagerActorSerialisesEvictAndRegister(t *testing.T) {
	system := actor.NewActorSystem()
	pid := system.Root.Spawn(NewSessionManagerActor())

	var mu sync.Mutex
	registered := map[string]int{}
	evictions := 0

	attach := func() bool {
		mu.Lock()
		if registered["c1"] > 0 {
			evictions++
		}
		registered["c1"]++
		mu.Unlock()
		return false
	}

	reply1 := make(chan bool, 1)
	reply2 := make(chan bool, 1)
	system.Root.Send(pid, &ConnectArrived{Attach: attach, Reply: reply1})
	system.Root.Send(pid, &ConnectArrived{Attach: attach, Reply: reply2})
	<-reply1
	<-reply2

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, registered["c1"])
	require.Equal(t, 1, evictions)
}

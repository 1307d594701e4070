package listeners

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTCP(t *testing.T) {
	l := NewTCP("t1", ":1883", nil)
	require.Equal(t, "t1", l.id)
	require.Equal(t, ":1883", l.address)
}

func BenchmarkNewTCP(b *testing.B) {
	for n := 0; n < b.N; n++ {
		NewTCP("t1", ":1883", nil)
	}
}

func TestTCPID(t *testing.T) {
	l := NewTCP("t1", ":1883", nil)
	require.Equal(t, "t1", l.ID())
}

func TestTCPProtocol(t *testing.T) {
	l := NewTCP("t1", ":1883", nil)
	require.Equal(t, "tcp", l.Protocol())
}

func TestNewTCPWithRateLimit(t *testing.T) {
	l := NewTCP("t1", ":1883", &Config{ConnectionsPerSecond: 10})
	require.NotNil(t, l.limiter)

	l2 := NewTCP("t1", ":1883", &Config{})
	require.Nil(t, l2.limiter)
}

func TestTCPInit(t *testing.T) {
	l := NewTCP("t1", ":1883", nil)
	err := l.Init(logger)
	require.NoError(t, err)

	// Existing bind address.
	l2 := NewTCP("t2", ":1883", nil)
	err = l2.Init(logger)
	require.Error(t, err)
	l.listen.Close()
}

func TestTCPServe(t *testing.T) {
	// Close Connection.
	l := NewTCP("t1", ":1883", nil)
	err := l.Init(logger)
	require.NoError(t, err)
	o := make(chan bool)
	go func(o chan bool) {
		l.Serve(MockEstablisher)
		o <- true
	}(o)
	time.Sleep(time.Millisecond)
	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.Equal(t, true, closed)
	<-o

	// Close broken/closed listener.
	l = NewTCP("t1", ":1883", nil)
	err = l.Init(logger)
	require.NoError(t, err)
	o = make(chan bool)
	go func(o chan bool) {
		l.Serve(MockEstablisher)
		o <- true
	}(o)

	time.Sleep(time.Millisecond)
	l.listen.Close()
	l.Close(MockCloser)
	<-o

	// Accept/Establish.
	l = NewTCP("t1", ":1883", nil)
	err = l.Init(logger)
	require.NoError(t, err)
	o = make(chan bool)
	ok := make(chan bool)
	go func(o chan bool, ok chan bool) {
		l.Serve(func(id string, c net.Conn) error {
			ok <- true
			return errors.New("testing")
		})
		o <- true
	}(o, ok)

	time.Sleep(time.Millisecond)
	net.Dial("tcp", l.listen.Addr().String())
	require.Equal(t, true, <-ok)
	l.Close(MockCloser)
	<-o
}

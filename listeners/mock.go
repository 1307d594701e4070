// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"log/slog"
)

// MockEstablisher is a function signature which can be used in testing. It
// never touches the actor dispatcher, so it stands in for
// Server.EstablishConnection wherever a listener test only needs to know
// whether a connection reached the establish callback, not what happened to
// it afterwards.
func MockEstablisher(id string, c net.Conn) error {
	return nil
}

// MockCloser is a function signature which can be used in testing.
func MockCloser(id string) {}

// MockListener is a mock listener for establishing client connections. It
// satisfies the Listener interface without opening a real socket, so the
// Listeners collection and the establish/close plumbing around it can be
// exercised without a network round trip.
type MockListener struct {
	sync.RWMutex
	id          string    // the id of the listener
	address     string    // the network address the listener binds to
	Config      *Config   // configuration for the listener
	done        chan bool // indicate the listener is done
	Serving     bool      // indicate the listener is serving
	Listening   bool      // indiciate the listener is listening
	ErrListen   bool      // throw an error on listen
	established int32     // count of conns handed to the establish callback via Establish
}

// NewMockListener returns a new instance of MockListener.
func NewMockListener(id, address string) *MockListener {
	return &MockListener{
		id:      id,
		address: address,
		done:    make(chan bool),
	}
}

// Serve serves the mock listener.
func (l *MockListener) Serve(establisher EstablishFn) {
	l.Lock()
	l.Serving = true
	l.Unlock()

	for range l.done {
		return
	}
}

// Init initializes the listener.
func (l *MockListener) Init(log *slog.Logger) error {
	if l.ErrListen {
		return fmt.Errorf("listen failure")
	}

	l.Lock()
	defer l.Unlock()
	l.Listening = true
	return nil
}

// ID returns the id of the mock listener.
func (l *MockListener) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *MockListener) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener, always "mock".
func (l *MockListener) Protocol() string {
	return "mock"
}

// Close closes the mock listener.
func (l *MockListener) Close(closer CloseFn) {
	l.Lock()
	defer l.Unlock()
	l.Serving = false
	closer(l.id)
	close(l.done)
}

// IsServing indicates whether the mock listener is serving.
func (l *MockListener) IsServing() bool {
	l.Lock()
	defer l.Unlock()
	return l.Serving
}

// IsListening indicates whether the mock listener is listening.
func (l *MockListener) IsListening() bool {
	l.Lock()
	defer l.Unlock()
	return l.Listening
}

// Establish feeds conn to establish as if it had just been accepted, and
// counts the call. It lets a test drive a MockListener through the same
// EstablishFn callback a real listener uses to hand a socket off to the
// actor dispatcher, without needing a real net.Conn.
func (l *MockListener) Establish(establish EstablishFn, conn net.Conn) error {
	atomic.AddInt32(&l.established, 1)
	return establish(l.id, conn)
}

// Established returns how many conns have been passed to Establish.
func (l *MockListener) Established() int {
	return int(atomic.LoadInt32(&l.established))
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"context"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/time/rate"

	"log/slog"
)

// UnixSock is a listener for establishing client connections over a Unix
// domain socket, handing each accepted conn to the same establish callback
// (Server.EstablishConnection) TCP and Websocket use, so a connection
// arriving on any transport ends up running through the same actor
// dispatcher.
type UnixSock struct {
	id      string
	address string
	config  *Config
	listen  net.Listener
	log     *slog.Logger
	end     uint32 // ensure the close methods are only called once.
	limiter *rate.Limiter
}

// NewUnixSock initialises and returns a new UnixSock listener, listening on
// an address. A non-zero Config.ConnectionsPerSecond throttles accept
// handoff exactly as it does for TCP, since a Unix socket can see the same
// connect-burst pattern from a busy local process.
func NewUnixSock(id, address string, config *Config) *UnixSock {
	if config == nil {
		config = new(Config)
	}
	l := &UnixSock{
		id:      id,
		address: address,
		config:  config,
	}
	if config.ConnectionsPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(config.ConnectionsPerSecond), int(config.ConnectionsPerSecond))
	}
	return l
}

// ID returns the id of the listener.
func (l *UnixSock) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *UnixSock) Address() string {
	return l.address
}

// Protocol returns the transport of the listener.
func (l *UnixSock) Protocol() string {
	return "unix"
}

// Init opens the listening socket, removing any stale socket file left
// behind by a previous, uncleanly-terminated run.
func (l *UnixSock) Init(log *slog.Logger) error {
	l.log = log

	_ = os.Remove(l.address)
	var err error
	l.listen, err = net.Listen("unix", l.address)
	return err
}

// Serve starts waiting for new connections, and calls the establish
// connection callback for any received.
func (l *UnixSock) Serve(establish EstablishFn) {
	for {
		if atomic.LoadUint32(&l.end) == 1 {
			return
		}

		conn, err := l.listen.Accept()
		if err != nil {
			return
		}

		if l.limiter != nil {
			if werr := l.limiter.Wait(context.Background()); werr != nil {
				_ = conn.Close()
				continue
			}
		}

		if atomic.LoadUint32(&l.end) == 0 {
			go func() {
				if err := establish(l.id, conn); err != nil {
					l.log.Warn("unix establish failed", "error", err, "listener", l.id)
				}
			}()
		}
	}
}

// Close closes the listener and any client connections.
func (l *UnixSock) Close(closeClients CloseFn) {
	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		closeClients(l.id)
	}

	if l.listen != nil {
		_ = l.listen.Close()
	}
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"

	"golang.org/x/time/rate"

	"log/slog"
)

// TCP is a listener for establishing client connections on basic TCP
// protocol, with optional TLS.
type TCP struct { // [MQTT-4.2.0-1]
	id      string
	address string
	config  *Config
	listen  net.Listener
	log     *slog.Logger
	end     uint32 // ensure the close methods are only called once
	limiter *rate.Limiter
}

// NewTCP initialises and returns a new TCP listener, listening on an address.
// A non-zero Config.ConnectionsPerSecond throttles how fast accepted sockets
// are handed off to establish, so a connect burst is smoothed rather than
// spiking one goroutine per socket all at once.
func NewTCP(id, address string, config *Config) *TCP {
	if config == nil {
		config = new(Config)
	}
	t := &TCP{
		id:      id,
		address: address,
		config:  config,
	}
	if config.ConnectionsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(config.ConnectionsPerSecond), int(config.ConnectionsPerSecond))
	}
	return t
}

// ID returns the id of the listener.
func (l *TCP) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *TCP) Address() string {
	return l.address
}

// Protocol returns the transport of the listener.
func (l *TCP) Protocol() string {
	if l.config.TLSConfig != nil {
		return "tcps"
	}
	return "tcp"
}

// Init opens the listening socket.
func (l *TCP) Init(log *slog.Logger) error {
	l.log = log

	var err error
	if l.config.TLSConfig != nil {
		l.listen, err = tls.Listen("tcp", l.address, l.config.TLSConfig)
	} else {
		l.listen, err = net.Listen("tcp", l.address)
	}

	return err
}

// Serve starts waiting for new TCP connections, and calls the establish
// connection callback for any received.
func (l *TCP) Serve(establish EstablishFn) {
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
					l.log.Warn("tcp establish failed", "error", err, "listener", l.id)
				}
			}()
		}
	}
}

// Close closes the listener and any client connections.
func (l *TCP) Close(closeClients CloseFn) {
	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		closeClients(l.id)
	}

	if l.listen != nil {
		_ = l.listen.Close()
	}
}

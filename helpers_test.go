package mqtt

import (
	"io"
	"log/slog"
	"net"

	"github.com/nimbus-mqtt/broker/system"
)

// newTestOps returns an ops bundle with default capabilities and a
// discard logger, suitable for constructing Clients/Sessions in tests
// without spinning up a full Server.
func newTestOps() *ops {
	o := &Options{}
	o.ensureDefaults()
	o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	hooks := new(Hooks)
	hooks.Log = o.Logger
	return &ops{
		options: o,
		info:    &system.Info{},
		hooks:   hooks,
		log:     o.Logger,
	}
}

// newTestClient returns a Client wired to one end of an in-memory net.Pipe,
// with the other end returned so a test can read/write the wire bytes
// directly.
func newTestClient() (*Client, net.Conn, *ops) {
	server, client := net.Pipe()
	o := newTestOps()
	cl := NewClient(server, "t1", o)
	return cl, client, o
}

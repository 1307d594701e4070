// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asynkron/protoactor-go/actor"

	"github.com/nimbus-mqtt/broker/packets"
	"github.com/nimbus-mqtt/broker/topics"
)

// Will holds the last-will fields parsed off a CONNECT packet. The core
// decodes these fields so the rest of the payload parses correctly but
// never arms or sends a will message (Non-goal).
type Will struct {
	Flag              bool
	Qos               byte
	Retain            bool
	Topic             string
	Payload           []byte
	WillDelayInterval uint32
}

// ClientProperties holds the negotiated CONNECT-time state for a client.
type ClientProperties struct {
	Username        string
	Clean           bool
	ProtocolVersion byte
	Will            Will
	Props           struct {
		AssignedClientID          string
		ReceiveMaximum            uint16
		SessionExpiryInterval     uint32
		SessionExpiryIntervalFlag bool
		TopicAliasMaximum         uint16
	}
}

// ClientConnection holds the underlying transport for a client.
type ClientConnection struct {
	Conn     net.Conn
	Listener string
	Remote   string
	Inline   bool // true for server-injected/system publishes with no real socket
}

// ClientState holds the mutable, per-connection runtime state of a client:
// its in-flight QoS 1 tracker, its live subscription set, and its bounded
// outbound packet channel.
type ClientState struct {
	Inflight        *Inflight
	Subscriptions   *topics.Subscriptions
	Keepalive       uint16
	ServerKeepalive bool

	outbound    chan *packets.Packet
	outboundQty int32

	stopOnce  sync.Once
	stopErr   error
	closed    atomic.Bool
	takenOver atomic.Bool

	deadline time.Time
	mu       sync.Mutex
}

// Client represents a single connected (or being-connected) MQTT client.
// One Client is owned by exactly one ConnActor for its lifetime.
type Client struct {
	ID         string
	Net        ClientConnection
	Properties ClientProperties
	State      ClientState

	PID *actor.PID // the ConnActor mailbox this client's reads are delivered to.

	ops *ops
	r   *bufio.Reader
}

// NewClient returns a new Client wrapping conn, ready to negotiate CONNECT.
func NewClient(conn net.Conn, listenerID string, o *ops) *Client {
	cl := &Client{
		Net: ClientConnection{
			Conn:     conn,
			Listener: listenerID,
			Remote:   conn.RemoteAddr().String(),
		},
		ops: o,
		r:   bufio.NewReaderSize(conn, 4096),
	}
	cl.State.Inflight = NewInflights()
	cl.State.Subscriptions = topics.NewSubscriptions()
	cl.State.outbound = make(chan *packets.Packet, o.options.Capabilities.MaximumClientWritesPending)
	return cl
}

// ReadPacket reads and decodes the next packet from the client, applying the
// broker's maximum packet size cap.
func (cl *Client) ReadPacket() (packets.Packet, error) {
	cl.refreshDeadline(cl.State.Keepalive)
	return packets.ReadPacket(cl.r, cl.ops.options.Capabilities.MaximumPacketSize)
}

// refreshDeadline extends the read deadline to 1.5x the negotiated keepalive,
// per [MQTT-3.1.2-22]. A zero keepalive disables the deadline.
func (cl *Client) refreshDeadline(keepalive uint16) {
	if keepalive == 0 {
		_ = cl.Net.Conn.SetReadDeadline(time.Time{})
		return
	}
	d := time.Duration(float64(keepalive) * 1.5 * float64(time.Second))
	_ = cl.Net.Conn.SetReadDeadline(time.Now().Add(d))
}

// NextPacketID allocates the lowest QoS 1 packet identifier (1..65535) for
// this client that is not already in flight.
func (cl *Client) NextPacketID() (uint16, error) {
	cl.State.mu.Lock()
	defer cl.State.mu.Unlock()

	i := uint32(0)
	for i < 65535 {
		i++
		id := uint16(i)
		if id == 0 {
			continue
		}
		if _, ok := cl.State.Inflight.Get(id); !ok {
			return id, nil
		}
	}
	return 0, ErrQuotaExceeded
}

// ErrQuotaExceeded is returned when a client has exhausted its packet
// identifier space (65535 concurrent in-flight QoS 1 publishes).
var ErrQuotaExceeded = errors.New("client: packet identifiers exhausted")

// WritePacket enqueues pk for WriteLoop to encode and send, applying non-blocking
// backpressure: if the outbound channel is full the packet is dropped and
// counted rather than blocking the caller (grounded on the teacher's
// publishToClient select/default pattern).
func (cl *Client) WritePacket(pk packets.Packet) error {
	if cl.State.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case cl.State.outbound <- &pk:
		atomic.AddInt32(&cl.State.outboundQty, 1)
		return nil
	default:
		cl.ops.hooks.OnPublishDropped(cl, pk)
		atomic.AddInt64(&cl.ops.info.MessagesDropped, 1)
		return packets.ErrPendingClientWritesExceeded
	}
}

// ErrConnectionClosed indicates an operation was attempted on a client
// whose network connection has already been torn down.
var ErrConnectionClosed = errors.New("client: connection closed")

// WriteLoop drains the outbound channel onto the wire until the channel is
// closed or a write fails. It is run in its own goroutine per connection so
// that a slow reader never blocks the actor processing that client's events.
func (cl *Client) WriteLoop() {
	for pk := range cl.State.outbound {
		atomic.AddInt32(&cl.State.outboundQty, -1)
		if err := cl.directWrite(*pk); err != nil {
			cl.ops.log.Warn("write failed", slog.String("client", cl.ID), slog.String("error", err.Error()))
			_ = cl.Stop(err)
			return
		}
		cl.ops.hooks.OnPacketSent(cl, *pk, nil)
	}
}

func (cl *Client) directWrite(pk packets.Packet) error {
	pk = cl.ops.hooks.OnPacketEncode(cl, pk)
	var buf bytes.Buffer
	if err := pk.Encode(&buf); err != nil {
		return err
	}
	_, err := cl.Net.Conn.Write(buf.Bytes())
	return err
}

// ClearInflights discards in-flight packets whose expiry has elapsed,
// returning the ids removed. The session's offline queue is not touched.
func (cl *Client) ClearInflights(now, maximumExpiry int64) []uint16 {
	var deleted []uint16
	for _, pk := range cl.State.Inflight.GetAll(false) {
		if pk.Expiry > 0 && pk.Expiry < now {
			cl.State.Inflight.Delete(pk.PacketID)
			deleted = append(deleted, pk.PacketID)
		}
	}
	return deleted
}

// IsTakenOver reports whether a newer connection has claimed this client id,
// meaning this Client's read/write loops should exit without sending
// DISCONNECT twice.
func (cl *Client) IsTakenOver() bool {
	return cl.State.takenOver.Load()
}

// Stop closes the client's network connection and outbound channel exactly
// once, recording the first error/reason given.
func (cl *Client) Stop(err error) error {
	cl.State.stopOnce.Do(func() {
		cl.State.stopErr = err
		cl.State.closed.Store(true)
		close(cl.State.outbound)
		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close()
		}
	})
	return cl.State.stopErr
}

// Closed reports whether Stop has been called for this client.
func (cl *Client) Closed() bool {
	return cl.State.closed.Load()
}

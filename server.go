// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt implements a broker for the MQTT 5.0 protocol, restricted to
// QoS 0 and QoS 1 delivery: no QoS 2, no retained messages, no persistence
// beyond process memory, no bridging or clustering.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/rs/xid"

	"github.com/nimbus-mqtt/broker/internal/dispatch"
	"github.com/nimbus-mqtt/broker/listeners"
	"github.com/nimbus-mqtt/broker/packets"
	"github.com/nimbus-mqtt/broker/system"
	"github.com/nimbus-mqtt/broker/topics"
)

// Version identifies the broker build, reported as system.Info.Version.
const Version = "1.0.0"

// errClientDisconnected marks a clean, client-initiated end of connection so
// closeClient knows not to report it to hooks as a genuine error.
var errClientDisconnected = errors.New("mqtt: client sent disconnect")

// Server is a self-contained MQTT broker: it owns a client registry, a
// session store, a topic index, and the set of listeners that feed it new
// connections. Every exported method is safe to call concurrently.
type Server struct {
	Options   *Options
	Clients   *Clients
	Sessions  *SessionManager
	Topics    *topics.Index
	Listeners listeners.Listeners
	Info      *system.Info
	Log       *slog.Logger

	hooks *Hooks
	ops   *ops

	actors        *actor.ActorSystem
	sessionMgrPID *actor.PID

	done chan bool
}

// New returns a new Server ready to have listeners and hooks attached.
func New(o *Options) *Server {
	if o == nil {
		o = new(Options)
	}
	o.ensureDefaults()

	info := &system.Info{Version: Version, Started: time.Now().Unix()}

	hooks := new(Hooks)
	hooks.Log = o.Logger

	s := &Server{
		Options:   o,
		Clients:   NewClients(),
		Topics:    topics.NewIndex(),
		Listeners: listeners.NewListeners(),
		Info:      info,
		Log:       o.Logger,
		hooks:     hooks,
		actors:    actor.NewActorSystem(),
		done:      make(chan bool),
	}
	s.ops = &ops{options: o, info: info, hooks: hooks, log: o.Logger}
	s.Sessions = NewSessionManager(s.ops)
	s.sessionMgrPID = s.actors.Root.Spawn(dispatch.NewSessionManagerActor())

	return s
}

// AddHook initialises hook and adds it to the server's hook chain.
func (s *Server) AddHook(hook Hook, config any) error {
	hook.SetOpts(s.Log, &HookOptions{Capabilities: s.Options.Capabilities})
	if err := s.hooks.Add(hook, config); err != nil {
		return err
	}
	s.Log.Info("added hook", "hook", hook.ID())
	return nil
}

// AddHooksFromConfig adds every hook listed in Options.Hooks.
func (s *Server) AddHooksFromConfig() error {
	for _, hc := range s.Options.Hooks {
		if err := s.AddHook(hc.Hook, hc.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener registers a listener the server will accept connections from
// once Serve is called.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return fmt.Errorf("mqtt: listener id %q already registered", l.ID())
	}
	s.Listeners.Add(l)
	s.Log.Info("added listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig builds and registers every listener described in
// Options.Listeners.
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, c := range configs {
		cfg := c
		var l listeners.Listener
		switch cfg.Type {
		case listeners.TypeTCP:
			l = listeners.NewTCP(cfg.ID, cfg.Address, &cfg)
		case listeners.TypeWebsocket:
			l = listeners.NewWebsocket(cfg.ID, cfg.Address, &cfg)
		case listeners.TypeUnixSock:
			l = listeners.NewUnixSock(cfg.ID, cfg.Address, &cfg)
		default:
			return fmt.Errorf("mqtt: unknown listener type %q", cfg.Type)
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts every registered listener and the $SYS info ticker, blocking
// until every listener stops accepting connections.
func (s *Server) Serve() error {
	s.Log.Info("starting broker", "version", Version)
	s.hooks.OnStarted()
	go s.eventLoop()
	return s.Listeners.ServeAll(s.Log, s.EstablishConnection)
}

// eventLoop periodically refreshes $SYS statistics and fires OnSysInfoTick.
func (s *Server) eventLoop() {
	ticker := time.NewTicker(time.Duration(s.Options.SysTopicResendInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			atomic.StoreInt64(&s.Info.Time, now.Unix())
			atomic.StoreInt64(&s.Info.Uptime, now.Unix()-s.Info.Started)
			atomic.StoreInt64(&s.Info.ClientsConnected, int64(s.Clients.Len()))
			s.hooks.OnSysInfoTick(s.Info)
		}
	}
}

// EstablishConnection is passed to Listeners.ServeAll as the accept
// callback. It performs the synchronous CONNECT handshake for a freshly
// accepted connection and, once the client is attached, hands the
// connection off to a ConnActor for the rest of its life, grounded on the
// teacher's own establishConnection/inheritClientSession split, generalised
// onto the actor dispatcher.
func (s *Server) EstablishConnection(listenerID string, c net.Conn) error {
	cl := NewClient(c, listenerID, s.ops)
	go cl.WriteLoop()

	if err := s.attachClient(cl); err != nil {
		s.Log.Warn("connect failed", "remote", cl.Net.Remote, "error", err)
		_ = cl.Stop(err)
		return err
	}

	handlers := dispatch.Handlers{
		Read: func() (packets.Packet, error) {
			pk, err := cl.ReadPacket()
			if err != nil {
				return pk, err
			}
			return s.hooks.OnPacketRead(cl, pk)
		},
		Process: func(pk packets.Packet) error {
			return s.processPacket(cl, pk)
		},
		Disconnect: func(err error) {
			s.closeClient(cl, err)
		},
	}
	cl.PID = s.actors.Root.Spawn(dispatch.NewConnActor(handlers, s.Log))
	return nil
}

// attachClient runs the CONNECT handshake for a newly accepted client:
// decode, validate, authenticate, resolve session takeover/resume through
// the session manager actor, and reply with CONNACK.
func (s *Server) attachClient(cl *Client) error {
	pk, err := cl.ReadPacket()
	if err != nil {
		return fmt.Errorf("mqtt: read connect: %w", err)
	}
	if pk.FixedHeader.Type != packets.Connect {
		return packets.ErrProtocolViolationRequireFirstConnect
	}

	pk, err = s.hooks.OnPacketRead(cl, pk)
	if err != nil {
		return err
	}

	if code, verr := pk.ConnectValidate(); verr != nil {
		_ = s.sendConnack(cl, code, false)
		return verr
	}

	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean
	cl.Properties.ProtocolVersion = pk.Connect.ProtocolVersion
	cl.Properties.Will = Will{
		Flag:              pk.Connect.WillFlag,
		Qos:               pk.Connect.WillQos,
		Retain:            pk.Connect.WillRetain,
		Topic:             pk.Connect.WillTopic,
		Payload:           pk.Connect.WillPayload,
		WillDelayInterval: pk.Connect.WillProperties.WillDelayInterval,
	}
	cl.Properties.Props.ReceiveMaximum = pk.Properties.ReceiveMaximum
	cl.Properties.Props.SessionExpiryInterval = pk.Properties.SessionExpiryInterval
	cl.Properties.Props.SessionExpiryIntervalFlag = pk.Properties.SessionExpiryIntervalFlag
	cl.Properties.Props.TopicAliasMaximum = pk.Properties.TopicAliasMaximum

	if !s.hooks.OnConnectAuthenticate(cl, pk) {
		_ = s.sendConnack(cl, packets.ErrBadUsernameOrPassword, false)
		return packets.ErrConnNotAuthorized
	}

	id := pk.Connect.ClientIdentifier
	if id == "" {
		id = "auto-" + xid.New().String()
		cl.Properties.Props.AssignedClientID = id
	}
	cl.ID = id

	expiry := pk.Properties.SessionExpiryInterval
	if expiry > s.Options.Capabilities.MaximumSessionExpiryInterval {
		expiry = s.Options.Capabilities.MaximumSessionExpiryInterval
	}
	cl.Properties.Props.SessionExpiryInterval = expiry

	// Evicting any existing connection for this id, resuming the session, and
	// registering cl in s.Clients all run inside the single Attach closure
	// the session manager actor executes, so this whole sequence is atomic
	// with respect to every other CONNECT the broker is handling: two
	// concurrent first-time CONNECTs for the same id can never both register
	// unevicted.
	clean := pk.Connect.Clean
	reply := make(chan bool, 1)
	s.actors.Root.Send(s.sessionMgrPID, &dispatch.ConnectArrived{
		Attach: func() bool {
			if old, ok := s.Clients.Get(id); ok {
				s.evict(old)
			}
			_, present := s.Sessions.Resume(id, clean)
			s.Clients.Add(cl)
			atomic.AddInt64(&s.Info.ClientsConnected, 1)
			atomic.AddInt64(&s.Info.ClientsTotal, 1)
			return present
		},
		Reply: reply,
	})
	sessionPresent := <-reply

	sess, ok := s.Sessions.Get(id)
	if !ok {
		return fmt.Errorf("mqtt: session for %q vanished after resume", id)
	}
	cl.State.Subscriptions = sess.Subscriptions
	cl.State.Inflight = sess.Inflight

	keepalive := pk.Connect.Keepalive
	if s.Options.Capabilities.MaximumKeepAlive > 0 && keepalive > s.Options.Capabilities.MaximumKeepAlive {
		keepalive = s.Options.Capabilities.MaximumKeepAlive
		cl.State.ServerKeepalive = true
	}
	cl.State.Keepalive = keepalive

	cl.State.Inflight.ResetReceiveQuota(int32(s.Options.Capabilities.MaximumInflight))
	if pk.Properties.ReceiveMaximum > 0 {
		cl.State.Inflight.ResetSendQuota(int32(pk.Properties.ReceiveMaximum))
	} else {
		cl.State.Inflight.ResetSendQuota(int32(s.Options.Capabilities.ReceiveMaximum))
	}

	if cerr := s.hooks.OnConnect(cl, pk); cerr != nil {
		s.Clients.Delete(id)
		atomic.AddInt64(&s.Info.ClientsConnected, -1)
		_ = s.sendConnack(cl, connackCodeForError(cerr), sessionPresent)
		return cerr
	}

	if err := s.sendConnack(cl, packets.CodeSuccess, sessionPresent); err != nil {
		return err
	}

	s.hooks.OnSessionEstablished(cl, pk)

	// redeliver the offline QoS 1 backlog before anything else so a resumed
	// session sees its queue drain ahead of any newly published messages.
	for _, queued := range sess.drain() {
		queued.FixedHeader.Dup = false
		_ = cl.WritePacket(queued)
	}

	return nil
}

// connackCodeForError maps a hook-returned error to the CONNACK reason code
// reported back to the client. A hook returning a packets.Code is echoed
// directly; anything else reports as implementation specific.
func connackCodeForError(err error) packets.Code {
	if code, ok := err.(packets.Code); ok {
		return code
	}
	return packets.ErrImplementationSpecificError
}

// sendConnack builds and writes a CONNACK reflecting the server's negotiated
// capabilities.
func (s *Server) sendConnack(cl *Client, code packets.Code, sessionPresent bool) error {
	ack := packets.Packet{
		FixedHeader:    packets.NewFixedHeader(packets.Connack),
		SessionPresent: sessionPresent && code.Code == packets.CodeSuccess.Code,
		AckReasonCode:  code.Code,
	}
	caps := s.Options.Capabilities
	ack.Properties.ReceiveMaximum = caps.ReceiveMaximum
	ack.Properties.MaximumQos = caps.MaximumQos
	ack.Properties.MaximumQosFlag = true
	ack.Properties.TopicAliasMaximum = caps.TopicAliasMaximum
	ack.Properties.WildcardSubAvailable = 1
	ack.Properties.WildcardSubAvailableFlag = true
	ack.Properties.SubIDAvailable = 1
	ack.Properties.SubIDAvailableFlag = true
	ack.Properties.SharedSubAvailable = caps.SharedSubAvailable
	ack.Properties.SharedSubAvailableFlag = true
	if cl.State.ServerKeepalive {
		ack.Properties.ServerKeepAlive = cl.State.Keepalive
		ack.Properties.ServerKeepAliveFlag = true
	}
	if cl.Properties.Props.AssignedClientID != "" {
		ack.Properties.AssignedClientID = cl.Properties.Props.AssignedClientID
	}
	if code.Code != packets.CodeSuccess.Code {
		ack.Properties.ReasonString = code.Reason
	}
	return cl.WritePacket(ack)
}

// evict tears down an existing connection for a client id that a new CONNECT
// is taking over, per [MQTT-3.1.4-3]: DISCONNECT(0x8E) to the old
// connection, subscriptions and queued state left untouched for the new one
// to inherit via the session store.
func (s *Server) evict(old *Client) {
	old.State.takenOver.Store(true)
	dc := packets.Packet{
		FixedHeader:   packets.NewFixedHeader(packets.Disconnect),
		AckReasonCode: packets.ErrSessionTakenOver.Code,
	}
	// Written directly rather than queued through WritePacket: Stop below
	// closes the socket immediately after this call returns, which would
	// race the write-loop goroutine draining the outbound channel and could
	// drop the takeover notice before it reaches the old connection.
	_ = old.directWrite(dc)
	_ = old.Stop(packets.ErrSessionTakenOver)
	s.Clients.Delete(old.ID)
	atomic.AddInt64(&s.Info.ClientsConnected, -1)
	atomic.AddInt64(&s.Info.ClientsDisconnected, 1)
	s.hooks.OnDisconnect(old, packets.ErrSessionTakenOver, false)
}

// closeClient runs exactly once per client regardless of how the connection
// ended: clean DISCONNECT, socket error, or takeover eviction (which already
// ran its own teardown and marks the client taken-over so this is a no-op).
func (s *Server) closeClient(cl *Client, cause error) {
	if cl.IsTakenOver() {
		return
	}

	wasOpen := !cl.Closed()

	// A read deadline exceeded by the read loop means the client missed its
	// keepalive window: [MQTT-3.1.2-22] treats this as a protocol violation,
	// not a generic I/O error, and it gets its own reason code (0x8D) on the
	// wire rather than IoError's silent close.
	var netErr net.Error
	if wasOpen && errors.As(cause, &netErr) && netErr.Timeout() {
		cause = packets.ErrKeepAliveTimeout
		dc := packets.Packet{FixedHeader: packets.NewFixedHeader(packets.Disconnect), AckReasonCode: packets.ErrKeepAliveTimeout.Code}
		// Direct, synchronous write for the same reason as evict: Stop below
		// closes the socket right after this call returns.
		_ = cl.directWrite(dc)
	}

	_ = cl.Stop(cause)
	if !wasOpen {
		return
	}

	s.Clients.Delete(cl.ID)
	atomic.AddInt64(&s.Info.ClientsConnected, -1)
	atomic.AddInt64(&s.Info.ClientsDisconnected, 1)

	hookCause := cause
	if errors.Is(cause, errClientDisconnected) {
		hookCause = nil
	}

	expiry := cl.Properties.Props.SessionExpiryInterval
	s.hooks.OnDisconnect(cl, hookCause, expiry == 0)

	if expiry == 0 {
		s.Sessions.Discard(cl.ID)
	} else {
		s.Sessions.ScheduleExpiry(cl.ID, expiry)
	}
}

// processPacket dispatches a decoded, post-CONNECT packet to its handler.
// Returning a non-nil error tells the owning ConnActor to stop, ending the
// connection.
func (s *Server) processPacket(cl *Client, pk packets.Packet) error {
	if pk.Ignore {
		return nil
	}
	atomic.AddInt64(&s.Info.PacketsReceived, 1)

	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = packets.ErrProtocolViolationSecondConnect
	case packets.Disconnect:
		err = s.processDisconnect(cl, pk)
	case packets.Pingreq:
		err = s.processPingreq(cl)
	case packets.Publish:
		if code, verr := pk.PublishValidate(cl.Properties.Props.TopicAliasMaximum); verr != nil {
			err = s.sendDisconnectAndClose(cl, code, verr)
		} else {
			err = s.processPublish(cl, pk)
		}
	case packets.Puback:
		err = s.processPuback(cl, pk)
	case packets.Subscribe:
		if code, verr := pk.SubscribeValidate(); verr != nil {
			err = s.sendDisconnectAndClose(cl, code, verr)
		} else {
			err = s.processSubscribe(cl, pk)
		}
	case packets.Unsubscribe:
		if code, verr := pk.UnsubscribeValidate(); verr != nil {
			err = s.sendDisconnectAndClose(cl, code, verr)
		} else {
			err = s.processUnsubscribe(cl, pk)
		}
	case packets.Auth:
		if code, verr := pk.AuthValidate(); verr != nil {
			err = s.sendDisconnectAndClose(cl, code, verr)
		}
	default:
		err = fmt.Errorf("mqtt: unexpected packet type %d", pk.FixedHeader.Type)
	}

	s.hooks.OnPacketProcessed(cl, pk, err)
	return err
}

// sendDisconnectAndClose writes a DISCONNECT carrying code and returns cause
// so the calling ConnActor stops the connection.
func (s *Server) sendDisconnectAndClose(cl *Client, code packets.Code, cause error) error {
	dc := packets.Packet{FixedHeader: packets.NewFixedHeader(packets.Disconnect), AckReasonCode: code.Code}
	_ = cl.WritePacket(dc)
	return cause
}

// processDisconnect records any session-expiry-interval override the client
// supplied and tells the caller to stop the connection without a response,
// per [MQTT-3.14.4-1].
func (s *Server) processDisconnect(cl *Client, pk packets.Packet) error {
	if pk.Properties.SessionExpiryIntervalFlag {
		if cl.Properties.Props.SessionExpiryInterval == 0 && pk.Properties.SessionExpiryInterval > 0 {
			return packets.ErrProtocolViolationZeroNonZeroExpiry
		}
		expiry := pk.Properties.SessionExpiryInterval
		if expiry > s.Options.Capabilities.MaximumSessionExpiryInterval {
			expiry = s.Options.Capabilities.MaximumSessionExpiryInterval
		}
		cl.Properties.Props.SessionExpiryInterval = expiry
	}
	return errClientDisconnected
}

func (s *Server) processPingreq(cl *Client) error {
	return cl.WritePacket(packets.Packet{FixedHeader: packets.NewFixedHeader(packets.Pingresp)})
}

// processPublish runs ACL, the OnPublish hook, fan-out to subscribers, and
// (for QoS 1) the inbound receive-quota bookkeeping and PUBACK.
func (s *Server) processPublish(cl *Client, pk packets.Packet) error {
	if pk.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		return s.sendDisconnectAndClose(cl, packets.ErrQosNotSupported, packets.ErrQosNotSupported)
	}

	if !s.hooks.OnACLCheck(cl, pk.TopicName, false) {
		if pk.FixedHeader.Qos > 0 {
			return cl.WritePacket(s.buildPuback(pk.PacketID, packets.ErrNotAuthorized.Code))
		}
		return nil
	}

	pk, err := s.hooks.OnPublish(cl, pk)
	if err != nil {
		if errors.Is(err, packets.ErrRejectPacket) {
			return nil
		}
		return err
	}

	if pk.FixedHeader.Qos > 0 {
		cl.State.Inflight.Set(pk)
		cl.State.Inflight.DecreaseReceiveQuota()
	}

	s.publishToSubscribers(pk)
	s.hooks.OnPublished(cl, pk)
	atomic.AddInt64(&s.Info.MessagesReceived, 1)

	if pk.FixedHeader.Qos == 0 {
		return nil
	}

	cl.State.Inflight.Delete(pk.PacketID)
	cl.State.Inflight.IncreaseReceiveQuota()
	return cl.WritePacket(s.buildPuback(pk.PacketID, packets.CodeSuccess.Code))
}

func (s *Server) buildPuback(id uint16, code byte) packets.Packet {
	return packets.Packet{
		FixedHeader:   packets.NewFixedHeader(packets.Puback),
		PacketID:      id,
		AckReasonCode: code,
	}
}

func (s *Server) processPuback(cl *Client, pk packets.Packet) error {
	cl.State.Inflight.Delete(pk.PacketID)
	cl.State.Inflight.IncreaseSendQuota()
	return nil
}

// processSubscribe adds the requested filters to the topic index and this
// client's session, then acknowledges with SUBACK.
func (s *Server) processSubscribe(cl *Client, pk packets.Packet) error {
	pk = s.hooks.OnSubscribe(cl, pk)

	codes := make([]byte, len(pk.Filters))
	for i, f := range pk.Filters {
		switch {
		case !s.hooks.OnACLCheck(cl, f.Filter, false):
			codes[i] = packets.ErrNotAuthorized.Code
			continue
		case topics.IsSharedFilter(f.Filter) && s.Options.Capabilities.SharedSubAvailable == 0:
			codes[i] = packets.ErrSharedSubscriptionsNotSupported.Code
			continue
		}

		if f.Qos > s.Options.Capabilities.MaximumQos {
			f.Qos = s.Options.Capabilities.MaximumQos
		}

		s.Topics.Subscribe(cl.ID, f)
		cl.State.Subscriptions.Add(f.Filter, f)
		codes[i] = packets.QosCodes[f.Qos].Code
	}

	ack := packets.Packet{
		FixedHeader: packets.NewFixedHeader(packets.Suback),
		PacketID:    pk.PacketID,
		ReasonCodes: codes,
	}
	if err := cl.WritePacket(ack); err != nil {
		return err
	}

	s.hooks.OnSubscribed(cl, pk, codes)
	atomic.AddInt64(&s.Info.Subscriptions, int64(len(pk.Filters)))
	return nil
}

// processUnsubscribe removes the requested filters and acknowledges with
// UNSUBACK.
func (s *Server) processUnsubscribe(cl *Client, pk packets.Packet) error {
	pk = s.hooks.OnUnsubscribe(cl, pk)

	codes := make([]byte, len(pk.Filters))
	for i, f := range pk.Filters {
		if s.Topics.Unsubscribe(f.Filter, cl.ID) {
			cl.State.Subscriptions.Delete(f.Filter)
			codes[i] = packets.CodeSuccess.Code
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		} else {
			codes[i] = packets.CodeNoSubscriptionExisted.Code
		}
	}

	ack := packets.Packet{
		FixedHeader: packets.NewFixedHeader(packets.Unsuback),
		PacketID:    pk.PacketID,
		ReasonCodes: codes,
	}
	if err := cl.WritePacket(ack); err != nil {
		return err
	}

	s.hooks.OnUnsubscribed(cl, pk)
	return nil
}

// publishToSubscribers routes a published message to every plain subscriber
// and, for each matching shared-subscription group, the one member chosen
// by that group's round-robin cursor.
func (s *Server) publishToSubscribers(pk packets.Packet) {
	subs := s.Topics.Subscribers(pk.TopicName)
	subs = s.hooks.OnSelectSubscribers(subs, pk)

	for client, sub := range subs.Subscriptions {
		s.deliver(client, pk, sub)
	}

	for filter := range subs.Shared {
		sg := s.Topics.SharedGroups(filter)
		if sg == nil {
			continue
		}
		client, sub, ok := sg.Next(topics.ShareGroupName(filter))
		if !ok {
			continue
		}
		s.deliver(client, pk, sub)
	}
}

// deliver sends pk to a single matched client id, at the lesser of the
// publish and subscription QoS. If the client isn't currently connected,
// a QoS 1 message is queued on its session for delivery on reconnect
// (bounded per Capabilities.MaximumQueuedMessages); a QoS 0 message to an
// offline client is simply dropped, since QoS 0 carries no delivery
// guarantee to begin with.
func (s *Server) deliver(clientID string, pk packets.Packet, sub packets.Subscription) {
	out := pk.Copy(false)
	out.FixedHeader.Retain = false // no retained-message support: never propagate the retain bit downstream
	out.FixedHeader.Qos = sub.Qos
	if pk.FixedHeader.Qos < out.FixedHeader.Qos {
		out.FixedHeader.Qos = pk.FixedHeader.Qos
	}
	if len(sub.Identifiers) > 0 {
		out.Properties.SubscriptionIdentifier = append([]int{}, sub.Identifiers...)
	} else {
		out.Properties.SubscriptionIdentifier = nil
	}

	cl, live := s.Clients.Get(clientID)
	if !live {
		if out.FixedHeader.Qos == 0 {
			return
		}
		if sess, ok := s.Sessions.Get(clientID); ok {
			if dropped := sess.enqueue(out, s.Options.Capabilities.MaximumQueuedMessages); dropped {
				s.hooks.OnQosDropped(&Client{ID: clientID}, out)
				atomic.AddInt64(&s.Info.MessagesDropped, 1)
			}
		}
		return
	}

	if out.FixedHeader.Qos > 0 {
		id, err := cl.NextPacketID()
		if err != nil {
			s.hooks.OnPacketIDExhausted(cl, out)
			return
		}
		out.PacketID = id
		cl.State.Inflight.Set(out)
		cl.State.Inflight.DecreaseSendQuota()
	}

	if err := cl.WritePacket(out); err != nil {
		s.hooks.OnQosDropped(cl, out)
	}
}

// UnsubscribeClient removes every subscription a client holds, used when a
// hook or administrative action needs to detach a client without closing
// its connection.
func (s *Server) UnsubscribeClient(cl *Client) {
	for filter := range cl.State.Subscriptions.GetAll() {
		s.Topics.Unsubscribe(filter, cl.ID)
		cl.State.Subscriptions.Delete(filter)
	}
}

// DisconnectClient sends a DISCONNECT carrying code and closes the
// connection, honouring the session's negotiated expiry interval exactly as
// a client-initiated disconnect would.
func (s *Server) DisconnectClient(cl *Client, code packets.Code) error {
	_ = cl.WritePacket(packets.Packet{
		FixedHeader:   packets.NewFixedHeader(packets.Disconnect),
		AckReasonCode: code.Code,
	})
	s.closeClient(cl, code)
	return nil
}

// Close stops every listener, disconnects every connected client, and runs
// hook shutdown, in that order so no new connection can arrive mid-shutdown.
func (s *Server) Close() error {
	close(s.done)
	s.Listeners.CloseAll(s.closeListenerClients)

	for _, cl := range s.Clients.GetAll() {
		s.closeClient(cl, packets.ErrServerShuttingDown)
	}

	s.hooks.OnStopped()
	s.hooks.Stop()
	return nil
}

func (s *Server) closeListenerClients(id string) {
	for _, cl := range s.Clients.GetByListener(id) {
		s.closeClient(cl, packets.ErrServerShuttingDown)
	}
}

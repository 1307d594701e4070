// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nimbus-mqtt/broker/packets"
	"github.com/nimbus-mqtt/broker/system"
	"github.com/nimbus-mqtt/broker/topics"
)

// Hook event identifiers, reduced from the teacher's set to the events this
// broker actually fires: no retained-message or persistence-storage events,
// since neither feature exists here.
const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnConnect
	OnSessionEstablished
	OnDisconnect
	OnPacketRead
	OnPacketEncode
	OnPacketSent
	OnPacketProcessed
	OnSubscribe
	OnSubscribed
	OnSelectSubscribers
	OnUnsubscribe
	OnUnsubscribed
	OnPublish
	OnPublished
	OnPublishDropped
	OnQosDropped
	OnPacketIDExhausted
	OnClientExpired
)

// ErrInvalidConfigType indicates a hook received a config value of an
// unexpected type.
var ErrInvalidConfigType = errors.New("invalid config type provided")

// HookLoadConfig associates a Hook implementation with the config value it
// should be initialised with, for hooks specified via Options.Hooks.
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Hook provides an interface of handlers for events in the lifecycle of the
// broker and its clients. Every method is called for every registered hook
// that Provides() the corresponding event, in registration order.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnConnectAuthenticate(cl *Client, pk packets.Packet) bool
	OnACLCheck(cl *Client, topic string, write bool) bool
	OnSysInfoTick(*system.Info)
	OnConnect(cl *Client, pk packets.Packet) error
	OnSessionEstablished(cl *Client, pk packets.Packet)
	OnDisconnect(cl *Client, err error, expire bool)
	OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error)
	OnPacketEncode(cl *Client, pk packets.Packet) packets.Packet
	OnPacketSent(cl *Client, pk packets.Packet, b []byte)
	OnPacketProcessed(cl *Client, pk packets.Packet, err error)
	OnSubscribe(cl *Client, pk packets.Packet) packets.Packet
	OnSubscribed(cl *Client, pk packets.Packet, reasonCodes []byte)
	OnSelectSubscribers(subs *topics.Subscribers, pk packets.Packet) *topics.Subscribers
	OnUnsubscribe(cl *Client, pk packets.Packet) packets.Packet
	OnUnsubscribed(cl *Client, pk packets.Packet)
	OnPublish(cl *Client, pk packets.Packet) (packets.Packet, error)
	OnPublished(cl *Client, pk packets.Packet)
	OnPublishDropped(cl *Client, pk packets.Packet)
	OnQosDropped(cl *Client, pk packets.Packet)
	OnPacketIDExhausted(cl *Client, pk packets.Packet)
	OnClientExpired(cl *Client)
}

// HookOptions carries values a hook inherits from the server at Init time.
type HookOptions struct {
	Capabilities *Capabilities
}

// HookBase provides no-op default implementations of every Hook method, so
// a concrete hook can embed it and override only what it needs, exactly as
// the teacher's hooks do.
type HookBase struct {
	Log  *slog.Logger
	Opts *HookOptions
}

func (h *HookBase) ID() string             { return "base" }
func (h *HookBase) Provides(b byte) bool   { return false }
func (h *HookBase) Init(config any) error  { return nil }
func (h *HookBase) Stop() error            { return nil }
func (h *HookBase) SetOpts(l *slog.Logger, o *HookOptions) {
	h.Log = l
	h.Opts = o
}
func (h *HookBase) OnStarted()                                                {}
func (h *HookBase) OnStopped()                                                {}
func (h *HookBase) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool  { return true }
func (h *HookBase) OnACLCheck(cl *Client, topic string, write bool) bool      { return true }
func (h *HookBase) OnSysInfoTick(*system.Info)                                {}
func (h *HookBase) OnConnect(cl *Client, pk packets.Packet) error             { return nil }
func (h *HookBase) OnSessionEstablished(cl *Client, pk packets.Packet)        {}
func (h *HookBase) OnDisconnect(cl *Client, err error, expire bool)           {}
func (h *HookBase) OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) {
	return pk, nil
}
func (h *HookBase) OnPacketEncode(cl *Client, pk packets.Packet) packets.Packet { return pk }
func (h *HookBase) OnPacketSent(cl *Client, pk packets.Packet, b []byte)        {}
func (h *HookBase) OnPacketProcessed(cl *Client, pk packets.Packet, err error)  {}
func (h *HookBase) OnSubscribe(cl *Client, pk packets.Packet) packets.Packet    { return pk }
func (h *HookBase) OnSubscribed(cl *Client, pk packets.Packet, reasonCodes []byte) {}
func (h *HookBase) OnSelectSubscribers(subs *topics.Subscribers, pk packets.Packet) *topics.Subscribers {
	return subs
}
func (h *HookBase) OnUnsubscribe(cl *Client, pk packets.Packet) packets.Packet { return pk }
func (h *HookBase) OnUnsubscribed(cl *Client, pk packets.Packet)               {}
func (h *HookBase) OnPublish(cl *Client, pk packets.Packet) (packets.Packet, error) {
	return pk, nil
}
func (h *HookBase) OnPublished(cl *Client, pk packets.Packet)          {}
func (h *HookBase) OnPublishDropped(cl *Client, pk packets.Packet)     {}
func (h *HookBase) OnQosDropped(cl *Client, pk packets.Packet)         {}
func (h *HookBase) OnPacketIDExhausted(cl *Client, pk packets.Packet)  {}
func (h *HookBase) OnClientExpired(cl *Client)                        {}

// Hooks is an ordered, concurrency-safe collection of Hook implementations,
// invoked in registration order for every event they Provide.
type Hooks struct {
	Log      *slog.Logger
	internal atomic.Value
	wg       sync.WaitGroup
	qty      int64
	sync.Mutex
}

func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}
	return false
}

func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	if err := hook.Init(config); err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, _ := h.internal.Load().([]Hook)
	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)
	return nil
}

func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}
	return i
}

func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}
			h.wg.Done()
		}
	}()
	h.wg.Wait()
}

func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSysInfoTick) {
			hook.OnSysInfoTick(sys)
		}
	}
}

func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

func (h *Hooks) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnectAuthenticate) {
			if !hook.OnConnectAuthenticate(cl, pk) {
				return false
			}
		}
	}
	return true
}

func (h *Hooks) OnACLCheck(cl *Client, topic string, write bool) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnACLCheck) {
			if !hook.OnACLCheck(cl, topic, write) {
				return false
			}
		}
	}
	return true
}

func (h *Hooks) OnConnect(cl *Client, pk packets.Packet) error {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnect) {
			if err := hook.OnConnect(cl, pk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Hooks) OnSessionEstablished(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionEstablished) {
			hook.OnSessionEstablished(cl, pk)
		}
	}
}

func (h *Hooks) OnDisconnect(cl *Client, err error, expire bool) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(cl, err, expire)
		}
	}
}

func (h *Hooks) OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) {
	pkx := pk
	for _, hook := range h.GetAll() {
		if !hook.Provides(OnPacketRead) {
			continue
		}
		npk, err := hook.OnPacketRead(cl, pkx)
		if err != nil {
			if errors.Is(err, packets.ErrRejectPacket) {
				return pk, err
			}
			continue
		}
		pkx = npk
	}
	return pkx, nil
}

func (h *Hooks) OnPacketEncode(cl *Client, pk packets.Packet) packets.Packet {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketEncode) {
			pk = hook.OnPacketEncode(cl, pk)
		}
	}
	return pk
}

func (h *Hooks) OnPacketSent(cl *Client, pk packets.Packet, b []byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketSent) {
			hook.OnPacketSent(cl, pk, b)
		}
	}
}

func (h *Hooks) OnPacketProcessed(cl *Client, pk packets.Packet, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketProcessed) {
			hook.OnPacketProcessed(cl, pk, err)
		}
	}
}

func (h *Hooks) OnSubscribe(cl *Client, pk packets.Packet) packets.Packet {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribe) {
			pk = hook.OnSubscribe(cl, pk)
		}
	}
	return pk
}

func (h *Hooks) OnSubscribed(cl *Client, pk packets.Packet, reasonCodes []byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribed) {
			hook.OnSubscribed(cl, pk, reasonCodes)
		}
	}
}

func (h *Hooks) OnSelectSubscribers(subs *topics.Subscribers, pk packets.Packet) *topics.Subscribers {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSelectSubscribers) {
			subs = hook.OnSelectSubscribers(subs, pk)
		}
	}
	return subs
}

func (h *Hooks) OnUnsubscribe(cl *Client, pk packets.Packet) packets.Packet {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribe) {
			pk = hook.OnUnsubscribe(cl, pk)
		}
	}
	return pk
}

func (h *Hooks) OnUnsubscribed(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribed) {
			hook.OnUnsubscribed(cl, pk)
		}
	}
}

func (h *Hooks) OnPublish(cl *Client, pk packets.Packet) (packets.Packet, error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublish) {
			npk, err := hook.OnPublish(cl, pk)
			if err != nil {
				return pk, err
			}
			pk = npk
		}
	}
	return pk, nil
}

func (h *Hooks) OnPublished(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublished) {
			hook.OnPublished(cl, pk)
		}
	}
}

func (h *Hooks) OnPublishDropped(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublishDropped) {
			hook.OnPublishDropped(cl, pk)
		}
	}
}

func (h *Hooks) OnQosDropped(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosDropped) {
			hook.OnQosDropped(cl, pk)
		}
	}
}

func (h *Hooks) OnPacketIDExhausted(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketIDExhausted) {
			hook.OnPacketIDExhausted(cl, pk)
		}
	}
}

func (h *Hooks) OnClientExpired(cl *Client) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnClientExpired) {
			hook.OnClientExpired(cl)
		}
	}
}

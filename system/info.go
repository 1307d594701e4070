// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package system holds broker-wide runtime statistics, handed to hooks on
// each OnSysInfoTick; they are not published on $SYS topics.
package system

import "sync/atomic"

// Info contains atomic counters and values for server statistics.
// Retained-message and QoS2 counters from the teacher's version
// are dropped: this broker never stores a retained message or completes a
// QoS2 handshake.
type Info struct {
	Version             string `json:"version"`
	Started             int64  `json:"started"`
	Time                int64  `json:"time"`
	Uptime              int64  `json:"uptime"`
	BytesReceived       int64  `json:"bytes_received"`
	BytesSent           int64  `json:"bytes_sent"`
	ClientsConnected    int64  `json:"clients_connected"`
	ClientsDisconnected int64  `json:"clients_disconnected"`
	ClientsMaximum      int64  `json:"clients_maximum"`
	ClientsTotal        int64  `json:"clients_total"`
	MessagesReceived    int64  `json:"messages_received"`
	MessagesSent        int64  `json:"messages_sent"`
	MessagesDropped     int64  `json:"messages_dropped"`
	Inflight            int64  `json:"inflight"`
	Subscriptions       int64  `json:"subscriptions"`
	PacketsReceived     int64  `json:"packets_received"`
	PacketsSent         int64  `json:"packets_sent"`
	Threads             int64  `json:"threads"`
}

// Clone makes a copy of Info, loading each counter atomically.
func (i *Info) Clone() *Info {
	return &Info{
		Version:             i.Version,
		Started:             atomic.LoadInt64(&i.Started),
		Time:                atomic.LoadInt64(&i.Time),
		Uptime:              atomic.LoadInt64(&i.Uptime),
		BytesReceived:       atomic.LoadInt64(&i.BytesReceived),
		BytesSent:           atomic.LoadInt64(&i.BytesSent),
		ClientsConnected:    atomic.LoadInt64(&i.ClientsConnected),
		ClientsMaximum:      atomic.LoadInt64(&i.ClientsMaximum),
		ClientsTotal:        atomic.LoadInt64(&i.ClientsTotal),
		ClientsDisconnected: atomic.LoadInt64(&i.ClientsDisconnected),
		MessagesReceived:    atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:        atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:     atomic.LoadInt64(&i.MessagesDropped),
		Inflight:            atomic.LoadInt64(&i.Inflight),
		Subscriptions:       atomic.LoadInt64(&i.Subscriptions),
		PacketsReceived:     atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:         atomic.LoadInt64(&i.PacketsSent),
		Threads:             atomic.LoadInt64(&i.Threads),
	}
}

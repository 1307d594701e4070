// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import "crypto/tls"

// Type identifies which concrete Listener a Config entry should build.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypeWebsocket Type = "websocket"
	TypeUnixSock  Type = "unix"
)

// Config contains configuration values for a listener, as loaded from
// Options.Listeners in a server's startup configuration.
type Config struct {
	ID        string      `yaml:"id" json:"id"`
	Type      Type        `yaml:"type" json:"type"`
	Address   string      `yaml:"address" json:"address"`
	TLSConfig *tls.Config `yaml:"-" json:"-"`

	// ConnectionsPerSecond caps the rate at which the listener hands newly
	// accepted sockets off to establish, smoothing a connect burst instead
	// of accepting it in a single goroutine spike. Zero disables limiting.
	ConnectionsPerSecond float64 `yaml:"connections_per_second" json:"connections_per_second"`
}

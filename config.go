// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"log/slog"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nimbus-mqtt/broker/listeners"
)

const defaultSysTopicInterval int64 = 30

// Capabilities defines the features and behaviour limits the broker
// enforces, reduced to the QoS 0/1, no-retain, no-persistence scope.
type Capabilities struct {
	MaximumClients               int64  `yaml:"maximum_clients" json:"maximum_clients"`
	MaximumClientWritesPending   int32  `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending"`
	MaximumSessionExpiryInterval uint32 `yaml:"maximum_session_expiry_interval" json:"maximum_session_expiry_interval"`
	MaximumPacketSize            uint32 `yaml:"maximum_packet_size" json:"maximum_packet_size"`
	ReceiveMaximum               uint16 `yaml:"receive_maximum" json:"receive_maximum"`
	MaximumInflight              uint16 `yaml:"maximum_inflight" json:"maximum_inflight"`
	MaximumQueuedMessages        uint16 `yaml:"maximum_queued_messages" json:"maximum_queued_messages"` // offline QoS1 queue bound per session
	TopicAliasMaximum            uint16 `yaml:"topic_alias_maximum" json:"topic_alias_maximum"`
	MaximumKeepAlive             uint16 `yaml:"maximum_keep_alive" json:"maximum_keep_alive"`
	SharedSubAvailable           byte   `yaml:"shared_sub_available" json:"shared_sub_available"`
	MaximumQos                   byte   `yaml:"maximum_qos" json:"maximum_qos"` // capped at 1: no QoS 2 support
}

// NewDefaultServerCapabilities returns the default capability limits.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:               math.MaxInt64,
		MaximumClientWritesPending:   1024 * 8,
		MaximumSessionExpiryInterval: 600, // spec.md caps unbounded session lifetime, unlike the teacher's math.MaxUint32
		MaximumPacketSize:            0,
		ReceiveMaximum:               1024,
		MaximumInflight:              1024,
		MaximumQueuedMessages:        1024,
		TopicAliasMaximum:            math.MaxUint16,
		MaximumKeepAlive:             600,
		SharedSubAvailable:           1,
		MaximumQos:                   1,
	}
}

// Options contains the configurable startup options for the server.
type Options struct {
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`
	Hooks     []HookLoadConfig   `yaml:"hooks" json:"hooks"`

	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	ClientNetWriteBufferSize int `yaml:"client_net_write_buffer_size" json:"client_net_write_buffer_size"`
	ClientNetReadBufferSize  int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	Logger *slog.Logger `yaml:"-" json:"-"`

	SysTopicResendInterval int64 `yaml:"sys_topic_resend_interval" json:"sys_topic_resend_interval"`
}

// ensureDefaults populates any unset options with sane defaults, mirroring
// the teacher's own belt-and-braces startup contract.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}
	if o.Capabilities.MaximumInflight == 0 {
		o.Capabilities.MaximumInflight = 1024
	}
	if o.Capabilities.MaximumQos > 1 {
		o.Capabilities.MaximumQos = 1
	}
	if o.SysTopicResendInterval == 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}
	if o.ClientNetWriteBufferSize == 0 {
		o.ClientNetWriteBufferSize = 1024 * 2
	}
	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// Config is the top-level YAML document shape for OpenConfigFile.
type Config struct {
	Server struct {
		Options `yaml:"options"`
	} `yaml:"server"`
}

// OpenConfigFile reads and unmarshals a YAML server configuration file.
func OpenConfigFile(p string) (*Options, error) {
	if p == "" {
		slog.Default().Debug("no file path provided")
		return nil, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	config := new(Config)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return &config.Server.Options, nil
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"errors"

	"github.com/jinzhu/copier"
)

// ConnectParams holds the CONNECT-specific variable header and payload
// fields. It is a distinct nested struct (mirroring the teacher's own
// separation of a packet-wide struct from packet-specific data) rather than
// its own packet type, per the single-struct design this codec uses.
type ConnectParams struct {
	ProtocolName     string
	ProtocolVersion  byte
	Clean            bool
	WillFlag         bool
	WillQos          byte
	WillRetain       bool
	UsernameFlag     bool
	PasswordFlag     bool
	ReservedBit      byte
	Keepalive        uint16
	ClientIdentifier string
	WillTopic        string
	WillPayload      []byte
	WillProperties   Properties
	Username         string
	Password         []byte
}

// Packet is the single, unified representation of every MQTT v5 packet this
// broker understands. Rather than a variant-per-type interface, every field
// any packet type might need lives here; Encode/Decode dispatch on
// FixedHeader.Type to touch only the fields that type defines on the wire.
type Packet struct {
	FixedHeader FixedHeader

	Connect     ConnectParams
	Properties  Properties
	Filters     []Subscription // SUBSCRIBE payload / UNSUBSCRIBE topic list (Qos ignored for unsubscribe).
	ReasonCodes []byte         // SUBACK/UNSUBACK per-filter reason codes.

	TopicName string
	Payload   []byte
	PacketID  uint16

	SessionPresent bool // CONNACK
	AckReasonCode  byte // CONNACK/PUBACK/DISCONNECT top-level reason code

	// Origin/Created/Expiry are broker bookkeeping, never encoded on the wire:
	// Origin is the client id the packet was received from or is destined to,
	// Created/Expiry are unix timestamps used by session offline-queue expiry.
	Origin  string
	Created int64
	Expiry  int64

	Ignore bool // set by a hook to suppress further processing without an error.
}

// Copy returns a deep copy of the packet, safe to mutate independently
// (per-subscriber retain/qos/topic-alias rewriting before fan-out).
// allowTransfer controls whether topic-alias state is preserved, matching
// Properties.Copy's semantics: a broker-assigned topic alias must not leak
// from one client's session to another's.
func (pk Packet) Copy(allowTransfer bool) Packet {
	var out Packet
	_ = copier.Copy(&out, &pk)
	out.Properties = pk.Properties.Copy(allowTransfer)
	if len(pk.Payload) > 0 {
		out.Payload = append([]byte{}, pk.Payload...)
	}
	if len(pk.Filters) > 0 {
		out.Filters = append([]Subscription{}, pk.Filters...)
	}
	return out
}

// Encode serialises the packet's fixed header, variable header, and payload
// into buf, computing FixedHeader.Remaining from the encoded body length.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	var body bytes.Buffer
	mods := Mods{AllowResponseInfo: true}

	switch pk.FixedHeader.Type {
	case Connect:
		body.Write(encodeString(pk.Connect.ProtocolName))
		body.WriteByte(pk.Connect.ProtocolVersion)
		flag := encodeBool(pk.Connect.Clean)<<1 | encodeBool(pk.Connect.WillFlag)<<2 |
			pk.Connect.WillQos<<3 | encodeBool(pk.Connect.WillRetain)<<5 |
			encodeBool(pk.Connect.PasswordFlag)<<6 | encodeBool(pk.Connect.UsernameFlag)<<7
		body.WriteByte(flag)
		body.Write(encodeUint16(pk.Connect.Keepalive))
		pk.Properties.Encode(Connect, mods, &body, body.Len())
		body.Write(encodeString(pk.Connect.ClientIdentifier))
		if pk.Connect.WillFlag {
			pk.Connect.WillProperties.Encode(WillProperties, mods, &body, body.Len())
			body.Write(encodeString(pk.Connect.WillTopic))
			body.Write(encodeBytes(pk.Connect.WillPayload))
		}
		if pk.Connect.UsernameFlag {
			body.Write(encodeString(pk.Connect.Username))
		}
		if pk.Connect.PasswordFlag {
			body.Write(encodeBytes(pk.Connect.Password))
		}

	case Connack:
		body.WriteByte(encodeBool(pk.SessionPresent))
		body.WriteByte(pk.AckReasonCode)
		pk.Properties.Encode(Connack, mods, &body, body.Len())

	case Publish:
		body.Write(encodeString(pk.TopicName))
		if pk.FixedHeader.Qos > 0 {
			body.Write(encodeUint16(pk.PacketID))
		}
		pk.Properties.Encode(Publish, mods, &body, body.Len())
		body.Write(pk.Payload)

	case Puback:
		body.Write(encodeUint16(pk.PacketID))
		body.WriteByte(pk.AckReasonCode)
		pk.Properties.Encode(Puback, mods, &body, body.Len())

	case Subscribe:
		body.Write(encodeUint16(pk.PacketID))
		pk.Properties.Encode(Subscribe, mods, &body, body.Len())
		for _, f := range pk.Filters {
			body.Write(encodeString(f.Filter))
			opts := f.Qos | encodeBool(f.NoLocal)<<2 | encodeBool(f.RetainAsPublished)<<3 | f.RetainHandling<<4
			body.WriteByte(opts)
		}

	case Suback:
		body.Write(encodeUint16(pk.PacketID))
		pk.Properties.Encode(Suback, mods, &body, body.Len())
		body.Write(pk.ReasonCodes)

	case Unsubscribe:
		body.Write(encodeUint16(pk.PacketID))
		pk.Properties.Encode(Unsubscribe, mods, &body, body.Len())
		for _, f := range pk.Filters {
			body.Write(encodeString(f.Filter))
		}

	case Unsuback:
		body.Write(encodeUint16(pk.PacketID))
		pk.Properties.Encode(Unsuback, mods, &body, body.Len())
		body.Write(pk.ReasonCodes)

	case Pingreq, Pingresp:
		// no variable header or payload

	case Disconnect:
		if pk.AckReasonCode != 0 || pk.Properties.ReasonString != "" || len(pk.Properties.User) > 0 {
			body.WriteByte(pk.AckReasonCode)
			pk.Properties.Encode(Disconnect, mods, &body, body.Len())
		}

	case Auth:
		body.WriteByte(pk.AckReasonCode)
		pk.Properties.Encode(Auth, mods, &body, body.Len())

	default:
		return errors.New("packets: unknown packet type for encode")
	}

	pk.FixedHeader.Remaining = body.Len()
	pk.FixedHeader.Encode(buf)
	_, err := body.WriteTo(buf)
	return err
}

// Decode extracts the variable header and payload of a packet from buf
// (exactly FixedHeader.Remaining bytes, as isolated by the parser).
func (pk *Packet) Decode(buf []byte) error {
	var offset int
	var err error

	switch pk.FixedHeader.Type {
	case Connect:
		return pk.decodeConnect(buf)

	case Connack:
		var present bool
		present, offset, err = decodeByteBool(buf, 0)
		if err != nil {
			return ErrMalformedSessionPresent
		}
		pk.SessionPresent = present
		pk.AckReasonCode, offset, err = decodeByte(buf, offset)
		if err != nil {
			return ErrMalformedReasonCode
		}
		_, err = pk.Properties.Decode(Connack, bytes.NewBuffer(buf[offset:]))
		return err

	case Publish:
		pk.TopicName, offset, err = decodeString(buf, 0)
		if err != nil {
			return ErrMalformedTopic
		}
		if pk.FixedHeader.Qos > 0 {
			pk.PacketID, offset, err = decodeUint16(buf, offset)
			if err != nil {
				return ErrMalformedPacketID
			}
		}
		var n int
		n, err = pk.Properties.Decode(Publish, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return err
		}
		offset += n
		pk.Payload = append([]byte{}, buf[offset:]...)
		return nil

	case Puback:
		pk.PacketID, offset, err = decodeUint16(buf, 0)
		if err != nil {
			return ErrMalformedPacketID
		}
		if offset >= len(buf) {
			pk.AckReasonCode = CodeSuccess.Code
			return nil
		}
		pk.AckReasonCode, offset, err = decodeByte(buf, offset)
		if err != nil {
			return ErrMalformedReasonCode
		}
		if offset < len(buf) {
			_, err = pk.Properties.Decode(Puback, bytes.NewBuffer(buf[offset:]))
		}
		return err

	case Subscribe:
		pk.PacketID, offset, err = decodeUint16(buf, 0)
		if err != nil {
			return ErrMalformedPacketID
		}
		var n int
		n, err = pk.Properties.Decode(Subscribe, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return err
		}
		offset += n
		for offset < len(buf) {
			var filter string
			filter, offset, err = decodeString(buf, offset)
			if err != nil {
				return ErrMalformedTopic
			}
			var opts byte
			opts, offset, err = decodeByte(buf, offset)
			if err != nil {
				return ErrMalformedQos
			}
			pk.Filters = append(pk.Filters, Subscription{
				Filter:            filter,
				Qos:               opts & 0x03,
				NoLocal:           (opts>>2)&0x01 > 0,
				RetainAsPublished: (opts>>3)&0x01 > 0,
				RetainHandling:    (opts >> 4) & 0x03,
				Identifiers:       firstSubID(pk.Properties.SubscriptionIdentifier),
			})
		}
		return nil

	case Suback:
		pk.PacketID, offset, err = decodeUint16(buf, 0)
		if err != nil {
			return ErrMalformedPacketID
		}
		var n int
		n, err = pk.Properties.Decode(Suback, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return err
		}
		offset += n
		pk.ReasonCodes = append([]byte{}, buf[offset:]...)
		return nil

	case Unsubscribe:
		pk.PacketID, offset, err = decodeUint16(buf, 0)
		if err != nil {
			return ErrMalformedPacketID
		}
		var n int
		n, err = pk.Properties.Decode(Unsubscribe, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return err
		}
		offset += n
		for offset < len(buf) {
			var filter string
			filter, offset, err = decodeString(buf, offset)
			if err != nil {
				return ErrMalformedTopic
			}
			pk.Filters = append(pk.Filters, Subscription{Filter: filter})
		}
		return nil

	case Unsuback:
		pk.PacketID, offset, err = decodeUint16(buf, 0)
		if err != nil {
			return ErrMalformedPacketID
		}
		var n int
		n, err = pk.Properties.Decode(Unsuback, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return err
		}
		offset += n
		pk.ReasonCodes = append([]byte{}, buf[offset:]...)
		return nil

	case Pingreq, Pingresp:
		return nil

	case Disconnect:
		if len(buf) == 0 {
			pk.AckReasonCode = CodeSuccess.Code
			return nil
		}
		pk.AckReasonCode, offset, err = decodeByte(buf, 0)
		if err != nil {
			return ErrMalformedReasonCode
		}
		if offset < len(buf) {
			_, err = pk.Properties.Decode(Disconnect, bytes.NewBuffer(buf[offset:]))
		}
		return err

	case Auth:
		pk.AckReasonCode, offset, err = decodeByte(buf, 0)
		if err != nil {
			return ErrMalformedReasonCode
		}
		_, err = pk.Properties.Decode(Auth, bytes.NewBuffer(buf[offset:]))
		return err
	}

	return errors.New("packets: unknown packet type for decode")
}

func (pk *Packet) decodeConnect(buf []byte) error {
	var offset int
	var err error

	pk.Connect.ProtocolName, offset, err = decodeString(buf, 0)
	if err != nil {
		return ErrMalformedProtocolName
	}
	pk.Connect.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedProtocolVersion
	}

	var flags byte
	flags, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedFlags
	}
	pk.Connect.ReservedBit = 1 & flags
	pk.Connect.Clean = 1&(flags>>1) > 0
	pk.Connect.WillFlag = 1&(flags>>2) > 0
	pk.Connect.WillQos = 3 & (flags >> 3)
	pk.Connect.WillRetain = 1&(flags>>5) > 0
	pk.Connect.PasswordFlag = 1&(flags>>6) > 0
	pk.Connect.UsernameFlag = 1&(flags>>7) > 0

	pk.Connect.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedKeepalive
	}

	var n int
	n, err = pk.Properties.Decode(Connect, bytes.NewBuffer(buf[offset:]))
	if err != nil {
		return err
	}
	offset += n

	pk.Connect.ClientIdentifier, offset, err = decodeString(buf, offset)
	if err != nil {
		return ErrMalformedClientID
	}

	if pk.Connect.WillFlag {
		n, err = pk.Connect.WillProperties.Decode(WillProperties, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return err
		}
		offset += n

		pk.Connect.WillTopic, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedWillTopic
		}
		pk.Connect.WillPayload, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedWillPayload
		}
	}

	if pk.Connect.UsernameFlag {
		pk.Connect.Username, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedUsername
		}
	}

	if pk.Connect.PasswordFlag {
		var pw []byte
		pw, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedPassword
		}
		pk.Connect.Password = pw
	}

	return nil
}

// firstSubID returns the single subscription identifier a SUBSCRIBE packet's
// properties may carry (MQTT 5 allows at most one per SUBSCRIBE, applied to
// every filter in it), as a 0- or 1-element slice ready to seed a
// Subscription's Identifiers set.
func firstSubID(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	return []int{ids[0]}
}

// ConnectValidate checks a decoded CONNECT packet for protocol violations
// that the codec layer cannot catch on its own (cross-field constraints).
func (pk *Packet) ConnectValidate() (Code, error) {
	if pk.Connect.ProtocolName != "MQTT" {
		return ErrProtocolViolationProtocolName, ErrProtocolViolationProtocolName
	}
	if pk.Connect.ProtocolVersion != 5 {
		return ErrUnsupportedProtocolVersion, ErrUnsupportedProtocolVersion
	}
	if pk.Connect.ReservedBit != 0 {
		return ErrProtocolViolationReservedBit, ErrProtocolViolationReservedBit
	}
	if !pk.Connect.Clean && len(pk.Connect.ClientIdentifier) == 0 {
		return ErrClientIdentifierNotValid, ErrClientIdentifierNotValid
	}
	if len(pk.Connect.ClientIdentifier) > 65535 {
		return ErrClientIdentifierTooLong, ErrClientIdentifierTooLong
	}
	if pk.Connect.PasswordFlag && !pk.Connect.UsernameFlag {
		return ErrProtocolViolationFlagNoUsername, ErrProtocolViolationFlagNoUsername
	}
	if pk.Connect.WillQos > 2 {
		return ErrProtocolViolationQosOutOfRange, ErrProtocolViolationQosOutOfRange
	}
	if !pk.Connect.WillFlag && (pk.Connect.WillQos != 0 || pk.Connect.WillRetain) {
		return ErrProtocolViolationWillFlagSurplusRetain, ErrProtocolViolationWillFlagSurplusRetain
	}
	return CodeSuccess, nil
}

// PublishValidate checks a decoded PUBLISH packet for protocol violations.
func (pk *Packet) PublishValidate(topicAliasMaximum uint16) (Code, error) {
	if pk.FixedHeader.Qos == 3 {
		return ErrMalformedQos, ErrMalformedQos
	}
	if pk.FixedHeader.Qos > 1 {
		return ErrQosNotSupported, ErrQosNotSupported
	}
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID, ErrNoValidPacketID
	}
	if pk.FixedHeader.Qos == 0 && pk.PacketID != 0 {
		return ErrProtocolViolationSurplusPacketID, ErrProtocolViolationSurplusPacketID
	}
	if len(pk.TopicName) == 0 && !pk.Properties.TopicAliasFlag {
		return ErrProtocolViolationNoTopic, ErrProtocolViolationNoTopic
	}
	if pk.Properties.TopicAliasFlag && (pk.Properties.TopicAlias == 0 || pk.Properties.TopicAlias > topicAliasMaximum) {
		return ErrTopicAliasInvalid, ErrTopicAliasInvalid
	}
	if !IsValidFilter(pk.TopicName, true) {
		return ErrTopicNameInvalid, ErrTopicNameInvalid
	}
	return CodeSuccess, nil
}

// SubscribeValidate checks a decoded SUBSCRIBE packet for protocol violations.
func (pk *Packet) SubscribeValidate() (Code, error) {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID, ErrNoValidPacketID
	}
	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters, ErrProtocolViolationNoFilters
	}
	for _, f := range pk.Filters {
		if !IsValidFilter(f.Filter, false) {
			return ErrTopicFilterInvalid, ErrTopicFilterInvalid
		}
		if f.Qos > 1 {
			return ErrQosNotSupported, ErrQosNotSupported
		}
	}
	return CodeSuccess, nil
}

// UnsubscribeValidate checks a decoded UNSUBSCRIBE packet for protocol violations.
func (pk *Packet) UnsubscribeValidate() (Code, error) {
	if pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID, ErrNoValidPacketID
	}
	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters, ErrProtocolViolationNoFilters
	}
	return CodeSuccess, nil
}

// AuthValidate checks a decoded AUTH packet. The core never drives an
// extended authentication exchange, so this only rejects malformed reason codes.
func (pk *Packet) AuthValidate() (Code, error) {
	if !pk.ReasonCodeValid() {
		return ErrProtocolViolationInvalidReason, ErrProtocolViolationInvalidReason
	}
	return CodeSuccess, nil
}

// ReasonCodeValid reports whether AckReasonCode is one of the codes valid for
// an AUTH packet (success, continue authentication, re-authenticate).
func (pk *Packet) ReasonCodeValid() bool {
	switch pk.AckReasonCode {
	case CodeSuccess.Code, CodeContinueAuthentication.Code, CodeReAuthenticate.Code:
		return true
	default:
		return false
	}
}

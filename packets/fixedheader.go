// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// FixedHeader contains the values of the fixed header portion of an MQTT packet.
type FixedHeader struct {
	Type      byte // Type is the packet type from bits 7-4 of byte 1.
	Dup       bool // Dup indicates the packet is a re-delivery of an earlier PUBLISH.
	Qos       byte // Qos is the quality of service level requested/granted.
	Retain    bool // Retain indicates the broker should retain the message (parsed, never acted on).
	Remaining int  // Remaining is the length of the variable header plus payload.
}

// Encode writes the fixed header byte and its variable byte integer length to buf.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | encodeBool(fh.Dup)<<3 | fh.Qos<<1 | encodeBool(fh.Retain))
	encodeLength(buf, int64(fh.Remaining))
}

// Decode extracts the packet type and flag bits from the first header byte.
// [MQTT-2.1.3-1] reserved flag bits that don't match the fixed value for a
// type must cause the connection to be closed.
func (fh *FixedHeader) Decode(headerByte byte) error {
	fh.Type = headerByte >> 4

	switch fh.Type {
	case Publish:
		fh.Dup = (headerByte>>3)&0x01 > 0
		fh.Qos = (headerByte >> 1) & 0x03
		fh.Retain = headerByte&0x01 > 0
	case Subscribe, Unsubscribe:
		if headerByte&0x0F != 0x02 {
			return ErrInvalidFlags
		}
		fh.Qos = 1
	default:
		if (headerByte>>3)&0x01 > 0 || (headerByte>>1)&0x03 > 0 || headerByte&0x01 > 0 {
			return ErrInvalidFlags
		}
	}

	return nil
}

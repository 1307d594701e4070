// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bufio"
	"fmt"
	"io"
)

// MaxPacketSize is the ceiling on a decoded variable byte integer remaining
// length (2.1.4 of the v5 spec: 4 encoded bytes, 7 bits each).
const MaxPacketSize = 268435455

// ReadPacket reads exactly one packet from r: the fixed header byte, its
// variable byte integer remaining length, and that many bytes of variable
// header plus payload. maxSize of 0 means no broker-imposed cap beyond the
// protocol's own MaxPacketSize.
func ReadPacket(r *bufio.Reader, maxSize uint32) (Packet, error) {
	var pk Packet

	first, err := r.ReadByte()
	if err != nil {
		return pk, err
	}

	if err := pk.FixedHeader.Decode(first); err != nil {
		return pk, err
	}

	n, _, err := DecodeLength(r)
	if err != nil {
		return pk, err
	}
	pk.FixedHeader.Remaining = n

	if n > MaxPacketSize || (maxSize > 0 && uint32(n) > maxSize) {
		return pk, ErrPacketTooLarge
	}

	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return pk, fmt.Errorf("packets: read body: %w", err)
		}
	}

	if err := pk.Decode(body); err != nil {
		return pk, err
	}

	return pk, nil
}

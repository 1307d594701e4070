// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedHeaderTable struct {
	name      string
	header    FixedHeader
	headerErr bool
}

var fixedHeaderExpected = []fixedHeaderTable{
	{name: "connect", header: FixedHeader{Type: Connect}},
	{name: "connack", header: FixedHeader{Type: Connack}},
	{name: "publish qos0", header: FixedHeader{Type: Publish, Qos: 0}},
	{name: "publish qos1", header: FixedHeader{Type: Publish, Qos: 1}},
	{name: "publish qos1 dup retain", header: FixedHeader{Type: Publish, Qos: 1, Dup: true, Retain: true}},
	{name: "puback", header: FixedHeader{Type: Puback}},
	{name: "subscribe", header: FixedHeader{Type: Subscribe, Qos: 1}},
	{name: "suback", header: FixedHeader{Type: Suback}},
	{name: "unsubscribe", header: FixedHeader{Type: Unsubscribe, Qos: 1}},
	{name: "unsuback", header: FixedHeader{Type: Unsuback}},
	{name: "pingreq", header: FixedHeader{Type: Pingreq}},
	{name: "pingresp", header: FixedHeader{Type: Pingresp}},
	{name: "disconnect", header: FixedHeader{Type: Disconnect}},
	{name: "auth", header: FixedHeader{Type: Auth}},
}

func TestFixedHeaderEncodeDecode(t *testing.T) {
	for _, tt := range fixedHeaderExpected {
		t.Run(tt.name, func(t *testing.T) {
			tt.header.Remaining = 42
			var buf bytes.Buffer
			tt.header.Encode(&buf)

			first, err := buf.ReadByte()
			require.NoError(t, err)

			var got FixedHeader
			err = got.Decode(first)
			require.NoError(t, err)

			n, _, err := DecodeLength(&buf)
			require.NoError(t, err)
			got.Remaining = n

			require.Equal(t, tt.header, got)
		})
	}
}

func TestFixedHeaderDecodeRejectsReservedFlags(t *testing.T) {
	tt := []struct {
		name       string
		headerByte byte
	}{
		{name: "connack with dup bit set", headerByte: Connack<<4 | 1<<3},
		{name: "connack with qos bits set", headerByte: Connack<<4 | 1<<1},
		{name: "connack with retain bit set", headerByte: Connack<<4 | 1},
		{name: "subscribe with wrong flags", headerByte: Subscribe<<4 | 0},
		{name: "unsubscribe with wrong flags", headerByte: Unsubscribe<<4 | 0},
	}
	for _, x := range tt {
		t.Run(x.name, func(t *testing.T) {
			var fh FixedHeader
			require.Error(t, fh.Decode(x.headerByte))
		})
	}
}

func TestFixedHeaderDecodeAcceptsAllPublishQos(t *testing.T) {
	for _, qos := range []byte{0, 1, 2, 3} {
		var fh FixedHeader
		err := fh.Decode(Publish<<4 | qos<<1)
		require.NoError(t, err)
		require.Equal(t, qos, fh.Qos)
	}
}

func TestNewFixedHeader(t *testing.T) {
	require.Equal(t, byte(0), NewFixedHeader(Connect).Qos)
	require.Equal(t, byte(1), NewFixedHeader(Subscribe).Qos)
	require.Equal(t, byte(1), NewFixedHeader(Unsubscribe).Qos)
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeUint16(t *testing.T) {
	b := encodeUint16(1883)
	v, n, err := decodeUint16(b, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(1883), v)
	require.Equal(t, 2, n)
}

func TestDecodeUint16OutOfRange(t *testing.T) {
	_, _, err := decodeUint16([]byte{0x01}, 0)
	require.ErrorIs(t, err, ErrMalformedOffsetUintOutOfRange)
}

func TestEncodeDecodeString(t *testing.T) {
	b := encodeString("a/b/c")
	s, n, err := decodeString(b, 0)
	require.NoError(t, err)
	require.Equal(t, "a/b/c", s)
	require.Equal(t, len(b), n)
}

func TestDecodeStringRejectsInvalidUTF8(t *testing.T) {
	b := encodeBytes([]byte{0xff, 0xfe})
	_, _, err := decodeString(b, 0)
	require.ErrorIs(t, err, ErrMalformedInvalidUTF8)
}

func TestEncodeDecodeBytes(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x00, 0xff}
	b := encodeBytes(payload)
	got, n, err := decodeBytes(b, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, len(b), n)
}

// TestVariableByteIntegerBoundary checks the largest legal Variable Byte
// Integer, 268,435,455, encodes to exactly four bytes (0xFF 0xFF 0xFF 0x7F)
// and decodes back to the same value.
func TestVariableByteIntegerBoundary(t *testing.T) {
	var buf bytes.Buffer
	encodeLength(&buf, 268435455)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0x7F}, buf.Bytes())

	n, bu, err := DecodeLength(&buf)
	require.NoError(t, err)
	require.Equal(t, 268435455, n)
	require.Equal(t, 4, bu)
}

// TestVariableByteIntegerRejectsFifthContinuationByte checks a fifth
// continuation byte extending past the legal four-byte maximum is rejected
// as malformed rather than silently accepted.
func TestVariableByteIntegerRejectsFifthContinuationByte(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F})
	_, _, err := DecodeLength(buf)
	require.ErrorIs(t, err, ErrMalformedVariableByteInteger)
}

func TestVariableByteIntegerRoundTripTable(t *testing.T) {
	for _, n := range []int64{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 268435455} {
		var buf bytes.Buffer
		encodeLength(&buf, n)
		got, _, err := DecodeLength(&buf)
		require.NoError(t, err)
		require.Equal(t, int(n), got)
	}
}

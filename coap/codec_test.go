// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap_test

import (
	"testing"

	"github.com/absmach/coapc/coap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *coap.Message {
	m := coap.NewMessage(coap.CON, coap.GET)
	m.MessageID = 0x1234
	m.Token = coap.Token{0xaa, 0xbb}
	m.SetURIPath("temperature", "current")
	m.SetContentFormat(coap.TextPlain)
	m.Payload = []byte("22.3 C")
	return m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sampleMessage()

	buf, err := coap.Encode(m)
	require.Nil(t, err)

	decoded, err := coap.Decode(buf)
	require.Nil(t, err)

	assert.Equal(t, m.Type, decoded.Type)
	assert.Equal(t, m.Code, decoded.Code)
	assert.Equal(t, m.MessageID, decoded.MessageID)
	assert.Equal(t, m.Token, decoded.Token)
	assert.Equal(t, m.Payload, decoded.Payload)
	assert.ElementsMatch(t, m.URIPath(), decoded.URIPath())
}

func TestEncodeOmitsOptionsAndPayloadForEmpty(t *testing.T) {
	m := coap.NewMessage(coap.ACK, coap.Empty)
	m.MessageID = 7

	buf, err := coap.Encode(m)
	require.Nil(t, err)
	assert.Len(t, buf, 4)
}

func TestEncodeRejectsOversizedToken(t *testing.T) {
	m := coap.NewMessage(coap.CON, coap.GET)
	m.Token = make(coap.Token, 9)

	_, err := coap.Encode(m)
	assert.NotNil(t, err)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	buf := []byte{0x00, byte(coap.GET), 0x00, 0x01}
	_, err := coap.Decode(buf)
	assert.NotNil(t, err)
}

func TestDecodeRejectsTruncatedDatagram(t *testing.T) {
	_, err := coap.Decode([]byte{0x40, 0x01, 0x00})
	assert.NotNil(t, err)
}

func TestDecodeRejectsTruncatedOptionExtendedLength(t *testing.T) {
	// header + code + id, one option byte claiming a 13-extended delta
	// with no extension byte following.
	buf := []byte{0x40, byte(coap.GET), 0x00, 0x01, 0xD0}
	_, err := coap.Decode(buf)
	assert.NotNil(t, err)
}

func TestOptionExtendedLengthRoundTrip(t *testing.T) {
	m := coap.NewMessage(coap.CON, coap.GET)
	m.MessageID = 1
	// Uri-Path segment long enough to force the two-byte 14-extension.
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	m.SetURIPath(string(long))

	buf, err := coap.Encode(m)
	require.Nil(t, err)

	decoded, err := coap.Decode(buf)
	require.Nil(t, err)
	assert.Equal(t, []string{string(long)}, decoded.URIPath())
}

func TestOptionsSerializedInAscendingOrder(t *testing.T) {
	m := coap.NewMessage(coap.CON, coap.GET)
	m.MessageID = 1
	m.SetContentFormat(coap.TextPlain) // option 12
	m.SetURIPath("a")                  // option 11, added after but numerically smaller

	buf, err := coap.Encode(m)
	require.Nil(t, err)

	decoded, err := coap.Decode(buf)
	require.Nil(t, err)

	var seen []coap.OptionID
	for _, o := range decoded.Options {
		seen = append(seen, o.ID)
	}
	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, seen[i-1], seen[i])
	}
}

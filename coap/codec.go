// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"time"

	"github.com/absmach/coapc/pkg/errors"
)

const (
	version       = 1
	payloadMarker = 0xFF
	maxTokenLen   = 8
	extend13      = 13
	extend14      = 14
	extendBase13  = 13
	extendBase14  = 269 // 13 + 256
)

// Encode serialises m into the CoAP binary wire format described in
// spec.md §4.1: a 4-byte fixed header, the token, ascending-order
// delta/length-encoded options, and — if a payload is present — a 0xFF
// marker followed by the payload bytes.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > maxTokenLen {
		return nil, errWrap(ErrMalformed, "token length exceeds 8 bytes")
	}
	if m.IsEmpty() && (len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, errWrap(ErrProtocolViolation, "empty message must carry no options or payload")
	}

	buf := make([]byte, 0, 4+len(m.Token)+16+len(m.Payload))
	buf = append(buf, byte(version<<6)|byte(m.Type)<<4|byte(len(m.Token)))
	buf = append(buf, byte(m.Code))
	buf = append(buf, byte(m.MessageID>>8), byte(m.MessageID))
	buf = append(buf, m.Token...)

	opts := m.Options.SortedForEncoding()
	var lastID OptionID
	for _, o := range opts {
		delta := int(o.ID) - int(lastID)
		lastID = o.ID
		buf = appendOption(buf, delta, o.Value)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

func appendOption(buf []byte, delta int, value []byte) []byte {
	deltaNibble, deltaExt := splitNibble(delta)
	lenNibble, lenExt := splitNibble(len(value))

	buf = append(buf, byte(deltaNibble<<4)|byte(lenNibble))
	buf = append(buf, deltaExt...)
	buf = append(buf, lenExt...)
	return append(buf, value...)
}

// splitNibble returns the 4-bit nibble to emit for v (13 or 14 meaning "see
// extension bytes") plus the 1 or 2 extension bytes required when v >= 13.
func splitNibble(v int) (int, []byte) {
	switch {
	case v < extend13:
		return v, nil
	case v < extendBase14:
		return extend13, []byte{byte(v - extendBase13)}
	default:
		ext := v - extendBase14
		return extend14, []byte{byte(ext >> 8), byte(ext)}
	}
}

// Decode parses a received datagram into a Message. It returns
// ErrMalformed for every framing violation spec.md §4.1 lists: a version
// other than 1, a token length above 8, a truncated option header, a
// delta/length nibble of 15 used somewhere other than the payload marker,
// or a declared option/payload length that runs past the buffer.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, errWrap(ErrMalformed, "datagram shorter than fixed header")
	}
	if buf[0]>>6 != version {
		return nil, errWrap(ErrMalformed, "unsupported version")
	}
	tkl := int(buf[0] & 0x0f)
	if tkl > maxTokenLen {
		return nil, errWrap(ErrMalformed, "token length exceeds 8 bytes")
	}
	m := &Message{
		Type:      Type((buf[0] >> 4) & 0x03),
		Code:      Code(buf[1]),
		MessageID: uint16(buf[2])<<8 | uint16(buf[3]),
		ReceivedAt: time.Now(),
	}

	pos := 4
	if pos+tkl > len(buf) {
		return nil, errWrap(ErrMalformed, "token runs past end of datagram")
	}
	if tkl > 0 {
		m.Token = append(Token{}, buf[pos:pos+tkl]...)
	}
	pos += tkl

	lastID := OptionID(0)
	for pos < len(buf) {
		if buf[pos] == payloadMarker {
			pos++
			if pos >= len(buf) {
				return nil, errWrap(ErrMalformed, "payload marker with no payload")
			}
			m.Payload = append([]byte{}, buf[pos:]...)
			pos = len(buf)
			break
		}

		deltaNibble := int(buf[pos] >> 4)
		lenNibble := int(buf[pos] & 0x0f)
		pos++

		delta, newPos, err := readExtended(buf, pos, deltaNibble)
		if err != nil {
			return nil, err
		}
		pos = newPos

		length, newPos, err := readExtended(buf, pos, lenNibble)
		if err != nil {
			return nil, err
		}
		pos = newPos

		if pos+length > len(buf) {
			return nil, errWrap(ErrMalformed, "option value runs past end of datagram")
		}
		value := append([]byte{}, buf[pos:pos+length]...)
		pos += length

		id := lastID + OptionID(delta)
		lastID = id
		m.Options = m.Options.Add(newOption(id, value))
	}

	if m.IsEmpty() && (len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, errWrap(ErrProtocolViolation, "empty message carries options or payload")
	}
	return m, nil
}

// readExtended interprets a 4-bit delta/length nibble read from pos-1,
// consuming 0, 1 or 2 extension bytes starting at pos as required, and
// returns the decoded value plus the position just past the bytes
// consumed. A nibble of 15 is reserved for the payload marker and is
// never legal here.
func readExtended(buf []byte, pos int, nibble int) (int, int, error) {
	switch nibble {
	case 15:
		return 0, 0, errWrap(ErrMalformed, "reserved option nibble 15 used outside payload marker")
	case extend13:
		if pos >= len(buf) {
			return 0, 0, errWrap(ErrMalformed, "truncated option extended length")
		}
		return extendBase13 + int(buf[pos]), pos + 1, nil
	case extend14:
		if pos+1 >= len(buf) {
			return 0, 0, errWrap(ErrMalformed, "truncated option extended length")
		}
		return extendBase14 + int(buf[pos])<<8 + int(buf[pos+1]), pos + 2, nil
	default:
		return nibble, pos, nil
	}
}

// errWrap attaches a human-readable detail to a sentinel error, keeping
// the sentinel identifiable via errors.Contains for callers that branch
// on error kind.
func errWrap(sentinel error, msg string) error {
	return errors.Wrap(errors.New(msg), sentinel)
}

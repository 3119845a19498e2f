// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Message is a typed view over a decoded or to-be-encoded CoAP PDU, plus
// the bookkeeping the Client coordinator needs to route it: the remote
// endpoint it came from (or is bound for) and the time it was received.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     Token
	Options   Options
	Payload   []byte

	Remote    Endpoint
	ReceivedAt time.Time
}

// NewMessage builds a zero-value request/response skeleton of the given
// type and code, with no token, no ID, no options and no payload — callers
// fill the rest in with the setters below before handing it to the codec
// or the Client coordinator.
func NewMessage(t Type, code Code) *Message {
	return &Message{Type: t, Code: code}
}

// IsEmpty reports whether m is an Empty message (Code 0.00), which per
// spec.md §3 must carry no options and no payload.
func (m *Message) IsEmpty() bool {
	return m.Code == Empty
}

// --- typed option accessors -------------------------------------------------

// URIPath returns the decoded Uri-Path segments in order.
func (m *Message) URIPath() []string {
	var segs []string
	for _, o := range m.Options.GetAll(URIPath) {
		segs = append(segs, o.String())
	}
	return segs
}

// SetURIPath replaces the Uri-Path option(s) with one option per segment.
func (m *Message) SetURIPath(segments ...string) {
	m.Options = m.Options.Remove(URIPath)
	for _, s := range segments {
		m.Options = m.Options.Add(newOption(URIPath, []byte(s)))
	}
}

// URIQuery returns the decoded Uri-Query key=value (or bare) strings.
func (m *Message) URIQuery() []string {
	var qs []string
	for _, o := range m.Options.GetAll(URIQuery) {
		qs = append(qs, o.String())
	}
	return qs
}

// SetURIQuery replaces the Uri-Query option(s).
func (m *Message) SetURIQuery(params ...string) {
	m.Options = m.Options.Remove(URIQuery)
	for _, p := range params {
		m.Options = m.Options.Add(newOption(URIQuery, []byte(p)))
	}
}

// ContentFormat returns the Content-Format option's numeric value and
// whether the option was present.
func (m *Message) ContentFormat() (ContentFormatValue, bool) {
	o, ok := m.Options.Get(ContentFormat)
	if !ok {
		return 0, false
	}
	return ContentFormatValue(o.Uint()), true
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(cf ContentFormatValue) {
	m.Options = m.Options.Set(newOption(ContentFormat, EncodeUint(uint32(cf))))
}

// Accept returns the Accept option's numeric value and whether it was
// present.
func (m *Message) Accept() (ContentFormatValue, bool) {
	o, ok := m.Options.Get(Accept)
	if !ok {
		return 0, false
	}
	return ContentFormatValue(o.Uint()), true
}

// SetAccept sets the Accept option.
func (m *Message) SetAccept(cf ContentFormatValue) {
	m.Options = m.Options.Set(newOption(Accept, EncodeUint(uint32(cf))))
}

// MaxAge returns the Max-Age option's value in seconds, defaulting to 60
// (the registered option default) when absent.
func (m *Message) MaxAge() uint32 {
	o, ok := m.Options.Get(MaxAge)
	if !ok {
		return 60
	}
	return o.Uint()
}

// SetMaxAge sets the Max-Age option.
func (m *Message) SetMaxAge(seconds uint32) {
	m.Options = m.Options.Set(newOption(MaxAge, EncodeUint(seconds)))
}

// Observe returns the Observe option's numeric value and whether it was
// present at all.
func (m *Message) Observe() (uint32, bool) {
	o, ok := m.Options.Get(Observe)
	if !ok {
		return 0, false
	}
	return o.Uint(), true
}

// SetObserve implements spec.md §4.4's three-way contract: a negative
// value removes the option, 0 inserts an empty-valued registration
// request, and any positive value inserts its minimum-length numeric
// encoding (as a server-side notification sequence number would be).
func (m *Message) SetObserve(v int64) {
	if v < 0 {
		m.Options = m.Options.Remove(Observe)
		return
	}
	if v == 0 {
		m.Options = m.Options.Set(newOption(Observe, nil))
		return
	}
	m.Options = m.Options.Set(newOption(Observe, EncodeUint(uint32(v))))
}

// ETags returns every ETag option's value.
func (m *Message) ETags() [][]byte {
	var tags [][]byte
	for _, o := range m.Options.GetAll(ETag) {
		tags = append(tags, o.Value)
	}
	return tags
}

// AddETag appends an ETag option.
func (m *Message) AddETag(tag []byte) {
	m.Options = m.Options.Add(newOption(ETag, tag))
}

// Block1 returns the decoded Block1 option, if present.
func (m *Message) Block1() (BlockOption, bool) {
	o, ok := m.Options.Get(Block1)
	if !ok {
		return BlockOption{}, false
	}
	return DecodeBlockOption(o.Value), true
}

// SetBlock1 accepts a positional (num, more, sizeOrSZX) block descriptor
// and encodes it onto the message's Block1 option, converting sizeOrSzx to an SZX via
// log2(size)-4 when it looks like a byte size (> 6) rather than a raw SZX.
func (m *Message) SetBlock1(num int64, more bool, sizeOrSZX int) {
	m.setBlockOption(Block1, num, more, sizeOrSZX)
}

// Block2 returns the decoded Block2 option, if present.
func (m *Message) Block2() (BlockOption, bool) {
	o, ok := m.Options.Get(Block2)
	if !ok {
		return BlockOption{}, false
	}
	return DecodeBlockOption(o.Value), true
}

// SetBlock2 is Block2's counterpart to SetBlock1.
func (m *Message) SetBlock2(num int64, more bool, sizeOrSZX int) {
	m.setBlockOption(Block2, num, more, sizeOrSZX)
}

func (m *Message) setBlockOption(id OptionID, num int64, more bool, sizeOrSZX int) {
	szx := uint8(sizeOrSZX)
	if sizeOrSZX > int(maxSZX) {
		szx = SZXForSize(sizeOrSZX)
	}
	b := BlockOption{NUM: num, M: more, SZX: szx}
	m.Options = m.Options.Set(newOption(id, EncodeBlockOption(b)))
}

// --- URI composition --------------------------------------------------------

// GetURI synthesises "coap://[host]:[port]/path?query" from the remote
// endpoint and the Uri-Path/Uri-Query options, per spec.md §4.4.
func (m *Message) GetURI() string {
	u := url.URL{Scheme: "coap", Host: m.Remote.String()}
	if segs := m.URIPath(); len(segs) > 0 {
		u.Path = "/" + strings.Join(segs, "/")
	}
	if qs := m.URIQuery(); len(qs) > 0 {
		u.RawQuery = strings.Join(qs, "&")
	}
	return u.String()
}

// SetURI parses an absolute or relative CoAP URI and sets the remote
// endpoint (for an absolute URI), Uri-Path and Uri-Query accordingly.
func (m *Message) SetURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("coap: invalid uri %q: %w", raw, err)
	}
	if u.Host != "" {
		port := DefaultPort
		host := u.Host
		if h, p, splitErr := splitHostPortOrDefault(u.Host); splitErr == nil {
			host, port = h, p
		}
		m.Remote = NewEndpoint(host, port)
	}
	path := strings.TrimPrefix(u.Path, "/")
	if path == "" {
		m.SetURIPath()
	} else {
		m.SetURIPath(strings.Split(path, "/")...)
	}
	if u.RawQuery == "" {
		m.SetURIQuery()
	} else {
		m.SetURIQuery(strings.Split(u.RawQuery, "&")...)
	}
	return nil
}

func splitHostPortOrDefault(hostport string) (string, int, error) {
	e, err := ParseEndpoint(hostport)
	if err != nil {
		return "", 0, err
	}
	return e.Host, e.Port, nil
}

// --- key helpers -------------------------------------------------------------

// TransactionKey returns the key identifying this message's Transaction:
// endpoint#message-ID.
func (m *Message) TransactionKey() string {
	return TransactionKeyFor(m.Remote, m.MessageID)
}

// TransactionKeyFor builds a transaction key from its parts.
func TransactionKeyFor(remote Endpoint, id uint16) string {
	return fmt.Sprintf("%s#%d", remote.Key(), id)
}

// ExchangeKey returns the key identifying this message's Exchange:
// endpoint|token-hex.
func (m *Message) ExchangeKey() string {
	return ExchangeKeyFor(m.Remote, m.Token)
}

// ExchangeKeyFor builds an exchange key from its parts.
func ExchangeKeyFor(remote Endpoint, token Token) string {
	return fmt.Sprintf("%s|%s", remote.Key(), token.String())
}

// MessageKey returns the key identifying this message in the duplicate
// cache: transaction-key + "|" + type.
func (m *Message) MessageKey() string {
	return m.TransactionKey() + "|" + strconv.Itoa(int(m.Type))
}

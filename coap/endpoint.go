// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the default CoAP UDP port (RFC 7252 §12.7).
const DefaultPort = 5683

// Endpoint is a canonicalised (address, port) pair: the left half of every
// exchange key. Two Endpoints that name the same peer always compare equal
// and stringify identically, even if constructed from differently-written
// IPv6 literals.
type Endpoint struct {
	Host string // canonical form: lower-cased, fully expanded for IPv6
	Port int
	isV6 bool
}

// NewEndpoint canonicalises host and pairs it with port.
func NewEndpoint(host string, port int) Endpoint {
	canon, isV6 := canonicalizeHost(host)
	return Endpoint{Host: canon, Port: port, isV6: isV6}
}

// ParseEndpoint parses "host:port", "[ipv6]:port" or a bare host (in which
// case DefaultPort is used).
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port present
		return NewEndpoint(s, DefaultPort), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("coap: invalid endpoint port %q: %w", portStr, err)
	}
	return NewEndpoint(host, port), nil
}

// canonicalizeHost expands IPv6 literals to their fully-padded, lower-cased
// form (e.g. "::1" -> "0000:0000:0000:0000:0000:0000:0000:0001"); IPv4
// literals and hostnames are returned verbatim (lower-cased for
// hostnames, since DNS names are case-insensitive).
func canonicalizeHost(host string) (string, bool) {
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	if ip == nil {
		return strings.ToLower(host), false
	}
	if v4 := ip.To4(); v4 != nil && !strings.Contains(host, ":") {
		return v4.String(), false
	}
	v6 := ip.To16()
	if v6 == nil {
		return strings.ToLower(host), false
	}
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = fmt.Sprintf("%04x", uint16(v6[i*2])<<8|uint16(v6[i*2+1]))
	}
	return strings.Join(groups, ":"), true
}

// String renders the endpoint as "host:port", using "[host]:port" for IPv6
// and omitting the port when it equals DefaultPort.
func (e Endpoint) String() string {
	host := e.Host
	if e.isV6 {
		host = "[" + host + "]"
	}
	if e.Port == DefaultPort {
		return host
	}
	return fmt.Sprintf("%s:%d", host, e.Port)
}

// Key returns the canonical string used as the left half of transaction
// and exchange keys. Unlike String, it always includes the port, so two
// endpoints differing only by an implicit default port never collide.
func (e Endpoint) Key() string {
	host := e.Host
	if e.isV6 {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, e.Port)
}

// Equal reports whether e and o name the same peer.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Host == o.Host && e.Port == o.Port
}

// UDPAddr returns the net.UDPAddr for this endpoint, resolving Host if it
// is a hostname rather than a literal IP.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

// EndpointFromUDPAddr canonicalises a net.UDPAddr (as delivered by a UDP
// read) into an Endpoint.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	return NewEndpoint(addr.IP.String(), addr.Port)
}

// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import "net"

// Socket is the UDP I/O abstraction spec.md §1 treats as host-provided:
// the core only needs to send and receive datagrams addressed to/from an
// Endpoint, not own socket creation beyond requesting it. udpSocket adapts
// the standard library's *net.UDPConn to it; tests substitute an
// in-memory fake.
type Socket interface {
	WriteTo(b []byte, addr Endpoint) error
	ReadFrom(b []byte) (n int, from Endpoint, err error)
	Close() error
}

// udpSocket is the production Socket backed by a real net.UDPConn. Two
// sockets are kept by Client (client.go), one per address family, since the
// IPv4 and IPv6 wildcard listeners are independent per spec.md §5.
type udpSocket struct {
	conn *net.UDPConn
}

// listenUDP opens a UDP socket of the given network ("udp4" or "udp6")
// on an ephemeral local port.
func listenUDP(network string) (*udpSocket, error) {
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) WriteTo(b []byte, addr Endpoint) error {
	ua, err := addr.UDPAddr()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(b, ua)
	return err
}

func (s *udpSocket) ReadFrom(b []byte) (int, Endpoint, error) {
	n, addr, err := s.conn.ReadFrom(b)
	if err != nil {
		return 0, Endpoint{}, err
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return n, Endpoint{}, ErrMalformed
	}
	return n, EndpointFromUDPAddr(ua), nil
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

// familyFor picks "udp4" or "udp6" for remote, per spec.md §5 ("selection
// is driven by the remote endpoint family").
func familyFor(remote Endpoint) string {
	if remote.isV6 {
		return "udp6"
	}
	return "udp4"
}

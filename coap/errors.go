// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import "github.com/absmach/coapc/pkg/errors"

// Error taxonomy. These are the sentinel errors a caller of the client can
// match against with errors.Contains; internal plumbing wraps them with
// errors.Wrap to add context the way coap/client.go wraps ErrOption in the
// teacher.
var (
	// ErrMalformed indicates that a received datagram could not be decoded
	// into a well-formed Message.
	ErrMalformed = errors.New("malformed coap message")

	// ErrProtocolViolation indicates an invalid block sequence, an
	// unsolicited request arriving at the client, or a response that does
	// not correlate to any outstanding exchange.
	ErrProtocolViolation = errors.New("coap protocol violation")

	// ErrTransactionTimeout indicates the retransmission budget for a
	// confirmable message was exhausted without an ACK or RST.
	ErrTransactionTimeout = errors.New("coap transaction timed out")

	// ErrExchangeTimeout indicates no progress was made within the
	// exchange window (used for NON requests and Observe Max-Age).
	ErrExchangeTimeout = errors.New("coap exchange timed out")

	// ErrSendFailure indicates the underlying UDP send failed.
	ErrSendFailure = errors.New("coap send failed")

	// ErrCancelled indicates the operation was cancelled by the caller.
	ErrCancelled = errors.New("coap exchange cancelled")

	// ErrTokenExhausted indicates the token manager could not find a free
	// token within its configured size.
	ErrTokenExhausted = errors.New("no coap tokens available")

	// ErrNoSuchExchange indicates a message referenced an (endpoint, token)
	// pair the client has no exchange for.
	ErrNoSuchExchange = errors.New("no matching coap exchange")

	// ErrClosed indicates an operation was attempted on a destroyed Client.
	ErrClosed = errors.New("coap client closed")

	// ErrUnsupportedBlockNegotiation flags a Block1 ACK whose NUM differs
	// from the block just sent, or whose SZX is larger than ours: the source (see spec Open Questions) requires equal NUMs and
	// equal-or-smaller SZX and stalls to exchange-timeout rather than
	// fast-forwarding, so we surface this distinctly for observability.
	ErrUnsupportedBlockNegotiation = errors.New("server negotiated an unsupported block sequence")
)

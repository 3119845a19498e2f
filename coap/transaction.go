// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"math/rand"
	"time"
)

// Transaction is the reliability FSM for a single confirmable message, as
// described in spec.md §4.5 and §3: identified by (endpoint, message-ID),
// it owns the retransmission schedule and settles to accepted, rejected,
// or timed out.
//
// spec.md §4.5 draws a line between "the request" and "the parent
// request": only the exchange's originating transaction delivers
// acknowledged/reset to a user-visible Request, while every transaction
// belonging to the exchange — including Block1/Block2 follow-up
// sub-transactions — mirrors a request-level timeout onto the parent.
// Req carries the former (nil for a follow-up, since its ack/reset is an
// internal protocol detail the caller never subscribed to); ParentReq
// carries the latter and is always set.
//
// Every method here assumes the owning Client's mutex is already held;
// the Client is solely responsible for serialising access, matching the
// single-threaded-cooperative model the specification calls for.
type Transaction struct {
	Key         string
	Message     *Message
	Req         *Request // acknowledged/reset target; nil for a block follow-up
	ParentReq   *Request // timeout target; always set
	ExchangeKey string

	retryCount     int
	currentTimeout time.Duration
	timer          *time.Timer
	settled        bool
}

// newTransaction starts the retransmission clock for msg: the initial
// currentTimeout is drawn uniformly from [ackTimeout, ackTimeout *
// ackRandomFactor). req is the Request that should observe this
// transaction's acknowledged/reset (nil for a Block1/Block2 follow-up);
// parentReq is the Request that observes a request-level timeout and is
// always supplied, per spec.md §4.5's "parent request" pointer.
func newTransaction(msg *Message, req, parentReq *Request, exchangeKey string, cfg Config) *Transaction {
	lo := float64(cfg.AckTimeout)
	hi := lo * cfg.AckRandomFactor
	timeout := time.Duration(lo + rand.Float64()*(hi-lo))
	return &Transaction{
		Key:            msg.TransactionKey(),
		Message:        msg,
		Req:            req,
		ParentReq:      parentReq,
		ExchangeKey:    exchangeKey,
		currentTimeout: timeout,
	}
}

// arm schedules onExpire to run (under the Client's mutex, via the
// Client's timer plumbing) after the transaction's current timeout.
func (t *Transaction) arm(onExpire func()) {
	t.timer = time.AfterFunc(t.currentTimeout, onExpire)
}

// stop cancels the pending retransmission timer, if any.
func (t *Transaction) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// expire implements one retransmission-timer tick: double the timeout and
// increment the retry counter. It reports whether the retransmission
// budget is exhausted (retryCount > maxRetransmit), in which case the
// caller must finish the transaction as timed out rather than resend.
func (t *Transaction) expire(maxRetransmit int) (exhausted bool) {
	t.retryCount++
	if t.retryCount > maxRetransmit {
		return true
	}
	t.currentTimeout *= 2
	return false
}

// accept settles the transaction on a matching ACK. The caller (Client)
// is responsible for deferred dispatch of the `acknowledged` event to
// Req.
func (t *Transaction) accept() {
	t.settled = true
	t.stop()
}

// reject settles the transaction on a matching RST.
func (t *Transaction) reject() {
	t.settled = true
	t.stop()
}

// finishTimedOut settles the transaction because its retransmission
// budget was exhausted.
func (t *Transaction) finishTimedOut() {
	t.settled = true
	t.stop()
}

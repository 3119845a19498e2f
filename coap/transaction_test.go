// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		AckTimeout:      100 * time.Millisecond,
		AckRandomFactor: 1.5,
		MaxRetransmit:   4,
		BlockSize:       512,
	}
}

func newTestTransaction(cfg Config) *Transaction {
	msg := NewMessage(CON, GET)
	msg.Remote = NewEndpoint("127.0.0.1", DefaultPort)
	msg.MessageID = 1
	req := NewRequest(msg)
	return newTransaction(msg, req, req, msg.ExchangeKey(), cfg)
}

func TestTransactionFollowUpHasNoAckTarget(t *testing.T) {
	cfg := testConfig()
	msg := NewMessage(CON, GET)
	msg.Remote = NewEndpoint("127.0.0.1", DefaultPort)
	msg.MessageID = 2
	parent := NewRequest(msg)

	tx := newTransaction(msg, nil, parent, msg.ExchangeKey(), cfg)
	assert.Nil(t, tx.Req)
	assert.Same(t, parent, tx.ParentReq)
}

func TestTransactionInitialTimeoutWithinBounds(t *testing.T) {
	cfg := testConfig()
	for i := 0; i < 50; i++ {
		tx := newTestTransaction(cfg)
		assert.GreaterOrEqual(t, tx.currentTimeout, cfg.AckTimeout)
		assert.Less(t, tx.currentTimeout, time.Duration(float64(cfg.AckTimeout)*cfg.AckRandomFactor))
	}
}

func TestTransactionExpireDoublesTimeout(t *testing.T) {
	cfg := testConfig()
	tx := newTestTransaction(cfg)
	before := tx.currentTimeout

	exhausted := tx.expire(cfg.MaxRetransmit)
	assert.False(t, exhausted)
	assert.Equal(t, before*2, tx.currentTimeout)
}

func TestTransactionExhaustsAfterMaxRetransmit(t *testing.T) {
	cfg := testConfig()
	tx := newTestTransaction(cfg)

	var exhausted bool
	for i := 0; i <= cfg.MaxRetransmit; i++ {
		exhausted = tx.expire(cfg.MaxRetransmit)
	}
	assert.True(t, exhausted)
}

func TestTransactionAcceptSettles(t *testing.T) {
	cfg := testConfig()
	tx := newTestTransaction(cfg)
	assert.False(t, tx.settled)
	tx.accept()
	assert.True(t, tx.settled)
}

func TestTransactionRejectSettles(t *testing.T) {
	cfg := testConfig()
	tx := newTestTransaction(cfg)
	tx.reject()
	assert.True(t, tx.settled)
}

func TestTransactionFinishTimedOutSettles(t *testing.T) {
	cfg := testConfig()
	tx := newTestTransaction(cfg)
	tx.finishTimedOut()
	assert.True(t, tx.settled)
}

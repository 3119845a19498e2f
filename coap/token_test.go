// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap_test

import (
	"testing"
	"time"

	"github.com/absmach/coapc/coap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManagerStartsAtByteZero(t *testing.T) {
	tm := coap.NewTokenManager(8, 0)
	tok, err := tm.Acquire()
	require.Nil(t, err)
	assert.Equal(t, coap.Token{0x00}, tok)
}

func TestTokenManagerDistinctAcquisitions(t *testing.T) {
	tm := coap.NewTokenManager(1, 0)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		tok, err := tm.Acquire()
		require.Nil(t, err)
		assert.False(t, seen[tok.String()], "token reused before release")
		seen[tok.String()] = true
	}
}

func TestTokenManagerReleaseAllowsReuse(t *testing.T) {
	tm := coap.NewTokenManager(1, 0)
	tok, err := tm.Acquire()
	require.Nil(t, err)
	tm.Release(tok)

	for i := 0; i < 200; i++ {
		_, err := tm.Acquire()
		require.Nil(t, err)
	}
}

func TestTokenManagerExhaustion(t *testing.T) {
	tm := coap.NewTokenManager(1, 48*time.Second)
	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		_, err = tm.Acquire()
	}
	assert.Equal(t, coap.ErrTokenExhausted, err)
}

func TestTokenManagerEmptyTokenQuarantined(t *testing.T) {
	tm := coap.NewTokenManager(2, 48*time.Second)

	var emptyTok coap.Token
	found := false
	for i := 0; i < 300; i++ {
		tok, err := tm.Acquire()
		require.Nil(t, err)
		if len(tok) == 0 {
			emptyTok = tok
			found = true
			break
		}
	}
	require.True(t, found, "expected the empty token to be handed out")
	tm.Release(emptyTok)

	// Immediately after release the empty token is quarantined: it must
	// not be the very next value acquired.
	next, err := tm.Acquire()
	require.Nil(t, err)
	assert.NotEqual(t, coap.Token(nil), next)
}

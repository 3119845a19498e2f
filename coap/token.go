// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"encoding/hex"
	"sync"
	"time"
)

// Token is a 0-8 byte opaque request/response correlation identifier,
// independent of Message-ID.
type Token []byte

// String renders the token as lowercase hex, used as the right half of an
// exchange key.
func (t Token) String() string {
	return hex.EncodeToString(t)
}

// Equal reports whether t and o carry the same bytes.
func (t Token) Equal(o Token) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// TokenManager allocates and releases tokens in the deterministic sequence
// spec.md §4.3 describes: start at the single byte 0, increment as a
// little-endian multi-byte counter up to maxSize bytes, then wrap, skipping
// any token currently acquired. The empty token may be acquired once at a
// time and is quarantined for emptySafekeepingTime after release.
type TokenManager struct {
	mu                    sync.Mutex
	maxSize               int
	emptySafekeepingTime  time.Duration
	next                  []byte // little-endian counter, length grows up to maxSize
	inUse                 map[string]struct{}
	emptyInUse            bool
	emptyReleasedAt       time.Time
	emptyEverReleased     bool
	now                   func() time.Time
}

// NewTokenManager builds a TokenManager with the given limits.
// maxSize <= 0 defaults to 8; emptySafekeepingTime <= 0 defaults to 48s.
func NewTokenManager(maxSize int, emptySafekeepingTime time.Duration) *TokenManager {
	if maxSize <= 0 {
		maxSize = 8
	}
	if emptySafekeepingTime <= 0 {
		emptySafekeepingTime = 48 * time.Second
	}
	return &TokenManager{
		maxSize:              maxSize,
		emptySafekeepingTime: emptySafekeepingTime,
		next:                 []byte{0},
		inUse:                make(map[string]struct{}),
		now:                  time.Now,
	}
}

// Acquire returns a token not currently in use. It returns ErrTokenExhausted
// if every token representable within maxSize bytes is in use.
func (m *TokenManager) Acquire() (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := 1 << uint(8*m.maxSize)
	for attempts := 0; attempts < limit || limit <= 0; attempts++ {
		candidate := append(Token{}, m.next...)
		m.advance()

		if len(candidate) == 0 {
			if m.emptyAvailable() {
				m.emptyInUse = true
				return candidate, nil
			}
			continue
		}
		key := candidate.String()
		if _, busy := m.inUse[key]; busy {
			continue
		}
		m.inUse[key] = struct{}{}
		return candidate, nil
	}
	return nil, ErrTokenExhausted
}

func (m *TokenManager) emptyAvailable() bool {
	if !m.emptyEverReleased {
		return !m.emptyInUse
	}
	return !m.emptyInUse && m.now().Sub(m.emptyReleasedAt) >= m.emptySafekeepingTime
}

// Release removes t from the in-use set. If t is the empty token, its
// release timestamp is recorded to start the safekeeping quarantine.
func (m *TokenManager) Release(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(t) == 0 {
		m.emptyInUse = false
		m.emptyEverReleased = true
		m.emptyReleasedAt = m.now()
		return
	}
	delete(m.inUse, t.String())
}

// advance increments the little-endian byte counter by one, growing it by
// a byte when every byte carries over. The counter starts at the single
// byte 0x00, so the very first Acquire call hands out Token{0x00}. Once
// the counter carries out of maxSize bytes it becomes the empty token,
// and the advance after that restarts it at the single byte 0x00.
func (m *TokenManager) advance() {
	for i := 0; i < len(m.next); i++ {
		m.next[i]++
		if m.next[i] != 0 {
			return
		}
	}
	// carried out of every byte: grow, or wrap to empty if at maxSize.
	if len(m.next) >= m.maxSize {
		m.next = nil
		return
	}
	m.next = append(m.next, 0)
}

// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import "time"

// Config holds every overridable parameter listed in the specification's
// default-parameters table. Zero-value fields are filled in from
// DefaultConfig when the Config is passed to NewClient; a Config can also
// be populated from the environment with internal/env's Parse.
type Config struct {
	AckTimeout       time.Duration `env:"COAP_ACK_TIMEOUT"        envDefault:"2s"`
	AckRandomFactor  float64       `env:"COAP_ACK_RANDOM_FACTOR"  envDefault:"1.5"`
	MaxRetransmit    int           `env:"COAP_MAX_RETRANSMIT"     envDefault:"4"`
	ExchangeTimeout  time.Duration `env:"COAP_EXCHANGE_TIMEOUT"   envDefault:"0"`
	DuplicateTimeout time.Duration `env:"COAP_DUPLICATE_TIMEOUT"  envDefault:"0"`
	BlockSize        int           `env:"COAP_BLOCK_SIZE"         envDefault:"512"`

	TokenManagerMaxSize              int           `env:"COAP_TOKEN_MAX_SIZE"        envDefault:"8"`
	TokenManagerEmptySafekeepingTime time.Duration `env:"COAP_TOKEN_EMPTY_SAFEKEEP"  envDefault:"48s"`

	DefaultMaxAge uint32 `env:"COAP_DEFAULT_MAX_AGE" envDefault:"60"`
}

// DefaultConfig returns the parameter set from spec.md §6, deriving
// ExchangeTimeout and DuplicateTimeout from AckTimeout/MaxRetransmit/
// AckRandomFactor when they are left at zero, exactly as the formulas in
// the default-parameters table specify.
func DefaultConfig() Config {
	c := Config{
		AckTimeout:                        2000 * time.Millisecond,
		AckRandomFactor:                   1.5,
		MaxRetransmit:                     4,
		BlockSize:                         512,
		TokenManagerMaxSize:               8,
		TokenManagerEmptySafekeepingTime:  48000 * time.Millisecond,
		DefaultMaxAge:                     60,
	}
	c.ExchangeTimeout = exchangeTimeoutFor(c.AckTimeout, c.MaxRetransmit, c.AckRandomFactor)
	c.DuplicateTimeout = c.ExchangeTimeout / 2
	return c
}

// exchangeTimeoutFor computes ackTimeout * 2^(maxRetransmit+1) * ackRandomFactor.
func exchangeTimeoutFor(ackTimeout time.Duration, maxRetransmit int, ackRandomFactor float64) time.Duration {
	mult := float64(uint64(1) << uint(maxRetransmit+1))
	return time.Duration(float64(ackTimeout) * mult * ackRandomFactor)
}

// withDefaults fills in zero-valued fields of c from DefaultConfig, then
// re-derives ExchangeTimeout/DuplicateTimeout if they were left at zero.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AckTimeout == 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.AckRandomFactor == 0 {
		c.AckRandomFactor = def.AckRandomFactor
	}
	if c.MaxRetransmit == 0 {
		c.MaxRetransmit = def.MaxRetransmit
	}
	if c.BlockSize == 0 {
		c.BlockSize = def.BlockSize
	}
	if c.TokenManagerMaxSize == 0 {
		c.TokenManagerMaxSize = def.TokenManagerMaxSize
	}
	if c.TokenManagerEmptySafekeepingTime == 0 {
		c.TokenManagerEmptySafekeepingTime = def.TokenManagerEmptySafekeepingTime
	}
	if c.DefaultMaxAge == 0 {
		c.DefaultMaxAge = def.DefaultMaxAge
	}
	if c.ExchangeTimeout == 0 {
		c.ExchangeTimeout = exchangeTimeoutFor(c.AckTimeout, c.MaxRetransmit, c.AckRandomFactor)
	}
	if c.DuplicateTimeout == 0 {
		c.DuplicateTimeout = c.ExchangeTimeout / 2
	}
	return c
}

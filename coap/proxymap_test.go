// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap_test

import (
	"testing"

	"github.com/absmach/coapc/coap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethodToCode(t *testing.T) {
	c, ok := coap.MethodToCode("get")
	require.True(t, ok)
	assert.Equal(t, coap.GET, c)

	_, ok = coap.MethodToCode("PATCH")
	assert.False(t, ok)
}

func TestHeaderToOptionMapsPrefixedHeaders(t *testing.T) {
	o, ok := coap.HeaderToOption("CoAP-Content-Format", "0")
	require.True(t, ok)
	assert.Equal(t, coap.ContentFormat, o.ID)
	assert.Equal(t, uint32(0), o.Uint())

	_, ok = coap.HeaderToOption("X-Other", "1")
	assert.False(t, ok)
}

func TestOptionToHeader(t *testing.T) {
	o := coap.Option{ID: coap.MaxAge, Value: coap.EncodeUint(30), Def: coap.LookupOptionDef(coap.MaxAge)}
	name, value := coap.OptionToHeader(o)
	assert.Equal(t, "CoAP-Max-Age", name)
	assert.Equal(t, "30", value)
}

func TestStatusFromCodeAndBack(t *testing.T) {
	assert.Equal(t, 205, coap.StatusFromCode(coap.Content))
	assert.Equal(t, coap.Content, coap.CodeFromStatus(205))
}

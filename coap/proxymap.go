// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"strconv"
	"strings"
)

// This file backs the HTTP proxy mapping collaborator spec.md §1 and §6
// describe as an external consumer: it is pure mapping logic only, with
// no HTTP server of its own, grounded on how the teacher's
// coap/api/transport.go translated inbound HTTP headers/status into CoAP
// options/codes.

// headerPrefix is the case-insensitive header-name prefix that maps
// one-to-one to Message options, per spec.md §6.
const headerPrefix = "CoAP-"

// httpMethodToCode maps an HTTP method name to its CoAP request code.
var httpMethodToCode = map[string]Code{
	"GET":    GET,
	"POST":   POST,
	"PUT":    PUT,
	"DELETE": DELETE,
}

// MethodToCode maps an HTTP method to its CoAP request code.
func MethodToCode(method string) (Code, bool) {
	c, ok := httpMethodToCode[strings.ToUpper(method)]
	return c, ok
}

// HeaderToOption maps an HTTP header name/value pair to a Message Option,
// if the header carries the CoAP- prefix and names a registered option.
func HeaderToOption(name, value string) (Option, bool) {
	if !strings.HasPrefix(strings.ToLower(name), strings.ToLower(headerPrefix)) {
		return Option{}, false
	}
	optName := name[len(headerPrefix):]
	for id, def := range optionDefs {
		if strings.EqualFold(def.Name, optName) {
			return newOption(id, encodeOptionValue(def, value)), true
		}
	}
	return Option{}, false
}

func encodeOptionValue(def *OptionDef, value string) []byte {
	switch def.Format {
	case FormatUint:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil
		}
		return EncodeUint(uint32(n))
	case FormatEmpty:
		return nil
	default:
		return []byte(value)
	}
}

// OptionToHeader is HeaderToOption's inverse, used when rendering a
// Message's options back onto an HTTP response.
func OptionToHeader(o Option) (name, value string) {
	def := o.Def
	if def == nil {
		def = &OptionDef{Name: strconv.Itoa(int(o.ID)), Format: FormatOpaque}
	}
	name = headerPrefix + def.Name
	switch def.Format {
	case FormatUint:
		value = strconv.FormatUint(uint64(o.Uint()), 10)
	case FormatEmpty:
		value = ""
	case FormatString:
		value = o.String()
	default:
		value = strconv.Itoa(len(o.Value)) + " bytes"
	}
	return name, value
}

// StatusFromCode computes the HTTP-numbered status a proxy should report
// for a CoAP response code, per spec.md §6:
// ((code>>5) & 0x7) * 100 + (code & 0x1F).
func StatusFromCode(c Code) int {
	return int(c.Class())*100 + int(c.Detail())
}

// CodeFromStatus is StatusFromCode's inverse, used when translating an
// inbound HTTP status for a proxied response back into a CoAP code. The
// class is the hundreds digit and the detail the last two digits, packed
// into CoAP's 3-bit class and 5-bit detail fields; values that do not fit
// (class above 7, detail above 31) are not preserved.
func CodeFromStatus(status int) Code {
	class := uint8(status / 100)
	detail := uint8(status % 100)
	return NewCode(class, detail)
}

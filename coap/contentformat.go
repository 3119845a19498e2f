// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import "sync"

// ContentFormatValue is a registered Content-Format/Accept identifier (RFC 7252
// §12.3). The registry here is the "pluggable lookup table" spec.md §1
// treats as an external collaborator: the core only needs the numeric IDs
// for option encoding, pretty-printing is opt-in via Register.
type ContentFormatValue uint16

const (
	TextPlain          ContentFormatValue = 0
	AppLinkFormat       ContentFormatValue = 40
	AppXML              ContentFormatValue = 41
	AppOctetStream      ContentFormatValue = 42
	AppEXI              ContentFormatValue = 47
	AppJSON             ContentFormatValue = 50
	AppCBOR             ContentFormatValue = 60
	AppSenMLJSON        ContentFormatValue = 110
	AppSenMLCBOR        ContentFormatValue = 112
)

var (
	contentFormatNamesMu sync.RWMutex
	contentFormatNames   = map[ContentFormatValue]string{
		TextPlain:     "text/plain;charset=utf-8",
		AppLinkFormat: "application/link-format",
		AppXML:        "application/xml",
		AppOctetStream: "application/octet-stream",
		AppEXI:        "application/exi",
		AppJSON:       "application/json",
		AppCBOR:       "application/cbor",
		AppSenMLJSON:  "application/senml+json",
		AppSenMLCBOR:  "application/senml+cbor",
	}
)

// Register adds or overrides the human-readable name for a Content-Format
// id, so an external pretty-printer can extend the table without the core
// package depending on it.
func Register(id ContentFormatValue, name string) {
	contentFormatNamesMu.Lock()
	defer contentFormatNamesMu.Unlock()
	contentFormatNames[id] = name
}

// Name returns the registered human-readable name for id, or "" if none is
// registered.
func (c ContentFormatValue) Name() string {
	contentFormatNamesMu.RLock()
	defer contentFormatNamesMu.RUnlock()
	return contentFormatNames[c]
}

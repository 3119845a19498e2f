// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

// LinkFormatParser is the seam spec.md §1 calls out for resource
// discovery: link-format parsing ("application/link-format", RFC 6690)
// is provided by a separate library, not the core. A caller that wants
// ./well-known/core discovery supplies a parser here; the core only
// needs to recognise the content-format and hand the raw payload off.
type LinkFormatParser interface {
	// ParseLinks decodes a link-format document into one Link per entry.
	ParseLinks(payload []byte) ([]Link, error)
}

// Link is a single RFC 6690 link entry: a target URI plus its
// attributes (rt, if, ct, sz, obs, ...).
type Link struct {
	Target     string
	Attributes map[string][]string
}

// DiscoverResources issues a GET for path (".well-known/core" by
// convention) and parses the response with parser once it arrives.
// It returns the Request so the caller can still subscribe additional
// handlers before the response lands.
func (c *Client) DiscoverResources(remote Endpoint, path string, parser LinkFormatParser, onLinks func([]Link, error)) (*Request, error) {
	if path == "" {
		path = ".well-known/core"
	}
	accept := AppLinkFormat
	req, err := c.Get(remote, path, RequestOptions{Accept: &accept})
	if err != nil {
		return nil, err
	}
	req.OnResponse(func(resp *Message) {
		links, perr := parser.ParseLinks(resp.Payload)
		onLinks(links, perr)
	})
	req.OnError(func(err error) { onLinks(nil, err) })
	return req, nil
}

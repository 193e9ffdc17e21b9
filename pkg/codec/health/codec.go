// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package health implements the load-balancer probe protocol: a fixed
// request answered locally with a fixed response. The backend is never
// involved, so a backend outage does not fail probes.
package health

import (
	"bytes"
	"fmt"
	"io"

	"github.com/mamikk/nomulus/pkg/codec"
	"github.com/mamikk/nomulus/pkg/errors"
)

// Default probe strings. Overridable per environment profile.
const (
	DefaultCheckRequest  = "HEALTH_CHECK_REQUEST\n"
	DefaultCheckResponse = "HEALTH_CHECK_RESPONSE\n"
)

// Codec matches the fixed probe request and emits the fixed response.
type Codec struct {
	CheckRequest  []byte
	CheckResponse []byte
}

var _ codec.Codec = (*Codec)(nil)

// New creates a health-check codec. Empty strings select the defaults.
func New(checkRequest, checkResponse string) *Codec {
	if checkRequest == "" {
		checkRequest = DefaultCheckRequest
	}
	if checkResponse == "" {
		checkResponse = DefaultCheckResponse
	}
	return &Codec{
		CheckRequest:  []byte(checkRequest),
		CheckResponse: []byte(checkResponse),
	}
}

// ReadMessage reads exactly the probe request. Anything else is a protocol
// violation.
func (c *Codec) ReadMessage(r io.Reader) (*codec.Message, error) {
	buf := make([]byte, len(c.CheckRequest))
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read probe: %w", err)
	}
	if !bytes.Equal(buf, c.CheckRequest) {
		return nil, fmt.Errorf("%w: unexpected probe request", errors.ErrProtocolViolation)
	}
	return &codec.Message{Protocol: "health-check"}, nil
}

// WriteResponse writes the fixed probe response; resp is ignored because
// the answer never depends on a backend call.
func (c *Codec) WriteResponse(w io.Writer, resp []byte) error {
	if _, err := w.Write(c.CheckResponse); err != nil {
		return fmt.Errorf("write probe response: %w", err)
	}
	return nil
}

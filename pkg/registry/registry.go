// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the fixed table of frontend protocols. Each entry
// binds a listening port to a transport security requirement and a codec
// factory. The table is built once at startup and never mutated; adding a
// protocol means adding a definition, not touching listener logic.
package registry

import (
	"fmt"

	"github.com/mamikk/nomulus/pkg/codec"
	"github.com/mamikk/nomulus/pkg/errors"
)

// ProtocolDefinition describes one frontend protocol.
type ProtocolDefinition struct {
	// Name uniquely identifies the protocol (epp, whois, health-check).
	Name string

	// Port is the frontend listening port.
	Port uint16

	// RequireTLS makes the listener perform a TLS handshake before the
	// codec sees any bytes.
	RequireTLS bool

	// RequestClientCert asks for (but does not require) a client
	// certificate during the handshake. Only meaningful with RequireTLS.
	RequestClientCert bool

	// OneShot limits a connection to a single request/response exchange,
	// after which the listener closes it.
	OneShot bool

	// LocalOnly protocols are answered by the listener itself and never
	// relayed to the backend.
	LocalOnly bool

	// NewCodec builds a fresh codec for each accepted connection.
	NewCodec func() codec.Codec
}

// PortMap maps listening ports to their protocol definitions. Read-only
// after Register returns.
type PortMap map[uint16]ProtocolDefinition

// Register validates the protocol set and builds the port map.
// Duplicate ports or names are a startup-fatal configuration error.
func Register(defs []ProtocolDefinition) (PortMap, error) {
	ports := make(PortMap, len(defs))
	names := make(map[string]struct{}, len(defs))

	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: protocol with empty name", errors.ErrConfiguration)
		}
		if def.Port == 0 {
			return nil, fmt.Errorf("%w: protocol %q has no port", errors.ErrConfiguration, def.Name)
		}
		if def.NewCodec == nil {
			return nil, fmt.Errorf("%w: protocol %q has no codec factory", errors.ErrConfiguration, def.Name)
		}
		if _, ok := names[def.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate protocol name %q", errors.ErrConfiguration, def.Name)
		}
		if prev, ok := ports[def.Port]; ok {
			return nil, fmt.Errorf("%w: port %d claimed by both %q and %q",
				errors.ErrConfiguration, def.Port, prev.Name, def.Name)
		}
		names[def.Name] = struct{}{}
		ports[def.Port] = def
	}

	return ports, nil
}

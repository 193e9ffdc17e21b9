// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamikk/nomulus/pkg/codec"
	"github.com/mamikk/nomulus/pkg/codec/epp"
	"github.com/mamikk/nomulus/pkg/errors"
)

func eppCodec() codec.Codec { return epp.New(0) }

func TestRegister(t *testing.T) {
	defs := []ProtocolDefinition{
		{Name: "epp", Port: 700, RequireTLS: true, NewCodec: eppCodec},
		{Name: "whois", Port: 43, RequireTLS: true, OneShot: true, NewCodec: eppCodec},
	}

	ports, err := Register(defs)
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "epp", ports[700].Name)
	assert.Equal(t, "whois", ports[43].Name)
}

func TestRegister_DuplicatePort(t *testing.T) {
	defs := []ProtocolDefinition{
		{Name: "epp", Port: 700, NewCodec: eppCodec},
		{Name: "whois", Port: 700, NewCodec: eppCodec},
	}

	_, err := Register(defs)
	require.ErrorIs(t, err, errors.ErrConfiguration)
	assert.Contains(t, err.Error(), "port 700")
}

func TestRegister_DuplicateName(t *testing.T) {
	defs := []ProtocolDefinition{
		{Name: "epp", Port: 700, NewCodec: eppCodec},
		{Name: "epp", Port: 701, NewCodec: eppCodec},
	}

	_, err := Register(defs)
	require.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestRegister_Invalid(t *testing.T) {
	cases := []struct {
		name string
		def  ProtocolDefinition
	}{
		{"empty name", ProtocolDefinition{Port: 700, NewCodec: eppCodec}},
		{"zero port", ProtocolDefinition{Name: "epp", NewCodec: eppCodec}},
		{"nil codec factory", ProtocolDefinition{Name: "epp", Port: 700}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Register([]ProtocolDefinition{tc.def})
			assert.ErrorIs(t, err, errors.ErrConfiguration)
		})
	}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgateway/pkg/vmcp"
)

func TestParseSourceKindAcceptsKnownPrefixes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		source string
		want   SourceKind
	}{
		{"local:/usr/bin/fs-server", SourceLocal},
		{"binary:fs-server", SourceBinary},
		{"npm:@acme/fs-server", SourceNpm},
		{"pip:acme-fs-server", SourcePip},
		{"uvx:acme-fs-server", SourceUvx},
		{"github:acme/fs-server", SourceGithub},
		{"http://example.com/fs-server", SourceHTTP},
		{"https://example.com/fs-server", SourceHTTPS},
	}
	for _, tt := range tests {
		kind, err := ParseSourceKind(tt.source)
		require.NoError(t, err)
		assert.Equal(t, tt.want, kind)
	}
}

func TestParseSourceKindRejectsMissingPrefix(t *testing.T) {
	t.Parallel()

	_, err := ParseSourceKind("fs-server")
	require.Error(t, err)
}

func TestParseSourceKindRejectsUnknownPrefix(t *testing.T) {
	t.Parallel()

	_, err := ParseSourceKind("ftp:fs-server")
	require.Error(t, err)
}

func TestStaticResolverResolvesStdioSource(t *testing.T) {
	t.Parallel()

	r := StaticResolver{}
	plan, err := r.Resolve(context.Background(), vmcp.ServerConfig{
		ID:        "fs",
		Source:    "local:/usr/bin/fs-server",
		Transport: vmcp.TransportStdio,
		Command:   "/usr/bin/fs-server",
		Args:      []string{"--root", "/tmp"},
		Env:       map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, vmcp.TransportStdio, plan.Transport)
	assert.Equal(t, "/usr/bin/fs-server", plan.Command)
	assert.Equal(t, []string{"--root", "/tmp"}, plan.Args)
	assert.Equal(t, map[string]string{"FOO": "bar"}, plan.Env)
}

func TestStaticResolverAppliesAdaptedConfigOverBaseEnv(t *testing.T) {
	t.Parallel()

	r := StaticResolver{}
	plan, err := r.Resolve(context.Background(), vmcp.ServerConfig{
		ID:        "fs",
		Source:    "local:/usr/bin/fs-server",
		Transport: vmcp.TransportStdio,
		Command:   "/usr/bin/fs-server",
		Env:       map[string]string{"FOO": "bar", "LOG_LEVEL": "info"},
		Config:    map[string]any{"log_level": "debug", "strict": true},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"FOO":       "bar",
		"LOG_LEVEL": "debug",
		"STRICT":    "true",
	}, plan.Env)
}

func TestStaticResolverRejectsStdioWithoutCommand(t *testing.T) {
	t.Parallel()

	r := StaticResolver{}
	_, err := r.Resolve(context.Background(), vmcp.ServerConfig{
		ID: "fs", Source: "local:/usr/bin/fs-server", Transport: vmcp.TransportStdio,
	})
	require.Error(t, err)
}

func TestStaticResolverResolvesSSESource(t *testing.T) {
	t.Parallel()

	r := StaticResolver{}
	plan, err := r.Resolve(context.Background(), vmcp.ServerConfig{
		ID: "fs", Source: "binary:fs-server", Transport: vmcp.TransportSSE, URL: "http://localhost:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, vmcp.TransportSSE, plan.Transport)
	assert.Equal(t, "http://localhost:9000", plan.URL)
}

func TestStaticResolverRejectsWebsocketTransport(t *testing.T) {
	t.Parallel()

	r := StaticResolver{}
	_, err := r.Resolve(context.Background(), vmcp.ServerConfig{
		ID: "fs", Source: "local:/usr/bin/fs-server", Transport: vmcp.TransportWebsocket,
	})
	require.Error(t, err)
}

func TestStaticResolverRejectsNonLocalSourceKind(t *testing.T) {
	t.Parallel()

	r := StaticResolver{}
	_, err := r.Resolve(context.Background(), vmcp.ServerConfig{
		ID: "fs", Source: "npm:acme/fs-server", Transport: vmcp.TransportStdio, Command: "fs-server",
	})
	require.Error(t, err)
}

func TestConfigAdapterAdaptUppercasesKeys(t *testing.T) {
	t.Parallel()

	out := ConfigAdapter{}.Adapt(map[string]any{"log_level": "debug"})
	assert.Equal(t, map[string]string{"LOG_LEVEL": "debug"}, out)
}

func TestConfigAdapterAdaptRendersBoolsAsTrueFalse(t *testing.T) {
	t.Parallel()

	out := ConfigAdapter{}.Adapt(map[string]any{"verbose": true, "strict": false})
	assert.Equal(t, map[string]string{"VERBOSE": "true", "STRICT": "false"}, out)
}

func TestConfigAdapterAdaptJoinsListsWithCommas(t *testing.T) {
	t.Parallel()

	out := ConfigAdapter{}.Adapt(map[string]any{"roots": []any{"/tmp", "/var"}})
	assert.Equal(t, map[string]string{"ROOTS": "/tmp,/var"}, out)

	out = ConfigAdapter{}.Adapt(map[string]any{"roots": []string{"/tmp", "/var"}})
	assert.Equal(t, map[string]string{"ROOTS": "/tmp,/var"}, out)
}

func TestConfigAdapterAdaptStringifiesScalars(t *testing.T) {
	t.Parallel()

	out := ConfigAdapter{}.Adapt(map[string]any{"port": 8080, "timeout": 1.5})
	assert.Equal(t, map[string]string{"PORT": "8080", "TIMEOUT": "1.5"}, out)
}

func TestConfigAdapterAdaptSkipsNilValues(t *testing.T) {
	t.Parallel()

	out := ConfigAdapter{}.Adapt(map[string]any{"unset": nil, "kept": "yes"})
	assert.Equal(t, map[string]string{"KEPT": "yes"}, out)
}

func TestConfigAdapterAdaptHandlesNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ConfigAdapter{}.Adapt(nil))
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"testing"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"

	"github.com/stacklok/mcpgateway/pkg/vmcp"
)

func TestCheckToolAccessDenyPrecedesAllow(t *testing.T) {
	t.Parallel()

	policies := []vmcp.ClientPolicy{
		{
			ClientID: "agent",
			Allow:    []vmcp.AccessRule{{ServerID: "fs", Tools: []string{"*"}}},
			Deny:     []vmcp.AccessRule{{ServerID: "fs", Tools: []string{"delete_*"}}},
		},
	}
	e := NewPermissionEngine(policies)

	assert.True(t, e.CheckToolAccess("agent", "fs", "read_file"))
	assert.False(t, e.CheckToolAccess("agent", "fs", "delete_file"), "deny must win over the broader allow")
}

func TestCheckToolAccessDefaultPolicy(t *testing.T) {
	t.Parallel()

	denyAll := []vmcp.ClientPolicy{{ClientID: "locked", DenyAllExceptAllowed: true}}
	openByDefault := []vmcp.ClientPolicy{{ClientID: "open", DenyAllExceptAllowed: false}}

	assert.False(t, NewPermissionEngine(denyAll).CheckToolAccess("locked", "fs", "read_file"))
	assert.True(t, NewPermissionEngine(openByDefault).CheckToolAccess("open", "fs", "read_file"))
}

func TestCheckAccessFallsBackToDefaultClient(t *testing.T) {
	t.Parallel()

	policies := []vmcp.ClientPolicy{
		{ClientID: "default", DenyAllExceptAllowed: true, Allow: []vmcp.AccessRule{{ServerID: "fs", Tools: []string{"read_file"}}}},
	}
	e := NewPermissionEngine(policies)

	assert.True(t, e.CheckToolAccess("unregistered-client", "fs", "read_file"))
	assert.False(t, e.CheckToolAccess("unregistered-client", "fs", "write_file"))
}

func TestCheckAccessNoPolicyAtAllDeniesEverything(t *testing.T) {
	t.Parallel()

	e := NewPermissionEngine(nil)
	assert.False(t, e.CheckToolAccess("anyone", "fs", "read_file"))
}

func TestCheckResourceAccessExtractsBackendName(t *testing.T) {
	t.Parallel()

	policies := []vmcp.ClientPolicy{
		{ClientID: "agent", DenyAllExceptAllowed: true, Allow: []vmcp.AccessRule{{ServerID: "fs", Resources: []string{"file:///tmp/*"}}}},
	}
	e := NewPermissionEngine(policies)

	assert.True(t, e.CheckResourceAccess("agent", "fs", "mcp://fs/file:///tmp/notes.txt"))
	assert.False(t, e.CheckResourceAccess("agent", "fs", "mcp://fs/file:///etc/passwd"))
}

func TestFilterToolsDropsServersWithNoPermittedTools(t *testing.T) {
	t.Parallel()

	policies := []vmcp.ClientPolicy{
		{ClientID: "agent", DenyAllExceptAllowed: true, Allow: []vmcp.AccessRule{{ServerID: "fs", Tools: []string{"read_file"}}}},
	}
	e := NewPermissionEngine(policies)

	filtered := e.FilterTools("agent", map[string][]sdkmcp.Tool{
		"fs":   {{Name: "read_file"}, {Name: "write_file"}},
		"other": {{Name: "anything"}},
	})

	assert.Equal(t, []sdkmcp.Tool{{Name: "read_file"}}, filtered["fs"])
	_, ok := filtered["other"]
	assert.False(t, ok, "server with zero permitted tools must not appear")
}

func TestClientIdentifierMatchesAllConditionsAcrossRuleList(t *testing.T) {
	t.Parallel()

	rules := []vmcp.ClientRule{
		{
			ClientID: "claude-desktop",
			IdentifyBy: []vmcp.IdentifyCondition{
				{"client_info.name": "Claude*"},
				{"transport_type": "stdio"},
			},
		},
	}
	id := NewClientIdentifier(rules)

	match := vmcp.ConnectionContext{ClientInfoName: "Claude Desktop", Transport: "stdio"}
	assert.Equal(t, "claude-desktop", id.Identify(&match))
	assert.Equal(t, "claude-desktop", match.ClientID)

	noMatch := vmcp.ConnectionContext{ClientInfoName: "Claude Desktop", Transport: "sse"}
	assert.Equal(t, vmcp.DefaultClientID, id.Identify(&noMatch))
}

func TestClientIdentifierFirstMatchWins(t *testing.T) {
	t.Parallel()

	rules := []vmcp.ClientRule{
		{ClientID: "first", IdentifyBy: []vmcp.IdentifyCondition{{"transport_type": "stdio"}}},
		{ClientID: "second", IdentifyBy: []vmcp.IdentifyCondition{{"transport_type": "stdio"}}},
	}
	id := NewClientIdentifier(rules)

	ctx := vmcp.ConnectionContext{Transport: "stdio"}
	assert.Equal(t, "first", id.Identify(&ctx))
}

func TestClientIdentifierMissingContextValueResolvesEmpty(t *testing.T) {
	t.Parallel()

	rules := []vmcp.ClientRule{
		{ClientID: "headered", IdentifyBy: []vmcp.IdentifyCondition{{"header.X-Api-Key": "secret"}}},
	}
	id := NewClientIdentifier(rules)

	ctx := vmcp.ConnectionContext{}
	assert.Equal(t, vmcp.DefaultClientID, id.Identify(&ctx))
}

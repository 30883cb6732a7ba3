// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package access implements client identification and the deny-first
// wildcard permission engine that decide which tools and resources a
// connecting client may see and use.
package access

import (
	"path/filepath"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcpgateway/pkg/vmcp"
)

// PermissionEngine answers per-client, per-server, per-item access
// questions and filters aggregated tool/resource lists down to what a
// client may see.
type PermissionEngine struct {
	policies map[string]vmcp.ClientPolicy
}

// NewPermissionEngine indexes policies by client id.
func NewPermissionEngine(policies []vmcp.ClientPolicy) *PermissionEngine {
	indexed := make(map[string]vmcp.ClientPolicy, len(policies))
	for _, p := range policies {
		indexed[p.ClientID] = p
	}
	return &PermissionEngine{policies: indexed}
}

func (e *PermissionEngine) policyFor(clientID string) (vmcp.ClientPolicy, bool) {
	if p, ok := e.policies[clientID]; ok {
		return p, true
	}
	if p, ok := e.policies[vmcp.DefaultClientID]; ok {
		return p, true
	}
	return vmcp.ClientPolicy{}, false
}

// CheckToolAccess reports whether clientID may call toolName on serverID.
// Deny rules are checked before allow rules (deny always wins); the
// policy's DenyAllExceptAllowed flag decides the default when neither
// matches. A client with no matching policy at all (and no "default"
// policy configured) is denied everything.
func (e *PermissionEngine) CheckToolAccess(clientID, serverID, toolName string) bool {
	policy, ok := e.policyFor(clientID)
	if !ok {
		return false
	}
	return checkAccess(policy, serverID, toolName, true)
}

// CheckResourceAccess reports whether clientID may read resourceURI on
// serverID. resourceURI may be namespaced (mcp://server/uri) or a raw
// backend URI; only the backend-local name is matched against rules.
func (e *PermissionEngine) CheckResourceAccess(clientID, serverID, resourceURI string) bool {
	policy, ok := e.policyFor(clientID)
	if !ok {
		return false
	}
	return checkAccess(policy, serverID, extractResourceName(resourceURI), false)
}

func checkAccess(policy vmcp.ClientPolicy, serverID, itemName string, isTool bool) bool {
	for _, rule := range policy.Deny {
		if matchesRule(rule, serverID, itemName, isTool) {
			return false
		}
	}
	for _, rule := range policy.Allow {
		if matchesRule(rule, serverID, itemName, isTool) {
			return true
		}
	}
	return !policy.DenyAllExceptAllowed
}

func matchesRule(rule vmcp.AccessRule, serverID, itemName string, isTool bool) bool {
	if rule.ServerID != serverID {
		return false
	}
	items := rule.Resources
	if isTool {
		items = rule.Tools
	}
	if len(items) == 0 {
		// An empty list means "every item on this server".
		return true
	}
	for _, pattern := range items {
		if pattern == "*" || pattern == itemName {
			return true
		}
		if ok, _ := filepath.Match(pattern, itemName); ok {
			return true
		}
	}
	return false
}

// extractResourceName strips a "scheme://server/" prefix from a resource
// URI, leaving the backend-local name rule matching operates on.
func extractResourceName(resourceURI string) string {
	const sep = "://"
	idx := indexOf(resourceURI, sep)
	if idx < 0 {
		return resourceURI
	}
	rest := resourceURI[idx+len(sep):]
	if slash := indexOfByte(rest, '/'); slash >= 0 {
		return rest[slash+1:]
	}
	return rest
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func indexOfByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// FilterTools narrows serverTools (server id -> that server's tools) down
// to what clientID may see. A server with no permitted tools is dropped
// entirely rather than listed empty.
func (e *PermissionEngine) FilterTools(clientID string, serverTools map[string][]sdkmcp.Tool) map[string][]sdkmcp.Tool {
	filtered := make(map[string][]sdkmcp.Tool, len(serverTools))
	for serverID, tools := range serverTools {
		var allowed []sdkmcp.Tool
		for _, tool := range tools {
			if e.CheckToolAccess(clientID, serverID, tool.Name) {
				allowed = append(allowed, tool)
			}
		}
		if len(allowed) > 0 {
			filtered[serverID] = allowed
		}
	}
	return filtered
}

// FilterResources narrows serverResources the same way FilterTools narrows
// tools.
func (e *PermissionEngine) FilterResources(clientID string, serverResources map[string][]sdkmcp.Resource) map[string][]sdkmcp.Resource {
	filtered := make(map[string][]sdkmcp.Resource, len(serverResources))
	for serverID, resources := range serverResources {
		var allowed []sdkmcp.Resource
		for _, r := range resources {
			if e.CheckResourceAccess(clientID, serverID, r.URI) {
				allowed = append(allowed, r)
			}
		}
		if len(allowed) > 0 {
			filtered[serverID] = allowed
		}
	}
	return filtered
}

// ClientIdentifier resolves a ConnectionContext to a client id using an
// ordered table of rules; the first rule whose conditions all match wins.
// A connection matching no rule resolves to vmcp.DefaultClientID.
type ClientIdentifier struct {
	rules []vmcp.ClientRule
}

func NewClientIdentifier(rules []vmcp.ClientRule) *ClientIdentifier {
	return &ClientIdentifier{rules: rules}
}

// Identify returns the client id for ctx, mutating ctx.ClientID as a side
// effect.
func (i *ClientIdentifier) Identify(ctx *vmcp.ConnectionContext) string {
	for _, rule := range i.rules {
		if matchesAllConditions(*ctx, rule.IdentifyBy) {
			ctx.ClientID = rule.ClientID
			return rule.ClientID
		}
	}
	ctx.ClientID = vmcp.DefaultClientID
	return vmcp.DefaultClientID
}

// matchesAllConditions requires every key/value pair across every
// condition map to match: conditions AND across the whole identify_by
// list, not just within one condition.
func matchesAllConditions(ctx vmcp.ConnectionContext, conditions []vmcp.IdentifyCondition) bool {
	for _, condition := range conditions {
		for key, expected := range condition {
			actual := ctx.Value(key)
			if !matchesValue(actual, expected) {
				return false
			}
		}
	}
	return true
}

func matchesValue(actual, expected string) bool {
	if len(expected) > 0 && expected[len(expected)-1] == '*' {
		ok, _ := filepath.Match(expected, actual)
		return ok
	}
	return actual == expected
}

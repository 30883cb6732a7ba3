// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router implements the gateway's single request-dispatch entry
// point: one Route call per inbound MCP operation, backed by a closed
// RequestKind switch rather than dynamic type dispatch.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/semaphore"

	"github.com/stacklok/mcpgateway/pkg/logger"
	"github.com/stacklok/mcpgateway/pkg/vmcp"
	"github.com/stacklok/mcpgateway/pkg/vmcp/access"
	"github.com/stacklok/mcpgateway/pkg/vmcp/aggregator"
	"github.com/stacklok/mcpgateway/pkg/vmcp/cache"
)

const (
	callToolTimeout     = 30 * time.Second
	readResourceTimeout = 15 * time.Second
)

// Backend is the subset of a backend session the router dispatches
// individual operations to.
type Backend interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*sdkmcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*sdkmcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*sdkmcp.GetPromptResult, error)
}

// Stats reports cache fill plus this router's own request/hit/miss/error
// counters. Active-server count and per-server
// status come from the supervisor directly and are merged by the caller
// (e.g. the `vmcpgw status` subcommand), keeping this package free of a
// supervisor import.
type Stats struct {
	Cache       cache.Stats
	Requests    uint64
	CacheHits   uint64
	CacheMisses uint64
	Errors      uint64
}

// Router dispatches each inbound request to the right backend, applying
// access control and the response cache along the way. Up to
// maxConcurrentRequests requests may be in flight at once.
type Router struct {
	sessions   func(serverID string) (Backend, bool)
	aggregator *aggregator.Aggregator
	cache      *cache.ResponseCache
	access     *access.PermissionEngine
	cacheTTL   time.Duration
	inFlight   *semaphore.Weighted

	requests    atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	errors      atomic.Uint64
}

// New builds a Router. sessions looks up the running backend session for a
// server id (nil/false if that backend isn't currently running); cacheTTL
// is the TTL applied to cached call_tool/read_resource/get_prompt results
// (runtime.cache_ttl_seconds). maxConcurrentRequests bounds how many Route
// calls may be in flight at once (runtime.max_concurrent_requests); values
// <= 0 disable the limit.
func New(
	sessions func(serverID string) (Backend, bool),
	agg *aggregator.Aggregator,
	respCache *cache.ResponseCache,
	permissions *access.PermissionEngine,
	cacheTTL time.Duration,
	maxConcurrentRequests int,
) *Router {
	var sem *semaphore.Weighted
	if maxConcurrentRequests > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrentRequests))
	}
	return &Router{
		sessions:   sessions,
		aggregator: agg,
		cache:      respCache,
		access:     permissions,
		cacheTTL:   cacheTTL,
		inFlight:   sem,
	}
}

// Route dispatches req on behalf of the client identified in connCtx. It is
// the single entry point every front-end handler calls through. A request
// that arrives once max_concurrent_requests are already in flight waits for
// a slot, still subject to ctx's deadline.
func (r *Router) Route(ctx context.Context, req vmcp.Request, connCtx *vmcp.ConnectionContext) (any, error) {
	if r.inFlight != nil {
		if err := r.inFlight.Acquire(ctx, 1); err != nil {
			return nil, vmcp.NewRouteError(vmcp.ErrTimeout, "waiting for a free request slot", err)
		}
		defer r.inFlight.Release(1)
	}

	r.requests.Add(1)

	clientID := connCtx.ClientID
	if clientID == "" {
		clientID = vmcp.DefaultClientID
	}

	var result any
	var err error
	switch req.Kind {
	case vmcp.RequestListTools:
		result = r.routeListTools(ctx, clientID)
	case vmcp.RequestListResources:
		result = r.routeListResources(ctx, clientID)
	case vmcp.RequestListPrompts:
		result = r.routeListPrompts(ctx)
	case vmcp.RequestCallTool:
		result, err = r.routeCallTool(ctx, req, clientID)
	case vmcp.RequestReadResource:
		result, err = r.routeReadResource(ctx, req, clientID)
	case vmcp.RequestGetPrompt:
		result, err = r.routeGetPrompt(ctx, req, clientID)
	default:
		err = vmcp.NewRouteError(vmcp.ErrNotFound, fmt.Sprintf("unsupported request kind %q", req.Kind), nil)
	}

	if err != nil {
		r.errors.Add(1)
		logger.Warnf("[%s] routing %s failed: %v", connCtx.CorrelationID, req.Kind, err)
	}
	return result, err
}

// routeListTools aggregates tools from every running backend and drops any
// the client may not see. Not cached: the aggregated set already reflects
// whichever backends are running right now, and caching it risks serving a
// stale list across a backend add/remove.
func (r *Router) routeListTools(ctx context.Context, clientID string) []sdkmcp.Tool {
	aggregated := r.aggregator.AggregateTools(ctx)
	out := make([]sdkmcp.Tool, 0, len(aggregated))
	for _, at := range aggregated {
		_, toolName, err := vmcp.ParseNamespacedName(at.Tool.Name)
		if err != nil {
			continue
		}
		if r.access.CheckToolAccess(clientID, at.ServerID, toolName) {
			out = append(out, at.Tool)
		}
	}
	return out
}

// routeListResources is routeListTools' counterpart for resources.
func (r *Router) routeListResources(ctx context.Context, clientID string) []sdkmcp.Resource {
	aggregated := r.aggregator.AggregateResources(ctx)
	out := make([]sdkmcp.Resource, 0, len(aggregated))
	for _, ar := range aggregated {
		if r.access.CheckResourceAccess(clientID, ar.ServerID, ar.Resource.URI) {
			out = append(out, ar.Resource)
		}
	}
	return out
}

// routeListPrompts aggregates prompts from every running backend. Prompts
// are unscoped in policy, so no permission filter applies.
func (r *Router) routeListPrompts(ctx context.Context) []sdkmcp.Prompt {
	aggregated := r.aggregator.AggregatePrompts(ctx)
	out := make([]sdkmcp.Prompt, 0, len(aggregated))
	for _, ap := range aggregated {
		out = append(out, ap.Prompt)
	}
	return out
}

func (r *Router) routeCallTool(ctx context.Context, req vmcp.Request, clientID string) (*sdkmcp.CallToolResult, error) {
	serverID, toolName, err := vmcp.ParseNamespacedName(req.Name)
	if err != nil {
		return nil, vmcp.NewRouteError(vmcp.ErrInvalidRequest, err.Error(), err)
	}
	if !r.access.CheckToolAccess(clientID, serverID, toolName) {
		return nil, vmcp.NewRouteError(vmcp.ErrInvalidRequest, fmt.Sprintf("access denied: %s", req.Name), nil)
	}

	key, keyErr := cache.Key(serverID, "call_tool", map[string]any{"name": toolName, "arguments": req.Arguments})
	if keyErr == nil {
		if cached, ok := r.cache.Get(key); ok {
			r.cacheHits.Add(1)
			if result, ok := cached.(*sdkmcp.CallToolResult); ok {
				return result, nil
			}
		}
	}
	r.cacheMisses.Add(1)

	backend, ok := r.sessions(serverID)
	if !ok {
		return nil, vmcp.NewRouteError(vmcp.ErrInvalidRequest, fmt.Sprintf("backend %q is not running", serverID), nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()
	result, err := backend.CallTool(callCtx, toolName, req.Arguments)
	if err != nil {
		return nil, err
	}

	if keyErr == nil {
		r.cache.Set(key, result, r.cacheTTL)
	}
	return result, nil
}

func (r *Router) routeReadResource(ctx context.Context, req vmcp.Request, clientID string) (*sdkmcp.ReadResourceResult, error) {
	serverID, backendURI, err := vmcp.ParseResourceURI(req.URI)
	if err != nil {
		return nil, vmcp.NewRouteError(vmcp.ErrInvalidRequest, err.Error(), err)
	}
	if !r.access.CheckResourceAccess(clientID, serverID, req.URI) {
		return nil, vmcp.NewRouteError(vmcp.ErrInvalidRequest, fmt.Sprintf("access denied: %s", req.URI), nil)
	}

	key, keyErr := cache.Key(serverID, "read_resource", map[string]any{"uri": backendURI})
	if keyErr == nil {
		if cached, ok := r.cache.Get(key); ok {
			r.cacheHits.Add(1)
			if result, ok := cached.(*sdkmcp.ReadResourceResult); ok {
				return result, nil
			}
		}
	}
	r.cacheMisses.Add(1)

	backend, ok := r.sessions(serverID)
	if !ok {
		return nil, vmcp.NewRouteError(vmcp.ErrInvalidRequest, fmt.Sprintf("backend %q is not running", serverID), nil)
	}

	readCtx, cancel := context.WithTimeout(ctx, readResourceTimeout)
	defer cancel()
	result, err := backend.ReadResource(readCtx, backendURI)
	if err != nil {
		return nil, err
	}

	if keyErr == nil {
		r.cache.Set(key, result, r.cacheTTL)
	}
	return result, nil
}

// routeGetPrompt routes like routeCallTool, by parsed server.name. Prompts
// are unscoped in policy, so no access check applies here either.
func (r *Router) routeGetPrompt(ctx context.Context, req vmcp.Request, _ string) (*sdkmcp.GetPromptResult, error) {
	serverID, promptName, err := vmcp.ParseNamespacedName(req.Name)
	if err != nil {
		return nil, vmcp.NewRouteError(vmcp.ErrInvalidRequest, err.Error(), err)
	}

	args := stringArguments(req.Arguments)
	key, keyErr := cache.Key(serverID, "get_prompt", map[string]any{"name": promptName, "arguments": args})
	if keyErr == nil {
		if cached, ok := r.cache.Get(key); ok {
			r.cacheHits.Add(1)
			if result, ok := cached.(*sdkmcp.GetPromptResult); ok {
				return result, nil
			}
		}
	}
	r.cacheMisses.Add(1)

	backend, ok := r.sessions(serverID)
	if !ok {
		return nil, vmcp.NewRouteError(vmcp.ErrInvalidRequest, fmt.Sprintf("backend %q is not running", serverID), nil)
	}

	promptCtx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()
	result, err := backend.GetPrompt(promptCtx, promptName, args)
	if err != nil {
		return nil, err
	}

	if keyErr == nil {
		r.cache.Set(key, result, r.cacheTTL)
	}
	return result, nil
}

// stringArguments converts get_prompt's map[string]any arguments (the same
// Request shape used for call_tool) into the string-valued map the MCP
// prompt protocol expects.
func stringArguments(args map[string]any) map[string]string {
	if args == nil {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// Stats returns routing and cache statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Cache:       r.cache.Stats(),
		Requests:    r.requests.Load(),
		CacheHits:   r.cacheHits.Load(),
		CacheMisses: r.cacheMisses.Load(),
		Errors:      r.errors.Load(),
	}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package aggregator fans out list_tools/list_resources/list_prompts across
// every running backend session and namespaces the combined result. One
// backend failing or timing out never fails the whole aggregation: one
// errgroup goroutine per backend, each with its own context deadline, collects results into
// a fixed-size slice so they stay ordered by server id regardless of which
// goroutine finishes first.
package aggregator

import (
	"context"
	"sort"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcpgateway/pkg/logger"
	"github.com/stacklok/mcpgateway/pkg/vmcp"
)

const perBackendTimeout = 10 * time.Second

// Backend is the subset of session.BackendSession the aggregator needs.
// Declared narrowly here (rather than importing the session package's
// concrete type) so the aggregator and the session lifecycle aren't
// coupled beyond this call surface.
type Backend interface {
	ID() string
	ListTools(ctx context.Context) ([]sdkmcp.Tool, error)
	ListResources(ctx context.Context) ([]sdkmcp.Resource, error)
	ListPrompts(ctx context.Context) ([]sdkmcp.Prompt, error)
}

// Aggregator combines per-backend list results into one namespaced view.
type Aggregator struct {
	backends func() []Backend
}

// New builds an Aggregator. backends is called fresh on every aggregation
// so the result always reflects the supervisor's currently running set.
func New(backends func() []Backend) *Aggregator {
	return &Aggregator{backends: backends}
}

// AggregatedTool pairs a namespaced tool with the server that owns it.
type AggregatedTool struct {
	ServerID string
	Tool     sdkmcp.Tool
}

// AggregateTools fans out list_tools to every running backend, namespaces
// each tool's name ("server.tool") and description ("[server] ..."), and
// returns them ordered by server id then the backend's own order.
func (a *Aggregator) AggregateTools(ctx context.Context) []AggregatedTool {
	backends := a.backends()
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID() < backends[j].ID() })

	perBackend := make([][]sdkmcp.Tool, len(backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, perBackendTimeout)
			defer cancel()
			tools, err := b.ListTools(callCtx)
			if err != nil {
				logger.Warnf("aggregator: list_tools from %q failed: %v", b.ID(), err)
				return nil // isolate: one backend's failure never fails the group
			}
			perBackend[i] = tools
			return nil
		})
	}
	_ = g.Wait() // errors are isolated per-backend above; Wait never returns one

	var out []AggregatedTool
	for i, b := range backends {
		for _, t := range perBackend[i] {
			namespaced := t
			namespaced.Name = vmcp.NamespaceTool(b.ID(), t.Name)
			namespaced.Description = vmcp.NamespaceDescription(b.ID(), t.Description)
			out = append(out, AggregatedTool{ServerID: b.ID(), Tool: namespaced})
		}
	}
	return out
}

// AggregatedResource pairs a namespaced resource with its owning server.
type AggregatedResource struct {
	ServerID string
	Resource sdkmcp.Resource
}

// AggregateResources is AggregateTools' counterpart for resources: each
// URI becomes "mcp://server/<backend-uri>".
func (a *Aggregator) AggregateResources(ctx context.Context) []AggregatedResource {
	backends := a.backends()
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID() < backends[j].ID() })

	perBackend := make([][]sdkmcp.Resource, len(backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, perBackendTimeout)
			defer cancel()
			resources, err := b.ListResources(callCtx)
			if err != nil {
				logger.Warnf("aggregator: list_resources from %q failed: %v", b.ID(), err)
				return nil
			}
			perBackend[i] = resources
			return nil
		})
	}
	_ = g.Wait()

	var out []AggregatedResource
	for i, b := range backends {
		for _, r := range perBackend[i] {
			namespaced := r
			namespaced.URI = vmcp.NamespaceResourceURI(b.ID(), r.URI)
			if r.Description != "" {
				namespaced.Description = vmcp.NamespaceDescription(b.ID(), r.Description)
			}
			out = append(out, AggregatedResource{ServerID: b.ID(), Resource: namespaced})
		}
	}
	return out
}

// AggregatedPrompt pairs a namespaced prompt with its owning server.
type AggregatedPrompt struct {
	ServerID string
	Prompt   sdkmcp.Prompt
}

// AggregatePrompts is AggregateTools' counterpart for prompts. A backend
// that does not support prompts (session.BackendSession.ListPrompts
// already tolerates this) simply contributes nothing, not an error.
func (a *Aggregator) AggregatePrompts(ctx context.Context) []AggregatedPrompt {
	backends := a.backends()
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID() < backends[j].ID() })

	perBackend := make([][]sdkmcp.Prompt, len(backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, perBackendTimeout)
			defer cancel()
			prompts, err := b.ListPrompts(callCtx)
			if err != nil {
				logger.Warnf("aggregator: list_prompts from %q failed: %v", b.ID(), err)
				return nil
			}
			perBackend[i] = prompts
			return nil
		})
	}
	_ = g.Wait()

	var out []AggregatedPrompt
	for i, b := range backends {
		for _, p := range perBackend[i] {
			namespaced := p
			namespaced.Name = vmcp.NamespaceTool(b.ID(), p.Name)
			if p.Description != "" {
				namespaced.Description = vmcp.NamespaceDescription(b.ID(), p.Description)
			}
			out = append(out, AggregatedPrompt{ServerID: b.ID(), Prompt: namespaced})
		}
	}
	return out
}

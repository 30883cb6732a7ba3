// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session wraps a single backend MCP connection. It owns the
// mark3labs/mcp-go client for one backend server, tracks that backend's
// process/health state machine, and applies the per-operation timeouts
// (health 5s default, list 10s, call_tool 30s, read_resource 15s) around
// every outbound call.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sdkclient "github.com/mark3labs/mcp-go/client"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcpgateway/pkg/logger"
	"github.com/stacklok/mcpgateway/pkg/vmcp"
	"github.com/stacklok/mcpgateway/pkg/vmcp/launch"
)

// Status is the backend session's lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HealthStatus is the outcome of the most recent health check.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const (
	healthCheckTimeout = 5 * time.Second
	listTimeout        = 10 * time.Second
	callToolTimeout    = 30 * time.Second
	readResourceTimeout = 15 * time.Second
)

// client is the subset of sdkclient.MCPClient a BackendSession needs; kept
// narrow so tests can fake it without depending on a real transport.
type client interface {
	Initialize(ctx context.Context, req sdkmcp.InitializeRequest) (*sdkmcp.InitializeResult, error)
	ListTools(ctx context.Context, req sdkmcp.ListToolsRequest) (*sdkmcp.ListToolsResult, error)
	ListResources(ctx context.Context, req sdkmcp.ListResourcesRequest) (*sdkmcp.ListResourcesResult, error)
	ListPrompts(ctx context.Context, req sdkmcp.ListPromptsRequest) (*sdkmcp.ListPromptsResult, error)
	CallTool(ctx context.Context, req sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error)
	ReadResource(ctx context.Context, req sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, req sdkmcp.GetPromptRequest) (*sdkmcp.GetPromptResult, error)
	Close() error
}

// Counters tracks per-session call volume for introspection (Snapshot).
type Counters struct {
	Requests uint64
	Errors   uint64
	Restarts uint64
}

// BackendSession owns one backend MCP connection end to end: starting the
// process/transport, running the initialize handshake, dispatching calls,
// health-checking and tearing down.
type BackendSession struct {
	cfg    vmcp.ServerConfig
	plan   launch.LaunchPlan
	mu     sync.RWMutex
	status Status
	health HealthStatus
	inner  client

	requests atomic.Uint64
	errors   atomic.Uint64
	restarts atomic.Uint64
}

// New creates a BackendSession that has not yet been started.
func New(cfg vmcp.ServerConfig, plan launch.LaunchPlan) *BackendSession {
	return &BackendSession{cfg: cfg, plan: plan, status: StatusStopped, health: HealthUnknown}
}

// ID is the backend server id this session speaks for.
func (s *BackendSession) ID() string { return s.cfg.ID }

// Status returns the current lifecycle state.
func (s *BackendSession) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Health returns the most recent health-check result.
func (s *BackendSession) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *BackendSession) setStatus(v Status) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

// Start launches the backend process or dials its transport and completes
// the MCP initialize handshake. Starting an already-running session is a
// no-op.
func (s *BackendSession) Start(ctx context.Context) error {
	if s.Status() == StatusRunning {
		return nil
	}
	s.setStatus(StatusStarting)

	inner, err := dial(ctx, s.plan)
	if err != nil {
		s.setStatus(StatusFailed)
		return vmcp.NewRouteError(vmcp.ErrBackendFailure, fmt.Sprintf("starting backend %q", s.cfg.ID), err)
	}

	initCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	_, err = inner.Initialize(initCtx, sdkmcp.InitializeRequest{
		Params: sdkmcp.InitializeParams{
			ProtocolVersion: sdkmcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdkmcp.Implementation{
				Name:    "mcpgateway",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		s.setStatus(StatusFailed)
		return vmcp.NewRouteError(vmcp.ErrBackendFailure, fmt.Sprintf("initializing backend %q", s.cfg.ID), err)
	}

	s.mu.Lock()
	s.inner = inner
	s.status = StatusRunning
	s.health = HealthHealthy
	s.mu.Unlock()

	logger.Infof("backend %q started (%s)", s.cfg.ID, s.plan.Transport)
	return nil
}

func dial(ctx context.Context, plan launch.LaunchPlan) (client, error) {
	switch plan.Transport {
	case vmcp.TransportStdio:
		env := make([]string, 0, len(plan.Env))
		for k, v := range plan.Env {
			env = append(env, k+"="+v)
		}
		c, err := sdkclient.NewStdioMCPClient(plan.Command, env, plan.Args...)
		if err != nil {
			return nil, fmt.Errorf("starting stdio transport: %w", err)
		}
		return c, nil
	case vmcp.TransportSSE:
		c, err := sdkclient.NewSSEMCPClient(plan.URL)
		if err != nil {
			return nil, fmt.Errorf("creating sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting sse transport: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", plan.Transport)
	}
}

// Stop tears the session down. Teardown is two-phase and each phase's
// error is captured independently: a failure closing the MCP session does
// not skip closing the underlying transport.
func (s *BackendSession) Stop(_ context.Context) error {
	if s.Status() == StatusStopped {
		return nil
	}
	s.setStatus(StatusStopping)

	s.mu.Lock()
	inner := s.inner
	s.inner = nil
	s.mu.Unlock()

	var sessionErr, transportErr error
	if inner != nil {
		sessionErr = closeSession(inner)
		transportErr = closeTransport(inner)
	}

	s.setStatus(StatusStopped)

	if sessionErr != nil {
		logger.Warnf("backend %q: session close error: %v", s.cfg.ID, sessionErr)
	}
	if transportErr != nil {
		logger.Warnf("backend %q: transport close error: %v", s.cfg.ID, transportErr)
	}
	if sessionErr != nil {
		return sessionErr
	}
	return transportErr
}

// closeSession and closeTransport are split out as a single Close() call
// on mcp-go's client today, but kept as two named steps so the two-phase
// teardown contract (and its independent error capture) stays explicit and
// easy to extend if the SDK later separates session/transport shutdown.
func closeSession(c client) error {
	return nil
}

func closeTransport(c client) error {
	if err := c.Close(); err != nil {
		return fmt.Errorf("closing transport: %w", err)
	}
	return nil
}

// Restart stops then starts the session, with a brief pause between, and
// counts toward Counters.Restarts.
func (s *BackendSession) Restart(ctx context.Context) error {
	s.restarts.Add(1)
	if err := s.Stop(ctx); err != nil {
		logger.Warnf("backend %q: stop during restart: %v", s.cfg.ID, err)
	}
	time.Sleep(100 * time.Millisecond)
	return s.Start(ctx)
}

// HealthCheck pings the backend with a short timeout and records the
// result. A list_tools call stands in for a dedicated ping.
func (s *BackendSession) HealthCheck(ctx context.Context) HealthStatus {
	s.mu.RLock()
	inner := s.inner
	running := s.status == StatusRunning
	s.mu.RUnlock()

	if !running || inner == nil {
		s.mu.Lock()
		s.health = HealthUnhealthy
		s.mu.Unlock()
		return HealthUnhealthy
	}

	timeout := healthCheckTimeout
	if s.cfg.HealthCheck.TimeoutSeconds > 0 {
		timeout = time.Duration(s.cfg.HealthCheck.TimeoutSeconds) * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := inner.ListTools(hctx, sdkmcp.ListToolsRequest{})
	health := HealthHealthy
	if err != nil {
		health = HealthUnhealthy
		s.errors.Add(1)
	}

	s.mu.Lock()
	s.health = health
	s.mu.Unlock()
	return health
}

func (s *BackendSession) withInner() (client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning || s.inner == nil {
		return nil, vmcp.NewRouteError(vmcp.ErrBackendFailure, fmt.Sprintf("backend %q is not running", s.cfg.ID), nil)
	}
	return s.inner, nil
}

// ListTools lists the backend's tools, unnamespaced.
func (s *BackendSession) ListTools(ctx context.Context) ([]sdkmcp.Tool, error) {
	inner, err := s.withInner()
	if err != nil {
		return nil, err
	}
	s.requests.Add(1)
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	res, err := inner.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		s.errors.Add(1)
		return nil, classify(ctx, err, s.cfg.ID)
	}
	return res.Tools, nil
}

// ListResources lists the backend's resources, unnamespaced.
func (s *BackendSession) ListResources(ctx context.Context) ([]sdkmcp.Resource, error) {
	inner, err := s.withInner()
	if err != nil {
		return nil, err
	}
	s.requests.Add(1)
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	res, err := inner.ListResources(ctx, sdkmcp.ListResourcesRequest{})
	if err != nil {
		s.errors.Add(1)
		return nil, classify(ctx, err, s.cfg.ID)
	}
	return res.Resources, nil
}

// ListPrompts lists the backend's prompts, unnamespaced. A backend that
// does not support prompts returns an empty list rather than an error,
// matching the aggregator's tolerance for the prompts capability.
func (s *BackendSession) ListPrompts(ctx context.Context) ([]sdkmcp.Prompt, error) {
	inner, err := s.withInner()
	if err != nil {
		return nil, err
	}
	s.requests.Add(1)
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	res, err := inner.ListPrompts(ctx, sdkmcp.ListPromptsRequest{})
	if err != nil {
		return []sdkmcp.Prompt{}, nil
	}
	return res.Prompts, nil
}

// CallTool invokes name (unnamespaced, backend-local) with args.
func (s *BackendSession) CallTool(ctx context.Context, name string, args map[string]any) (*sdkmcp.CallToolResult, error) {
	inner, err := s.withInner()
	if err != nil {
		return nil, err
	}
	s.requests.Add(1)
	ctx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()

	req := sdkmcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := inner.CallTool(ctx, req)
	if err != nil {
		s.errors.Add(1)
		return nil, classify(ctx, err, s.cfg.ID)
	}
	return res, nil
}

// ReadResource reads uri (unnamespaced, backend-local).
func (s *BackendSession) ReadResource(ctx context.Context, uri string) (*sdkmcp.ReadResourceResult, error) {
	inner, err := s.withInner()
	if err != nil {
		return nil, err
	}
	s.requests.Add(1)
	ctx, cancel := context.WithTimeout(ctx, readResourceTimeout)
	defer cancel()

	req := sdkmcp.ReadResourceRequest{}
	req.Params.URI = uri

	res, err := inner.ReadResource(ctx, req)
	if err != nil {
		s.errors.Add(1)
		return nil, classify(ctx, err, s.cfg.ID)
	}
	return res, nil
}

// GetPrompt fetches name (unnamespaced, backend-local) with args.
func (s *BackendSession) GetPrompt(ctx context.Context, name string, args map[string]string) (*sdkmcp.GetPromptResult, error) {
	inner, err := s.withInner()
	if err != nil {
		return nil, err
	}
	s.requests.Add(1)
	ctx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()

	req := sdkmcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := inner.GetPrompt(ctx, req)
	if err != nil {
		s.errors.Add(1)
		return nil, classify(ctx, err, s.cfg.ID)
	}
	return res, nil
}

// Counters returns a snapshot of this session's request/error/restart
// counts.
func (s *BackendSession) Counters() Counters {
	return Counters{
		Requests: s.requests.Load(),
		Errors:   s.errors.Load(),
		Restarts: s.restarts.Load(),
	}
}

// classify maps a raw backend error into the gateway's error taxonomy: a
// context deadline becomes ErrTimeout (so its message always contains
// "timeout"), anything else is ErrBackendFailure.
func classify(ctx context.Context, err error, serverID string) error {
	if ctx.Err() != nil {
		return vmcp.NewRouteError(vmcp.ErrTimeout, fmt.Sprintf("backend %q call timed out", serverID), err)
	}
	return vmcp.NewRouteError(vmcp.ErrBackendFailure, fmt.Sprintf("backend %q call failed", serverID), err)
}

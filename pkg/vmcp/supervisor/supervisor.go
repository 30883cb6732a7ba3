// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the server-id -> BackendSession map and their
// lifecycle: starting/stopping/restarting every configured backend, a
// 60-second health loop with optional auto-restart, and diffing a
// reloaded configuration against the running set.
package supervisor

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcpgateway/pkg/logger"
	"github.com/stacklok/mcpgateway/pkg/vmcp"
	"github.com/stacklok/mcpgateway/pkg/vmcp/aggregator"
	"github.com/stacklok/mcpgateway/pkg/vmcp/launch"
	"github.com/stacklok/mcpgateway/pkg/vmcp/session"
)

const healthCheckInterval = 60 * time.Second

// backendSession is the subset of *session.BackendSession the supervisor
// depends on, narrowed so tests can substitute a fake session without a
// real transport underneath it.
type backendSession interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() session.Status
	Health() session.HealthStatus
	HealthCheck(ctx context.Context) session.HealthStatus
	Counters() session.Counters
	ListTools(ctx context.Context) ([]sdkmcp.Tool, error)
	ListResources(ctx context.Context) ([]sdkmcp.Resource, error)
	ListPrompts(ctx context.Context) ([]sdkmcp.Prompt, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*sdkmcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*sdkmcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*sdkmcp.GetPromptResult, error)
}

// Snapshot is a single backend's point-in-time status, feeding the
// `vmcpgw status` subcommand.
type Snapshot struct {
	ServerID string
	Status   session.Status
	Health   session.HealthStatus
	Counters session.Counters
}

// Supervisor starts, stops, restarts and health-checks every configured
// backend session.
type Supervisor struct {
	resolver   launch.Resolver
	newSession func(cfg vmcp.ServerConfig, plan launch.LaunchPlan) backendSession

	healthCheckEnabled       bool
	autoRestartFailedServers bool

	mu       sync.RWMutex
	configs  map[string]vmcp.ServerConfig
	sessions map[string]backendSession

	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWG     sync.WaitGroup
}

// New builds a Supervisor for the given server configs, resolved into
// launch plans through resolver. runtime's HealthCheckEnabled and
// AutoRestartFailedServers flags gate the health loop and its auto-restart
// decision globally, on top of each server's own HealthCheckSpec.AutoRestart.
func New(configs []vmcp.ServerConfig, resolver launch.Resolver, runtime vmcp.RuntimeConfig) *Supervisor {
	indexed := make(map[string]vmcp.ServerConfig, len(configs))
	for _, c := range configs {
		indexed[c.ID] = c
	}
	return &Supervisor{
		resolver: resolver,
		newSession: func(cfg vmcp.ServerConfig, plan launch.LaunchPlan) backendSession {
			return session.New(cfg, plan)
		},
		healthCheckEnabled:       runtime.HealthCheckEnabled,
		autoRestartFailedServers: runtime.AutoRestartFailedServers,
		configs:                  indexed,
		sessions:                 make(map[string]backendSession),
	}
}

// StartAll starts every configured backend in parallel, isolating each
// backend's startup failure from the rest, then starts the health loop if
// HealthCheckEnabled is set.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.configs))
	for id := range s.configs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.Start(gctx, id); err != nil {
				logger.Errorf("failed to start server %q: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.healthCheckEnabled {
		s.startHealthLoop(ctx)
	}
	return nil
}

// Start starts one configured backend. Starting an already-running backend
// is a no-op.
func (s *Supervisor) Start(ctx context.Context, serverID string) error {
	s.mu.Lock()
	if existing, ok := s.sessions[serverID]; ok && existing.Status() == session.StatusRunning {
		s.mu.Unlock()
		return nil
	}
	cfg, ok := s.configs[serverID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("server %q not configured", serverID)
	}

	plan, err := s.resolver.Resolve(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolving launch plan for %q: %w", serverID, err)
	}

	sess := s.newSession(cfg, plan)
	if err := sess.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions[serverID] = sess
	s.mu.Unlock()
	return nil
}

// Stop stops one backend and removes it from the active session map.
func (s *Supervisor) Stop(ctx context.Context, serverID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[serverID]
	delete(s.sessions, serverID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Stop(ctx)
}

// Restart restarts serverID's existing session if one is in the session map
// (whatever its current status), else starts it fresh.
func (s *Supervisor) Restart(ctx context.Context, serverID string) error {
	s.mu.RLock()
	sess, ok := s.sessions[serverID]
	s.mu.RUnlock()
	if ok {
		return sess.Restart(ctx)
	}
	return s.Start(ctx, serverID)
}

// StopAll stops the health loop and every running backend in parallel.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.stopHealthLoop()

	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil {
				logger.Warnf("stopping server %q: %v", id, err)
			}
		}()
	}
	wg.Wait()
}

// activeSessions returns every session currently in the running state.
func (s *Supervisor) activeSessions() []backendSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]backendSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Status() == session.StatusRunning {
			out = append(out, sess)
		}
	}
	return out
}

// Backends returns every running backend as an aggregator.Backend, the
// closure shape the aggregator and router dispatch against.
func (s *Supervisor) Backends() []aggregator.Backend {
	sessions := s.activeSessions()
	out := make([]aggregator.Backend, len(sessions))
	for i, sess := range sessions {
		out[i] = sess
	}
	return out
}

// Session returns the session for serverID, if any. Used by the router to
// dispatch call_tool/read_resource/get_prompt to a specific backend.
func (s *Supervisor) Session(serverID string) (backendSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[serverID]
	return sess, ok
}

// startHealthLoop launches the 60-second health-check loop. Calling it
// twice without an intervening stopHealthLoop is a no-op.
func (s *Supervisor) startHealthLoop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthCancel != nil {
		return
	}
	s.healthCtx, s.healthCancel = context.WithCancel(ctx)

	s.healthWG.Add(1)
	go func() {
		defer s.healthWG.Done()
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.healthCtx.Done():
				return
			case <-ticker.C:
				s.checkAllHealth(s.healthCtx)
			}
		}
	}()
}

func (s *Supervisor) stopHealthLoop() {
	s.mu.Lock()
	cancel := s.healthCancel
	s.healthCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.healthWG.Wait()
	}
}

// checkAllHealth health-checks every running session in parallel and
// restarts any that come back unhealthy, gated both by the global
// auto-restart flag and that server's own auto-restart flag. It blocks
// until every check (and any resulting restart) has completed.
func (s *Supervisor) checkAllHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sess := range s.activeSessions() {
		sess := sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			health := sess.HealthCheck(ctx)
			if health != session.HealthUnhealthy {
				return
			}
			logger.Warnf("server %q is unhealthy", sess.ID())

			s.mu.RLock()
			cfg := s.configs[sess.ID()]
			s.mu.RUnlock()
			if s.autoRestartFailedServers && cfg.HealthCheck.AutoRestart {
				logger.Infof("auto-restarting unhealthy server %q", sess.ID())
				if err := s.Restart(ctx, sess.ID()); err != nil {
					logger.Errorf("auto-restart of %q failed: %v", sess.ID(), err)
				}
			}
		}()
	}
	wg.Wait()
}

// Reload diffs newConfigs against the currently configured set: servers
// present only in the old set are stopped, servers present only in the new
// set are started, and servers present in both are restarted only if their
// source, transport, command, args, env, url or config map actually differ.
func (s *Supervisor) Reload(ctx context.Context, newConfigs []vmcp.ServerConfig) {
	next := make(map[string]vmcp.ServerConfig, len(newConfigs))
	for _, c := range newConfigs {
		next[c.ID] = c
	}

	s.mu.Lock()
	old := s.configs
	s.mu.Unlock()

	for id := range old {
		if _, stillPresent := next[id]; !stillPresent {
			if err := s.Stop(ctx, id); err != nil {
				logger.Warnf("reload: stopping removed server %q: %v", id, err)
			}
		}
	}

	s.mu.Lock()
	s.configs = next
	s.mu.Unlock()

	for id, cfg := range next {
		oldCfg, existed := old[id]
		switch {
		case !existed:
			if err := s.Start(ctx, id); err != nil {
				logger.Errorf("reload: starting new server %q: %v", id, err)
			}
		case configDiffers(oldCfg, cfg):
			if err := s.Restart(ctx, id); err != nil {
				logger.Errorf("reload: restarting changed server %q: %v", id, err)
			}
		}
	}
}

func configDiffers(a, b vmcp.ServerConfig) bool {
	if a.Source != b.Source || a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL {
		return true
	}
	if len(a.Args) != len(b.Args) {
		return true
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return true
		}
	}
	if len(a.Env) != len(b.Env) {
		return true
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return true
		}
	}
	return !reflect.DeepEqual(a.Config, b.Config)
}

// Snapshot returns a point-in-time view of every configured backend.
func (s *Supervisor) Snapshot() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.configs))
	for id := range s.configs {
		sess, ok := s.sessions[id]
		if !ok {
			out = append(out, Snapshot{ServerID: id, Status: session.StatusStopped, Health: session.HealthUnknown})
			continue
		}
		out = append(out, Snapshot{
			ServerID: id,
			Status:   sess.Status(),
			Health:   sess.Health(),
			Counters: sess.Counters(),
		})
	}
	return out
}

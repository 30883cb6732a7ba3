// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"testing"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgateway/pkg/vmcp"
	"github.com/stacklok/mcpgateway/pkg/vmcp/launch"
	"github.com/stacklok/mcpgateway/pkg/vmcp/session"
)

// fakeSession is a test double satisfying the backendSession interface
// without dialing a real transport.
type fakeSession struct {
	id         string
	startErr   error
	started    bool
	stopped    bool
	restarts   int
	status     session.Status
	health     session.HealthStatus
	healthFunc func() session.HealthStatus
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, status: session.StatusStopped, health: session.HealthUnknown}
}

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) Start(context.Context) error {
	if f.startErr != nil {
		f.status = session.StatusFailed
		return f.startErr
	}
	f.started = true
	f.status = session.StatusRunning
	f.health = session.HealthHealthy
	return nil
}
func (f *fakeSession) Stop(context.Context) error {
	f.stopped = true
	f.status = session.StatusStopped
	return nil
}
func (f *fakeSession) Restart(ctx context.Context) error {
	f.restarts++
	if err := f.Stop(ctx); err != nil {
		return err
	}
	return f.Start(ctx)
}
func (f *fakeSession) Status() session.Status           { return f.status }
func (f *fakeSession) Health() session.HealthStatus     { return f.health }
func (f *fakeSession) Counters() session.Counters       { return session.Counters{} }
func (f *fakeSession) HealthCheck(context.Context) session.HealthStatus {
	if f.healthFunc != nil {
		f.health = f.healthFunc()
	}
	return f.health
}
func (f *fakeSession) ListTools(context.Context) ([]sdkmcp.Tool, error)         { return nil, nil }
func (f *fakeSession) ListResources(context.Context) ([]sdkmcp.Resource, error) { return nil, nil }
func (f *fakeSession) ListPrompts(context.Context) ([]sdkmcp.Prompt, error)     { return nil, nil }
func (f *fakeSession) CallTool(context.Context, string, map[string]any) (*sdkmcp.CallToolResult, error) {
	return nil, nil
}
func (f *fakeSession) ReadResource(context.Context, string) (*sdkmcp.ReadResourceResult, error) {
	return nil, nil
}
func (f *fakeSession) GetPrompt(context.Context, string, map[string]string) (*sdkmcp.GetPromptResult, error) {
	return nil, nil
}

type stubResolver struct{}

func (stubResolver) Resolve(context.Context, vmcp.ServerConfig) (launch.LaunchPlan, error) {
	return launch.LaunchPlan{Transport: vmcp.TransportStdio, Command: "true"}, nil
}

func newTestSupervisor(configs ...vmcp.ServerConfig) (*Supervisor, map[string]*fakeSession) {
	return newTestSupervisorWithRuntime(vmcp.DefaultRuntimeConfig(), configs...)
}

func newTestSupervisorWithRuntime(runtime vmcp.RuntimeConfig, configs ...vmcp.ServerConfig) (*Supervisor, map[string]*fakeSession) {
	sup := New(configs, stubResolver{}, runtime)
	fakes := make(map[string]*fakeSession, len(configs))
	sup.newSession = func(cfg vmcp.ServerConfig, _ launch.LaunchPlan) backendSession {
		fs := newFakeSession(cfg.ID)
		fakes[cfg.ID] = fs
		return fs
	}
	return sup, fakes
}

func TestStartAllStartsEveryConfiguredServer(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(
		vmcp.ServerConfig{ID: "fs"},
		vmcp.ServerConfig{ID: "git"},
	)

	require.NoError(t, sup.StartAll(context.Background()))
	sup.stopHealthLoop()

	assert.True(t, fakes["fs"].started)
	assert.True(t, fakes["git"].started)
	assert.Len(t, sup.Backends(), 2)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(vmcp.ServerConfig{ID: "fs"})

	require.NoError(t, sup.Start(context.Background(), "fs"))
	first := fakes["fs"]
	require.NoError(t, sup.Start(context.Background(), "fs"))

	assert.Len(t, fakes, 1, "starting an already-running server must not create a second session")
	assert.True(t, first.started)
}

func TestStartUnconfiguredServerErrors(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor()
	err := sup.Start(context.Background(), "missing")
	require.Error(t, err)
}

func TestStopRemovesSessionAndIsIdempotent(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(vmcp.ServerConfig{ID: "fs"})
	require.NoError(t, sup.Start(context.Background(), "fs"))

	require.NoError(t, sup.Stop(context.Background(), "fs"))
	assert.True(t, fakes["fs"].stopped)

	_, ok := sup.Session("fs")
	assert.False(t, ok)

	// stopping again is a no-op, not an error.
	require.NoError(t, sup.Stop(context.Background(), "fs"))
}

func TestRestartStopsThenStarts(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(vmcp.ServerConfig{ID: "fs"})
	require.NoError(t, sup.Start(context.Background(), "fs"))
	first := fakes["fs"]

	require.NoError(t, sup.Restart(context.Background(), "fs"))

	assert.True(t, first.stopped)
	second := fakes["fs"]
	assert.True(t, second.started)
	assert.Equal(t, session.StatusRunning, second.Status())
}

func TestStopAllStopsEverySession(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(
		vmcp.ServerConfig{ID: "fs"},
		vmcp.ServerConfig{ID: "git"},
	)
	require.NoError(t, sup.StartAll(context.Background()))

	sup.StopAll(context.Background())

	assert.True(t, fakes["fs"].stopped)
	assert.True(t, fakes["git"].stopped)
	assert.Empty(t, sup.Backends())
}

func TestCheckAllHealthAutoRestartsUnhealthyServerWhenEnabled(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(vmcp.ServerConfig{
		ID:          "fs",
		HealthCheck: vmcp.HealthCheckSpec{AutoRestart: true},
	})
	require.NoError(t, sup.Start(context.Background(), "fs"))
	fakes["fs"].healthFunc = func() session.HealthStatus { return session.HealthUnhealthy }

	original := fakes["fs"]
	sup.checkAllHealth(context.Background())

	assert.True(t, original.stopped, "the unhealthy session must have been stopped")
	sess, ok := sup.Session("fs")
	require.True(t, ok)
	assert.Equal(t, session.StatusRunning, sess.Status(), "auto-restart must bring the session back up")
}

func TestCheckAllHealthDoesNotRestartWhenDisabled(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(vmcp.ServerConfig{ID: "fs"})
	require.NoError(t, sup.Start(context.Background(), "fs"))
	fakes["fs"].healthFunc = func() session.HealthStatus { return session.HealthUnhealthy }

	sup.checkAllHealth(context.Background())

	assert.False(t, fakes["fs"].stopped, "without auto-restart the unhealthy session must be left alone")
}

func TestCheckAllHealthDoesNotRestartWhenGloballyDisabled(t *testing.T) {
	t.Parallel()

	runtime := vmcp.DefaultRuntimeConfig()
	runtime.AutoRestartFailedServers = false
	sup, fakes := newTestSupervisorWithRuntime(runtime, vmcp.ServerConfig{
		ID:          "fs",
		HealthCheck: vmcp.HealthCheckSpec{AutoRestart: true},
	})
	require.NoError(t, sup.Start(context.Background(), "fs"))
	fakes["fs"].healthFunc = func() session.HealthStatus { return session.HealthUnhealthy }

	sup.checkAllHealth(context.Background())

	assert.False(t, fakes["fs"].stopped, "the global auto-restart flag must override the per-server flag")
}

func TestStartAllSkipsHealthLoopWhenDisabled(t *testing.T) {
	t.Parallel()

	runtime := vmcp.DefaultRuntimeConfig()
	runtime.HealthCheckEnabled = false
	sup, _ := newTestSupervisorWithRuntime(runtime, vmcp.ServerConfig{ID: "fs"})

	require.NoError(t, sup.StartAll(context.Background()))

	sup.mu.Lock()
	cancel := sup.healthCancel
	sup.mu.Unlock()
	assert.Nil(t, cancel, "health loop must not start when HealthCheckEnabled is false")
}

func TestReloadStartsStopsAndRestartsAsNeeded(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(
		vmcp.ServerConfig{ID: "keep", Command: "same"},
		vmcp.ServerConfig{ID: "drop"},
	)
	require.NoError(t, sup.Start(context.Background(), "keep"))
	require.NoError(t, sup.Start(context.Background(), "drop"))

	sup.Reload(context.Background(), []vmcp.ServerConfig{
		{ID: "keep", Command: "same"},
		{ID: "new"},
	})

	assert.True(t, fakes["drop"].stopped, "removed server must be stopped")
	_, keepStillRunning := sup.Session("keep")
	assert.True(t, keepStillRunning, "unchanged server must not be restarted")
	_, newStarted := sup.Session("new")
	assert.True(t, newStarted, "newly added server must be started")
}

func TestReloadRestartsChangedServer(t *testing.T) {
	t.Parallel()

	sup, fakes := newTestSupervisor(vmcp.ServerConfig{ID: "fs", Command: "old"})
	require.NoError(t, sup.Start(context.Background(), "fs"))
	old := fakes["fs"]

	sup.Reload(context.Background(), []vmcp.ServerConfig{{ID: "fs", Command: "new"}})

	assert.True(t, old.stopped)
	newSess := fakes["fs"]
	assert.True(t, newSess.started)
}

func TestSnapshotReportsStoppedForNeverStartedServers(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(vmcp.ServerConfig{ID: "fs"})

	snaps := sup.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "fs", snaps[0].ServerID)
	assert.Equal(t, session.StatusStopped, snaps[0].Status)
}

func TestSnapshotReportsRunningStatus(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(vmcp.ServerConfig{ID: "fs"})
	require.NoError(t, sup.Start(context.Background(), "fs"))

	snaps := sup.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, session.StatusRunning, snaps[0].Status)
}

func TestStartPropagatesResolverError(t *testing.T) {
	t.Parallel()

	sup := New([]vmcp.ServerConfig{{ID: "fs"}}, failingResolver{}, vmcp.DefaultRuntimeConfig())
	err := sup.Start(context.Background(), "fs")
	require.Error(t, err)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, vmcp.ServerConfig) (launch.LaunchPlan, error) {
	return launch.LaunchPlan{}, errors.New("cannot resolve")
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"testing"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgateway/pkg/vmcp"
	"github.com/stacklok/mcpgateway/pkg/vmcp/launch"
)

func launchPlanForTest() launch.LaunchPlan {
	return launch.LaunchPlan{Transport: vmcp.TransportStdio, Command: "true"}
}

type fakeClient struct {
	tools      []sdkmcp.Tool
	listErr    error
	callResult *sdkmcp.CallToolResult
	callErr    error
	closed     bool
}

func (f *fakeClient) Initialize(context.Context, sdkmcp.InitializeRequest) (*sdkmcp.InitializeResult, error) {
	return &sdkmcp.InitializeResult{}, nil
}
func (f *fakeClient) ListTools(context.Context, sdkmcp.ListToolsRequest) (*sdkmcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &sdkmcp.ListToolsResult{Tools: f.tools}, nil
}
func (f *fakeClient) ListResources(context.Context, sdkmcp.ListResourcesRequest) (*sdkmcp.ListResourcesResult, error) {
	return &sdkmcp.ListResourcesResult{}, nil
}
func (f *fakeClient) ListPrompts(context.Context, sdkmcp.ListPromptsRequest) (*sdkmcp.ListPromptsResult, error) {
	return &sdkmcp.ListPromptsResult{}, nil
}
func (f *fakeClient) CallTool(context.Context, sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}
func (f *fakeClient) ReadResource(context.Context, sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
	return &sdkmcp.ReadResourceResult{}, nil
}
func (f *fakeClient) GetPrompt(context.Context, sdkmcp.GetPromptRequest) (*sdkmcp.GetPromptResult, error) {
	return &sdkmcp.GetPromptResult{}, nil
}
func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func runningSession(t *testing.T, fc *fakeClient) *BackendSession {
	t.Helper()
	s := New(vmcp.ServerConfig{ID: "fs"}, launchPlanForTest())
	s.inner = fc
	s.status = StatusRunning
	return s
}

func TestListToolsReturnsBackendTools(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{tools: []sdkmcp.Tool{{Name: "read_file"}}}
	s := runningSession(t, fc)

	tools, err := s.ListTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "read_file", tools[0].Name)
}

func TestListToolsWhenNotRunningReturnsBackendFailure(t *testing.T) {
	t.Parallel()

	s := New(vmcp.ServerConfig{ID: "fs"}, launchPlanForTest())

	_, err := s.ListTools(context.Background())
	require.Error(t, err)
	var routeErr *vmcp.RouteError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, vmcp.ErrBackendFailure, routeErr.Kind)
}

func TestCallToolPropagatesBackendError(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{callErr: errors.New("boom")}
	s := runningSession(t, fc)

	_, err := s.CallTool(context.Background(), "read_file", nil)
	require.Error(t, err)
	var routeErr *vmcp.RouteError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, vmcp.ErrBackendFailure, routeErr.Kind)
}

func TestStopIsIdempotentAndClosesTransport(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	s := runningSession(t, fc)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, fc.closed)
	assert.Equal(t, StatusStopped, s.Status())

	// stopping an already-stopped session is a no-op, not an error.
	require.NoError(t, s.Stop(context.Background()))
}

func TestHealthCheckMarksUnhealthyOnListError(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{listErr: errors.New("down")}
	s := runningSession(t, fc)

	got := s.HealthCheck(context.Background())
	assert.Equal(t, HealthUnhealthy, got)
	assert.Equal(t, HealthUnhealthy, s.Health())
}

func TestHealthCheckWhenStoppedIsUnhealthy(t *testing.T) {
	t.Parallel()

	s := New(vmcp.ServerConfig{ID: "fs"}, launchPlanForTest())
	assert.Equal(t, HealthUnhealthy, s.HealthCheck(context.Background()))
}

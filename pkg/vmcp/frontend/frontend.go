// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package frontend implements the gateway's single inbound MCP server: it
// advertises the aggregated, per-client-filtered capability set over stdio
// and routes every tool/resource/prompt operation through the router.
package frontend

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/mcpgateway/pkg/logger"
	"github.com/stacklok/mcpgateway/pkg/vmcp"
	"github.com/stacklok/mcpgateway/pkg/vmcp/access"
	"github.com/stacklok/mcpgateway/pkg/vmcp/router"
)

// accessDeniedPrefix is the exact RouteError.Message prefix routeCallTool/
// routeReadResource use for a denied operation (see pkg/vmcp/router). The
// front end rewrites it into the capitalized user-visible form clients see:
// "Access denied: <name>".
const accessDeniedPrefix = "access denied:"

// Server is the gateway's single front-facing MCP server. There is exactly
// one inbound session per process, so client identification and capability
// filtering happen once per connection rather than per request.
type Server struct {
	mcp        *mcpserver.MCPServer
	router     *router.Router
	identifier *access.ClientIdentifier

	mu      sync.Mutex
	connCtx vmcp.ConnectionContext

	registered struct {
		tools     map[string]bool
		resources map[string]bool
		prompts   map[string]bool
	}
}

// New builds a Server advertising name/version (manager.name/manager.version,
// or vmcp.DefaultManagerName/DefaultManagerVersion when the configuration
// document leaves them unset). tools.listChanged and resources.listChanged
// are both advertised true.
func New(name, version string, rtr *router.Router, identifier *access.ClientIdentifier) *Server {
	s := &Server{
		router:     rtr,
		identifier: identifier,
		connCtx:    vmcp.ConnectionContext{ClientID: vmcp.DefaultClientID},
	}
	s.registered.tools = make(map[string]bool)
	s.registered.resources = make(map[string]bool)
	s.registered.prompts = make(map[string]bool)

	hooks := &mcpserver.Hooks{}
	hooks.AddAfterInitialize(s.afterInitialize)

	s.mcp = mcpserver.NewMCPServer(
		name, version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithHooks(hooks),
	)
	return s
}

// afterInitialize builds this connection's ConnectionContext from the
// session-advertised client info, resolves its client id, and refreshes the
// advertised capability set for that client.
func (s *Server) afterInitialize(
	ctx context.Context, _ any, message *sdkmcp.InitializeRequest, _ *sdkmcp.InitializeResult,
) {
	s.mu.Lock()
	s.connCtx = vmcp.ConnectionContext{
		CorrelationID:  uuid.NewString(),
		Transport:      "stdio",
		ClientInfoName: message.Params.ClientInfo.Name,
		ClientInfoVers: message.Params.ClientInfo.Version,
		ConnectedAt:    time.Now(),
	}
	s.identifier.Identify(&s.connCtx)
	clientID := s.connCtx.ClientID
	correlationID := s.connCtx.CorrelationID
	s.mu.Unlock()

	logger.Infof("[%s] client %q identified as %q", correlationID, message.Params.ClientInfo.Name, clientID)
	s.RefreshCapabilities(ctx)
}

func (s *Server) connectionContext() *vmcp.ConnectionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := s.connCtx
	return &cc
}

// RefreshCapabilities re-derives the currently identified client's permitted
// tool/resource/prompt set (via the router, so caching and namespacing stay
// consistent with every other operation) and diffs it against what is
// currently registered with the underlying mcp-go server, adding new items
// and removing obsolete ones. Call this after initialize and after any
// backend start/stop/reload so the advertised capability set tracks the
// supervisor's live backend set.
func (s *Server) RefreshCapabilities(ctx context.Context) {
	connCtx := s.connectionContext()

	tools, err := s.router.Route(ctx, vmcp.Request{Kind: vmcp.RequestListTools}, connCtx)
	if err != nil {
		logger.Errorf("refreshing tool capabilities: %v", err)
	} else {
		s.refreshTools(tools.([]sdkmcp.Tool))
	}

	resources, err := s.router.Route(ctx, vmcp.Request{Kind: vmcp.RequestListResources}, connCtx)
	if err != nil {
		logger.Errorf("refreshing resource capabilities: %v", err)
	} else {
		s.refreshResources(resources.([]sdkmcp.Resource))
	}

	prompts, err := s.router.Route(ctx, vmcp.Request{Kind: vmcp.RequestListPrompts}, connCtx)
	if err != nil {
		logger.Errorf("refreshing prompt capabilities: %v", err)
	} else {
		s.refreshPrompts(prompts.([]sdkmcp.Prompt))
	}
}

func (s *Server) refreshTools(tools []sdkmcp.Tool) {
	current := make(map[string]bool, len(tools))
	toAdd := make([]mcpserver.ServerTool, 0, len(tools))
	for _, tool := range tools {
		current[tool.Name] = true
		if !s.registered.tools[tool.Name] {
			toAdd = append(toAdd, mcpserver.ServerTool{Tool: tool, Handler: s.toolHandler(tool.Name)})
		}
	}

	var toRemove []string
	for name := range s.registered.tools {
		if !current[name] {
			toRemove = append(toRemove, name)
		}
	}

	if len(toRemove) > 0 {
		s.mcp.DeleteTools(toRemove...)
	}
	if len(toAdd) > 0 {
		s.mcp.AddTools(toAdd...)
	}
	s.registered.tools = current
}

func (s *Server) refreshResources(resources []sdkmcp.Resource) {
	current := make(map[string]bool, len(resources))
	toAdd := make([]mcpserver.ServerResource, 0, len(resources))
	for _, resource := range resources {
		current[resource.URI] = true
		if !s.registered.resources[resource.URI] {
			toAdd = append(toAdd, mcpserver.ServerResource{Resource: resource, Handler: s.resourceHandler(resource.URI)})
		}
	}

	// The mcp-go server has no batch resource-removal method, unlike
	// DeleteTools/DeletePrompts, so obsolete resources are removed one by one.
	for uri := range s.registered.resources {
		if !current[uri] {
			s.mcp.RemoveResource(uri)
		}
	}
	if len(toAdd) > 0 {
		s.mcp.AddResources(toAdd...)
	}
	s.registered.resources = current
}

func (s *Server) refreshPrompts(prompts []sdkmcp.Prompt) {
	current := make(map[string]bool, len(prompts))
	toAdd := make([]mcpserver.ServerPrompt, 0, len(prompts))
	for _, prompt := range prompts {
		current[prompt.Name] = true
		if !s.registered.prompts[prompt.Name] {
			toAdd = append(toAdd, mcpserver.ServerPrompt{Prompt: prompt, Handler: s.promptHandler(prompt.Name)})
		}
	}

	var toRemove []string
	for name := range s.registered.prompts {
		if !current[name] {
			toRemove = append(toRemove, name)
		}
	}

	if len(toRemove) > 0 {
		s.mcp.DeletePrompts(toRemove...)
	}
	if len(toAdd) > 0 {
		s.mcp.AddPrompts(toAdd...)
	}
	s.registered.prompts = current
}

// toolHandler builds the call_tool handler for one namespaced tool name. A
// denied or failed call never surfaces as a protocol-level error: it comes
// back as ordinary tool-result content with IsError set — a denied tool call
// returns a text content block beginning "Access denied:", while timeouts
// and backend failures return "Error: <message>".
func (s *Server) toolHandler(namespacedName string) func(context.Context, sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
	return func(ctx context.Context, req sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		result, err := s.router.Route(ctx, vmcp.Request{
			Kind:      vmcp.RequestCallTool,
			Name:      namespacedName,
			Arguments: args,
		}, s.connectionContext())
		if err != nil {
			return toolErrorResult(err), nil
		}
		out, ok := result.(*sdkmcp.CallToolResult)
		if !ok {
			return sdkmcp.NewToolResultError(fmt.Sprintf("Error: unexpected result type %T", result)), nil
		}
		return out, nil
	}
}

// resourceHandler builds the read_resource handler for one namespaced
// resource URI, shaping denial/failure the same way toolHandler does but as
// a text resource content rather than tool-result content.
func (s *Server) resourceHandler(namespacedURI string) func(context.Context, sdkmcp.ReadResourceRequest) ([]sdkmcp.ResourceContents, error) {
	return func(ctx context.Context, _ sdkmcp.ReadResourceRequest) ([]sdkmcp.ResourceContents, error) {
		result, err := s.router.Route(ctx, vmcp.Request{
			Kind: vmcp.RequestReadResource,
			URI:  namespacedURI,
		}, s.connectionContext())
		if err != nil {
			return []sdkmcp.ResourceContents{resourceErrorContents(namespacedURI, err)}, nil
		}
		out, ok := result.(*sdkmcp.ReadResourceResult)
		if !ok {
			return []sdkmcp.ResourceContents{resourceErrorContents(namespacedURI, fmt.Errorf("unexpected result type %T", result))}, nil
		}
		return out.Contents, nil
	}
}

// promptHandler builds the get_prompt handler for one namespaced prompt
// name. Prompts are unscoped in policy and errors here propagate as
// ordinary MCP protocol errors: the text-content error shaping toolHandler/
// resourceHandler apply is scoped to tool calls and resource reads only.
func (s *Server) promptHandler(namespacedName string) func(context.Context, sdkmcp.GetPromptRequest) (*sdkmcp.GetPromptResult, error) {
	return func(ctx context.Context, req sdkmcp.GetPromptRequest) (*sdkmcp.GetPromptResult, error) {
		args := make(map[string]any, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		result, err := s.router.Route(ctx, vmcp.Request{
			Kind:      vmcp.RequestGetPrompt,
			Name:      namespacedName,
			Arguments: args,
		}, s.connectionContext())
		if err != nil {
			return nil, err
		}
		out, ok := result.(*sdkmcp.GetPromptResult)
		if !ok {
			return nil, fmt.Errorf("unexpected result type %T", result)
		}
		return out, nil
	}
}

// toolErrorResult shapes a routing error into the tool-result text a client
// sees for a failed or denied call.
func toolErrorResult(err error) *sdkmcp.CallToolResult {
	return sdkmcp.NewToolResultError(errorText(err))
}

// resourceErrorContents shapes a routing error into a text resource content
// block, the read_resource equivalent of toolErrorResult.
func resourceErrorContents(uri string, err error) sdkmcp.ResourceContents {
	return sdkmcp.TextResourceContents{URI: uri, MIMEType: "text/plain", Text: errorText(err)}
}

// errorText renders err as either "Access denied: <name>" (when the router
// rejected the request as an access denial) or "Error: <message>" for every
// other RouteError or unrecognized error.
func errorText(err error) string {
	routeErr, ok := err.(*vmcp.RouteError)
	if !ok {
		return fmt.Sprintf("Error: %s", err)
	}
	if len(routeErr.Message) > len(accessDeniedPrefix) && routeErr.Message[:len(accessDeniedPrefix)] == accessDeniedPrefix {
		return "Access denied:" + routeErr.Message[len(accessDeniedPrefix):]
	}
	return fmt.Sprintf("Error: %s", routeErr.Message)
}

// Serve runs the front-end MCP server over stdio until ctx is cancelled or
// the transport closes. Other transports are a future extension of this
// same *mcpserver.MCPServer, not implemented here.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	return mcpserver.NewStdioServer(s.mcp).Listen(ctx, stdin, stdout)
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package vmcp holds the data model, error taxonomy and namespacing rules
// shared by every gateway component: the response cache, the backend
// session/supervisor pair, the aggregator, the access-control layer, the
// router and the front-end server.
package vmcp

import (
	"fmt"
	"strings"
	"time"
)

// TransportKind identifies how a backend session talks to its process.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportSSE       TransportKind = "sse"
	TransportWebsocket TransportKind = "websocket"
)

// HealthCheckSpec configures a backend's periodic liveness probe.
type HealthCheckSpec struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	TimeoutSeconds  int  `yaml:"timeout_seconds"`
	AutoRestart     bool `yaml:"auto_restart"`
}

// ServerConfig describes one backend MCP server the gateway supervises.
type ServerConfig struct {
	ID        string            `yaml:"id"`
	Source    string            `yaml:"source"`
	Transport TransportKind     `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	// Config is the free-form, server-specific configuration object
	// (scalars, bools, lists) that ConfigAdapter translates into process
	// environment variables at launch time.
	Config      map[string]any  `yaml:"config,omitempty"`
	URL         string          `yaml:"url,omitempty"`
	HealthCheck HealthCheckSpec `yaml:"health_check"`
}

// AccessRule grants or denies a client access to tools/resources on one
// server. An empty Tools (or Resources) list means "all items on this
// server"; entries may be exact names or shell-style wildcard patterns.
type AccessRule struct {
	ServerID  string   `yaml:"server"`
	Tools     []string `yaml:"tools,omitempty"`
	Resources []string `yaml:"resources,omitempty"`
}

// ClientPolicy is the access policy attached to one client id.
type ClientPolicy struct {
	ClientID              string       `yaml:"client_id"`
	DenyAllExceptAllowed   bool         `yaml:"deny_all_except_allowed"`
	Allow                  []AccessRule `yaml:"allow,omitempty"`
	Deny                   []AccessRule `yaml:"deny,omitempty"`
}

// IdentifyCondition is a single key/value match the connecting client's
// context must satisfy. A value ending in "*" is matched as a shell-style
// wildcard pattern (path/filepath.Match); any other value must match exactly.
type IdentifyCondition map[string]string

// ClientRule maps a connecting client to a client id when every condition in
// IdentifyBy matches the connection context.
type ClientRule struct {
	ClientID  string               `yaml:"client_id"`
	IdentifyBy []IdentifyCondition `yaml:"identify_by"`
}

// DefaultClientID is used when no ClientRule matches a connection.
const DefaultClientID = "default"

// RuntimeConfig holds the tunables that govern routing, caching and
// concurrency.
type RuntimeConfig struct {
	MaxConcurrentRequests    int  `yaml:"max_concurrent_requests"`
	RequestTimeoutSeconds    int  `yaml:"request_timeout_seconds"`
	BackendPoolSize          int  `yaml:"backend_pool_size"`
	HealthCheckEnabled       bool `yaml:"health_check_enabled"`
	AutoRestartFailedServers bool `yaml:"auto_restart_failed_servers"`
	CacheTTLSeconds          int  `yaml:"cache_ttl_seconds"`
	CacheMaxEntries          int  `yaml:"cache_max_entries"`
}

// DefaultRuntimeConfig returns the gateway's baseline runtime tunables.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxConcurrentRequests:    100,
		RequestTimeoutSeconds:    30,
		BackendPoolSize:          10,
		HealthCheckEnabled:       true,
		AutoRestartFailedServers: true,
		CacheTTLSeconds:          300,
		CacheMaxEntries:          1000,
	}
}

// ManagerConfig is the fully decoded, validated configuration tree.
type ManagerConfig struct {
	Name    string         `yaml:"name"`
	Version string         `yaml:"version"`
	Servers []ServerConfig `yaml:"servers"`
	Clients []ClientPolicy `yaml:"clients"`
	Rules   []ClientRule   `yaml:"client_rules"`
	Runtime RuntimeConfig  `yaml:"runtime"`
}

// DefaultManagerName and DefaultManagerVersion are the front-end's
// advertised server name/version (manager.name / manager.version) when the
// configuration document's "manager" section omits them.
const (
	DefaultManagerName    = "mcpgateway"
	DefaultManagerVersion = "0.1.0"
)

// ConnectionContext carries the identifying information gathered about the
// single inbound client session, plus a correlation id for logging.
type ConnectionContext struct {
	CorrelationID   string
	Transport       string
	RemoteAddr      string
	Headers         map[string]string
	ClientInfoName  string
	ClientInfoVers  string
	ClientID        string
	ConnectedAt     time.Time
}

const headerKeyPrefix = "header."

// Value extracts a named context value for ClientRule matching. An
// unrecognized key, or one whose backing value was never populated,
// resolves to "" rather than an error so that missing data never crashes
// identification.
func (c ConnectionContext) Value(key string) string {
	switch {
	case key == "client_info.name":
		return c.ClientInfoName
	case key == "client_info.version":
		return c.ClientInfoVers
	case key == "connection_source" || key == "transport_type":
		return c.Transport
	case key == "user_agent":
		return c.Headers["User-Agent"]
	case key == "remote_address":
		return c.RemoteAddr
	case strings.HasPrefix(key, headerKeyPrefix):
		return c.Headers[strings.TrimPrefix(key, headerKeyPrefix)]
	default:
		return ""
	}
}

// RequestKind is the closed enum driving the router's dispatch switch.
type RequestKind int

const (
	RequestListTools RequestKind = iota
	RequestCallTool
	RequestListResources
	RequestReadResource
	RequestListPrompts
	RequestGetPrompt
)

func (k RequestKind) String() string {
	switch k {
	case RequestListTools:
		return "list_tools"
	case RequestCallTool:
		return "call_tool"
	case RequestListResources:
		return "list_resources"
	case RequestReadResource:
		return "read_resource"
	case RequestListPrompts:
		return "list_prompts"
	case RequestGetPrompt:
		return "get_prompt"
	default:
		return "unknown"
	}
}

// Request is a single routed operation. Exactly one of Name/URI is set,
// depending on Kind.
type Request struct {
	Kind      RequestKind
	Name      string // namespaced tool/prompt name for CallTool/GetPrompt
	URI       string // mcp://server_id/... for ReadResource
	Arguments map[string]any
}

// ErrorKind is the gateway's error taxonomy, mapped to MCP error shapes at
// the front end.
type ErrorKind int

const (
	ErrInvalidRequest ErrorKind = iota
	ErrNotFound
	ErrTimeout
	ErrBackendFailure
	ErrConfigInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrNotFound:
		return "not_found"
	case ErrTimeout:
		return "timeout"
	case ErrBackendFailure:
		return "backend_failure"
	case ErrConfigInvalid:
		return "config_invalid"
	default:
		return "unknown"
	}
}

// RouteError is the single error type flowing out of routing, access
// control and backend sessions. Shaped after toolhive's pkg/errors.Error
// (Type/Message/Cause), substituting Kind for Type.
type RouteError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func NewRouteError(kind ErrorKind, message string, cause error) *RouteError {
	return &RouteError{Kind: kind, Message: message, Cause: cause}
}

func (e *RouteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RouteError) Unwrap() error { return e.Cause }

// --- Namespacing -----------------------------------------------------------
//
// Tools and prompts are namespaced as "server_id.name"; resources as
// "mcp://server_id/<backend-uri>". Both mappings are total and injective:
// NamespaceTool/ParseNamespacedName and NamespaceResourceURI/
// ParseResourceURI round-trip for any server id that itself contains no
// "." (tools/prompts) or "/" (resources), and any tool/prompt name or
// backend URI.

// NamespaceTool builds the namespaced name advertised to the front-end
// client for a tool or prompt owned by serverID.
func NamespaceTool(serverID, name string) string {
	return serverID + "." + name
}

// ParseNamespacedName splits a namespaced tool/prompt name at its first "."
// boundary.
func ParseNamespacedName(namespaced string) (serverID, name string, err error) {
	idx := strings.Index(namespaced, ".")
	if idx < 0 {
		return "", "", fmt.Errorf("not a namespaced name: %q", namespaced)
	}
	return namespaced[:idx], namespaced[idx+1:], nil
}

// NamespaceDescription prefixes a backend tool/prompt description with its
// owning server id, e.g. "[filesystem] Read a file".
func NamespaceDescription(serverID, description string) string {
	return fmt.Sprintf("[%s] %s", serverID, description)
}

const resourceURIPrefix = "mcp://"

// NamespaceResourceURI wraps a backend resource URI with the owning server
// id.
func NamespaceResourceURI(serverID, backendURI string) string {
	return resourceURIPrefix + serverID + "/" + backendURI
}

// ParseResourceURI reverses NamespaceResourceURI.
func ParseResourceURI(uri string) (serverID, backendURI string, err error) {
	if !strings.HasPrefix(uri, resourceURIPrefix) {
		return "", "", fmt.Errorf("not a namespaced resource uri: %q", uri)
	}
	rest := strings.TrimPrefix(uri, resourceURIPrefix)
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("missing backend uri in: %q", uri)
	}
	return rest[:idx], rest[idx+1:], nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads, validates and hot-reloads the gateway's YAML
// configuration: server, client and runtime sections, with recursive
// "${VAR}" environment expansion and a polling file watcher.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/mcpgateway/pkg/logger"
	"github.com/stacklok/mcpgateway/pkg/vmcp"
	"github.com/stacklok/mcpgateway/pkg/vmcp/launch"
)

// EnvReader abstracts process environment lookups so tests can substitute
// a fixed map instead of the real environment.
type EnvReader interface {
	LookupEnv(key string) (string, bool)
}

// OSReader reads from the real process environment via os.LookupEnv.
type OSReader struct{}

// LookupEnv implements EnvReader.
func (OSReader) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// rawClientConfig is the YAML shape of one entry under "clients": a single
// per-client record combining identification and authorization, which
// YAMLLoader splits into a vmcp.ClientPolicy and a vmcp.ClientRule sharing
// the same client id.
type rawClientConfig struct {
	IdentifyBy           []vmcp.IdentifyCondition `yaml:"identify_by"`
	Allow                []vmcp.AccessRule        `yaml:"allow"`
	Deny                 []vmcp.AccessRule        `yaml:"deny"`
	DenyAllExceptAllowed bool                     `yaml:"deny_all_except_allowed"`
}

// rawManagerConfig is the "manager" section: the front-end's advertised
// server identity (name and version, read from manager.name/manager.version).
// Any other manager-level setting this gateway needs (log level, etc.) comes
// from CLI flags and the DEBUG environment variable instead, matching how
// pkg/logger is already configured.
type rawManagerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// rawRuntimeConfig mirrors vmcp.RuntimeConfig but with pointer fields, so a
// document that omits a setting can be told apart from one that explicitly
// sets it to its zero value (most notably the two bool flags: "not present"
// must leave DefaultRuntimeConfig's true in place, not silently flip it to
// false).
type rawRuntimeConfig struct {
	MaxConcurrentRequests    int   `yaml:"max_concurrent_requests,omitempty"`
	RequestTimeoutSeconds    int   `yaml:"request_timeout_seconds,omitempty"`
	BackendPoolSize          int   `yaml:"backend_pool_size,omitempty"`
	HealthCheckEnabled       *bool `yaml:"health_check_enabled,omitempty"`
	AutoRestartFailedServers *bool `yaml:"auto_restart_failed_servers,omitempty"`
	CacheTTLSeconds          int   `yaml:"cache_ttl_seconds,omitempty"`
	CacheMaxEntries          int   `yaml:"cache_max_entries,omitempty"`
}

// rawConfig mirrors the on-disk document's top-level sections. "sources" is
// decoded but otherwise unused: it would configure npm/github auto-install
// registries for backend servers, which this gateway does not support — it
// is kept in the schema purely so a document naming a "sources" section
// still decodes without a strict-field error.
type rawConfig struct {
	Manager rawManagerConfig             `yaml:"manager,omitempty"`
	Servers map[string]vmcp.ServerConfig `yaml:"servers"`
	Clients map[string]rawClientConfig   `yaml:"clients"`
	Sources map[string]any               `yaml:"sources,omitempty"`
	Runtime rawRuntimeConfig             `yaml:"runtime"`
}

func (raw rawConfig) toManagerConfig() *vmcp.ManagerConfig {
	serverIDs := make([]string, 0, len(raw.Servers))
	for id := range raw.Servers {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	servers := make([]vmcp.ServerConfig, 0, len(serverIDs))
	for _, id := range serverIDs {
		sc := raw.Servers[id]
		sc.ID = id
		if sc.HealthCheck.IntervalSeconds == 0 {
			sc.HealthCheck.IntervalSeconds = 300
		}
		if sc.HealthCheck.TimeoutSeconds == 0 {
			sc.HealthCheck.TimeoutSeconds = 10
		}
		servers = append(servers, sc)
	}

	clientIDs := make([]string, 0, len(raw.Clients))
	for id := range raw.Clients {
		clientIDs = append(clientIDs, id)
	}
	sort.Strings(clientIDs)

	policies := make([]vmcp.ClientPolicy, 0, len(clientIDs))
	rules := make([]vmcp.ClientRule, 0, len(clientIDs))
	for _, id := range clientIDs {
		cc := raw.Clients[id]
		policies = append(policies, vmcp.ClientPolicy{
			ClientID:             id,
			DenyAllExceptAllowed: cc.DenyAllExceptAllowed,
			Allow:                cc.Allow,
			Deny:                 cc.Deny,
		})
		rules = append(rules, vmcp.ClientRule{ClientID: id, IdentifyBy: cc.IdentifyBy})
	}

	runtime := vmcp.DefaultRuntimeConfig()
	if raw.Runtime.MaxConcurrentRequests != 0 {
		runtime.MaxConcurrentRequests = raw.Runtime.MaxConcurrentRequests
	}
	if raw.Runtime.RequestTimeoutSeconds != 0 {
		runtime.RequestTimeoutSeconds = raw.Runtime.RequestTimeoutSeconds
	}
	if raw.Runtime.BackendPoolSize != 0 {
		runtime.BackendPoolSize = raw.Runtime.BackendPoolSize
	}
	if raw.Runtime.HealthCheckEnabled != nil {
		runtime.HealthCheckEnabled = *raw.Runtime.HealthCheckEnabled
	}
	if raw.Runtime.AutoRestartFailedServers != nil {
		runtime.AutoRestartFailedServers = *raw.Runtime.AutoRestartFailedServers
	}
	if raw.Runtime.CacheTTLSeconds != 0 {
		runtime.CacheTTLSeconds = raw.Runtime.CacheTTLSeconds
	}
	if raw.Runtime.CacheMaxEntries != 0 {
		runtime.CacheMaxEntries = raw.Runtime.CacheMaxEntries
	}

	name := raw.Manager.Name
	if name == "" {
		name = vmcp.DefaultManagerName
	}
	version := raw.Manager.Version
	if version == "" {
		version = vmcp.DefaultManagerVersion
	}

	return &vmcp.ManagerConfig{
		Name:    name,
		Version: version,
		Servers: servers,
		Clients: policies,
		Rules:   rules,
		Runtime: runtime,
	}
}

// YAMLLoader reads a configuration document from disk, expands "${VAR}"
// references against env, and decodes it strictly: unknown top-level fields
// are a load error rather than being silently ignored.
type YAMLLoader struct {
	path string
	env  EnvReader
}

// NewYAMLLoader builds a loader for path, expanding environment references
// via env.
func NewYAMLLoader(path string, env EnvReader) *YAMLLoader {
	return &YAMLLoader{path: path, env: env}
}

// Load reads, expands and decodes the configuration file.
func (l *YAMLLoader) Load() (*vmcp.ManagerConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %q: %w", l.path, err)
	}

	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("invalid yaml syntax: %w", err)
	}

	expanded, err := yaml.Marshal(expandEnvVars(tree, l.env))
	if err != nil {
		return nil, fmt.Errorf("re-encoding expanded configuration: %w", err)
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return raw.toManagerConfig(), nil
}

// expandEnvVars recursively expands any string value that is, in its
// entirety, "${NAME}" into the value of the NAME environment variable.
// A variable that is not set in the environment is left as the literal
// "${NAME}" text rather than becoming an empty string.
func expandEnvVars(v any, env EnvReader) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = expandEnvVars(val, env)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = expandEnvVars(val, env)
		}
		return out
	case string:
		if strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") && len(t) > len("${}") {
			name := t[2 : len(t)-1]
			if val, ok := env.LookupEnv(name); ok {
				return val
			}
		}
		return t
	default:
		return v
	}
}

// Validator checks a decoded ManagerConfig for semantic errors that the
// YAML schema alone cannot catch.
type Validator struct{}

// NewValidator builds a Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate reports every source-format and access-rule-conflict error
// found in cfg, joined into a single error. A nil return means cfg is
// valid.
func (*Validator) Validate(cfg *vmcp.ManagerConfig) error {
	var issues []string

	for _, sc := range cfg.Servers {
		if _, err := launch.ParseSourceKind(sc.Source); err != nil {
			issues = append(issues, fmt.Sprintf("server %q: %v", sc.ID, err))
		}
		switch sc.Transport {
		case vmcp.TransportStdio, vmcp.TransportSSE, vmcp.TransportWebsocket:
		default:
			issues = append(issues, fmt.Sprintf("server %q: unknown transport %q", sc.ID, sc.Transport))
		}
	}

	for _, policy := range cfg.Clients {
		issues = append(issues, checkRuleConflicts(policy)...)
	}

	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("configuration is invalid:\n  %s", strings.Join(issues, "\n  "))
}

// checkRuleConflicts reports servers named in both a policy's allow and
// deny rules: an allow/deny rule pair for the same server is always a
// mistake, since deny wins by construction and the allow rule can never
// fire.
func checkRuleConflicts(policy vmcp.ClientPolicy) []string {
	allowed := make(map[string]bool, len(policy.Allow))
	for _, r := range policy.Allow {
		allowed[r.ServerID] = true
	}

	seen := make(map[string]bool)
	var overlapping []string
	for _, r := range policy.Deny {
		if allowed[r.ServerID] && !seen[r.ServerID] {
			seen[r.ServerID] = true
			overlapping = append(overlapping, r.ServerID)
		}
	}
	if len(overlapping) == 0 {
		return nil
	}
	sort.Strings(overlapping)
	return []string{fmt.Sprintf(
		"client %q: overlapping allow/deny rules for servers: %s",
		policy.ClientID, strings.Join(overlapping, ", "),
	)}
}

// watchInterval is how often Watcher polls the configuration file's mtime.
const watchInterval = time.Second

// ReloadFunc applies a freshly loaded and validated configuration. An error
// is logged by the Watcher but never stops it: the previously running
// configuration stays in effect.
type ReloadFunc func(ctx context.Context, cfg *vmcp.ManagerConfig) error

// Watcher polls a configuration file's modification time and, on change,
// loads, validates and applies it via ReloadFunc. A reload that fails to
// load, validate or apply is logged and skipped — the gateway keeps running
// with whatever configuration it already has.
type Watcher struct {
	path      string
	loader    *YAMLLoader
	validator *Validator
	reload    ReloadFunc
	interval  time.Duration
}

// NewWatcher builds a Watcher over path, using loader to re-read the file
// and validator to check it before handing it to reload.
func NewWatcher(path string, loader *YAMLLoader, validator *Validator, reload ReloadFunc) *Watcher {
	return &Watcher{path: path, loader: loader, validator: validator, reload: reload, interval: watchInterval}
}

// Run polls until ctx is cancelled, applying every detected change. It
// returns nil on cancellation, or an error if the file cannot even be
// stat'd initially.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("watching configuration %q: %w", w.path, err)
	}
	lastMod := info.ModTime()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				logger.Warnf("config watcher: stat %q: %v", w.path, err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			w.reloadOnce(ctx)
		}
	}
}

func (w *Watcher) reloadOnce(ctx context.Context) {
	cfg, err := w.loader.Load()
	if err != nil {
		logger.Errorf("config reload: load failed, keeping running configuration: %v", err)
		return
	}
	if err := w.validator.Validate(cfg); err != nil {
		logger.Errorf("config reload: validation failed, keeping running configuration: %v", err)
		return
	}
	if err := w.reload(ctx, cfg); err != nil {
		logger.Errorf("config reload: apply failed: %v", err)
	}
}

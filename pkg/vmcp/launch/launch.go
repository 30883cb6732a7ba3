// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package launch resolves a ServerConfig's source into a concrete launch
// plan the process supervisor can start. It exists as a seam (the Resolver
// interface) so that heterogeneous backend runtimes — npm/pip/uvx
// packages, a github checkout, anything beyond a local binary — can be
// added without the supervisor or session packages ever changing. The core
// ships only StaticResolver, covering "local:" and "binary:" sources
// directly; everything else is recognized by prefix but resolving it is
// the installer collaborator's job.
package launch

import (
	"context"
	"fmt"
	"strings"

	"github.com/stacklok/mcpgateway/pkg/vmcp"
)

// LaunchPlan is everything a BackendSession needs to start a process or
// dial a URL.
type LaunchPlan struct {
	Transport vmcp.TransportKind
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
}

// Resolver turns a ServerConfig into a LaunchPlan. Implementations may
// consult external systems (a package registry, a version-control host);
// the core never assumes which.
type Resolver interface {
	Resolve(ctx context.Context, cfg vmcp.ServerConfig) (LaunchPlan, error)
}

// StaticResolver resolves "local:" and "binary:" sources directly from the
// ServerConfig's own Command/Args/Env/URL fields, performing no external
// lookups. This is the default Resolver the gateway ships with.
type StaticResolver struct {
	// Adapter converts the ServerConfig's free-form Config map into
	// environment variables layered over its Env map; defaults to
	// ConfigAdapter{} if nil.
	Adapter *ConfigAdapter
}

func (r StaticResolver) Resolve(_ context.Context, cfg vmcp.ServerConfig) (LaunchPlan, error) {
	kind, err := ParseSourceKind(cfg.Source)
	if err != nil {
		return LaunchPlan{}, err
	}
	if kind != SourceLocal && kind != SourceBinary {
		return LaunchPlan{}, fmt.Errorf("static resolver cannot resolve source kind %q for server %q", kind, cfg.ID)
	}

	adapter := r.Adapter
	if adapter == nil {
		adapter = &ConfigAdapter{}
	}

	switch cfg.Transport {
	case vmcp.TransportStdio:
		if cfg.Command == "" {
			return LaunchPlan{}, fmt.Errorf("server %q: stdio transport requires a command", cfg.ID)
		}
		return LaunchPlan{
			Transport: vmcp.TransportStdio,
			Command:   cfg.Command,
			Args:      cfg.Args,
			Env:       mergeEnv(cfg.Env, adapter.Adapt(cfg.Config)),
		}, nil
	case vmcp.TransportSSE:
		if cfg.URL == "" {
			return LaunchPlan{}, fmt.Errorf("server %q: sse transport requires a url", cfg.ID)
		}
		return LaunchPlan{Transport: vmcp.TransportSSE, URL: cfg.URL}, nil
	case vmcp.TransportWebsocket:
		return LaunchPlan{}, fmt.Errorf("server %q: websocket transport is not supported", cfg.ID)
	default:
		return LaunchPlan{}, fmt.Errorf("server %q: unknown transport %q", cfg.ID, cfg.Transport)
	}
}

// SourceKind identifies the launch strategy a ServerConfig.Source names.
// Core code recognizes every kind by prefix; resolving anything beyond
// "local:"/"binary:" belongs to the installer collaborator.
type SourceKind string

const (
	SourceLocal  SourceKind = "local"
	SourceBinary SourceKind = "binary"
	SourceNpm    SourceKind = "npm"
	SourcePip    SourceKind = "pip"
	SourceUvx    SourceKind = "uvx"
	SourceGithub SourceKind = "github"
	SourceHTTP   SourceKind = "http"
	SourceHTTPS  SourceKind = "https"
)

// ParseSourceKind validates and extracts the source prefix: the string must
// contain a ":" and the prefix must be one of the known kinds.
func ParseSourceKind(source string) (SourceKind, error) {
	idx := strings.Index(source, ":")
	if idx < 0 {
		return "", fmt.Errorf("invalid source %q: missing \"<kind>:\" prefix", source)
	}
	prefix := SourceKind(source[:idx])
	switch prefix {
	case SourceLocal, SourceBinary, SourceNpm, SourcePip, SourceUvx, SourceGithub, SourceHTTP, SourceHTTPS:
		return prefix, nil
	default:
		return "", fmt.Errorf("invalid source %q: unknown kind %q", source, prefix)
	}
}

// ConfigAdapter translates a backend's free-form configuration object
// (ServerConfig.Config) into the environment variables its process
// expects. It is a stateless value type with no package-level singleton —
// constructed once in cmd/vmcpgw and held by the StaticResolver, which
// applies it while building each LaunchPlan; BackendSessions only ever see
// the resulting plan's Env.
type ConfigAdapter struct{}

// Adapt upper-cases every key, renders booleans as "true"/"false", joins
// lists with commas, and stringifies everything else. A nil config adapts
// to a nil env map.
func (ConfigAdapter) Adapt(config map[string]any) map[string]string {
	if config == nil {
		return nil
	}
	out := make(map[string]string, len(config))
	for k, v := range config {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = adaptValue(v)
	}
	return out
}

func adaptValue(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = fmt.Sprintf("%v", e)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(t, ",")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// mergeEnv overlays adapted config-derived environment variables on top of
// a server's base environment: a key present in both wins from adapted,
// matching how the process launcher applies server-specific env first and
// config-derived env second.
func mergeEnv(base, adapted map[string]string) map[string]string {
	if len(base) == 0 && len(adapted) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(adapted))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range adapted {
		out[k] = v
	}
	return out
}

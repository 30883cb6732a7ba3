// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the gateway's cobra commands: serve, validate, version
// and status.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcpgateway/pkg/logger"
	"github.com/stacklok/mcpgateway/pkg/vmcp"
	"github.com/stacklok/mcpgateway/pkg/vmcp/access"
	"github.com/stacklok/mcpgateway/pkg/vmcp/aggregator"
	"github.com/stacklok/mcpgateway/pkg/vmcp/cache"
	"github.com/stacklok/mcpgateway/pkg/vmcp/config"
	"github.com/stacklok/mcpgateway/pkg/vmcp/frontend"
	"github.com/stacklok/mcpgateway/pkg/vmcp/launch"
	"github.com/stacklok/mcpgateway/pkg/vmcp/router"
	"github.com/stacklok/mcpgateway/pkg/vmcp/session"
	"github.com/stacklok/mcpgateway/pkg/vmcp/supervisor"
)

var rootCmd = &cobra.Command{
	Use:               "vmcpgw",
	DisableAutoGenTag: true,
	Short:             "Virtual MCP Gateway - aggregate and proxy multiple MCP servers",
	Long: `vmcpgw is a single front-facing MCP server that aggregates any number of
backend MCP servers behind one stdio session: it namespaces their tools,
resources and prompts, enforces per-client access policy, caches idempotent
responses and supervises each backend process's lifecycle.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if viper.GetBool("debug") {
			_ = os.Setenv("DEBUG", "true")
		}
		logger.Initialize()
	},
}

// NewRootCmd builds the gateway's root cobra command.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway's front-facing MCP server",
		Long: `Load the configuration file named by --config, start every configured
backend server, and serve the aggregated, access-filtered capability set to a
single MCP client over stdio until the process receives a shutdown signal.`,
		RunE: runServe,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long:  "Load and validate the configuration named by --config without starting anything.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := loadAndValidateConfig(requireConfigPath())
			if err != nil {
				return err
			}
			logger.Infof("configuration is valid")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(getVersion())
		},
	}
}

// newStatusCmd starts every configured backend just long enough to report
// its initial status, then stops them again — a one-shot health probe,
// since the gateway has no long-running daemon an external command could
// query while `serve` owns the process's single stdio session.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Start every configured backend, report status, then stop",
		Long: `Load and validate the configuration named by --config, start each
configured backend, print each backend's process status and health, then
stop everything again. Use this to sanity-check a configuration's backends
without leaving the gateway running.`,
		RunE: runStatus,
	}
}

func getVersion() string {
	return "dev"
}

func requireConfigPath() string {
	return viper.GetString("config")
}

// loadAndValidateConfig reads, expands and validates the configuration file
// at path, logging its resolved server/client counts on success.
func loadAndValidateConfig(path string) (*vmcp.ManagerConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config")
	}

	loader := config.NewYAMLLoader(path, config.OSReader{})
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	logger.Infof("loaded configuration %q v%s: %d server(s), %d client polic(ies)",
		cfg.Name, cfg.Version, len(cfg.Servers), len(cfg.Clients))
	return cfg, nil
}

// gateway bundles every component wired for one running instance, so serve
// and status can share the same construction path.
type gateway struct {
	sup   *supervisor.Supervisor
	rtr   *router.Router
	front *frontend.Server
}

func newGateway(cfg *vmcp.ManagerConfig) *gateway {
	resolver := launch.StaticResolver{Adapter: &launch.ConfigAdapter{}}
	sup := supervisor.New(cfg.Servers, resolver, cfg.Runtime)

	agg := aggregator.New(sup.Backends)
	respCache := cache.New(cfg.Runtime.CacheMaxEntries, time.Duration(cfg.Runtime.CacheTTLSeconds)*time.Second)
	permEngine := access.NewPermissionEngine(cfg.Clients)
	identifier := access.NewClientIdentifier(cfg.Rules)

	sessions := func(serverID string) (router.Backend, bool) {
		sess, ok := sup.Session(serverID)
		if !ok || sess.Status() != session.StatusRunning {
			return nil, false
		}
		return sess, true
	}
	rtr := router.New(
		sessions, agg, respCache, permEngine,
		time.Duration(cfg.Runtime.CacheTTLSeconds)*time.Second,
		cfg.Runtime.MaxConcurrentRequests,
	)

	front := frontend.New(cfg.Name, cfg.Version, rtr, identifier)

	return &gateway{sup: sup, rtr: rtr, front: front}
}

// reload re-resolves the backend server set against a freshly loaded
// configuration (see supervisor.Supervisor.Reload for the diffing rules)
// and re-derives the advertised capability set for whichever client is
// currently connected. Client identification rules and access policy are
// deliberately not hot-swapped here: a policy change taking effect mid-session
// would silently alter what an already-identified client can do without it
// ever re-identifying itself.
func (g *gateway) reload(ctx context.Context, cfg *vmcp.ManagerConfig) error {
	g.sup.Reload(ctx, cfg.Servers)
	g.front.RefreshCapabilities(ctx)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := requireConfigPath()

	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
	}

	instanceID := uuid.NewString()
	logger.Infof("starting gateway instance %s", instanceID)

	gw := newGateway(cfg)
	if err := gw.sup.StartAll(ctx); err != nil {
		return fmt.Errorf("starting backend servers: %w", err)
	}
	defer gw.sup.StopAll(context.Background())

	watcher := config.NewWatcher(configPath, config.NewYAMLLoader(configPath, config.OSReader{}), config.NewValidator(), gw.reload)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := watcher.Run(watchCtx); err != nil {
			logger.Errorf("configuration watcher stopped: %v", err)
		}
	}()

	logger.Infof("serving %q v%s over stdio", cfg.Name, cfg.Version)
	return gw.front.Serve(ctx, os.Stdin, os.Stdout)
}

// runStatus starts every backend, prints a snapshot as soon as StartAll
// returns, then stops everything.
func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadAndValidateConfig(requireConfigPath())
	if err != nil {
		return err
	}

	gw := newGateway(cfg)
	if err := gw.sup.StartAll(ctx); err != nil {
		return fmt.Errorf("starting backend servers: %w", err)
	}
	defer gw.sup.StopAll(context.Background())

	stats := gw.rtr.Stats()
	fmt.Printf("%s v%s\n", cfg.Name, cfg.Version)
	fmt.Printf("cache: %d/%d entries (%.1f%% full)\n", stats.Cache.ActiveEntries, stats.Cache.MaxSize, stats.Cache.FillPercentage)
	fmt.Println("backends:")
	for _, snap := range gw.sup.Snapshot() {
		fmt.Printf("  %-20s status=%-10s health=%-10s\n", snap.ServerID, snap.Status, snap.Health)
	}
	return nil
}

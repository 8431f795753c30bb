// Package main is the entry point for the polis-gateway binary.
// It serves the data plane and the admin endpoints, and validates
// API definition files.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-gateway/internal/governance"
	gwtls "github.com/polisai/polis-gateway/internal/tls"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/connector"
	"github.com/polisai/polis-gateway/pkg/connector/endpoint"
	"github.com/polisai/polis-gateway/pkg/connector/entrypoint"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/gateway"
	"github.com/polisai/polis-gateway/pkg/logging"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/policy/builtin"
	"github.com/polisai/polis-gateway/pkg/storage"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-gateway",
		Short: "API gateway routing requests through policy flows",
		Long: `polis-gateway routes inbound requests to deployed APIs, resolves the
caller's plan and executes the platform, plan and API policy flows around
the backend call.

Example:
  polis-gateway serve --config gateway.yaml --definitions apis.yaml
  polis-gateway validate --definitions apis.yaml`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(), newValidateCmd(), newVersionCmd())
	return rootCmd
}

type serveOptions struct {
	configPath  string
	definitions string
	envFiles    []string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to gateway configuration file (YAML)")
	cmd.Flags().StringVarP(&opts.definitions, "definitions", "d", "", "Path to API definitions file; overrides definitions.file")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Env files loaded before the configuration")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var definitions string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an API definitions file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.OutOrStdout(), definitions)
		},
	}
	cmd.Flags().StringVarP(&definitions, "definitions", "d", "", "Path to API definitions file")
	_ = cmd.MarkFlagRequired("definitions")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// runtime is the wired gateway without its listeners.
type runtime struct {
	connectors *connector.Registry
	policies   *policy.Registry
	breakers   *governance.CircuitBreakerManager
	metrics    *telemetry.GatewayMetrics
	manager    *gateway.Manager
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	breakers := governance.NewCircuitBreakerManager(breakerConfig(cfg.Resilience.CircuitBreaker))

	connectors := connector.NewRegistry()
	if err := entrypoint.Register(connectors, logger); err != nil {
		return nil, fmt.Errorf("register entrypoints: %w", err)
	}
	if err := endpoint.Register(connectors, endpoint.Deps{Logger: logger, Breakers: breakers}); err != nil {
		return nil, fmt.Errorf("register endpoints: %w", err)
	}

	policies := policy.NewRegistry()
	if err := builtin.Register(policies, logger); err != nil {
		return nil, fmt.Errorf("register policies: %w", err)
	}

	metrics := telemetry.NewGatewayMetrics()
	manager := gateway.NewManager(storage.NewMemoryDeploymentStore(), gateway.Dependencies{
		Connectors: connectors,
		Policies:   policy.NewManager(policy.ManagerConfig{Registry: policies, Logger: logger}),
		Ordering:   cfg.ConnectorOrdering(),
		Hooks:      []policy.Hook{policy.NewTracingHook(), policy.NewMetricsHook()},
		Metrics:    metrics,
		Logger:     logger,
	})

	return &runtime{
		connectors: connectors,
		policies:   policies,
		breakers:   breakers,
		metrics:    metrics,
		manager:    manager,
	}, nil
}

// breakerConfig fills unset thresholds with the governance defaults.
func breakerConfig(c config.CircuitBreakerConfig) governance.CircuitBreakerConfig {
	out := governance.DefaultCircuitBreakerConfig()
	if c.MaxFailures > 0 {
		out.MaxFailures = c.MaxFailures
	}
	if c.FailureRate > 0 {
		out.FailureRateThreshold = c.FailureRate
	}
	if c.MinSamples > 0 {
		out.MinSamples = c.MinSamples
	}
	if c.Window > 0 {
		out.Window = c.Window
	}
	if c.OpenTimeout > 0 {
		out.OpenTimeout = c.OpenTimeout
	}
	if c.HalfOpenProbes > 0 {
		out.HalfOpenProbes = c.HalfOpenProbes
	}
	return out
}

// deploy validates a snapshot and activates it. Validation problems are
// logged; the connectors and policies they name are skipped at request time.
func (rt *runtime) deploy(ctx context.Context, snapshot domain.Snapshot, logger *slog.Logger) {
	if err := gateway.Validate(snapshot, rt.connectors, rt.policies); err != nil {
		logger.Warn("definitions reference unknown components", "error", err)
	}
	if err := rt.manager.Deploy(ctx, snapshot); err != nil {
		logger.Error("deployment rejected, keeping previous one", "error", err)
	}
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := config.LoadEnvFiles(opts.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.definitions != "" {
		cfg.Definitions.File = opts.definitions
	}
	if cfg.Definitions.File == "" {
		return errors.New("no definitions file configured; use --definitions or definitions.file")
	}

	logger := logging.SetupLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.Info("Starting polis-gateway",
		"version", version,
		"data_addr", cfg.Server.DataAddress,
		"admin_addr", cfg.Server.AdminAddress,
		"definitions", cfg.Definitions.File,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}

	dataServer := &http.Server{
		Handler: gateway.NewHandler(gateway.HandlerConfig{
			Manager:      rt.manager,
			Metrics:      rt.metrics,
			Logger:       logger,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		}).Instrumented(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	adminServer := &http.Server{
		Handler: gateway.NewAdminHandler(gateway.AdminConfig{
			Manager:  rt.manager,
			Metrics:  rt.metrics,
			Breakers: rt.breakers,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if listenerTLS := cfg.Server.TLS.Listener(); listenerTLS.Enabled() {
		certs, err := gwtls.NewCertificateManager(listenerTLS.CertFile, listenerTLS.KeyFile, logger)
		if err != nil {
			return err
		}
		if dataServer.TLSConfig, err = gwtls.BuildServer(listenerTLS, certs); err != nil {
			return err
		}
		if cfg.Server.TLS.Watch {
			g.Go(func() error { return certs.Watch(gctx) })
		}
	}

	if cfg.Definitions.Watch {
		provider, err := config.NewFileDefinitionsProvider(cfg.Definitions.File, config.WithProviderLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("Failed to close definitions provider", "error", err)
			}
		}()
		updates := provider.Subscribe()
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case snapshot := <-updates:
					rt.deploy(gctx, snapshot, logger)
				}
			}
		})
	} else {
		snapshot, err := config.LoadDefinitions(cfg.Definitions.File)
		if err != nil {
			return err
		}
		rt.deploy(ctx, snapshot, logger)
	}

	g.Go(func() error { return listenAndServe(dataServer, cfg.Server.DataAddress, "data", logger) })
	g.Go(func() error { return listenAndServe(adminServer, cfg.Server.AdminAddress, "admin", logger) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(dataServer.Shutdown(shutdownCtx), adminServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Gateway stopped")
	return nil
}

func listenAndServe(server *http.Server, addr, name string, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s listener on %s: %w", name, addr, err)
	}
	if server.TLSConfig != nil {
		listener = tls.NewListener(listener, server.TLSConfig)
	}
	logger.Info("Server listening", "server", name, "addr", listener.Addr().String(), "tls", server.TLSConfig != nil)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func runValidate(out io.Writer, path string) error {
	snapshot, err := config.LoadDefinitions(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	connectors := connector.NewRegistry()
	if err := entrypoint.Register(connectors, logger); err != nil {
		return err
	}
	if err := endpoint.Register(connectors, endpoint.Deps{Logger: logger}); err != nil {
		return err
	}
	policies := policy.NewRegistry()
	if err := builtin.Register(policies, logger); err != nil {
		return err
	}
	if err := gateway.Validate(snapshot, connectors, policies); err != nil {
		return err
	}

	plans := 0
	for _, api := range snapshot.APIs {
		plans += len(api.Plans)
	}
	fmt.Fprintf(out, "%s: %d apis, %d plans, %d subscriptions\n", path, len(snapshot.APIs), plans, len(snapshot.Subscriptions))
	for _, api := range snapshot.APIs {
		for _, p := range api.ContextPaths() {
			fmt.Fprintf(out, "  %s %s%s\n", api.ID, p.Host, p.Path)
		}
	}
	return nil
}

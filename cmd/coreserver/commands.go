package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coregov/runtime/internal/auth"
	"github.com/coregov/runtime/internal/config"
	"github.com/coregov/runtime/internal/connector"
	"github.com/coregov/runtime/internal/contextengine"
	"github.com/coregov/runtime/internal/eventbus"
	"github.com/coregov/runtime/internal/executor"
	"github.com/coregov/runtime/internal/manifest"
	"github.com/coregov/runtime/internal/observability"
	"github.com/coregov/runtime/internal/policy"
	"github.com/coregov/runtime/internal/runner"
	"github.com/coregov/runtime/internal/server"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the runtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML or JSON)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:             cfg.Observability.LogLevel,
		Format:            cfg.Observability.LogFormat,
		AllowlistPrefixes: cfg.FSAllowlist,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "coreserver",
		ServiceVersion: version,
		Environment:    cfg.Profile,
		Endpoint:       cfg.Observability.OTelExporter,
		EnableInsecure: cfg.Observability.OTelInsecure,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := manifest.NewRegistry(cfg.ManifestDir)
	if err := registry.LoadAll(cfg.ManifestDir); err != nil {
		return err
	}
	if err := registry.Watch(ctx, logger.Slog()); err != nil {
		logger.Warn(ctx, "manifest watch unavailable", "error", err)
	}

	enforcer, err := policy.NewEnforcer(cfg.FSAllowlist, nil)
	if err != nil {
		return err
	}

	bus := eventbus.NewBus(cfg.Performance.MaxInflight, cfg.Performance.QueueWatermark)
	bus.SetMetricsRecorder(metrics)

	wasi, err := runner.NewWasiRunner(ctx, runner.WasiConfig{
		ModulesDir:        cfg.ModulesDir,
		AllowlistPrefixes: cfg.FSAllowlist,
	})
	wasiAvailable := err == nil
	if err != nil {
		logger.Warn(ctx, "wasi runtime unavailable, wasm tools will fail", "error", err)
	} else {
		defer wasi.Close(context.Background())
	}

	native, err := runner.NewNativeRunner(
		runner.FSReadAdapter{Allowlist: enforcer.Allowlist()},
		runner.FSWriteAdapter{Allowlist: enforcer.Allowlist()},
		runner.HTTPFetchAdapter{},
		runner.TelemetryPushAdapter{Bus: bus},
	)
	if err != nil {
		return err
	}

	var wasiRunner runner.Runner
	if wasiAvailable {
		wasiRunner = wasi
	}
	exec := executor.New(registry, enforcer, bus, wasiRunner, native, metrics, tracer, logger)

	engineCfg := contextengine.DefaultConfig()
	engineCfg.Enabled = cfg.ContextEngine.Enabled
	engineCfg.ChangeCapPctPerDay = cfg.ContextEngine.ChangeCapPctPerDay
	engineCfg.MinConfidence = cfg.ContextEngine.MinConfidence
	tunables := contextengine.DefaultTunableSet()
	seedTunables(tunables, cfg.Performance)
	engine := contextengine.NewEngine(engineCfg, tunables, bus)
	collector := contextengine.NewCollector()
	exec.SetObservationSink(collector)

	conns := connector.New(connector.DefaultIdleTTL, 15*time.Second, metrics)

	srv := server.New(cfg, registry, enforcer, bus, exec, engine, collector, conns,
		metrics, logger, auth.NewService(cfg.Auth.JWTSecret, 24*time.Hour))
	srv.WasiAvailable = wasiAvailable
	if wasiAvailable {
		srv.Wasi = wasi
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "shutdown error", "error", err)
	}
	_ = shutdownTracer(shutdownCtx)
	return nil
}

// seedTunables overrides the default baselines with the configured
// performance values, keeping each tunable's bounds.
func seedTunables(set contextengine.TunableSet, perf config.PerformanceConfig) {
	seed := func(name string, value float64) {
		t, ok := set[name]
		if !ok || value <= 0 {
			return
		}
		t.Current = value
		t.Baseline = value
		set[name] = t
	}
	seed("max_inflight", float64(perf.MaxInflight))
	seed("batch_size", float64(perf.BatchSize))
	seed("queue_watermark", perf.QueueWatermark)
}

func newStatusCommand() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running server's readiness summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiGet(serverURL + "/api/status")
			if err != nil {
				return err
			}
			var status map[string]any
			if err := json.Unmarshal(body, &status); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, key := range []string{"status", "version", "profile", "enabled_tools", "active_connections", "context_engine"} {
				fmt.Fprintf(w, "%s:\t%v\n", key, status[key])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:4050", "server base URL")
	return cmd
}

func newToolsCommand() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiGet(serverURL + "/api/tools")
			if err != nil {
				return err
			}
			var payload struct {
				Tools []manifest.Manifest `json:"tools"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tENTRY\tENABLED")
			for _, m := range payload.Tools {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", m.Name, m.Version, m.Entry, m.Enabled)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:4050", "server base URL")
	return cmd
}

func apiGet(url string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

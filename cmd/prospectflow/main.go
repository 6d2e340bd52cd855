// Package main provides the prospectflow binary entry point.
// ProspectFlow orchestrates multi-stage sales pipelines: prospect
// discovery, enrichment, outreach, and the human-in-the-loop stages
// that follow, coordinated over NATS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/prospectflow/agent"
	"github.com/c360studio/prospectflow/agent/webfetch"
	"github.com/c360studio/prospectflow/campaign"
	"github.com/c360studio/prospectflow/config"
	"github.com/c360studio/prospectflow/httpapi"
	"github.com/c360studio/prospectflow/llm"
	"github.com/c360studio/prospectflow/metrics"
	"github.com/c360studio/prospectflow/storage"
	"github.com/c360studio/prospectflow/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "prospectflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Sales pipeline workflow orchestrator",
		Long: `ProspectFlow drives prospects through a staged sales pipeline:
hunting, enrichment, outreach, conversation, proposal, and meeting.

The serve command exposes the workflow control plane over HTTP and
broadcasts campaign status over NATS.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the workflow control-plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serve(configPath, logLevel string) error {
	logger := setupLogging(logLevel)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	// Storage and broadcast transport share one NATS connection. Without
	// a configured URL everything runs in memory for local development.
	var nc *nats.Conn
	workflows, campaigns := storage.StateStore(storage.NewMemoryStore()), storage.StateStore(storage.NewMemoryStore())
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("create JetStream context: %w", err)
		}
		if workflows, err = storage.NewKVStore(ctx, js, storage.BucketWorkflows); err != nil {
			return fmt.Errorf("open workflow bucket: %w", err)
		}
		if campaigns, err = storage.NewKVStore(ctx, js, storage.BucketCampaigns); err != nil {
			return fmt.Errorf("open campaign bucket: %w", err)
		}
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	} else {
		logger.Warn("No NATS URL configured, using in-memory storage")
	}

	llmClient := llm.NewClient(llm.Config{
		BaseURL: cfg.Model.Endpoint,
		Model:   cfg.Model.Default,
		APIKey:  cfg.Model.APIKey,
	},
		llm.WithLogger(logger),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.Model.Timeout}),
	)

	fetcher := webfetch.NewFetcher(30*time.Second, appName+"/"+Version, 10*1024*1024)
	manager := workflow.NewManager(workflow.WithLogger(logger))

	broadcaster := campaign.NewBroadcaster(
		campaign.WithBroadcastLogger(logger),
		campaign.WithBroadcastMetrics(m),
		campaign.WithBroadcastInterval(cfg.Campaign.BroadcastThrottle),
	)
	if nc != nil {
		broadcaster.Subscribe(campaign.NewNATSPublisher(nc, logger))
	}

	registry := campaign.NewRegistry()

	handler := httpapi.NewHandler(workflows, manager, registry, logger)
	handler.NewCampaign = func(plan campaign.CampaignPlan) (*campaign.Coordinator, error) {
		// Plans without their own prospect cap inherit the configured one.
		if plan.ExecutionStrategy.MaxProspects <= 0 {
			plan.ExecutionStrategy.MaxProspects = cfg.Campaign.MaxEnrich
		}
		profile := agent.HunterProfile{
			Industry:     plan.TargetProfile.Industry,
			CompanySize:  plan.TargetProfile.CompanySize,
			Region:       plan.TargetProfile.Region,
			Keywords:     plan.TargetProfile.Keywords,
			MaxProspects: plan.ExecutionStrategy.MaxProspects,
		}
		agents := agent.Set(llmClient, manager, fetcher, profile, logger)

		// Config-level exclusions apply on top of the plan's own.
		plan.TargetProfile.ExcludeDomains = append(
			plan.TargetProfile.ExcludeDomains, cfg.Targeting.ExcludeDomains...)

		return campaign.NewCoordinator(plan, agents, manager, workflows, campaigns, broadcaster,
			campaign.WithCoordinatorLogger(logger),
			campaign.WithCoordinatorMetrics(m),
			campaign.WithDemoFallback(cfg.Campaign.DemoFallback),
		), nil
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ProspectFlow ready",
			"version", Version,
			"addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}

	logger.Info("ProspectFlow shutdown complete")
	return nil
}

func setupLogging(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

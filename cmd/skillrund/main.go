// Package main is the entry point for the skillrund binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/weailabs/skillrun/pkg/adapter"
	"github.com/weailabs/skillrun/pkg/audit"
	"github.com/weailabs/skillrun/pkg/billing"
	"github.com/weailabs/skillrun/pkg/config"
	"github.com/weailabs/skillrun/pkg/engine"
	"github.com/weailabs/skillrun/pkg/executor"
	"github.com/weailabs/skillrun/pkg/logging"
	"github.com/weailabs/skillrun/pkg/meter"
	"github.com/weailabs/skillrun/pkg/policy"
	"github.com/weailabs/skillrun/pkg/registry"
	"github.com/weailabs/skillrun/pkg/server"
	"github.com/weailabs/skillrun/pkg/settle"
	"github.com/weailabs/skillrun/pkg/storage"
	"github.com/weailabs/skillrun/pkg/telemetry"
)

const (
	defaultConfigPath = "skillrun.yaml"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	// Bootstrap config from the file so logging options are known before the
	// logger exists.
	cfgProvider, err := config.NewFileConfigProvider(*configPath, slog.Default())
	if err != nil {
		slog.Error("Failed to initialize config provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cfgProvider.Close(); err != nil {
			slog.Error("Failed to close config provider", "error", err)
		}
	}()

	cfg := cfgProvider.Current()
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *prettyLogs {
		cfg.Logging.Pretty = true
	}
	if *listenAddr != "" {
		cfg.Server.Address = *listenAddr
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	logger.Info("Starting skillrund", "config", *configPath, "addr", cfg.Server.Address)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "skillrund",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("Tracing shutdown error", "error", err)
		}
	}()

	metrics := telemetry.NewServiceMetrics()
	components, err := buildComponents(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("Failed to assemble pipeline", "error", err)
		os.Exit(1)
	}

	cfgProvider.OnReload(func(err error) {
		if err != nil {
			metrics.RecordConfigReload("failure")
			return
		}
		metrics.RecordConfigReload("success")
	})
	go watchConfig(cfgProvider, components, logger)

	apiHandler := server.NewHandler(server.Config{
		Orchestrator: components.orchestrator,
		Meter:        components.meter,
		Auditor:      components.auditor,
		Settler:      components.settler,
		Metrics:      metrics,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", otelhttp.NewHandler(apiHandler, "skillrun.api"))

	srv := startServer(cfg.Server.Address, mux, logger)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
}

// components groups the wired pipeline pieces that config reloads touch.
type components struct {
	orchestrator *engine.Orchestrator
	registry     *registry.MemoryRegistry
	resolver     *registry.Resolver
	ledger       *billing.QuotaLedger
	pricing      *settle.StaticPricing
	meter        *meter.Meter
	auditor      *audit.Auditor
	settler      *settle.Settler
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *telemetry.ServiceMetrics) (*components, error) {
	skillRegistry := registry.NewMemoryRegistry()
	for _, def := range cfg.Skills {
		if err := skillRegistry.Register(def); err != nil {
			return nil, err
		}
	}

	resolver := registry.NewResolver(registry.ResolverConfig{
		Registry: skillRegistry,
		TTL:      cfg.Resolver.CacheTTL,
		Logger:   logger,
	})

	authz, err := policy.NewEngine(ctx, policy.EngineOptions{})
	if err != nil {
		return nil, err
	}

	ledger := billing.NewQuotaLedger(cfg.Billing.Quotas, cfg.Billing.DefaultQuota)
	gate := billing.NewGate(billing.GateConfig{Ledger: ledger, Logger: logger, Metrics: metrics})

	adapters := adapter.NewRegistry()
	adapters.Bind(adapter.EchoSkillID, adapter.NewEchoAdapter())
	adapters.Bind(adapter.WebhookSkillID, adapter.NewWebhookAdapter(cfg.Executor.DefaultDeadline))

	exec := executor.New(executor.Config{
		Adapters:        adapters,
		DefaultDeadline: cfg.Executor.DefaultDeadline,
		Logger:          logger,
	})

	usageStore := storage.NewMemoryUsageStore()
	usageMeter := meter.New(meter.Config{Store: usageStore, Logger: logger})

	auditSink := storage.NewMemoryAuditLog()
	auditor := audit.New(audit.Config{Sink: auditSink, Logger: logger, Metrics: metrics})

	pricing := settle.NewStaticPricing(cfg.Pricing.UnitPriceMicros, cfg.Pricing.DefaultUnitPriceMicros)
	settler := settle.New(settle.Config{
		Pricing:   pricing,
		Store:     storage.NewMemorySettlementStore(),
		Committer: gate,
		Logger:    logger,
	})

	orchestrator := engine.New(engine.Config{
		Resolver: resolver,
		Policy:   authz,
		Gate:     gate,
		Executor: exec,
		Meter:    usageMeter,
		Auditor:  auditor,
		Logger:   logger,
	})

	return &components{
		orchestrator: orchestrator,
		registry:     skillRegistry,
		resolver:     resolver,
		ledger:       ledger,
		pricing:      pricing,
		meter:        usageMeter,
		auditor:      auditor,
		settler:      settler,
	}, nil
}

// watchConfig applies quota, pricing, and skill definition updates from
// config reloads. In-flight attempts keep the limits they started with.
func watchConfig(provider *config.FileConfigProvider, c *components, logger *slog.Logger) {
	updates := provider.Subscribe()
	for cfg := range updates {
		c.ledger.SetLimits(cfg.Billing.Quotas, cfg.Billing.DefaultQuota)
		c.pricing.SetRates(cfg.Pricing.UnitPriceMicros, cfg.Pricing.DefaultUnitPriceMicros)

		for _, def := range cfg.Skills {
			if err := c.registry.Register(def); err != nil {
				logger.Error("Failed to register skill from config", "skill_id", def.ID, "error", err)
				continue
			}
			c.resolver.Invalidate(def.ID)
		}

		logger.Info("Configuration applied",
			"skills", len(cfg.Skills),
			"quotas", len(cfg.Billing.Quotas),
		)
	}
}

func startServer(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	return srv
}

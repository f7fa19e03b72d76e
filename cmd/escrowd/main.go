package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dealescrow/config"
	"dealescrow/core/events"
	"dealescrow/core/state"
	"dealescrow/gateway/middleware"
	"dealescrow/native/deal"
	"dealescrow/observability"
	"dealescrow/observability/logging"
	telemetry "dealescrow/observability/otel"
	"dealescrow/rpc"
	"dealescrow/storage"
	"dealescrow/storage/journal"
)

const serviceName = "escrowd"

func main() {
	configFile := flag.String("config", "./escrowd.toml", "Path to the configuration file (.toml, .yaml or .yml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.Setup(serviceName, cfg.Env, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetryCfg := telemetry.ApplyEnv(telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	}, nil)
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	ledger := state.NewManager(db)
	genesis, err := cfg.GenesisBalances()
	if err != nil {
		return err
	}
	if applied, err := ledger.ApplyGenesis(genesis); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	} else if applied {
		logger.Info("genesis balances applied", slog.Int("accounts", len(genesis)))
	}

	metrics := observability.Deals()
	engine := deal.NewEngine(ledger, deal.NewCustodian(ledger, ledger), ledger)
	engine.SetLogger(logger.With(slog.String("component", "deal")))
	engine.SetObserver(metrics)

	feed := events.NewFeed(cfg.Events.History)
	emitters := events.Multi{feed}
	if cfg.Journal.Enabled {
		jdb, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		j, err := journal.New(jdb, logger.With(slog.String("component", "journal")))
		if err != nil {
			return err
		}
		seq, head := j.Head()
		logger.Info("journal ready", slog.String("driver", cfg.Journal.Driver), logging.MaskField("dsn", cfg.Journal.DSN), slog.Uint64("seq", seq), slog.String("head", head))
		emitters = append(emitters, j)
		if sqlDB, err := jdb.DB(); err == nil {
			defer sqlDB.Close()
		}
	}
	engine.SetEmitter(emitters)

	if stats, err := engine.Stats(); err == nil {
		metrics.SetHeld(stats.Held)
	}

	opts := rpc.Options{Metrics: metrics, Logger: logger.With(slog.String("component", "rpc"))}
	if strings.TrimSpace(cfg.Auth.Secret) != "" {
		opts.Auth = middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.Secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger)
	} else {
		logger.Warn("auth secret not configured; state-changing RPC methods are disabled")
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"rpc": {RatePerSecond: cfg.RateLimits.RPCPerSecond, Burst: cfg.RateLimits.RPCBurst},
		"ws":  {RatePerSecond: cfg.RateLimits.WSPerSecond, Burst: cfg.RateLimits.WSBurst},
	}, logger)
	limiter.SetRecorder(observability.ModuleMetrics())
	opts.Limiter = limiter
	obs, err := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: serviceName,
		LogRequests: logging.ParseLevel(cfg.Log.Level) <= slog.LevelDebug,
	}, logger)
	if err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}
	opts.Observability = obs

	listener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.RPCAddress, err)
	}
	server := rpc.NewServer(engine, ledger, feed, opts)
	return server.Serve(ctx, listener)
}

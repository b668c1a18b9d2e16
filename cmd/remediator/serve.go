package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/audit"
	"github.com/miradorstack/mirador-remediator/internal/backend/gateway"
	"github.com/miradorstack/mirador-remediator/internal/backend/kube"
	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/correlator"
	"github.com/miradorstack/mirador-remediator/internal/engine"
	"github.com/miradorstack/mirador-remediator/internal/executor"
	"github.com/miradorstack/mirador-remediator/internal/httpapi"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/policy"
	"github.com/miradorstack/mirador-remediator/internal/repo"
	"github.com/miradorstack/mirador-remediator/internal/services"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lifecycle engine with its gRPC, HTTP and metrics listeners",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-remediator",
		slog.String("version", version),
		slog.String("grpc", cfg.Server.Address),
		slog.String("http", cfg.HTTP.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persister, err := openPersister(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	var auditOpts []audit.Option
	if cfg.Storage.Driver != "memory" {
		auditOpts = append(auditOpts, audit.WithCapacity(cfg.Storage.AuditMemoryEntries))
	}
	journal := store.NewJournal(persister, audit.NewLog(auditOpts...))
	defer journal.Close()

	ledger := openLedger(ctx, cfg.Cache, logger)
	defer ledger.Close()

	backend, err := newBackend(cfg.Backend, logger)
	if err != nil {
		return err
	}

	policyCfg, err := policy.LoadFile(cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	gate := policy.NewGate(policyCfg, logger.With(slog.String("component", "policy")))

	corr, err := correlator.New(correlator.Config{
		Window:     cfg.Lifecycle.CorrelationWindow,
		MinSignals: cfg.Lifecycle.MinSignals,
	}, logger.With(slog.String("component", "correlator")))
	if err != nil {
		return fmt.Errorf("correlator: %w", err)
	}

	proposer, err := engine.NewProposer(cfg.Rules.Path, logger)
	if err != nil {
		return fmt.Errorf("load remediation rules: %w", err)
	}

	exec := executor.New(executor.Config{
		MaxRetries:     cfg.Executor.MaxRetries,
		BackoffInitial: cfg.Executor.BackoffInitial,
		BackoffMax:     cfg.Executor.BackoffMax,
		Jitter:         cfg.Executor.Jitter,
		RatePerSecond:  cfg.Executor.RatePerSecond,
		Burst:          cfg.Executor.Burst,
		LedgerTTL:      cfg.Executor.LedgerTTL,
	}, backend, ledger, executor.NewHistory(cfg.Executor.HistoryRetention), logger.With(slog.String("component", "executor")))

	deps := engine.Deps{
		Journal:    journal,
		Store:      store.New(journal, logger.With(slog.String("component", "store"))),
		Correlator: corr,
		Gate:       gate,
		Proposer:   proposer,
		Executor:   exec,
	}
	if cfg.Clients.Core.BaseURL != "" {
		deps.Telemetry = repo.NewMiradorCoreClient(cfg.Clients.Core.BaseURL, cfg.Clients.Core.SignalsPath,
			cfg.Clients.Core.VerifyPath, cfg.Clients.Core.Timeout, logger)
	} else {
		logger.Warn("mirador-core base URL not set; signal scanning and verification disabled")
	}
	if cfg.Clients.RCA.Endpoint != "" {
		deps.Analyzer = repo.NewRCAClient(cfg.Clients.RCA.Endpoint, cfg.Clients.RCA.APIKey, cfg.Clients.RCA.Timeout)
	}

	engineCfg := engine.Config{
		ScanInterval:        cfg.Lifecycle.ScanInterval,
		AnalysisInterval:    cfg.Lifecycle.AnalysisInterval,
		TimeoutInterval:     cfg.Lifecycle.TimeoutInterval,
		VerifyInterval:      cfg.Lifecycle.VerifyInterval,
		ApprovalTimeout:     cfg.Lifecycle.ApprovalTimeout,
		AnalysisTimeout:     cfg.Lifecycle.AnalysisTimeout,
		VerifyTimeout:       cfg.Lifecycle.VerifyTimeout,
		ConfidenceThreshold: cfg.Lifecycle.ConfidenceThreshold,
		Lookback:            cfg.Lifecycle.Lookback,
	}
	if cfg.Policy.Watch {
		engineCfg.PolicyPath = cfg.Policy.Path
	}
	eng := engine.New(engineCfg, deps, logger)
	defer eng.Close()

	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	operator := services.NewOperatorService(logger.With(slog.String("component", "operator")), eng)

	grpcServer, err := api.NewServer(cfg.Server, api.NewHandler(logger, operator), logger.With(slog.String("component", "grpc")))
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}
	httpServer := httpapi.New(cfg.HTTP, operator, logger.With(slog.String("component", "http")))

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		if serveErr := grpcServer.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()
	go func() {
		if serveErr := httpServer.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	runErr := eng.Run(ctx)
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	grpcServer.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	// In-flight executions finish and persist before the journal closes.
	eng.Wait()
	logger.Info("mirador-remediator stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openPersister(ctx context.Context, cfg config.StorageConfig) (store.Persister, error) {
	switch cfg.Driver {
	case "sqlite":
		p, err := repo.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return p, nil
	case "bolt":
		p, err := repo.OpenBolt(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return p, nil
	case "memory":
		return store.NoopPersister{}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// openLedger returns the Valkey ledger when configured and reachable; the
// in-process ledger otherwise.
func openLedger(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		TLS:          cfg.TLS,
	})
	if err != nil {
		logger.Warn("valkey ledger unavailable, falling back to in-process ledger", slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	return provider
}

func newBackend(cfg config.BackendConfig, logger *slog.Logger) (executor.Backend, error) {
	switch cfg.Kind {
	case "kube":
		b, err := kube.NewFromKubeconfig(cfg.Kubeconfig, cfg.Namespace, logger.With(slog.String("component", "kube")))
		if err != nil {
			return nil, fmt.Errorf("kubernetes backend: %w", err)
		}
		return b, nil
	case "gateway":
		return gateway.New(cfg.Gateway.Endpoint, cfg.Gateway.APIKey, cfg.Gateway.Timeout,
			logger.With(slog.String("component", "gateway"))), nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
}

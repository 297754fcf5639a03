package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/mediaflow/internal/downstream"
	"github.com/animus-labs/mediaflow/internal/execution/invoker"
	"github.com/animus-labs/mediaflow/internal/platform/auth"
	"github.com/animus-labs/mediaflow/internal/platform/database"
	"github.com/animus-labs/mediaflow/internal/platform/env"
	"github.com/animus-labs/mediaflow/internal/platform/errtrack"
	"github.com/animus-labs/mediaflow/internal/platform/events"
	"github.com/animus-labs/mediaflow/internal/platform/httpserver"
	"github.com/animus-labs/mediaflow/internal/platform/objectstore"
	"github.com/animus-labs/mediaflow/internal/repo"
	"github.com/animus-labs/mediaflow/internal/repo/memory"
	"github.com/animus-labs/mediaflow/internal/repo/sqlstore"
	"github.com/animus-labs/mediaflow/internal/service/definitions"
	"github.com/animus-labs/mediaflow/internal/service/executions"
	"github.com/animus-labs/mediaflow/internal/service/usage"
)

type stores struct {
	definitions repo.DefinitionRepository
	executions  repo.ExecutionRepository
	outcomes    repo.StepOutcomeRepository
	usage       repo.UsageRepository
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := env.LoadDotenv(); err != nil {
		logger.Error("load .env", "error", err)
		os.Exit(2)
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := serviceConfigFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	trackCfg, err := errtrack.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid error tracking config", "error", err)
		os.Exit(2)
	}
	if err := errtrack.Init(trackCfg, logger); err != nil {
		logger.Error("error tracking init failed", "error", err)
		os.Exit(2)
	}
	defer errtrack.Flush(2 * time.Second)

	var readiness []httpserver.ReadinessCheck
	var st stores
	switch cfg.Store {
	case storeMemory:
		mem := memory.New()
		st = stores{definitions: mem.Definitions(), executions: mem.Executions(), outcomes: mem.Outcomes(), usage: mem.Usage()}
		logger.Warn("using in-memory store; executions are lost on restart")
	default:
		dbCfg, err := database.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		dialect, err := sqlstore.DialectForDriver(dbCfg.Driver)
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := database.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := sqlstore.Migrate(ctx, db, dialect); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		sqlStore := sqlstore.New(db)
		st = stores{definitions: sqlStore.Definitions, executions: sqlStore.Executions, outcomes: sqlStore.Outcomes, usage: sqlStore.Usage}
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name:  "database",
			Check: httpserver.WithTimeout(cfg.DependencyTimeout, db.PingContext),
		})
	}

	var artifacts downstream.ArtifactStore
	if cfg.ArtifactsEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		store, err := objectstore.New(client, storeCfg)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := store.EnsureBucket(startupCtx, storeCfg.Region); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		artifacts = store
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name:  "minio",
			Check: httpserver.WithTimeout(cfg.DependencyTimeout, store.Check),
		})
	}

	downstreamCfg, err := downstream.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid downstream config", "error", err)
		os.Exit(2)
	}
	invokerCfg, err := invoker.ConfigFromEnv(downstreamCfg.Timeouts())
	if err != nil {
		logger.Error("invalid retry config", "error", err)
		os.Exit(2)
	}
	execCfg, err := executions.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid execution config", "error", err)
		os.Exit(2)
	}
	pricing, err := usage.LoadPricing(cfg.PricingFile)
	if err != nil {
		logger.Error("invalid pricing table", "path", cfg.PricingFile, "error", err)
		os.Exit(2)
	}

	stream := events.NewStream(logger)
	defer stream.Close()

	registry := downstream.NewHTTPRegistry(downstreamCfg, downstream.NewHTTPClient(ctx, downstreamCfg.OAuth), artifacts)
	inv, err := invoker.New(registry, invokerCfg, invoker.Options{
		Logger: logger,
		OnAttempt: func(a invoker.Attempt) {
			stream.Publish(a.ExecutionID, events.TypeStepAttempt, executions.AttemptEvent(a))
		},
	})
	if err != nil {
		logger.Error("invoker init failed", "error", err)
		os.Exit(2)
	}

	coordinator, err := executions.New(executions.Stores{
		Definitions: st.definitions,
		Executions:  st.executions,
		Outcomes:    st.outcomes,
	}, inv, usage.NewRecorder(st.usage, pricing, logger), execCfg, executions.Options{
		Logger: logger,
		Events: stream,
	})
	if err != nil {
		logger.Error("coordinator init failed", "error", err)
		os.Exit(2)
	}
	if _, err := coordinator.RecoverOrphans(ctx); err != nil {
		logger.Error("orphan recovery failed", "error", err)
		os.Exit(1)
	}

	api := newPipelinesAPI(logger, definitions.New(st.definitions, logger), coordinator, stream, cfg.MaxRequestBody)
	handler := api.handler(
		auth.NewGatewayHeadersAuthenticator(cfg.AuthSecret),
		httpserver.ReadyzWithChecks(serviceName, readiness...),
	)

	serverCfg := httpserver.Config{
		Service:         serviceName,
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	runErr := httpserver.Run(ctx, logger, serverCfg, handler)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executions interrupted by shutdown", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", runErr)
		os.Exit(1)
	}
}

// Package main is the entry point for the Orchestrator service: it wires
// the repository, executor registry, scheduler, JSON-RPC transport,
// WebSocket streaming hub, and MCP tool surface into a single process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/common/httpmw"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/eventbus"
	"github.com/kandev/orchestrator/internal/mcpserver"
	"github.com/kandev/orchestrator/internal/orchestrator/executor"
	"github.com/kandev/orchestrator/internal/orchestrator/scheduler"
	"github.com/kandev/orchestrator/internal/orchestrator/service"
	"github.com/kandev/orchestrator/internal/task/repository"
	"github.com/kandev/orchestrator/internal/task/repository/postgres"
	"github.com/kandev/orchestrator/internal/task/repository/sqlite"
	"github.com/kandev/orchestrator/internal/transport/rpc"
	"github.com/kandev/orchestrator/internal/transport/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestrator service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, cfg.Persistence)
	if err != nil {
		log.Fatal("failed to open repository", zap.Error(err))
	}
	defer closeRepo()
	log.Info("repository ready", zap.String("driver", cfg.Persistence.Driver))

	bus, err := eventbus.Connect(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer bus.Close()

	registry := executor.NewRegistry(log, cfg.Executor.MaxConcurrent, ctx.Done())
	subprocessStrategy := executor.NewSubprocess(cfg.Executor.SubprocessCommand, cfg.Executor.KillGrace())
	registry.RegisterCustom("subprocess", subprocessStrategy)
	registry.RegisterClaudeCode(subprocessStrategy)
	if cfg.Executor.DockerEnabled {
		dockerStrategy, err := executor.NewDocker(cfg.Executor.DockerHost, cfg.Executor.DockerImage, log)
		if err != nil {
			log.Fatal("failed to initialize docker executor", zap.Error(err))
		}
		defer dockerStrategy.Close()
		registry.RegisterCustom("docker", dockerStrategy)
	}

	wsHub := streaming.NewHub(log)
	go wsHub.Run(ctx)

	broadcaster := service.MultiBroadcaster{streaming.ServiceBroadcaster{Hub: wsHub}, bus}
	svc := service.New(repo, registry, broadcaster, log)

	sched := scheduler.New(repo, svc, log, scheduler.Config{
		SweepInterval:      cfg.Scheduler.SweepInterval(),
		AutoRetryOnTimeout: cfg.Scheduler.AutoRetryOnTimeout,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	mcpSrv, stopMCP, err := mcpserver.Provide(ctx, mcpserver.Config{Port: mcpPort(cfg)}, svc, log)
	if err != nil {
		log.Fatal("failed to start mcp server", zap.Error(err))
	}
	defer stopMCP()
	log.Info("mcp server started", zap.Int("port", mcpSrv.Port()))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log), httpmw.CORS())
	rpc.Register(router, svc, log)

	ws := router.Group("/ws")
	streaming.SetupRoutes(ws, streaming.NewWSHandler(wsHub, log))

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestrator service")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("orchestrator service stopped")
}

// openRepository selects and opens the configured backend, returning a
// cleanup func that closes it (a no-op for errors surfaced before open).
func openRepository(ctx context.Context, cfg config.PersistenceConfig) (repository.Repository, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		repo, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, func() {}, err
		}
		return repo, func() { repo.Close() }, nil
	case "postgres":
		repo, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, func() {}, err
		}
		return repo, func() { repo.Close() }, nil
	default:
		repo := repository.NewMemoryRepository()
		return repo, func() { repo.Close() }, nil
	}
}

// mcpPort binds the MCP tool surface one port above the main HTTP server,
// keeping both transports on predictable adjacent ports; it falls back to
// 9090 when no server port is set.
func mcpPort(cfg *config.Config) int {
	if cfg.Server.Port == 0 {
		return 9090
	}
	return cfg.Server.Port + 1
}

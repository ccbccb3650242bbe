// Package main is the entry point for the standalone MCP server binary.
// mcp-server exposes the orchestrator's tool surface to MCP-compatible
// clients (Claude Desktop, Cursor, Codex) without the JSON-RPC/WebSocket
// surface cmd/orchestrator also serves — useful when a single operator
// wants tool access against a local SQLite store with no network-facing
// dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/mcpserver"
	"github.com/kandev/orchestrator/internal/orchestrator/executor"
	"github.com/kandev/orchestrator/internal/orchestrator/scheduler"
	"github.com/kandev/orchestrator/internal/orchestrator/service"
	"github.com/kandev/orchestrator/internal/task/repository"
	"github.com/kandev/orchestrator/internal/task/repository/sqlite"
)

var (
	portFlag  = flag.Int("port", 9090, "MCP server port")
	dbFlag    = flag.String("db", "./orchestrator.db", "sqlite database path ('memory' for in-memory)")
	logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat = flag.String("log-format", "text", "log format (text, json)")
)

func main() {
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("MCP_LOG_LEVEL", *logLevel),
		Format:     getEnvOrFlag("MCP_LOG_FORMAT", *logFormat),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dbPath := getEnvOrFlag("MCP_DB_PATH", *dbFlag)
	port := getEnvIntOrFlag("MCP_PORT", *portFlag)

	repo, closeRepo, err := openRepository(dbPath)
	if err != nil {
		log.Error("failed to open repository", zap.Error(err))
		os.Exit(1)
	}
	defer closeRepo()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := executor.NewRegistry(log, 5, ctx.Done())
	subprocessStrategy := executor.NewSubprocess("cat", 5*time.Second)
	registry.RegisterCustom("subprocess", subprocessStrategy)
	registry.RegisterClaudeCode(subprocessStrategy)

	svc := service.New(repo, registry, nil, log)

	sched := scheduler.New(repo, svc, log, scheduler.Config{})
	if err := sched.Start(ctx); err != nil {
		log.Error("failed to start scheduler", zap.Error(err))
		os.Exit(1)
	}
	defer sched.Stop()

	srv, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: port}, svc, log)
	if err != nil {
		log.Error("failed to start mcp server", zap.Error(err))
		os.Exit(1)
	}

	log.Info("mcp server started", zap.Int("port", srv.Port()))
	fmt.Printf("orchestrator mcp server running on :%d\n", srv.Port())
	fmt.Printf("sse endpoint: /sse (Claude Desktop, Cursor)\n")
	fmt.Printf("streamable http endpoint: /mcp (Codex)\n")

	waitForShutdown(log, func() {
		if err := cleanup(); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	})
}

func openRepository(path string) (repository.Repository, func(), error) {
	if path == "memory" || path == "" {
		repo := repository.NewMemoryRepository()
		return repo, func() { repo.Close() }, nil
	}
	repo, err := sqlite.Open(path)
	if err != nil {
		return nil, func() {}, err
	}
	return repo, func() { repo.Close() }, nil
}

func waitForShutdown(log *logger.Logger, cleanup func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mcp-server")
	cleanup()
	log.Info("mcp-server stopped")
}

func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

func getEnvIntOrFlag(envKey string, flagValue int) int {
	if v := os.Getenv(envKey); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return flagValue
}

// Package main is the vibekan gateway entry point. One binary runs the task
// store, the execution engine, the host registry, and the WebSocket gateway
// with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vibekan/vibekan/internal/agent/adapter"
	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/common/tracing"
	"github.com/vibekan/vibekan/internal/engine"
	"github.com/vibekan/vibekan/internal/eventlog"
	"github.com/vibekan/vibekan/internal/events/bus"
	gateway "github.com/vibekan/vibekan/internal/gateway/websocket"
	"github.com/vibekan/vibekan/internal/host"
	"github.com/vibekan/vibekan/internal/subscription"
	"github.com/vibekan/vibekan/internal/task/handlers"
	"github.com/vibekan/vibekan/internal/task/store"
	"github.com/vibekan/vibekan/internal/worktree"
	ws "github.com/vibekan/vibekan/pkg/websocket"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 2
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting vibekan gateway", zap.String("version", version))

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		log.Error("Failed to create data directory", zap.String("dir", cfg.Data.Dir), zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Error("Failed to connect to NATS", zap.Error(err))
			return 1
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Persistent state
	tasks, err := store.NewSQLiteStore(cfg.Data.TasksDBPath(), log)
	if err != nil {
		log.Error("Failed to open task store", zap.Error(err))
		return 1
	}
	defer tasks.Close()

	eventLog, err := eventlog.New(cfg.Data.ExecutionsDBPath(), log)
	if err != nil {
		log.Error("Failed to open event log", zap.Error(err))
		return 1
	}
	defer eventLog.Close()

	worktrees, err := worktree.New(cfg.Worktree, cfg.Data.WorktreesDBPath(), log)
	if err != nil {
		log.Error("Failed to initialize worktree manager", zap.Error(err))
		return 1
	}
	defer worktrees.Close()

	// Core services
	hosts := host.NewRegistry(cfg.Hosts, eventBus, log)
	subs := subscription.NewManager(eventLog, eventBus, log)
	adapters := adapter.NewFactory(cfg.Agent, log)

	eng := engine.New(cfg.Agent, engine.Deps{
		Tasks:     tasks,
		Log:       eventLog,
		Hosts:     hosts,
		Worktrees: worktrees,
		Adapters:  adapters,
		Subs:      subs,
		Bus:       eventBus,
	}, log)

	// Crash recovery runs before the API accepts traffic: interrupted
	// executions are closed out as failed, their tasks return to todo, and
	// orphaned worktrees are removed.
	if err := eng.Recover(ctx); err != nil {
		log.Error("Recovery failed", zap.Error(err))
		return 1
	}

	// WebSocket gateway
	dispatcher := ws.NewDispatcher()
	hub := gateway.NewHub(dispatcher, subs, log)
	wsHandler := gateway.NewHandler(hub, log)
	hostHandler := gateway.NewHostHandler(hosts, log)
	notifier := gateway.NewNotifier(hub, tasks, eventBus, log)

	api := handlers.NewHandler(tasks, eng, eventLog, hosts, cfg, version, log)
	api.RegisterActions(dispatcher)

	// HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(log))

	router.GET("/ws", wsHandler.HandleWebSocket)
	router.GET("/ws/host", hostHandler.HandleWebSocket)
	api.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return notifier.Run(gctx)
	})
	g.Go(func() error {
		hosts.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("host_channel", "/ws/host"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case <-gctx.Done():
		log.Error("Service failed", zap.Error(gctx.Err()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Abort in-flight executions; recovery marks anything unfinished as
	// failed on the next boot.
	eng.Shutdown(shutdownCtx)

	cancel()
	if err := g.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown error", zap.Error(err))
	}

	log.Info("vibekan stopped")
	return 0
}

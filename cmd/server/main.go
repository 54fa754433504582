// Agent Bridge - chat gateway to the OpenCode agent backend
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

	"github.com/ashureev/agent-bridge/internal/agent"
	"github.com/ashureev/agent-bridge/internal/api"
	"github.com/ashureev/agent-bridge/internal/config"
	"github.com/ashureev/agent-bridge/internal/container"
	"github.com/ashureev/agent-bridge/internal/domain"
	"github.com/ashureev/agent-bridge/internal/middleware"
	"github.com/ashureev/agent-bridge/internal/opencode"
	"github.com/ashureev/agent-bridge/internal/probe"
	"github.com/ashureev/agent-bridge/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "backend_mode", cfg.Backend.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Session slot.
	slot, err := store.New(ctx, store.Type(cfg.SessionStore.Type), store.RedisConfig{
		Addr:     cfg.SessionStore.RedisAddr,
		Password: cfg.SessionStore.RedisPassword,
		DB:       cfg.SessionStore.RedisDB,
		TTL:      2 * cfg.Chat.SessionTTL,
	})
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := slot.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	slog.Info("Session store ready", "type", cfg.SessionStore.Type)

	// Embedded backend launcher (optional).
	var launcher *container.DockerLauncher
	mode := opencode.Mode(cfg.Backend.Mode)
	if mode != opencode.ModeClient {
		if config.IsContainer() {
			slog.Warn("Running inside a container; an embedded backend is published on the host loopback and may not be reachable")
		}
		launcher, err = container.NewDockerLauncher(container.LauncherConfig{
			Image:         cfg.Backend.Image,
			ContainerName: cfg.Backend.ContainerName,
			HostPort:      cfg.Backend.Port,
			DefaultModel:  cfg.Chat.DefaultModel,
			Runtime:       cfg.Backend.ContainerRuntime,
		})
		if err != nil {
			if mode == opencode.ModeEmbedded {
				slog.Error("Failed to initialize embedded backend launcher", "error", err)
				os.Exit(1)
			}
			slog.Warn("Docker unavailable, embedded fallback disabled", "error", err)
			launcher = nil
		} else {
			defer func() {
				if closeErr := launcher.Close(); closeErr != nil {
					slog.Warn("Failed to close docker client", "error", closeErr)
				}
			}()
		}
	}

	var backendLauncher opencode.Launcher
	if launcher != nil {
		backendLauncher = launcher
	}
	connector := opencode.NewConnector(opencode.ConnectorConfig{
		Mode:           mode,
		ServerURL:      cfg.Backend.ServerURL,
		StartTimeout:   cfg.Backend.StartTimeout,
		RequestTimeout: cfg.Backend.RequestTimeout,
	}, backendLauncher, logger)

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	defaults := agent.DefaultConfig()
	agentService := agent.NewService(connector, slot, agent.Config{
		DefaultModel: domain.ParseModelRef(cfg.Chat.DefaultModel, defaults.DefaultModel),
		DefaultAgent: cfg.Chat.DefaultAgent,
		ModelAliases: cfg.Chat.ModelAliases,
		SessionTitle: cfg.Chat.SessionTitle,
		SessionTTL:   cfg.Chat.SessionTTL,
		Poll: agent.PollConfig{
			InitialDelay: cfg.Poll.InitialDelay,
			BaseDelay:    cfg.Poll.BaseDelay,
			Step:         cfg.Poll.Step,
			MaxDelay:     cfg.Poll.MaxDelay,
			Deadline:     cfg.Poll.Deadline,
		},
		StreamMaxAttempts:   cfg.Chat.StreamMaxAttempts,
		AcceptReasoningOnly: cfg.Chat.AcceptReasoningOnly,
	}, conversationLogger)

	prober := probe.NewWorker(connector, cfg.Probe.Interval, cfg.Backend.StartTimeout+cfg.Backend.RequestTimeout)
	go prober.Run(ctx)
	slog.Info("Backend probe started", "interval", cfg.Probe.Interval)

	if cfg.Probe.GRPCAddr != "" {
		go func() {
			if err := prober.Serve(ctx, cfg.Probe.GRPCAddr); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Initialize handlers.
	agentHandler := agent.NewHandler(agentService, cfg)
	defer agentHandler.Close()
	apiHandler := api.NewHandler(prober, agentService, slot, cfg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	apiHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)

	// Create server.
	// Note: streaming responses can outlive any fixed write timeout; the poll
	// deadline bounds each request instead.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if launcher != nil {
		if err := launcher.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to stop embedded backend", "error", err)
		}
	}

	slog.Info("Server stopped successfully")
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/craftsite/previewhub/internal/audit"
	"github.com/craftsite/previewhub/internal/auth"
	"github.com/craftsite/previewhub/internal/config"
	"github.com/craftsite/previewhub/internal/inspect"
	"github.com/craftsite/previewhub/internal/preview"
	"github.com/craftsite/previewhub/internal/proxy"
	"github.com/craftsite/previewhub/internal/server"
	"github.com/craftsite/previewhub/internal/sourcehost"
	"github.com/craftsite/previewhub/internal/store"
)

func main() {
	var configPath = flag.String("config", "previewhub.yaml", "Path to YAML config file")
	var listenAddr = flag.String("listen", "", "Listen address override")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	logger.Info("Starting previewhub")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("Could not load config file, using defaults", "path", *configPath, "error", err)
		cfg = config.Default()
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if cfg.AuthSecret == "" {
		// Ephemeral secret: only tokens minted by this process will verify.
		cfg.AuthSecret = uuid.New().String()
		logger.Warn("No auth_secret configured, generated an ephemeral one")
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(os.TempDir(), "previewhub-workspaces")
	}

	db := sqlx.MustConnect("sqlite3", cfg.DatabasePath)

	projectStore, err := store.NewProjectStore(db)
	if err != nil {
		logger.Error("Failed to initialize project store", "error", err)
		os.Exit(1)
	}

	auditLogger, err := audit.NewLogger(db)
	if err != nil {
		logger.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	logger.Info("Audit logger initialized")

	allocator, err := preview.NewPortAllocator(cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		logger.Error("Failed to create port allocator", "error", err)
		os.Exit(1)
	}

	sourceClient := sourcehost.NewClient(cfg.SourceHost.BaseURL, cfg.SourceHost.Token)
	workspace := preview.NewWorkspaceSync(projectStore, sourceClient, logger)

	supervisor := preview.NewProcessSupervisor(preview.SupervisorConfig{
		InstallCommand: cfg.InstallCommand,
		ServeCommand:   cfg.ServeCommand,
		ReadyTimeout:   time.Duration(cfg.ReadyTimeoutSeconds) * time.Second,
		Logger:         logger,
	})

	registry, err := preview.NewPreviewRegistry(preview.RegistryConfig{
		Allocator:     allocator,
		Workspace:     workspace,
		Supervisor:    supervisor,
		Audit:         auditLogger,
		Logger:        logger,
		WorkspaceRoot: cfg.WorkspaceRoot,
		ProxyBase:     cfg.ProxyBase,
	})
	if err != nil {
		logger.Error("Failed to create preview registry", "error", err)
		os.Exit(1)
	}

	verifier := auth.NewVerifier(cfg.AuthSecret)
	tracker := proxy.NewRouteTracker()
	gateway := proxy.NewGateway(cfg.ProxyBase, registry, verifier, tracker, logger)
	renderer := inspect.NewRenderer(registry, tracker, logger)

	srv := server.New(server.Config{
		Registry:           registry,
		Tracker:            tracker,
		Renderer:           renderer,
		Gateway:            gateway,
		Verifier:           verifier,
		Logger:             logger,
		ProxyBase:          cfg.ProxyBase,
		StartRatePerMinute: cfg.StartRatePerMinute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping server", "error", err)
		}

		// Tear down every live preview so no dev servers outlive the hub.
		for _, inst := range registry.ListAll() {
			if err := registry.Stop(shutdownCtx, inst.ID); err != nil {
				logger.Error("Error stopping preview instance", "instanceID", inst.ID, "error", err)
			}
		}

		cancel()
	}()

	if err := srv.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("previewhub shutdown complete")
}

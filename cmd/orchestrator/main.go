// Command orchestrator runs the multi-agent control plane: durable state,
// gateway connection, agent lifecycle, team orchestration, and the HTTP
// control surface.
//
// Exit codes: 0 normal shutdown, 1 unrecoverable init failure, 2 startup
// recovery produced unrecoverable errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/agent/lifecycle"
	"github.com/openclaw/orchestrator/internal/common/clock"
	"github.com/openclaw/orchestrator/internal/common/config"
	"github.com/openclaw/orchestrator/internal/common/httpmw"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/db"
	"github.com/openclaw/orchestrator/internal/events/bus"
	"github.com/openclaw/orchestrator/internal/gateway"
	"github.com/openclaw/orchestrator/internal/orchestrator"
	"github.com/openclaw/orchestrator/internal/orchestrator/api"
	"github.com/openclaw/orchestrator/internal/state"
	"github.com/openclaw/orchestrator/internal/tracing"
)

const (
	exitOK           = 0
	exitInitFailure  = 1
	exitRecoveryFail = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to config.yaml (default: working dir, /etc/openclaw)")
		teamsPath  = flag.String("teams", "", "optional YAML file of teams to create at startup")
	)
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitInitFailure
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitInitFailure
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting orchestrator...")

	tracing.Init()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the durable store and run migrations
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Error("Failed to open database", zap.Error(err))
		return exitInitFailure
	}
	defer func() { _ = pool.Close() }()

	states := state.NewManager(pool, clock.System{}, cfg.State, log)
	if err := states.InitSchema(ctx); err != nil {
		log.Error("Failed to initialize schema", zap.Error(err))
		return exitInitFailure
	}
	log.Info("Database ready", zap.String("driver", pool.DriverName()))

	// 4. Event bus (in-memory unless nats.url is configured)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Error("Failed to connect event bus", zap.Error(err))
		return exitInitFailure
	}
	defer eventBus.Close()

	// 5. Gateway connection. In strict mode an unreachable gateway is fatal;
	// otherwise the client keeps reconnecting in the background.
	gw := gateway.NewClient(cfg.Gateway, eventBus, log)
	if err := gw.Start(ctx); err != nil {
		log.Error("Failed to connect to gateway", zap.Error(err))
		return exitInitFailure
	}
	defer gw.Close()

	// 6. Startup recovery: reconcile whatever the previous process left
	// behind before accepting new work.
	report, err := states.RecoverAll(ctx, eventBus)
	if err != nil {
		log.Error("Recovery failed", zap.Error(err))
		return exitRecoveryFail
	}
	log.Info("Recovery complete",
		zap.Int("teams", report.TeamsRecovered),
		zap.Int("agents", report.AgentsRecovered),
		zap.Int("sessions", report.SessionsRecovered),
		zap.Int("errors", len(report.Errors)))
	if len(report.Errors) > 0 {
		for _, msg := range report.Errors {
			log.Error("Recovery error", zap.String("detail", msg))
		}
		return exitRecoveryFail
	}

	// 7. Lifecycle and team orchestration
	agents := lifecycle.NewManager(states, gw, eventBus, clock.System{}, cfg.Lifecycle, cfg.Gateway.Required, log)
	if err := agents.Start(); err != nil {
		log.Error("Failed to start lifecycle manager", zap.Error(err))
		return exitInitFailure
	}
	defer agents.Stop()

	teams := orchestrator.NewService(states, agents, eventBus, clock.System{}, cfg.Orchestrator, log)
	if err := teams.Start(); err != nil {
		log.Error("Failed to start orchestrator", zap.Error(err))
		return exitInitFailure
	}

	// 8. Optional team bootstrap
	if *teamsPath != "" {
		if err := bootstrapTeams(ctx, teams, *teamsPath, log); err != nil {
			log.Error("Team bootstrap failed", zap.Error(err))
			return exitInitFailure
		}
	}

	// 9. HTTP control surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log), httpmw.RequestLogger(log), httpmw.CORS())
	api.SetupRoutes(router.Group("/api/v1"), teams, agents, states, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 10. Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
		return exitInitFailure
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Graceful stop checkpoints every live team.
	teams.Stop(shutdownCtx)

	log.Info("Orchestrator stopped")
	return exitOK
}

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/config"
	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/handler"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "workflows",
		Short:         "Workflow and approval orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and gRPC servers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd.Context(), configPath)
			},
		},
		seedCommand(&configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func seedCommand(configPath *string) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Create (and optionally activate) definitions from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), *configPath, tenantID, args[0])
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant the definitions belong to")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// ── Bootstrap ─────────────────────────────────────────────────────────────────

type app struct {
	cfg   *config.Config
	log   *logger.Logger
	store repository.Store
	db    *database.DB
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	a := &app{cfg: cfg, log: log}
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
		a.store = repository.NewMemoryStore()
	default:
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.DSN(),
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connection established")
		a.db = db
		a.store = repository.NewPostgresStore(db)
	}
	return a, nil
}

func runMigrate(ctx context.Context, configPath string) error {
	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.db == nil {
		return fmt.Errorf("migrate requires the %s storage driver", config.StorageDriverPostgres)
	}
	if err := repository.Migrate(ctx, a.db); err != nil {
		return err
	}
	a.log.Info().Msg("Migrations applied")
	return nil
}

func runSeed(ctx context.Context, configPath, tenantID, path string) error {
	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	seed, err := repository.LoadSeedFile(path)
	if err != nil {
		return err
	}
	defs, err := service.NewDefinitionService(a.store, a.log).ApplySeed(ctx, tenantID, seed)
	for _, def := range defs {
		a.log.Info().
			Str("code", def.Code).
			Int("version", def.Version).
			Str("status", string(def.Status)).
			Msg("Seeded workflow definition")
	}
	return err
}

// drainer is the part of *nats.Conn used at shutdown.
type drainer interface {
	Drain() error
}

// drainNATS flushes pending publishes before the connection closes.
func drainNATS(nc drainer, log *logger.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
	}
}

// ── Serve ─────────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, configPath string) error {
	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.log

	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting Workflows Service")

	if a.db != nil {
		if err := repository.Migrate(ctx, a.db); err != nil {
			return err
		}
	}

	// Integration gateway and assignment notifications
	var gateway service.Gateway = service.NopGateway{}
	var notifier service.Notifier = service.NopNotifier{}
	if cfg.NATS.Enabled {
		nc, err := client.Connect(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			return err
		}
		defer drainNATS(nc, log)
		gateway = client.NewNATSGateway(nc, cfg.NATS.SubjectPrefix, log)
		notifier = client.NewNotificationPublisher(nc, cfg.NATS.NotificationPrefix, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS integration gateway connected")
	}

	// Services
	definitions := service.NewDefinitionService(a.store, log)
	instances := service.NewInstanceService(a.store, a.store, gateway, log, service.WithNotifier(notifier))
	tasks := service.NewTaskQueue(a.store)
	approvals := service.NewApprovalChainService(a.store, a.store, gateway, log, service.WithNotifier(notifier))

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(cfg.Service.Name))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("HTTP request")
			return nil
		},
	}))
	e.GET("/health", func(c echo.Context) error {
		if a.db != nil {
			if err := a.db.Ping(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	handler.NewHTTPHandler(definitions, instances, tasks, approvals, log).Register(e.Group("/api/v1"))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.LoggingInterceptor(log.Component("grpc")),
		handler.IdentityInterceptor,
	))
	handler.RegisterWorkflowServiceServer(grpcServer, handler.NewGRPCHandler(instances, tasks, approvals, log))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/api"
	"github.com/PaulBabatuyi/casevault/internal/audit"
	"github.com/PaulBabatuyi/casevault/internal/config"
	"github.com/PaulBabatuyi/casevault/internal/database"
	"github.com/PaulBabatuyi/casevault/internal/grpcserver"
	"github.com/PaulBabatuyi/casevault/internal/observability"
	"github.com/PaulBabatuyi/casevault/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health service and metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.InitLogger(cfg.Server.Dev)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	var tp *sdktrace.TracerProvider
	if cfg.Tracing.Enabled {
		if tp, err = observability.InitTracerProvider(ctx, logger); err != nil {
			return err
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownTracerProvider(shutdownCtx, tp, logger)
	}()

	grpcMetrics, err := observability.InitMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	storageMetrics, err := observability.NewStorageMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init storage metrics: %w", err)
	}

	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}
	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	eng, err := newEngine(ctx, cfg, logger, storageMetrics)
	if err != nil {
		return err
	}
	defer eng.Close()

	sinks := audit.Multi{audit.NewLogSink(logger)}
	if cfg.Audit.NATSURL != "" {
		ns, err := audit.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.Subject, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}

	grpcSrv := grpcserver.New(logger, grpcMetrics)

	var prober *worker.Prober
	if eng.adapter != nil {
		prober = worker.NewProber(&worker.ProberConfig{
			Checker:      eng.adapter,
			PollInterval: cfg.ObjectStore.ProbeInterval,
			OnChange:     grpcSrv.SetStorageServing,
		}, logger)
		prober.Start(ctx)
		defer prober.Stop()
	} else {
		logger.Warn("no object store configured, running on local disk only")
		grpcSrv.SetStorageServing(true)
	}

	if !cfg.Server.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(eng.manager, db, sinks, logger)
	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: api.NewRouter(handler, api.RouterConfig{
			APIKeys:        cfg.Server.APIKeys,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	observability.StartMetricsServer(ctx, cfg.Server.MetricsAddr, grpcMetrics.GetHandler(), logger)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcSrv.Stop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

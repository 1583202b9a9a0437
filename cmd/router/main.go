// Command router runs the alerts.triggered.> consumer: it enforces the
// dedupe/cooldown state machine and fans a triggered match out to every
// channel bound to its alert instance.
package main

import (
	"context"
	"database/sql"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	_ "github.com/lib/pq"

	"github.com/chainalert/runtime/internal/config"
	"github.com/chainalert/runtime/internal/health"
	"github.com/chainalert/runtime/internal/sentryutil"
	"github.com/chainalert/runtime/internal/telemetry"
	"github.com/chainalert/runtime/pkg/audit"
	"github.com/chainalert/runtime/pkg/bus"
	"github.com/chainalert/runtime/pkg/kv"
	"github.com/chainalert/runtime/pkg/router"
)

const serviceName = "router"

func main() {
	config.LoadDotEnv()

	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(err)
	}

	if err := telemetry.InitGlobalLogger(&telemetry.LogConfig{
		Level:  telemetry.LogLevel(cfg.LogLevel),
		Format: "json",
		Output: cfg.LogOutput,
	}); err != nil {
		panic(err)
	}
	logger := telemetry.GetContextualLogger(context.Background()).WithField("service", serviceName)

	if err := sentryutil.Init(cfg); err != nil {
		logger.Warnf("sentry initialization failed: %v", err)
	}
	defer sentryutil.Flush(2 * time.Second)

	otelProvider, err := telemetry.NewProvider(telemetry.DefaultConfig(serviceName))
	if err != nil {
		logger.Warnf("opentelemetry initialization failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisCfg, err := kv.ConfigFromURL(cfg.RedisURL)
	if err != nil {
		logger.Errorf("invalid REDIS_URL: %v", err)
		os.Exit(1)
	}
	store, err := kv.NewRedisStore(ctx, redisCfg)
	if err != nil {
		logger.Errorf("failed to connect to redis: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	var auditStore audit.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Errorf("failed to open audit database: %v", err)
			os.Exit(1)
		}
		defer db.Close()
		if _, err := db.ExecContext(ctx, audit.Schema()); err != nil {
			logger.Errorf("failed to apply audit schema: %v", err)
			os.Exit(1)
		}
		auditStore = audit.NewPostgresStore(db)
	} else {
		logger.Warnf("DATABASE_URL not set, delivery audit trail disabled")
	}

	natsBus, err := bus.Connect(ctx, bus.Config{
		URL:         cfg.NATSURL,
		StreamName:  cfg.NATSStreamName,
		Subjects:    []string{"alerts.triggered.>", "notifications.send.immediate.>"},
		ConnectName: serviceName,
	})
	if err != nil {
		logger.Errorf("failed to connect to nats: %v", err)
		os.Exit(1)
	}
	defer natsBus.Close()

	routerCfg := router.DefaultConfig()
	routerCfg.Concurrency = int64(cfg.RouterConcurrency)
	routerCfg.DedupeTTL = cfg.DedupeTTL
	r := router.New(natsBus, store, auditStore, routerCfg)

	healthSrv := health.NewServer()
	healthSrv.Register("redis", func(ctx context.Context) error {
		_, err := store.Exists(ctx, "healthcheck")
		return err
	})

	grpcServer := grpc.NewServer()
	healthSrv.RegisterGRPC(grpcServer)
	httpApp := healthSrv.HTTPApp()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("router starting")
		return r.Run(groupCtx)
	})

	group.Go(func() error {
		logger.Infof("http health server listening on %s", cfg.HealthAddr)
		if err := httpApp.Listen(cfg.HealthAddr); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	group.Go(func() error {
		listener, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return err
		}
		logger.Infof("grpc health server listening on %s", listener.Addr())
		return grpcServer.Serve(listener)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpApp.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warnf("http health server shutdown error: %v", err)
		}
		grpcServer.GracefulStop()
		if otelProvider != nil {
			_ = otelProvider.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Errorf("router exited with error: %v", err)
		os.Exit(1)
	}
	logger.Infof("router stopped")
}

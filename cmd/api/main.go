package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"qrguard-lab/internal/api"
	"qrguard-lab/internal/api/handlers"
	apimiddleware "qrguard-lab/internal/api/middleware"
	"qrguard-lab/internal/config"
	"qrguard-lab/internal/domain/services"
	grpcserver "qrguard-lab/internal/grpc/qrguard"
	"qrguard-lab/internal/infrastructure/audit"
	"qrguard-lab/internal/infrastructure/cache"
	"qrguard-lab/internal/infrastructure/database"
	"qrguard-lab/internal/infrastructure/qrdecode"
	"qrguard-lab/internal/streaming"
	"qrguard-lab/pkg/logger"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		TimeFormat: cfg.Logger.TimeFormat,
	})
	logger.SetGlobal(log)

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Str("version", cfg.App.Version).
		Msg("starting QRGuard Lab")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize infrastructure
	db, redisCache := initInfrastructure(ctx, cfg, log)
	defer func() {
		if db != nil {
			db.Close()
		}
		if redisCache != nil {
			_ = redisCache.Close()
		}
	}()

	var natsPublisher *streaming.NATSPublisher
	if cfg.NATS.Enabled {
		natsPublisher, err = streaming.NewNATSPublisher(ctx, cfg.NATS, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to NATS, continuing without decision streaming")
			natsPublisher = nil
		} else {
			defer natsPublisher.Close()
		}
	}

	// Audit trail
	auditLog, auditReader, closeAudit, err := initAudit(ctx, cfg, db, redisCache, natsPublisher, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audit log")
	}
	defer closeAudit()

	// Risk model
	modelState := services.LoadModelState(cfg.Model.Path, log)
	if u, ok := modelState.(services.Unavailable); ok {
		log.Warn().Str("reason", u.Reason).Msg("risk model unavailable, MEDIUM UPI verdicts stay WARN")
	}
	policy := services.DefaultEscalationPolicy()
	policy.AllowDowngrade = cfg.Model.AllowDowngrade
	scorer := services.NewMLScorer(modelState, policy, log)

	// Live decision feed
	eventBus := streaming.NewEventBus(natsPublisher, log)
	defer eventBus.Close()
	wsHub := streaming.NewWebSocketHub(log)
	go wsHub.Run(ctx)
	go wsHub.Forward(ctx, decisionFeed(ctx, eventBus, natsPublisher, log))

	svcOpts := services.QRSecurityOptions{
		MaxBatchSize:     cfg.Scan.MaxBatchSize,
		BatchConcurrency: cfg.Scan.BatchConcurrency,
	}
	if redisCache != nil {
		svcOpts.Cache = redisCache
	}
	qrService := services.NewQRSecurityService(services.EngineDeps{
		Decoder:   qrdecode.New(int64(cfg.Scan.MaxImageBytes), log),
		Model:     scorer,
		Audit:     auditLog,
		Observers: []services.DecisionObserver{streaming.NewDecisionPublisher(eventBus)},
		Logger:    log,
	}, svcOpts)
	log.Info().
		Bool("model_loaded", qrService.ModelAvailable()).
		Strs("audit_sinks", auditLog.Names()).
		Msg("QR security service initialized")

	h := handlers.NewHandlers(handlers.Dependencies{
		Service:      qrService,
		Cache:        redisCache,
		DB:           db,
		Audit:        auditReader,
		Version:      cfg.App.Version,
		MaxBodyBytes: 2 * int64(cfg.Scan.MaxImageBytes),
		Logger:       log,
	})

	var rateStore apimiddleware.RateLimitStore
	if redisCache != nil {
		rateStore = redisCache
	}
	router := api.NewRouter(*cfg, h, rateStore, wsHub.ServeWebSocket, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gRPC listener")
	}

	grpcServer := grpc.NewServer()
	healthDeps := make(map[string]grpcserver.Pinger)
	if db != nil {
		healthDeps["postgres"] = db
	}
	if redisCache != nil {
		healthDeps["redis"] = redisCache
	}
	healthChecker := grpcserver.RegisterHealthServer(grpcServer, healthDeps, 0, log)
	go healthChecker.Run(ctx)

	go func() {
		log.Info().
			Str("addr", grpcListener.Addr().String()).
			Msg("starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	grpcServer.GracefulStop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("shutdown complete")
}

// initInfrastructure connects the optional backing stores. Failures are
// logged and the store is left nil; decisions never depend on them.
func initInfrastructure(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.PostgresDB, *cache.RedisCache) {
	var db *database.PostgresDB
	if cfg.Database.Enabled {
		var err error
		db, err = database.NewPostgres(ctx, cfg.Database, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to PostgreSQL, continuing without database")
			db = nil
		}
	}

	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		var err error
		redisCache, err = cache.NewRedis(ctx, cfg.Redis, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, continuing without cache")
			redisCache = nil
		}
	}

	return db, redisCache
}

// initAudit assembles the audit fan-out. The JSONL file is mandatory; the
// other sinks join when their backend is available. The returned reader is
// the queryable store backing GET /api/v1/qr/audit, or nil.
func initAudit(
	ctx context.Context,
	cfg *config.Config,
	db *database.PostgresDB,
	redisCache *cache.RedisCache,
	natsPublisher *streaming.NATSPublisher,
	log *logger.Logger,
) (*audit.Multi, handlers.AuditReader, func(), error) {
	var (
		sinks   []audit.NamedSink
		reader  handlers.AuditReader
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	fileSink, err := audit.OpenFileSink(cfg.Audit.FilePath)
	if err != nil {
		return nil, nil, nil, err
	}
	closers = append(closers, func() { _ = fileSink.Close() })
	sinks = append(sinks, audit.NamedSink{Name: "file", Sink: fileSink})
	log.Info().Str("path", fileSink.Path()).Msg("audit log opened")

	if cfg.Audit.SQLitePath != "" {
		sqliteSink, err := openSQLiteSink(ctx, cfg.Audit.SQLitePath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Audit.SQLitePath).Msg("sqlite audit sink disabled")
		} else {
			closers = append(closers, func() { _ = sqliteSink.Close() })
			sinks = append(sinks, audit.NamedSink{Name: "sqlite", Sink: sqliteSink})
			reader = sqliteSink
		}
	}

	if cfg.Audit.Postgres && db != nil {
		if err := db.Migrate(ctx, audit.PostgresSchema...); err != nil {
			log.Warn().Err(err).Msg("postgres audit sink disabled")
		} else {
			pgSink := audit.NewPostgresSink(db.Pool())
			sinks = append(sinks, audit.NamedSink{Name: "postgres", Sink: pgSink})
			reader = pgSink
		}
	}

	if cfg.Audit.RedisStream != "" && redisCache != nil {
		sinks = append(sinks, audit.NamedSink{
			Name: "redis-stream",
			Sink: audit.NewRedisStreamSink(redisCache, cfg.Audit.RedisStream, cfg.Audit.RedisMaxLen),
		})
	}

	if cfg.Audit.NATS && natsPublisher != nil {
		sinks = append(sinks, audit.NamedSink{
			Name: "nats",
			Sink: audit.NewPublisherSink(natsPublisher, natsPublisher.AuditSubject()),
		})
	}

	return audit.NewMulti(log, sinks...), reader, closeAll, nil
}

// decisionFeed picks the event source for WebSocket clients: JetStream when
// connected, so every instance's decisions are visible, else the local bus.
func decisionFeed(ctx context.Context, bus *streaming.EventBus, natsPublisher *streaming.NATSPublisher, log *logger.Logger) <-chan *streaming.DecisionEvent {
	if natsPublisher != nil {
		remote, err := natsPublisher.Subscribe(ctx, nil)
		if err == nil {
			return remote
		}
		log.Warn().Err(err).Msg("NATS subscription failed, serving local decisions only")
	}
	local, unsubscribe := bus.Subscribe(nil)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return local
}

func openSQLiteSink(ctx context.Context, path string) (*audit.SQLiteSink, error) {
	sqliteDB, err := audit.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	sink, err := audit.NewSQLiteSink(ctx, sqliteDB)
	if err != nil {
		_ = sqliteDB.Close()
		return nil, err
	}
	return sink, nil
}

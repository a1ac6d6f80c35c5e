package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"apkscore-lab/internal/api"
	"apkscore-lab/internal/api/handlers"
	"apkscore-lab/internal/config"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/internal/grpc/health"
	"apkscore-lab/internal/infrastructure/cache"
	"apkscore-lab/internal/infrastructure/database"
	"apkscore-lab/internal/infrastructure/database/repository"
	"apkscore-lab/internal/infrastructure/graph"
	"apkscore-lab/internal/streaming"
	"apkscore-lab/pkg/logger"
)

func main() {
	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		TimeFormat: cfg.Logger.TimeFormat,
	})

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Str("version", cfg.App.Version).
		Msg("starting apkscore API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analyzer, err := services.NewAnalyzerFromConfig(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load rules")
	}
	log.Info().Str("rules_version", analyzer.RuleSet().Version()).Msg("analyzer ready")

	deps := handlers.Dependencies{
		Analyzer:        analyzer,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		AnalysisTimeout: cfg.Batch.PackageTimeout,
		Version:         cfg.App.Version,
		Logger:          log,
	}
	checks := make(map[string]health.Pinger)

	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedis(ctx, cfg.Redis, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, using in-process cache only")
		} else {
			defer redisCache.Close()
			checks["redis"] = redisCache
		}
	}

	if cfg.Cache.Enabled {
		var remote cache.ResultStore
		if redisCache != nil {
			remote = redisCache
		}
		deps.Cache, err = cache.NewResultCache(cfg.Cache.LRUSize, cfg.Cache.TTL, remote, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create result cache")
		}
	}

	if cfg.Database.Enabled {
		db, err := database.NewPostgres(ctx, cfg.Database, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to PostgreSQL, score storage disabled")
		} else {
			defer db.Close()
			if err := repository.EnsureScoreSchema(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("failed to prepare score table")
			}
			deps.Scores = repository.NewScoreRepository(db.Pool())
			checks["postgres"] = db
		}
	}

	if cfg.Neo4j.Enabled {
		neo4jClient, err := graph.NewNeo4jClient(ctx, cfg.Neo4j, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Neo4j, graph storage disabled")
		} else {
			defer neo4jClient.Close(context.Background())
			deps.Graphs = graph.NewGraphRepository(neo4jClient, log)
			checks["neo4j"] = health.PingFunc(neo4jClient.Health)
		}
	}

	var natsPublisher *streaming.NATSPublisher
	if cfg.NATS.Enabled {
		natsPublisher, err = streaming.NewNATSPublisher(ctx, cfg.NATS, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to NATS, continuing without score events")
			natsPublisher = nil
		}
	}
	eventBus := streaming.NewEventBus(natsPublisher, log)
	defer eventBus.Close()
	deps.Events = eventBus
	deps.Stream = eventBus
	log.Info().Bool("nats_enabled", natsPublisher != nil).Msg("event bus initialized")

	checker := health.NewChecker(checks, 10*time.Second, log)
	go checker.Run(ctx)
	deps.Checker = checker

	router := api.NewRouter(*cfg, handlers.NewHandlers(deps), log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gRPC listener")
	}
	grpcServer := grpc.NewServer()
	checker.Register(grpcServer)

	go func() {
		log.Info().Str("addr", grpcListener.Addr().String()).Msg("starting gRPC health server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Int("event_subscribers", eventBus.SubscriberCount()).Msg("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("shutdown complete")
}

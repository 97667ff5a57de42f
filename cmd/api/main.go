package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"retro/api/internal/app"
	"retro/api/internal/config"
	"retro/api/internal/logging"
	"retro/api/internal/presence"
	"retro/api/internal/realtime"
	"retro/api/internal/session"
	"retro/api/internal/store"
	"retro/api/internal/team"
)

// backend is what both the SQL and the in-memory store provide.
type backend interface {
	team.Store
	realtime.SessionStore
	app.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("retro api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With(zap.String("node_id", nodeID))

	checks := map[string]app.Pinger{}

	var data backend
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, teams and sessions are kept in memory")
		data = store.NewMemoryStore()
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		data = store.NewSQLStore(db)
	}
	checks["database"] = data

	var (
		cache       session.Cache
		bus         realtime.Bus
		redisBus    *realtime.RedisBus
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}

		redisCache := session.NewRedisCacheWithClient(redisClient, cfg.SessionCacheTTL)
		cache = redisCache
		checks["redis"] = redisCache
		redisBus = realtime.NewRedisBus(redisClient, logger.Named("bus"))
		bus = redisBus
		logger.Info("using redis for presence, room broadcasts and the session cache")
	} else {
		memoryCache, err := session.NewMemoryCache(cfg.SessionCacheSize)
		if err != nil {
			return err
		}
		cache = memoryCache
		logger.Info("REDIS_URL not set, running as a single process")
	}

	hub := realtime.NewHub(nodeID, bus, logger.Named("realtime"))

	var cluster presence.Provider
	if redisClient != nil {
		if err := redisBus.Start(ctx, hub.Deliver); err != nil {
			return err
		}
		defer redisBus.Close()

		fanout := presence.NewRedisFanout(redisClient, hub, nodeID, cfg.PresenceTimeout, logger.Named("presence"))
		if err := fanout.Start(ctx); err != nil {
			return err
		}
		defer fanout.Close()
		cluster = fanout
	}

	registry := presence.NewRegistry(hub, cluster, logger.Named("presence"))
	teams := team.NewService(data, logger.Named("team"), team.WithMaxAttempts(cfg.TeamUpdateAttempts))
	manager := realtime.NewManager(hub, data, cache, registry, teams, logger.Named("realtime"))
	ws := realtime.NewServer(hub, manager, logger.Named("ws"), originPatterns(cfg.CORSOrigin))

	httpServer := app.NewHTTPServer(teams, logger.Named("http"), app.Options{
		CORSOrigin:  cfg.CORSOrigin,
		TokenSecret: []byte(cfg.TokenSecret),
		TokenTTL:    cfg.TokenTTL,
		Realtime:    ws,
		Checks:      checks,
	})

	// No read or write timeout: websocket connections outlive any sensible value.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	servers := []*http.Server{server}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})
	return g.Wait()
}

// originPatterns turns the CORS origin list into websocket host patterns.
func originPatterns(corsOrigin string) []string {
	var patterns []string
	for _, origin := range strings.Split(corsOrigin, ",") {
		origin = strings.TrimSpace(origin)
		origin = strings.TrimPrefix(origin, "https://")
		origin = strings.TrimPrefix(origin, "http://")
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}

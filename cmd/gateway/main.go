package main

import (
    "context"
    "log"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/go-chi/chi/v5"
    chimiddleware "github.com/go-chi/chi/v5/middleware"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/redis/go-redis/v9"
    "go.opentelemetry.io/otel"

    "github.com/AJaySi/AI-Writer-sub012/config"
    "github.com/AJaySi/AI-Writer-sub012/internal/admin"
    "github.com/AJaySi/AI-Writer-sub012/internal/auth"
    "github.com/AJaySi/AI-Writer-sub012/internal/cache"
    "github.com/AJaySi/AI-Writer-sub012/internal/detect"
    "github.com/AJaySi/AI-Writer-sub012/internal/governance"
    "github.com/AJaySi/AI-Writer-sub012/internal/records"
    "github.com/AJaySi/AI-Writer-sub012/internal/seeder"
    "github.com/AJaySi/AI-Writer-sub012/internal/stats"
    "github.com/AJaySi/AI-Writer-sub012/internal/telemetry"
    "github.com/AJaySi/AI-Writer-sub012/internal/usage"
    "github.com/AJaySi/AI-Writer-sub012/pkg/ratelimit"
)

func main() {
    // 1. Load config
    cfg, err := config.Load()
    if err != nil {
        log.Fatalf("failed to load config: %v", err)
    }

    // 2. Init telemetry
    shutdownTracer, err := telemetry.InitTracer("request-governor", cfg)
    if err != nil {
        log.Fatalf("failed to init tracer: %v", err)
    }
    defer shutdownTracer()

    // 3. Connect PostgreSQL
    ctx := context.Background()
    pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
    if err != nil {
        log.Fatalf("failed to connect postgres: %v", err)
    }
    defer pool.Close()

    if err := pool.Ping(ctx); err != nil {
        log.Fatalf("failed to ping postgres: %v", err)
    }
    log.Println("PostgreSQL connected")

    // 4. Connect Redis (DB 0 identity cache, DB 1 response cache)
    rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
    defer rdb.Close()

    if err := rdb.Ping(ctx).Err(); err != nil {
        log.Fatalf("failed to ping redis: %v", err)
    }
    log.Println("Redis connected")

    // 5. Load plan table
    plans, err := config.LoadPlans(cfg.PlansFile)
    if err != nil {
        log.Fatalf("failed to load plans: %v", err)
    }
    defer plans.Close()
    if err := plans.Watch(); err != nil {
        log.Printf("plans file watch disabled: %v", err)
    }

    // 6. Init identity resolution
    authStore := auth.NewPostgresStore(pool)
    resolver := auth.NewResolver(authStore, auth.NewRedisKeyCache(rdb))

    // 7. Init rate limiter
    limiter := ratelimit.NewLimiter(ratelimit.Config{
        Limit:    cfg.RateLimitRequests,
        Window:   cfg.RateLimitWindow,
        Cooldown: cfg.RateLimitCooldown,
    })
    stopSweep := make(chan struct{})
    go limiter.SweepLoop(time.Minute, stopSweep)

    // 8. Init response cache backend
    var backend cache.Cache
    if cfg.CacheBackend == "redis" {
        cacheRdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: 1})
        defer cacheRdb.Close()
        backend = cache.NewRedis(cacheRdb)
    } else {
        backend = cache.NewMemory(cfg.CacheMaxEntries)
    }

    // 9. Init usage governor
    estimator := usage.NewEstimator(cfg.ExactTokens)
    governor := usage.NewGovernor(usage.NewPostgresStore(pool), plans, estimator, usage.Config{
        WarningThresholdPct: cfg.WarningThresholdPct,
    })

    // 10. Init stats aggregator
    agg := stats.NewAggregator(stats.Config{})

    // 11. Init durable recorder
    journal, err := records.NewJournal(cfg.JournalDir)
    if err != nil {
        log.Fatalf("failed to open journal: %v", err)
    }
    recorder := records.NewRecorder(records.NewPostgresStore(pool), journal, records.DefaultRecorderConfig())
    recorder.Start()

    // 12. Init provider detection
    detector, err := detect.NewDetector(detect.DefaultRules())
    if err != nil {
        log.Fatalf("failed to build detector: %v", err)
    }

    // 13. Assemble the governance pipeline
    tracer := otel.GetTracerProvider().Tracer("request-governor")
    pipe := governance.New(governance.Deps{
        Resolver:  resolver,
        Detector:  detector,
        Limiter:   limiter,
        Governor:  governor,
        Cache:     backend,
        Stats:     agg,
        Recorder:  recorder,
        Moderator: governance.NewModerator(cfg.Blocklist),
        Tracer:    tracer,
    }, governance.Config{
        CacheTTL:           cfg.CacheTTL,
        CacheMaxEntryBytes: cfg.CacheMaxEntryBytes,
        CachePostPaths:     cfg.CachePostPaths,
    })

    adminHandler := admin.NewHandler(cfg.AdminToken, limiter, backend, agg, governor, recorder)

    // 14. Seed dev schema and API key if RUN_SEED=true
    if os.Getenv("RUN_SEED") == "true" {
        if err := seeder.EnsureSchema(ctx, pool); err != nil {
            log.Fatalf("failed to ensure schema: %v", err)
        }
        seeder.SeedTestAPIKey(ctx, authStore)
    }

    // 15. Init Chi router
    r := chi.NewRouter()
    r.Use(chimiddleware.RequestID)
    r.Use(chimiddleware.Logger)
    r.Use(chimiddleware.Recoverer)

    // Public routes
    r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.Header().Set("Content-Type", "application/json")
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte(`{"status":"ok","service":"request-governor"}`))
    })
    r.Get("/status", adminHandler.Status)
    r.Handle("/metrics", promhttp.Handler())

    // Admin API
    r.Mount("/admin", adminHandler.Routes())

    // Governed application routes. The demo handler stands in for the
    // fronted application; every request to it passes the pipeline.
    r.Group(func(r chi.Router) {
        r.Use(pipe.Middleware)
        r.Handle("/api/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            w.Header().Set("Content-Type", "application/json")
            w.WriteHeader(http.StatusOK)
            _, _ = w.Write([]byte(`{"status":"ok","service":"request-governor","governed":true}`))
        }))
    })

    // 16. Graceful shutdown
    srv := &http.Server{
        Addr:         ":" + cfg.Port,
        Handler:      r,
        ReadTimeout:  30 * time.Second,
        WriteTimeout: 90 * time.Second,
        IdleTimeout:  120 * time.Second,
    }

    quit := make(chan os.Signal, 1)
    signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

    go func() {
        log.Printf("Request governor starting on port %s", cfg.Port)
        if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            log.Fatalf("server error: %v", err)
        }
    }()

    <-quit
    log.Println("Shutting down gracefully...")

    shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()

    if err := srv.Shutdown(shutdownCtx); err != nil {
        log.Fatalf("forced shutdown: %v", err)
    }

    // Drain after the listener closes so in-flight outcomes still land.
    close(stopSweep)
    recorder.Stop()
    log.Println("Server stopped")
}

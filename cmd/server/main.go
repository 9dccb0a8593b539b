package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/securecookie"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/khalloda/spare-parts-system/internal/auth"
	"github.com/khalloda/spare-parts-system/internal/config"
	"github.com/khalloda/spare-parts-system/internal/csrf"
	"github.com/khalloda/spare-parts-system/internal/health"
	"github.com/khalloda/spare-parts-system/internal/i18n"
	"github.com/khalloda/spare-parts-system/internal/logger"
	"github.com/khalloda/spare-parts-system/internal/metrics"
	"github.com/khalloda/spare-parts-system/internal/middleware"
	"github.com/khalloda/spare-parts-system/internal/pipeline"
	"github.com/khalloda/spare-parts-system/internal/repository"
	"github.com/khalloda/spare-parts-system/internal/router"
	"github.com/khalloda/spare-parts-system/internal/session"
	"github.com/khalloda/spare-parts-system/internal/web"
)

const version = "1.0.0"

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Setup database connection
	dbPool, err := setupDatabase(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dbPool.Close()
	log.Info("Connected to database",
		slog.String("database", cfg.Database.DBName),
		slog.String("host", cfg.Database.Host),
	)

	checks := map[string]health.Pinger{"database": health.Database(dbPool)}

	// Session store
	stores, err := setupSessionStore(cfg, log)
	if err != nil {
		return err
	}
	defer stores.close()
	for name, p := range stores.checks {
		checks[name] = p
	}

	collector := metrics.NewDBStatsCollector(dbPool, stores.db, log)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	hashKey := []byte(cfg.Session.HashKey)
	if len(hashKey) == 0 {
		log.Warn("SESSION_HASH_KEY not set; using a random key, sessions will not survive a restart")
		hashKey = securecookie.GenerateRandomKey(32)
	}

	cookiePath := cfg.App.BasePath + "/"
	sessions := session.NewManager(session.ManagerConfig{
		Store:              stores.store,
		CookieName:         cfg.Session.CookieName,
		CookiePath:         cookiePath,
		HashKey:            hashKey,
		Lifetime:           cfg.Session.Timeout,
		RegenerateInterval: cfg.Session.RegenerateInterval,
		Secure:             cfg.Session.Secure,
		Logger:             log,
	})

	// Initialize services
	userRepo := repository.NewUserRepository(dbPool)
	authService, err := auth.NewService(userRepo, sessions, auth.NewPasswordHasher(cfg.Auth.BcryptCost), auth.Config{
		MaxAttempts:      cfg.Auth.MaxAttempts,
		LockoutWindow:    cfg.Auth.LockoutWindow,
		SessionTimeout:   cfg.Session.Timeout,
		IdleTimeout:      cfg.Session.IdleTimeout,
		RememberDuration: time.Duration(cfg.Auth.RememberDays) * 24 * time.Hour,
		CookiePath:       cookiePath,
		SecureCookies:    cfg.Session.Secure,
	}, log)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	bundle, err := i18n.NewBundle(cfg.App.DefaultLocale)
	if err != nil {
		return fmt.Errorf("load translations: %w", err)
	}
	views, err := web.NewRenderer(log)
	if err != nil {
		return err
	}

	// Application router
	appRouter := router.New(
		router.WithBasePath(cfg.App.BasePath),
		router.WithDebug(cfg.App.Debug),
		router.WithLogger(log),
		router.WithMatchHook(func(r *http.Request, rt *router.Route) {
			metrics.SetRoutePattern(r.Context(), rt.Pattern())
		}),
	)

	deps := web.Dependencies{
		Views:  views,
		Guards: middleware.NewAuthMiddleware(middleware.AuthMiddlewareConfig{Pages: views, Logger: log}),
		Bundle: bundle,
		Logger: log,
	}
	if cfg.Auth.LoginRate > 0 {
		limiter := middleware.NewRateLimiter(cfg.Auth.LoginRate, time.Minute)
		defer limiter.Stop()
		deps.Throttle = middleware.NewLoginThrottle(limiter, log)
	}
	if err := web.Routes(appRouter, deps); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	app := pipeline.New(pipeline.Config{
		Sessions: sessions,
		Auth:     authService,
		CSRF:     csrf.Config{TTL: cfg.CSRF.TTL, MaxTokens: cfg.CSRF.MaxTokens},
		Bundle:   bundle,
		BasePath: cfg.App.BasePath,
		Logger:   log,
	}, appRouter)

	healthHandler := health.NewHandler(health.Config{
		Checks:   checks,
		Critical: []string{"database", "sessions"},
		Version:  version,
	})

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS for AJAX callers on other origins
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.App.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token", "X-CSRF-Scope", "X-Requested-With"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	staticPrefix := cfg.App.BasePath + "/static/"
	r.Handle(staticPrefix+"*", http.StripPrefix(staticPrefix, http.FileServer(staticFiles(cfg.App.StaticDir, log))))
	r.Handle("/*", app)

	// Create server
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting server",
			slog.String("addr", srv.Addr),
			slog.String("session_driver", cfg.Session.Driver),
			slog.Bool("debug", cfg.App.Debug),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("listen: %w", err)
	case <-quit:
	}

	log.Info("Shutting down server...")
	healthHandler.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited")
	return nil
}

// sessionBackend is the configured session store with its resources
type sessionBackend struct {
	store   session.Store
	db      *sqlx.DB
	redis   *redis.Client
	sweeper *session.Sweeper
	checks  map[string]health.Pinger
}

func (b *sessionBackend) close() {
	if b.sweeper != nil {
		b.sweeper.Stop()
	}
	if b.redis != nil {
		b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

// setupSessionStore opens the store named by SESSION_DRIVER. Stores without
// native expiry get a sweeper.
func setupSessionStore(cfg *config.Config, log *slog.Logger) (*sessionBackend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := &sessionBackend{checks: map[string]health.Pinger{}}
	var deleter session.ExpiredDeleter

	switch cfg.Session.Driver {
	case "redis":
		client, err := session.Connect(ctx, cfg.Redis.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.redis = client
		b.store = session.NewRedisStore(client, "spms:session:")
		b.checks["sessions"] = health.Redis(client)
	case "postgres":
		db, err := sqlx.ConnectContext(ctx, "pgx", cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect session database: %w", err)
		}
		db.SetMaxOpenConns(int(cfg.Database.MaxConns))
		b.db = db
		store := session.NewRepositoryStore(repository.NewSessionRepository(db))
		b.store, deleter = store, store
		b.checks["sessions"] = health.PingFunc(db.PingContext)
	default:
		log.Warn("Using in-memory sessions; logins are lost on restart and not shared between instances")
		store := session.NewMemoryStore()
		b.store, deleter = store, store
		b.checks["sessions"] = health.PingFunc(func(context.Context) error { return nil })
	}

	if deleter != nil && cfg.Session.SweepInterval > 0 {
		b.sweeper = session.NewSweeper(deleter, cfg.Session.SweepInterval, log)
		if err := b.sweeper.Start(); err != nil {
			b.close()
			return nil, fmt.Errorf("start session sweeper: %w", err)
		}
	}
	return b, nil
}

// staticFiles serves dir when it exists, else the embedded assets
func staticFiles(dir string, log *slog.Logger) http.FileSystem {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		log.Info("Serving static files from disk", slog.String("dir", dir))
		return http.Dir(dir)
	}
	return web.Static()
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Configure pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Set pool configuration
	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	// Create pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

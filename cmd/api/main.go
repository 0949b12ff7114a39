package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Qarib2004/rentcar-sub001/internal/audit"
	"github.com/Qarib2004/rentcar-sub001/internal/auth"
	"github.com/Qarib2004/rentcar-sub001/internal/config"
	"github.com/Qarib2004/rentcar-sub001/internal/httpapi"
	"github.com/Qarib2004/rentcar-sub001/internal/metrics"
	"github.com/Qarib2004/rentcar-sub001/internal/rbac"
	"github.com/Qarib2004/rentcar-sub001/internal/realtime"
	"github.com/Qarib2004/rentcar-sub001/internal/session"
	"github.com/Qarib2004/rentcar-sub001/internal/users"
	"github.com/Qarib2004/rentcar-sub001/pkg/logger"
	"github.com/Qarib2004/rentcar-sub001/pkg/utils"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	tokens, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := utils.Migrate(ctx, db, users.EnsureSchema, audit.EnsureSchema); err != nil {
		return err
	}

	registry, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	userSvc := users.NewService(users.NewPostgresRepo(db))
	if cfg.Admin.Email != "" {
		seedAdmin(ctx, log, userSvc, cfg.Admin)
	}

	m := metrics.New()
	authn := auth.NewAuthenticator(tokens, registry)
	gateway := realtime.NewGateway(log, authn, realtime.Options{
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		SendQueue:      cfg.Realtime.SendQueue,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		Observer:       m,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(m.Middleware())

	registerRoutes(r, routeDeps{
		Handlers: httpapi.Handlers{
			Users:    userSvc,
			Tokens:   tokens,
			Sessions: registry,
			Audit:    audit.NewService(audit.NewPostgresRepo(db)),
			Metrics:  m,
			Realtime: gateway,
		},
		AuthMW:  auth.RequireAccessToken(authn, m),
		Gateway: gateway,
		Metrics: m,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "session_store", string(cfg.Session.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Disconnects realtime channels of superseded or revoked sessions on this instance.
		return gateway.Watch(gctx, registry)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		// Hijacked websocket connections are not tracked by http.Server.Shutdown.
		gateway.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})
	return g.Wait()
}

func openRegistry(ctx context.Context, cfg config.Config) (session.Registry, func(), error) {
	if cfg.Session.Store == config.SessionStoreMemory {
		return session.NewMemoryRegistry(cfg.Session.TTL), func() {}, nil
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	reg := session.NewRedisRegistry(rdb, session.RedisOptions{
		TTL:     cfg.Session.TTL,
		Channel: cfg.Session.EventsChannel,
	})
	return reg, func() { _ = rdb.Close() }, nil
}

// seedAdmin is best-effort: an existing account is left untouched.
func seedAdmin(ctx context.Context, log *slog.Logger, svc *users.Service, admin config.AdminConfig) {
	_, err := svc.Seed(ctx, users.RegisterRequest{Email: admin.Email, Password: admin.Password, Name: "Administrator"}, rbac.RoleAdmin)
	switch {
	case err == nil:
		log.Info("admin account created", "email", admin.Email)
	case errors.Is(err, users.ErrEmailTaken):
	default:
		log.Warn("admin bootstrap failed", "err", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/api"
	"github.com/liliang-cn/guideflow/internal/api/session"
	"github.com/liliang-cn/guideflow/internal/config"
	"github.com/liliang-cn/guideflow/internal/flow"
	"github.com/liliang-cn/guideflow/internal/metrics"
	"github.com/liliang-cn/guideflow/internal/remote"
	"github.com/liliang-cn/guideflow/internal/repository"
	"github.com/liliang-cn/guideflow/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// storage bundles the database and the snapshot backend chosen by config
type storage struct {
	db        *repository.DB
	snapshots repository.SnapshotBackend
	closeFn   func()
}

func openStorage(cfg *config.Config) (*storage, error) {
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	st := &storage{db: db, closeFn: func() { _ = db.Close() }}

	switch cfg.Cache.Driver {
	case "", "sqlite":
		st.snapshots = repository.NewSnapshotRepository(db, cfg.Persistence.WorkspaceQuotaBytes)
	case "redis":
		rb, err := repository.NewRedisSnapshotBackend(repository.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
			TTL:      cfg.Cache.Redis.TTL,
			Quota:    cfg.Persistence.WorkspaceQuotaBytes,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		st.snapshots = rb
		st.closeFn = func() {
			_ = rb.Close()
			_ = db.Close()
		}
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
	return st, nil
}

func runServe() error {
	metrics.Init()
	gin.SetMode(gin.ReleaseMode)

	st, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer st.closeFn()

	flows, err := flow.LoadRegistry(cfg.Flows.Path)
	if err != nil {
		return err
	}

	client, err := remote.NewClient(remote.Options{
		BaseURL:           cfg.Backend.BaseURL,
		APIKey:            cfg.Backend.APIKey,
		Timeout:           cfg.Backend.Timeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
	})
	if err != nil {
		return err
	}

	sessionRepo := repository.NewSessionRepository(st.db)
	store := service.NewSessionStore(st.snapshots, cfg.MaxSnapshotBytes(), cfg.Persistence.MaxAnswerChars, logger)
	history := service.NewHistoryService(sessionRepo, client, logger)
	sessions := service.NewSessionService(flows, client, store, history, sessionRepo, cfg.Polling.Interval, logger)
	defer sessions.Close()

	amplifier, err := service.NewAmplifierService(logger)
	if err != nil {
		return err
	}

	router := api.SetupRouter(sessions, amplifier, api.RouterConfig{
		APIKey:          cfg.Admin.APIKey,
		AllowOrigins:    cfg.Server.AllowOrigins,
		RateLimit:       cfg.RateLimit.Enabled,
		RequestsPerHour: cfg.RateLimit.RequestsPerHour,
		Reveal: session.RevealConfig{
			Stagger:    cfg.Reveal.Stagger,
			Tick:       cfg.Reveal.Tick,
			Typewriter: cfg.Reveal.Typewriter,
			MinChunk:   cfg.Reveal.MinChunk,
		},
	}, logger)

	// no WriteTimeout: reveal streams stay open for the length of a reply
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting guideflow server",
			zap.String("address", cfg.Address()),
			zap.String("backend", cfg.Backend.BaseURL),
			zap.String("cache", cfg.Cache.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}

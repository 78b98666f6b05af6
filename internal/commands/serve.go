package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"counselbot/internal/api"
	"counselbot/internal/auth"
	"counselbot/internal/config"
	"counselbot/internal/redis"
	"counselbot/internal/router"
	"counselbot/internal/service/lifecycle"
	"counselbot/internal/service/resolver"
	"counselbot/internal/session"
	"counselbot/internal/transport/telegram"
	"counselbot/internal/worker"
)

const (
	promptTTL       = time.Hour
	shutdownTimeout = 15 * time.Second
)

func addServe(topLevel *cobra.Command, ro *RootOptions) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the dashboard API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, ro)
		},
	}
	topLevel.AddCommand(cmd)
}

// registries builds the selection and prompt registries for the configured
// backend.
func registries(cfg *config.Config, rdb *redis.Client) (session.Registry, session.Registry) {
	if cfg.Session.Backend == config.BackendRedis {
		ttl := time.Duration(cfg.Session.TTL) * time.Minute
		return session.NewRedis(rdb, "selection", ttl), session.NewRedis(rdb, "prompt", promptTTL)
	}
	return session.NewMemory(), session.NewMemory()
}

func serve(ctx context.Context, ro *RootOptions) error {
	e, err := setup(ro)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg := e.cfg

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		if rdb, err = redis.NewRedisClient(cfg); err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}

	bot, err := telegram.New(cfg.Telegram)
	if err != nil {
		return err
	}

	selections, prompts := registries(cfg, rdb)
	cases := lifecycle.NewManager(e.store)
	authService := auth.NewService(e.store, rdb, time.Duration(cfg.BasicConfig.DashboardTokenTTL)*time.Minute)
	rt := router.New(e.store, cases, resolver.New(e.store, selections), prompts, router.Options{
		ResponderPasscode:  cfg.BasicConfig.ResponderPasscode,
		SupervisorPasscode: cfg.BasicConfig.SupervisorPasscode,
		DashboardURL:       cfg.BasicConfig.DashboardURL,
		Tokens:             authService,
	})
	deliverer := router.NewDeliverer(bot, time.Duration(cfg.BasicConfig.SendTimeout)*time.Second)

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, &router.Pipeline{Router: rt, Deliverer: deliverer})
	defer dispatcher.Stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.NewHandler(e.store, cases, rt, deliverer, authService, e.db, dispatcher).RegisterRoutes(engine)

	errCh := make(chan error, 2)
	switch cfg.Telegram.Mode {
	case config.ModeWebhook:
		engine.POST(cfg.Telegram.WebhookPath, bot.WebhookHandler(dispatcher.Submit))
		if err := bot.SetWebhook(); err != nil {
			return err
		}
	default:
		go func() {
			if err := bot.Poll(ctx, dispatcher.Submit); err != nil {
				errCh <- fmt.Errorf("telegram polling: %w", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "telegram_mode", cfg.Telegram.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err = <-errCh:
		slog.Error("fatal error, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("http shutdown", "error", serr)
	}
	return err
}

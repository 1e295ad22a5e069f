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
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/config"
	"github.com/DoyleJ11/chess-duel-relay/internal/httpapi"
	"github.com/DoyleJ11/chess-duel-relay/internal/hub"
	"github.com/DoyleJ11/chess-duel-relay/internal/logging"
	"github.com/DoyleJ11/chess-duel-relay/internal/presence"
	"github.com/DoyleJ11/chess-duel-relay/internal/rules"
	"github.com/DoyleJ11/chess-duel-relay/internal/store"
	"github.com/DoyleJ11/chess-duel-relay/internal/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dir presence.Directory = presence.NewMemoryDirectory()
	var bus presence.Bus
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		defer func() { err = multierr.Append(err, rdb.Close()) }()
		dir = presence.NewRedisDirectory(rdb, "")
		bus = presence.NewRedisBus(rdb, "")
		log.Info("presence shared through redis", zap.String("addr", cfg.RedisAddr))
	}

	deps := httpapi.Deps{Logger: log}
	if cfg.DatabaseURL != "" {
		st, openErr := store.Open(cfg.DatabaseURL)
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, st.Close()) }()
		deps.Store = st
		log.Info("data store enabled")
	}

	h := hub.NewHub(ctx, rules.New(), hub.Options{
		GracePeriod:    cfg.RoomGracePeriod,
		AllowObservers: cfg.AllowObservers,
		Logger:         log,
	})
	p := presence.NewRelay(ctx, dir, presence.Options{Bus: bus, Logger: log})
	deps.Hub, deps.Presence = h, p
	deps.WS = ws.NewHandler(h, p, ws.Options{OriginPatterns: cfg.AllowedOrigins, Logger: log})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.SetupRoutes(deps),
		ReadHeaderTimeout: 10 * time.Second,
		// websocket handlers outlive Shutdown; tie them to the signal instead
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// rooms and presence stop with ctx, even when the listener failed
		stop()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	<-h.Done()
	<-p.Done()
	return err
}

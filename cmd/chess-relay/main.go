// Command chess-relay runs the room-scoped websocket relay that peers use to
// exchange moves.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/park285/cheese-duel/internal/config"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/relay"
	"github.com/park285/cheese-duel/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := obslog.InitFromEnv("chess-relay"); err != nil {
		fmt.Fprintf(os.Stderr, "log init error: %v\n", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := config.LoadRelay()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(
		relay.WithEcho(cfg.Echo),
		relay.WithOriginPatterns(cfg.OriginPatterns...),
		relay.WithLogger(logger.Named("hub")),
	)

	var bridge *relay.RedisBridge
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := store.ParseRedisURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis_url_error", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			logger.Fatal("redis_ping_error", zap.Error(err))
		}
		bridge = relay.NewRedisBridge(rdb, logger.Named("bridge"))
		logger.Info("relay_bridge_enabled", zap.String("instance", bridge.InstanceID()))
	}

	srv := relay.NewServer(cfg.Addr, hub, bridge, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("relay_stopped", zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}
	logger.Info("relay_stopped")
}

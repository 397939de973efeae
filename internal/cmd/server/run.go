package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rzbill/relay/internal/chunklog"
	"github.com/rzbill/relay/internal/chunkstore"
	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/coordinator"
	"github.com/rzbill/relay/internal/events"
	"github.com/rzbill/relay/internal/fanout"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/recovery"
	httpserver "github.com/rzbill/relay/internal/server/http"
	wsserver "github.com/rzbill/relay/internal/server/ws"
	"github.com/rzbill/relay/internal/session"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	redisstore "github.com/rzbill/relay/internal/storage/redis"
	"github.com/rzbill/relay/pkg/id"
	logpkg "github.com/rzbill/relay/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type Options struct {
	DataDir  string
	HTTPAddr string
	Fsync    pebblestore.FsyncMode
	Config   cfgpkg.Config
}

// Run starts the relay node and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	cfg := opts.Config
	if cfg.NodeID == "" {
		cfg.NodeID = id.NodeID()
	}

	lcfg := &logpkg.Config{
		Level:  getenvDefault("RELAY_LOG_LEVEL", "info"),
		Format: getenvDefault("RELAY_LOG_FORMAT", "text"),
	}
	logger, err := logpkg.ApplyConfig(lcfg)
	if err != nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithTextFormat())
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(opts.DataDir, "store"),
		Fsync:   opts.Fsync,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redisstore.Open(cfg.Redis)
	defer rdb.Close()
	if err := redisstore.CheckHealth(sctx, rdb); err != nil {
		logger.Warn("redis not reachable at startup", logpkg.Err(err))
	}

	logger.Info("starting relay node",
		logpkg.Str("node_id", cfg.NodeID),
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("redis", cfg.Redis.Addr),
		logpkg.Str("data_dir", opts.DataDir),
	)

	durable := message.NewStore(db)
	durableLog := chunklog.NewLog(db)
	registry := session.NewRegistry(rdb, durable, cfg.NodeID, cfg, logger)
	store := chunkstore.NewStore(rdb, durableLog, cfg.Stream, logger)
	bus := fanout.NewBus(rdb, logger)

	var sink events.Publisher = events.Nop{}
	if len(cfg.Events.Brokers) > 0 {
		k := events.NewKafka(cfg.Events, cfg.NodeID, logger)
		defer k.Close()
		sink = k
	}

	var coord *coordinator.Coordinator
	sweeper := session.NewSweeper(cfg.Stream.HeartbeatTimeout.Std(), cfg.Stream.SweepInterval.Std(),
		func(ctx context.Context, sessionID string) { coord.Timeout(ctx, sessionID) }, logger)
	sweeper.PruneWith(func(ctx context.Context) {
		n, err := registry.PruneAbandoned(ctx, cfg.Stream.HeartbeatTimeout.Std())
		if err != nil {
			logger.Warn("registry prune failed", logpkg.Err(err))
		} else if n > 0 {
			logger.Info("pruned abandoned sessions", logpkg.Int("count", n))
		}
	})
	coord = coordinator.New(registry, store, durable, bus, sink, sweeper, cfg.Stream, logger)
	recov := recovery.NewEngine(rdb, registry, store, durable, cfg.Recovery, logger)

	hub := wsserver.NewHub(logger)
	wsrv := wsserver.NewServer(cfg.WS, cfg.History, hub, coord, recov, durable, logger)
	hsrv := httpserver.NewServer(rdb, db, recov, cfg.NodeID, logger)
	hsrv.Echo().GET("/v1/stream", wsrv.Handle)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(sctx)
	}()

	// periodic reclaim of completed streams past their retention window
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.Stream.SweepInterval.Std())
		defer t.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-t.C:
				cutoff := time.Now().Add(-cfg.Stream.CompletedRetention.Std())
				if n, err := durableLog.TrimCompletedBefore(sctx, cutoff, 0); err != nil {
					logger.Warn("retention trim failed", logpkg.Err(err))
				} else if n > 0 {
					logger.Debug("retention trim reclaimed messages", logpkg.Int("messages", n))
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.Start(opts.HTTPAddr); err != nil && sctx.Err() == nil {
			logger.Error("http server failed", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	logger.Info("shutting down")
	hub.CloseAll()
	shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hsrv.Shutdown(shctx); err != nil {
		logger.Warn("http shutdown", logpkg.Err(err))
	}
	wg.Wait()
	return nil
}

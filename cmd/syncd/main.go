package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/syncd/internal/config"
	"github.com/SirClappington/syncd/internal/engine"
	"github.com/SirClappington/syncd/internal/events"
	"github.com/SirClappington/syncd/internal/mapping"
	"github.com/SirClappington/syncd/internal/registry"
	"github.com/SirClappington/syncd/internal/retention"
	"github.com/SirClappington/syncd/internal/server"
	"github.com/SirClappington/syncd/internal/source"
	"github.com/SirClappington/syncd/internal/store"
)

const srvShutdownTimeout = 10 * time.Second

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "production" {
		log, _ := zap.NewProduction()
		return log
	}
	log, _ := zap.NewDevelopment()
	return log
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	maps, err := mapping.LoadDir(cfg.MappingDir)
	if err != nil {
		log.Fatal("load mappings", zap.Error(err))
	}
	log.Info("mappings loaded", zap.Strings("resources", maps.Resources()))

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	var ret retention.Store = retention.Noop{}
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		ret = retention.NewRedis(rdb)
	}

	reg := registry.New(log)
	bus := events.New(reg, events.Options{
		RetainedLogs:  cfg.LogBuffer,
		SnapshotLogs:  cfg.SnapshotLogs,
		SubscriberBuf: cfg.SubscriberBuf,
	}, log)

	client := source.NewClient(cfg.SourceBaseURL, cfg.SourceToken, source.Options{
		MaxTries:       cfg.MaxFetchTries,
		InitialBackoff: cfg.FetchBackoff,
	}, log)
	writer := store.NewWriter(store.NewPool(db), log)

	eng := engine.New(maps, client, writer, reg, bus, ret, engine.Options{
		PageSize:  cfg.PageSize,
		BatchSize: cfg.BatchSize,
	}, log)

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: server.New(eng, bus, ret, log).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("sync monitor listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), srvShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		eng.Wait()
		return nil
	})

	bus.Log("INFO", "sync monitor started", "", 0)
	if err := g.Wait(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

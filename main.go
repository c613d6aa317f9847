package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"codecollab/server/internal/broadcast"
	"codecollab/server/internal/document"
	"codecollab/server/internal/httpapi"
	"codecollab/server/internal/presence"
	"codecollab/server/internal/room"
	"codecollab/server/internal/session"
	"codecollab/server/internal/transport"
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg := loadConfig()
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		glog.Fatalf("could not connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	glog.Info("connected to Redis")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		glog.Fatalf("could not connect to PostgreSQL: %v", err)
	}
	defer pool.Close()
	glog.Info("connected to PostgreSQL")

	backend := document.NewPostgresBackend(pool)
	if err := backend.EnsureSchema(ctx); err != nil {
		glog.Fatalf("prepare schema: %v", err)
	}

	registry := room.NewRegistry()
	tracker := presence.NewTracker()
	store := document.NewStore(backend)
	relay := broadcast.NewRedisRelay(rdb)
	broadcaster := broadcast.New(registry, tracker, store, relay)
	relay.SetHandler(broadcaster.HandleRemote)
	manager := session.NewManager(registry, tracker, store, broadcaster)

	router := httpapi.NewRouter(backend, transport.Handler(manager))
	srv := &http.Server{Addr: cfg.Addr, Handler: router}

	go func() {
		glog.Infof("codecollab sync server starting on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	glog.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("shutdown: %v", err)
	}
	relay.Close()
	if err := rdb.Close(); err != nil {
		glog.Errorf("close redis: %v", err)
	}
}

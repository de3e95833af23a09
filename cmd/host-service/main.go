// cmd/host-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"handoff/internal/router"
	"handoff/internal/session"
	"handoff/internal/tasks"
	"handoff/pkg/config"
	"handoff/pkg/db"
	"handoff/pkg/logger"
	"handoff/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	var store tasks.Store
	if pool := db.MustConnect(cfg, log); pool != nil {
		if err := tasks.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		store = tasks.NewPostgresStore(pool, log)
	} else {
		store = tasks.NewMemoryStore()
	}

	var sessions session.Store
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		sessions = session.NewRedisStore(rdb)
	} else {
		sessions = session.NewMemoryStore()
	}
	if cfg.TenantID != "" {
		st, _ := sessions.Get(context.Background(), "default")
		st.TenantID = cfg.TenantID
		if err := sessions.Put(context.Background(), "default", st); err != nil {
			log.Warnw("seed tenant session", "err", err)
		}
		log.Infow("session configured for tenant", "tenant_id", cfg.TenantID)
	}

	cards, err := router.LoadCards(context.Background(), cfg, cfg.TenantID, log)
	if err != nil {
		log.Fatalw("agent cards", "err", err)
	}
	if len(cards) == 0 {
		log.Warnw("no agent cards configured, delegation will resolve nothing")
	}
	rt := router.New(cfg, log, router.NewCardRegistry(cards), store, sessions)
	handler := router.NewHandler(rt, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("host-service"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	handler.Routes(r)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	httpSrv := &http.Server{Addr: cfg.HostAddr, Handler: r}
	go func() {
		log.Infow("host-service listening", "addr", cfg.HostAddr, "agents", len(cards))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	fmt.Println("host-service stopped")
}

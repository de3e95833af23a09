// cmd/idp-service/main.go
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

	"handoff/internal/idp"
	"handoff/pkg/config"
	"handoff/pkg/logger"
	"handoff/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	// Token issuance cannot run without a signing key; bail out early.
	keys, err := idp.LoadKeys(cfg.SigningKeyFile)
	if err != nil {
		log.Fatalw("signing key", "err", err)
	}
	reg := idp.NewRegistry(cfg.ClientSeedJSON, cfg.UserSeedJSON, log)
	srv := idp.NewServer(cfg, log, reg, keys)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("idp-service"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	srv.Routes(r)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	httpSrv := &http.Server{Addr: cfg.IDPAddr, Handler: r}
	go func() {
		log.Infow("idp-service listening", "addr", cfg.IDPAddr, "issuer", cfg.Issuer, "kid", keys.KeyID())
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
	fmt.Println("idp-service stopped")
}

// cmd/agent-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"handoff/internal/agent"
	"handoff/pkg/a2a"
	"handoff/pkg/authval"
	"handoff/pkg/config"
	"handoff/pkg/logger"
	"handoff/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	if cfg.TenantID == "" {
		log.Fatalw("HANDOFF_TENANT_ID is required for agent-service")
	}

	card := buildCard(cfg)
	validator := authval.New(cfg.DiscoveryURL, cfg.Audience)
	srv := agent.NewServer(log, card, validator, cfg.TenantID)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("agent-service"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	srv.Routes(r)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	httpSrv := &http.Server{Addr: cfg.AgentAddr, Handler: r}
	go func() {
		log.Infow("agent-service listening", "addr", cfg.AgentAddr, "agent", card.Name, "tenant_id", cfg.TenantID)
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
	fmt.Println("agent-service stopped")
}

func buildCard(cfg config.Config) a2a.AgentCard {
	name := cfg.AgentName
	if name == "" {
		name = fmt.Sprintf("Horizon Agent - %s", strings.ToUpper(cfg.TenantID))
	}
	iss := strings.TrimRight(cfg.Issuer, "/")
	return a2a.AgentCard{
		Name:        name,
		URL:         cfg.AgentPublicURL,
		Description: "Provides information about orders and inventory for a specific tenant.",
		Version:     "1.0",
		Skills: []a2a.AgentSkill{{
			ID:          "get_order_status",
			Name:        "Get Order Status",
			Description: "Retrieves the status of a specific order.",
			Tags:        []string{"type:horizon", "tenant_id:" + cfg.TenantID},
		}},
		Security: &a2a.SecurityScheme{
			AuthorizationURI: iss + "/authorize",
			TokenURI:         iss + "/generate-token",
			Scopes: map[string]string{
				"openid":   "OpenID Connect scope.",
				"profile":  "Read user profile.",
				"email":    "Read user email.",
				"api:read": "Read API access.",
			},
		},
	}
}

// internal/router/metrics.go
package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_dispatch_total",
		Help: "Background dispatch outcomes by result.",
	}, []string{"outcome"})

	tokenRefreshTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_token_refresh_total",
		Help: "Access token refreshes triggered by expired-token responses.",
	})
)

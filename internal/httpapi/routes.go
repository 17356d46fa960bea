package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/team-progress-backend/internal/hub"
	"github.com/DoyleJ11/team-progress-backend/internal/ws"
)

type Options struct {
	WS       ws.Config
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *zap.Logger
}

func SetupRoutes(h *hub.Hub, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/teams", CreateTeam(h, opts.Logger))
	r.Get("/teams/{teamID}", GetTeam(h))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, opts.WS))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

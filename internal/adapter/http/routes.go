package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/grokomation/ephemerald/internal/middleware"
)

// proxyMethods are the verbs relayed to instance agents.
var proxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, limiter *middleware.RateLimiter) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.Hub.HandleWS)

	r.Route("/proc", func(r chi.Router) {
		r.Get("/check_port", h.CheckPort)
		r.Get("/agents", h.ListAgents)
		r.Delete("/{pid}", h.TerminateAgent)
	})

	r.Route("/instances", func(r chi.Router) {
		r.Post("/setup", h.SetupInstance)
		r.Get("/", h.ListInstances)
		r.Post("/reap", h.ReapOrphans)

		r.Route("/{correlation_id}", func(r chi.Router) {
			r.Get("/", h.GetInstance)
			r.Delete("/", h.DeleteInstance)

			r.Route("/proxy", func(r chi.Router) {
				r.Use(limiter.Handler)
				for _, method := range proxyMethods {
					r.Method(method, "/*", http.HandlerFunc(h.ProxyRequest))
				}
			})
		})
	})
}

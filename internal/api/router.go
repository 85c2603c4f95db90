package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes registers the HTTP routes and middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.GetStats)
		r.Route("/queue", func(r chi.Router) {
			r.Post("/", s.Enqueue)
			r.Get("/", s.ListItems)
			r.Get("/exhausted", s.ListExhausted)
			r.Get("/{id}", s.GetItem)
			r.Delete("/{id}", s.DeleteItem)
		})
	})

	return r
}

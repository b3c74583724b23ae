package handlers

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Router builds the daemon's HTTP API.
func Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", ListProfiles)
			r.Post("/", CreateProfile)
			r.Get("/{id}", GetProfile)
			r.Put("/{id}", UpdateProfile)
			r.Delete("/{id}", DeleteProfile)
		})

		r.Route("/tunnels", func(r chi.Router) {
			r.Get("/", ListTunnels)
			r.Post("/", CreateTunnel)
			r.Get("/{id}", GetTunnel)
			r.Delete("/{id}", DeleteTunnel)
			r.Post("/{id}/start", StartTunnel)
			r.Post("/{id}/stop", StopTunnel)
			r.Post("/{id}/restart", RestartTunnel)
			r.Get("/{id}/events", TunnelEvents)
		})

		r.Get("/events", StreamEvents)
		r.Get("/logs", GetLogs)
	})

	return r
}

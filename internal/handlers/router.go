package handlers

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter mounts every HTTP endpoint: the health root, the tunnel REST
// API, and the viewer-facing reverse proxy.
func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/", HealthCheck)

	r.Route("/tunnels", func(r chi.Router) {
		r.Get("/", ListTunnels)
		r.Get("/user/{userID}", ListUserTunnels)
		r.Get("/{tunnelID}", GetTunnel)
		r.Get("/{tunnelID}/stats", GetTunnelStats)
		r.Delete("/{tunnelID}", CloseTunnel)
		r.Post("/{tunnelID}/viewers/{viewerID}", AddViewer)
		r.Delete("/{tunnelID}/viewers/{viewerID}", RemoveViewer)
	})

	r.HandleFunc("/live/{username}/{project}/*", ProxyTunnel)

	return r
}

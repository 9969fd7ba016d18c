package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes mounts the local control API. mesh accepts links from other
// peers.
func SetupRoutes(g Game, mesh http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Get("/mesh", mesh)

	r.Post("/join", Join(g))
	r.Post("/start", Start(g))
	r.Post("/match", Match(g))
	r.Post("/reset", Reset(g))
	r.Get("/state", State(g))
	r.Get("/leaderboard", Leaderboard(g))
	return r
}

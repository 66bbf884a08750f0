package statusapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the status API's chi router. All routes are local-
// only (spec.md carries no auth requirement for this surface — it is
// not the BlobStore/TokenSource capability boundary, just an operator
// convenience), so no AuthMiddleware is mounted.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/status", h.Status)
		r.Post("/sync", h.TriggerSync)
		r.Post("/backup", h.TriggerBackup)
	})

	return r
}

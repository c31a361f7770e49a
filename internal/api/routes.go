package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/sync", func(r chi.Router) {
				r.Get("/status", h.SyncStatus)
				r.Get("/stats", h.SyncStats)
				r.Post("/trigger", h.TriggerSync)
				r.Post("/retry", h.RetryFailed)
			})

			r.Route("/network", func(r chi.Router) {
				r.Get("/", h.NetworkStatus)
				r.Post("/test", h.TestConnection)
			})

			r.Get("/backup", h.ExportBackup)
			r.Get("/backup/url", h.BackupURL)
			r.Post("/restore", h.RestoreBackup)

			r.Route("/{collection}", func(r chi.Router) {
				r.Get("/", h.ListRecords)
				r.Post("/", h.CreateRecord)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetRecord)
					r.Put("/", h.UpdateRecord)
					r.Delete("/", h.DeleteRecord)
				})
			})
		})
	})

	return r
}

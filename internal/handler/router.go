package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tenant-kms/config"
	"tenant-kms/internal/middleware"
)

// NewRouter はルーティングを構築する。
func NewRouter(cfg *config.Config, keyHandler *KeyHandler, auditHandler *AuditHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)

	r.Get("/healthz", keyHandler.Health)

	r.Route("/v1/tenants/{tenant_id}", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/", keyHandler.CreateKey)
			r.Get("/", keyHandler.ListKeys)
			r.Get("/current", keyHandler.GetCurrentKey)

			r.Route("/{key_id}", func(r chi.Router) {
				r.Get("/", keyHandler.GetKey)
				r.Get("/metadata", keyHandler.GetKeyMetadata)
				r.Get("/integrity", keyHandler.CheckIntegrity)
				r.Post("/rotate", keyHandler.RotateKey)
				r.Post("/activate", keyHandler.ActivateKey)
				r.Post("/deactivate", keyHandler.DeactivateKey)
				r.Post("/compromise", keyHandler.MarkCompromised)
				r.Delete("/", keyHandler.DeleteKey)

				r.Put("/schedule", keyHandler.UpsertSchedule)
				r.Get("/schedule", keyHandler.GetSchedule)
			})
		})

		r.Route("/audit-logs", func(r chi.Router) {
			r.Get("/", auditHandler.QueryLogs)
			r.Get("/export", auditHandler.ExportLogs)
			r.Get("/suspicious", auditHandler.SuspiciousActivity)
			r.Get("/stats", auditHandler.EventTypeStats)
		})

		r.Get("/rotation/stats", keyHandler.GetRotationStats)
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, "tenant-kms")
	}
	return r
}

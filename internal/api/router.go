package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcnelson/provisioner/internal/api/handler"
	"github.com/bcnelson/provisioner/internal/api/middleware"
	"github.com/bcnelson/provisioner/internal/hooks"
	"github.com/bcnelson/provisioner/internal/ledger"
	"github.com/bcnelson/provisioner/internal/service"
)

// Services are the application services the router exposes.
type Services struct {
	Policies *service.PolicyService
	Nodes    *service.NodeService
	Hooks    *hooks.HookService
	Ledger   *ledger.Ledger
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(svc Services, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	nodeHandler := handler.NewNodeHandler(svc.Nodes, logger)

	// Node-facing service endpoints
	r.Route("/svc", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Post("/checkin", nodeHandler.Checkin)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.ContentType)

		// Commands
		commandHandler := handler.NewCommandHandler(svc.Policies, svc.Nodes, svc.Hooks, svc.Ledger, logger)
		r.Post("/commands/{name}", commandHandler.Submit)
		r.Get("/commands/{id}", commandHandler.Get)

		// Nodes
		r.Get("/nodes", nodeHandler.List)
		r.Get("/nodes/{name}", nodeHandler.Get)
		r.Get("/nodes/{name}/log", nodeHandler.Log)

		// Collections
		collections := handler.NewCollectionHandler(svc.Policies, svc.Hooks)
		r.Get("/policies", collections.Policies)
		r.Get("/tags", collections.Tags)
		r.Get("/hooks", collections.Hooks)
	})

	return r
}

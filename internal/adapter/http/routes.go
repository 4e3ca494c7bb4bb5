package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. wsHandler
// mounts the realtime status stream; pass nil to disable it.
func MountRoutes(r chi.Router, h *Handlers, wsHandler http.HandlerFunc) {
	r.Get("/health", h.Health)

	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Requests (blocking) and tasks (fire-and-forget)
		r.Post("/requests", h.SubmitRequest)
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks/{id}", h.GetTask)

		// Capability registry
		r.Get("/capabilities", h.ListCapabilities)

		// Workflow definitions
		r.Get("/workflows", h.ListWorkflows)
		r.Post("/workflows", h.SaveWorkflow)
		r.Get("/workflows/{name}", h.GetWorkflow)

		// Runs
		r.Post("/runs", h.StartRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Get("/runs/{id}/events", h.ListRunEvents)

		// Collaboration sessions
		r.Post("/collaborate", h.Collaborate)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/cancel", h.CancelSession)
	})
}

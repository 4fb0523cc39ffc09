package httpapi

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/healthz", healthHandler)
	r.Get("/tasks", app.listTasksHandler)

	r.Get("/allocate", app.candidatesHandler)
	r.Post("/allocate", app.allocateHandler)
	r.Post("/deallocate/{step_id}", app.deallocateHandler)
	r.Post("/jobsteps/{step_id}/heartbeat", app.heartbeatHandler)
}

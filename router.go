package shellcache

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// ControlPrefix is the path prefix of the worker's own endpoints.
// Requests under it are never intercepted.
const ControlPrefix = "/.shellcache"

// Router serves the control endpoints and passes every other request to the worker.
func (wk *Worker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(wk.log))

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", wk.MessageHandler().ServeHTTP)
		r.Get("/metrics", wk.metrics.Handler().ServeHTTP)
		r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":     wk.lifecycle.Version(),
				"store":       wk.lifecycle.StoreName(),
				"state":       wk.lifecycle.State().String(),
				"controlling": wk.lifecycle.Controlling(),
			})
		})
	})
	r.Handle("/*", wk)
	return r
}

package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openhab/openhab-cloud/session"
)

// NewRouter assembles the public HTTP surface of one cloud node: the site
// tunnel endpoint and the client proxy catch-all.
func NewRouter(dispatcher *Dispatcher, hub *session.Hub) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Sites connect here with uuid/secret query parameters.
	router.Handle("/ws", hub)
	router.Handle("/ws/*", hub)

	// Everything else is client traffic bound for a site.
	router.NotFound(dispatcher.ServeHTTP)
	router.MethodNotAllowed(dispatcher.ServeHTTP)

	return router
}

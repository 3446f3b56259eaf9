package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig carries the optional pieces of the router.
type RouterConfig struct {
	// JWT guards /api/v1 and /ws. A nil PublicKey disables authentication,
	// which is only useful in tests.
	JWT JWTConfig

	// Metrics serves GET /metrics. Nil omits the route.
	Metrics http.Handler

	// Events serves the websocket stream at /ws/sessions/{id}/events. Nil
	// omits the route.
	Events http.Handler
}

// NewRouter returns the console's chi router.
//
// Route layout:
//
//	GET    /healthz                                 – liveness (no auth)
//	GET    /metrics                                 – Prometheus text (no auth)
//	GET    /api/v1/monitors                         – configured monitors
//	GET    /api/v1/sessions                         – list sessions
//	POST   /api/v1/sessions                         – open a session
//	GET    /api/v1/sessions/{id}                    – session status
//	DELETE /api/v1/sessions/{id}                    – close a session
//	GET    /api/v1/sessions/{id}/endpoint           – active endpoint
//	PUT    /api/v1/sessions/{id}/endpoint           – select endpoint
//	DELETE /api/v1/sessions/{id}/endpoint           – clear endpoint
//	GET    /api/v1/sessions/{id}/listener           – listening?
//	POST   /api/v1/sessions/{id}/listener/start     – start listening
//	POST   /api/v1/sessions/{id}/listener/stop      – stop listening
//	POST   /api/v1/sessions/{id}/listener/poll      – poll now
//	GET    /api/v1/sessions/{id}/events             – delivered history
//	GET    /ws/sessions/{id}/events                 – websocket stream
func NewRouter(srv *Server, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWT.PublicKey != nil {
			r.Use(JWTMiddleware(cfg.JWT))
		}

		r.Get("/monitors", srv.handleListMonitors)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", srv.handleListSessions)
			r.Post("/", srv.handleCreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", srv.handleGetSession)
				r.Delete("/", srv.handleDeleteSession)

				r.Get("/endpoint", srv.handleGetEndpoint)
				r.Put("/endpoint", srv.handlePutEndpoint)
				r.Delete("/endpoint", srv.handleDeleteEndpoint)

				r.Get("/listener", srv.handleGetListener)
				r.Post("/listener/start", srv.handleStartListener)
				r.Post("/listener/stop", srv.handleStopListener)
				r.Post("/listener/poll", srv.handlePollListener)

				r.Get("/events", srv.handleGetEvents)
			})
		})
	})

	if cfg.Events != nil {
		r.Group(func(r chi.Router) {
			if cfg.JWT.PublicKey != nil {
				wsAuth := cfg.JWT
				wsAuth.AllowQueryToken = true
				r.Use(JWTMiddleware(wsAuth))
			}
			r.Method(http.MethodGet, "/ws/sessions/{id}/events", cfg.Events)
		})
	}

	return r
}

package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/console/internal/config"
	"github.com/tripwire/console/internal/console"
	"github.com/tripwire/console/internal/monitor"
	"github.com/tripwire/console/internal/server/storage"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	console Console
	store   Store
	logger  *slog.Logger
}

// NewServer creates a Server. store may be nil when history is disabled.
func NewServer(c Console, store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{console: c, store: store, logger: logger}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeConsoleError maps console errors to HTTP status codes.
func (s *Server) writeConsoleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, console.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "unknown session")
	case errors.Is(err, console.ErrInvalidEndpoint), errors.Is(err, console.ErrUnknownMonitor):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, console.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "console is shutting down")
	default:
		s.logger.Error("rest: request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleHealthz responds to GET /healthz without authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Health())
}

// handleListMonitors responds to GET /api/v1/monitors.
func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors := s.console.Monitors()
	if monitors == nil {
		monitors = []config.Monitor{}
	}
	writeJSON(w, http.StatusOK, monitors)
}

// handleListSessions responds to GET /api/v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.console.Sessions()
	if sessions == nil {
		sessions = []console.SessionStatus{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleCreateSession responds to POST /api/v1/sessions with 201 and the new
// session's status.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.console.CreateSession(actor(r))
	if err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	st, err := s.console.Status(id)
	if err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+id)
	writeJSON(w, http.StatusCreated, st)
}

// handleGetSession responds to GET /api/v1/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.console.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDeleteSession responds to DELETE /api/v1/sessions/{id} with 204.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.console.CloseSession(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type endpointResponse struct {
	Endpoint string `json:"endpoint"`
	Selected bool   `json:"selected"`
}

// handleGetEndpoint responds to GET /api/v1/sessions/{id}/endpoint.
func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	endpoint, ok, err := s.console.Endpoint(chi.URLParam(r, "id"))
	if err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpointResponse{Endpoint: endpoint, Selected: ok})
}

// handlePutEndpoint responds to PUT /api/v1/sessions/{id}/endpoint.
//
// The body is {"endpoint": "<url>"} or {"monitor": "<name>"}.
func (s *Server) handlePutEndpoint(w http.ResponseWriter, r *http.Request) {
	var sel console.Selection
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with 'endpoint' or 'monitor'")
		return
	}

	endpoint, err := s.console.SelectEndpoint(r.Context(), chi.URLParam(r, "id"), sel, actor(r))
	if err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpointResponse{Endpoint: endpoint, Selected: true})
}

// handleDeleteEndpoint responds to DELETE /api/v1/sessions/{id}/endpoint with
// 204.
func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.console.ClearEndpoint(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listenerResponse struct {
	Listening bool `json:"listening"`
}

func (s *Server) writeListener(w http.ResponseWriter, r *http.Request, id string) {
	listening, err := s.console.IsListening(id)
	if err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listenerResponse{Listening: listening})
}

// handleGetListener responds to GET /api/v1/sessions/{id}/listener.
func (s *Server) handleGetListener(w http.ResponseWriter, r *http.Request) {
	s.writeListener(w, r, chi.URLParam(r, "id"))
}

// handleStartListener responds to POST /api/v1/sessions/{id}/listener/start.
func (s *Server) handleStartListener(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.console.StartListening(id, actor(r)); err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	s.writeListener(w, r, id)
}

// handleStopListener responds to POST /api/v1/sessions/{id}/listener/stop.
func (s *Server) handleStopListener(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.console.StopListening(id, actor(r)); err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	s.writeListener(w, r, id)
}

// handlePollListener responds to POST /api/v1/sessions/{id}/listener/poll by
// running one poll immediately. Fresh events reach the browser over the
// websocket stream, not in this response.
func (s *Server) handlePollListener(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.console.Refresh(r.Context(), id); err != nil {
		s.writeConsoleError(w, r, err)
		return
	}
	s.writeListener(w, r, id)
}

// historyItem is one row of GET /api/v1/sessions/{id}/events.
type historyItem struct {
	ID          int64     `json:"id"`
	Endpoint    string    `json:"endpoint"`
	DeliveredAt time.Time `json:"delivered_at"`
	monitor.View
}

// handleGetEvents responds to GET /api/v1/sessions/{id}/events.
//
// Supported query parameters:
//
//	limit – maximum number of results (default 50, max 500)
//	since – RFC3339 lower bound on delivery time (optional)
//
// Returns 503 when history is disabled.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.console.Status(id); err != nil {
		s.writeConsoleError(w, r, err)
		return
	}

	q := storage.EventQuery{SessionID: id}
	params := r.URL.Query()
	if limitStr := params.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		q.Limit = limit
	}
	if sinceStr := params.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'since' must be a valid RFC3339 timestamp")
			return
		}
		q.Since = since
	}

	rows, err := s.store.RecentEvents(r.Context(), q)
	if err != nil {
		s.logger.Error("rest: query event history", slog.String("session_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query event history")
		return
	}

	items := make([]historyItem, 0, len(rows))
	for _, d := range rows {
		items = append(items, historyItem{
			ID:          d.ID,
			Endpoint:    d.Endpoint,
			DeliveredAt: d.DeliveredAt,
			View:        monitor.Render(d.Event),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// Package api implements the REST control plane: token-authenticated CRUD
// over the route store via chi.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chp-go/chp/internal/config"
	"github.com/chp-go/chp/internal/logging"
	"github.com/chp-go/chp/internal/store"
)

// requestIDHeader carries a per-request correlation id through logs, the
// way chi's own middleware.RequestID does for its ecosystem.
const requestIDHeader = "X-Request-Id"

// Server wires the control plane's chi.Router over a route store.
type Server struct {
	Store  store.Store
	Cfg    *config.Config
	router chi.Router
}

// New builds a Server and registers its routes. It logs a startup warning
// when auth_token is unset.
func New(s store.Store, cfg *config.Config) *Server {
	if cfg.AuthToken == "" {
		logging.L().Warn().Msg("CONFIGPROXY_AUTH_TOKEN is unset: the control API is unauthenticated")
	}

	srv := &Server{Store: s, Cfg: cfg}
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(srv.authenticate)
	r.Route("/api/routes", func(r chi.Router) {
		r.Get("/", srv.listRoutes)
		r.Get("/*", srv.getRoute)
		r.Post("/*", srv.createRoute)
		r.Delete("/*", srv.deleteRoute)
	})
	srv.router = r
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestID stamps each request with a fresh UUID, echoed back on the
// response and attached to its log lines for correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(requestIDHeader, id)
		logging.L().Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).Msg("control API request")
		next.ServeHTTP(w, r)
	})
}

// authenticate enforces the "Authorization: token <secret>" contract. A
// missing or mismatched token yields 403 with no body leakage.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "token" || parts[1] != s.Cfg.AuthToken {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// routePath extracts and percent-decodes the wildcard path segment and
// prefixes it with "/"; the store canonicalizes the result.
func routePath(r *http.Request) (string, error) {
	wildcard := chi.URLParam(r, "*")
	decoded, err := url.PathUnescape(wildcard)
	if err != nil {
		return "", err
	}
	return "/" + decoded, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// listRoutes serves GET /api/routes, optionally filtered by
// inactive_since/inactiveSince.
func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawThreshold := q.Get("inactive_since")
	if rawThreshold == "" {
		rawThreshold = q.Get("inactiveSince")
	}

	all := s.Store.GetAll()
	if rawThreshold == "" {
		writeJSON(w, http.StatusOK, all)
		return
	}

	threshold, err := time.Parse(time.RFC3339, rawThreshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid inactive_since: must be ISO-8601")
		return
	}

	filtered := make(map[string]store.Data, len(all))
	for path, data := range all {
		activity, ok := data.LastActivity()
		if ok && activity.Before(threshold) {
			filtered[path] = data
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// getRoute serves GET /api/routes/<path>.
func (s *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	path, err := routePath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path encoding")
		return
	}
	data, ok := s.Store.Get(path)
	if !ok {
		writeError(w, http.StatusNotFound, "no such route")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// createRoute serves POST /api/routes/<path>.
func (s *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	path, err := routePath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path encoding")
		return
	}

	var data store.Data
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, ok := data.Target(); !ok {
		writeError(w, http.StatusBadRequest, "missing required \"target\" field")
		return
	}

	if err := s.Store.Add(path, data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// deleteRoute serves DELETE /api/routes/<path>.
func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	path, err := routePath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path encoding")
		return
	}
	if _, ok := s.Store.Remove(path); !ok {
		writeError(w, http.StatusNotFound, "no such route")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Package api exposes annotation sessions over HTTP: login, the record on
// display, save and skip, and catalog progress.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/tagging-cli/internal/auth"
	"github.com/sells-group/tagging-cli/internal/model"
	"github.com/sells-group/tagging-cli/internal/monitoring"
	"github.com/sells-group/tagging-cli/internal/session"
	"github.com/sells-group/tagging-cli/internal/tagstore"
)

// Server holds the handlers' collaborators.
type Server struct {
	sessions *session.Manager
	gate     *auth.Gate
	metrics  *monitoring.Metrics
	origins  []string
}

// New creates a Server. A nil gate rejects every login.
func New(sessions *session.Manager, gate *auth.Gate, metrics *monitoring.Metrics, origins []string) *Server {
	return &Server{sessions: sessions, gate: gate, metrics: metrics, origins: origins}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/progress", s.progress)
		r.Get("/annotators", s.annotators)
		r.Post("/sessions", s.login)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/current", s.current)
			r.Post("/save", s.save)
			r.Post("/skip", s.skip)
			r.Delete("/", s.logout)
		})
	})
	return r
}

type loginRequest struct {
	Name string `json:"name"`
	PIN  string `json:"pin"`
}

type sessionResponse struct {
	SessionID string        `json:"session_id"`
	Tagger    string        `json:"tagger"`
	Current   *session.Item `json:"current"`
	Done      bool          `json:"done"`
}

type currentResponse struct {
	Current  *session.Item    `json:"current"`
	Done     bool             `json:"done"`
	Progress session.Progress `json:"progress"`
}

type progressResponse struct {
	session.Progress
	ByTagger map[string]int `json:"by_tagger"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) annotators(w http.ResponseWriter, _ *http.Request) {
	var names []string
	if s.gate != nil {
		names = s.gate.Names()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"annotators": names})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.PIN == "" {
		writeError(w, http.StatusBadRequest, "name and pin are required")
		return
	}
	if s.gate == nil {
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	tagger, err := s.gate.Authenticate(req.Name, req.PIN)
	if err != nil {
		zap.L().Warn("api: login failed", zap.String("name", req.Name), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	sess, err := s.sessions.Open(r.Context(), tagger)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	item, err := sess.Current(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID: sess.ID,
		Tagger:    sess.Tagger,
		Current:   item,
		Done:      item == nil,
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) current(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	item, err := sess.Current(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{Current: item, Done: item == nil, Progress: sess.Progress()})
}

func (s *Server) skip(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	item, err := sess.Skip(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{Current: item, Done: item == nil, Progress: sess.Progress()})
}

func (s *Server) save(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var payload model.TaggedRecord
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := sess.Save(r.Context(), payload)
	if err != nil {
		zap.L().Warn("api: save failed",
			zap.String("session_id", sess.ID),
			zap.String("key", payload.Key),
			zap.Error(err),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	deps := s.sessions.Deps()
	records, err := deps.Store.Load(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	live := tagstore.ResolveDuplicates(records)
	tagged := deps.Catalog.CountTagged(model.KeySet(live))
	writeJSON(w, http.StatusOK, progressResponse{
		Progress: session.ComputeProgress(tagged, deps.Catalog.Len()),
		ByTagger: tagstore.CountByTagger(live),
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return sess, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnknownKey), errors.Is(err, session.ErrNoCurrent):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, tagstore.ErrBelowFloor):
		return http.StatusConflict
	case errors.Is(err, tagstore.ErrLocked):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Package server exposes the provisioning workflow over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"codespace-userd/internal/provision"
	"codespace-userd/types"
)

const maxRequestBody = 4 << 10

// Workflow is the provisioning surface the HTTP layer drives.
type Workflow interface {
	Create(ctx context.Context, username string) (*provision.CreatedAccount, error)
	GetInfo(ctx context.Context, username string) (*provision.Account, error)
	Delete(ctx context.Context, username string) error
}

// Verifier checks a bearer token and returns its subject.
type Verifier interface {
	Verify(raw string) (string, error)
}

type Server struct {
	workflow Workflow
	verifier Verifier // nil means auth is disabled
	logger   *logrus.Logger
	httpSrv  *http.Server
}

func New(cfg *types.Config, workflow Workflow, verifier Verifier, logger *logrus.Logger) *Server {
	s := &Server{
		workflow: workflow,
		verifier: verifier,
		logger:   logger,
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/users", s.requireAuth(s.handleCreateUser))
	mux.HandleFunc("GET /api/users/{username}", s.requireAuth(s.handleGetUser))
	mux.HandleFunc("DELETE /api/users/{username}", s.requireAuth(s.handleDeleteUser))
	mux.HandleFunc("GET /api/health", s.handleHealth)

	return s.withRequestLogging(mux)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req types.CreateUserRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: expected JSON with a username field")
		return
	}

	created, err := s.workflow.Create(r.Context(), req.Username)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	info, err := s.workflow.GetInfo(r.Context(), username)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	if err := s.workflow.Delete(r.Context(), username); err != nil {
		s.writeWorkflowError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, types.MessageResponse{
		Message: "user " + username + " deleted successfully",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeWorkflowError maps the provisioning error taxonomy onto HTTP status
// codes: bad usernames are the client's fault, missing accounts are 404,
// duplicates are 409, and failing host commands are the server's problem.
func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	var (
		validationErr *provision.ValidationError
		notFoundErr   *provision.NotFoundError
		conflictErr   *provision.ConflictError
	)

	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFoundErr):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflictErr):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.WithError(err).Error("Provisioning operation failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Warn("Failed to write response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: message})
}

// requireAuth rejects requests without a valid bearer token. With no
// verifier configured the API is open, which is only intended for
// development and dry runs.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		subject, err := s.verifier.Verify(raw)
		if err != nil {
			s.logger.WithError(err).Debug("Rejected bearer token")
			s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		s.logger.WithField("subject", subject).Debug("Authenticated request")
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
			"remote":   r.RemoteAddr,
		}).Info("Handled request")
	})
}

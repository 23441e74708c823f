package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/browserctl/internal/apperr"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

// Sessions is the session manager as seen by the HTTP layer
type Sessions interface {
	StartSession(ctx context.Context, req models.CreateSessionRequest) (models.Session, error)
	EndSession(ctx context.Context) (models.Session, error)
	Get(id string) models.Session
	List() []models.Session
	IsActive(id string) bool
	LiveDetails(ctx context.Context) (models.LiveDetails, error)
}

// Solver starts captcha solving on a page of the active session
type Solver interface {
	Solve(ctx context.Context, pageID, taskID string) (string, error)
}

// Tasks is the captcha task registry as seen by the HTTP layer
type Tasks interface {
	Wait(ctx context.Context, taskID string) (models.CaptchaTask, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions Sessions
	solver   Solver
	tasks    Tasks
	log      logrus.FieldLogger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions Sessions, solver Solver, tasks Tasks, log logrus.FieldLogger) *Handler {
	return &Handler{
		sessions: sessions,
		solver:   solver,
		tasks:    tasks,
		log:      log,
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	session, err := h.sessions.StartSession(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ReleaseSession handles POST /v1/sessions/{id}/release
func (h *Handler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.releasable(id) {
		h.writeError(w, apperr.NotFound("session %s is not active", id))
		return
	}

	session, err := h.sessions.EndSession(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// releasable reports whether id is the active session and is live, or
// failed and still holding its resources.
func (h *Handler) releasable(id string) bool {
	if h.sessions.IsActive(id) {
		return true
	}
	s := h.sessions.Get(id)
	return s.ID == id && s.Status == models.StatusFailed
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Get(mux.Vars(r)["id"]))
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

// LiveDetails handles GET /v1/sessions/{id}/live-details
func (h *Handler) LiveDetails(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.sessions.IsActive(id) {
		h.writeError(w, apperr.NotFound("session %s is not active", id))
		return
	}

	details, err := h.sessions.LiveDetails(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// GetDebugURL handles GET /v1/sessions/{id}/debug
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.Get(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, models.DebugURLs{
		SessionID:        session.ID,
		Status:           session.Status,
		WebsocketURL:     session.WebsocketURL,
		DebugURL:         session.DebugURL,
		DebuggerURL:      session.DebuggerURL,
		SessionViewerURL: session.SessionViewerURL,
	})
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserctl/internal/apperr"
	"github.com/shehryarbajwa/browserctl/internal/captcha"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

// SolveCaptcha handles POST /v1/sessions/{id}/captchas/solve
func (h *Handler) SolveCaptcha(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.sessions.IsActive(id) {
		h.writeError(w, apperr.NotFound("session %s is not active", id))
		return
	}
	if h.sessions.Get(id).IsSelenium {
		h.writeError(w, apperr.Validation("captcha solving is not available for selenium sessions"))
		return
	}

	var req models.SolveCaptchaRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	taskID, err := h.solver.Solve(r.Context(), req.PageID, req.TaskID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.WithField("session_id", id).WithField("task_id", taskID).Info("Captcha solving started")
	writeJSON(w, http.StatusAccepted, models.SolveCaptchaResponse{TaskID: taskID})
}

// CaptchaStatus handles GET /v1/sessions/{id}/captchas/{taskId}. It blocks
// until the task settles; failed and timed out tasks are reported, not errors.
func (h *Handler) CaptchaStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	task, err := h.tasks.Wait(r.Context(), taskID)
	var taskErr *captcha.TaskError
	if err != nil && !errors.As(err, &taskErr) {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

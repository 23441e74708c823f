// Package captcha bridges captcha solving inside the browser to HTTP callers.
// The Registry holds one single-settlement rendezvous per task; the Solver
// triggers solving in a page and routes the in-page report back.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/shehryarbajwa/browserctl/internal/apperr"
	"github.com/shehryarbajwa/browserctl/internal/metrics"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

const sessionEndedMessage = "session ended"

// TaskError is the rejection value of a task that did not succeed
type TaskError struct {
	Status  models.CaptchaStatus
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("captcha task %s: %s", e.Status, e.Message)
}

type task struct {
	info models.CaptchaTask
	done chan struct{}
	err  error
}

func (t *task) settled() bool {
	return t.info.Status != models.CaptchaPending
}

// Registry is the process-wide store of captcha tasks
type Registry struct {
	mu      sync.Mutex
	tasks   map[string]*task
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

func NewRegistry(m *metrics.Metrics, log logrus.FieldLogger) *Registry {
	return &Registry{
		tasks:   make(map[string]*task),
		metrics: m,
		log:     log,
	}
}

// AddTask registers a pending task. A pending task with the same id is
// rejected; a settled one is replaced by a fresh rendezvous.
func (r *Registry) AddTask(taskID, pageID string) (models.CaptchaTask, error) {
	if taskID == "" {
		return models.CaptchaTask{}, apperr.Validation("taskId is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[taskID]; ok && !existing.settled() {
		return models.CaptchaTask{}, apperr.Validation("captcha task %s is already pending", taskID)
	}
	t := &task{
		info: models.CaptchaTask{TaskID: taskID, PageID: pageID, Status: models.CaptchaPending},
		done: make(chan struct{}),
	}
	r.tasks[taskID] = t
	return t.info, nil
}

// UpdateTask settles a pending task. Unknown and settled tasks are left
// untouched. A "success" report is only recorded as success when the nested
// result.success flag of data is true.
func (r *Registry) UpdateTask(taskID string, data json.RawMessage, finalStatus models.CaptchaStatus) bool {
	log := r.log.WithField("task_id", taskID)

	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		log.Warn("Ignoring update for unknown captcha task")
		return false
	}
	if t.settled() {
		r.mu.Unlock()
		log.WithField("status", t.info.Status).Warn("Ignoring update for settled captcha task")
		return false
	}

	status := finalStatus
	if finalStatus == models.CaptchaSuccess && !gjson.GetBytes(data, "result.success").Bool() {
		status = models.CaptchaFailed
	}

	// Timing is taken from the report only; absent fields stay unset.
	if ts, ok := timestamp(data, "startTime"); ok {
		t.info.StartTime = &ts
	}
	if ts, ok := timestamp(data, "endTime"); ok {
		t.info.EndTime = &ts
	}
	if v := gjson.GetBytes(data, "timeTaken"); v.Exists() {
		t.info.TimeTaken = v.Int()
	}
	if v := gjson.GetBytes(data, "result"); v.Exists() {
		t.info.Result = json.RawMessage(v.Raw)
	}
	t.info.Status = status

	if status == models.CaptchaSuccess {
		t.err = nil
	} else {
		msg := lo.CoalesceOrEmpty(
			gjson.GetBytes(data, "error").String(),
			gjson.GetBytes(data, "result.error").String(),
			gjson.GetBytes(data, "message").String(),
			fmt.Sprintf("captcha solving ended with status %s", status),
		)
		t.info.Error = msg
		t.err = &TaskError{Status: status, Message: msg}
	}
	close(t.done)
	r.mu.Unlock()

	r.metrics.CaptchaSettled(string(status))
	log.WithField("status", status).Info("Captcha task settled")
	return true
}

// timestamp accepts epoch milliseconds or an RFC 3339 string.
func timestamp(data json.RawMessage, path string) (time.Time, bool) {
	v := gjson.GetBytes(data, path)
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()), true
	case gjson.String:
		ts, err := time.Parse(time.RFC3339Nano, v.String())
		return ts, err == nil
	default:
		return time.Time{}, false
	}
}

// GetTask returns a copy of the task state.
func (r *Registry) GetTask(taskID string) (models.CaptchaTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return models.CaptchaTask{}, false
	}
	return t.info, true
}

// ClearTasks rejects every pending task as failed and empties the registry.
func (r *Registry) ClearTasks() {
	r.mu.Lock()
	pending := lo.Filter(lo.Values(r.tasks), func(t *task, _ int) bool { return !t.settled() })
	for _, t := range pending {
		t.info.Status = models.CaptchaFailed
		t.info.Error = sessionEndedMessage
		t.err = &TaskError{Status: models.CaptchaFailed, Message: sessionEndedMessage}
		close(t.done)
	}
	r.tasks = make(map[string]*task)
	r.mu.Unlock()

	for range pending {
		r.metrics.CaptchaSettled(string(models.CaptchaFailed))
	}
	if len(pending) > 0 {
		r.log.WithField("rejected", len(pending)).Info("Cleared pending captcha tasks")
	}
}

// Len is the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Wait blocks until the task settles or ctx is done. A rejected task returns
// its final state together with a *TaskError. A resolved task is read back
// from the registry; if it is gone by then an InternalState error is returned.
func (r *Registry) Wait(ctx context.Context, taskID string) (models.CaptchaTask, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return models.CaptchaTask{}, apperr.NotFound("captcha task %s not found", taskID)
	}

	select {
	case <-ctx.Done():
		return models.CaptchaTask{}, apperr.Timeout("waiting for captcha task %s: %v", taskID, ctx.Err())
	case <-t.done:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t.err != nil {
		return t.info, t.err
	}
	if current, ok := r.tasks[taskID]; !ok || current != t {
		return models.CaptchaTask{}, apperr.InternalState("captcha task %s vanished after settlement", taskID)
	}
	return t.info, nil
}

// done exposes the rendezvous of a registered task.
func (r *Registry) done(taskID string) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.done, true
}

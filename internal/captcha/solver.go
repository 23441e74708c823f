package captcha

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/browserctl/internal/apperr"
	"github.com/shehryarbajwa/browserctl/internal/browser"
	"github.com/shehryarbajwa/browserctl/internal/events"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

// solveScript starts the page's solver hook and reports through the captcha
// binding installed by the CDP driver.
const solveScript = `(taskId) => {
  const report = (status, data) =>
    window.__browserctlCaptcha(JSON.stringify({ taskId, status, data }));
  const solve = window.__browserctlSolveCaptcha;
  if (typeof solve !== 'function') {
    report('failed', { error: 'no captcha solver available on page' });
    return false;
  }
  const startTime = Date.now();
  Promise.resolve()
    .then(() => solve())
    .then(
      (result) => {
        const endTime = Date.now();
        report('success', { result, startTime, endTime, timeTaken: endTime - startTime });
      },
      (err) => {
        const endTime = Date.now();
        report('failed', { error: String(err), startTime, endTime, timeTaken: endTime - startTime });
      },
    );
  return true;
}`

// PageSource lists the pages solving can be triggered in
type PageSource interface {
	Pages(ctx context.Context) ([]browser.Page, error)
	Events() *events.Emitter
}

// Solver triggers in-page captcha solving and settles tasks from the reports
type Solver struct {
	registry *Registry
	pages    PageSource
	timeout  time.Duration
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	off    func()
	wg     sync.WaitGroup
}

// NewSolver subscribes to the captcha topic of pages. Close releases it.
func NewSolver(registry *Registry, pages PageSource, timeout time.Duration, log logrus.FieldLogger) *Solver {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Solver{
		registry: registry,
		pages:    pages,
		timeout:  timeout,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.off = pages.Events().On(events.TopicCaptcha, s.onReport)
	return s
}

func (s *Solver) onReport(payload any) {
	ev, ok := payload.(browser.CaptchaEvent)
	if !ok {
		return
	}
	s.registry.UpdateTask(ev.TaskID, ev.Data, models.CaptchaStatus(ev.Status))
}

// Solve registers a task and starts solving on pageID, or on the first page
// when pageID is empty. It returns once the task is registered.
func (s *Solver) Solve(ctx context.Context, pageID, taskID string) (string, error) {
	pages, err := s.pages.Pages(ctx)
	if err != nil {
		return "", apperr.Driver(err, "failed to list pages")
	}
	if len(pages) == 0 {
		return "", apperr.NotFound("no open pages")
	}
	page := pages[0]
	if pageID != "" {
		p, ok := browser.FindPage(pages, pageID)
		if !ok {
			return "", apperr.NotFound("page %s not found", pageID)
		}
		page = p
	}

	if taskID == "" {
		taskID = uuid.NewString()
	}
	if _, err := s.registry.AddTask(taskID, page.ID()); err != nil {
		return "", err
	}

	s.wg.Add(1)
	go s.run(taskID, page)
	return taskID, nil
}

func (s *Solver) run(taskID string, page browser.Page) {
	defer s.wg.Done()
	log := s.log.WithFields(logrus.Fields{"task_id": taskID, "page_id": page.ID()})

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	done, ok := s.registry.done(taskID)
	if !ok {
		return
	}

	if _, err := page.Evaluate(ctx, solveScript, taskID); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Failed to trigger captcha solving")
		s.registry.UpdateTask(taskID, errorPayload(err.Error()), models.CaptchaFailed)
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
		if s.ctx.Err() != nil {
			s.registry.UpdateTask(taskID, errorPayload("solver stopped"), models.CaptchaFailed)
			return
		}
		log.Warn("Captcha solving timed out")
		s.registry.UpdateTask(taskID, errorPayload("captcha solving timed out"), models.CaptchaTimeout)
	}
}

func errorPayload(msg string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}

// Close unsubscribes and stops in-flight solves.
func (s *Solver) Close() {
	s.off()
	s.cancel()
	s.wg.Wait()
}

package captcha

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserctl/internal/apperr"
	"github.com/shehryarbajwa/browserctl/internal/browser"
	"github.com/shehryarbajwa/browserctl/internal/events"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

// scriptedPage emits a captcha report when evaluated, like the in-page hook.
type scriptedPage struct {
	id      string
	emitter *events.Emitter
	report  *browser.CaptchaEvent
	evalErr error

	mu    sync.Mutex
	calls []any
}

func (p *scriptedPage) ID() string    { return p.id }
func (p *scriptedPage) URL() string   { return "https://example.com" }
func (p *scriptedPage) Title() string { return "Example" }

func (p *scriptedPage) Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	p.mu.Lock()
	p.calls = append(p.calls, args...)
	p.mu.Unlock()
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	if p.report != nil {
		ev := *p.report
		ev.TaskID = args[0].(string)
		go p.emitter.Emit(events.TopicCaptcha, ev)
	}
	return json.RawMessage("true"), nil
}

type fakePages struct {
	pages   []browser.Page
	emitter *events.Emitter
}

func (f *fakePages) Pages(ctx context.Context) ([]browser.Page, error) { return f.pages, nil }
func (f *fakePages) Events() *events.Emitter                           { return f.emitter }

func newSolverFixture(t *testing.T, page *scriptedPage, timeout time.Duration) (*Solver, *Registry, *fakePages) {
	t.Helper()
	src := &fakePages{emitter: events.NewEmitter()}
	if page != nil {
		page.emitter = src.emitter
		src.pages = []browser.Page{page}
	}
	reg := NewRegistry(nil, quietLogger())
	s := NewSolver(reg, src, timeout, quietLogger())
	t.Cleanup(s.Close)
	return s, reg, src
}

func TestSolverSettlesFromReport(t *testing.T) {
	page := &scriptedPage{
		id: "page-1",
		report: &browser.CaptchaEvent{
			Status: "success",
			Data:   json.RawMessage(`{"result":{"success":true},"startTime":1700000000000,"endTime":1700000001500,"timeTaken":1500}`),
		},
	}
	s, reg, _ := newSolverFixture(t, page, time.Second)

	taskID, err := s.Solve(context.Background(), "page-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", taskID)

	task, err := reg.Wait(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.CaptchaSuccess, task.Status)
	assert.Equal(t, "page-1", task.PageID)
	assert.Equal(t, int64(1500), task.TimeTaken)
	assert.Equal(t, []any{"t1"}, page.calls)
}

func TestSolverGeneratesTaskIDAndUsesFirstPage(t *testing.T) {
	page := &scriptedPage{
		id:     "page-1",
		report: &browser.CaptchaEvent{Status: "failed", Data: json.RawMessage(`{"error":"no captcha solver available on page"}`)},
	}
	s, reg, _ := newSolverFixture(t, page, time.Second)

	taskID, err := s.Solve(context.Background(), "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	task, err := reg.Wait(context.Background(), taskID)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, models.CaptchaFailed, task.Status)
	assert.Equal(t, "no captcha solver available on page", task.Error)
}

func TestSolverTimesOut(t *testing.T) {
	page := &scriptedPage{id: "page-1"}
	s, reg, _ := newSolverFixture(t, page, 30*time.Millisecond)

	taskID, err := s.Solve(context.Background(), "page-1", "slow")
	require.NoError(t, err)

	task, err := reg.Wait(context.Background(), taskID)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, models.CaptchaTimeout, taskErr.Status)
	assert.Equal(t, models.CaptchaTimeout, task.Status)
}

func TestSolverTriggerFailure(t *testing.T) {
	page := &scriptedPage{id: "page-1", evalErr: assert.AnError}
	s, reg, _ := newSolverFixture(t, page, time.Second)

	taskID, err := s.Solve(context.Background(), "page-1", "t1")
	require.NoError(t, err)

	task, _ := reg.Wait(context.Background(), taskID)
	assert.Equal(t, models.CaptchaFailed, task.Status)
	assert.Contains(t, task.Error, assert.AnError.Error())
}

func TestSolverRejectsUnknownPage(t *testing.T) {
	s, reg, _ := newSolverFixture(t, &scriptedPage{id: "page-1"}, time.Second)

	_, err := s.Solve(context.Background(), "other", "t1")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	assert.Zero(t, reg.Len())

	empty, _, _ := newSolverFixture(t, nil, time.Second)
	_, err = empty.Solve(context.Background(), "", "t1")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestSolverCloseUnsubscribes(t *testing.T) {
	s, _, src := newSolverFixture(t, nil, time.Second)
	assert.Equal(t, 1, src.emitter.ListenerCount(events.TopicCaptcha))
	s.Close()
	assert.Zero(t, src.emitter.ListenerCount(events.TopicCaptcha))
}

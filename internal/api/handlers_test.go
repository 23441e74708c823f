package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserctl/internal/apperr"
	"github.com/shehryarbajwa/browserctl/internal/captcha"
	"github.com/shehryarbajwa/browserctl/internal/metrics"
	"github.com/shehryarbajwa/browserctl/internal/ratelimit"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

type fakeSessions struct {
	mu       sync.Mutex
	active   models.Session
	history  []models.Session
	startErr error
	lastReq  models.CreateSessionRequest
}

func (f *fakeSessions) StartSession(ctx context.Context, req models.CreateSessionRequest) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if f.startErr != nil {
		return models.Session{}, f.startErr
	}
	id := req.SessionID
	if id == "" {
		id = "sess-1"
	}
	f.active = models.Session{
		ID:         id,
		Status:     models.StatusLive,
		IsSelenium: req.IsSelenium,
		DebugURL:   "http://localhost/v1/sessions/" + id + "/debug",
	}
	return f.active, nil
}

func (f *fakeSessions) EndSession(ctx context.Context) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	released := f.active
	released.Status = models.StatusReleased
	f.history = append(f.history, released)
	f.active = models.Session{ID: "idle-1", Status: models.StatusIdle}
	return released, nil
}

func (f *fakeSessions) Get(id string) models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active.ID == id {
		return f.active
	}
	return models.Session{ID: id, Status: models.StatusReleased}
}

func (f *fakeSessions) List() []models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Session{f.active}, f.history...)
}

func (f *fakeSessions) IsActive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active.ID == id && f.active.Status == models.StatusLive
}

func (f *fakeSessions) LiveDetails(ctx context.Context) (models.LiveDetails, error) {
	return models.LiveDetails{
		SessionID:    f.active.ID,
		Pages:        []models.PageInfo{{ID: "p1", URL: "https://example.com", Title: "Example"}},
		BrowserState: models.BrowserState{Version: "Chrome/120"},
	}, nil
}

// registrySolver registers tasks without touching a browser.
type registrySolver struct {
	reg *captcha.Registry
}

func (s registrySolver) Solve(ctx context.Context, pageID, taskID string) (string, error) {
	if taskID == "" {
		taskID = "generated"
	}
	_, err := s.reg.AddTask(taskID, pageID)
	return taskID, err
}

type apiFixture struct {
	sessions *fakeSessions
	tasks    *captcha.Registry
	srv      *httptest.Server
}

func newAPIFixture(t *testing.T, burst int) *apiFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tasks := captcha.NewRegistry(m, logger)
	f := &apiFixture{
		sessions: &fakeSessions{active: models.Session{ID: "idle-0", Status: models.StatusIdle}},
		tasks:    tasks,
	}
	h := NewHandler(f.sessions, registrySolver{reg: tasks}, tasks, logger)
	f.srv = httptest.NewServer(h.SetupRoutes(ratelimit.NewLimiter(3600, burst), reg))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestCreateAndReleaseSession(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp, body := f.do(t, http.MethodPost, "/v1/sessions", `{"sessionId":"abc","blockAds":true,"dimensions":{"width":800,"height":600}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess models.Session
	require.NoError(t, json.Unmarshal([]byte(body), &sess))
	assert.Equal(t, "abc", sess.ID)
	assert.Equal(t, models.StatusLive, sess.Status)
	assert.True(t, f.sessions.lastReq.BlockAds)
	assert.Equal(t, 800, f.sessions.lastReq.Dimensions.Width)

	resp, body = f.do(t, http.MethodPost, "/v1/sessions/abc/release", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &sess))
	assert.Equal(t, models.StatusReleased, sess.Status)

	resp, body = f.do(t, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Session
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 2)
	assert.Equal(t, models.StatusIdle, list[0].Status)
	assert.Equal(t, "abc", list[1].ID)
}

func TestCreateSessionEmptyBody(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp, _ := f.do(t, http.MethodPost, "/v1/sessions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorRendering(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp, body := f.do(t, http.MethodPost, "/v1/sessions", `{"sessionId":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errBody ErrorBody
	require.NoError(t, json.Unmarshal([]byte(body), &errBody))
	assert.Equal(t, "VALIDATION", errBody.Error.Code)

	f.sessions.startErr = apperr.Driver(assert.AnError, "failed to start browser session")
	resp, body = f.do(t, http.MethodPost, "/v1/sessions", `{}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &errBody))
	assert.Equal(t, "DRIVER", errBody.Error.Code)
	assert.Contains(t, errBody.Error.Message, "failed to start browser session")
	assert.Contains(t, errBody.Error.Message, assert.AnError.Error())

	resp, body = f.do(t, http.MethodPost, "/v1/sessions/nope/release", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &errBody))
	assert.Equal(t, "NOT_FOUND", errBody.Error.Code)
}

func TestGetSessionPlaceholderAndDebug(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.do(t, http.MethodPost, "/v1/sessions", `{"sessionId":"live-1"}`)

	resp, body := f.do(t, http.MethodGet, "/v1/sessions/other", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess models.Session
	require.NoError(t, json.Unmarshal([]byte(body), &sess))
	assert.Equal(t, models.StatusReleased, sess.Status)

	resp, body = f.do(t, http.MethodGet, "/v1/sessions/live-1/debug", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var urls models.DebugURLs
	require.NoError(t, json.Unmarshal([]byte(body), &urls))
	assert.Equal(t, "http://localhost/v1/sessions/live-1/debug", urls.DebugURL)

	resp, body = f.do(t, http.MethodGet, "/v1/sessions/live-1/live-details", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var details models.LiveDetails
	require.NoError(t, json.Unmarshal([]byte(body), &details))
	assert.Equal(t, "Chrome/120", details.BrowserState.Version)
	require.Len(t, details.Pages, 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/sessions/other/live-details", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCaptchaSolveAndStatus(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.do(t, http.MethodPost, "/v1/sessions", `{"sessionId":"s1"}`)

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/s1/captchas/solve", `{"pageId":"p1","taskId":"t1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"taskId":"t1"}`, body)

	resp, _ = f.do(t, http.MethodPost, "/v1/sessions/s1/captchas/solve", `{"pageId":"p1","taskId":"t1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	type result struct {
		status int
		body   string
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(f.srv.URL + "/v1/sessions/s1/captchas/t1")
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		done <- result{resp.StatusCode, string(raw)}
	}()

	select {
	case <-done:
		t.Fatal("status returned before the task settled")
	case <-time.After(50 * time.Millisecond):
	}

	f.tasks.UpdateTask("t1", json.RawMessage(`{"result":{"success":true},"timeTaken":1200}`), models.CaptchaSuccess)

	select {
	case res := <-done:
		require.Equal(t, http.StatusOK, res.status)
		var task models.CaptchaTask
		require.NoError(t, json.Unmarshal([]byte(res.body), &task))
		assert.Equal(t, models.CaptchaSuccess, task.Status)
		assert.Equal(t, int64(1200), task.TimeTaken)
	case <-time.After(2 * time.Second):
		t.Fatal("status did not return after settlement")
	}
}

func TestCaptchaStatusReportsRejection(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.do(t, http.MethodPost, "/v1/sessions", `{"sessionId":"s1"}`)
	f.do(t, http.MethodPost, "/v1/sessions/s1/captchas/solve", `{"taskId":"t2"}`)
	f.tasks.UpdateTask("t2", json.RawMessage(`{"error":"captcha solving timed out"}`), models.CaptchaTimeout)

	resp, body := f.do(t, http.MethodGet, "/v1/sessions/s1/captchas/t2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var task models.CaptchaTask
	require.NoError(t, json.Unmarshal([]byte(body), &task))
	assert.Equal(t, models.CaptchaTimeout, task.Status)
	assert.Equal(t, "captcha solving timed out", task.Error)

	resp, _ = f.do(t, http.MethodGet, "/v1/sessions/s1/captchas/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCaptchaSolveRequiresActiveSession(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp, _ := f.do(t, http.MethodPost, "/v1/sessions/idle-0/captchas/solve", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitOnMutations(t *testing.T) {
	f := newAPIFixture(t, 2)

	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, http.MethodPost, "/v1/sessions", `{}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "3600", resp.Header.Get("X-RateLimit-Limit"))
	}

	resp, body := f.do(t, http.MethodPost, "/v1/sessions", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Contains(t, body, "RATE_LIMITED")

	// reads are not limited
	resp, _ = f.do(t, http.MethodGet, "/v1/sessions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSAndMetrics(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp, _ := f.do(t, http.MethodOptions, "/v1/sessions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "browserctl_session_started_total")
}

func TestReleaseFailedSession(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.sessions.active = models.Session{ID: "broken", Status: models.StatusFailed}

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/broken/release", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess models.Session
	require.NoError(t, json.Unmarshal([]byte(body), &sess))
	assert.Equal(t, "broken", sess.ID)
	assert.Equal(t, models.StatusReleased, sess.Status)

	// released sessions cannot be released again
	resp, _ = f.do(t, http.MethodPost, "/v1/sessions/broken/release", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCaptchaSolveRejectsSeleniumSession(t *testing.T) {
	f := newAPIFixture(t, 10)
	f.do(t, http.MethodPost, "/v1/sessions", `{"sessionId":"wd","isSelenium":true}`)

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/wd/captchas/solve", `{"taskId":"t1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errBody ErrorBody
	require.NoError(t, json.Unmarshal([]byte(body), &errBody))
	assert.Equal(t, "VALIDATION", errBody.Error.Code)

	_, ok := f.tasks.GetTask("t1")
	assert.False(t, ok)
}

// Package session owns the single active browser session of the process and
// drives its lifecycle: proxy provisioning, timezone inference, driver
// selection and teardown.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserctl/internal/apperr"
	"github.com/shehryarbajwa/browserctl/internal/browser"
	"github.com/shehryarbajwa/browserctl/internal/metrics"
	"github.com/shehryarbajwa/browserctl/internal/proxy"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

// FileStore provisions per-session working directories
type FileStore interface {
	Prepare(sessionID string) (string, error)
	Cleanup(sessionID string) error
}

// TimezoneLocator resolves the timezone of the exit address of a proxy
type TimezoneLocator interface {
	Timezone(ctx context.Context, proxyURL string) (string, error)
}

// TaskClearer is notified when the active session ends
type TaskClearer interface {
	ClearTasks()
}

// Settings are the static inputs of derived session fields
type Settings struct {
	Domain        string
	WSScheme      string
	HTTPScheme    string
	Dimensions    models.Dimensions
	ProxyBindHost string
	GeoTimeout    time.Duration
}

// Deps are the collaborators of the Manager. Selenium, Geo and Tasks may be nil.
type Deps struct {
	CDP      browser.CDP
	Selenium browser.Driver
	Files    FileStore
	Geo      TimezoneLocator
	Tasks    TaskClearer
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
}

// activeSession is the record behind the active slot. info is guarded by
// Manager.mu; the rest is owned by the mutation holding the queue.
type activeSession struct {
	info     models.Session
	done     chan struct{}
	doneOnce sync.Once
	tunnel   *proxy.Tunnel
	sink     *logSink
}

func (a *activeSession) signalDone() {
	a.doneOnce.Do(func() { close(a.done) })
}

// release closes everything the record owns.
func (a *activeSession) release(log logrus.FieldLogger) {
	if a.sink != nil {
		a.sink.Stop()
		a.sink = nil
	}
	if a.tunnel != nil {
		if err := a.tunnel.Close(true); err != nil {
			log.WithError(err).Warn("Failed to close proxy tunnel")
		}
		a.tunnel = nil
	}
}

// sessionOverrides is the caller-controlled layer of a new record
type sessionOverrides struct {
	id                 string
	status             models.SessionStatus
	userAgent          string
	proxy              string
	timezone           string
	dimensions         *models.Dimensions
	timeout            int64
	solveCaptcha       bool
	manualSolveCaptcha bool
	isSelenium         bool
	metadata           map[string]any
}

// Manager handles all session operations
type Manager struct {
	settings Settings
	cdp      browser.CDP
	selenium browser.Driver
	files    FileStore
	geo      TimezoneLocator
	tasks    TaskClearer
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	client   *http.Client

	// queue serialises start and end; mu guards the slot and history.
	queue   *semaphore.Weighted
	mu      sync.RWMutex
	active  *activeSession
	history []models.Session
}

// NewManager creates a manager holding a fresh idle session
func NewManager(settings Settings, deps Deps) *Manager {
	if settings.GeoTimeout <= 0 {
		settings.GeoTimeout = 5 * time.Second
	}
	if settings.ProxyBindHost == "" {
		settings.ProxyBindHost = "127.0.0.1"
	}
	m := &Manager{
		settings: settings,
		cdp:      deps.CDP,
		selenium: deps.Selenium,
		files:    deps.Files,
		geo:      deps.Geo,
		tasks:    deps.Tasks,
		metrics:  deps.Metrics,
		log:      deps.Log,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    semaphore.NewWeighted(1),
	}
	m.resetSessionInfo(sessionOverrides{status: models.StatusIdle})
	return m
}

// StartSession replaces the active session with a live one configured by req.
func (m *Manager) StartSession(ctx context.Context, req models.CreateSessionRequest) (models.Session, error) {
	if err := m.validate(req); err != nil {
		return models.Session{}, err
	}
	if err := m.queue.Acquire(ctx, 1); err != nil {
		return models.Session{}, apperr.Timeout("session queue: %v", err)
	}
	defer m.queue.Release(1)

	rec := m.resetSessionInfo(sessionOverrides{
		id:           req.SessionID,
		status:       models.StatusLive,
		userAgent:    req.UserAgent,
		proxy:        req.ProxyURL,
		timezone:     req.Timezone,
		dimensions:   req.Dimensions,
		timeout:      req.Timeout,
		solveCaptcha: req.SolveCaptcha,
		isSelenium:   req.IsSelenium,
		metadata:     req.Metadata,

		manualSolveCaptcha: req.ManualSolveCaptcha,
	})
	id := rec.info.ID
	log := m.log.WithField("session_id", id)

	var tunnelURL string
	if req.ProxyURL != "" {
		tunnel, err := proxy.New(req.ProxyURL, log)
		if err != nil {
			m.fail(rec)
			return m.snapshot(rec), apperr.Validation("invalid proxy url: %v", err)
		}
		rec.tunnel = tunnel
		tunnel.OnConnectionClosed(newProxyStatsAggregator(m, rec).Observe)
		if err := tunnel.ListenOn(m.settings.ProxyBindHost); err != nil {
			m.fail(rec)
			return m.snapshot(rec), errors.Wrap(err, "failed to start proxy tunnel")
		}
		tunnelURL = tunnel.URL()
		m.update(rec, func(s *models.Session) { s.Proxy = tunnel.Upstream() })
		log.WithField("tunnel", tunnelURL).Info("✓ Proxy tunnel listening")
	}

	timezone := req.Timezone
	if timezone == "" && m.geo != nil {
		timezone = m.lookupTimezone(ctx, req.ProxyURL, log)
		m.update(rec, func(s *models.Session) { s.Timezone = timezone })
	}

	dir, err := m.files.Prepare(id)
	if err != nil {
		m.fail(rec)
		return m.snapshot(rec), errors.Wrap(err, "failed to prepare session files")
	}

	opts := browser.LaunchOptions{
		SessionID:      id,
		ProxyURL:       tunnelURL,
		UserAgent:      req.UserAgent,
		Timezone:       timezone,
		Dimensions:     rec.info.Dimensions,
		UserDataDir:    dir,
		Extensions:     req.Extensions,
		BlockAds:       req.BlockAds,
		SessionContext: req.SessionContext,
	}
	if err := m.dispatch(ctx, req.IsSelenium, opts, log); err != nil {
		m.fail(rec)
		return m.snapshot(rec), apperr.Driver(err, "failed to start browser session")
	}

	m.update(rec, func(s *models.Session) { m.applyURLs(s) })

	if req.UserAgent == "" && !req.IsSelenium {
		ua, err := m.cdp.UserAgent(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to read user agent")
		} else {
			m.update(rec, func(s *models.Session) { s.UserAgent = ua })
		}
	}

	if req.LogSinkURL != "" && !req.IsSelenium {
		rec.sink = startLogSink(m.cdp.Events(), req.LogSinkURL, m.client, log)
	}
	if req.Timeout > 0 {
		go m.expireAfter(rec, time.Duration(req.Timeout)*time.Second)
	}

	m.metrics.SessionStarted()
	log.WithField("selenium", req.IsSelenium).Info("✅ Session live")
	return m.snapshot(rec), nil
}

func (m *Manager) validate(req models.CreateSessionRequest) error {
	if req.Dimensions != nil && (req.Dimensions.Width <= 0 || req.Dimensions.Height <= 0) {
		return apperr.Validation("dimensions must be positive, got %dx%d", req.Dimensions.Width, req.Dimensions.Height)
	}
	if req.Timeout < 0 {
		return apperr.Validation("timeout must not be negative")
	}
	if req.IsSelenium && m.selenium == nil {
		return apperr.Validation("selenium sessions are not available")
	}
	return nil
}

// dispatch shuts down the unused driver and starts the session on the other.
func (m *Manager) dispatch(ctx context.Context, selenium bool, opts browser.LaunchOptions, log logrus.FieldLogger) error {
	if selenium {
		if m.cdp.IsRunning() {
			if err := m.cdp.Shutdown(ctx); err != nil {
				log.WithError(err).Warn("Failed to shut down CDP driver")
			}
		}
		return m.selenium.StartSession(ctx, opts)
	}

	if m.selenium != nil && m.selenium.IsRunning() {
		if err := m.selenium.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Failed to shut down Selenium driver")
		}
	}
	return m.cdp.StartSession(ctx, opts)
}

func (m *Manager) lookupTimezone(ctx context.Context, proxyURL string, log logrus.FieldLogger) string {
	ctx, cancel := context.WithTimeout(ctx, m.settings.GeoTimeout)
	defer cancel()

	tz, err := m.geo.Timezone(ctx, proxyURL)
	if err != nil {
		m.metrics.GeoLookupFailed()
		log.WithError(err).Warn("Timezone lookup failed, continuing without override")
		return ""
	}
	log.WithField("timezone", tz).Debug("Resolved timezone")
	return tz
}

func (m *Manager) applyURLs(s *models.Session) {
	if s.IsSelenium {
		s.WebsocketURL, s.DebugURL, s.DebuggerURL, s.SessionViewerURL = "", "", "", ""
		return
	}
	ws := m.settings.WSScheme + "://" + m.settings.Domain
	web := m.settings.HTTPScheme + "://" + m.settings.Domain
	s.WebsocketURL = ws + "/"
	s.DebugURL = fmt.Sprintf("%s/v1/sessions/%s/debug", web, s.ID)
	s.DebuggerURL = fmt.Sprintf("%s/devtools/browser/%s", ws, s.ID)
	s.SessionViewerURL = fmt.Sprintf("%s/v1/sessions/cast?sessionId=%s", ws, s.ID)
}

// EndSession releases the active session and returns its final snapshot.
func (m *Manager) EndSession(ctx context.Context) (models.Session, error) {
	if err := m.queue.Acquire(ctx, 1); err != nil {
		return models.Session{}, apperr.Timeout("session queue: %v", err)
	}
	defer m.queue.Release(1)

	m.mu.RLock()
	rec := m.active
	m.mu.RUnlock()
	return m.endLocked(ctx, rec), nil
}

// endLocked requires the queue.
func (m *Manager) endLocked(ctx context.Context, rec *activeSession) models.Session {
	rec.signalDone()

	m.mu.Lock()
	rec.info.Status = models.StatusReleased
	rec.info.Duration = time.Since(rec.info.CreatedAt).Milliseconds()
	selenium := rec.info.IsSelenium
	id := rec.info.ID
	m.mu.Unlock()

	log := m.log.WithField("session_id", id)

	if selenium {
		if err := m.selenium.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Failed to close Selenium session")
		}
		if err := m.cdp.Launch(ctx); err != nil {
			log.WithError(err).Warn("Failed to relaunch default browser")
		}
	} else if err := m.cdp.EndSession(ctx); err != nil {
		log.WithError(err).Warn("Failed to end browser session")
	}

	if err := m.files.Cleanup(id); err != nil {
		log.WithError(err).Warn("Failed to clean up session files")
	}

	// Open connections report their bytes as the tunnel closes; the record
	// must still hold the slot to be credited.
	rec.release(log)

	snap := m.snapshot(rec)
	m.mu.Lock()
	m.history = append(m.history, snap)
	m.mu.Unlock()

	m.resetSessionInfo(sessionOverrides{status: models.StatusIdle})
	if m.tasks != nil {
		m.tasks.ClearTasks()
	}

	m.metrics.SessionReleased(float64(snap.Duration) / 1000)
	log.WithField("duration_ms", snap.Duration).Info("🔌 Session released")
	return snap
}

// expireAfter ends rec once its timeout elapses, unless it ended already.
func (m *Manager) expireAfter(rec *activeSession, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-rec.done:
		return
	case <-timer.C:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.queue.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.queue.Release(1)

	m.mu.RLock()
	current := m.active == rec && rec.info.Status == models.StatusLive
	m.mu.RUnlock()
	if !current {
		return
	}
	m.log.WithField("session_id", rec.info.ID).Info("⏱️ Session timed out")
	m.endLocked(ctx, rec)
}

// resetSessionInfo signals and tears down the outgoing record, then publishes
// a new one built from defaults, zeroed counters and o, in that order.
func (m *Manager) resetSessionInfo(o sessionOverrides) *activeSession {
	m.mu.RLock()
	old := m.active
	var oldID string
	var oldStatus models.SessionStatus
	if old != nil {
		oldID, oldStatus = old.info.ID, old.info.Status
	}
	m.mu.RUnlock()

	if old != nil {
		log := m.log.WithField("session_id", oldID)
		old.signalDone()
		old.release(log)
		// A replaced session that was never released still owns its files.
		if oldStatus == models.StatusLive || oldStatus == models.StatusFailed {
			if err := m.files.Cleanup(oldID); err != nil {
				log.WithError(err).Warn("Failed to clean up session files")
			}
		}
	}

	info := m.defaults()
	zeroCounters(&info)
	o.apply(&info)

	next := &activeSession{info: info, done: make(chan struct{})}

	m.mu.Lock()
	m.active = next
	m.mu.Unlock()
	return next
}

func (m *Manager) defaults() models.Session {
	return models.Session{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now(),
		Status:     models.StatusIdle,
		Dimensions: m.settings.Dimensions,
	}
}

func zeroCounters(s *models.Session) {
	s.Duration = 0
	s.EventCount, s.Timeout, s.CreditsUsed = 0, 0, 0
	s.ProxyTxBytes, s.ProxyRxBytes = 0, 0
}

func (o sessionOverrides) apply(s *models.Session) {
	if o.id != "" {
		s.ID = o.id
	}
	if o.status != "" {
		s.Status = o.status
	}
	if o.dimensions != nil {
		s.Dimensions = *o.dimensions
	}
	s.UserAgent = o.userAgent
	s.Proxy = o.proxy
	s.Timezone = o.timezone
	s.Timeout = o.timeout
	s.SolveCaptcha = o.solveCaptcha
	s.ManualSolveCaptcha = o.manualSolveCaptcha
	s.IsSelenium = o.isSelenium
	s.Metadata = maps.Clone(o.metadata)
}

func (m *Manager) fail(rec *activeSession) {
	rec.release(m.log.WithField("session_id", rec.info.ID))
	m.update(rec, func(s *models.Session) { s.Status = models.StatusFailed })
}

func (m *Manager) update(rec *activeSession, fn func(*models.Session)) {
	m.mu.Lock()
	fn(&rec.info)
	m.mu.Unlock()
}

// addProxyBytes credits owner if it still holds the active slot.
func (m *Manager) addProxyBytes(owner *activeSession, tx, rx int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != owner {
		return false
	}
	owner.info.ProxyTxBytes += tx
	owner.info.ProxyRxBytes += rx
	return true
}

func (m *Manager) snapshot(rec *activeSession) models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshotOf(rec)
}

// snapshotOf requires mu.
func snapshotOf(rec *activeSession) models.Session {
	s := rec.info
	s.Metadata = maps.Clone(rec.info.Metadata)
	if s.Status == models.StatusLive {
		s.Duration = time.Since(s.CreatedAt).Milliseconds()
	}
	return s
}

// Active returns a snapshot of the active session.
func (m *Manager) Active() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshotOf(m.active)
}

// IsActive reports whether id names the active, live session.
func (m *Manager) IsActive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.info.ID == id && m.active.info.Status == models.StatusLive
}

// Get returns the active session when id matches it, the released snapshot
// when id is in history, and otherwise a released placeholder.
func (m *Manager) Get(id string) models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active.info.ID == id {
		return snapshotOf(m.active)
	}
	if s, ok := lo.Find(m.history, func(s models.Session) bool { return s.ID == id }); ok {
		return s
	}
	return models.Session{
		ID:         id,
		CreatedAt:  time.Now(),
		Status:     models.StatusReleased,
		Dimensions: m.settings.Dimensions,
	}
}

// List returns the active session followed by released history.
func (m *Manager) List() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Session, 0, len(m.history)+1)
	out = append(out, snapshotOf(m.active))
	return append(out, m.history...)
}

// Done is closed when the active session ends.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.done
}

// LiveDetails inspects the pages of the active CDP browser.
func (m *Manager) LiveDetails(ctx context.Context) (models.LiveDetails, error) {
	active := m.Active()
	details := models.LiveDetails{
		SessionID: active.ID,
		Pages:     []models.PageInfo{},
		Viewport:  active.Dimensions,
	}
	if active.Status != models.StatusLive || active.IsSelenium {
		return details, nil
	}

	pages, err := m.cdp.Pages(ctx)
	if err != nil {
		return details, apperr.Driver(err, "failed to list pages")
	}
	details.Pages = lo.Map(pages, func(p browser.Page, _ int) models.PageInfo {
		return models.PageInfo{
			ID:      p.ID(),
			URL:     p.URL(),
			Title:   p.Title(),
			Favicon: favicon(ctx, p),
		}
	})

	state, err := m.cdp.BrowserState(ctx)
	if err != nil {
		return details, apperr.Driver(err, "failed to read browser state")
	}
	details.BrowserState = state
	return details, nil
}

const faviconScript = `() => {
	const link = document.querySelector("link[rel~='icon']");
	return link ? link.href : "";
}`

// favicon is best effort; pages that refuse evaluation report none.
func favicon(ctx context.Context, p browser.Page) string {
	raw, err := p.Evaluate(ctx, faviconScript)
	if err != nil {
		return ""
	}
	var href string
	if err := json.Unmarshal(raw, &href); err != nil {
		return ""
	}
	return href
}

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/browserctl/internal/events"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

// ErrNotRunning is returned by CDP calls while no browser is up
var ErrNotRunning = errors.New("browser is not running")

const (
	recordingBinding = "__browserctlRecord"
	captchaBinding   = "__browserctlCaptcha"
)

var adBlockPatterns = []string{
	"*doubleclick.net*",
	"*googlesyndication.com*",
	"*googleadservices.com*",
	"*adservice.google.*",
	"*amazon-adsystem.com*",
	"*adnxs.com*",
	"*taboola.com*",
	"*outbrain.com*",
}

// recorderScript batches DOM interactions and hands them to the recording binding.
const recorderScript = `(() => {
  if (window.__browserctlRecorder) return;
  window.__browserctlRecorder = true;
  const queue = [];
  const describe = (el) => {
    if (!el || !el.tagName) return null;
    return { tag: el.tagName.toLowerCase(), id: el.id || undefined, name: el.getAttribute('name') || undefined };
  };
  for (const type of ['click', 'input', 'change', 'submit', 'keydown', 'scroll']) {
    window.addEventListener(type, (ev) => {
      const t = ev.target;
      const secret = t && t.type === 'password';
      queue.push({
        type,
        ts: Date.now(),
        url: location.href,
        target: describe(t),
        value: !secret && t && 'value' in t ? String(t.value).slice(0, 256) : undefined,
        key: type === 'keydown' && !secret ? ev.key : undefined,
      });
    }, true);
  }
  setInterval(() => {
    if (!queue.length || typeof window.__browserctlRecord !== 'function') return;
    window.__browserctlRecord(JSON.stringify({ events: queue.splice(0) }));
  }, 500);
})();`

// CDPConfig holds the static settings of the CDP driver
type CDPConfig struct {
	Bin        string
	Headless   bool
	Dimensions models.Dimensions
}

// CDPDriver drives a local Chrome through the DevTools protocol
type CDPDriver struct {
	cfg     CDPConfig
	log     logrus.FieldLogger
	emitter *events.Emitter

	mu       sync.Mutex
	opts     LaunchOptions
	launcher *launcher.Launcher
	browser  *rod.Browser
	wsURL    string
	stop     context.CancelFunc
}

// NewCDPDriver creates a driver. The browser is not started until Launch.
func NewCDPDriver(cfg CDPConfig, log logrus.FieldLogger) *CDPDriver {
	return &CDPDriver{
		cfg:     cfg,
		log:     log.WithField("driver", "cdp"),
		emitter: events.NewEmitter(),
	}
}

// Events returns the emitter carrying log, pageId, recording and captcha topics.
func (d *CDPDriver) Events() *events.Emitter {
	return d.emitter
}

// WebSocketURL is the browser-level DevTools endpoint.
func (d *CDPDriver) WebSocketURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wsURL
}

func (d *CDPDriver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browser != nil
}

func (d *CDPDriver) Launch(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launchLocked(ctx)
}

func (d *CDPDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdownLocked()
}

// StartSession relaunches the browser with the options of a new session.
func (d *CDPDriver) StartSession(ctx context.Context, opts LaunchOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.shutdownLocked(); err != nil {
		d.log.WithError(err).Warn("Failed to stop previous browser")
	}
	d.opts = opts
	if err := d.launchLocked(ctx); err != nil {
		return err
	}
	if opts.SessionContext != nil {
		d.seedContext(ctx, opts.SessionContext)
	}
	return nil
}

// EndSession closes the session browser and brings a default one back up.
func (d *CDPDriver) EndSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.shutdownLocked(); err != nil {
		d.log.WithError(err).Warn("Failed to stop session browser")
	}
	d.opts = LaunchOptions{}
	return d.launchLocked(ctx)
}

func (d *CDPDriver) launchLocked(ctx context.Context) error {
	if d.browser != nil {
		return nil
	}
	opts := d.opts

	l := launcher.New().Headless(d.cfg.Headless).Leakless(false)
	if d.cfg.Bin != "" {
		l = l.Bin(d.cfg.Bin)
	}
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	if opts.ProxyURL != "" {
		l = l.Proxy(opts.ProxyURL)
	}
	dims := d.dimensions(opts)
	l = l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", dims.Width, dims.Height))
	if len(opts.Extensions) > 0 {
		l = l.Delete(flags.Flag("disable-extensions")).
			Set(flags.Flag("load-extension"), strings.Join(opts.Extensions, ","))
	}
	if opts.Timezone != "" {
		l = l.Env(append(os.Environ(), "TZ="+opts.Timezone)...)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return errors.Wrap(err, "failed to launch chrome")
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return errors.Wrap(err, "failed to connect to chrome")
	}

	evCtx, stop := context.WithCancel(context.Background())
	d.launcher, d.browser, d.wsURL, d.stop = l, b, controlURL, stop

	go b.Context(evCtx).EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type == proto.TargetTargetInfoTypePage {
				go d.attach(evCtx, b, e.TargetInfo.TargetID, opts)
			}
		},
		func(e *proto.TargetTargetInfoChanged) {
			if e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			d.emitter.Emit(events.TopicPageID, PageIDEvent{
				PageID: string(e.TargetInfo.TargetID),
				URL:    e.TargetInfo.URL,
				Title:  e.TargetInfo.Title,
			})
		},
	)()

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		d.log.WithError(err).Warn("Failed to enable target discovery")
	}
	if _, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"}); err != nil {
		d.shutdownLocked()
		return errors.Wrap(err, "failed to open initial page")
	}

	d.log.WithField("session_id", opts.SessionID).Info("✓ Chrome launched")
	return nil
}

func (d *CDPDriver) shutdownLocked() error {
	if d.browser == nil {
		return nil
	}
	d.stop()
	err := d.browser.Close()
	d.launcher.Kill()

	d.browser, d.launcher, d.wsURL, d.stop = nil, nil, "", nil
	return err
}

func (d *CDPDriver) dimensions(opts LaunchOptions) models.Dimensions {
	if opts.Dimensions.Width > 0 && opts.Dimensions.Height > 0 {
		return opts.Dimensions
	}
	return d.cfg.Dimensions
}

// attach instruments a page target: console relay, recording and captcha
// bindings, and per-session emulation overrides.
func (d *CDPDriver) attach(ctx context.Context, b *rod.Browser, id proto.TargetTargetID, opts LaunchOptions) {
	p, err := b.PageFromTarget(id)
	if err != nil {
		d.log.WithError(err).WithField("page_id", id).Debug("Failed to attach to page")
		return
	}
	p = p.Context(ctx)
	pageID := string(id)

	dims := d.dimensions(opts)
	steps := map[string]func() error{
		"runtime.enable": func() error { return proto.RuntimeEnable{}.Call(p) },
		"bindings": func() error {
			if err := (proto.RuntimeAddBinding{Name: recordingBinding}).Call(p); err != nil {
				return err
			}
			return proto.RuntimeAddBinding{Name: captchaBinding}.Call(p)
		},
		"viewport": func() error {
			return proto.EmulationSetDeviceMetricsOverride{
				Width:             dims.Width,
				Height:            dims.Height,
				DeviceScaleFactor: 1,
			}.Call(p)
		},
	}
	if opts.UserAgent != "" {
		steps["user agent"] = func() error {
			return p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent})
		}
	}
	if opts.Timezone != "" {
		steps["timezone"] = func() error {
			return proto.EmulationSetTimezoneOverride{TimezoneID: opts.Timezone}.Call(p)
		}
	}
	if opts.BlockAds {
		steps["ad block"] = func() error {
			if err := (proto.NetworkEnable{}).Call(p); err != nil {
				return err
			}
			return proto.NetworkSetBlockedURLs{Urls: adBlockPatterns}.Call(p)
		}
	}
	for name, step := range steps {
		if err := step(); err != nil {
			d.log.WithError(err).WithField("page_id", pageID).Debugf("Page setup step %q failed", name)
		}
	}
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{Source: recorderScript}).Call(p); err != nil {
		d.log.WithError(err).WithField("page_id", pageID).Debug("Failed to install recorder")
	}

	p.EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			d.emitter.Emit(events.TopicLog, LogEvent{
				Type:      string(e.Type),
				Text:      consoleText(e.Args),
				PageID:    pageID,
				Timestamp: time.Now(),
			})
		},
		func(e *proto.RuntimeBindingCalled) {
			d.handleBinding(pageID, e)
		},
	)()
}

func (d *CDPDriver) handleBinding(pageID string, e *proto.RuntimeBindingCalled) {
	switch e.Name {
	case recordingBinding:
		var batch struct {
			Events []json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal([]byte(e.Payload), &batch); err != nil {
			d.log.WithError(err).Debug("Malformed recording batch")
			return
		}
		d.emitter.Emit(events.TopicRecording, RecordingEvent{PageID: pageID, Events: batch.Events})
	case captchaBinding:
		var ev CaptchaEvent
		if err := json.Unmarshal([]byte(e.Payload), &ev); err != nil {
			d.log.WithError(err).Debug("Malformed captcha report")
			return
		}
		d.emitter.Emit(events.TopicCaptcha, ev)
	}
}

func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := lo.Map(args, func(arg *proto.RuntimeRemoteObject, _ int) string {
		if arg.Description != "" {
			return arg.Description
		}
		return fmt.Sprint(arg.Value.Val())
	})
	return strings.Join(parts, " ")
}

// seedContext installs cookies and per-origin local storage. Failures are
// logged; a session still starts with partial state.
func (d *CDPDriver) seedContext(ctx context.Context, sc *models.SessionContext) {
	b := d.browser.Context(ctx)

	if len(sc.Cookies) > 0 {
		cookies := lo.Map(sc.Cookies, func(c models.Cookie, _ int) *proto.NetworkCookieParam {
			return &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				SameSite: proto.NetworkCookieSameSite(c.SameSite),
				Expires:  proto.TimeSinceEpoch(c.Expires),
			}
		})
		if err := b.SetCookies(cookies); err != nil {
			d.log.WithError(err).Warn("Failed to seed cookies")
		}
	}

	for origin, items := range sc.LocalStorage {
		p, err := b.Page(proto.TargetCreateTarget{URL: origin})
		if err != nil {
			d.log.WithError(err).WithField("origin", origin).Warn("Failed to open origin for local storage")
			continue
		}
		if err := p.WaitLoad(); err == nil {
			_, err = p.Eval(`(items) => { for (const [k, v] of Object.entries(items)) localStorage.setItem(k, v) }`, items)
		}
		if err != nil {
			d.log.WithError(err).WithField("origin", origin).Warn("Failed to seed local storage")
		}
		p.Close()
	}
}

func (d *CDPDriver) current() (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil, ErrNotRunning
	}
	return d.browser, nil
}

func (d *CDPDriver) UserAgent(ctx context.Context) (string, error) {
	d.mu.Lock()
	ua := d.opts.UserAgent
	d.mu.Unlock()
	if ua != "" {
		return ua, nil
	}
	state, err := d.BrowserState(ctx)
	if err != nil {
		return "", err
	}
	return state.UserAgent, nil
}

func (d *CDPDriver) BrowserState(ctx context.Context) (models.BrowserState, error) {
	b, err := d.current()
	if err != nil {
		return models.BrowserState{}, err
	}
	v, err := proto.BrowserGetVersion{}.Call(b.Context(ctx))
	if err != nil {
		return models.BrowserState{}, errors.Wrap(err, "failed to read browser version")
	}
	return models.BrowserState{Version: v.Product, UserAgent: v.UserAgent}, nil
}

func (d *CDPDriver) Pages(ctx context.Context) ([]Page, error) {
	b, err := d.current()
	if err != nil {
		return nil, err
	}
	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pages")
	}

	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		out = append(out, &rodPage{page: p, info: info})
	}
	return out, nil
}

func (d *CDPDriver) Screenshot(ctx context.Context, pageID string) ([]byte, error) {
	pages, err := d.Pages(ctx)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, errors.New("no open pages")
	}

	target := pages[0]
	if pageID != "" {
		p, ok := FindPage(pages, pageID)
		if !ok {
			return nil, errors.Errorf("page %s not found", pageID)
		}
		target = p
	}

	return target.(*rodPage).page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatJpeg,
	})
}

type rodPage struct {
	page *rod.Page
	info *proto.TargetTargetInfo
}

func (p *rodPage) ID() string    { return string(p.page.TargetID) }
func (p *rodPage) URL() string   { return p.info.URL }
func (p *rodPage) Title() string { return p.info.Title }

func (p *rodPage) Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Eval(script, args...)
	if err != nil {
		return nil, errors.Wrap(err, "evaluate failed")
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode evaluation result")
	}
	return raw, nil
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"

	"github.com/shehryarbajwa/browserctl/internal/browser"
	"github.com/shehryarbajwa/browserctl/internal/events"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

type fakeCDP struct {
	mu        sync.Mutex
	running   bool
	startErr  error
	starts    []browser.LaunchOptions
	ends      int
	launches  int
	shutdowns int
	pages     []browser.Page
	emitter   *events.Emitter
}

func newFakeCDP() *fakeCDP {
	return &fakeCDP{running: true, emitter: events.NewEmitter()}
}

func (f *fakeCDP) Launch(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	f.running = true
	return nil
}

func (f *fakeCDP) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.running = false
	return nil
}

func (f *fakeCDP) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeCDP) StartSession(ctx context.Context, opts browser.LaunchOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, opts)
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeCDP) EndSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeCDP) UserAgent(ctx context.Context) (string, error) {
	return "fake-agent/1.0", nil
}

func (f *fakeCDP) Pages(ctx context.Context) ([]browser.Page, error) {
	return f.pages, nil
}

func (f *fakeCDP) BrowserState(ctx context.Context) (models.BrowserState, error) {
	return models.BrowserState{Version: "Chrome/120.0"}, nil
}

func (f *fakeCDP) Screenshot(ctx context.Context, pageID string) ([]byte, error) {
	return []byte("jpeg"), nil
}

func (f *fakeCDP) Events() *events.Emitter { return f.emitter }

func (f *fakeCDP) WebSocketURL() string { return "ws://127.0.0.1:9222/devtools/browser/fake" }

func (f *fakeCDP) lastStart() browser.LaunchOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[len(f.starts)-1]
}

type fakeSelenium struct {
	mu        sync.Mutex
	running   bool
	starts    int
	shutdowns int
}

func (f *fakeSelenium) Launch(ctx context.Context) error { return nil }

func (f *fakeSelenium) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.running = false
	return nil
}

func (f *fakeSelenium) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSelenium) StartSession(ctx context.Context, opts browser.LaunchOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
	return nil
}

func (f *fakeSelenium) EndSession(ctx context.Context) error { return nil }

type fakeFiles struct {
	mu       sync.Mutex
	base     string
	prepared []string
	cleaned  []string
}

func (f *fakeFiles) Prepare(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, id)
	return filepath.Join(f.base, id), nil
}

func (f *fakeFiles) Cleanup(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, id)
	return nil
}

type fakeGeo struct {
	tz    string
	err   error
	block bool
	calls []string
}

func (f *fakeGeo) Timezone(ctx context.Context, proxyURL string) (string, error) {
	f.calls = append(f.calls, proxyURL)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.tz, f.err
}

var errGeo = errors.New("geo lookup failed")

type fakeTasks struct {
	mu      sync.Mutex
	cleared int
}

func (f *fakeTasks) ClearTasks() {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
}

type fakePage struct {
	id, url, title, icon string
}

func (p *fakePage) ID() string    { return p.id }
func (p *fakePage) URL() string   { return p.url }
func (p *fakePage) Title() string { return p.title }

func (p *fakePage) Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	return json.Marshal(p.icon)
}

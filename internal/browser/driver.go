// Package browser contains the browser drivers the session manager delegates
// to: a CDP driver built on go-rod and a Selenium driver hosted in docker.
package browser

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shehryarbajwa/browserctl/internal/events"
	"github.com/shehryarbajwa/browserctl/pkg/models"
)

// LaunchOptions configure the browser of one session
type LaunchOptions struct {
	SessionID      string
	ProxyURL       string
	UserAgent      string
	Timezone       string
	Dimensions     models.Dimensions
	UserDataDir    string
	Extensions     []string
	BlockAds       bool
	SessionContext *models.SessionContext
}

// Driver is the lifecycle contract shared by every driver
type Driver interface {
	Launch(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsRunning() bool
	StartSession(ctx context.Context, opts LaunchOptions) error
	EndSession(ctx context.Context) error
}

// Page is a handle on one open page
type Page interface {
	ID() string
	URL() string
	Title() string
	Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error)
}

// CDP is the default driver. Besides the lifecycle it inspects pages, emits
// topic events and exposes the browser's own debugging websocket.
type CDP interface {
	Driver
	UserAgent(ctx context.Context) (string, error)
	Pages(ctx context.Context) ([]Page, error)
	BrowserState(ctx context.Context) (models.BrowserState, error)
	Screenshot(ctx context.Context, pageID string) ([]byte, error)
	Events() *events.Emitter
	WebSocketURL() string
}

// FindPage returns the page with the given target id.
func FindPage(pages []Page, id string) (Page, bool) {
	for _, p := range pages {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// LogEvent is emitted on events.TopicLog
type LogEvent struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	PageID    string    `json:"pageId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PageIDEvent is emitted on events.TopicPageID when a page changes identity
type PageIDEvent struct {
	PageID string `json:"pageId"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
}

// RecordingEvent is emitted on events.TopicRecording with a batch of DOM events
type RecordingEvent struct {
	PageID string            `json:"pageId,omitempty"`
	Events []json.RawMessage `json:"events"`
}

// CaptchaEvent is emitted on events.TopicCaptcha when an in-page solver reports
type CaptchaEvent struct {
	TaskID string          `json:"taskId"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

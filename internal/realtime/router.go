// Package realtime multiplexes the websocket sub-protocols of the active
// session over one upgrade entry point.
package realtime

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/browserctl/internal/browser"
	"github.com/shehryarbajwa/browserctl/internal/events"
	"github.com/shehryarbajwa/browserctl/internal/metrics"
)

const (
	PathLogs      = "/v1/sessions/logs"
	PathCast      = "/v1/sessions/cast"
	PathPageID    = "/v1/sessions/pageId"
	PathRecording = "/v1/sessions/recording"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscriber is the topic registry relays subscribe to
type Subscriber interface {
	On(topic events.Topic, fn events.Listener) (off func())
}

// Browser is what the router needs from the CDP driver
type Browser interface {
	Pages(ctx context.Context) ([]browser.Page, error)
	Screenshot(ctx context.Context, pageID string) ([]byte, error)
	WebSocketURL() string
}

// Router sends websocket upgrades to the matching handler and every other
// request to next.
type Router struct {
	events  Subscriber
	browser Browser
	caster  *Caster
	next    http.Handler
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

func NewRouter(subs Subscriber, b Browser, next http.Handler, m *metrics.Metrics, log logrus.FieldLogger) *Router {
	return &Router{
		events:  subs,
		browser: b,
		caster:  NewCaster(b, log),
		next:    next,
		metrics: m,
		log:     log,
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		rt.next.ServeHTTP(w, r)
		return
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, PathLogs):
		rt.relay(w, r, "logs", events.TopicLog, logBatch)
	case strings.HasPrefix(path, PathCast):
		defer rt.metrics.RealtimeConnected("cast")()
		rt.caster.ServeHTTP(w, r)
	case strings.HasPrefix(path, PathPageID):
		rt.relay(w, r, "pageId", events.TopicPageID, verbatim)
	case strings.HasPrefix(path, PathRecording):
		rt.relay(w, r, "recording", events.TopicRecording, recordingEvents)
	default:
		rt.passthrough(w, r)
	}
}

// logBatch wraps a log event in a single-element batch.
func logBatch(payload any) (any, bool) {
	return []any{payload}, true
}

func verbatim(payload any) (any, bool) {
	return payload, true
}

// recordingEvents forwards only the inner event list of a recording batch.
func recordingEvents(payload any) (any, bool) {
	switch ev := payload.(type) {
	case browser.RecordingEvent:
		return ev.Events, len(ev.Events) > 0
	case *browser.RecordingEvent:
		return ev.Events, ev != nil && len(ev.Events) > 0
	default:
		return nil, false
	}
}

package realtime

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultFPS = 2
	maxFPS     = 15
)

// Frame is one screencast image
type Frame struct {
	Type      string `json:"type"`
	PageID    string `json:"pageId,omitempty"`
	Data      string `json:"data"` // base64 jpeg
	Timestamp int64  `json:"timestamp"`
}

// Caster streams screenshots of one page at a bounded frame rate.
// Query parameters: pageId, tabIndex (used when pageId is absent) and fps.
type Caster struct {
	browser Browser
	log     logrus.FieldLogger
}

func NewCaster(b Browser, log logrus.FieldLogger) *Caster {
	return &Caster{browser: b, log: log.WithField("route", "cast")}
}

type castParams struct {
	pageID   string
	tabIndex int
	fps      int
}

func parseCastParams(r *http.Request) castParams {
	q := r.URL.Query()
	p := castParams{pageID: q.Get("pageId"), tabIndex: -1, fps: defaultFPS}
	if v, err := strconv.Atoi(q.Get("tabIndex")); err == nil && v >= 0 {
		p.tabIndex = v
	}
	if v, err := strconv.Atoi(q.Get("fps")); err == nil && v > 0 {
		p.fps = min(v, maxFPS)
	}
	return p
}

func (c *Caster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := parseCastParams(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.WithError(err).Debug("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(params.fps), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		pageID, err := c.resolvePage(ctx, params)
		if err != nil {
			c.log.WithError(err).Debug("No page to cast")
			continue
		}
		img, err := c.browser.Screenshot(ctx, pageID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Debug("Screenshot failed")
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(Frame{
			Type:      "frame",
			PageID:    pageID,
			Data:      base64.StdEncoding.EncodeToString(img),
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("Cast write failed")
			}
			return
		}
	}
}

func (c *Caster) resolvePage(ctx context.Context, p castParams) (string, error) {
	if p.pageID != "" || p.tabIndex < 0 {
		return p.pageID, nil
	}
	pages, err := c.browser.Pages(ctx)
	if err != nil {
		return "", err
	}
	if p.tabIndex >= len(pages) {
		return "", errTabIndex(p.tabIndex)
	}
	return pages[p.tabIndex].ID(), nil
}

type errTabIndex int

func (e errTabIndex) Error() string {
	return "no page at tab index " + strconv.Itoa(int(e))
}

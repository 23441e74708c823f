package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const dialTimeout = 10 * time.Second

// passthrough relays raw CDP frames between the client and the browser's own
// debugging websocket. The browser is dialled before the client upgrade; if
// that fails the client connection is dropped.
func (rt *Router) passthrough(w http.ResponseWriter, r *http.Request) {
	log := rt.log.WithField("route", "cdp")

	target, err := backendURL(rt.browser.WebSocketURL(), r.URL)
	if err != nil {
		log.WithError(err).Warn("No browser websocket to proxy to")
		abort(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()
	browserConn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		log.WithError(err).WithField("target", target).Warn("❌ Failed to connect to browser")
		abort(w)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Failed to upgrade connection")
		return
	}
	defer clientConn.Close()
	defer rt.metrics.RealtimeConnected("cdp")()

	log.WithField("target", target).Debug("✅ CDP client connected")

	var g errgroup.Group
	g.Go(func() error { return pump(clientConn, browserConn) })
	g.Go(func() error { return pump(browserConn, clientConn) })
	if err := g.Wait(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.WithError(err).Debug("CDP proxy ended")
	}
	log.Debug("CDP client disconnected")
}

// pump copies frames from src to dst. Either side failing closes both so the
// opposite pump returns too.
func pump(src, dst *websocket.Conn) error {
	defer src.Close()
	defer dst.Close()
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

// backendURL keeps page-level devtools paths and otherwise targets the
// browser endpoint.
func backendURL(browserURL string, req *url.URL) (string, error) {
	if browserURL == "" {
		return "", errors.New("browser is not running")
	}
	u, err := url.Parse(browserURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid browser websocket url")
	}
	if strings.HasPrefix(req.Path, "/devtools/page/") {
		u.Path = req.Path
	}
	return u.String(), nil
}

// abort drops the connection without a handshake response.
func abort(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "browser unavailable", http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/browserctl/internal/events"
)

const (
	relayBuffer  = 64
	writeTimeout = 10 * time.Second
)

// relay streams one topic to one websocket. It holds exactly one
// subscription for the lifetime of the connection. Inbound messages are read
// to observe the close and otherwise ignored.
func (rt *Router) relay(w http.ResponseWriter, r *http.Request, route string, topic events.Topic, transform func(any) (any, bool)) {
	log := rt.log.WithField("route", route)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Failed to upgrade connection")
		return
	}
	defer conn.Close()
	defer rt.metrics.RealtimeConnected(route)()

	out := make(chan any, relayBuffer)
	stop := make(chan struct{})
	off := rt.events.On(topic, func(payload any) {
		msg, ok := transform(payload)
		if !ok {
			return
		}
		select {
		case <-stop:
		case out <- msg:
		default:
			log.Warn("Realtime client too slow, dropping event")
		}
	})

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			off()
			close(stop)
		})
	}
	defer shutdown()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-stop:
				return
			case msg := <-out:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					log.WithError(err).Debug("Realtime write failed")
					shutdown()
					conn.Close()
					return
				}
			}
		}
	}()

	log.Debug("Realtime client connected")
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Realtime connection closed")
			}
			break
		}
	}
	shutdown()
	<-writerDone
	log.Debug("Realtime client disconnected")
}

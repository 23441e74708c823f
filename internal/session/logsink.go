package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/browserctl/internal/events"
)

const logSinkBuffer = 256

// logSink forwards driver log events of one session to an HTTP collector.
// Events are posted one batch per event; a full buffer drops events.
type logSink struct {
	url    string
	client *http.Client
	log    logrus.FieldLogger

	queue    chan any
	stop     chan struct{}
	done     chan struct{}
	off      func()
	stopOnce sync.Once
}

func startLogSink(emitter *events.Emitter, url string, client *http.Client, log logrus.FieldLogger) *logSink {
	s := &logSink{
		url:    url,
		client: client,
		log:    log.WithField("sink", url),
		queue:  make(chan any, logSinkBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.off = emitter.On(events.TopicLog, s.enqueue)
	go s.run()
	return s
}

func (s *logSink) enqueue(ev any) {
	select {
	case <-s.stop:
	case s.queue <- ev:
	default:
		s.log.Debug("Log sink buffer full, dropping event")
	}
}

func (s *logSink) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.queue:
			if err := s.post(ev); err != nil {
				s.log.WithError(err).Warn("Failed to deliver log event")
			}
		}
	}
}

func (s *logSink) post(ev any) error {
	body, err := json.Marshal([]any{ev})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Stop unsubscribes and waits for the worker to exit.
func (s *logSink) Stop() {
	s.stopOnce.Do(func() {
		s.off()
		close(s.stop)
	})
	<-s.done
}

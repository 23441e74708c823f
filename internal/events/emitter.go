// Package events is a small topic-based publish/subscribe registry used to
// fan driver events out to realtime connections.
package events

import (
	"sync"
)

// Topic names an event stream
type Topic string

const (
	TopicLog       Topic = "log"
	TopicPageID    Topic = "pageId"
	TopicRecording Topic = "recording"
	TopicCaptcha   Topic = "captcha"
)

// Listener receives event payloads. It is called on the emitting goroutine.
type Listener func(payload any)

// Emitter is a topic registry with explicit add/remove-listener operations.
type Emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Topic]map[uint64]Listener
}

// NewEmitter creates an empty Emitter
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[Topic]map[uint64]Listener),
	}
}

// On registers fn for topic and returns a function removing it again.
// The returned function is safe to call more than once.
func (e *Emitter) On(topic Topic, fn Listener) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	if e.listeners[topic] == nil {
		e.listeners[topic] = make(map[uint64]Listener)
	}
	e.listeners[topic][id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners[topic], id)
			if len(e.listeners[topic]) == 0 {
				delete(e.listeners, topic)
			}
			e.mu.Unlock()
		})
	}
}

// Emit delivers payload to every listener currently registered on topic.
func (e *Emitter) Emit(topic Topic, payload any) {
	e.mu.RLock()
	fns := make([]Listener, 0, len(e.listeners[topic]))
	for _, fn := range e.listeners[topic] {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// ListenerCount reports how many listeners are registered on topic.
func (e *Emitter) ListenerCount(topic Topic) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[topic])
}

package handlers

import (
	"slices"
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// outbox holds the events waiting to be published. An event replaces the pending one with the same
// key, so a slow publisher only sees the latest render of each message and putting never blocks.
type outbox struct {
	mu      sync.Mutex
	pending map[string]*sse.Message
	order   []string

	ready chan struct{}
}

const (
	messageKeyPrefix = "message-"
	resetKey         = "reset"
	statusKey        = "status"
)

func newOutbox() *outbox {
	return &outbox{
		pending: make(map[string]*sse.Message),
		ready:   make(chan struct{}, 1),
	}
}

func messageKey(id string) string {
	return messageKeyPrefix + id
}

// put queues msg under key. A pending event with the same key is replaced in place.
func (o *outbox) put(key string, msg *sse.Message) {
	o.mu.Lock()
	if _, ok := o.pending[key]; !ok {
		o.order = append(o.order, key)
	}
	o.pending[key] = msg
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// reset drops the pending messages, the browser clears them anyway, then queues msg.
func (o *outbox) reset(msg *sse.Message) {
	o.mu.Lock()
	o.order = slices.DeleteFunc(o.order, func(key string) bool {
		if !strings.HasPrefix(key, messageKeyPrefix) {
			return false
		}
		delete(o.pending, key)
		return true
	})
	o.mu.Unlock()

	o.put(resetKey, msg)
}

// take returns the pending events in queueing order and empties the outbox.
func (o *outbox) take() []*sse.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	msgs := make([]*sse.Message, 0, len(o.order))
	for _, key := range o.order {
		msgs = append(msgs, o.pending[key])
	}
	o.order = nil
	clear(o.pending)

	return msgs
}

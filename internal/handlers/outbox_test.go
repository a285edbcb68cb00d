package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

func event(typ sse.EventType, data string) *sse.Message {
	e := &sse.Message{Type: typ}
	e.AppendData(data)
	return e
}

func TestOutboxNeverBlocks(t *testing.T) {
	o := newOutbox()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 10000 {
			o.put(messageKey("a1"), event(messagesSSEType, string(rune('a'+i%26))))
			o.put(statusKey, event(statusSSEType, "awaiting-reply"))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("put blocked without a reader")
	}

	require.Len(t, o.take(), 2)
}

func TestOutboxCoalesces(t *testing.T) {
	o := newOutbox()

	user := event(messagesSSEType, "user")
	o.put(messageKey("u1"), user)
	o.put(statusKey, event(statusSSEType, "awaiting-reply"))
	o.put(messageKey("a1"), event(messagesSSEType, "Shel"))
	o.put(messageKey("a1"), event(messagesSSEType, "Shelters"))
	idle := event(statusSSEType, "idle")
	o.put(statusKey, idle)
	latest := event(messagesSSEType, "Shelters are open.")
	o.put(messageKey("a1"), latest)

	msgs := o.take()
	require.Equal(t, []*sse.Message{user, idle, latest}, msgs)
	require.Empty(t, o.take())
}

func TestOutboxResetDropsPendingMessages(t *testing.T) {
	o := newOutbox()

	o.put(messageKey("u1"), event(messagesSSEType, "user"))
	status := event(statusSSEType, "awaiting-reply")
	o.put(statusKey, status)
	o.put(messageKey("a1"), event(messagesSSEType, "partial"))

	reset := event(resetSSEType, "reset")
	o.reset(reset)
	next := event(messagesSSEType, "new question")
	o.put(messageKey("u2"), next)

	require.Equal(t, []*sse.Message{status, reset, next}, o.take())
}

func TestOutboxSignalsReady(t *testing.T) {
	o := newOutbox()

	o.put(statusKey, event(statusSSEType, "idle"))
	o.put(statusKey, event(statusSSEType, "idle"))

	select {
	case <-o.ready:
	default:
		t.Fatal("outbox did not signal pending events")
	}
	select {
	case <-o.ready:
		t.Fatal("signals must coalesce")
	default:
	}
}

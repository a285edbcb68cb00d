package models

import (
	"maps"
	"slices"
	"sync"
)

// Status represents the controller-wide state of a chat session.
type Status string

// ChangeKind represents the kind of mutation announced to session observers.
type ChangeKind string

const (
	// StatusIdle means a new question can be submitted.
	StatusIdle Status = "idle"
	// StatusAwaitingReply means a turn is in flight and new submissions are rejected.
	StatusAwaitingReply Status = "awaiting-reply"

	// ChangeAppend is announced when a message is added at the end of the transcript.
	ChangeAppend ChangeKind = "append"
	// ChangeUpdate is announced when the content of an existing message is replaced.
	ChangeUpdate ChangeKind = "update"
	// ChangeReset is announced when the transcript is cleared.
	ChangeReset ChangeKind = "reset"
	// ChangeStatus is announced when the session status flips.
	ChangeStatus ChangeKind = "status"
)

// Change is the payload delivered to observers after every transcript or status mutation.
type Change struct {
	Kind ChangeKind

	// Message would be filled if Kind is ChangeAppend or ChangeUpdate. It is a copy of the message
	// after the mutation.
	Message Message
	// Index is the position of Message in the transcript.
	Index int

	// Status would be filled if Kind is ChangeStatus.
	Status Status
}

// Grows reports whether the change made the transcript longer or its last message longer, which is
// when presentation layers should bring the newest message into view.
func (c Change) Grows() bool {
	return c.Kind == ChangeAppend || c.Kind == ChangeUpdate
}

// Observers is an ordered set of change observers. Observers are called in registration order. The
// zero value is ready to use.
type Observers struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(Change)
}

// Add registers fn. The returned function removes the registration and is safe to call more than
// once.
func (o *Observers) Add(fn func(Change)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fns == nil {
		o.fns = make(map[uint64]func(Change))
	}
	id := o.nextID
	o.nextID++
	o.fns[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

// Snapshot returns the registered observers in registration order.
func (o *Observers) Snapshot() []func(Change) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := slices.Sorted(maps.Keys(o.fns))
	fns := make([]func(Change), len(ids))
	for i, id := range ids {
		fns[i] = o.fns[id]
	}
	return fns
}

// Notify calls every observer of fns with c.
func Notify(fns []func(Change), c Change) {
	for _, fn := range fns {
		fn(c)
	}
}

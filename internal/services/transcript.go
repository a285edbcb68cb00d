package services

import (
	"slices"
	"sync"

	"github.com/MegaGrindStone/curator-chat/internal/models"
)

// Transcript is the in-memory, ordered holder of the messages of the active chat session. Insertion
// order is display order; messages are never reordered, and the only in-place mutation allowed is
// the replacement of a message content.
//
// Every mutation is announced to the subscribed observers, synchronously and in mutation order.
// Observers may read the transcript with All, but must not mutate it.
type Transcript struct {
	// notifyMu serialises a mutation together with its notifications, so observers never see
	// changes out of order.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	messages  []models.Message
	observers models.Observers
}

// NewTranscript creates an empty Transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append adds msg at the end of the transcript.
func (t *Transcript) Append(msg models.Message) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	idx := len(t.messages) - 1
	observers := t.observers.Snapshot()
	t.mu.Unlock()

	models.Notify(observers, models.Change{
		Kind:    models.ChangeAppend,
		Message: msg,
		Index:   idx,
	})
}

// UpdateContent replaces the content of the message with the given id, keeping its position. If
// there is no such message, the call is silently ignored and nobody is notified.
func (t *Transcript) UpdateContent(id, content string) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	idx := slices.IndexFunc(t.messages, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		t.mu.Unlock()
		return
	}
	t.messages[idx].Content = content
	msg := t.messages[idx]
	observers := t.observers.Snapshot()
	t.mu.Unlock()

	models.Notify(observers, models.Change{
		Kind:    models.ChangeUpdate,
		Message: msg,
		Index:   idx,
	})
}

// Reset clears all the messages. Resetting an empty transcript is a no-op.
func (t *Transcript) Reset() {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if len(t.messages) == 0 {
		t.mu.Unlock()
		return
	}
	t.messages = nil
	observers := t.observers.Snapshot()
	t.mu.Unlock()

	models.Notify(observers, models.Change{Kind: models.ChangeReset})
}

// All returns a snapshot of the messages in display order. The returned slice is a copy, mutating
// it doesn't affect the transcript.
func (t *Transcript) All() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.messages)
}

// Subscribe registers fn to be called after every mutation. The returned function removes the
// registration and is safe to call more than once.
func (t *Transcript) Subscribe(fn func(models.Change)) func() {
	return t.observers.Add(fn)
}

// Package session implements the chat session controller: the single entry point presentation
// layers use to run question and answer turns against the assistant endpoint.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/curator-chat/internal/models"
	"github.com/google/uuid"
)

// Transcript defines the ordered message holder the controller mutates. Only the controller mutates
// it, presentation layers read snapshots through Controller.Messages.
type Transcript interface {
	Append(msg models.Message)
	UpdateContent(id, content string)
	Reset()
	All() []models.Message
	Subscribe(fn func(models.Change)) func()
}

// StreamConsumer performs one network turn. It must call onChunk once per decoded chunk, in arrival
// order, and then exactly one of onDone or onError, exactly once. Run may block until the turn is
// over, the controller always calls it on its own goroutine.
type StreamConsumer interface {
	Run(ctx context.Context, question string, onChunk func(string), onDone func(), onError func(error))
}

// Controller orchestrates the transcript and the stream consumer into full turns, and enforces that
// a single turn is in flight at any time.
//
// Observers registered with Subscribe are called synchronously while the controller holds its
// lock. They may call Messages, Busy, and Status, but any Submit or Reset must be handed off to
// another goroutine.
type Controller struct {
	transcript  Transcript
	consumer    StreamConsumer
	errorNotice string

	mu   sync.Mutex
	turn *turn
	busy atomic.Bool
	wg   sync.WaitGroup

	observers models.Observers

	logger *slog.Logger
}

// turn is one question and answer cycle. Callbacks close over their turn and are applied only
// while it is still the controller's current turn.
type turn struct {
	id          string
	assistantID string
	content     strings.Builder
	cancel      context.CancelFunc
}

// DefaultErrorNotice is the assistant content shown when a turn fails.
const DefaultErrorNotice = "An error occurred, please try again."

const errLoggerKey = "err"

var (
	// ErrEmptyQuestion is returned by Submit when the text is empty after trimming.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrBusy is returned by Submit while a turn is in flight.
	ErrBusy = errors.New("a reply is still in progress")
)

// NewController creates a new Controller over the given transcript and consumer. An empty
// errorNotice defaults to DefaultErrorNotice.
func NewController(
	transcript Transcript,
	consumer StreamConsumer,
	errorNotice string,
	logger *slog.Logger,
) *Controller {
	if errorNotice == "" {
		errorNotice = DefaultErrorNotice
	}
	return &Controller{
		transcript:  transcript,
		consumer:    consumer,
		errorNotice: errorNotice,
		logger:      logger.With(slog.String("module", "session")),
	}
}

// Submit starts a new turn with text as the question. The user message and an empty assistant
// placeholder are appended before any network activity, then the consumer is started. Submit
// returns ErrEmptyQuestion or ErrBusy without touching the transcript when the turn can't start.
func (c *Controller) Submit(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyQuestion
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn != nil {
		return ErrBusy
	}

	now := time.Now()
	userMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: now,
	}
	aiMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Timestamp: now,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &turn{
		id:          uuid.NewString(),
		assistantID: aiMsg.ID,
		cancel:      cancel,
	}
	c.turn = t

	c.setBusyLocked(true)
	c.transcript.Append(userMsg)
	c.transcript.Append(aiMsg)

	c.logger.Debug("Turn started", slog.String("turnID", t.id), slog.String("messageID", aiMsg.ID))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		c.consumer.Run(ctx, text,
			func(chunk string) { c.handleChunk(t, chunk) },
			func() { c.handleDone(t) },
			func(err error) { c.handleError(t, err) },
		)
	}()

	return nil
}

// Reset discards the current session: the in-flight turn, if any, is abandoned and its late
// callbacks become no-ops, the transcript is cleared, and the controller is idle again. Calling
// Reset on an empty, idle session has no effect.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
}

// Messages returns a snapshot of the transcript in display order.
func (c *Controller) Messages() []models.Message {
	return c.transcript.All()
}

// Busy reports whether a turn is in flight. Presentation layers use it to disable their input.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Status returns the current session status.
func (c *Controller) Status() models.Status {
	if c.busy.Load() {
		return models.StatusAwaitingReply
	}
	return models.StatusIdle
}

// Subscribe registers fn to be called after every transcript change and every status change. The
// returned function removes the registration.
func (c *Controller) Subscribe(fn func(models.Change)) func() {
	unsubTranscript := c.transcript.Subscribe(fn)
	unsubStatus := c.observers.Add(fn)

	return func() {
		unsubTranscript()
		unsubStatus()
	}
}

// Shutdown resets the session and waits for the goroutine of the abandoned turn to return, or for
// ctx to be done.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Reset()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handleChunk(t *turn, chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn != t {
		c.logger.Debug("Dropped chunk of a stale turn", slog.String("turnID", t.id))
		return
	}

	t.content.WriteString(chunk)
	c.transcript.UpdateContent(t.assistantID, t.content.String())
}

func (c *Controller) handleDone(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn != t {
		c.logger.Debug("Dropped completion of a stale turn", slog.String("turnID", t.id))
		return
	}

	c.logger.Debug("Turn completed", slog.String("turnID", t.id), slog.Int("length", t.content.Len()))
	c.finishLocked()
}

func (c *Controller) handleError(t *turn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn != t {
		c.logger.Debug("Dropped error of a stale turn",
			slog.String("turnID", t.id),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	c.logger.Error("Turn failed",
		slog.String("turnID", t.id),
		slog.Int("receivedLength", t.content.Len()),
		slog.String(errLoggerKey, err.Error()))

	// Partial content is superseded by the notice.
	c.transcript.UpdateContent(t.assistantID, c.errorNotice)
	c.finishLocked()
}

func (c *Controller) finishLocked() {
	c.turn = nil
	c.setBusyLocked(false)
}

func (c *Controller) resetLocked() {
	if c.turn != nil {
		c.logger.Debug("Abandoned in-flight turn", slog.String("turnID", c.turn.id))
		c.turn.cancel()
		c.turn = nil
	}
	c.transcript.Reset()
	c.setBusyLocked(false)
}

func (c *Controller) setBusyLocked(busy bool) {
	if c.busy.Swap(busy) == busy {
		return
	}

	status := models.StatusIdle
	if busy {
		status = models.StatusAwaitingReply
	}

	models.Notify(c.observers.Snapshot(), models.Change{Kind: models.ChangeStatus, Status: status})
}

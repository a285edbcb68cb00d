package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/curator-chat/internal/models"
	"github.com/MegaGrindStone/curator-chat/internal/services"
	"github.com/MegaGrindStone/curator-chat/internal/session"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	started chan *fakeRun
}

type fakeRun struct {
	ctx      context.Context
	question string

	onChunk func(string)
	onDone  func()
	onError func(error)

	release chan struct{}
	once    sync.Once
}

type recorder struct {
	mu      sync.Mutex
	changes []models.Change
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{started: make(chan *fakeRun, 10)}
}

func (f *fakeConsumer) Run(
	ctx context.Context,
	question string,
	onChunk func(string),
	onDone func(),
	onError func(error),
) {
	r := &fakeRun{
		ctx:      ctx,
		question: question,
		onChunk:  onChunk,
		onDone:   onDone,
		onError:  onError,
		release:  make(chan struct{}),
	}
	f.started <- r
	<-r.release
}

func (f *fakeConsumer) next(t *testing.T) *fakeRun {
	t.Helper()
	select {
	case r := <-f.started:
		t.Cleanup(func() { r.finish() })
		return r
	case <-time.After(time.Second):
		t.Fatal("consumer was not started")
		return nil
	}
}

func (f *fakeConsumer) assertNotStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
		t.Fatal("consumer should not be started")
	case <-time.After(20 * time.Millisecond):
	}
}

func (r *fakeRun) finish() {
	r.once.Do(func() { close(r.release) })
}

func (r *recorder) record(c models.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) kinds() []models.ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]models.ChangeKind, len(r.changes))
	for i, c := range r.changes {
		kinds[i] = c.Kind
	}
	return kinds
}

func (r *recorder) updates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var contents []string
	for _, c := range r.changes {
		if c.Kind == models.ChangeUpdate {
			contents = append(contents, c.Message.Content)
		}
	}
	return contents
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(consumer session.StreamConsumer) *session.Controller {
	return session.NewController(services.NewTranscript(), consumer, "", testLogger())
}

func TestSubmitAppendsUserThenPlaceholder(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("Where can I find food distribution centers?"))
	run := consumer.next(t)

	require.Equal(t, "Where can I find food distribution centers?", run.question)
	require.True(t, ctrl.Busy())
	require.Equal(t, models.StatusAwaitingReply, ctrl.Status())

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleUser, msgs[0].Role)
	require.Equal(t, "Where can I find food distribution centers?", msgs[0].Content)
	require.Equal(t, models.RoleAssistant, msgs[1].Role)
	require.Empty(t, msgs[1].Content)
	require.NotEqual(t, msgs[0].ID, msgs[1].ID)
	require.False(t, msgs[0].Timestamp.IsZero())
}

func TestSubmitKeepsRawText(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("  hello\n"))
	run := consumer.next(t)

	require.Equal(t, "  hello\n", run.question)
	require.Equal(t, "  hello\n", ctrl.Messages()[0].Content)
}

func TestSubmitRejectsEmptyQuestion(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "Empty", text: ""},
		{name: "Spaces", text: "   "},
		{name: "Whitespace", text: "\n\t \r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer := newFakeConsumer()
			ctrl := newController(consumer)

			err := ctrl.Submit(tt.text)
			require.ErrorIs(t, err, session.ErrEmptyQuestion)
			require.Empty(t, ctrl.Messages())
			require.False(t, ctrl.Busy())
			consumer.assertNotStarted(t)
		})
	}
}

func TestSubmitWhileBusy(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("first"))
	consumer.next(t)

	err := ctrl.Submit("second")
	require.ErrorIs(t, err, session.ErrBusy)
	require.Len(t, ctrl.Messages(), 2)
	consumer.assertNotStarted(t)
}

func TestChunksAccumulate(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)
	rec := &recorder{}
	ctrl.Subscribe(rec.record)

	require.NoError(t, ctrl.Submit("Hi"))
	run := consumer.next(t)

	for _, chunk := range []string{"Hel", "lo, ", "world"} {
		run.onChunk(chunk)
	}
	require.True(t, ctrl.Busy())
	run.onDone()

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello, world", msgs[1].Content)
	require.False(t, ctrl.Busy())
	require.Equal(t, models.StatusIdle, ctrl.Status())

	require.Equal(t, []string{"Hel", "Hello, ", "Hello, world"}, rec.updates())
	require.Equal(t, []models.ChangeKind{
		models.ChangeStatus,
		models.ChangeAppend,
		models.ChangeAppend,
		models.ChangeUpdate,
		models.ChangeUpdate,
		models.ChangeUpdate,
		models.ChangeStatus,
	}, rec.kinds())
}

func TestErrorReplacesPartialContent(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("Hi"))
	run := consumer.next(t)

	run.onChunk("Par")
	require.Equal(t, "Par", ctrl.Messages()[1].Content)

	run.onError(errors.New("connection reset"))

	msgs := ctrl.Messages()
	require.Equal(t, session.DefaultErrorNotice, msgs[1].Content)
	require.Equal(t, "Hi", msgs[0].Content)
	require.False(t, ctrl.Busy())
}

func TestErrorBeforeAnyChunk(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := session.NewController(services.NewTranscript(), consumer, "Something went wrong.", testLogger())

	require.NoError(t, ctrl.Submit("Hi"))
	run := consumer.next(t)
	run.onError(services.ErrNoStream)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Something went wrong.", msgs[1].Content)
	require.False(t, ctrl.Busy())

	// The session is not broken by a failed turn.
	require.NoError(t, ctrl.Submit("Again"))
	consumer.next(t)
	require.Len(t, ctrl.Messages(), 4)
}

func TestResetMidStreamDropsStaleCallbacks(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("Hi"))
	run := consumer.next(t)
	run.onChunk("Hel")

	ctrl.Reset()
	require.Empty(t, ctrl.Messages())
	require.False(t, ctrl.Busy())

	select {
	case <-run.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("the abandoned turn context should be cancelled")
	}

	run.onChunk("lo")
	run.onError(errors.New("late"))
	run.onDone()

	require.Empty(t, ctrl.Messages())
	require.False(t, ctrl.Busy())
}

func TestStaleTurnDoesNotTouchNewTurn(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("first"))
	old := consumer.next(t)
	ctrl.Reset()

	require.NoError(t, ctrl.Submit("second"))
	current := consumer.next(t)

	old.onChunk("stale")
	old.onDone()
	require.True(t, ctrl.Busy())

	current.onChunk("fresh")
	current.onDone()

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "second", msgs[0].Content)
	require.Equal(t, "fresh", msgs[1].Content)
	require.False(t, ctrl.Busy())
}

func TestResetIsIdempotent(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("Hi"))
	run := consumer.next(t)
	run.onChunk("Hello")
	run.onDone()
	require.Len(t, ctrl.Messages(), 2)

	rec := &recorder{}
	ctrl.Subscribe(rec.record)

	ctrl.Reset()
	require.Empty(t, ctrl.Messages())
	ctrl.Reset()
	require.Empty(t, ctrl.Messages())
	require.False(t, ctrl.Busy())

	require.Equal(t, []models.ChangeKind{models.ChangeReset}, rec.kinds())
}

func TestUnsubscribe(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)
	rec := &recorder{}
	unsubscribe := ctrl.Subscribe(rec.record)
	unsubscribe()

	require.NoError(t, ctrl.Submit("Hi"))
	consumer.next(t)

	require.Empty(t, rec.kinds())
}

func TestObserverCanReadSnapshot(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	var (
		mu        sync.Mutex
		busyOnAdd []bool
	)
	ctrl.Subscribe(func(c models.Change) {
		if c.Kind != models.ChangeAppend {
			return
		}
		busy := ctrl.Busy()
		_ = ctrl.Messages()
		mu.Lock()
		busyOnAdd = append(busyOnAdd, busy)
		mu.Unlock()
	})

	require.NoError(t, ctrl.Submit("Hi"))
	consumer.next(t)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, true}, busyOnAdd)
}

func TestShutdownWaitsForTurn(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("Hi"))
	run := consumer.next(t)

	go func() {
		<-run.ctx.Done()
		run.onError(run.ctx.Err())
		run.finish()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ctrl.Shutdown(ctx))
	require.Empty(t, ctrl.Messages())
	require.False(t, ctrl.Busy())
}

func TestShutdownTimeout(t *testing.T) {
	consumer := newFakeConsumer()
	ctrl := newController(consumer)

	require.NoError(t, ctrl.Submit("Hi"))
	consumer.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, ctrl.Shutdown(ctx), context.DeadlineExceeded)
}

func TestControllerWithAssistant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Shelters ", "are open ", "tonight."} {
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	assistant := services.NewAssistant(srv.URL, services.FramingRaw, 0, testLogger())
	ctrl := newController(assistant)

	require.NoError(t, ctrl.Submit("I need emergency shelter assistance"))
	require.Eventually(t, func() bool { return !ctrl.Busy() }, 2*time.Second, 5*time.Millisecond)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Shelters are open tonight.", msgs[1].Content)
}

func TestControllerWithFailingAssistant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	assistant := services.NewAssistant(srv.URL, services.FramingRaw, 0, testLogger())
	ctrl := newController(assistant)

	require.NoError(t, ctrl.Submit("Hi"))
	require.Eventually(t, func() bool { return !ctrl.Busy() }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, session.DefaultErrorNotice, ctrl.Messages()[1].Content)
}

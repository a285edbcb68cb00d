package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"sync"
	"time"

	curatorchat "github.com/MegaGrindStone/curator-chat"
	"github.com/MegaGrindStone/curator-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Session defines the chat session operations the web front-end drives. It is implemented by
// session.Controller.
type Session interface {
	Submit(text string) error
	Reset()
	Messages() []models.Message
	Busy() bool
	Subscribe(fn func(models.Change)) func()
}

// Main handles the core functionality of the chat web front-end, managing server-sent events, HTML
// templates, and the interactions with the chat session.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	session     Session
	unsubscribe func()

	// Session changes are rendered in the observer and published from their own goroutine, so a slow
	// client never holds the session lock.
	outbox    *outbox
	done      chan struct{}
	closeOnce *sync.Once

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a new Main instance over the given session. It initializes the SSE server, parses
// the required HTML templates from the embedded filesystem and starts forwarding the session changes
// to the connected browsers.
func NewMain(session Session, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		curatorchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("error parsing templates: %w", err)
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic},
				}, true
			},
		},
		templates: tmpl,
		session:   session,
		outbox:    newOutbox(),
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
		logger:    logger.With(slog.String("module", "main")),
	}
	m.unsubscribe = session.Subscribe(m.onChange)

	go m.publishLoop()

	return m, nil
}

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.Format("15:04")
	},
	"trim": strings.TrimSpace,
}

// Shutdown gracefully terminates the Main instance's SSE server. It stops listening to the session,
// broadcasts a close message to all connected clients and waits up to 5 seconds for connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.unsubscribe()
		close(m.done)
	})

	e := &sse.Message{Type: closeChatSSEType}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (m Main) publishLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.outbox.ready:
			for _, msg := range m.outbox.take() {
				if err := m.sseSrv.Publish(msg); err != nil {
					m.logger.Error("Failed to publish event", slog.String(errLoggerKey, err.Error()))
				}
			}
		}
	}
}

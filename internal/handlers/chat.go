package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/curator-chat/internal/models"
	"github.com/MegaGrindStone/curator-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time

	StreamingState string
}

type snapshot struct {
	Busy     bool             `json:"busy"`
	Messages []models.Message `json:"messages"`
}

// SSE event types for real-time updates.
var (
	messagesSSEType  = sse.Type("messages")
	resetSSEType     = sse.Type("reset")
	statusSSEType    = sse.Type("status")
	closeChatSSEType = sse.Type("closeChat")
)

// HandleChats submits the "message" form field as the question of a new turn. The reply is not part
// of the response: the user message, the pending assistant message and every later update are pushed
// through the SSE stream.
//
// It answers 202 when the turn has started, 400 when the message is empty, and 409 while a previous
// reply is still streaming.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if err := m.session.Submit(msg); err != nil {
		switch {
		case errors.Is(err, session.ErrEmptyQuestion):
			http.Error(w, "Message is required", http.StatusBadRequest)
		case errors.Is(err, session.ErrBusy):
			http.Error(w, "A reply is still in progress", http.StatusConflict)
		default:
			m.logger.Error("Failed to submit message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleReset discards the current chat, including a reply that is still streaming, and starts over
// with an empty one.
func (m Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.session.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages returns the current transcript and session status as JSON.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := snapshot{
		Busy:     m.session.Busy(),
		Messages: m.session.Messages(),
	}
	if snap.Messages == nil {
		snap.Messages = []models.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		m.logger.Error("Failed to encode messages", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE streams the session changes to the browser.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// onChange is subscribed to the session. It runs while the session is locked, so it only reads the
// session snapshot, renders, and hands the event over to the publisher.
func (m Main) onChange(c models.Change) {
	switch c.Kind {
	case models.ChangeAppend, models.ChangeUpdate:
		msgs := m.session.Messages()
		last := c.Index == len(msgs)-1
		m.enqueueMessage(c.Message, last, m.session.Busy())
	case models.ChangeReset:
		e := &sse.Message{Type: resetSSEType}
		e.AppendData("reset")
		m.outbox.reset(e)
	case models.ChangeStatus:
		e := &sse.Message{Type: statusSSEType}
		e.AppendData(string(c.Status))
		m.outbox.put(statusKey, e)

		// The pending indicator of the last reply goes away once the turn is over.
		if c.Status == models.StatusIdle {
			msgs := m.session.Messages()
			if len(msgs) > 0 && msgs[len(msgs)-1].Role == models.RoleAssistant {
				m.enqueueMessage(msgs[len(msgs)-1], true, false)
			}
		}
	}
}

func (m Main) enqueueMessage(msg models.Message, last, busy bool) {
	rendered, err := m.renderMessage(toView(msg, last, busy))
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messagesSSEType}
	e.AppendData(rendered)
	m.outbox.put(messageKey(msg.ID), e)
}

func (m Main) renderMessage(msg message) (string, error) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "chat_message", msg); err != nil {
		return "", fmt.Errorf("failed to execute chat_message template: %w", err)
	}
	return sb.String(), nil
}

func toView(msg models.Message, last, busy bool) message {
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		StreamingState: string(models.StreamingStateOf(msg, last, busy)),
	}
}

func toViews(msgs []models.Message, busy bool) []message {
	views := make([]message, len(msgs))
	for i, msg := range msgs {
		views[i] = toView(msg, i == len(msgs)-1, busy)
	}
	return views
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/curator-chat/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/google/uuid"
	"github.com/rs/cors"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context,
// a sequence of messages and the tools the model may call, returning an iterator that yields the reply
// contents and potential errors. Text contents arrive as they are produced; a tool call, if any, is
// yielded last.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message, tools []mcp.Tool) iter.Seq2[models.Content, error]
}

// Toolbox provides the tools offered to the model and runs the calls the model makes. CallTool returns
// the JSON encoded result and whether the call succeeded. It is implemented by services.MCPToolbox.
type Toolbox interface {
	Tools() []mcp.Tool
	CallTool(ctx context.Context, params mcp.CallToolParams) (json.RawMessage, bool)
}

// AssistantEndpoint serves the assistant chat route: it answers a question by streaming the raw text of
// the model reply, chunk by chunk, as the model produces it. The endpoint keeps the conversation, each
// question is answered with the previous exchanges in context.
type AssistantEndpoint struct {
	llm     LLM
	toolbox Toolbox
	history *history
	cors    *cors.Cors

	logger *slog.Logger
}

type questionRequest struct {
	Question string `json:"question"`
}

// history is the conversation of the endpoint, trimmed to the last limit exchanges.
type history struct {
	mu       sync.Mutex
	messages []models.Message
	limit    int
}

// streamWriter writes the reply body, sending the headers with the first chunk so a failure before
// it can still be answered with an error status.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	chunks  int
}

// maxToolRounds bounds the tool calls of a single reply.
const maxToolRounds = 5

var errClientGone = errors.New("client went away")

// NewAssistantEndpoint creates a new AssistantEndpoint answering with llm. Tools of toolbox are offered
// to the model, a nil toolbox offers none. The conversation keeps the last historyLimit exchanges, a
// non positive limit keeps all of them. Cross-origin requests are allowed from allowedOrigins only, a
// "*" entry allows any origin.
func NewAssistantEndpoint(
	llm LLM,
	toolbox Toolbox,
	allowedOrigins []string,
	historyLimit int,
	logger *slog.Logger,
) AssistantEndpoint {
	logger = logger.With(slog.String("module", "assistant-endpoint"))
	return AssistantEndpoint{
		llm:     llm,
		toolbox: toolbox,
		history: &history{limit: historyLimit},
		cors: cors.New(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			Logger:         slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		}),
		logger: logger,
	}
}

// Handler returns HandleChat wrapped with the CORS policy of the endpoint, preflight requests are
// answered without reaching HandleChat.
func (a AssistantEndpoint) Handler() http.Handler {
	return a.cors.Handler(http.HandlerFunc(a.HandleChat))
}

// HandleChat expects a JSON body with a "question" field and streams the reply as the response body.
//
// A failure of the model before the first chunk is answered with 502. Once the reply has started, the
// status can't change anymore, so a failure aborts the connection and the client observes a broken
// stream instead of a completed one. Only completed replies join the conversation.
func (a AssistantEndpoint) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}

	question := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   req.Question,
		Timestamp: time.Now(),
	}
	reply := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}

	sw := &streamWriter{w: w, rc: http.NewResponseController(w)}
	messages := append(a.history.snapshot(), question)
	if err := a.reply(r.Context(), messages, &reply, sw); err != nil {
		switch {
		case errors.Is(err, errClientGone):
			a.logger.Debug("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		case !sw.started:
			a.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Assistant is unavailable", http.StatusBadGateway)
			return
		default:
			a.logger.Error("Error from llm provider after streaming started",
				slog.Int("chunks", sw.chunks),
				slog.String(errLoggerKey, err.Error()))
			panic(http.ErrAbortHandler)
		}
	}

	sw.start()
	a.history.record(question, reply)

	a.logger.Debug("Reply completed",
		slog.Int("chunks", sw.chunks),
		slog.Int("contents", len(reply.Contents)))
}

// reply runs the model until it answers without calling a tool. Text is streamed to sw and collected
// in reply, together with every tool call and its result.
func (a AssistantEndpoint) reply(
	ctx context.Context,
	messages []models.Message,
	reply *models.Message,
	sw *streamWriter,
) error {
	var tools []mcp.Tool
	if a.toolbox != nil {
		tools = a.toolbox.Tools()
	}

	for round := 0; ; round++ {
		turn := slices.Clip(messages)
		if len(reply.Contents) > 0 {
			turn = append(turn, *reply)
		}

		var callTool *models.Content
		for content, err := range a.llm.Chat(ctx, turn, tools) {
			if err != nil {
				return err
			}
			switch content.Type {
			case models.ContentTypeText:
				if content.Text == "" {
					continue
				}
				if err := sw.write(content.Text); err != nil {
					return err
				}
				appendText(reply, content.Text)
			case models.ContentTypeCallTool:
				callTool = &content
			}
		}

		if callTool == nil {
			return nil
		}
		if a.toolbox == nil || round >= maxToolRounds {
			a.logger.Warn("Tool call ignored",
				slog.String("toolName", callTool.ToolName),
				slog.Int("round", round))
			return nil
		}

		toolResult, success := a.toolbox.CallTool(ctx, mcp.CallToolParams{
			Name:      callTool.ToolName,
			Arguments: callTool.ToolInput,
		})
		// Providers resend the call with the next turn, and reject arguments that aren't JSON.
		if !json.Valid(callTool.ToolInput) {
			callTool.ToolInput = json.RawMessage("{}")
		}

		reply.Contents = append(reply.Contents, *callTool, models.Content{
			Type:           models.ContentTypeToolResult,
			ToolResult:     toolResult,
			CallToolFailed: !success,
			CallToolID:     callTool.CallToolID,
		})
	}
}

func appendText(msg *models.Message, text string) {
	msg.Content += text
	if n := len(msg.Contents); n > 0 && msg.Contents[n-1].Type == models.ContentTypeText {
		msg.Contents[n-1].Text += text
		return
	}
	msg.Contents = append(msg.Contents, models.Content{
		Type: models.ContentTypeText,
		Text: text,
	})
}

func (h *history) snapshot() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.messages)
}

func (h *history) record(question, reply models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, question, reply)
	if h.limit > 0 && len(h.messages) > 2*h.limit {
		h.messages = slices.Clone(h.messages[len(h.messages)-2*h.limit:])
	}
}

func (s *streamWriter) start() {
	if s.started {
		return
	}
	s.started = true

	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) write(text string) error {
	s.start()

	if _, err := io.WriteString(s.w, text); err != nil {
		return fmt.Errorf("%w: %w", errClientGone, err)
	}
	// Flushing fails only when the writer can't flush, the chunk is still written.
	_ = s.rc.Flush()
	s.chunks++
	return nil
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/curator-chat/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions using Claude models.
type Anthropic struct {
	apiKey       string
	endpoint     string
	model        string
	systemPrompt string
	maxTokens    int

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicStreamResponse struct {
	Type         string `json:"type"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint   = "https://api.anthropic.com/v1"
	anthropicDefaultTokens = 1024
	anthropicVersionHeader = "anthropic-version"
	anthropicVersion       = "2023-06-01"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and maximum
// token limit. An empty endpoint targets the public Anthropic API, a non positive maxTokens falls back
// to a default limit.
func NewAnthropic(
	apiKey, endpoint, model, systemPrompt string,
	maxTokens int,
	params LLMParameters,
	logger *slog.Logger,
) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultTokens
	}
	return Anthropic{
		apiKey:       apiKey,
		endpoint:     endpoint,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Chat streams responses from the Anthropic API for a given sequence of messages. The system prompt is
// sent separately, as the API expects. The iterator yields the reply text as it arrives, then the first
// tool use of the reply, if any. The context can be used to cancel ongoing requests.
func (a Anthropic) Chat(
	ctx context.Context,
	messages []models.Message,
	tools []mcp.Tool,
) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		resp, err := a.doRequest(ctx, messages, tools)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Content{}, err)
			return
		}
		defer resp.Body.Close()

		toolUse, toolDone := false, false
		toolArgs := ""
		callToolContent := models.Content{
			Type: models.ContentTypeCallTool,
		}
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Content{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			a.logger.Debug("Received event", slog.String("type", ev.Type))

			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Content{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Content{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				if toolUse {
					if toolArgs == "" {
						toolArgs = "{}"
					}
					callToolContent.ToolInput = json.RawMessage(toolArgs)
					yield(callToolContent, nil)
				}
				return
			case "content_block_start":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Content{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.ContentBlock.Type != "tool_use" {
					continue
				}
				if toolUse {
					a.logger.Warn("Received multiples tool call, but only the first one is supported",
						slog.String("ignored", res.ContentBlock.Name))
					continue
				}
				toolUse = true
				callToolContent.ToolName = res.ContentBlock.Name
				callToolContent.CallToolID = res.ContentBlock.ID
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Content{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				switch res.Delta.Type {
				case "input_json_delta":
					// Deltas of ignored tool uses arrive after the first one is complete.
					if toolUse && !toolDone {
						toolArgs += res.Delta.PartialJSON
					}
				default:
					if res.Delta.Text == "" {
						continue
					}
					if !yield(models.Content{
						Type: models.ContentTypeText,
						Text: res.Delta.Text,
					}, nil) {
						return
					}
				}
			case "content_block_stop":
				if toolUse {
					toolDone = true
				}
			default:
				continue
			}
		}
	}
}

func (a Anthropic) doRequest(
	ctx context.Context,
	messages []models.Message,
	tools []mcp.Tool,
) (*http.Response, error) {
	aTools := make([]anthropicTool, len(tools))
	for i, tool := range tools {
		aTools[i] = anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
	}

	maxTokens := a.maxTokens
	if a.params.MaxTokens != nil && *a.params.MaxTokens > 0 {
		maxTokens = *a.params.MaxTokens
	}

	reqBody := anthropicChatRequest{
		Model:         a.model,
		Messages:      anthropicMessages(messages),
		Tools:         aTools,
		Stream:        true,
		System:        a.systemPrompt,
		MaxTokens:     maxTokens,
		Temperature:   a.params.Temperature,
		TopP:          a.params.TopP,
		StopSequences: a.params.Stop,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set(anthropicVersionHeader, anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: %d, body: %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
	}

	return resp, nil
}

// anthropicMessages maps the transcript to content blocks. Tool results belong to the user turn, and
// consecutive blocks of the same role are merged since the API expects alternating roles.
func anthropicMessages(messages []models.Message) []anthropicMessage {
	var msgs []anthropicMessage
	add := func(role string, block anthropicContent) {
		if len(msgs) > 0 && msgs[len(msgs)-1].Role == role {
			msgs[len(msgs)-1].Content = append(msgs[len(msgs)-1].Content, block)
			return
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: []anthropicContent{block}})
	}

	for _, msg := range messages {
		for _, ct := range msg.Parts() {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text == "" {
					continue
				}
				add(string(msg.Role), anthropicContent{Type: "text", Text: ct.Text})
			case models.ContentTypeCallTool:
				add("assistant", anthropicContent{
					Type:  "tool_use",
					ID:    ct.CallToolID,
					Name:  ct.ToolName,
					Input: ct.ToolInput,
				})
			case models.ContentTypeToolResult:
				add("user", anthropicContent{
					Type:      "tool_result",
					ToolUseID: ct.CallToolID,
					Content:   ct.ToolResult,
					IsError:   ct.CallToolFailed,
				})
			}
		}
	}
	return msgs
}

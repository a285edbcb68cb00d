package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/curator-chat/internal/models"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server. If the provided host URL is invalid,
// the function will panic.
func NewOllama(host, model, systemPrompt string, params LLMParameters, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}
}

// Chat implements the LLM interface by streaming responses from the Ollama model. The returned
// iterator yields the reply text as the model produces it, and the first tool call of the reply, if
// any, once the reply is complete.
func (o Ollama) Chat(
	ctx context.Context,
	messages []models.Message,
	tools []mcp.Tool,
) iter.Seq2[models.Content, error] {
	return func(yield func(models.Content, error) bool) {
		msgs, err := ollamaMessages(o.systemPrompt, messages)
		if err != nil {
			yield(models.Content{}, fmt.Errorf("error creating ollama messages: %w", err))
			return
		}

		oTools, err := ollamaTools(tools)
		if err != nil {
			yield(models.Content{}, fmt.Errorf("error creating ollama tools: %w", err))
			return
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Tools:    oTools,
			Options:  o.params.ollamaOptions(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		var toolCalls []api.ToolCall
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			toolCalls = append(toolCalls, res.Message.ToolCalls...)
			if res.Message.Content == "" {
				return nil
			}
			if !yield(models.Content{Type: models.ContentTypeText, Text: res.Message.Content}, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Debug("Chat failed", slog.String(errLoggerKey, err.Error()))
			yield(models.Content{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		if stopped || len(toolCalls) == 0 {
			return
		}

		if len(toolCalls) > 1 {
			o.logger.Warn("Received multiples tool call, but only the first one is supported",
				slog.Int("count", len(toolCalls)))
		}
		args, err := json.Marshal(toolCalls[0].Function.Arguments)
		if err != nil {
			yield(models.Content{}, fmt.Errorf("error marshaling tool arguments: %w", err))
			return
		}
		o.logger.Debug("Call Tool",
			slog.String("name", toolCalls[0].Function.Name),
			slog.String("args", string(args)),
		)
		// Ollama doesn't identify tool calls, results are paired by position.
		yield(models.Content{
			Type:       models.ContentTypeCallTool,
			ToolName:   toolCalls[0].Function.Name,
			ToolInput:  args,
			CallToolID: uuid.NewString(),
		}, nil)
	}
}

func ollamaMessages(systemPrompt string, messages []models.Message) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, api.Message{
			Role:    "system",
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		for _, ct := range msg.Parts() {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text != "" {
					msgs = append(msgs, api.Message{
						Role:    string(msg.Role),
						Content: ct.Text,
					})
				}
			case models.ContentTypeCallTool:
				var args api.ToolCallFunctionArguments
				if err := json.Unmarshal(ct.ToolInput, &args); err != nil {
					return nil, fmt.Errorf("error unmarshaling tool input of %s: %w", ct.ToolName, err)
				}
				msgs = append(msgs, api.Message{
					Role: string(msg.Role),
					ToolCalls: []api.ToolCall{
						{
							Function: api.ToolCallFunction{
								Name:      ct.ToolName,
								Arguments: args,
							},
						},
					},
				})
			case models.ContentTypeToolResult:
				msgs = append(msgs, api.Message{
					Role:    "tool",
					Content: string(ct.ToolResult),
				})
			}
		}
	}
	return msgs, nil
}

func ollamaTools(tools []mcp.Tool) (api.Tools, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	oTools := make(api.Tools, len(tools))
	for i, tool := range tools {
		oTools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
			},
		}
		if len(tool.InputSchema) == 0 {
			continue
		}
		if err := json.Unmarshal(tool.InputSchema, &oTools[i].Function.Parameters); err != nil {
			return nil, fmt.Errorf("error unmarshaling input schema of %s: %w", tool.Name, err)
		}
	}
	return oTools, nil
}

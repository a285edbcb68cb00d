package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp"
)

// MCPClient is the part of a connected MCP client the toolbox uses. It is implemented by *mcp.Client.
type MCPClient interface {
	ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

// MCPToolbox offers the tools of a set of connected MCP servers to the model, and routes each call to
// the server that declared the tool.
type MCPToolbox struct {
	clients  []MCPClient
	tools    []mcp.Tool
	toolsMap map[string]int

	logger *slog.Logger
}

// NewMCPToolbox lists the tools of every client. A client that fails to list its tools is logged and
// left out. When two servers declare the same tool name, the first one wins.
func NewMCPToolbox(ctx context.Context, clients []MCPClient, logger *slog.Logger) MCPToolbox {
	logger = logger.With(slog.String("module", "toolbox"))

	var tools []mcp.Tool
	toolsMap := make(map[string]int)
	for i, cli := range clients {
		res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
		if err != nil {
			logger.Error("Failed to list tools",
				slog.Int("client", i),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		for _, tool := range res.Tools {
			if _, ok := toolsMap[tool.Name]; ok {
				logger.Warn("Duplicate tool name", slog.String("toolName", tool.Name), slog.Int("client", i))
				continue
			}
			toolsMap[tool.Name] = i
			tools = append(tools, tool)
		}
	}

	logger.Info("Tools available", slog.Int("count", len(tools)))

	return MCPToolbox{
		clients:  clients,
		tools:    tools,
		toolsMap: toolsMap,
		logger:   logger,
	}
}

// Tools returns the tools offered to the model.
func (t MCPToolbox) Tools() []mcp.Tool {
	return t.tools
}

// CallTool runs the tool on its server and returns the JSON encoded content of the result. The boolean
// reports whether the call succeeded; on failure the content describes the error so it can be handed
// back to the model.
func (t MCPToolbox) CallTool(ctx context.Context, params mcp.CallToolParams) (json.RawMessage, bool) {
	clientIdx, ok := t.toolsMap[params.Name]
	if !ok {
		t.logger.Error("Tool not found", slog.String("toolName", params.Name))
		return callToolError(fmt.Errorf("tool %s is not found", params.Name)), false
	}
	if !json.Valid(params.Arguments) {
		return callToolError(fmt.Errorf("tool input %s is not valid json", string(params.Arguments))), false
	}

	toolRes, err := t.clients[clientIdx].CallTool(ctx, params)
	if err != nil {
		t.logger.Error("Tool call failed",
			slog.String("toolName", params.Name),
			slog.String(errLoggerKey, err.Error()))
		return callToolError(fmt.Errorf("tool call failed: %w", err)), false
	}

	resContent, err := json.Marshal(toolRes.Content)
	if err != nil {
		t.logger.Error("Failed to marshal tool result content",
			slog.String("toolName", params.Name),
			slog.String(errLoggerKey, err.Error()))
		return callToolError(fmt.Errorf("failed to marshal content: %w", err)), false
	}

	t.logger.Debug("Tool result content",
		slog.String("toolName", params.Name),
		slog.String("toolResult", string(resContent)))

	return resContent, !toolRes.IsError
}

func callToolError(err error) json.RawMessage {
	contents := []mcp.Content{
		{
			Type: mcp.ContentTypeText,
			Text: err.Error(),
		},
	}

	res, _ := json.Marshal(contents)
	return res
}

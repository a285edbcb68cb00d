package models

import "encoding/json"

// ContentType represents the kind of a part of an assistant reply.
type ContentType string

const (
	// ContentTypeText is text shown to the user.
	ContentTypeText ContentType = "text"
	// ContentTypeCallTool is a tool call requested by the model.
	ContentTypeCallTool ContentType = "call_tool"
	// ContentTypeToolResult is the result of a tool call, fed back to the model.
	ContentTypeToolResult ContentType = "tool_result"
)

// Content is one part of a message exchanged with a language model. A reply that used tools is made
// of text parts, tool calls and tool results, in the order they happened.
type Content struct {
	Type ContentType `json:"type"`

	// Text would be filled if Type is ContentTypeText.
	Text string `json:"text,omitempty"`

	// ToolName and ToolInput would be filled if Type is ContentTypeCallTool.
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`

	// ToolResult and CallToolFailed would be filled if Type is ContentTypeToolResult.
	ToolResult     json.RawMessage `json:"toolResult,omitempty"`
	CallToolFailed bool            `json:"callToolFailed,omitempty"`

	// CallToolID pairs a tool call with its result.
	CallToolID string `json:"callToolID,omitempty"`
}

// Parts returns the parts of m as sent to a language model: its Contents when it has any, its
// Content as a single text part otherwise. A message without content has no parts.
func (m Message) Parts() []Content {
	if len(m.Contents) > 0 {
		return m.Contents
	}
	if m.Content == "" {
		return nil
	}
	return []Content{{Type: ContentTypeText, Text: m.Content}}
}

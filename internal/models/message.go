package models

import "time"

// Message represents an individual entry within the session transcript. It contains the unique
// identifier, the participant's role, the text body, and the time the entry was created. The
// timestamp is only meant for display, the transcript order is the insertion order.
//
// Contents is only used by the assistant endpoint, to remember the tool calls a reply went through.
// Content stays the text shown to the user.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Contents  []Content `json:"contents,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Role represents the role of a message participant.
type Role string

// StreamingState describes how the presentation layer should render an assistant message.
type StreamingState string

const (
	// RoleUser represents a user message. Its content is set once at creation and never changes.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. Its content starts empty and grows as the
	// reply streams in.
	RoleAssistant Role = "assistant"

	// StreamingStateLoading marks a placeholder that has not received any chunk yet.
	StreamingStateLoading StreamingState = "loading"
	// StreamingStateStreaming marks a message that is still receiving chunks.
	StreamingStateStreaming StreamingState = "streaming"
	// StreamingStateEnded marks a message that won't change anymore.
	StreamingStateEnded StreamingState = "ended"
)

// StreamingStateOf reports the rendering state of msg, given whether it is the last message of the
// transcript and whether a turn is still in flight.
func StreamingStateOf(msg Message, last, busy bool) StreamingState {
	if msg.Role != RoleAssistant || !last || !busy {
		return StreamingStateEnded
	}
	if msg.Content == "" {
		return StreamingStateLoading
	}
	return StreamingStateStreaming
}

package llm

import "encoding/json"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block type discriminators for [ContentBlock].
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons normalized across backends.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one vendor-neutral piece of message content. Type selects
// which field group is meaningful.
type ContentBlock struct {
	Type string

	// Text content (BlockText).
	Text string

	// Image content (BlockImage).
	ImageData      []byte
	ImageMediaType string

	// Tool invocation (BlockToolUse).
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage

	// Tool result (BlockToolResult). ToolID names the invocation answered.
	ToolResult  string
	ToolIsError bool
}

// Message is a single conversation turn.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// TextMessage builds a single-text-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Tool describes one tool offered to the model.
type Tool struct {
	// Name is the tool identifier the model uses in tool_use blocks.
	Name string

	// Description tells the model when to call the tool.
	Description string

	// InputSchema holds the JSON Schema "properties" object for the tool's
	// arguments.
	InputSchema map[string]any

	// Required lists the argument names the model must always supply.
	Required []string
}

// Request is a single completion call.
type Request struct {
	// System is the system prompt. Empty means none.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools offered for this call. Nil offers none.
	Tools []Tool

	// MaxTokens caps the model output. Zero uses the provider default.
	MaxTokens int

	// Temperature is the sampling temperature. Negative uses the provider
	// default; zero is a valid explicit value.
	Temperature float64
}

// Usage is token accounting for one call. Absent values stay zero.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the normalized result of one completion call.
type Response struct {
	// Text is the concatenation of all text blocks, for callers that only
	// need the prose.
	Text string

	// Content preserves the full block sequence, including tool_use blocks,
	// so it can be replayed as an assistant message.
	Content []ContentBlock

	// Model is the model that actually served the call (the fallback model
	// when the primary was retried).
	Model string

	// RequestID is the backend request identifier, for log correlation.
	RequestID string

	// StopReason is one of the Stop* constants, or the backend's raw value.
	StopReason string

	Usage Usage
}

// ToolUses returns the tool_use blocks of the response, in order.
func (r *Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Package model provides the provider-agnostic abstraction over chat
// completion APIs used by the search planner, judge, and composer. Adapters
// under features/model translate these normalized types into SDK-specific
// formats (OpenAI, Anthropic). Clients are thread-safe and reusable across
// invocations.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client is the contract the search core uses to invoke LLM calls.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Implementations map provider rate limiting onto
		// ErrRateLimited so middleware can react.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a chat completion request and returns a Streamer
		// yielding incremental chunks (text, thinking, tool calls, usage).
		// Providers without streaming return ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Recv returns chunks until
	// io.EOF. Close releases underlying resources.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific identifier. Empty selects the
		// adapter's configured default.
		Model string
		// Messages is the ordered chat history including system prompts.
		Messages []*Message
		// Temperature controls sampling; zero means greedy decoding.
		Temperature float32
		// Tools lists the tool schemas exposed for function calling.
		Tools []*ToolDefinition
		// MaxTokens caps completion tokens; zero uses the provider default.
		MaxTokens int
	}

	// Response wraps the generated content and tool call requests.
	Response struct {
		// Content is the assistant text, empty when the model only requested
		// tools.
		Content string
		// Thinking holds reasoning content parsed from distinct content
		// blocks, separate from the answer text.
		Thinking string
		// ToolCalls lists requested tool invocations.
		ToolCalls []ToolCall
		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
		// StopReason is the provider-specific termination reason.
		StopReason string
	}

	// Message mirrors an LLM chat message.
	Message struct {
		// Role is one of "system", "user", "assistant", or "tool".
		Role string
		// Content is the message text; empty for pure tool-call turns.
		Content string
		// ToolCalls echoes assistant tool requests back into history.
		ToolCalls []ToolCall
		// ToolCallID correlates a role="tool" result with its request.
		ToolCallID string
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema object (map[string]any).
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-issued call identifier, echoed in results.
		ID string
		// Name matches a ToolDefinition.Name from the request.
		Name string
		// Arguments is the raw JSON argument payload.
		Arguments json.RawMessage
	}

	// Chunk is one streaming event. Type selects the populated field.
	Chunk struct {
		// Type is one of "text", "thinking", "tool_call", "usage", "stop".
		Type string
		Text string
		// Thinking is a reasoning delta when Type == "thinking".
		Thinking string
		ToolCall *ToolCall
		Usage    *TokenUsage
		// StopReason explains termination when Type == "stop".
		StopReason string
	}

	// TokenUsage records prompt/completion token counts.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Chunk type constants.
const (
	ChunkTypeText     = "text"
	ChunkTypeThinking = "thinking"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited wraps provider rate-limit responses so limiters and retry
// policies can detect them with errors.Is.
var ErrRateLimited = errors.New("model: rate limited")

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package provider adapts the gateway to the ten upstream LLM protocols. Each
// provider gets one small adapter over a shared request/response vocabulary:
// the adapter builds native wire bodies for the typed operations (Chat,
// Stream, ChatWithSchema) and exposes the passthrough metadata the router
// needs to proxy native bodies it does not otherwise understand (endpoint
// resolution, auth injection, stream framing, usage extraction, tool-call
// extraction).
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/archestra/gateway/pkg/errkind"
)

// Name identifies a supported provider protocol.
type Name string

// Supported providers.
const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
	Gemini    Name = "gemini"
	Bedrock   Name = "bedrock"
	Cohere    Name = "cohere"
	Cerebras  Name = "cerebras"
	Mistral   Name = "mistral"
	VLLM      Name = "vllm"
	Ollama    Name = "ollama"
	Zhipuai   Name = "zhipuai"
)

// All returns every supported provider name.
func All() []Name {
	return []Name{
		OpenAI,
		Anthropic,
		Gemini,
		Bedrock,
		Cohere,
		Cerebras,
		Mistral,
		VLLM,
		Ollama,
		Zhipuai,
	}
}

// Parse normalizes a provider name from a request path or config value.
func Parse(s string) (Name, error) {
	name := Name(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := factories[name]; !ok {
		return "", errkind.Newf(errkind.Misconfigured, "unknown provider %q", s)
	}
	return name, nil
}

// Role labels who authored a message.
type Role string

// Message roles in the shared vocabulary. Adapters map these onto whatever
// the native protocol calls them.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation in the shared vocabulary.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options tune a typed chat call. Zero values mean "provider default" and are
// omitted from the native body.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Usage counts the tokens one interaction consumed.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Merge folds counts observed later in a stream into u. Providers report
// cumulative totals, so each field keeps its maximum.
func (u *Usage) Merge(v Usage) {
	u.InputTokens = max(u.InputTokens, v.InputTokens)
	u.OutputTokens = max(u.OutputTokens, v.OutputTokens)
}

// ChatResult is the outcome of a unary typed chat call.
type ChatResult struct {
	// Text is the assistant reply, trimmed.
	Text string
	// Usage holds the token counts the provider reported, when it did.
	Usage Usage
	// Raw is the native response body.
	Raw json.RawMessage
}

// ToolCall is a tool invocation the model asked for, extracted from a native
// response.
type ToolCall struct {
	// ID is the provider-assigned call id; the tool name for providers that
	// do not assign one.
	ID string
	// Name is the tool name exactly as the model produced it.
	Name string
	// Arguments is the call's argument object.
	Arguments json.RawMessage
}

// ToolResult carries one executed tool call back to the model.
type ToolResult struct {
	// ID echoes the ToolCall id the result answers.
	ID string
	// Name echoes the tool name.
	Name string
	// Content is the tool output as text.
	Content string
	// IsError marks the result as a failure for providers that distinguish.
	IsError bool
}

// Framing names the wire framing a provider streams responses with.
type Framing int

// Stream framings.
const (
	// FramingJSON is unary JSON, no streaming.
	FramingJSON Framing = iota
	// FramingSSE is text/event-stream.
	FramingSSE
	// FramingNDJSON is newline-delimited JSON objects.
	FramingNDJSON
	// FramingEventStream is the binary AWS event-stream framing.
	FramingEventStream
)

// Forwarder is the native passthrough surface of an adapter. The router uses
// it to proxy provider-native bodies byte-for-byte: it resolves where to
// send them, injects the credential, and reads just enough of the payloads
// flowing past to meter usage and drive the agentic tool loop.
type Forwarder interface {
	// ForwardURL resolves the upstream URL for a native request. rest is the
	// path suffix the client addressed beyond the agent segment and replaces
	// the provider's default chat path when present.
	ForwardURL(body []byte, rest string) (string, error)
	// Authenticate injects the resolved credential into the upstream request.
	// body is the exact payload the request will carry; providers that sign
	// requests hash it.
	Authenticate(req *http.Request, body []byte) error
	// Framing reports the wire framing of this provider's streamed responses.
	Framing() Framing
	// WantsStream reports whether the native request asks for a streamed
	// response.
	WantsStream(body []byte, rest string) bool
	// Model extracts the model identifier from a native request.
	Model(body []byte, rest string) string
	// UsageFromPayload extracts token counts from a native response body or
	// from a single stream payload. ok is false when the payload carries
	// none.
	UsageFromPayload(payload []byte) (u Usage, ok bool)
	// ToolCalls extracts the tool invocations a native unary response asks
	// for, in the order the model produced them.
	ToolCalls(body []byte) []ToolCall
	// WithToolResults appends the assistant turn from respBody and the given
	// tool results to the native request body, producing the request for the
	// next round of the tool loop. Fields it does not understand pass
	// through unchanged.
	WithToolResults(reqBody, respBody []byte, results []ToolResult) ([]byte, error)
	// InteractionType labels usage rows produced through this adapter, in
	// the "{provider}:{endpoint}" grammar.
	InteractionType() string
}

// Client is one provider adapter: the typed operations shared by every
// provider plus the native passthrough surface.
type Client interface {
	Forwarder

	// Name returns the provider this adapter speaks for.
	Name() Name
	// Chat performs a unary chat call and returns the assistant text.
	Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error)
	// Stream performs a streaming chat call. The returned stream is lazy;
	// closing it cancels the upstream request.
	Stream(ctx context.Context, messages []Message, opts Options) (*Stream, error)
	// ChatWithSchema performs a unary chat call whose reply must be a JSON
	// document matching schema. Providers without a native JSON-schema mode
	// fall back to an inline schema instruction, retrying once.
	ChatWithSchema(ctx context.Context, messages []Message, schema json.RawMessage, opts Options) (json.RawMessage, error)
}

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/resilience"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAICompat speaks the OpenAI chat completions protocol. OpenAI,
// Cerebras, Mistral, vLLM, and Zhipuai all serve it, differing only in
// endpoint, keyless operation, and which optional request fields they
// tolerate.
type openAICompat struct {
	name    Name
	key     string
	baseURL string
	http    *http.Client
	retry   *resilience.Retry

	// placeholderKey substitutes a placeholder for an empty credential on
	// deployments that run keyless.
	placeholderKey bool
	// streamUsage asks for the final usage chunk via stream_options. Off for
	// upstreams that reject unknown request fields.
	streamUsage bool
	// nativeSchema enables response_format json_schema on the first
	// structured-output attempt.
	nativeSchema bool
}

func newOpenAI(cfg Config) Client {
	return &openAICompat{
		name:         OpenAI,
		key:          cfg.APIKey,
		baseURL:      defaultString(cfg.BaseURL, defaultOpenAIBaseURL),
		http:         cfg.httpClient(),
		retry:        cfg.retry(),
		streamUsage:  true,
		nativeSchema: true,
	}
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIMessage      `json:"messages"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	Temperature    *float64             `json:"temperature,omitempty"`
	Stream         bool                 `json:"stream,omitempty"`
	StreamOptions  *openAIStreamOptions `json:"stream_options,omitempty"`
	ResponseFormat json.RawMessage      `json:"response_format,omitempty"`
}

func (c *openAICompat) buildBody(messages []Message, opts Options, stream bool, format json.RawMessage) ([]byte, error) {
	req := openAIRequest{
		Model:          opts.Model,
		Messages:       make([]openAIMessage, 0, len(messages)),
		MaxTokens:      opts.MaxTokens,
		Temperature:    opts.Temperature,
		Stream:         stream,
		ResponseFormat: format,
	}
	for _, m := range messages {
		role := string(m.Role)
		if m.Role == RoleTool {
			// The typed path carries tool output as plain text; the native
			// tool role needs call ids the vocabulary does not track.
			role = string(RoleUser)
		}
		req.Messages = append(req.Messages, openAIMessage{Role: role, Content: m.Content})
	}
	if stream && c.streamUsage {
		req.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding chat request", err)
	}
	return body, nil
}

func (c *openAICompat) chatURL() string {
	return joinURL(c.baseURL, "chat/completions")
}

// chat is the unary core shared by Chat and ChatWithSchema.
func (c *openAICompat) chat(ctx context.Context, body []byte) (*ChatResult, error) {
	var result *ChatResult
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		payload, err := postJSON(ctx, c.http, c.name, c.chatURL(), body, c.Authenticate)
		if err != nil {
			return err
		}
		if !gjson.GetBytes(payload, "choices.0").Exists() {
			return errkind.Newf(errkind.ServerError, "%s returned no choices", c.name)
		}
		usage, _ := c.UsageFromPayload(payload)
		result = &ChatResult{
			Text:  strings.TrimSpace(gjson.GetBytes(payload, "choices.0.message.content").String()),
			Usage: usage,
			Raw:   payload,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *openAICompat) Name() Name {
	return c.name
}

func (c *openAICompat) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error) {
	body, err := c.buildBody(messages, opts, false, nil)
	if err != nil {
		return nil, err
	}
	return c.chat(ctx, body)
}

func (c *openAICompat) Stream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	body, err := c.buildBody(messages, opts, true, nil)
	if err != nil {
		return nil, err
	}
	resp, cancel, err := startStream(ctx, c.http, c.name, c.chatURL(), body, c.Authenticate, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newStream(resp, cancel, FramingSSE, openAIExtract), nil
}

func (c *openAICompat) ChatWithSchema(ctx context.Context, messages []Message, schema json.RawMessage, opts Options) (json.RawMessage, error) {
	attempt := func(ctx context.Context, msgs []Message, useNative bool) (string, error) {
		var format json.RawMessage
		if useNative {
			format = openAIResponseFormat(schema)
		}
		body, err := c.buildBody(msgs, opts, false, format)
		if err != nil {
			return "", err
		}
		result, err := c.chat(ctx, body)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}
	return chatWithSchema(ctx, schema, messages, c.nativeSchema, attempt)
}

func openAIResponseFormat(schema json.RawMessage) json.RawMessage {
	format, err := json.Marshal(map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   "response",
			"strict": true,
			"schema": schema,
		},
	})
	if err != nil {
		return nil
	}
	return format
}

// openAIExtract reads one SSE payload of a chat completions stream.
func openAIExtract(_ string, payload []byte) (string, *Usage, bool) {
	if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
		return "", nil, true
	}
	text := gjson.GetBytes(payload, "choices.0.delta.content").String()
	if usage, ok := openAIUsage(payload); ok {
		return text, &usage, false
	}
	return text, nil, false
}

func openAIUsage(payload []byte) (Usage, bool) {
	in := gjson.GetBytes(payload, "usage.prompt_tokens")
	out := gjson.GetBytes(payload, "usage.completion_tokens")
	if in.Type != gjson.Number && out.Type != gjson.Number {
		return Usage{}, false
	}
	return Usage{InputTokens: in.Int(), OutputTokens: out.Int()}, true
}

// Forwarder surface.

func (c *openAICompat) ForwardURL(_ []byte, rest string) (string, error) {
	if rest == "" {
		rest = "chat/completions"
	}
	return joinURL(c.baseURL, rest), nil
}

func (c *openAICompat) Authenticate(req *http.Request, _ []byte) error {
	key := c.key
	if key == "" {
		if !c.placeholderKey {
			// Forward unauthenticated and let the upstream answer 401.
			return nil
		}
		key = placeholderAPIKey
	}
	req.Header.Set("Authorization", bearer(key))
	return nil
}

func (c *openAICompat) Framing() Framing {
	return FramingSSE
}

func (c *openAICompat) WantsStream(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (c *openAICompat) Model(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (c *openAICompat) UsageFromPayload(payload []byte) (Usage, bool) {
	return openAIUsage(payload)
}

func (c *openAICompat) ToolCalls(body []byte) []ToolCall {
	var calls []ToolCall
	for _, tc := range gjson.GetBytes(body, "choices.0.message.tool_calls").Array() {
		name := tc.Get("function.name").String()
		if name == "" {
			continue
		}
		id := tc.Get("id").String()
		if id == "" {
			id = name
		}
		// arguments is a JSON document in a string.
		args := tc.Get("function.arguments").String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)})
	}
	return calls
}

func (c *openAICompat) WithToolResults(reqBody, respBody []byte, results []ToolResult) ([]byte, error) {
	assistant := gjson.GetBytes(respBody, "choices.0.message")
	if !assistant.Exists() {
		return nil, errkind.Newf(errkind.InvalidRequest, "%s response carries no assistant message", c.name)
	}
	out, err := sjson.SetRawBytes(reqBody, "messages.-1", []byte(assistant.Raw))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "appending assistant turn", err)
	}
	for _, r := range results {
		msg, err := json.Marshal(map[string]any{
			"role":         "tool",
			"tool_call_id": r.ID,
			"content":      r.Content,
		})
		if err != nil {
			return nil, errkind.Wrap(errkind.InvalidRequest, "encoding tool result", err)
		}
		out, err = sjson.SetRawBytes(out, "messages.-1", msg)
		if err != nil {
			return nil, errkind.Wrap(errkind.InvalidRequest, "appending tool result", err)
		}
	}
	return out, nil
}

func (c *openAICompat) InteractionType() string {
	return string(c.name) + ":chatCompletions"
}

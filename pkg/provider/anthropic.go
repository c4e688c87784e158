// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/resilience"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	// anthropicDefaultMaxTokens fills the required max_tokens field when the
	// caller does not set one.
	anthropicDefaultMaxTokens = 4096
)

type anthropicClient struct {
	key     string
	baseURL string
	http    *http.Client
	retry   *resilience.Retry
}

func newAnthropic(cfg Config) Client {
	return &anthropicClient{
		key:     cfg.APIKey,
		baseURL: defaultString(cfg.BaseURL, defaultAnthropicBaseURL),
		http:    cfg.httpClient(),
		retry:   cfg.retry(),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

func (c *anthropicClient) buildBody(messages []Message, opts Options, stream bool) ([]byte, error) {
	req := anthropicRequest{
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = anthropicDefaultMaxTokens
	}
	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			// System prompts ride a dedicated top-level field.
			system = append(system, m.Content)
		case RoleAssistant:
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: m.Content})
		default:
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: m.Content})
		}
	}
	req.System = strings.Join(system, "\n\n")
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding chat request", err)
	}
	return body, nil
}

func (c *anthropicClient) messagesURL() string {
	return joinURL(c.baseURL, "v1/messages")
}

func (c *anthropicClient) chat(ctx context.Context, body []byte) (*ChatResult, error) {
	var result *ChatResult
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		payload, err := postJSON(ctx, c.http, Anthropic, c.messagesURL(), body, c.Authenticate)
		if err != nil {
			return err
		}
		var parts []string
		for _, block := range gjson.GetBytes(payload, "content").Array() {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
		}
		usage, _ := c.UsageFromPayload(payload)
		result = &ChatResult{
			Text:  strings.TrimSpace(strings.Join(parts, "")),
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

func (c *anthropicClient) Name() Name {
	return Anthropic
}

func (c *anthropicClient) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error) {
	body, err := c.buildBody(messages, opts, false)
	if err != nil {
		return nil, err
	}
	return c.chat(ctx, body)
}

func (c *anthropicClient) Stream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	body, err := c.buildBody(messages, opts, true)
	if err != nil {
		return nil, err
	}
	resp, cancel, err := startStream(ctx, c.http, Anthropic, c.messagesURL(), body, c.Authenticate, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newStream(resp, cancel, FramingSSE, anthropicExtract), nil
}

func (c *anthropicClient) ChatWithSchema(ctx context.Context, messages []Message, schema json.RawMessage, opts Options) (json.RawMessage, error) {
	attempt := func(ctx context.Context, msgs []Message, _ bool) (string, error) {
		result, err := c.Chat(ctx, msgs, opts)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}
	return chatWithSchema(ctx, schema, messages, false, attempt)
}

// anthropicExtract reads one SSE payload of a messages stream. Text rides
// content_block_delta events; input tokens arrive on message_start, output
// tokens cumulatively on message_delta; message_stop ends the stream.
func anthropicExtract(event string, payload []byte) (string, *Usage, bool) {
	kind := event
	if kind == "" {
		kind = gjson.GetBytes(payload, "type").String()
	}
	if kind == "message_stop" {
		return "", nil, true
	}
	var text string
	if kind == "content_block_delta" {
		text = gjson.GetBytes(payload, "delta.text").String()
	}
	if usage, ok := anthropicUsage(payload); ok {
		return text, &usage, false
	}
	return text, nil, false
}

func anthropicUsage(payload []byte) (Usage, bool) {
	var u Usage
	found := false
	for _, probe := range []struct {
		path string
		dst  *int64
	}{
		{"usage.input_tokens", &u.InputTokens},
		{"usage.output_tokens", &u.OutputTokens},
		{"message.usage.input_tokens", &u.InputTokens},
		{"message.usage.output_tokens", &u.OutputTokens},
	} {
		if g := gjson.GetBytes(payload, probe.path); g.Type == gjson.Number {
			*probe.dst = g.Int()
			found = true
		}
	}
	return u, found
}

// Forwarder surface.

func (c *anthropicClient) ForwardURL(_ []byte, rest string) (string, error) {
	if rest == "" {
		rest = "v1/messages"
	}
	return joinURL(c.baseURL, rest), nil
}

func (c *anthropicClient) Authenticate(req *http.Request, _ []byte) error {
	if c.key != "" {
		req.Header.Set("x-api-key", c.key)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
	return nil
}

func (c *anthropicClient) Framing() Framing {
	return FramingSSE
}

func (c *anthropicClient) WantsStream(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (c *anthropicClient) Model(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (c *anthropicClient) UsageFromPayload(payload []byte) (Usage, bool) {
	return anthropicUsage(payload)
}

func (c *anthropicClient) ToolCalls(body []byte) []ToolCall {
	var calls []ToolCall
	for _, block := range gjson.GetBytes(body, "content").Array() {
		if block.Get("type").String() != "tool_use" {
			continue
		}
		name := block.Get("name").String()
		if name == "" {
			continue
		}
		id := block.Get("id").String()
		if id == "" {
			id = name
		}
		args := block.Get("input").Raw
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)})
	}
	return calls
}

func (c *anthropicClient) WithToolResults(reqBody, respBody []byte, results []ToolResult) ([]byte, error) {
	content := gjson.GetBytes(respBody, "content")
	if !content.IsArray() {
		return nil, errkind.New(errkind.InvalidRequest, "anthropic response carries no content blocks")
	}
	assistant, err := json.Marshal(map[string]any{
		"role":    "assistant",
		"content": json.RawMessage(content.Raw),
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding assistant turn", err)
	}
	out, err := sjson.SetRawBytes(reqBody, "messages.-1", assistant)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "appending assistant turn", err)
	}

	blocks := make([]map[string]any, 0, len(results))
	for _, r := range results {
		block := map[string]any{
			"type":        "tool_result",
			"tool_use_id": r.ID,
			"content":     r.Content,
		}
		if r.IsError {
			block["is_error"] = true
		}
		blocks = append(blocks, block)
	}
	user, err := json.Marshal(map[string]any{"role": "user", "content": blocks})
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding tool results", err)
	}
	out, err = sjson.SetRawBytes(out, "messages.-1", user)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "appending tool results", err)
	}
	return out, nil
}

func (c *anthropicClient) InteractionType() string {
	return "anthropic:messages"
}

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

const defaultCohereBaseURL = "https://api.cohere.com"

type cohereClient struct {
	key     string
	baseURL string
	http    *http.Client
	retry   *resilience.Retry
}

func newCohere(cfg Config) Client {
	return &cohereClient{
		key:     cfg.APIKey,
		baseURL: defaultString(cfg.BaseURL, defaultCohereBaseURL),
		http:    cfg.httpClient(),
		retry:   cfg.retry(),
	}
}

type cohereMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type cohereRequest struct {
	Model       string          `json:"model"`
	Messages    []cohereMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

func (c *cohereClient) buildBody(messages []Message, opts Options, stream bool) ([]byte, error) {
	req := cohereRequest{
		Model:       opts.Model,
		Messages:    make([]cohereMessage, 0, len(messages)),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	for _, m := range messages {
		role := string(m.Role)
		if m.Role == RoleTool {
			// The native tool role needs call ids the vocabulary does not
			// track.
			role = string(RoleUser)
		}
		req.Messages = append(req.Messages, cohereMessage{Role: role, Content: m.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding chat request", err)
	}
	return body, nil
}

func (c *cohereClient) chatURL() string {
	return joinURL(c.baseURL, "v2/chat")
}

func (c *cohereClient) chat(ctx context.Context, body []byte) (*ChatResult, error) {
	var result *ChatResult
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		payload, err := postJSON(ctx, c.http, Cohere, c.chatURL(), body, c.Authenticate)
		if err != nil {
			return err
		}
		var parts []string
		for _, block := range gjson.GetBytes(payload, "message.content").Array() {
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

func (c *cohereClient) Name() Name {
	return Cohere
}

func (c *cohereClient) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error) {
	body, err := c.buildBody(messages, opts, false)
	if err != nil {
		return nil, err
	}
	return c.chat(ctx, body)
}

func (c *cohereClient) Stream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	body, err := c.buildBody(messages, opts, true)
	if err != nil {
		return nil, err
	}
	resp, cancel, err := startStream(ctx, c.http, Cohere, c.chatURL(), body, c.Authenticate, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newStream(resp, cancel, FramingSSE, cohereExtract), nil
}

func (c *cohereClient) ChatWithSchema(ctx context.Context, messages []Message, schema json.RawMessage, opts Options) (json.RawMessage, error) {
	attempt := func(ctx context.Context, msgs []Message, _ bool) (string, error) {
		result, err := c.Chat(ctx, msgs, opts)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}
	return chatWithSchema(ctx, schema, messages, false, attempt)
}

// cohereExtract reads one SSE payload of a v2 chat stream. Text rides
// content-delta events; usage arrives once on message-end, which also ends
// the stream.
func cohereExtract(_ string, payload []byte) (string, *Usage, bool) {
	switch gjson.GetBytes(payload, "type").String() {
	case "content-delta":
		return gjson.GetBytes(payload, "delta.message.content.text").String(), nil, false
	case "message-end":
		if usage, ok := cohereUsage(payload); ok {
			return "", &usage, true
		}
		return "", nil, true
	default:
		return "", nil, false
	}
}

func cohereUsage(payload []byte) (Usage, bool) {
	var u Usage
	found := false
	for _, probe := range []struct {
		path string
		dst  *int64
	}{
		{"usage.tokens.input_tokens", &u.InputTokens},
		{"usage.tokens.output_tokens", &u.OutputTokens},
		{"delta.usage.tokens.input_tokens", &u.InputTokens},
		{"delta.usage.tokens.output_tokens", &u.OutputTokens},
	} {
		if g := gjson.GetBytes(payload, probe.path); g.Type == gjson.Number {
			*probe.dst = g.Int()
			found = true
		}
	}
	return u, found
}

// Forwarder surface.

func (c *cohereClient) ForwardURL(_ []byte, rest string) (string, error) {
	if rest == "" {
		rest = "v2/chat"
	}
	return joinURL(c.baseURL, rest), nil
}

func (c *cohereClient) Authenticate(req *http.Request, _ []byte) error {
	if c.key != "" {
		req.Header.Set("Authorization", bearer(c.key))
	}
	return nil
}

func (c *cohereClient) Framing() Framing {
	return FramingSSE
}

func (c *cohereClient) WantsStream(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (c *cohereClient) Model(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (c *cohereClient) UsageFromPayload(payload []byte) (Usage, bool) {
	return cohereUsage(payload)
}

func (c *cohereClient) ToolCalls(body []byte) []ToolCall {
	var calls []ToolCall
	for _, tc := range gjson.GetBytes(body, "message.tool_calls").Array() {
		name := tc.Get("function.name").String()
		if name == "" {
			continue
		}
		id := tc.Get("id").String()
		if id == "" {
			id = name
		}
		args := tc.Get("function.arguments").String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)})
	}
	return calls
}

func (c *cohereClient) WithToolResults(reqBody, respBody []byte, results []ToolResult) ([]byte, error) {
	assistant := gjson.GetBytes(respBody, "message")
	if !assistant.Exists() {
		return nil, errkind.New(errkind.InvalidRequest, "cohere response carries no assistant message")
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

func (c *cohereClient) InteractionType() string {
	return "cohere:chat"
}

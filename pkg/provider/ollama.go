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

const defaultOllamaBaseURL = "http://localhost:11434"

type ollamaClient struct {
	key     string
	baseURL string
	http    *http.Client
	retry   *resilience.Retry
}

func newOllama(cfg Config) Client {
	return &ollamaClient{
		key:     cfg.APIKey,
		baseURL: defaultString(cfg.BaseURL, defaultOllamaBaseURL),
		http:    cfg.httpClient(),
		retry:   cfg.retry(),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	// Stream is always explicit: Ollama defaults to streaming.
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

func (c *ollamaClient) buildBody(messages []Message, opts Options, stream bool) ([]byte, error) {
	req := ollamaRequest{
		Model:    opts.Model,
		Messages: make([]ollamaMessage, 0, len(messages)),
		Stream:   stream,
	}
	for _, m := range messages {
		role := string(m.Role)
		if m.Role == RoleTool {
			role = string(RoleUser)
		}
		req.Messages = append(req.Messages, ollamaMessage{Role: role, Content: m.Content})
	}
	if opts.MaxTokens > 0 || opts.Temperature != nil {
		req.Options = &ollamaOptions{NumPredict: opts.MaxTokens, Temperature: opts.Temperature}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding chat request", err)
	}
	return body, nil
}

func (c *ollamaClient) chatURL() string {
	return joinURL(c.baseURL, "api/chat")
}

func (c *ollamaClient) chat(ctx context.Context, body []byte) (*ChatResult, error) {
	var result *ChatResult
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		payload, err := postJSON(ctx, c.http, Ollama, c.chatURL(), body, c.Authenticate)
		if err != nil {
			return err
		}
		if msg := gjson.GetBytes(payload, "error").String(); msg != "" {
			return errkind.Newf(errkind.ServerError, "ollama error: %s", msg)
		}
		usage, _ := c.UsageFromPayload(payload)
		result = &ChatResult{
			Text:  strings.TrimSpace(gjson.GetBytes(payload, "message.content").String()),
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

func (c *ollamaClient) Name() Name {
	return Ollama
}

func (c *ollamaClient) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error) {
	body, err := c.buildBody(messages, opts, false)
	if err != nil {
		return nil, err
	}
	return c.chat(ctx, body)
}

func (c *ollamaClient) Stream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	body, err := c.buildBody(messages, opts, true)
	if err != nil {
		return nil, err
	}
	resp, cancel, err := startStream(ctx, c.http, Ollama, c.chatURL(), body, c.Authenticate, "application/x-ndjson")
	if err != nil {
		return nil, err
	}
	return newStream(resp, cancel, FramingNDJSON, ollamaExtract), nil
}

func (c *ollamaClient) ChatWithSchema(ctx context.Context, messages []Message, schema json.RawMessage, opts Options) (json.RawMessage, error) {
	attempt := func(ctx context.Context, msgs []Message, _ bool) (string, error) {
		result, err := c.Chat(ctx, msgs, opts)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}
	return chatWithSchema(ctx, schema, messages, false, attempt)
}

// ollamaExtract reads one NDJSON line of a chat stream. The final line has
// done=true and carries the eval counts.
func ollamaExtract(_ string, payload []byte) (string, *Usage, bool) {
	text := gjson.GetBytes(payload, "message.content").String()
	done := gjson.GetBytes(payload, "done").Bool()
	if usage, ok := ollamaUsage(payload); ok {
		return text, &usage, done
	}
	return text, nil, done
}

func ollamaUsage(payload []byte) (Usage, bool) {
	in := gjson.GetBytes(payload, "prompt_eval_count")
	out := gjson.GetBytes(payload, "eval_count")
	if in.Type != gjson.Number && out.Type != gjson.Number {
		return Usage{}, false
	}
	return Usage{InputTokens: in.Int(), OutputTokens: out.Int()}, true
}

// Forwarder surface.

func (c *ollamaClient) ForwardURL(_ []byte, rest string) (string, error) {
	if rest == "" {
		rest = "api/chat"
	}
	return joinURL(c.baseURL, rest), nil
}

func (c *ollamaClient) Authenticate(req *http.Request, _ []byte) error {
	key := c.key
	if key == "" {
		key = placeholderAPIKey
	}
	req.Header.Set("Authorization", bearer(key))
	return nil
}

func (c *ollamaClient) Framing() Framing {
	return FramingNDJSON
}

// WantsStream reports true unless the request opts out: Ollama streams by
// default.
func (c *ollamaClient) WantsStream(body []byte, _ string) bool {
	stream := gjson.GetBytes(body, "stream")
	if !stream.Exists() {
		return true
	}
	return stream.Bool()
}

func (c *ollamaClient) Model(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (c *ollamaClient) UsageFromPayload(payload []byte) (Usage, bool) {
	return ollamaUsage(payload)
}

func (c *ollamaClient) ToolCalls(body []byte) []ToolCall {
	var calls []ToolCall
	for _, tc := range gjson.GetBytes(body, "message.tool_calls").Array() {
		name := tc.Get("function.name").String()
		if name == "" {
			continue
		}
		args := tc.Get("function.arguments").Raw
		if args == "" {
			args = "{}"
		}
		// Ollama assigns no call ids; the name stands in.
		calls = append(calls, ToolCall{ID: name, Name: name, Arguments: json.RawMessage(args)})
	}
	return calls
}

func (c *ollamaClient) WithToolResults(reqBody, respBody []byte, results []ToolResult) ([]byte, error) {
	assistant := gjson.GetBytes(respBody, "message")
	if !assistant.Exists() {
		return nil, errkind.New(errkind.InvalidRequest, "ollama response carries no assistant message")
	}
	out, err := sjson.SetRawBytes(reqBody, "messages.-1", []byte(assistant.Raw))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "appending assistant turn", err)
	}
	for _, r := range results {
		msg, err := json.Marshal(map[string]any{
			"role":    "tool",
			"content": r.Content,
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

func (c *ollamaClient) InteractionType() string {
	return "ollama:chat"
}

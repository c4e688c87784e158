// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/provider/bedrock"
	"github.com/archestra/gateway/pkg/resilience"
)

const defaultBedrockRegion = "us-east-1"

type bedrockClient struct {
	key           string
	baseURL       string
	profilePrefix string
	signer        bedrock.SignerConfig
	http          *http.Client
	retry         *resilience.Retry
}

func newBedrock(cfg Config) Client {
	region := defaultString(cfg.Region, defaultBedrockRegion)
	return &bedrockClient{
		key:           cfg.APIKey,
		baseURL:       defaultString(cfg.BaseURL, fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)),
		profilePrefix: cfg.InferenceProfilePrefix,
		signer: bedrock.SignerConfig{
			Region:          region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
		},
		http:  cfg.httpClient(),
		retry: cfg.retry(),
	}
}

// qualifyModel prepends the configured inference-profile prefix, leaving
// ARNs and already-prefixed ids alone.
func (c *bedrockClient) qualifyModel(model string) string {
	if c.profilePrefix == "" || strings.HasPrefix(model, c.profilePrefix) || strings.HasPrefix(model, "arn:") {
		return model
	}
	return c.profilePrefix + model
}

type bedrockText struct {
	Text string `json:"text"`
}

type bedrockMessage struct {
	Role    string        `json:"role"`
	Content []bedrockText `json:"content"`
}

type bedrockInferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type bedrockRequest struct {
	Messages        []bedrockMessage        `json:"messages"`
	System          []bedrockText           `json:"system,omitempty"`
	InferenceConfig *bedrockInferenceConfig `json:"inferenceConfig,omitempty"`
}

func (c *bedrockClient) buildBody(messages []Message, opts Options) ([]byte, error) {
	req := bedrockRequest{}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			req.System = append(req.System, bedrockText{Text: m.Content})
		case RoleAssistant:
			req.Messages = append(req.Messages, bedrockMessage{Role: "assistant", Content: []bedrockText{{Text: m.Content}}})
		default:
			req.Messages = append(req.Messages, bedrockMessage{Role: "user", Content: []bedrockText{{Text: m.Content}}})
		}
	}
	if opts.MaxTokens > 0 || opts.Temperature != nil {
		req.InferenceConfig = &bedrockInferenceConfig{MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding chat request", err)
	}
	return body, nil
}

func (c *bedrockClient) converseURL(model string, stream bool) string {
	action := "converse"
	if stream {
		action = "converse-stream"
	}
	return joinURL(c.baseURL, fmt.Sprintf("model/%s/%s", c.qualifyModel(model), action))
}

func (c *bedrockClient) chat(ctx context.Context, body []byte, model string) (*ChatResult, error) {
	var result *ChatResult
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		payload, err := postJSON(ctx, c.http, Bedrock, c.converseURL(model, false), body, c.Authenticate)
		if err != nil {
			return err
		}
		var parts []string
		for _, block := range gjson.GetBytes(payload, "output.message.content").Array() {
			if text := block.Get("text"); text.Exists() {
				parts = append(parts, text.String())
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

func (c *bedrockClient) Name() Name {
	return Bedrock
}

func (c *bedrockClient) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error) {
	body, err := c.buildBody(messages, opts)
	if err != nil {
		return nil, err
	}
	return c.chat(ctx, body, opts.Model)
}

func (c *bedrockClient) Stream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	body, err := c.buildBody(messages, opts)
	if err != nil {
		return nil, err
	}
	resp, cancel, err := startStream(ctx, c.http, Bedrock, c.converseURL(opts.Model, true), body, c.Authenticate, "application/vnd.amazon.eventstream")
	if err != nil {
		return nil, err
	}
	return newStream(resp, cancel, FramingEventStream, bedrockExtract), nil
}

func (c *bedrockClient) ChatWithSchema(ctx context.Context, messages []Message, schema json.RawMessage, opts Options) (json.RawMessage, error) {
	attempt := func(ctx context.Context, msgs []Message, _ bool) (string, error) {
		result, err := c.Chat(ctx, msgs, opts)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}
	return chatWithSchema(ctx, schema, messages, false, attempt)
}

// bedrockExtract reads one decoded converse-stream event. messageStop
// arrives before the metadata event carrying usage, so nothing ends the
// stream early; it runs to EOF.
func bedrockExtract(event string, payload []byte) (string, *Usage, bool) {
	switch event {
	case "contentBlockDelta":
		return gjson.GetBytes(payload, "delta.text").String(), nil, false
	case "metadata":
		if usage, ok := bedrockUsage(payload); ok {
			return "", &usage, false
		}
	}
	return "", nil, false
}

func bedrockUsage(payload []byte) (Usage, bool) {
	in := gjson.GetBytes(payload, "usage.inputTokens")
	out := gjson.GetBytes(payload, "usage.outputTokens")
	if in.Type != gjson.Number && out.Type != gjson.Number {
		return Usage{}, false
	}
	return Usage{InputTokens: in.Int(), OutputTokens: out.Int()}, true
}

// Forwarder surface.

// ForwardURL requires the native path: the model id rides the URL, not the
// body. The inference-profile prefix is applied to the model segment.
func (c *bedrockClient) ForwardURL(_ []byte, rest string) (string, error) {
	if rest == "" {
		return "", errkind.New(errkind.InvalidRequest, "bedrock requests must address model/{modelId}/converse or model/{modelId}/converse-stream")
	}
	segments := strings.SplitN(rest, "/", 3)
	if len(segments) == 3 && segments[0] == "model" {
		segments[1] = c.qualifyModel(segments[1])
		rest = strings.Join(segments, "/")
	}
	return joinURL(c.baseURL, rest), nil
}

// Authenticate prefers a Bearer token when one is resolved; otherwise the
// request is SigV4-signed.
func (c *bedrockClient) Authenticate(req *http.Request, body []byte) error {
	if c.key != "" {
		req.Header.Set("Authorization", bearer(c.key))
		return nil
	}
	return bedrock.SignRequest(req.Context(), req, body, c.signer)
}

func (c *bedrockClient) Framing() Framing {
	return FramingEventStream
}

func (c *bedrockClient) WantsStream(_ []byte, rest string) bool {
	return strings.Contains(rest, "converse-stream") || strings.Contains(rest, "invoke-with-response-stream")
}

func (c *bedrockClient) Model(_ []byte, rest string) string {
	segments := strings.SplitN(rest, "/", 3)
	if len(segments) >= 2 && segments[0] == "model" {
		return segments[1]
	}
	return ""
}

func (c *bedrockClient) UsageFromPayload(payload []byte) (Usage, bool) {
	return bedrockUsage(payload)
}

func (c *bedrockClient) ToolCalls(body []byte) []ToolCall {
	var calls []ToolCall
	for _, block := range gjson.GetBytes(body, "output.message.content").Array() {
		use := block.Get("toolUse")
		if !use.Exists() {
			continue
		}
		name := use.Get("name").String()
		if name == "" {
			continue
		}
		id := use.Get("toolUseId").String()
		if id == "" {
			id = name
		}
		args := use.Get("input").Raw
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)})
	}
	return calls
}

func (c *bedrockClient) WithToolResults(reqBody, respBody []byte, results []ToolResult) ([]byte, error) {
	assistant := gjson.GetBytes(respBody, "output.message")
	if !assistant.Exists() {
		return nil, errkind.New(errkind.InvalidRequest, "bedrock response carries no assistant message")
	}
	out, err := sjson.SetRawBytes(reqBody, "messages.-1", []byte(assistant.Raw))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "appending assistant turn", err)
	}

	blocks := make([]map[string]any, 0, len(results))
	for _, r := range results {
		status := "success"
		if r.IsError {
			status = "error"
		}
		blocks = append(blocks, map[string]any{
			"toolResult": map[string]any{
				"toolUseId": r.ID,
				"content":   []map[string]any{{"text": r.Content}},
				"status":    status,
			},
		})
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

func (c *bedrockClient) InteractionType() string {
	return "bedrock:converse"
}

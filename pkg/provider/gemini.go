// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/resilience"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	// vertexScope is the OAuth scope Vertex AI calls need.
	vertexScope = "https://www.googleapis.com/auth/cloud-platform"
)

// VertexTokenSource builds the token source Vertex AI requests authenticate
// with: the given service-account credentials file, or the application
// default credentials when the path is empty.
func VertexTokenSource(ctx context.Context, credentialsFile string) (oauth2.TokenSource, error) {
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, errkind.Wrap(errkind.Misconfigured, "reading vertex credentials file", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, vertexScope)
		if err != nil {
			return nil, errkind.Wrap(errkind.Misconfigured, "parsing vertex credentials", err)
		}
		return creds.TokenSource, nil
	}
	creds, err := google.FindDefaultCredentials(ctx, vertexScope)
	if err != nil {
		return nil, errkind.Wrap(errkind.Misconfigured, "resolving application default credentials", err)
	}
	return creds.TokenSource, nil
}

type geminiClient struct {
	key     string
	baseURL string
	http    *http.Client
	retry   *resilience.Retry

	vertex   bool
	project  string
	location string
	tokens   oauth2.TokenSource
}

func newGemini(cfg Config) Client {
	c := &geminiClient{
		key:      cfg.APIKey,
		http:     cfg.httpClient(),
		retry:    cfg.retry(),
		vertex:   cfg.VertexEnabled,
		project:  cfg.VertexProject,
		location: cfg.VertexLocation,
		tokens:   cfg.VertexTokenSource,
	}
	if c.vertex {
		c.baseURL = defaultString(cfg.BaseURL, fmt.Sprintf("https://%s-aiplatform.googleapis.com", c.location))
	} else {
		c.baseURL = defaultString(cfg.BaseURL, defaultGeminiBaseURL)
	}
	return c
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

func (c *geminiClient) buildBody(messages []Message, opts Options, schema json.RawMessage) ([]byte, error) {
	req := geminiRequest{}
	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	if opts.MaxTokens > 0 || opts.Temperature != nil || schema != nil {
		req.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     opts.Temperature,
		}
		if schema != nil {
			req.GenerationConfig.ResponseMimeType = "application/json"
			req.GenerationConfig.ResponseSchema = schema
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding chat request", err)
	}
	return body, nil
}

// typedURL builds the generateContent URL for the typed path.
func (c *geminiClient) typedURL(model string, stream bool) string {
	action := "generateContent"
	suffix := ""
	if stream {
		action = "streamGenerateContent"
		suffix = "?alt=sse"
	}
	if c.vertex {
		return joinURL(c.baseURL, fmt.Sprintf("v1/projects/%s/locations/%s/publishers/google/models/%s:%s%s",
			c.project, c.location, model, action, suffix))
	}
	return joinURL(c.baseURL, fmt.Sprintf("v1beta/models/%s:%s%s", model, action, suffix))
}

func (c *geminiClient) chat(ctx context.Context, body []byte, model string) (*ChatResult, error) {
	var result *ChatResult
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		payload, err := postJSON(ctx, c.http, Gemini, c.typedURL(model, false), body, c.Authenticate)
		if err != nil {
			return err
		}
		if reason := gjson.GetBytes(payload, "promptFeedback.blockReason").String(); reason != "" {
			return errkind.Newf(errkind.ContentFiltered, "gemini blocked the prompt: %s", reason)
		}
		var parts []string
		for _, part := range gjson.GetBytes(payload, "candidates.0.content.parts").Array() {
			if text := part.Get("text"); text.Exists() {
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

func (c *geminiClient) Name() Name {
	return Gemini
}

func (c *geminiClient) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error) {
	body, err := c.buildBody(messages, opts, nil)
	if err != nil {
		return nil, err
	}
	return c.chat(ctx, body, opts.Model)
}

func (c *geminiClient) Stream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	body, err := c.buildBody(messages, opts, nil)
	if err != nil {
		return nil, err
	}
	resp, cancel, err := startStream(ctx, c.http, Gemini, c.typedURL(opts.Model, true), body, c.Authenticate, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newStream(resp, cancel, FramingSSE, geminiExtract), nil
}

func (c *geminiClient) ChatWithSchema(ctx context.Context, messages []Message, schema json.RawMessage, opts Options) (json.RawMessage, error) {
	attempt := func(ctx context.Context, msgs []Message, useNative bool) (string, error) {
		var format json.RawMessage
		if useNative {
			format = schema
		}
		body, err := c.buildBody(msgs, opts, format)
		if err != nil {
			return "", err
		}
		result, err := c.chat(ctx, body, opts.Model)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}
	return chatWithSchema(ctx, schema, messages, true, attempt)
}

// geminiExtract reads one SSE payload of a streamGenerateContent response.
// There is no terminal marker; the stream ends at EOF. Usage metadata is
// cumulative on every chunk.
func geminiExtract(_ string, payload []byte) (string, *Usage, bool) {
	var parts []string
	for _, part := range gjson.GetBytes(payload, "candidates.0.content.parts").Array() {
		if text := part.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		}
	}
	text := strings.Join(parts, "")
	if usage, ok := geminiUsage(payload); ok {
		return text, &usage, false
	}
	return text, nil, false
}

func geminiUsage(payload []byte) (Usage, bool) {
	in := gjson.GetBytes(payload, "usageMetadata.promptTokenCount")
	out := gjson.GetBytes(payload, "usageMetadata.candidatesTokenCount")
	if in.Type != gjson.Number && out.Type != gjson.Number {
		return Usage{}, false
	}
	return Usage{InputTokens: in.Int(), OutputTokens: out.Int()}, true
}

// Forwarder surface.

// ForwardURL maps a native path like "models/gemini-2.0-flash:generateContent"
// onto the API-key endpoint or, in Vertex mode, onto the project-scoped
// Vertex endpoint.
func (c *geminiClient) ForwardURL(body []byte, rest string) (string, error) {
	stream := c.WantsStream(body, rest)
	if rest == "" {
		model := gjson.GetBytes(body, "model").String()
		if model == "" {
			return "", errkind.New(errkind.InvalidRequest, "gemini requests must address models/{model}:generateContent")
		}
		return c.typedURL(model, stream), nil
	}

	var url string
	switch {
	case c.vertex:
		idx := strings.Index(rest, "models/")
		if idx < 0 {
			return "", errkind.New(errkind.InvalidRequest, "gemini requests must address models/{model}:generateContent")
		}
		url = joinURL(c.baseURL, fmt.Sprintf("v1/projects/%s/locations/%s/publishers/google/%s", c.project, c.location, rest[idx:]))
	case strings.HasPrefix(rest, "models/"):
		url = joinURL(c.baseURL, "v1beta/"+rest)
	default:
		url = joinURL(c.baseURL, rest)
	}
	if stream && !strings.Contains(url, "alt=") {
		url += "?alt=sse"
	}
	return url, nil
}

func (c *geminiClient) Authenticate(req *http.Request, _ []byte) error {
	if c.vertex {
		if c.tokens == nil {
			return errkind.New(errkind.Misconfigured, "vertex mode needs a token source")
		}
		token, err := c.tokens.Token()
		if err != nil {
			return errkind.Wrap(errkind.Authentication, "fetching vertex token", err)
		}
		req.Header.Set("Authorization", bearer(token.AccessToken))
		return nil
	}
	if c.key != "" {
		req.Header.Set("x-goog-api-key", c.key)
	}
	return nil
}

func (c *geminiClient) Framing() Framing {
	return FramingSSE
}

func (c *geminiClient) WantsStream(_ []byte, rest string) bool {
	return strings.Contains(rest, ":streamGenerateContent")
}

func (c *geminiClient) Model(body []byte, rest string) string {
	if idx := strings.Index(rest, "models/"); idx >= 0 {
		model := rest[idx+len("models/"):]
		if cut := strings.IndexAny(model, ":/"); cut >= 0 {
			model = model[:cut]
		}
		return model
	}
	return gjson.GetBytes(body, "model").String()
}

func (c *geminiClient) UsageFromPayload(payload []byte) (Usage, bool) {
	return geminiUsage(payload)
}

func (c *geminiClient) ToolCalls(body []byte) []ToolCall {
	var calls []ToolCall
	for _, part := range gjson.GetBytes(body, "candidates.0.content.parts").Array() {
		call := part.Get("functionCall")
		if !call.Exists() {
			continue
		}
		name := call.Get("name").String()
		if name == "" {
			continue
		}
		args := call.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		// Gemini assigns no call ids; the name stands in.
		calls = append(calls, ToolCall{ID: name, Name: name, Arguments: json.RawMessage(args)})
	}
	return calls
}

func (c *geminiClient) WithToolResults(reqBody, respBody []byte, results []ToolResult) ([]byte, error) {
	model := gjson.GetBytes(respBody, "candidates.0.content")
	if !model.Exists() {
		return nil, errkind.New(errkind.InvalidRequest, "gemini response carries no model turn")
	}
	out, err := sjson.SetRawBytes(reqBody, "contents.-1", []byte(model.Raw))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "appending model turn", err)
	}

	parts := make([]map[string]any, 0, len(results))
	for _, r := range results {
		parts = append(parts, map[string]any{
			"functionResponse": map[string]any{
				"name":     r.Name,
				"response": map[string]any{"content": r.Content},
			},
		})
	}
	user, err := json.Marshal(map[string]any{"role": "user", "parts": parts})
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encoding tool results", err)
	}
	out, err = sjson.SetRawBytes(out, "contents.-1", user)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "appending tool results", err)
	}
	return out, nil
}

func (c *geminiClient) InteractionType() string {
	return "gemini:generateContent"
}

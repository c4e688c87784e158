// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/archestra/gateway/pkg/errkind"
)

func TestGemini_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "be terse", gjson.GetBytes(body, "systemInstruction.parts.0.text").String())
		contents := gjson.GetBytes(body, "contents").Array()
		require.Len(t, contents, 2)
		assert.Equal(t, "user", contents[0].Get("role").String())
		assert.Equal(t, "model", contents[1].Get("role").String())

		w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Hi there!"}]}}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 3}
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, Gemini, Config{APIKey: "api-key", BaseURL: server.URL})
	result, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "Hello"},
		{Role: RoleAssistant, Content: "Yes?"},
	}, Options{Model: "gemini-2.0-flash"})

	require.NoError(t, err)
	assert.Equal(t, "Hi there!", result.Text)
	assert.Equal(t, Usage{InputTokens: 9, OutputTokens: 3}, result.Usage)
}

func TestGemini_Chat_BlockedPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"promptFeedback": {"blockReason": "SAFETY"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, Gemini, Config{APIKey: "k", BaseURL: server.URL})
	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{Model: "gemini-2.0-flash"})

	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.ContentFiltered))
	assert.Contains(t, err.Error(), "SAFETY")
}

func TestGemini_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}],\"usageMetadata\":{\"promptTokenCount\":9,\"candidatesTokenCount\":1}}\n\n"))
		w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]}}],\"usageMetadata\":{\"promptTokenCount\":9,\"candidatesTokenCount\":2}}\n\n"))
	}))
	defer server.Close()

	client := newTestClient(t, Gemini, Config{APIKey: "k", BaseURL: server.URL})
	stream, err := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{Model: "gemini-2.0-flash"})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	for stream.Next() {
		text += stream.Current().Text
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, "Hello", text)
	assert.Equal(t, Usage{InputTokens: 9, OutputTokens: 2}, stream.Usage())
}

func TestGemini_ChatWithSchema_NativeResponseSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "application/json", gjson.GetBytes(body, "generationConfig.responseMimeType").String())
		assert.Equal(t, "object", gjson.GetBytes(body, "generationConfig.responseSchema.type").String())

		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "{\"name\":\"ada\"}"}]}}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, Gemini, Config{APIKey: "k", BaseURL: server.URL})
	raw, err := client.ChatWithSchema(context.Background(), []Message{{Role: RoleUser, Content: "who?"}}, personSchema, Options{Model: "gemini-2.0-flash"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada"}`, string(raw))
}

func TestGemini_VertexMode(t *testing.T) {
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "vertex-token"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/proj-1/locations/europe-west1/publishers/google/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "Bearer vertex-token", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("x-goog-api-key"))

		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, Gemini, Config{
		BaseURL:           server.URL,
		VertexEnabled:     true,
		VertexProject:     "proj-1",
		VertexLocation:    "europe-west1",
		VertexTokenSource: tokens,
	})
	result, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{Model: "gemini-2.0-flash"})

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}

func TestGemini_VertexMode_MissingTokenSource(t *testing.T) {
	client := newTestClient(t, Gemini, Config{VertexEnabled: true, VertexProject: "p", VertexLocation: "l"})
	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{Model: "m"})

	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.Misconfigured))
	assert.Contains(t, err.Error(), "token source")
}

func TestGemini_ForwardURL(t *testing.T) {
	client := newTestClient(t, Gemini, Config{APIKey: "k"})

	url, err := client.ForwardURL(nil, "models/gemini-2.0-flash:generateContent")
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent", url)

	url, err = client.ForwardURL(nil, "models/gemini-2.0-flash:streamGenerateContent")
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", url)

	url, err = client.ForwardURL(nil, "models/gemini-2.0-flash:streamGenerateContent?alt=sse")
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", url)

	url, err = client.ForwardURL([]byte(`{"model":"gemini-2.0-flash"}`), "")
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent", url)

	_, err = client.ForwardURL([]byte(`{}`), "")
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.InvalidRequest))
}

func TestGemini_ForwardURL_Vertex(t *testing.T) {
	client := newTestClient(t, Gemini, Config{
		VertexEnabled:  true,
		VertexProject:  "proj-1",
		VertexLocation: "us-central1",
	})

	url, err := client.ForwardURL(nil, "v1beta/models/gemini-2.0-flash:generateContent")
	require.NoError(t, err)
	assert.Equal(t, "https://us-central1-aiplatform.googleapis.com/v1/projects/proj-1/locations/us-central1/publishers/google/models/gemini-2.0-flash:generateContent", url)

	_, err = client.ForwardURL(nil, "v1beta/tunedModels/abc:generateContent")
	require.Error(t, err)
}

func TestGemini_ModelAndStreamDetection(t *testing.T) {
	client := newTestClient(t, Gemini, Config{APIKey: "k"})

	assert.Equal(t, "gemini-2.0-flash", client.Model(nil, "v1beta/models/gemini-2.0-flash:generateContent"))
	assert.Equal(t, "gemini-2.0-flash", client.Model(nil, "models/gemini-2.0-flash/something"))
	assert.Equal(t, "from-body", client.Model([]byte(`{"model":"from-body"}`), ""))

	assert.True(t, client.WantsStream(nil, "models/m:streamGenerateContent?alt=sse"))
	assert.False(t, client.WantsStream(nil, "models/m:generateContent"))
}

func TestGemini_ToolCalls(t *testing.T) {
	client := newTestClient(t, Gemini, Config{APIKey: "k"})

	body := []byte(`{
		"candidates": [{"content": {"role": "model", "parts": [
			{"text": "Looking it up."},
			{"functionCall": {"name": "search", "args": {"q": "go"}}}
		]}}]
	}`)

	calls := client.ToolCalls(body)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].ID)
	assert.Equal(t, "search", calls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(calls[0].Arguments))
}

func TestGemini_WithToolResults(t *testing.T) {
	client := newTestClient(t, Gemini, Config{APIKey: "k"})

	reqBody := []byte(`{"contents":[{"role":"user","parts":[{"text":"search go"}]}]}`)
	respBody := []byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"search","args":{"q":"go"}}}]}}]}`)

	out, err := client.WithToolResults(reqBody, respBody, []ToolResult{
		{ID: "search", Name: "search", Content: "3 results"},
	})
	require.NoError(t, err)

	contents := gjson.GetBytes(out, "contents").Array()
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "user", contents[2].Get("role").String())
	fr := contents[2].Get("parts.0.functionResponse")
	assert.Equal(t, "search", fr.Get("name").String())
	assert.Equal(t, "3 results", fr.Get("response.content").String())

	_, err = client.WithToolResults(reqBody, []byte(`{}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model turn")
}

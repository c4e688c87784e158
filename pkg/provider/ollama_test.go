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

	"github.com/archestra/gateway/pkg/errkind"
)

func TestOllama_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "Bearer archestra-placeholder", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "llama3.2", gjson.GetBytes(body, "model").String())
		// Unary calls must opt out of Ollama's default streaming.
		stream := gjson.GetBytes(body, "stream")
		require.True(t, stream.Exists())
		assert.False(t, stream.Bool())
		assert.Equal(t, int64(256), gjson.GetBytes(body, "options.num_predict").Int())

		w.Write([]byte(`{
			"message": {"role": "assistant", "content": "Hi there!"},
			"done": true,
			"prompt_eval_count": 14,
			"eval_count": 3
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, Ollama, Config{BaseURL: server.URL})
	result, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "Hello"}}, Options{Model: "llama3.2", MaxTokens: 256})

	require.NoError(t, err)
	assert.Equal(t, "Hi there!", result.Text)
	assert.Equal(t, Usage{InputTokens: 14, OutputTokens: 3}, result.Usage)
}

func TestOllama_Chat_ErrorField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "model 'nope' not found"}`))
	}))
	defer server.Close()

	client := newTestClient(t, Ollama, Config{BaseURL: server.URL})
	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{Model: "nope"})

	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.ServerError))
	assert.Contains(t, err.Error(), "model 'nope' not found")
}

func TestOllama_Stream_NDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.True(t, gjson.GetBytes(body, "stream").Bool())

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"message":{"role":"assistant","content":"Hel"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":"lo"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":14,"eval_count":2}` + "\n"))
	}))
	defer server.Close()

	client := newTestClient(t, Ollama, Config{BaseURL: server.URL})
	stream, err := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{Model: "llama3.2"})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	for stream.Next() {
		text += stream.Current().Text
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, "Hello", text)
	assert.Equal(t, Usage{InputTokens: 14, OutputTokens: 2}, stream.Usage())
}

func TestOllama_WantsStreamDefaultsTrue(t *testing.T) {
	client := newTestClient(t, Ollama, Config{})

	assert.True(t, client.WantsStream([]byte(`{"model":"llama3.2"}`), ""))
	assert.True(t, client.WantsStream([]byte(`{"stream":true}`), ""))
	assert.False(t, client.WantsStream([]byte(`{"stream":false}`), ""))
}

func TestOllama_AuthorizationPrefersRealKey(t *testing.T) {
	client := newTestClient(t, Ollama, Config{APIKey: "real-key"})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, client.Authenticate(req, nil))
	assert.Equal(t, "Bearer real-key", req.Header.Get("Authorization"))
}

func TestOllama_ToolCallsAndResults(t *testing.T) {
	client := newTestClient(t, Ollama, Config{})

	respBody := []byte(`{
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"function": {"name": "search", "arguments": {"q": "go"}}}]
		},
		"done": true
	}`)

	calls := client.ToolCalls(respBody)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].ID)
	assert.JSONEq(t, `{"q":"go"}`, string(calls[0].Arguments))

	reqBody := []byte(`{"model":"llama3.2","messages":[{"role":"user","content":"search go"}],"stream":false}`)
	out, err := client.WithToolResults(reqBody, respBody, []ToolResult{
		{ID: "search", Name: "search", Content: "3 results"},
	})
	require.NoError(t, err)

	messages := gjson.GetBytes(out, "messages").Array()
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].Get("role").String())
	assert.Equal(t, "tool", messages[2].Get("role").String())
	assert.Equal(t, "3 results", messages[2].Get("content").String())
	assert.False(t, messages[2].Get("tool_call_id").Exists())
}

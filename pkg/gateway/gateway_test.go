// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/config"
	"github.com/archestra/gateway/pkg/credential"
	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/mcpruntime"
	"github.com/archestra/gateway/pkg/resilience"
	"github.com/archestra/gateway/pkg/secrets"
	"github.com/archestra/gateway/pkg/store"
	"github.com/archestra/gateway/pkg/store/memory"
	"github.com/archestra/gateway/pkg/usage"
)

func newTestGateway(t *testing.T, st *memory.Store, tools ToolExecutor) *Gateway {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	settings := config.ForTestsOnlyNewSettings(afero.NewMemMapFs())
	pricing, err := usage.NewPricing("")
	require.NoError(t, err)
	resolver := credential.NewResolver(st, secrets.NewManager(st, secrets.NewMockVault()), settings)

	g := New(settings, st, resolver, usage.NewGuard(st, pricing), usage.NewRecorder(st, pricing), tools)
	g.retry = resilience.New(resilience.Config{
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		NumberOfRetries: 1,
	})
	t.Cleanup(g.Close)
	return g
}

func seedAgent(t *testing.T, st *memory.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutOrganization(ctx, &store.Organization{ID: "org-1", Name: "acme"}))
	require.NoError(t, st.PutAgent(ctx, &store.Agent{ID: "agent-1", OrgID: "org-1", Name: "helper"}))
}

func testAuth() *identity.TokenAuthContext {
	return &identity.TokenAuthContext{TokenID: "tok-1", UserID: "user-1", OrgID: "org-1"}
}

func chatRequest(target, body string, auth *identity.TokenAuthContext) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if auth != nil {
		req = req.WithContext(identity.ContextWithAuth(req.Context(), auth))
	}
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errkind.ChatErrorResponse {
	t.Helper()
	var resp errkind.ChatErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hey"}]}`

func TestHandleChat_UnaryForward(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`)
	}))
	defer upstream.Close()

	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)
	viper.Set("openai-base-url", upstream.URL)
	viper.Set("chat-openai-api-key", "sk-env-test")

	req := chatRequest("/v1/openai/agent-1", chatBody, testAuth())
	req.Header.Set(HeaderMeta, "ext-agent/exec-1/sess-1")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-env-test", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"cmpl-1"`)

	interactions := st.ForTestsOnlyInteractions()
	require.Len(t, interactions, 1)
	in := interactions[0]
	assert.Equal(t, "openai:chatCompletions", in.Type)
	assert.Equal(t, "agent-1", in.AgentID)
	assert.Equal(t, "org-1", in.OrgID)
	assert.Equal(t, "user-1", in.UserID)
	assert.Equal(t, "sess-1", in.SessionID)
	assert.Equal(t, "exec-1", in.ExecutionID)
	assert.Equal(t, "ext-agent", in.ExternalAgentID)
	assert.Equal(t, "gpt-4o", in.Model)
	assert.Equal(t, int64(12), in.InputTokens)
	assert.Equal(t, int64(5), in.OutputTokens)
	assert.Positive(t, in.Cost)
	assert.JSONEq(t, chatBody, string(in.Request))
}

func TestHandleChat_RestPathAndQueryForwarded(t *testing.T) {
	var gotURL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer upstream.Close()

	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)
	viper.Set("openai-base-url", upstream.URL)
	viper.Set("chat-openai-api-key", "sk-test")

	req := chatRequest("/v1/openai/agent-1/chat/completions?api-version=2024-01", chatBody, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/chat/completions?api-version=2024-01", gotURL)
}

func TestHandleChat_MetaUserIDWinsOverToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer upstream.Close()

	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)
	viper.Set("openai-base-url", upstream.URL)
	viper.Set("chat-openai-api-key", "sk-test")

	req := chatRequest("/v1/openai/agent-1", chatBody, testAuth())
	req.Header.Set(HeaderUserID, "user-override")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	interactions := st.ForTestsOnlyInteractions()
	require.Len(t, interactions, 1)
	assert.Equal(t, "user-override", interactions[0].UserID)
}

func TestHandleChat_Unauthenticated(t *testing.T) {
	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)

	req := chatRequest("/v1/openai/agent-1", chatBody, nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "openai_authentication", resp.Code)
	assert.False(t, resp.IsRetryable)
}

func TestHandleChat_UnknownProvider(t *testing.T) {
	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)

	req := chatRequest("/v1/frobnicator/agent-1", chatBody, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "misconfigured", resp.Code)
}

func TestHandleChat_AgentNotFound(t *testing.T) {
	st := memory.New()
	g := newTestGateway(t, st, nil)

	req := chatRequest("/v1/openai/ghost", chatBody, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "openai_not_found", resp.Code)
}

func TestHandleChat_OrgMismatch(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.PutAgent(ctx, &store.Agent{ID: "agent-1", OrgID: "org-2"}))
	g := newTestGateway(t, st, nil)

	req := chatRequest("/v1/openai/agent-1", chatBody, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "openai_permission_denied", resp.Code)
}

func TestHandleChat_GuardDenies(t *testing.T) {
	st := memory.New()
	seedAgent(t, st)
	ctx := context.Background()
	require.NoError(t, st.PutLimit(ctx, &store.Limit{
		ID:         "lim-1",
		EntityType: store.EntityAgent,
		EntityID:   "agent-1",
		LimitType:  store.LimitTypeTokenCost,
		LimitValue: 1,
		Models:     []string{"gpt-4o"},
	}))
	require.NoError(t, st.UpsertLimitUsage(ctx, "lim-1", "gpt-4o", 1_000_000, 1_000_000))

	g := newTestGateway(t, st, nil)
	viper.Set("chat-openai-api-key", "sk-test")

	req := chatRequest("/v1/openai/agent-1", chatBody, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "openai_rate_limit", resp.Code)
	assert.True(t, resp.IsRetryable)
	assert.Empty(t, st.ForTestsOnlyInteractions())
}

func TestHandleChat_NoKeyConfigured(t *testing.T) {
	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)

	req := chatRequest("/v1/openai/agent-1", chatBody, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "openai_misconfigured", resp.Code)
}

func TestHandleChat_KeylessProviderForwards(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"model":"llama3.1","message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer upstream.Close()

	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)
	viper.Set("ollama-base-url", upstream.URL)

	body := `{"model":"llama3.1","stream":false,"messages":[{"role":"user","content":"hey"}]}`
	req := chatRequest("/v1/ollama/agent-1", body, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	// No configured credential, yet the request goes through with the
	// placeholder the upstream ignores.
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Bearer archestra-placeholder", gotAuth)
}

func TestHandleChat_UpstreamErrorMirrored(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer upstream.Close()

	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)
	viper.Set("openai-base-url", upstream.URL)
	viper.Set("chat-openai-api-key", "sk-test")

	req := chatRequest("/v1/openai/agent-1", chatBody, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "openai_server_error", resp.Code)
	assert.True(t, resp.IsRetryable)
	assert.Contains(t, resp.OriginalError, "boom")
	// Server errors retry once with the test's retry budget.
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandleChat_UpstreamBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad payload"}}`)
	}))
	defer upstream.Close()

	st := memory.New()
	seedAgent(t, st)
	g := newTestGateway(t, st, nil)
	viper.Set("openai-base-url", upstream.URL)
	viper.Set("chat-openai-api-key", "sk-test")

	req := chatRequest("/v1/openai/agent-1", chatBody, testAuth())
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "openai_invalid_request", resp.Code)
	assert.False(t, resp.IsRetryable)
	assert.Equal(t, int32(1), calls.Load())
}

// fakeExecutor answers tool calls from a canned table, optionally stalling
// named tools to shake out ordering assumptions.
type fakeExecutor struct {
	calls   atomic.Int32
	answers map[string]string
	delays  map[string]time.Duration
}

func (f *fakeExecutor) Execute(_ context.Context, call *mcpruntime.ToolCall) (*mcpruntime.ToolResult, error) {
	f.calls.Add(1)
	if d, ok := f.delays[call.Name]; ok {
		time.Sleep(d)
	}
	answer, ok := f.answers[call.Name]
	if !ok {
		return &mcpruntime.ToolResult{ToolName: call.Name, Content: "no such tool", IsError: true}, nil
	}
	return &mcpruntime.ToolResult{ToolName: call.Name, Content: answer}, nil
}

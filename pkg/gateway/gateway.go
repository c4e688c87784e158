// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP ingress of the provider router. It accepts
// provider-native chat bodies on /v1/{provider}/{agentId}, admits them
// against the caller's token budgets, resolves the credential, forwards to
// the upstream (streaming or unary), runs the agentic tool loop on unary
// responses, and meters every exchange into the usage counters.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/archestra/gateway/pkg/config"
	"github.com/archestra/gateway/pkg/credential"
	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/mcpruntime"
	"github.com/archestra/gateway/pkg/provider"
	"github.com/archestra/gateway/pkg/resilience"
	"github.com/archestra/gateway/pkg/store"
	"github.com/archestra/gateway/pkg/usage"
)

// maxRequestBody caps how much of a native chat body the gateway buffers.
// Native bodies carry whole conversations plus inline attachments, so the
// cap is generous.
const maxRequestBody = 32 << 20

// toolWorkers caps concurrent tool executions per gateway process.
const toolWorkers = 4

// ToolExecutor dispatches one tool call to its MCP server. Satisfied by
// mcpruntime.Dispatcher.
type ToolExecutor interface {
	Execute(ctx context.Context, call *mcpruntime.ToolCall) (*mcpruntime.ToolResult, error)
}

// Gateway routes provider-native chat requests to their upstreams.
type Gateway struct {
	settings *config.Settings
	store    store.Store
	resolver *credential.Resolver
	guard    *usage.Guard
	recorder *usage.Recorder
	tools    ToolExecutor

	http  *http.Client
	retry *resilience.Retry
	pond  pond.Pool

	vertexOnce sync.Once
	vertex     oauth2.TokenSource
	vertexErr  error
}

// New wires a Gateway. tools may be nil; tool calls then pass through to the
// client untouched.
func New(settings *config.Settings, st store.Store, resolver *credential.Resolver,
	guard *usage.Guard, recorder *usage.Recorder, tools ToolExecutor) *Gateway {
	return &Gateway{
		settings: settings,
		store:    st,
		resolver: resolver,
		guard:    guard,
		recorder: recorder,
		tools:    tools,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retry: resilience.New(resilience.Config{}),
		pond:  pond.NewPool(toolWorkers),
	}
}

// Close drains the tool execution pool.
func (g *Gateway) Close() {
	g.pond.StopAndWait()
}

// Router returns the ingress routes. Middleware is applied by the caller so
// tests can exercise handlers with a prepared context.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/{provider}/{agentId}", g.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/v1/{provider}/{agentId}/{rest:.*}", g.handleChat).Methods(http.MethodPost)
	return r
}

// providerConfig assembles the adapter configuration for one request.
func (g *Gateway) providerConfig(ctx context.Context, name provider.Name, apiKey string) (provider.Config, error) {
	cfg := provider.Config{
		APIKey:  apiKey,
		BaseURL: g.settings.ProviderBaseURL(string(name)),
	}
	switch name {
	case provider.Gemini:
		if g.settings.GeminiVertexAIEnabled() {
			tokens, err := g.vertexTokenSource(ctx)
			if err != nil {
				return provider.Config{}, err
			}
			cfg.VertexEnabled = true
			cfg.VertexProject = g.settings.GeminiVertexAIProject()
			cfg.VertexLocation = g.settings.GeminiVertexAILocation()
			cfg.VertexTokenSource = tokens
		}
	case provider.Bedrock:
		cfg.Region = g.settings.BedrockRegion()
		cfg.InferenceProfilePrefix = g.settings.BedrockInferenceProfilePrefix()
	}
	return cfg, nil
}

// vertexTokenSource resolves the Vertex AI token source once per process.
// Token sources cache and refresh their tokens internally.
func (g *Gateway) vertexTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	g.vertexOnce.Do(func() {
		g.vertex, g.vertexErr = provider.VertexTokenSource(ctx, g.settings.GeminiVertexAICredentialsFile())
	})
	return g.vertex, g.vertexErr
}

// keyOptional lists the providers a request may reach without a resolved
// credential: vLLM and Ollama send a placeholder, Bedrock can fall back to
// the AWS default chain, and Gemini in Vertex mode authenticates with OAuth.
func (g *Gateway) keyOptional(name provider.Name) bool {
	switch name {
	case provider.VLLM, provider.Ollama, provider.Bedrock:
		return true
	case provider.Gemini:
		return g.settings.GeminiVertexAIEnabled()
	default:
		return false
	}
}

// writeError answers with the client-facing ChatErrorResponse. status
// overrides the kind-derived code when the upstream supplied one.
func writeError(w http.ResponseWriter, providerTag string, err error, status int) {
	if status == 0 {
		status = errkind.HTTPStatus(errkind.KindOf(err))
	}
	resp := errkind.Response(providerTag, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		logging.GetLogger().Error("Failed to write error response", "error", encodeErr)
	}
}

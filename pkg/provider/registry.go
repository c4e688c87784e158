// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"net/http"

	"golang.org/x/oauth2"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/resilience"
)

// Config carries everything an adapter needs to reach its upstream. Adapters
// are cheap per-request values; the resolved credential changes per request
// while the rest comes from settings.
type Config struct {
	// APIKey is the resolved credential. Empty is valid for vLLM and Ollama
	// (a placeholder is sent) and for Gemini in Vertex mode.
	APIKey string
	// BaseURL overrides the provider's default endpoint.
	BaseURL string
	// HTTPClient overrides the shared redirect-safe client.
	HTTPClient *http.Client
	// Retry overrides the default unary retry policy.
	Retry *resilience.Retry

	// Gemini Vertex AI mode.
	VertexEnabled     bool
	VertexProject     string
	VertexLocation    string
	VertexTokenSource oauth2.TokenSource

	// Bedrock.
	Region                 string
	InferenceProfilePrefix string
	AWSAccessKeyID         string
	AWSSecretAccessKey     string
	AWSSessionToken        string
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return newHTTPClient()
}

func (c Config) retry() *resilience.Retry {
	if c.Retry != nil {
		return c.Retry
	}
	return resilience.New(resilience.Config{})
}

// factories maps every supported provider to its constructor. The registry
// test asserts this table covers All() exactly.
var factories = map[Name]func(Config) Client{
	OpenAI:    newOpenAI,
	Anthropic: newAnthropic,
	Gemini:    newGemini,
	Bedrock:   newBedrock,
	Cohere:    newCohere,
	Cerebras:  newCerebras,
	Mistral:   newMistral,
	VLLM:      newVLLM,
	Ollama:    newOllama,
	Zhipuai:   newZhipuai,
}

// New constructs the adapter for name.
func New(name Name, cfg Config) (Client, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, errkind.Newf(errkind.Misconfigured, "unknown provider %q", name)
	}
	return factory(cfg), nil
}

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

const defaultVLLMBaseURL = "http://localhost:8000/v1"

func newVLLM(cfg Config) Client {
	return &openAICompat{
		name:           VLLM,
		key:            cfg.APIKey,
		baseURL:        defaultString(cfg.BaseURL, defaultVLLMBaseURL),
		http:           cfg.httpClient(),
		retry:          cfg.retry(),
		placeholderKey: true,
		streamUsage:    true,
	}
}

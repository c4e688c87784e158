// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

const defaultCerebrasBaseURL = "https://api.cerebras.ai/v1"

func newCerebras(cfg Config) Client {
	return &openAICompat{
		name:         Cerebras,
		key:          cfg.APIKey,
		baseURL:      defaultString(cfg.BaseURL, defaultCerebrasBaseURL),
		http:         cfg.httpClient(),
		retry:        cfg.retry(),
		streamUsage:  true,
		nativeSchema: true,
	}
}

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

const defaultMistralBaseURL = "https://api.mistral.ai/v1"

func newMistral(cfg Config) Client {
	return &openAICompat{
		name:    Mistral,
		key:     cfg.APIKey,
		baseURL: defaultString(cfg.BaseURL, defaultMistralBaseURL),
		http:    cfg.httpClient(),
		retry:   cfg.retry(),
		// Mistral rejects requests carrying fields it does not know, so no
		// stream_options; usage arrives on the final chunk regardless.
		streamUsage:  false,
		nativeSchema: true,
	}
}

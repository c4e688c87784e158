// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

const defaultZhipuaiBaseURL = "https://open.bigmodel.cn/api/paas/v4"

func newZhipuai(cfg Config) Client {
	return &openAICompat{
		name:    Zhipuai,
		key:     cfg.APIKey,
		baseURL: defaultString(cfg.BaseURL, defaultZhipuaiBaseURL),
		http:    cfg.httpClient(),
		retry:   cfg.retry(),
		// Usage arrives on the final stream chunk without being asked for.
		streamUsage: false,
	}
}

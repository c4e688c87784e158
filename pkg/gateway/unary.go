// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/provider"
	"github.com/archestra/gateway/pkg/store"
)

// upstreamResult is one upstream round-trip. It is populated even when the
// upstream answered with an error status, so the handler can mirror it.
type upstreamResult struct {
	status      int
	contentType string
	body        []byte
}

// serveUnary forwards a unary native request, running the agentic tool loop
// until the model stops calling tools, then answers with the final native
// response and meters the accumulated usage.
func (g *Gateway) serveUnary(w http.ResponseWriter, r *http.Request, client provider.Client,
	agent *store.Agent, meta RequestMeta, interaction *store.Interaction, body []byte, rest string) {
	res, finalReq, usage, err := g.runUnary(r.Context(), client, agent, meta, body, rest)
	if err != nil {
		status := 0
		if res != nil {
			status = res.status
		}
		writeError(w, string(client.Name()), err, status)
		return
	}

	interaction.Request = finalReq
	interaction.Response = res.body
	g.record(r.Context(), usage, interaction)

	contentType := res.contentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(res.status)
	if _, err := w.Write(res.body); err != nil {
		logging.GetLogger().Warn("Failed to write chat response", "provider", client.Name(), "error", err)
	}
}

// runUnary drives the agentic loop: forward, collect usage, execute the tool
// calls the response asks for, append their results and forward again. Tool
// calls the gateway cannot resolve, and any calls left once the round budget
// is spent, pass through to the client in the native response.
func (g *Gateway) runUnary(ctx context.Context, client provider.Client, agent *store.Agent,
	meta RequestMeta, body []byte, rest string) (*upstreamResult, []byte, provider.Usage, error) {
	maxRounds := g.settings.ToolLoopMaxRounds()
	var usage provider.Usage
	reqBody := body

	for round := 0; ; round++ {
		res, err := g.forwardUnary(ctx, client, reqBody, rest)
		if err != nil {
			return res, reqBody, usage, err
		}
		// Each round bills its own tokens, so rounds add up rather than
		// merge like the cumulative totals of a stream.
		if u, ok := client.UsageFromPayload(res.body); ok {
			usage.InputTokens += u.InputTokens
			usage.OutputTokens += u.OutputTokens
		}

		calls := client.ToolCalls(res.body)
		if len(calls) == 0 || round >= maxRounds {
			return res, reqBody, usage, nil
		}
		if g.tools == nil || !g.allToolsKnown(ctx, calls) {
			return res, reqBody, usage, nil
		}

		results := g.executeToolCalls(ctx, agent.ID, meta.SessionID, calls)
		next, err := client.WithToolResults(reqBody, res.body, results)
		if err != nil {
			logging.GetLogger().Warn("Passing tool calls through, could not build follow-up request",
				"provider", client.Name(), "error", err)
			return res, reqBody, usage, nil
		}
		reqBody = next
	}
}

// forwardUnary retries the round-trip on retryable kinds, keeping the last
// upstream answer for status mirroring.
func (g *Gateway) forwardUnary(ctx context.Context, client provider.Client, body []byte, rest string) (*upstreamResult, error) {
	var last *upstreamResult
	err := g.retry.Execute(ctx, func(ctx context.Context) error {
		res, err := g.forwardOnce(ctx, client, body, rest)
		if res != nil {
			last = res
		}
		return err
	})
	return last, err
}

// forwardOnce performs one native round-trip against the upstream.
func (g *Gateway) forwardOnce(ctx context.Context, client provider.Client, body []byte, rest string) (*upstreamResult, error) {
	req, err := g.upstreamRequest(ctx, client, body, rest)
	if err != nil {
		return nil, err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.NetworkError, "forwarding to upstream", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.NetworkError, "reading upstream response", err)
	}

	res := &upstreamResult{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        data,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, errkind.FromHTTPStatus(string(client.Name()), resp.StatusCode, data)
	}
	return res, nil
}

// upstreamRequest builds the authenticated native request for one forward.
func (g *Gateway) upstreamRequest(ctx context.Context, client provider.Client, body []byte, rest string) (*http.Request, error) {
	url, err := client.ForwardURL(body, rest)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "building upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := client.Authenticate(req, body); err != nil {
		return nil, err
	}
	return req, nil
}

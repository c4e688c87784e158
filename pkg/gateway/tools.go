// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/archestra/gateway/pkg/mcpruntime"
	"github.com/archestra/gateway/pkg/provider"
)

// allToolsKnown reports whether every requested tool resolves to a configured
// MCP tool. Tool rounds are all or nothing: a single unknown name means the
// model is talking to the caller's own tools, and the whole response must
// reach the caller untouched.
func (g *Gateway) allToolsKnown(ctx context.Context, calls []provider.ToolCall) bool {
	for _, call := range calls {
		tool, err := g.store.GetToolByName(ctx, strings.ToLower(call.Name))
		if err != nil || tool == nil {
			return false
		}
	}
	return true
}

// executeToolCalls runs one round of tool calls on the shared worker pool and
// returns the results in call order.
func (g *Gateway) executeToolCalls(ctx context.Context, agentID, conversationID string, calls []provider.ToolCall) []provider.ToolResult {
	results := make([]provider.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		g.pond.Submit(func() {
			defer wg.Done()
			results[i] = g.executeToolCall(ctx, agentID, conversationID, call)
		})
	}
	wg.Wait()
	return results
}

func (g *Gateway) executeToolCall(ctx context.Context, agentID, conversationID string, call provider.ToolCall) provider.ToolResult {
	result := provider.ToolResult{ID: call.ID, Name: call.Name}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			result.Content = fmt.Sprintf("invalid tool arguments: %v", err)
			result.IsError = true
			return result
		}
	}

	out, err := g.tools.Execute(ctx, &mcpruntime.ToolCall{
		AgentID:        agentID,
		ConversationID: conversationID,
		Name:           call.Name,
		Arguments:      args,
	})
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result
	}
	result.Content = out.Content
	result.IsError = out.IsError
	return result
}

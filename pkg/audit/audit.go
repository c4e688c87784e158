// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package audit persists the tool-call trail. The dispatcher publishes one
// Event per tool call on the bus; the Sink subscribes and writes rows, so a
// slow database never blocks the tool path.
package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/archestra/gateway/pkg/bus"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/store"
)

// highFrequencyNames marks tool families too chatty to audit. Screenshot and
// browser chrome polling would drown the log within minutes of a browsing
// session.
var highFrequencyNames = []string{"screenshot", "browser_tab", "viewport"}

// Loggable reports whether a tool call with this name belongs in the audit
// trail. Matching is by substring on the tool name.
func Loggable(toolName string) bool {
	for _, name := range highFrequencyNames {
		if strings.Contains(toolName, name) {
			return false
		}
	}
	return true
}

// Event is one dispatched tool call as published on the audit topic.
type Event struct {
	AgentID    string          `json:"agentId"`
	ToolName   string          `json:"toolName"`
	ToolCall   json.RawMessage `json:"toolCall,omitempty"`
	ToolResult json.RawMessage `json:"toolResult,omitempty"`
	IsError    bool            `json:"isError"`
	UserID     string          `json:"userId,omitempty"`
	AuthMethod string          `json:"authMethod,omitempty"`
}

// Sink drains the audit topic into the store.
type Sink struct {
	store       store.Store
	unsubscribe func()
}

// NewSink creates a Sink.
func NewSink(st store.Store) *Sink {
	return &Sink{store: st}
}

// Start subscribes to the audit topic. Events arriving after ctx is canceled
// are dropped by the bus.
func (s *Sink) Start(ctx context.Context, provider *bus.Provider) error {
	auditBus, err := bus.GetBus[*Event](provider, bus.ToolCallAuditTopic)
	if err != nil {
		return err
	}
	s.unsubscribe = auditBus.Subscribe(ctx, bus.ToolCallAuditTopic, func(event *Event) {
		s.persist(ctx, event)
	})
	return nil
}

// Stop detaches the Sink from the bus.
func (s *Sink) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Sink) persist(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	row := &store.ToolCallLog{
		AgentID:    event.AgentID,
		ToolName:   event.ToolName,
		ToolCall:   event.ToolCall,
		ToolResult: event.ToolResult,
		IsError:    event.IsError,
		UserID:     event.UserID,
		AuthMethod: event.AuthMethod,
	}
	if err := s.store.InsertToolCallLog(ctx, row); err != nil {
		logging.GetLogger().Error("Failed to persist tool call audit row",
			"tool_name", event.ToolName, "agent_id", event.AgentID, "error", err)
	}
}

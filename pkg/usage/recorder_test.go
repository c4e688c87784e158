// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/store"
	"github.com/archestra/gateway/pkg/store/memory"
)

// seedHierarchy stores agent-1 (org-1, teams team-1 and team-2) with limits
// on every level. lim-team2 covers a different model and lim-requests a
// different limit type; neither should ever see gpt-4o tokens.
func seedHierarchy(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	ctx := context.Background()

	require.NoError(t, st.PutAgent(ctx, &store.Agent{
		ID: "agent-1", OrgID: "org-1", TeamIDs: []string{"team-1", "team-2"},
	}))

	limits := []*store.Limit{
		{ID: "lim-agent", EntityType: store.EntityAgent, EntityID: "agent-1",
			LimitType: store.LimitTypeTokenCost, LimitValue: 100,
			Models: []string{"gpt-4o", "claude-3-5-sonnet"}},
		{ID: "lim-agent-extra", EntityType: store.EntityAgent, EntityID: "agent-1",
			LimitType: store.LimitTypeTokenCost, LimitValue: 100,
			Models: []string{"gpt-4o"}},
		{ID: "lim-team1", EntityType: store.EntityTeam, EntityID: "team-1",
			LimitType: store.LimitTypeTokenCost, LimitValue: 100,
			Models: []string{"gpt-4o"}},
		{ID: "lim-team2", EntityType: store.EntityTeam, EntityID: "team-2",
			LimitType: store.LimitTypeTokenCost, LimitValue: 100,
			Models: []string{"claude-3-5-sonnet"}},
		{ID: "lim-org", EntityType: store.EntityOrganization, EntityID: "org-1",
			LimitType: store.LimitTypeTokenCost, LimitValue: 100,
			Models: []string{"gpt-4o"}},
		{ID: "lim-requests", EntityType: store.EntityAgent, EntityID: "agent-1",
			LimitType: "request_count", LimitValue: 100,
			Models: []string{"gpt-4o"}},
	}
	for _, l := range limits {
		require.NoError(t, st.PutLimit(ctx, l))
	}
	return st
}

func newTestRecorder(t *testing.T, st *memory.Store) *Recorder {
	t.Helper()
	pricing, err := NewPricing("")
	require.NoError(t, err)
	return NewRecorder(st, pricing)
}

func assertCounter(t *testing.T, st *memory.Store, limitID, model string, in, out int64) {
	t.Helper()
	usage, err := st.GetLimitUsage(context.Background(), limitID, model)
	require.NoError(t, err)
	require.NotNil(t, usage, "expected a counter row on %s for %s", limitID, model)
	assert.Equal(t, in, usage.CurrentUsageTokensIn)
	assert.Equal(t, out, usage.CurrentUsageTokensOut)
}

func assertNoCounter(t *testing.T, st *memory.Store, limitID, model string) {
	t.Helper()
	usage, err := st.GetLimitUsage(context.Background(), limitID, model)
	require.NoError(t, err)
	assert.Nil(t, usage, "no counter row expected on %s for %s", limitID, model)
}

func TestRecorder_Record_AccountsUpTheChain(t *testing.T) {
	st := seedHierarchy(t)
	rec := newTestRecorder(t, st)
	ctx := context.Background()

	interaction := &store.Interaction{
		Type: "openai:chatCompletions", AgentID: "agent-1", OrgID: "org-1",
		Model: "gpt-4o", InputTokens: 100, OutputTokens: 200,
	}
	require.NoError(t, rec.Record(ctx, interaction))

	assert.NotEmpty(t, interaction.ID)
	assert.False(t, interaction.CreatedAt.IsZero())
	assert.InDelta(t, 0.00225, interaction.Cost, 1e-12)

	rows := st.ForTestsOnlyInteractions()
	require.Len(t, rows, 1)
	assert.Equal(t, "openai:chatCompletions", rows[0].Type)

	// Every token-cost limit covering gpt-4o sees the same pair.
	for _, limitID := range []string{"lim-agent", "lim-agent-extra", "lim-team1", "lim-org"} {
		assertCounter(t, st, limitID, "gpt-4o", 100, 200)
	}
	// Rows are lazy: the other covered model has none yet.
	assertNoCounter(t, st, "lim-agent", "claude-3-5-sonnet")
	// Wrong model, wrong limit type: untouched.
	assertNoCounter(t, st, "lim-team2", "gpt-4o")
	assertNoCounter(t, st, "lim-requests", "gpt-4o")

	// A second interaction accumulates.
	require.NoError(t, rec.Record(ctx, &store.Interaction{
		Type: "openai:chatCompletions", AgentID: "agent-1",
		Model: "gpt-4o", InputTokens: 50, OutputTokens: 25,
	}))
	assertCounter(t, st, "lim-agent", "gpt-4o", 150, 225)
	assertCounter(t, st, "lim-org", "gpt-4o", 150, 225)
}

func TestRecorder_Record_AgentWithoutTeams(t *testing.T) {
	st := seedHierarchy(t)
	ctx := context.Background()
	require.NoError(t, st.PutAgent(ctx, &store.Agent{ID: "agent-solo", OrgID: "org-1"}))

	rec := newTestRecorder(t, st)
	require.NoError(t, rec.Record(ctx, &store.Interaction{
		Type: "anthropic:messages", AgentID: "agent-solo",
		Model: "gpt-4o", InputTokens: 10, OutputTokens: 20,
	}))

	// No team rungs, but the org limit still counts.
	assertCounter(t, st, "lim-org", "gpt-4o", 10, 20)
	assertNoCounter(t, st, "lim-team1", "gpt-4o")
}

func TestRecorder_Record_UnknownAgentKeepsInteraction(t *testing.T) {
	st := seedHierarchy(t)
	rec := newTestRecorder(t, st)

	require.NoError(t, rec.Record(context.Background(), &store.Interaction{
		Type: "openai:chatCompletions", AgentID: "ghost",
		Model: "gpt-4o", InputTokens: 100, OutputTokens: 200,
	}))

	assert.Len(t, st.ForTestsOnlyInteractions(), 1)
	assertNoCounter(t, st, "lim-org", "gpt-4o")
}

func TestRecorder_Record_RequiresAgent(t *testing.T) {
	rec := newTestRecorder(t, seedHierarchy(t))
	err := rec.Record(context.Background(), &store.Interaction{Model: "gpt-4o"})
	assert.True(t, errkind.IsKind(err, errkind.InvalidRequest))
}

func TestRecorder_Record_KeepsCallerCost(t *testing.T) {
	st := seedHierarchy(t)
	rec := newTestRecorder(t, st)

	interaction := &store.Interaction{
		Type: "openai:chatCompletions", AgentID: "agent-1",
		Model: "gpt-4o", InputTokens: 100, OutputTokens: 200, Cost: 42,
	}
	require.NoError(t, rec.Record(context.Background(), interaction))
	assert.Equal(t, float64(42), interaction.Cost)
}

func TestRecorder_Record_ZeroTokensSkipCounters(t *testing.T) {
	st := seedHierarchy(t)
	rec := newTestRecorder(t, st)

	require.NoError(t, rec.Record(context.Background(), &store.Interaction{
		Type: "openai:chatCompletions", AgentID: "agent-1", Model: "gpt-4o",
	}))

	assert.Len(t, st.ForTestsOnlyInteractions(), 1)
	assertNoCounter(t, st, "lim-agent", "gpt-4o")
}

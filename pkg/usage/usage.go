// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package usage meters token spend against hierarchical budgets. A Recorder
// writes every interaction and rolls its token counts into the counters of
// each limit on the agent, the agent's teams, and the organization; a Guard
// reads the same counters before a request is forwarded and denies when a
// budget is already spent; a Housekeeper resets counter windows and sweeps
// expired MCP session rows in the background.
package usage

import (
	"context"

	"github.com/archestra/gateway/pkg/store"
)

// scopeEntity is one level of the accounting hierarchy.
type scopeEntity struct {
	kind store.EntityType
	id   string
}

// scopeChain lists the entities an agent's usage accounts against, in
// evaluation order: the agent itself, each of its teams, then the
// organization. Agents without teams degrade to agent plus organization.
// A nil chain means the agent does not exist.
func scopeChain(ctx context.Context, st store.Store, agentID string) ([]scopeEntity, error) {
	agent, err := st.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, nil
	}
	chain := make([]scopeEntity, 0, len(agent.TeamIDs)+2)
	chain = append(chain, scopeEntity{kind: store.EntityAgent, id: agent.ID})
	for _, teamID := range agent.TeamIDs {
		chain = append(chain, scopeEntity{kind: store.EntityTeam, id: teamID})
	}
	if agent.OrgID != "" {
		chain = append(chain, scopeEntity{kind: store.EntityOrganization, id: agent.OrgID})
	}
	return chain, nil
}

// applicable reports whether the limit meters the given model's token cost.
func applicable(limit *store.Limit, model string) bool {
	return limit.LimitType == store.LimitTypeTokenCost && limit.HasModel(model)
}

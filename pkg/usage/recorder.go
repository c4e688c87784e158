// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/store"
)

// Recorder persists interactions and applies their token counts to every
// applicable limit up the scope chain.
type Recorder struct {
	store   store.Store
	pricing *Pricing
}

// NewRecorder creates a Recorder.
func NewRecorder(st store.Store, pricing *Pricing) *Recorder {
	return &Recorder{store: st, pricing: pricing}
}

// Record inserts the interaction, pricing it when the caller did not, then
// increments the per-model counter of each limit on the agent, the agent's
// teams, and the organization that covers the interaction's model. Counter
// rows are created on first write. An interaction against an agent the store
// no longer knows is kept, without counters.
func (r *Recorder) Record(ctx context.Context, interaction *store.Interaction) error {
	if interaction.AgentID == "" {
		return errkind.New(errkind.InvalidRequest, "interaction needs an agent")
	}
	if interaction.ID == "" {
		interaction.ID = uuid.New().String()
	}
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = time.Now()
	}
	if interaction.Cost == 0 {
		interaction.Cost = r.pricing.Cost(interaction.Model, interaction.InputTokens, interaction.OutputTokens)
	}
	if err := r.store.InsertInteraction(ctx, interaction); err != nil {
		return err
	}
	if interaction.InputTokens == 0 && interaction.OutputTokens == 0 {
		return nil
	}

	chain, err := scopeChain(ctx, r.store, interaction.AgentID)
	if err != nil {
		return err
	}
	if chain == nil {
		logging.GetLogger().Warn("Interaction recorded without counters, agent unknown",
			"agent_id", interaction.AgentID, "interaction_id", interaction.ID)
		return nil
	}

	for _, entity := range chain {
		limits, err := r.store.ListLimitsForEntity(ctx, entity.kind, entity.id)
		if err != nil {
			return err
		}
		for _, limit := range limits {
			if !applicable(limit, interaction.Model) {
				continue
			}
			if err := r.store.UpsertLimitUsage(ctx, limit.ID, interaction.Model,
				interaction.InputTokens, interaction.OutputTokens); err != nil {
				return err
			}
		}
	}
	return nil
}

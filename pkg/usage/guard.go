// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/store"
)

// Guard decides whether a request may be forwarded given what its scope
// chain has already spent.
type Guard struct {
	store   store.Store
	pricing *Pricing
}

// NewGuard creates a Guard.
func NewGuard(st store.Store, pricing *Pricing) *Guard {
	return &Guard{store: st, pricing: pricing}
}

// Admit walks the agent's scope chain, agent first, then its teams, then the
// organization, and prices the accumulated counters of every limit covering
// the model. The first limit whose spend exceeds its budget denies with a
// rate-limit error naming the entity. A spend exactly at the budget still
// admits; the interaction that crosses the line is the last one through.
func (g *Guard) Admit(ctx context.Context, agentID, model string) error {
	chain, err := scopeChain(ctx, g.store, agentID)
	if err != nil {
		return err
	}
	if chain == nil {
		return errkind.Newf(errkind.NotFound, "agent %s not found", agentID)
	}

	for _, entity := range chain {
		limits, err := g.store.ListLimitsForEntity(ctx, entity.kind, entity.id)
		if err != nil {
			return err
		}
		for _, limit := range limits {
			if !applicable(limit, model) {
				continue
			}
			spent, err := g.limitSpend(ctx, limit)
			if err != nil {
				return err
			}
			if spent > limit.LimitValue {
				logging.GetLogger().Warn("Denying request over token budget",
					"entity_type", entity.kind, "entity_id", entity.id,
					"limit_id", limit.ID, "spent", spent, "budget", limit.LimitValue)
				return errkind.Newf(errkind.RateLimit, "token cost limit reached for %s %s", entity.kind, entity.id)
			}
		}
	}
	return nil
}

// limitSpend prices the limit's counters across all of its models. The
// budget covers the limit as a whole, not each model row separately.
func (g *Guard) limitSpend(ctx context.Context, limit *store.Limit) (float64, error) {
	usages, err := g.store.ListLimitUsage(ctx, limit.ID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, usage := range usages {
		total += g.pricing.Cost(usage.Model, usage.CurrentUsageTokensIn, usage.CurrentUsageTokensOut)
	}
	return total, nil
}

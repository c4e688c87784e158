// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/store"
)

// HousekeeperConfig sizes the background maintenance worker.
type HousekeeperConfig struct {
	// Interval is both the scan period and the length of a limit's
	// accounting window: a limit reset longer ago than one interval is due
	// again.
	Interval time.Duration
	// SessionTTL is how long an MCP session row may go without an update
	// before the sweeper removes it.
	SessionTTL time.Duration
	// MaxWorkers caps concurrent maintenance tasks.
	MaxWorkers int
}

// Housekeeper periodically resets limit counter windows and sweeps expired
// MCP session rows.
type Housekeeper struct {
	store  store.Store
	cfg    HousekeeperConfig
	pond   pond.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHousekeeper creates a Housekeeper. Zero config fields get defaults of
// one minute, 24 hours and 4 workers.
func NewHousekeeper(st store.Store, cfg HousekeeperConfig) *Housekeeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	return &Housekeeper{
		store: st,
		cfg:   cfg,
		pond:  pond.NewPool(cfg.MaxWorkers),
	}
}

// Start launches the maintenance loop.
func (h *Housekeeper) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.runOnce(ctx, time.Now())
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight maintenance tasks.
func (h *Housekeeper) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.pond.StopAndWait()
}

// runOnce submits one reset per due limit and one session sweep.
func (h *Housekeeper) runOnce(ctx context.Context, now time.Time) {
	log := logging.GetLogger()

	due, err := h.store.ListLimitsDueForReset(ctx, now.Add(-h.cfg.Interval))
	if err != nil {
		log.Error("Failed to list limits due for reset", "error", err)
	} else {
		for _, limit := range due {
			h.pond.Submit(func() {
				if err := h.store.ResetLimitUsage(ctx, limit.ID, now); err != nil {
					log.Error("Failed to reset limit usage", "limit_id", limit.ID, "error", err)
				}
			})
		}
	}

	h.pond.Submit(func() {
		removed, err := h.store.DeleteExpiredMcpSessions(ctx, now.Add(-h.cfg.SessionTTL))
		if err != nil {
			log.Error("Failed to sweep expired MCP sessions", "error", err)
			return
		}
		if removed > 0 {
			log.Info("Swept expired MCP sessions", "removed", removed)
		}
	})
}

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package health wires the gateway's readiness checks behind one checker.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/alexliesenfeld/health"

	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/metrics"
	"github.com/archestra/gateway/pkg/store"
)

const (
	statusGauge   = "gateway_health_status"
	latencySample = "gateway_health_check_latency_seconds"
)

// New builds the gateway checker: a store ping plus any caller-supplied
// checks. Results are cached for a second so probe bursts do not hammer the
// backends, and status transitions are logged and gauged once per change.
func New(st store.Store, extra ...health.Check) health.Checker {
	checks := make([]health.Check, 0, len(extra)+1)
	checks = append(checks, health.Check{
		Name:    "store",
		Timeout: 5 * time.Second,
		Check: func(ctx context.Context) error {
			_, err := st.GetOrganization(ctx, "health-probe")
			return err
		},
	})
	checks = append(checks, extra...)

	var lastStatus health.AvailabilityStatus
	var lastStatusMu sync.Mutex

	opts := []health.CheckerOption{
		health.WithCacheDuration(1 * time.Second),
		health.WithStatusListener(func(_ context.Context, state health.CheckerState) {
			lastStatusMu.Lock()
			prev := lastStatus
			lastStatus = state.Status
			lastStatusMu.Unlock()
			if prev == state.Status {
				return
			}

			up := float32(0.0)
			if state.Status == health.StatusUp {
				up = 1.0
			}
			metrics.SetGauge(statusGauge, up)
			logging.GetLogger().Info("Health status changed", "status", state.Status)
		}),
	}
	for _, check := range checks {
		opts = append(opts, health.WithCheck(measured(check)))
	}

	return health.NewChecker(opts...)
}

// measured wraps a check with a latency sample labeled by outcome.
func measured(check health.Check) health.Check {
	inner := check.Check
	check.Check = func(ctx context.Context) error {
		start := time.Now()
		err := inner(ctx)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.AddSampleWithLabels([]string{latencySample}, float32(time.Since(start).Seconds()), []metrics.Label{
			{Name: "check", Value: check.Name},
			{Name: "status", Value: outcome},
		})
		return err
	}
	return check
}

// Handler serves the checker as the /healthz endpoint.
func Handler(checker health.Checker) http.Handler {
	return health.NewHandler(checker)
}

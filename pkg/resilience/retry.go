// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package resilience retries failed upstream calls with capped exponential
// backoff. Only failures whose error kind is retryable are attempted again;
// everything else surfaces to the caller on the first failure.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/util"
)

// Config tunes the retry policy. Zero values take the defaults below.
type Config struct {
	// BaseBackoff is the first delay. Defaults to one second.
	BaseBackoff time.Duration
	// MaxBackoff caps the grown delay. Defaults to thirty seconds.
	MaxBackoff time.Duration
	// NumberOfRetries is how many times a failed call is reattempted.
	// Defaults to three.
	NumberOfRetries int
}

// Retry implements the retry policy for failed operations.
type Retry struct {
	config Config
}

// New creates a Retry, filling unset config fields with the defaults.
func New(config Config) *Retry {
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.NumberOfRetries <= 0 {
		config.NumberOfRetries = 3
	}
	return &Retry{config: config}
}

// Execute runs work, retrying on retryable error kinds until the retry budget
// is spent. PermanentError short-circuits even for retryable kinds; so does a
// done context.
func (r *Retry) Execute(ctx context.Context, work func(context.Context) error) error {
	var err error
	for i := 0; i < r.config.NumberOfRetries+1; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = work(ctx)
		if err == nil {
			return nil
		}

		var permanentErr *PermanentError
		if errors.As(err, &permanentErr) {
			return err
		}
		if !errkind.KindOf(err).Retryable() {
			return err
		}
		if i == r.config.NumberOfRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff(i)):
		}
	}
	return err
}

// backoff grows base*2^attempt toward the cap with ±20% jitter.
func (r *Retry) backoff(attempt int) time.Duration {
	if attempt < 0 {
		return r.config.BaseBackoff
	}

	// 1<<attempt overflows int64 past 62; anything that large is over any
	// reasonable cap anyway.
	if attempt >= 62 {
		return r.config.MaxBackoff
	}

	base := r.config.BaseBackoff
	maxBackoff := r.config.MaxBackoff

	factor := int64(1) << attempt
	if factor > int64(maxBackoff/base) {
		return maxBackoff
	}

	backoff := base * time.Duration(factor)
	return time.Duration(float64(backoff) * (0.8 + 0.4*util.RandomFloat64()))
}

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitTracer(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		shutdown, err := InitTracer(context.Background(), Config{})
		assert.NoError(t, err)
		assert.NotNil(t, shutdown)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("Enabled", func(t *testing.T) {
		shutdown, err := InitTracer(context.Background(), Config{
			Enabled:  true,
			Endpoint: "localhost:4318",
			Insecure: true,
		})
		assert.NoError(t, err)
		assert.NotNil(t, shutdown)
		// The exporter is lazy; shutdown without a collector must not hang.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})
}

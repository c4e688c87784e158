// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexliesenfeld/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/store/memory"
)

func TestHealthz_Up(t *testing.T) {
	checker := New(memory.New())
	handler := Handler(checker)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"up"`)
}

func TestHealthz_FailingCheckReportsDown(t *testing.T) {
	failing := health.Check{
		Name:    "vault",
		Timeout: time.Second,
		Check: func(context.Context) error {
			return errors.New("sealed")
		},
	}
	checker := New(memory.New(), failing)
	handler := Handler(checker)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"down"`)
}

func TestHealthz_CheckStatusDirectly(t *testing.T) {
	checker := New(memory.New())
	result := checker.Check(context.Background())
	require.Equal(t, health.StatusUp, result.Status)
}

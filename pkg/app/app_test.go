// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/config"
	"github.com/archestra/gateway/pkg/credential"
	"github.com/archestra/gateway/pkg/gateway"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/secrets"
	"github.com/archestra/gateway/pkg/store/memory"
	"github.com/archestra/gateway/pkg/usage"
)

func testHandler(t *testing.T) http.Handler {
	t.Helper()
	settings := config.ForTestsOnlyNewSettings(afero.NewMemMapFs())
	st := memory.New()
	sm := secrets.NewManager(st, nil)
	pricing, err := usage.NewPricing("")
	require.NoError(t, err)

	verifier, err := identity.NewVerifier("0123456789abcdef", nil)
	require.NoError(t, err)

	gw := gateway.New(settings, st, credential.NewResolver(st, sm, settings),
		usage.NewGuard(st, pricing), usage.NewRecorder(st, pricing), nil)
	t.Cleanup(gw.Close)

	app := NewApplication()
	return app.rootHandler(settings, st, verifier, gw)
}

func TestRootHandlerHealthz(t *testing.T) {
	handler := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRootHandlerMetrics(t *testing.T) {
	handler := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRootHandlerIngressRequiresAuth(t *testing.T) {
	handler := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/openai/agent-1", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"up"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, HealthCheck(&out, srv.URL, 2*time.Second))
	require.Contains(t, out.String(), "healthy")
}

func TestHealthCheckDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.Error(t, HealthCheck(&out, srv.URL, 2*time.Second))
}

func TestOpenStoreMemory(t *testing.T) {
	settings := config.ForTestsOnlyNewSettings(afero.NewMemMapFs())
	st, err := openStore(settings)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}


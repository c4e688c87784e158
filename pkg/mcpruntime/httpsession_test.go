// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/errkind"
)

func TestSessionRoundTripper_CapturesAndInjects(t *testing.T) {
	var seenSessionIDs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenSessionIDs = append(seenSessionIDs, r.Header.Get(sessionHeaderName))
		w.Header().Set(sessionHeaderName, "sess-42")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var captured string
	rt := &sessionRoundTripper{onSession: func(id string) { captured = id }}
	client := &http.Client{Transport: rt}

	// First request carries no session id; the response teaches us one.
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "sess-42", captured)
	assert.Equal(t, "sess-42", rt.currentSessionID())

	// Second request injects the learned id.
	resp, err = client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"", "sess-42"}, seenSessionIDs)
}

func TestSessionRoundTripper_ResumesPersistedSession(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(sessionHeaderName)
	}))
	defer server.Close()

	rt := &sessionRoundTripper{}
	rt.setSessionID("sess-previous")
	client := &http.Client{Transport: rt}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "sess-previous", got)
}

func TestSessionRoundTripper_StaleSessionOn404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := &http.Client{Transport: &sessionRoundTripper{}}
	_, err := client.Get(server.URL)
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.StaleSession))
}

func TestSessionRoundTripper_Plain404PassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such route", http.StatusNotFound)
	}))
	defer server.Close()

	client := &http.Client{Transport: &sessionRoundTripper{}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The probe must not consume the body.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "no such route")
}

func TestBearerRoundTripper(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer server.Close()

	client := &http.Client{Transport: &bearerRoundTripper{token: "tok-1"}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer tok-1", got)
}

func TestBearerRoundTripper_EmptyTokenAddsNothing(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer server.Close()

	client := &http.Client{Transport: &bearerRoundTripper{}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, got)
}

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/appconsts"
	"github.com/archestra/gateway/pkg/config"
)

// mockRunner records the Run invocation instead of starting servers.
type mockRunner struct {
	called   bool
	settings *config.Settings
}

func (m *mockRunner) Run(_ context.Context, settings *config.Settings) error {
	m.called = true
	m.settings = settings
	return nil
}

func TestVersionCmd(t *testing.T) {
	viper.Reset()
	rootCmd := newRootCmd()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), appconsts.Name)
	assert.Contains(t, out.String(), appconsts.Version)
}

func TestRootCmdRunsApplication(t *testing.T) {
	viper.Reset()
	mock := &mockRunner{}
	orig := appRunner
	appRunner = mock
	defer func() { appRunner = orig }()

	rootCmd := newRootCmd()
	rootCmd.SetArgs([]string{})

	require.NoError(t, rootCmd.Execute())
	assert.True(t, mock.called, "Run should be invoked by the root command")
	require.NotNil(t, mock.settings)
}

func TestHealthCmd(t *testing.T) {
	viper.Reset()
	port := findFreePort(t)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}
	go func() { _ = server.ListenAndServe() }()
	defer func() { _ = server.Shutdown(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	rootCmd := newRootCmd()
	rootCmd.SetArgs([]string{"health", "--listen-address", fmt.Sprintf("%d", port)})
	assert.NoError(t, rootCmd.Execute())
}

func TestTokenCmd(t *testing.T) {
	viper.Reset()
	t.Setenv("ARCHESTRA_GATEWAY_TOKEN_SECRET", "0123456789abcdef")

	rootCmd := newRootCmd()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--org", "org-1", "--user", "user-1", "--teams", "team-1"})

	require.NoError(t, rootCmd.Execute())
	assert.NotEmpty(t, out.String())
}

func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

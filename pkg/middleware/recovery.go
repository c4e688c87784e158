// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides the HTTP middleware chain of the gateway:
// panic recovery, tracing, request logging, metrics, token authentication,
// and per-client rate limiting.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/archestra/gateway/pkg/logging"
)

// Recovery recovers from panics in the handler chain, logs the panic with
// its stack, and returns a generic 500 Internal Server Error response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log := logging.GetLogger()
				stack := string(debug.Stack())
				log.Error("Panic recovered", "error", err, "stack", stack, "url", r.URL.String(), "method", r.Method)

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Trace wraps next in an OpenTelemetry server span. The span is a no-op
// until a tracer provider is installed.
func Trace(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "gateway-request")
}

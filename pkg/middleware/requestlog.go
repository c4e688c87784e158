// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"time"

	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/metrics"
	"github.com/archestra/gateway/pkg/util"
)

// HeaderRequestID carries the request id, generated when the caller sent
// none and echoed back on the response.
const HeaderRequestID = "X-Request-Id"

// statusWriter captures the status code and byte count of a response. Flush
// is forwarded so streaming handlers keep flushing through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLog logs one line per request and feeds the request counters. A
// request id is minted when the caller did not send one.
func RequestLog(next http.Handler) http.Handler {
	metricTotal := []string{"http", "request", "total"}
	metricLatency := []string{"http", "request", "latency"}
	metricError := []string{"http", "request", "error"}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = util.GenerateUUID()
		}
		w.Header().Set(HeaderRequestID, requestID)

		sw := &statusWriter{ResponseWriter: w}
		metrics.IncrCounter(metricTotal, 1)
		next.ServeHTTP(sw, r)
		metrics.MeasureSince(metricLatency, start)

		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		log := logging.GetLogger()
		if sw.status >= 500 {
			metrics.IncrCounter(metricError, 1)
			log.Error("Request failed", "method", r.Method, "path", r.URL.Path,
				"status", sw.status, "bytes", sw.bytes, "duration", time.Since(start), "request_id", requestID)
			return
		}
		log.Info("Request completed", "method", r.Method, "path", r.URL.Path,
			"status", sw.status, "bytes", sw.bytes, "duration", time.Since(start), "request_id", requestID)
	})
}

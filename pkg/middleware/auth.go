// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/logging"
)

// Auth validates the bearer token on every request and stores the resulting
// TokenAuthContext in the request context. Requests without a valid token
// are answered with a 401 ChatErrorResponse before reaching the handler.
func Auth(provider identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := identity.BearerToken(r)
			if !ok {
				unauthorized(w, errkind.New(errkind.Authentication, "missing bearer token"))
				return
			}
			auth, err := provider.Validate(r.Context(), token)
			if err != nil {
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.ContextWithAuth(r.Context(), auth)))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	resp := errkind.Response("", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		logging.GetLogger().Error("Failed to write auth error", "error", encodeErr)
	}
}

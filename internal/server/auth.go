// Package server provides the HTTP API: inbound channel events, session
// status, operator escalation controls, tool approvals and audit lookup.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/voundbrand/vc83-com-sub003/internal/requestctx"
	"github.com/voundbrand/vc83-com-sub003/internal/tenant"
)

// Header names.
const (
	HeaderAPIKey   = "X-Turnkeeper-Key"
	HeaderOperator = "X-Turnkeeper-Operator"
)

// AuthMiddleware validates X-Turnkeeper-Key or Authorization: Bearer <key>
// and puts the org the key belongs to into the request context. apiKeys maps
// key -> org id. The operator header, when present, names the human acting.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
				return
			}
			var orgID string
			for k, org := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					orgID = org
					break
				}
			}
			if orgID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
				return
			}
			ctx := requestctx.SetOrgID(r.Context(), orgID)
			if op := strings.TrimSpace(r.Header.Get(HeaderOperator)); op != "" {
				ctx = requestctx.SetOperator(ctx, op)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware applies the per-org ingestion limits. It answers 429
// with Retry-After when the org is over its rate or daily quota.
func RateLimitMiddleware(tm *tenant.Manager) func(http.Handler) http.Handler {
	if tm == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := requestctx.OrgID(r.Context())
			err := tm.ValidateRequest(r.Context(), orgID)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, tenant.ErrRateLimitExceeded):
				w.Header().Set("Retry-After", "1")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(tm.RateLimit(orgID)))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", err.Error())
			case errors.Is(err, tenant.ErrDailyQuotaExceeded):
				w.Header().Set("Retry-After", "3600")
				writeError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
			case errors.Is(err, tenant.ErrMissingOrg):
				writeError(w, http.StatusForbidden, "forbidden", err.Error())
			default:
				log.Error().Err(err).Str("org_id", orgID).Msg("tenant_validation_failed")
				writeError(w, http.StatusInternalServerError, "internal", "tenant validation failed")
			}
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

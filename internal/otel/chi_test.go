package otel

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_PassesStatusThrough(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusTooManyRequests, http.StatusInternalServerError} {
		h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, code, rec.Code)
	}
}

func TestMiddleware_ChiRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	var pattern string
	r.Get("/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		pattern = routePattern(r)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/ses_123", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/v1/sessions/{id}", pattern)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(302))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
}

package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atmx/treasury-engine/internal/api"
)

func TestRateLimiter_PerCaller(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := api.NewRateLimiter(1, 2).Middleware(ok)

	call := func(caller string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/assets", nil)
		req.Header.Set(api.CallerHeader, caller)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("vault"))
	assert.Equal(t, http.StatusOK, call("vault"))
	assert.Equal(t, http.StatusTooManyRequests, call("vault"))
	assert.Equal(t, http.StatusOK, call("keeper"), "limits are per caller")
}

func TestRateLimiter_Disabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := api.NewRateLimiter(0, 1).Middleware(ok)
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

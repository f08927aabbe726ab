package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_UserLimitTriggers(t *testing.T) {
	store := newFakeRateStore()
	handler := RateLimit(NewRateLimitPolicy("writes", time.Minute, 2, 0), store, nil)(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/commissions", nil)
		req = req.WithContext(WithUserID(req.Context(), "user-1"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		switch {
		case i < 2 && rec.Code != http.StatusOK:
			t.Fatalf("expected success before limit, got %d", rec.Code)
		case i == 2:
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rec.Code)
			}
			var payload struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if payload.Error.Code != string(pkgerrors.CodeRateLimit) {
				t.Fatalf("unexpected code: %s", payload.Error.Code)
			}
		}
	}
	if store.counts["b2l:rate_limit:writes:user:user-1"] != 3 {
		t.Fatalf("expected per-user counter, got %v", store.counts)
	}
}

func TestRateLimit_IPLimitTriggers(t *testing.T) {
	store := newFakeRateStore()
	handler := RateLimit(NewRateLimitPolicy("writes", time.Minute, 0, 1), store, nil)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bids/x/accept", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i == 0 && rec.Code != http.StatusOK {
			t.Fatalf("expected success, got %d", rec.Code)
		}
		if i == 1 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
	}
}

func TestRateLimit_ReadsPassThrough(t *testing.T) {
	store := newFakeRateStore()
	handler := RateLimit(NewRateLimitPolicy("writes", time.Minute, 1, 1), store, nil)(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/commissions", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for reads, got %d", rec.Code)
		}
	}
	if len(store.counts) != 0 {
		t.Fatalf("reads must not be counted: %v", store.counts)
	}
}

func TestRateLimit_StoreFailureIsDependencyError(t *testing.T) {
	store := newFakeRateStore()
	store.err = errors.New("redis down")
	handler := RateLimit(NewRateLimitPolicy("writes", time.Minute, 1, 0), store, nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commissions", nil)
	req = req.WithContext(WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

type fakeRateStore struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{counts: map[string]int64{}}
}

func (f *fakeRateStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
)

type fakeStore struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key], _ = value.(string)
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.data, key)
		delete(f.ttls, key)
	}
	return nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "fake:" + scope + ":" + id
}

func post(path, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse error response %q: %v", rec.Body.String(), err)
	}
	return payload.Error.Code
}

func TestRouteTTLSelection(t *testing.T) {
	id := "5b7f1d7e-2f1a-4c53-9f0e-6c2a6f4e7a11"
	cases := map[string]struct {
		method string
		path   string
		ttl    time.Duration
		ok     bool
	}{
		"create commission":    {http.MethodPost, "/api/v1/commissions", defaultIdempotencyTTL, true},
		"trailing slash":       {http.MethodPost, "/api/v1/commissions/", defaultIdempotencyTTL, true},
		"submit bid":           {http.MethodPost, "/api/v1/commissions/" + id + "/bids", defaultIdempotencyTTL, true},
		"fund":                 {http.MethodPost, "/api/v1/commissions/" + id + "/fund", criticalIdempotencyTTL, true},
		"review":               {http.MethodPost, "/api/v1/milestones/m-1/review", criticalIdempotencyTTL, true},
		"resolve dispute":      {http.MethodPost, "/api/admin/v1/commissions/" + id + "/dispute/resolve", criticalIdempotencyTTL, true},
		"list is not replayed": {http.MethodGet, "/api/v1/commissions", 0, false},
		"empty segment":        {http.MethodPost, "/api/v1/commissions//fund", 0, false},
		"unknown action":       {http.MethodPost, "/api/v1/commissions/" + id + "/archive", 0, false},
	}
	for name, tc := range cases {
		ttl, ok := routeTTL(tc.method, tc.path)
		if ok != tc.ok || ttl != tc.ttl {
			t.Fatalf("%s: got (%v, %v), want (%v, %v)", name, ttl, ok, tc.ttl, tc.ok)
		}
	}
}

func TestIdempotencyRequiresKey(t *testing.T) {
	ran := false
	h := Idempotency(newFakeStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ran = true
	}))

	rec := serve(h, post("/api/v1/commissions", "", `{"title":"mural"}`))
	if rec.Code != http.StatusBadRequest || ran {
		t.Fatalf("expected 400 without running the handler, got %d (ran=%v)", rec.Code, ran)
	}
}

func TestIdempotencyReplaysCompletedResponse(t *testing.T) {
	store := newFakeStore()
	calls := 0
	h := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	first := serve(h, post("/api/v1/commissions", "abc", `{"title":"mural"}`))
	second := serve(h, post("/api/v1/commissions", "abc", `{"title":"mural"}`))

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected 201 twice, got %d then %d", first.Code, second.Code)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	if second.Body.String() != `{"ok":true}` || second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("replay lost the response: %q %v", second.Body.String(), second.Header())
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("replay should be marked")
	}
	for _, ttl := range store.ttls {
		if ttl != defaultIdempotencyTTL {
			t.Fatalf("expected completed entry kept for %s, got %s", defaultIdempotencyTTL, ttl)
		}
	}
}

func TestIdempotencyScopesKeysPerCaller(t *testing.T) {
	calls := 0
	h := Idempotency(newFakeStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for _, user := range []string{"client-a", "client-b"} {
		req := post("/api/v1/commissions", "same", `{}`)
		serve(h, req.WithContext(WithUserID(req.Context(), user)))
	}
	if calls != 2 {
		t.Fatalf("keys must not collide across callers, ran %d times", calls)
	}
}

func TestIdempotencyRejectsChangedBody(t *testing.T) {
	h := Idempotency(newFakeStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	serve(h, post("/api/v1/commissions", "xyz", `{"title":"mural"}`))
	rec := serve(h, post("/api/v1/commissions", "xyz", `{"title":"portrait"}`))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(pkgerrors.CodeIdempotency) {
		t.Fatalf("expected %s got %s", pkgerrors.CodeIdempotency, code)
	}
}

func TestIdempotencyConflictsWhileFirstRequestRuns(t *testing.T) {
	store := newFakeStore()
	var inner *httptest.ResponseRecorder
	var h http.Handler
	h = Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if inner == nil {
			inner = serve(h, post("/api/v1/commissions/c-1/fund", "dup", `{}`))
		}
		w.WriteHeader(http.StatusOK)
	}))

	outer := serve(h, post("/api/v1/commissions/c-1/fund", "dup", `{}`))

	if outer.Code != http.StatusOK {
		t.Fatalf("first request should finish, got %d", outer.Code)
	}
	if inner.Code != http.StatusConflict {
		t.Fatalf("duplicate during flight should conflict, got %d", inner.Code)
	}
	if code := errorCode(t, inner); code != string(pkgerrors.CodeConflict) {
		t.Fatalf("expected %s got %s", pkgerrors.CodeConflict, code)
	}
}

func TestIdempotencyReleasesKeyOnPendingOutcome(t *testing.T) {
	store := newFakeStore()
	calls := 0
	h := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	for i := 0; i < 2; i++ {
		serve(h, post("/api/v1/milestones/m-1/review", "pending", `{"decision":"approve"}`))
	}
	if calls != 2 {
		t.Fatalf("pending responses must re-run the handler, ran %d times", calls)
	}
	if len(store.data) != 0 {
		t.Fatalf("expected the key released, found %d entries", len(store.data))
	}
}

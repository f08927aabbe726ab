package routes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bring2life/bring2life-backend/api/controllers"
	"github.com/bring2life/bring2life-backend/internal/bids"
	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/notifications"
	"github.com/bring2life/bring2life-backend/internal/reputation"
	"github.com/bring2life/bring2life-backend/internal/settlement"
	pkgAuth "github.com/bring2life/bring2life-backend/pkg/auth"
	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
	hits map[string]int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string]string{}, hits: map[string]int64{}}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", goredis.Nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	m.data[key] = str
	return true, nil
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("test:idempotency:%s:%s", scope, id)
}

func (m *memoryStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[key]++
	return m.hits[key], nil
}

type stubCommissionService struct{ commissions.Service }

type stubBidService struct{ bids.Service }

type stubReputationService struct{ reputation.Service }

type stubNotificationsService struct{ notifications.Service }

type stubSettlementService struct {
	settlement.Service
	confirmed bool
	fundCalls int
}

func (s *stubSettlementService) FundCommission(_ context.Context, commissionID, _ uuid.UUID) (*settlement.FundResult, error) {
	s.fundCalls++
	result := &settlement.FundResult{Commission: commissions.CommissionDTO{ID: commissionID}}
	if !s.confirmed {
		result.Pending = &settlement.PendingLedger{Code: pkgerrors.CodeLedgerUnavailable, Message: "ledger unavailable"}
	}
	return result, nil
}

type stubFlagStore struct{}

func (stubFlagStore) ListOpen(context.Context, *uuid.UUID, int) ([]models.ReconciliationFlag, error) {
	return nil, nil
}

func (stubFlagStore) Resolve(context.Context, uuid.UUID, time.Time) (bool, error) {
	return false, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", Port: "0", CORSOrigins: []string{"http://localhost:3000"}},
		JWT: config.JWTConfig{Secret: "secret", Issuer: "issuer"},
		RateLimit: config.RateLimitConfig{
			Window:    time.Minute,
			UserLimit: 2,
			IPLimit:   100,
		},
	}
}

type testRouter struct {
	handler    http.Handler
	settlement *stubSettlementService
}

func newTestRouter(cfg *config.Config) testRouter {
	logg := logger.New(logger.Options{ServiceName: "test-routing", Level: logger.ParseLevel("debug"), Output: io.Discard})
	reg := prometheus.NewRegistry()
	settlementSvc := &stubSettlementService{}
	handler := NewRouter(
		cfg,
		logg,
		reg,
		metrics.NewHTTPMetrics(reg),
		map[string]controllers.Pinger{"db": stubPinger{}, "redis": stubPinger{}},
		newMemoryStore(),
		stubCommissionService{},
		stubBidService{},
		settlementSvc,
		stubReputationService{},
		stubNotificationsService{},
		stubFlagStore{},
	)
	return testRouter{handler: handler, settlement: settlementSvc}
}

func TestRouteAccess(t *testing.T) {
	member, admin := enums.PlatformRoleMember, enums.PlatformRoleAdmin
	cases := []struct {
		name string
		path string
		role *enums.PlatformRole
		want int
	}{
		{"liveness is public", "/health/live", nil, http.StatusOK},
		{"readiness pings dependencies", "/health/ready", nil, http.StatusOK},
		{"private route needs a token", "/api/ping", nil, http.StatusUnauthorized},
		{"member reaches private route", "/api/ping", &member, http.StatusOK},
		{"member kept out of admin", "/api/admin/ping", &member, http.StatusForbidden},
		{"admin reaches admin route", "/api/admin/ping", &admin, http.StatusOK},
	}
	cfg := testConfig()
	router := newTestRouter(cfg)
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.role != nil {
			req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, *tc.role, uuid.New()))
		}
		resp := httptest.NewRecorder()
		router.handler.ServeHTTP(resp, req)
		if resp.Code != tc.want {
			t.Fatalf("%s: expected %d got %d", tc.name, tc.want, resp.Code)
		}
	}
}

func TestPrivatePingEchoesCaller(t *testing.T) {
	cfg := testConfig()
	router := newTestRouter(cfg)
	userID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, enums.PlatformRoleMember, userID))
	resp := httptest.NewRecorder()
	router.handler.ServeHTTP(resp, req)
	if !strings.Contains(resp.Body.String(), userID.String()) {
		t.Fatalf("expected caller id in body, got %s", resp.Body.String())
	}
}

func fund(router testRouter, token, commissionID, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commissions/"+commissionID+"/fund", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp := httptest.NewRecorder()
	router.handler.ServeHTTP(resp, req)
	return resp
}

func TestFundRequiresIdempotencyKey(t *testing.T) {
	cfg := testConfig()
	router := newTestRouter(cfg)
	resp := fund(router, buildToken(t, cfg, enums.PlatformRoleMember, uuid.New()), uuid.NewString(), "")
	if resp.Code != http.StatusBadRequest || router.settlement.fundCalls != 0 {
		t.Fatalf("status %d after %d fund calls", resp.Code, router.settlement.fundCalls)
	}
}

func TestFundIdempotencyByOutcome(t *testing.T) {
	cases := []struct {
		name       string
		confirmed  bool
		wantStatus int
		wantCalls  int
		wantReplay string
	}{
		{"pending ledger is retried", false, http.StatusAccepted, 2, ""},
		{"confirmed funding is replayed", true, http.StatusOK, 1, "true"},
	}
	for _, tc := range cases {
		cfg := testConfig()
		cfg.RateLimit.UserLimit = 10
		router := newTestRouter(cfg)
		router.settlement.confirmed = tc.confirmed
		token := buildToken(t, cfg, enums.PlatformRoleMember, uuid.New())
		commissionID := uuid.NewString()

		first := fund(router, token, commissionID, "fund-1")
		second := fund(router, token, commissionID, "fund-1")
		if first.Code != tc.wantStatus || second.Code != tc.wantStatus {
			t.Fatalf("%s: statuses %d, %d", tc.name, first.Code, second.Code)
		}
		if router.settlement.fundCalls != tc.wantCalls {
			t.Fatalf("%s: expected %d fund calls, got %d", tc.name, tc.wantCalls, router.settlement.fundCalls)
		}
		if got := second.Header().Get("Idempotent-Replay"); got != tc.wantReplay {
			t.Fatalf("%s: replay header %q", tc.name, got)
		}
	}
}

func TestWritesAreRateLimitedPerCaller(t *testing.T) {
	cfg := testConfig()
	router := newTestRouter(cfg)
	token := buildToken(t, cfg, enums.PlatformRoleMember, uuid.New())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/commissions/"+uuid.NewString()+"/fund", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", fmt.Sprintf("fund-%d", i))
		resp := httptest.NewRecorder()
		router.handler.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third write to be throttled, got %v", codes)
	}
}

func TestMetricsEndpointReportsRoutePatterns(t *testing.T) {
	router := newTestRouter(testConfig())
	router.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	resp := httptest.NewRecorder()
	router.handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `route="/health/live"`) {
		t.Fatalf("expected live route in metrics output:\n%s", resp.Body.String())
	}
}

func buildToken(t *testing.T, cfg *config.Config, role enums.PlatformRole, userID uuid.UUID) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), time.Hour, pkgAuth.AccessTokenPayload{
		UserID: userID,
		Role:   role,
		JTI:    uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

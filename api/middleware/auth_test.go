package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/auth"
	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/google/uuid"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "issuer"}

func TestAuthRejectsMissingToken(t *testing.T) {
	handler := Auth(testJWT, nil)(okHandler())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	handler := Auth(testJWT, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestAuthAllowsValidToken(t *testing.T) {
	userID := uuid.New()
	token := mintTestToken(t, userID, enums.PlatformRoleMember)

	var captured struct {
		user  string
		role  string
		admin bool
	}
	handler := Auth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.user = UserIDFromContext(r.Context())
		captured.role = RoleFromContext(r.Context())
		captured.admin = IsAdmin(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if captured.user != userID.String() {
		t.Fatalf("expected user %s got %s", userID, captured.user)
	}
	if captured.role != string(enums.PlatformRoleMember) || captured.admin {
		t.Fatalf("expected member role got %s", captured.role)
	}
}

func TestRequireRoleBlocksMembers(t *testing.T) {
	handler := Auth(testJWT, nil)(RequireRole(enums.PlatformRoleAdmin, nil)(okHandler()))

	member := httptest.NewRequest(http.MethodGet, "/", nil)
	member.Header.Set("Authorization", "Bearer "+mintTestToken(t, uuid.New(), enums.PlatformRoleMember))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, member)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", resp.Code)
	}

	admin := httptest.NewRequest(http.MethodGet, "/", nil)
	admin.Header.Set("Authorization", "Bearer "+mintTestToken(t, uuid.New(), enums.PlatformRoleAdmin))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, admin)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

func mintTestToken(t *testing.T, userID uuid.UUID, role enums.PlatformRole) string {
	t.Helper()
	token, err := auth.MintAccessToken(testJWT, time.Now(), time.Hour, auth.AccessTokenPayload{
		UserID: userID,
		Role:   role,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

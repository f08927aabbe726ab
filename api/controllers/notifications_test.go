package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/api/middleware"
	"github.com/bring2life/bring2life-backend/internal/notifications"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

// stubInbox records what the handlers asked for.
type stubInbox struct {
	listed   *notifications.ListParams
	readBy   uuid.UUID
	readID   uuid.UUID
	allReadN int64
	err      error
}

func (s *stubInbox) List(_ context.Context, params notifications.ListParams) (*notifications.ListResult, error) {
	s.listed = &params
	return &notifications.ListResult{Cursor: "next"}, s.err
}

func (s *stubInbox) MarkRead(_ context.Context, userID, notificationID uuid.UUID) error {
	s.readBy, s.readID = userID, notificationID
	return s.err
}

func (s *stubInbox) MarkAllRead(_ context.Context, userID uuid.UUID) (int64, error) {
	s.readBy = userID
	return s.allReadN, s.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func addRouteParam(req *http.Request, key, value string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func asCaller(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	envelope := struct {
		Data any `json:"data"`
	}{Data: into}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestMarkNotificationRead(t *testing.T) {
	userID, notificationID := uuid.New(), uuid.New()
	inbox := &stubInbox{}

	req := addRouteParam(asCaller(httptest.NewRequest(http.MethodPost, "/", nil), userID), "notificationId", notificationID.String())
	rec := httptest.NewRecorder()
	MarkNotificationRead(inbox, testLogger())(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if inbox.readBy != userID || inbox.readID != notificationID {
		t.Fatalf("service got user=%s notification=%s", inbox.readBy, inbox.readID)
	}
	var body map[string]bool
	decodeData(t, rec, &body)
	if !body["read"] {
		t.Fatalf("response missing read flag: %s", rec.Body.String())
	}
}

func TestMarkNotificationReadRejections(t *testing.T) {
	cases := map[string]struct {
		req    *http.Request
		inbox  *stubInbox
		status int
	}{
		"no caller": {
			req:    addRouteParam(httptest.NewRequest(http.MethodPost, "/", nil), "notificationId", uuid.NewString()),
			inbox:  &stubInbox{},
			status: http.StatusUnauthorized,
		},
		"bad id": {
			req:    addRouteParam(asCaller(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New()), "notificationId", "invalid"),
			inbox:  &stubInbox{},
			status: http.StatusBadRequest,
		},
		"someone else's notification": {
			req:    addRouteParam(asCaller(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New()), "notificationId", uuid.NewString()),
			inbox:  &stubInbox{err: pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")},
			status: http.StatusNotFound,
		},
	}
	for name, tc := range cases {
		rec := httptest.NewRecorder()
		MarkNotificationRead(tc.inbox, testLogger())(rec, tc.req)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d got %d", name, tc.status, rec.Code)
		}
	}
}

func TestListNotificationsPassesFilters(t *testing.T) {
	userID, commissionID := uuid.New(), uuid.New()
	inbox := &stubInbox{}

	req := asCaller(httptest.NewRequest(http.MethodGet, "/?limit=5&unread_only=true&cursor=abc&commission_id="+commissionID.String(), nil), userID)
	rec := httptest.NewRecorder()
	ListNotifications(inbox, testLogger())(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	got := inbox.listed
	if got == nil || got.UserID != userID || got.Limit != 5 || !got.UnreadOnly || got.Cursor != "abc" {
		t.Fatalf("unexpected params %+v", got)
	}
	if got.CommissionID == nil || *got.CommissionID != commissionID {
		t.Fatalf("expected commission filter %s", commissionID)
	}
}

func TestListNotificationsRejectsBadQuery(t *testing.T) {
	for _, query := range []string{"unread_only=maybe", "limit=0", "commission_id=nope"} {
		inbox := &stubInbox{}
		rec := httptest.NewRecorder()
		ListNotifications(inbox, testLogger())(rec, asCaller(httptest.NewRequest(http.MethodGet, "/?"+query, nil), uuid.New()))
		if rec.Code != http.StatusBadRequest || inbox.listed != nil {
			t.Fatalf("%s: expected 400 before reaching the service, got %d", query, rec.Code)
		}
	}
}

func TestMarkAllNotificationsRead(t *testing.T) {
	userID := uuid.New()
	inbox := &stubInbox{allReadN: 5}

	rec := httptest.NewRecorder()
	MarkAllNotificationsRead(inbox, testLogger())(rec, asCaller(httptest.NewRequest(http.MethodPost, "/", nil), userID))
	if rec.Code != http.StatusOK || inbox.readBy != userID {
		t.Fatalf("status %d, user %s", rec.Code, inbox.readBy)
	}
	var body map[string]int64
	decodeData(t, rec, &body)
	if body["updated"] != 5 {
		t.Fatalf("expected updated=5 got %v", body)
	}

	failing := &stubInbox{err: errors.New("db down")}
	rec = httptest.NewRecorder()
	MarkAllNotificationsRead(failing, testLogger())(rec, asCaller(httptest.NewRequest(http.MethodPost, "/", nil), userID))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for an untyped failure, got %d", rec.Code)
	}
}

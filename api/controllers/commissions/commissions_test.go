package commissions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/api/middleware"
	"github.com/bring2life/bring2life-backend/internal/bids"
	internalcommissions "github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/settlement"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/pagination"
	"github.com/bring2life/bring2life-backend/pkg/types"
)

// stubSettlement embeds the interface so each test overrides only what it calls.
type stubSettlement struct {
	settlement.Service
	fund     func(ctx context.Context, commissionID, clientID uuid.UUID) (*settlement.FundResult, error)
	review   func(ctx context.Context, input settlement.ReviewMilestoneInput) (*settlement.ReviewResult, error)
	retry    func(ctx context.Context, milestoneID uuid.UUID, actor settlement.Actor) (*settlement.ReleaseOutcome, error)
	schedule func(ctx context.Context, commissionID, clientID uuid.UUID, plans types.MilestonePlans) ([]internalcommissions.MilestoneDTO, error)
}

func (s *stubSettlement) FundCommission(ctx context.Context, commissionID, clientID uuid.UUID) (*settlement.FundResult, error) {
	return s.fund(ctx, commissionID, clientID)
}

func (s *stubSettlement) ReviewMilestone(ctx context.Context, input settlement.ReviewMilestoneInput) (*settlement.ReviewResult, error) {
	return s.review(ctx, input)
}

func (s *stubSettlement) RetryRelease(ctx context.Context, milestoneID uuid.UUID, actor settlement.Actor) (*settlement.ReleaseOutcome, error) {
	return s.retry(ctx, milestoneID, actor)
}

func (s *stubSettlement) CreateSchedule(ctx context.Context, commissionID, clientID uuid.UUID, plans types.MilestonePlans) ([]internalcommissions.MilestoneDTO, error) {
	return s.schedule(ctx, commissionID, clientID, plans)
}

type stubCommissions struct {
	internalcommissions.Service
	list func(ctx context.Context, userID uuid.UUID, role internalcommissions.Role, status *enums.CommissionStatus, params pagination.Params) (*internalcommissions.CommissionList, error)
}

func (s *stubCommissions) ListForUser(ctx context.Context, userID uuid.UUID, role internalcommissions.Role, status *enums.CommissionStatus, params pagination.Params) (*internalcommissions.CommissionList, error) {
	return s.list(ctx, userID, role, status, params)
}

type stubBids struct {
	bids.Service
	accept func(ctx context.Context, bidID, clientID uuid.UUID) (*bids.AcceptResult, error)
}

func (s *stubBids) AcceptBid(ctx context.Context, bidID, clientID uuid.UUID) (*bids.AcceptResult, error) {
	return s.accept(ctx, bidID, clientID)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func newRequest(method, target, body string, caller uuid.UUID, params map[string]string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := req.Context()
	if caller != uuid.Nil {
		ctx = middleware.WithUserID(ctx, caller.String())
	}
	routeCtx := chi.NewRouteContext()
	for k, v := range params {
		routeCtx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(ctx, chi.RouteCtxKey, routeCtx))
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Code
}

func TestFundAnswersAcceptedWhileLedgerPending(t *testing.T) {
	clientID := uuid.New()
	commissionID := uuid.New()
	svc := &stubSettlement{
		fund: func(ctx context.Context, cid, uid uuid.UUID) (*settlement.FundResult, error) {
			if cid != commissionID || uid != clientID {
				t.Fatalf("unexpected ids %s %s", cid, uid)
			}
			return &settlement.FundResult{
				Commission: internalcommissions.CommissionDTO{ID: cid, Status: enums.CommissionStatusPendingFunding},
				Pending:    &settlement.PendingLedger{Code: pkgerrors.CodeLedgerUnavailable, Message: "ledger unavailable"},
			}, nil
		},
	}

	resp := httptest.NewRecorder()
	Fund(svc, testLogger())(resp, newRequest(http.MethodPost, "/", "", clientID, map[string]string{"commissionId": commissionID.String()}))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", resp.Code)
	}

	svc.fund = func(ctx context.Context, cid, uid uuid.UUID) (*settlement.FundResult, error) {
		return &settlement.FundResult{Commission: internalcommissions.CommissionDTO{ID: cid, Status: enums.CommissionStatusActive}}, nil
	}
	resp = httptest.NewRecorder()
	Fund(svc, testLogger())(resp, newRequest(http.MethodPost, "/", "", clientID, map[string]string{"commissionId": commissionID.String()}))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

func TestFundMapsCapabilityErrorToForbidden(t *testing.T) {
	svc := &stubSettlement{
		fund: func(ctx context.Context, cid, uid uuid.UUID) (*settlement.FundResult, error) {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the client may fund")
		},
	}
	resp := httptest.NewRecorder()
	Fund(svc, testLogger())(resp, newRequest(http.MethodPost, "/", "", uuid.New(), map[string]string{"commissionId": uuid.NewString()}))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", resp.Code)
	}
	if code := errorCode(t, resp); code != string(pkgerrors.CodeForbidden) {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestReviewApprovalPendingRelease(t *testing.T) {
	clientID := uuid.New()
	milestoneID := uuid.New()
	var got settlement.ReviewMilestoneInput
	svc := &stubSettlement{
		review: func(ctx context.Context, input settlement.ReviewMilestoneInput) (*settlement.ReviewResult, error) {
			got = input
			return &settlement.ReviewResult{
				Milestone: internalcommissions.MilestoneDTO{ID: milestoneID, Status: enums.MilestoneStatusApproved},
				Release:   &settlement.ReleaseOutcome{MilestoneID: milestoneID, Status: settlement.ReleasePending},
			}, nil
		},
	}

	resp := httptest.NewRecorder()
	ReviewMilestone(svc, testLogger())(resp, newRequest(http.MethodPost, "/", `{"decision":"approve"}`, clientID, map[string]string{"milestoneId": milestoneID.String()}))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", resp.Code)
	}
	if got.ClientID != clientID || got.MilestoneID != milestoneID || got.Decision != enums.ReviewDecisionApprove {
		t.Fatalf("unexpected input %+v", got)
	}
}

func TestReviewRejectsUnknownDecision(t *testing.T) {
	svc := &stubSettlement{}
	resp := httptest.NewRecorder()
	ReviewMilestone(svc, testLogger())(resp, newRequest(http.MethodPost, "/", `{"decision":"reject"}`, uuid.New(), map[string]string{"milestoneId": uuid.NewString()}))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestRetryReleaseOutOfOrder(t *testing.T) {
	svc := &stubSettlement{
		retry: func(ctx context.Context, milestoneID uuid.UUID, actor settlement.Actor) (*settlement.ReleaseOutcome, error) {
			if actor.System {
				t.Fatal("http callers are never the system actor")
			}
			return nil, pkgerrors.New(pkgerrors.CodeOutOfOrder, "milestone 1 is not paid yet")
		},
	}
	resp := httptest.NewRecorder()
	RetryRelease(svc, testLogger())(resp, newRequest(http.MethodPost, "/", "", uuid.New(), map[string]string{"milestoneId": uuid.NewString()}))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", resp.Code)
	}
	if code := errorCode(t, resp); code != string(pkgerrors.CodeOutOfOrder) {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestScheduleValidatesBody(t *testing.T) {
	called := false
	svc := &stubSettlement{
		schedule: func(ctx context.Context, commissionID, clientID uuid.UUID, plans types.MilestonePlans) ([]internalcommissions.MilestoneDTO, error) {
			called = true
			return []internalcommissions.MilestoneDTO{{Title: plans[0].Title, Amount: plans[0].Amount}}, nil
		},
	}
	params := map[string]string{"commissionId": uuid.NewString()}

	resp := httptest.NewRecorder()
	Schedule(svc, testLogger())(resp, newRequest(http.MethodPost, "/", `{"milestones":[]}`, uuid.New(), params))
	if resp.Code != http.StatusBadRequest || called {
		t.Fatalf("expected 400 without calling the service, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	Schedule(svc, testLogger())(resp, newRequest(http.MethodPost, "/", `{"milestones":[{"title":"Sketch","amount":0}]}`, uuid.New(), params))
	if resp.Code != http.StatusBadRequest || called {
		t.Fatalf("expected 400 for a zero amount, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	Schedule(svc, testLogger())(resp, newRequest(http.MethodPost, "/", `{"milestones":[{"title":"Sketch","amount":400}]}`, uuid.New(), params))
	if resp.Code != http.StatusCreated || !called {
		t.Fatalf("expected 201 got %d", resp.Code)
	}
}

func TestListForwardsRoleAndStatus(t *testing.T) {
	userID := uuid.New()
	svc := &stubCommissions{
		list: func(ctx context.Context, uid uuid.UUID, role internalcommissions.Role, status *enums.CommissionStatus, params pagination.Params) (*internalcommissions.CommissionList, error) {
			if uid != userID || role != internalcommissions.RoleArtist {
				t.Fatalf("unexpected caller %s role %s", uid, role)
			}
			if status == nil || *status != enums.CommissionStatusActive {
				t.Fatalf("expected active status filter")
			}
			if params.Limit != 10 || params.Cursor != "c1" {
				t.Fatalf("unexpected page params %+v", params)
			}
			return &internalcommissions.CommissionList{NextCursor: "c2"}, nil
		},
	}

	resp := httptest.NewRecorder()
	List(svc, testLogger())(resp, newRequest(http.MethodGet, "/api/v1/commissions?role=artist&status=active&limit=10&cursor=c1", "", userID, nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	List(svc, testLogger())(resp, newRequest(http.MethodGet, "/api/v1/commissions?status=funded", "", userID, nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status got %d", resp.Code)
	}
}

func TestAcceptBidRequiresCaller(t *testing.T) {
	svc := &stubBids{
		accept: func(ctx context.Context, bidID, clientID uuid.UUID) (*bids.AcceptResult, error) {
			return &bids.AcceptResult{}, nil
		},
	}
	resp := httptest.NewRecorder()
	AcceptBid(svc, testLogger())(resp, newRequest(http.MethodPost, "/", "", uuid.Nil, map[string]string{"bidId": uuid.NewString()}))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	AcceptBid(svc, testLogger())(resp, newRequest(http.MethodPost, "/", "", uuid.New(), map[string]string{"bidId": uuid.NewString()}))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

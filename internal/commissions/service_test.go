package commissions

import (
	"context"
	"testing"

	"github.com/bring2life/bring2life-backend/pkg/db/dbtest"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/pagination"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransactions struct {
	rows []models.LedgerTransaction
}

func (s stubTransactions) ListByCommission(context.Context, uuid.UUID) ([]models.LedgerTransaction, error) {
	return s.rows, nil
}

func newTestService(t *testing.T) (Service, Repository) {
	t.Helper()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	svc, err := NewService(repo, NewMilestoneRepository(conn), stubTransactions{}, "hbar", nil)
	require.NoError(t, err)
	return svc, repo
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateCommissionInput
	}{
		{"missing client", CreateCommissionInput{Title: "x", Category: enums.CommissionCategoryDigital, TotalBudget: 10}},
		{"blank title", CreateCommissionInput{ClientID: uuid.New(), Title: "  ", Category: enums.CommissionCategoryDigital, TotalBudget: 10}},
		{"zero budget", CreateCommissionInput{ClientID: uuid.New(), Title: "x", Category: enums.CommissionCategoryDigital}},
		{"bad category", CreateCommissionInput{ClientID: uuid.New(), Title: "x", Category: "mural", TotalBudget: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.input)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
		})
	}
}

func TestCreateOpensCommissionInLedgerCurrency(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	clientID := uuid.New()

	dto, err := svc.Create(ctx, CreateCommissionInput{
		ClientID:    clientID,
		Title:       " Dragon ",
		Category:    enums.CommissionCategoryDigital,
		TotalBudget: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, "Dragon", dto.Title)
	assert.Equal(t, "HBAR", dto.Currency)
	assert.Equal(t, enums.CommissionStatusOpen, dto.Status)

	stored, err := repo.FindByID(ctx, dto.ID)
	require.NoError(t, err)
	assert.Equal(t, clientID, stored.ClientID)
}

func TestGetIsLimitedToParticipants(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	clientID := uuid.New()

	dto, err := svc.Create(ctx, CreateCommissionInput{
		ClientID:    clientID,
		Title:       "Landscape",
		Category:    enums.CommissionCategoryLandscape,
		TotalBudget: 800,
	})
	require.NoError(t, err)

	_, err = svc.Get(ctx, uuid.New(), false, dto.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	detail, err := svc.Get(ctx, clientID, false, dto.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Milestones)

	_, err = svc.Get(ctx, uuid.New(), true, dto.ID)
	require.NoError(t, err)

	_, err = svc.Get(ctx, clientID, false, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestListForUserByRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	clientID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, CreateCommissionInput{
			ClientID:    clientID,
			Title:       "Piece",
			Category:    enums.CommissionCategoryAbstract,
			TotalBudget: 100,
		})
		require.NoError(t, err)
	}

	list, err := svc.ListForUser(ctx, clientID, RoleClient, nil, pagination.Params{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list.Commissions, 3)
	assert.Empty(t, list.NextCursor)

	list, err = svc.ListForUser(ctx, clientID, RoleArtist, nil, pagination.Params{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, list.Commissions)

	_, err = svc.ListForUser(ctx, clientID, Role("admin"), nil, pagination.Params{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

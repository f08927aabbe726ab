package commissions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type commissionsRepository interface {
	Create(ctx context.Context, commission *models.Commission) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Commission, error)
	List(ctx context.Context, params ListParams) ([]models.Commission, *pagination.Cursor, error)
}

type milestonesReader interface {
	ListByCommission(ctx context.Context, commissionID uuid.UUID) ([]models.Milestone, error)
}

type transactionsReader interface {
	ListByCommission(ctx context.Context, commissionID uuid.UUID) ([]models.LedgerTransaction, error)
}

// Service exposes commission intake and participant read models.
type Service interface {
	Create(ctx context.Context, input CreateCommissionInput) (*CommissionDTO, error)
	Get(ctx context.Context, viewerID uuid.UUID, isAdmin bool, commissionID uuid.UUID) (*CommissionDetail, error)
	ListForUser(ctx context.Context, userID uuid.UUID, role Role, status *enums.CommissionStatus, params pagination.Params) (*CommissionList, error)
}

type service struct {
	repo         commissionsRepository
	milestones   milestonesReader
	transactions transactionsReader
	currency     string
	logg         *logger.Logger
}

// NewService wires the commission service. currency is the ledger currency every
// amount is denominated in.
func NewService(repo commissionsRepository, milestones milestonesReader, transactions transactionsReader, currency string, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("commissions repository required")
	}
	if milestones == nil {
		return nil, fmt.Errorf("milestones repository required")
	}
	if transactions == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if strings.TrimSpace(currency) == "" {
		return nil, fmt.Errorf("currency required")
	}
	return &service{
		repo:         repo,
		milestones:   milestones,
		transactions: transactions,
		currency:     strings.ToUpper(strings.TrimSpace(currency)),
		logg:         logg,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateCommissionInput) (*CommissionDTO, error) {
	if input.ClientID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "client id is required")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "title is required")
	}
	if input.TotalBudget <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "budget must be positive")
	}
	if !input.Category.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid category").
			WithDetails(map[string]any{"category": input.Category})
	}

	commission := &models.Commission{
		ID:                uuid.New(),
		ClientID:          input.ClientID,
		Title:             title,
		Description:       strings.TrimSpace(input.Description),
		Category:          input.Category,
		ReferenceImages:   input.ReferenceImages,
		MetadataRef:       input.MetadataRef,
		Currency:          s.currency,
		Deadline:          input.Deadline,
		TotalBudget:       input.TotalBudget,
		Status:            enums.CommissionStatusOpen,
		CertificateStatus: enums.CertificateStatusNone,
	}
	if err := s.repo.Create(ctx, commission); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create commission")
	}

	if s.logg != nil {
		logCtx := s.logg.WithCommissionID(ctx, commission.ID.String())
		s.logg.Info(logCtx, "commission created")
	}
	return FromModel(commission), nil
}

func (s *service) Get(ctx context.Context, viewerID uuid.UUID, isAdmin bool, commissionID uuid.UUID) (*CommissionDetail, error) {
	commission, err := s.repo.FindByID(ctx, commissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "commission not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load commission")
	}
	if !isAdmin && !commission.IsClient(viewerID) && !commission.IsArtist(viewerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "not a participant of this commission")
	}

	milestones, err := s.milestones.ListByCommission(ctx, commissionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load milestones")
	}
	transactions, err := s.transactions.ListByCommission(ctx, commissionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ledger transactions")
	}

	detail := &CommissionDetail{
		CommissionDTO: *FromModel(commission),
		Milestones:    make([]MilestoneDTO, 0, len(milestones)),
		Transactions:  make([]LedgerTransactionDTO, 0, len(transactions)),
	}
	for _, m := range milestones {
		detail.Milestones = append(detail.Milestones, MilestoneFromModel(m))
	}
	for _, t := range transactions {
		detail.Transactions = append(detail.Transactions, TransactionFromModel(t))
	}
	return detail, nil
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID, role Role, status *enums.CommissionStatus, params pagination.Params) (*CommissionList, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	switch role {
	case RoleAny, RoleClient, RoleArtist:
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "role must be client or artist")
	}
	if status != nil && !status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	rows, next, err := s.repo.List(ctx, ListParams{
		UserID: userID,
		Role:   role,
		Status: status,
		Limit:  params.Limit,
		Cursor: cursor,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list commissions")
	}

	list := &CommissionList{Commissions: make([]CommissionDTO, 0, len(rows))}
	for i := range rows {
		list.Commissions = append(list.Commissions, *FromModel(&rows[i]))
	}
	if next != nil {
		list.NextCursor = pagination.EncodeCursor(*next)
	}
	return list, nil
}

// Package certificates finalizes completed commissions by minting their
// provenance certificate.
package certificates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/minting"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
	"github.com/bring2life/bring2life-backend/pkg/outbox/payloads"
	"github.com/bring2life/bring2life-backend/pkg/retry"
	"github.com/bring2life/bring2life-backend/pkg/storage/gcs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// tokenNamespace scopes mint tokens so every commission maps to one certificate.
var tokenNamespace = uuid.MustParse("6f1c1f0e-6a43-5d7e-9b51-2c0f3b7d8e10")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type Service interface {
	// Finalize runs once per completed commission; later calls are no-ops.
	Finalize(ctx context.Context, commissionID uuid.UUID) error
	// RetryPending re-attempts a pending certificate whose backoff elapsed.
	RetryPending(ctx context.Context, commissionID uuid.UUID) error
}

type Config struct {
	Dir            string
	RoyaltyPercent float64
	MintTimeout    time.Duration
	// LeaseFor bounds how long one caller owns a mint attempt.
	LeaseFor time.Duration
	Retry    retry.Policy
}

type ServiceParams struct {
	DB          txRunner
	Commissions commissions.Repository
	Milestones  commissions.MilestoneRepository
	Minter      minting.Minter
	Store       gcs.ObjectStore
	Outbox      outboxEmitter
	Logger      *logger.Logger
	Config      Config
	Clock       func() time.Time
}

type service struct {
	db          txRunner
	commissions commissions.Repository
	milestones  commissions.MilestoneRepository
	minter      minting.Minter
	store       gcs.ObjectStore
	outbox      outboxEmitter
	logg        *logger.Logger
	cfg         Config
	now         func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Commissions == nil || params.Milestones == nil:
		return nil, fmt.Errorf("commission repositories required")
	case params.Minter == nil:
		return nil, fmt.Errorf("minter required")
	case params.Store == nil:
		return nil, fmt.Errorf("object store required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	}
	cfg := params.Config
	if cfg.Dir == "" {
		cfg.Dir = "certificates"
	}
	if cfg.MintTimeout <= 0 {
		cfg.MintTimeout = 30 * time.Second
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = 2 * cfg.MintTimeout
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = retry.Policy{Base: 30 * time.Second, Max: time.Hour, Jitter: true}
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		db:          params.DB,
		commissions: params.Commissions,
		milestones:  params.Milestones,
		minter:      params.Minter,
		store:       params.Store,
		outbox:      params.Outbox,
		logg:        params.Logger,
		cfg:         cfg,
		now:         clock,
	}, nil
}

// MintToken is the idempotency token sent to the minter for a commission.
func MintToken(commissionID uuid.UUID) string {
	return uuid.NewSHA1(tokenNamespace, commissionID[:]).String()
}

func (s *service) Finalize(ctx context.Context, commissionID uuid.UUID) error {
	commission, err := s.load(ctx, commissionID)
	if err != nil {
		return err
	}
	if commission.Status != enums.CommissionStatusCompleted {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "only completed commissions are finalized")
	}
	if commission.CompletionFinalized {
		return nil
	}

	claimed, err := s.commissions.ClaimFinalization(ctx, commissionID, s.now().Add(s.cfg.LeaseFor))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim finalization")
	}
	if !claimed {
		return nil
	}
	s.logg.Info(s.logg.WithCommissionID(ctx, commissionID.String()), "commission finalized, requesting certificate")
	return s.issue(ctx, commission)
}

func (s *service) RetryPending(ctx context.Context, commissionID uuid.UUID) error {
	commission, err := s.load(ctx, commissionID)
	if err != nil {
		return err
	}
	if commission.CertificateStatus != enums.CertificateStatusPending {
		return nil
	}
	now := s.now()
	leased, err := s.commissions.LeaseCertificate(ctx, commissionID, now, now.Add(s.cfg.LeaseFor))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lease certificate attempt")
	}
	if !leased {
		return nil
	}
	return s.issue(ctx, commission)
}

func (s *service) issue(ctx context.Context, commission *models.Commission) error {
	logCtx := s.logg.WithCommissionID(ctx, commission.ID.String())

	artifactRef, err := s.finalArtifact(ctx, commission.ID)
	if err != nil {
		return s.recordFailure(ctx, commission, nil, err)
	}

	metadataRef := commission.CertificateMetadataRef
	if metadataRef == nil {
		ref, err := s.storeMetadata(ctx, commission, artifactRef)
		if err != nil {
			return s.recordFailure(ctx, commission, nil, fmt.Errorf("store certificate metadata: %w", err))
		}
		metadataRef = &ref
	}

	mintCtx, cancel := context.WithTimeout(ctx, s.cfg.MintTimeout)
	receipt, err := s.minter.Mint(mintCtx, minting.MintRequest{
		Token:          MintToken(commission.ID),
		CommissionID:   commission.ID.String(),
		ArtistID:       artistOf(commission).String(),
		OwnerID:        commission.ClientID.String(),
		MetadataRef:    *metadataRef,
		ArtifactRef:    artifactRef,
		RoyaltyPercent: s.cfg.RoyaltyPercent,
	})
	cancel()
	if err != nil {
		return s.recordFailure(ctx, commission, metadataRef, fmt.Errorf("mint certificate: %w", err))
	}

	err = s.db.WithTx(context.WithoutCancel(ctx), func(tx *gorm.DB) error {
		if err := s.commissions.WithTx(tx).UpdateCertificate(ctx, commission.ID, map[string]any{
			"certificate_status":          enums.CertificateStatusIssued,
			"certificate_handle":          receipt.CertificateHandle,
			"certificate_metadata_ref":    *metadataRef,
			"certificate_next_attempt_at": nil,
			"certificate_last_error":      nil,
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCertificateIssued,
			AggregateType: enums.AggregateCommission,
			AggregateID:   commission.ID,
			Data: payloads.CertificateIssuedEvent{
				CommissionID:      commission.ID,
				ClientID:          commission.ClientID,
				ArtistID:          artistOf(commission),
				CertificateHandle: receipt.CertificateHandle,
				MetadataRef:       *metadataRef,
			},
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record certificate")
	}
	s.logg.Info(s.logg.WithField(logCtx, "certificate_handle", receipt.CertificateHandle), "certificate issued")
	return nil
}

// recordFailure keeps the certificate pending and pushes the next attempt out.
func (s *service) recordFailure(ctx context.Context, commission *models.Commission, metadataRef *string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	updates := map[string]any{
		"certificate_attempts":        gorm.Expr("certificate_attempts + 1"),
		"certificate_next_attempt_at": s.cfg.Retry.Next(s.now(), commission.CertificateAttempts),
		"certificate_last_error":      cause.Error(),
	}
	if metadataRef != nil {
		updates["certificate_metadata_ref"] = *metadataRef
	}
	if err := s.commissions.UpdateCertificate(ctx, commission.ID, updates); err != nil {
		s.logg.Error(s.logg.WithCommissionID(ctx, commission.ID.String()), "record certificate failure", err)
	}
	s.logg.Warn(s.logg.WithCommissionID(ctx, commission.ID.String()), "certificate pending after failed attempt")
	return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "certificate issuance failed")
}

// finalArtifact is the deliverable of the last milestone.
func (s *service) finalArtifact(ctx context.Context, commissionID uuid.UUID) (string, error) {
	milestones, err := s.milestones.ListByCommission(ctx, commissionID)
	if err != nil {
		return "", fmt.Errorf("load milestones: %w", err)
	}
	if len(milestones) == 0 {
		return "", nil
	}
	last := milestones[len(milestones)-1]
	if last.CurrentSubmissionID == nil {
		return "", nil
	}
	submission, err := s.milestones.FindSubmission(ctx, *last.CurrentSubmissionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load final submission: %w", err)
	}
	return submission.DeliverableRef, nil
}

type metadataDocument struct {
	CommissionID   uuid.UUID `json:"commission_id"`
	ClientID       uuid.UUID `json:"client_id"`
	ArtistID       uuid.UUID `json:"artist_id"`
	Title          string    `json:"title"`
	Category       string    `json:"category"`
	ArtifactRef    string    `json:"artifact_ref,omitempty"`
	TotalBudget    int64     `json:"total_budget"`
	Currency       string    `json:"currency"`
	RoyaltyPercent float64   `json:"royalty_percent"`
	CompletedAt    time.Time `json:"completed_at"`
}

func (s *service) storeMetadata(ctx context.Context, commission *models.Commission, artifactRef string) (string, error) {
	doc := metadataDocument{
		CommissionID:   commission.ID,
		ClientID:       commission.ClientID,
		ArtistID:       artistOf(commission),
		Title:          commission.Title,
		Category:       commission.Category.String(),
		ArtifactRef:    artifactRef,
		TotalBudget:    commission.TotalBudget,
		Currency:       commission.Currency,
		RoyaltyPercent: s.cfg.RoyaltyPercent,
	}
	if commission.CompletedAt != nil {
		doc.CompletedAt = commission.CompletedAt.UTC()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return s.store.Put(ctx, path.Join(s.cfg.Dir, commission.ID.String()+".json"), "application/json", body)
}

func (s *service) load(ctx context.Context, id uuid.UUID) (*models.Commission, error) {
	commission, err := s.commissions.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "commission not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load commission")
	}
	return commission, nil
}

func artistOf(c *models.Commission) uuid.UUID {
	if c.ArtistID == nil {
		return uuid.Nil
	}
	return *c.ArtistID
}

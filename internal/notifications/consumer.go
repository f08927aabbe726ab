package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/outbox"
	"github.com/bring2life/bring2life-backend/pkg/outbox/payloads"
	"github.com/bring2life/bring2life-backend/pkg/outbox/registry"
	"github.com/google/uuid"
)

const consumerName = "participant-notifications"

var decoders = registry.SettlementDecoders()

type deduper interface {
	Once(ctx context.Context, consumer string, eventID uuid.UUID, fn func(context.Context) error) (bool, error)
}

// Consumer turns settlement events into notifications for the client and
// artist of the commission.
type Consumer struct {
	repo         Repository
	subscription *pubsub.Subscriber
	dedupe       deduper
	logg         *logger.Logger
}

func NewConsumer(repo Repository, subscription *pubsub.Subscriber, dedupe deduper, logg *logger.Logger) (*Consumer, error) {
	switch {
	case repo == nil:
		return nil, fmt.Errorf("notifications repository required")
	case subscription == nil:
		return nil, fmt.Errorf("settlement subscription required")
	case dedupe == nil:
		return nil, fmt.Errorf("idempotency manager required")
	case logg == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{repo: repo, subscription: subscription, dedupe: dedupe, logg: logg}, nil
}

// Run receives until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.handle(ctx, msg.ID, msg.Attributes["event_type"], msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// handle reports whether the message should be acked. Malformed messages are
// acked and dropped; storage failures are nacked for redelivery.
func (c *Consumer) handle(ctx context.Context, messageID, eventType string, data []byte) bool {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": messageID,
		"event_type": eventType,
	})

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return true
	}
	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return true
	}

	rows, err := build(enums.OutboxEventType(eventType), envelope.Version, eventID, envelope.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to parse payload", err)
		return true
	}
	if len(rows) == 0 {
		return true
	}

	var created int64
	ran, err := c.dedupe.Once(ctx, consumerName, eventID, func(ctx context.Context) (err error) {
		created, err = c.repo.CreateBatch(ctx, rows)
		return err
	})
	switch {
	case err != nil:
		c.logg.Error(logCtx, "failed to store notifications", err)
		return false
	case !ran:
		c.logg.Info(logCtx, "event already processed")
	default:
		c.logg.Info(c.logg.WithField(logCtx, "notifications", created), "participants notified")
	}
	return true
}

type recipient struct {
	userID  uuid.UUID
	title   string
	message string
}

// build maps an event to one row per interested participant. Events nobody
// is notified about yield no rows.
func build(eventType enums.OutboxEventType, version int, eventID uuid.UUID, data json.RawMessage) ([]models.Notification, error) {
	decoded, err := decoders.Decode(eventType, version, data)
	if errors.Is(err, registry.ErrNoDecoder) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		commissionID uuid.UUID
		kind         enums.NotificationType
		recipients   []recipient
	)
	switch p := decoded.(type) {
	case *payloads.BidAcceptedEvent:
		commissionID, kind = p.CommissionID, enums.NotificationTypeBid
		recipients = []recipient{{p.ArtistID, "Bid accepted", "Your bid was accepted. Work starts once the client funds the commission."}}

	case *payloads.CommissionFundedEvent:
		commissionID, kind = p.CommissionID, enums.NotificationTypeFunding
		recipients = []recipient{
			{p.ClientID, "Funds in escrow", fmt.Sprintf("%d is held in escrow for this commission.", p.Amount)},
			{p.ArtistID, "Commission funded", "The client funded the commission. You can start the first milestone."},
		}

	case *payloads.MilestoneEvent:
		commissionID, kind = p.CommissionID, enums.NotificationTypeMilestone
		step := p.OrderIndex + 1
		switch eventType {
		case enums.EventMilestoneSubmitted:
			recipients = []recipient{{p.ClientID, "Milestone ready for review", fmt.Sprintf("Milestone %d was delivered and awaits your review.", step)}}
		case enums.EventMilestoneApproved:
			recipients = []recipient{{p.ArtistID, "Milestone approved", fmt.Sprintf("Milestone %d was approved; payment is on its way.", step)}}
		default:
			kind = enums.NotificationTypePayment
			recipients = []recipient{{p.ArtistID, "Payment released", fmt.Sprintf("%d was released for milestone %d.", p.Amount-p.PlatformFee, step)}}
		}

	case *payloads.CommissionStatusEvent:
		commissionID, kind = p.CommissionID, enums.NotificationTypeCommission
		title, message := "Commission completed", "All milestones are paid. The certificate of authenticity is being issued."
		switch eventType {
		case enums.EventCommissionCancelled:
			title, message = "Commission cancelled", fmt.Sprintf("The commission was cancelled; %d was refunded to the client.", p.Refunded)
		case enums.EventCommissionDisputed:
			kind = enums.NotificationTypeDispute
			title, message = "Commission disputed", "A dispute was raised. Milestone payments are frozen until it is resolved."
		}
		recipients = []recipient{{p.ClientID, title, message}}
		if p.ArtistID != nil {
			recipients = append(recipients, recipient{*p.ArtistID, title, message})
		}

	case *payloads.DisputeResolvedEvent:
		commissionID, kind = p.CommissionID, enums.NotificationTypeDispute
		message := "The dispute was resolved in the artist's favour; outstanding milestones are being paid."
		if p.Outcome == enums.DisputeOutcomeRefund {
			message = "The dispute was resolved in the client's favour; unpaid funds are being refunded."
		}
		recipients = []recipient{
			{p.ClientID, "Dispute resolved", message},
			{p.ArtistID, "Dispute resolved", message},
		}

	case *payloads.CertificateIssuedEvent:
		commissionID, kind = p.CommissionID, enums.NotificationTypeCertificate
		message := fmt.Sprintf("Certificate %s was issued for this artwork.", p.CertificateHandle)
		recipients = []recipient{
			{p.ClientID, "Certificate issued", message},
			{p.ArtistID, "Certificate issued", message},
		}

	default:
		return nil, nil
	}

	link := fmt.Sprintf("/commissions/%s", commissionID)
	rows := make([]models.Notification, 0, len(recipients))
	for _, r := range recipients {
		if r.userID == uuid.Nil {
			continue
		}
		rows = append(rows, models.Notification{
			UserID:       r.userID,
			CommissionID: &commissionID,
			EventID:      &eventID,
			Type:         kind,
			Title:        r.title,
			Message:      r.message,
			Link:         &link,
		})
	}
	return rows, nil
}

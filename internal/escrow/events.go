package escrow

import (
	"time"

	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/outbox/payloads"
	"github.com/google/uuid"
)

func fundedEvent(c *models.Commission, result ledgerResult) payloads.CommissionFundedEvent {
	return payloads.CommissionFundedEvent{
		CommissionID:  c.ID,
		ClientID:      c.ClientID,
		ArtistID:      artistOf(c),
		Amount:        c.Held,
		CustodyHandle: deref(c.CustodyHandle),
		Confirmation:  result.confirmation,
	}
}

func paidEvent(c *models.Commission, m *models.Milestone, fee int64, confirmation string) payloads.MilestoneEvent {
	return payloads.MilestoneEvent{
		CommissionID: c.ID,
		MilestoneID:  m.ID,
		ClientID:     c.ClientID,
		ArtistID:     artistOf(c),
		OrderIndex:   m.OrderIndex,
		Amount:       m.Amount,
		Status:       m.Status,
		PlatformFee:  fee,
		Confirmation: confirmation,
	}
}

func statusEvent(c *models.Commission, reason string, at time.Time) payloads.CommissionStatusEvent {
	return payloads.CommissionStatusEvent{
		CommissionID: c.ID,
		ClientID:     c.ClientID,
		ArtistID:     c.ArtistID,
		Status:       c.Status,
		Released:     c.Released,
		Refunded:     c.Refunded,
		Reason:       reason,
		At:           at,
	}
}

func artistOf(c *models.Commission) uuid.UUID {
	if c.ArtistID == nil {
		return uuid.Nil
	}
	return *c.ArtistID
}

package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/outbox/payloads"
)

func TestSettlementDecodersReturnTypedPayloads(t *testing.T) {
	decoders := SettlementDecoders()
	commissionID := uuid.New()
	raw, _ := json.Marshal(payloads.DisputeResolvedEvent{CommissionID: commissionID, Outcome: enums.DisputeOutcomeRefund})

	for _, version := range []int{0, 1} {
		decoded, err := decoders.Decode(enums.EventDisputeResolved, version, raw)
		if err != nil {
			t.Fatalf("v%d: %v", version, err)
		}
		p, ok := decoded.(*payloads.DisputeResolvedEvent)
		if !ok || p.CommissionID != commissionID || p.Outcome != enums.DisputeOutcomeRefund {
			t.Fatalf("v%d: unexpected payload %#v", version, decoded)
		}
	}
}

func TestDecodeUnknownVersion(t *testing.T) {
	_, err := SettlementDecoders().Decode(enums.EventMilestonePaid, 2, json.RawMessage(`{}`))
	if !errors.Is(err, ErrNoDecoder) {
		t.Fatalf("expected ErrNoDecoder, got %v", err)
	}
}

func TestRegisterAddsVersion(t *testing.T) {
	reg := NewDecoderRegistry()
	reg.Register(enums.EventMilestonePaid, 2, func(json.RawMessage) (any, error) { return "v2", nil })

	got, err := reg.Decode(enums.EventMilestonePaid, 2, nil)
	if err != nil || got != "v2" {
		t.Fatalf("Decode = %v, %v", got, err)
	}
	if _, err := reg.Decode(enums.EventMilestonePaid, 1, nil); !errors.Is(err, ErrNoDecoder) {
		t.Fatalf("v1 was never registered, got %v", err)
	}
}

package ledger

import (
	"fmt"

	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/google/uuid"
)

var tokenNamespace = uuid.MustParse("6f1c2d3e-8a4b-5c6d-9e0f-b21f3e5d7c9a")

// Token derives the idempotency token for one attempt at a custody operation.
// The same subject and attempt always yield the same token.
func Token(commissionID uuid.UUID, milestoneID *uuid.UUID, kind enums.LedgerTransactionKind, attempt int) string {
	subject := "-"
	if milestoneID != nil {
		subject = milestoneID.String()
	}
	name := fmt.Sprintf("%s|%s|%s|%d", commissionID, subject, kind, attempt)
	return uuid.NewSHA1(tokenNamespace, []byte(name)).String()
}

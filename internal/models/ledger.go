package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry_type enums. Amounts are signed: reserve and usage entries are
// negative, everything else positive.
const (
	EntryTypePurchase = "purchase"
	EntryTypeUsage    = "usage"
	EntryTypeRefund   = "refund"
	EntryTypeGrant    = "grant"
	EntryTypeExpire   = "expire"
	EntryTypeReserve  = "reserve"
)

// LedgerEntry is one row in the append-style credit transaction log. A user's
// balance is always SUM(amount) over their entries; there is no stored
// balance counter anywhere.
type LedgerEntry struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	EntryType      string     `json:"entry_type"`
	Amount         int64      `json:"amount"`
	JobID          *uuid.UUID `json:"job_id,omitempty"`
	Note           string     `json:"note,omitempty"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ValidEntryType reports whether t is one of the entry_type enums.
func ValidEntryType(t string) bool {
	switch t {
	case EntryTypePurchase, EntryTypeUsage, EntryTypeRefund, EntryTypeGrant, EntryTypeExpire, EntryTypeReserve:
		return true
	}
	return false
}

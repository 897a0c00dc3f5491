package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a registered user. Credit balance is not stored here: it is
// always derived from the ledger (see internal/ledger).
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelsmith/backend/internal/models"
)

// ErrInsufficientCredits is the sentinel matched by errors.Is when a
// reservation is rejected. The concrete error carries the amounts.
var ErrInsufficientCredits = errors.New("insufficient credits")

// InsufficientCreditsError reports a rejected reservation with the amounts
// the caller needs to surface (mapped to 402 by the API layer).
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Store is the ledger surface the reservation manager needs.
// *ledger.Repository satisfies it; tests use an in-memory implementation.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	InsertIdempotent(ctx context.Context, e *models.LedgerEntry) (uuid.UUID, bool, error)
	InsertIdempotentTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (uuid.UUID, bool, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	BalanceTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error)
	AcquireUserLock(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	ReservedForJobTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (int64, error)
	ConvertReservesToRefundsTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, note string) (int, int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error)
}

// Service is the reservation manager: it guarantees a user is charged
// exactly once per job no matter how many times the job fails, retries, or
// partially completes.
type Service struct {
	store  Store
	policy Policy
}

func NewService(store Store, policy Policy) *Service {
	return &Service{store: store, policy: policy}
}

// RefundPolicy exposes the configured policy for callers that decide
// whether a release is owed (the job state machine's failure path).
func (s *Service) RefundPolicy() Policy {
	return s.policy
}

// Reserve holds amount credits against the job inside the caller's
// transaction. The per-user advisory lock serializes concurrent
// reservations, so of two simultaneous requests that would jointly overdraw
// the account at most one succeeds. On insufficient balance nothing is
// written and the returned error carries required/available.
func (s *Service) Reserve(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	if err := s.store.AcquireUserLock(ctx, tx, userID); err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}
	balance, err := s.store.BalanceTx(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance < amount {
		return &InsufficientCreditsError{Required: amount, Available: balance}
	}
	return s.store.InsertTx(ctx, tx, &models.LedgerEntry{
		UserID:    userID,
		EntryType: models.EntryTypeReserve,
		Amount:    -amount,
		JobID:     &jobID,
		Note:      "credits reserved for render job",
	})
}

// Release converts every outstanding reserve entry for the job into a
// refund entry of the same magnitude and positive sign. Safe to call from
// multiple failure paths: once no reserve rows remain it is a no-op, not an
// error. Returns the total credits returned to the user.
func (s *Service) Release(ctx context.Context, jobID uuid.UUID, note string) (int64, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, total, err := s.store.ConvertReservesToRefundsTx(ctx, tx, jobID, note)
	if err != nil {
		return 0, fmt.Errorf("convert reserves: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit release tx: %w", err)
	}
	return total, nil
}

// Finalize settles the job's charge on pipeline success. The original
// reserve entries stand as the permanent charge; when finalCost differs
// from the reserved total, a compensating usage or refund delta is appended
// so the net charge equals finalCost. The delta carries a per-job
// idempotency key, so Finalize can be re-invoked after a transient failure
// (or by a recovery pass) without double-settling.
func (s *Service) Finalize(ctx context.Context, userID, jobID uuid.UUID, finalCost int64) error {
	if finalCost < 0 {
		return fmt.Errorf("final cost must be non-negative, got %d", finalCost)
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	reserved, err := s.store.ReservedForJobTx(ctx, tx, jobID)
	if err != nil {
		return fmt.Errorf("read reserved total: %w", err)
	}
	settleKey := "job-settle:" + jobID.String()
	switch delta := finalCost - reserved; {
	case delta > 0:
		_, _, err = s.store.InsertIdempotentTx(ctx, tx, &models.LedgerEntry{
			UserID:         userID,
			EntryType:      models.EntryTypeUsage,
			Amount:         -delta,
			JobID:          &jobID,
			Note:           "final cost above reservation",
			IdempotencyKey: &settleKey,
		})
	case delta < 0:
		_, _, err = s.store.InsertIdempotentTx(ctx, tx, &models.LedgerEntry{
			UserID:         userID,
			EntryType:      models.EntryTypeRefund,
			Amount:         -delta,
			JobID:          &jobID,
			Note:           "final cost below reservation",
			IdempotencyKey: &settleKey,
		})
	}
	if err != nil {
		return fmt.Errorf("write finalize delta: %w", err)
	}
	return tx.Commit(ctx)
}

// AddCredits records a positive-side ledger entry (purchase, grant) or an
// expiry deduction. Idempotent on idempotencyKey: a redelivered webhook
// yields the original entry ID and no second increment.
func (s *Service) AddCredits(ctx context.Context, userID uuid.UUID, amount int64, entryType, note, idempotencyKey string) (uuid.UUID, error) {
	switch entryType {
	case models.EntryTypePurchase, models.EntryTypeGrant:
		if amount <= 0 {
			return uuid.Nil, fmt.Errorf("%s amount must be positive, got %d", entryType, amount)
		}
	case models.EntryTypeExpire:
		if amount >= 0 {
			return uuid.Nil, fmt.Errorf("expire amount must be negative, got %d", amount)
		}
	default:
		return uuid.Nil, fmt.Errorf("entry type %q not allowed here", entryType)
	}
	e := &models.LedgerEntry{
		UserID:    userID,
		EntryType: entryType,
		Amount:    amount,
		Note:      note,
	}
	if idempotencyKey != "" {
		e.IdempotencyKey = &idempotencyKey
	}
	id, _, err := s.store.InsertIdempotent(ctx, e)
	return id, err
}

// Balance returns the user's current credit balance (ledger sum).
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.Balance(ctx, userID)
}

// Entries returns the user's ledger, newest first.
func (s *Service) Entries(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error) {
	return s.store.ListByUser(ctx, userID)
}

package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelsmith/backend/internal/models"
)

// Repository is the append-style transaction store. Balances are never
// stored: every read derives them by summing the user's entries, so the
// ledger can be recomputed and audited at any time.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// InsertTx appends a ledger entry inside the given transaction. Assigns the
// entry ID when unset and fills CreatedAt from the database.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, entry_type, amount, job_id, note, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.UserID, e.EntryType, e.Amount, e.JobID, e.Note, e.IdempotencyKey).Scan(&e.CreatedAt)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InsertIdempotent appends a ledger entry, deduplicating on idempotency_key.
// When the key was already used (webhook redelivery), it returns the prior
// entry's ID with duplicate=true and writes nothing.
func (r *Repository) InsertIdempotent(ctx context.Context, e *models.LedgerEntry) (uuid.UUID, bool, error) {
	return insertIdempotent(ctx, r.pool, e)
}

// InsertIdempotentTx is InsertIdempotent inside the caller's transaction.
func (r *Repository) InsertIdempotentTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (uuid.UUID, bool, error) {
	return insertIdempotent(ctx, tx, e)
}

func insertIdempotent(ctx context.Context, q rowQuerier, e *models.LedgerEntry) (uuid.UUID, bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.IdempotencyKey == nil || *e.IdempotencyKey == "" {
		err := q.QueryRow(ctx, `
			INSERT INTO ledger_entries (id, user_id, entry_type, amount, job_id, note, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, NULL)
			RETURNING created_at
		`, e.ID, e.UserID, e.EntryType, e.Amount, e.JobID, e.Note).Scan(&e.CreatedAt)
		return e.ID, false, err
	}

	err := q.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, entry_type, amount, job_id, note, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at
	`, e.ID, e.UserID, e.EntryType, e.Amount, e.JobID, e.Note, e.IdempotencyKey).Scan(&e.CreatedAt)
	if err == nil {
		return e.ID, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, err
	}

	// Conflict: the key already exists. Return the original entry's ID.
	var priorID uuid.UUID
	err = q.QueryRow(ctx, `
		SELECT id FROM ledger_entries WHERE idempotency_key = $1
	`, *e.IdempotencyKey).Scan(&priorID)
	if err != nil {
		return uuid.Nil, false, err
	}
	return priorID, true, nil
}

// Balance returns the signed sum of the user's entries.
func (r *Repository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&total)
	return total, err
}

// BalanceTx is Balance inside the caller's transaction, so the read cannot
// skew against a concurrent mutation in the same transaction scope.
func (r *Repository) BalanceTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&total)
	return total, err
}

// AcquireUserLock takes a per-user advisory lock scoped to the transaction.
// Two concurrent reservations against the same user serialize on it, which
// is what keeps the balance-check-then-insert sequence from overdrawing.
func (r *Repository) AcquireUserLock(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, userID)
	return err
}

// ReservedForJobTx returns the magnitude of credits currently held in
// reserve entries for the job (0 when none remain).
func (r *Repository) ReservedForJobTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (int64, error) {
	var held int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0) FROM ledger_entries
		WHERE job_id = $1 AND entry_type = 'reserve'
	`, jobID).Scan(&held)
	return held, err
}

// ConvertReservesToRefundsTx rewrites every outstanding reserve row for the
// job into a refund row of the same magnitude and positive sign. Returns the
// number of rows converted and the total credits returned. Zero rows is not
// an error: a repeated release is a no-op.
//
// This mutates rows in place rather than appending compensating entries,
// matching the billing flow the rest of the system audits against.
func (r *Repository) ConvertReservesToRefundsTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, note string) (int, int64, error) {
	rows, err := tx.Query(ctx, `
		UPDATE ledger_entries
		SET entry_type = 'refund', amount = -amount, note = $2
		WHERE job_id = $1 AND entry_type = 'reserve'
		RETURNING amount
	`, jobID, note)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	var count int
	var total int64
	for rows.Next() {
		var amount int64
		if err := rows.Scan(&amount); err != nil {
			return 0, 0, err
		}
		count++
		total += amount
	}
	return count, total, rows.Err()
}

// ListByUser returns the user's entries, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, entry_type, amount, job_id, note, idempotency_key, created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var note *string
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntryType, &e.Amount, &e.JobID, &note, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		if note != nil {
			e.Note = *note
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

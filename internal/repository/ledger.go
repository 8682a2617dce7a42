package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"slidecredit/internal/model"
	"slidecredit/internal/plan"
)

// PostgresStore persists accounts and the ledger in PostgreSQL. Every balance
// change locks the account row, updates it and appends the entry inside one
// transaction.
type PostgresStore struct {
	dbPool *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{dbPool: db}
}

const accountColumns = `id, credits, plan, status, subscription_started_at, trial_ends_at,
	slides_generated, presentations_created, exports_used, documents_processed, usage_reset_at,
	created_at, updated_at`

const entryColumns = `id, account_id, kind, change, balance_before, balance_after,
	description, related_id, metadata, created_at`

func (r *PostgresStore) CreateAccount(ctx context.Context, acc model.Account, grant model.Mutation) (model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := pgx.BeginTxFunc(ctx, r.dbPool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		sub := acc.Subscription
		_, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, credits, plan, status, subscription_started_at, trial_ends_at)
			VALUES ($1, 0, $2, $3, $4, $5)`,
			acc.ID, string(sub.Plan), string(sub.Status), sub.StartedAt, sub.TrialEndsAt,
		)
		if err != nil {
			return err
		}
		if grant.Change == 0 {
			return nil
		}
		grant.AccountID = acc.ID
		entry, err = applyTx(ctx, tx, grant)
		return err
	})
	if err != nil {
		return model.LedgerEntry{}, mapPgError(err)
	}
	return entry, nil
}

func (r *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	row := r.dbPool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	return acc, nil
}

// Apply changes the balance and appends the entry atomically. Serialization
// failures are reported as model.ErrConflict so the caller can retry.
func (r *PostgresStore) Apply(ctx context.Context, m model.Mutation) (model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := pgx.BeginTxFunc(ctx, r.dbPool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var err error
		entry, err = applyTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return model.LedgerEntry{}, mapPgError(err)
	}
	return entry, nil
}

func applyTx(ctx context.Context, tx pgx.Tx, m model.Mutation) (model.LedgerEntry, error) {
	var before int64
	err := tx.QueryRow(ctx, `SELECT credits FROM accounts WHERE id = $1 FOR UPDATE`, m.AccountID).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, model.ErrAccountNotFound
	}
	if err != nil {
		return model.LedgerEntry{}, err
	}

	after, err := m.BalanceAfter(before)
	if err != nil {
		return model.LedgerEntry{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET credits = $2, updated_at = now() WHERE id = $1`,
		m.AccountID, after,
	); err != nil {
		return model.LedgerEntry{}, err
	}

	metadata, err := encodeMetadata(m.Metadata)
	if err != nil {
		return model.LedgerEntry{}, err
	}

	entry := model.LedgerEntry{
		ID:            uuid.NewString(),
		AccountID:     m.AccountID,
		Kind:          m.Kind,
		Change:        m.Change,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   m.Description,
		RelatedID:     m.RelatedID,
		Metadata:      m.Metadata.Clone(),
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, change, balance_before, balance_after, description, related_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		entry.ID, entry.AccountID, string(entry.Kind), entry.Change, entry.BalanceBefore, entry.BalanceAfter,
		entry.Description, pgtype.Text{String: entry.RelatedID, Valid: entry.RelatedID != ""}, metadata,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	return entry, nil
}

func (r *PostgresStore) ListEntries(ctx context.Context, f model.EntryFilter) ([]model.LedgerEntry, error) {
	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE account_id = $1
		  AND ($2::text = '' OR kind = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY seq ` + order + `
		LIMIT NULLIF($5::int, 0)`

	rows, err := r.dbPool.Query(ctx, query,
		f.AccountID, string(f.Kind), nullTime(f.Since), nullTime(f.Until), f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *PostgresStore) IncrementUsage(ctx context.Context, accountID string, delta model.Usage) error {
	tag, err := r.dbPool.Exec(ctx, `
		UPDATE accounts SET
			slides_generated      = GREATEST(0, slides_generated + $2),
			presentations_created = GREATEST(0, presentations_created + $3),
			exports_used          = GREATEST(0, exports_used + $4),
			documents_processed   = GREATEST(0, documents_processed + $5),
			updated_at            = now()
		WHERE id = $1`,
		accountID, delta.SlidesGenerated, delta.PresentationsCreated, delta.ExportsUsed, delta.DocumentsProcessed,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		acc      model.Account
		planName string
		status   string
	)
	err := row.Scan(
		&acc.ID, &acc.Credits, &planName, &status, &acc.Subscription.StartedAt, &acc.Subscription.TrialEndsAt,
		&acc.Usage.SlidesGenerated, &acc.Usage.PresentationsCreated, &acc.Usage.ExportsUsed,
		&acc.Usage.DocumentsProcessed, &acc.Usage.LastResetAt,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.Subscription.Plan = plan.Plan(planName)
	acc.Subscription.Status = plan.Status(status)
	return &acc, nil
}

func scanEntry(row pgx.Row) (model.LedgerEntry, error) {
	var (
		e         model.LedgerEntry
		kind      string
		relatedID pgtype.Text
		metadata  []byte
	)
	err := row.Scan(
		&e.ID, &e.AccountID, &kind, &e.Change, &e.BalanceBefore, &e.BalanceAfter,
		&e.Description, &relatedID, &metadata, &e.CreatedAt,
	)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	e.Kind = model.Kind(kind)
	e.RelatedID = relatedID.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return model.LedgerEntry{}, fmt.Errorf("decode metadata of entry %s: %w", e.ID, err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
	}
	return e, nil
}

func encodeMetadata(md model.Metadata) ([]byte, error) {
	if len(md) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

// mapPgError translates driver errors into model errors. Domain errors pass
// through untouched.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.Message)
	case "23505": // unique_violation
		return model.ErrAccountExists
	}
	return fmt.Errorf("database error: %w", err)
}

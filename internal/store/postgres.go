package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kudiflow/paycore/internal/domain"
)

// Postgres implements Store on a pgx connection pool. Status transitions are
// conditional UPDATE ... WHERE status = ANY(expected) writes; balance guards
// take a per-account advisory transaction lock so the derived-balance check
// and the debit insert observe a consistent snapshot.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

func (s *Postgres) Close() {
	s.db.Close()
}

// Migrate creates the schema the core depends on. The unique index on
// (provider, provider_ref) backs the webhook reconciliation's exactly-one
// pending match assumption.
func (s *Postgres) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
	id         UUID PRIMARY KEY,
	phone      TEXT NOT NULL UNIQUE,
	pin_hash   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id              UUID PRIMARY KEY,
	idempotency_key TEXT,
	sender_id       UUID,
	recipient_id    UUID,
	kind            TEXT NOT NULL,
	amount_usdc     BIGINT NOT NULL,
	fee_usdc        BIGINT NOT NULL,
	amount_ngn      BIGINT,
	rate_ngn        NUMERIC,
	status          TEXT NOT NULL,
	related_type    TEXT,
	related_id      UUID,
	provider        TEXT,
	provider_ref    TEXT,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
-- Failed transactions are excluded: a failure releases the key so the same
-- request may be retried.
CREATE UNIQUE INDEX IF NOT EXISTS uq_tx_sender_idem
	ON transactions (sender_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL AND status <> 'failed';
CREATE UNIQUE INDEX IF NOT EXISTS uq_tx_provider_ref
	ON transactions (provider, provider_ref)
	WHERE provider_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tx_sender ON transactions (sender_id);
CREATE INDEX IF NOT EXISTS idx_tx_recipient ON transactions (recipient_id);

CREATE TABLE IF NOT EXISTS escrows (
	id               UUID PRIMARY KEY,
	claim_token      TEXT NOT NULL UNIQUE,
	transaction_id   UUID NOT NULL REFERENCES transactions (id),
	sender_id        UUID NOT NULL,
	recipient_phone  TEXT NOT NULL,
	recipient_id     UUID,
	amount_usdc      BIGINT NOT NULL,
	fee_usdc         BIGINT NOT NULL,
	status           TEXT NOT NULL,
	cancellable_until TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	claimed_at       TIMESTAMPTZ,
	cancelled_at     TIMESTAMPTZ,
	refunded_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_pending_expiry ON escrows (expires_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS idempotency_keys (
	caller_id       UUID NOT NULL,
	key             TEXT NOT NULL,
	request_hash    TEXT NOT NULL DEFAULT '',
	response_status INT NOT NULL,
	response_body   BYTEA NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (caller_id, key)
);

CREATE TABLE IF NOT EXISTS pools (
	id          UUID PRIMARY KEY,
	owner_id    UUID NOT NULL,
	name        TEXT NOT NULL,
	target_usdc BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS splits (
	id         UUID PRIMARY KEY,
	creator_id UUID NOT NULL,
	reason     TEXT NOT NULL,
	total_usdc BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS split_shares (
	split_id       UUID NOT NULL REFERENCES splits (id),
	participant_id UUID NOT NULL,
	amount_usdc    BIGINT NOT NULL,
	paid           BOOLEAN NOT NULL DEFAULT FALSE,
	paid_tx_id     UUID,
	PRIMARY KEY (split_id, participant_id)
);
`
	_, err := s.db.Exec(ctx, ddl)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Postgres) CreateAccount(ctx context.Context, acct domain.Account) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO accounts (id, phone, pin_hash, created_at) VALUES ($1, $2, $3, $4)",
		acct.ID, acct.Phone, acct.PINHash, acct.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRow(ctx,
		"SELECT id::text, phone, pin_hash, created_at FROM accounts WHERE id = $1", id))
}

func (s *Postgres) GetAccountByPhone(ctx context.Context, phone string) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRow(ctx,
		"SELECT id::text, phone, pin_hash, created_at FROM accounts WHERE phone = $1", phone))
}

func (s *Postgres) scanAccount(row pgx.Row) (*domain.Account, error) {
	var acct domain.Account
	var id string
	err := row.Scan(&id, &acct.Phone, &acct.PINHash, &acct.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTransaction(ctx context.Context, q execer, tx domain.Transaction) error {
	var meta []byte
	if tx.Metadata != nil {
		var err error
		meta, err = json.Marshal(tx.Metadata)
		if err != nil {
			return err
		}
	}
	var rate *string
	if tx.RateNGN != nil {
		s := tx.RateNGN.String()
		rate = &s
	}
	_, err := q.Exec(ctx, `
INSERT INTO transactions (
	id, idempotency_key, sender_id, recipient_id, kind, amount_usdc, fee_usdc,
	amount_ngn, rate_ngn, status, related_type, related_id, provider,
	provider_ref, metadata, created_at, updated_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		tx.ID, tx.IdempotencyKey, tx.SenderID, tx.RecipientID, string(tx.Kind),
		tx.AmountUSDC, tx.FeeUSDC, tx.AmountNGN, rate, string(tx.Status),
		tx.RelatedType, tx.RelatedID, tx.Provider, tx.ProviderRef, meta,
		tx.CreatedAt, tx.UpdatedAt, tx.CompletedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

const txColumns = `
	id::text, idempotency_key, sender_id::text, recipient_id::text, kind,
	amount_usdc, fee_usdc, amount_ngn, rate_ngn::text, status, related_type,
	related_id::text, provider, provider_ref, metadata, created_at,
	updated_at, completed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var id string
	var sender, recipient, rate, relatedType, relatedID *string
	var kind, status string
	var meta []byte
	err := row.Scan(&id, &tx.IdempotencyKey, &sender, &recipient, &kind,
		&tx.AmountUSDC, &tx.FeeUSDC, &tx.AmountNGN, &rate, &status, &relatedType,
		&relatedID, &tx.Provider, &tx.ProviderRef, &meta, &tx.CreatedAt,
		&tx.UpdatedAt, &tx.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	tx.Kind = domain.TxKind(kind)
	tx.Status = domain.TxStatus(status)
	if sender != nil {
		u, err := uuid.Parse(*sender)
		if err != nil {
			return nil, err
		}
		tx.SenderID = &u
	}
	if recipient != nil {
		u, err := uuid.Parse(*recipient)
		if err != nil {
			return nil, err
		}
		tx.RecipientID = &u
	}
	if rate != nil {
		d, err := decimal.NewFromString(*rate)
		if err != nil {
			return nil, err
		}
		tx.RateNGN = &d
	}
	if relatedType != nil {
		rt := domain.RelatedType(*relatedType)
		tx.RelatedType = &rt
	}
	if relatedID != nil {
		u, err := uuid.Parse(*relatedID)
		if err != nil {
			return nil, err
		}
		tx.RelatedID = &u
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

const availableQuery = `
SELECT COALESCE((SELECT SUM(amount_usdc) FROM transactions
	WHERE recipient_id = $1 AND status = 'completed'), 0)
	- COALESCE((SELECT SUM(amount_usdc + fee_usdc) FROM transactions
	WHERE sender_id = $1), 0)`

// lockAccount serializes guarded debits per account for the duration of the
// surrounding database transaction.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", accountID.String())
	return err
}

func (s *Postgres) guardedInsert(ctx context.Context, senderID uuid.UUID, totalDebit int64, insert func(pgx.Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer dbtx.Rollback(ctx)

	if err := lockAccount(ctx, dbtx, senderID); err != nil {
		return err
	}
	var available int64
	if err := dbtx.QueryRow(ctx, availableQuery, senderID).Scan(&available); err != nil {
		return err
	}
	if available < totalDebit {
		return ErrInsufficientBalance
	}
	if err := insert(dbtx); err != nil {
		return err
	}
	return dbtx.Commit(ctx)
}

func (s *Postgres) InsertDebit(ctx context.Context, tx domain.Transaction, totalDebit int64) error {
	if tx.SenderID == nil {
		return ErrNotFound
	}
	return s.guardedInsert(ctx, *tx.SenderID, totalDebit, func(dbtx pgx.Tx) error {
		return insertTransaction(ctx, dbtx, tx)
	})
}

func (s *Postgres) InsertCredit(ctx context.Context, tx domain.Transaction) error {
	return insertTransaction(ctx, s.db, tx)
}

func (s *Postgres) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx,
		"SELECT"+txColumns+" FROM transactions WHERE id = $1", id))
}

func (s *Postgres) ListAccountTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		"SELECT"+txColumns+" FROM transactions WHERE sender_id = $1 OR recipient_id = $1 ORDER BY created_at DESC LIMIT $2",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func statusesToStrings(in []domain.TxStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (s *Postgres) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from []domain.TxStatus, to domain.TxStatus, completedAt *time.Time) (bool, error) {
	return updateTxStatus(ctx, s.db, id, from, to, completedAt)
}

func updateTxStatus(ctx context.Context, q execer, id uuid.UUID, from []domain.TxStatus, to domain.TxStatus, completedAt *time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
UPDATE transactions
SET status = $2, updated_at = NOW(),
	completed_at = CASE WHEN $2 = 'completed' THEN $3 ELSE completed_at END
WHERE id = $1 AND status = ANY($4)`,
		id, string(to), completedAt, statusesToStrings(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) AttachProviderMetadata(ctx context.Context, id uuid.UUID, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE transactions SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb WHERE id = $1",
		id, meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) FindByProviderRef(ctx context.Context, provider, ref string, in []domain.TxStatus) (*domain.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx,
		"SELECT"+txColumns+" FROM transactions WHERE provider = $1 AND provider_ref = $2 AND status = ANY($3)",
		provider, ref, statusesToStrings(in)))
}

func (s *Postgres) FailWithRefund(ctx context.Context, id uuid.UUID, from []domain.TxStatus, refund domain.Transaction) (bool, error) {
	dbtx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer dbtx.Rollback(ctx)

	matched, err := updateTxStatus(ctx, dbtx, id, from, domain.TxFailed, nil)
	if err != nil || !matched {
		return false, err
	}
	if err := insertTransaction(ctx, dbtx, refund); err != nil {
		return false, err
	}
	return true, dbtx.Commit(ctx)
}

func (s *Postgres) SetProviderRef(ctx context.Context, id uuid.UUID, provider, ref string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE transactions SET provider = $2, provider_ref = $3, updated_at = NOW() WHERE id = $1",
		id, provider, ref)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) AdjustPendingAmount(ctx context.Context, id uuid.UUID, amount int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE transactions SET amount_usdc = $2, updated_at = NOW() WHERE id = $1 AND status IN ('pending', 'processing')",
		id, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ComputeBalance(ctx context.Context, accountID uuid.UUID) (*domain.Balance, error) {
	bal := &domain.Balance{AccountID: accountID}
	err := s.db.QueryRow(ctx, availableQuery, accountID).Scan(&bal.Available)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRow(ctx, `
SELECT COALESCE(SUM(amount_usdc), 0) FROM transactions
WHERE recipient_id = $1 AND status IN ('pending', 'processing')`, accountID).Scan(&bal.PendingIn)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRow(ctx, `
SELECT COALESCE(SUM(amount_usdc), 0) FROM escrows
WHERE sender_id = $1 AND status = 'pending'`, accountID).Scan(&bal.EscrowLocked)
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (s *Postgres) CreateEscrow(ctx context.Context, esc domain.Escrow, tx domain.Transaction, totalDebit int64) error {
	return s.guardedInsert(ctx, esc.SenderID, totalDebit, func(dbtx pgx.Tx) error {
		if err := insertTransaction(ctx, dbtx, tx); err != nil {
			return err
		}
		_, err := dbtx.Exec(ctx, `
INSERT INTO escrows (
	id, claim_token, transaction_id, sender_id, recipient_phone, recipient_id,
	amount_usdc, fee_usdc, status, cancellable_until, expires_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			esc.ID, esc.ClaimToken, esc.TransactionID, esc.SenderID,
			esc.RecipientPhone, esc.RecipientID, esc.AmountUSDC, esc.FeeUSDC,
			string(esc.Status), esc.CancellableUntil, esc.ExpiresAt, esc.CreatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	})
}

const escrowColumns = `
	id::text, claim_token, transaction_id::text, sender_id::text,
	recipient_phone, recipient_id::text, amount_usdc, fee_usdc, status,
	cancellable_until, expires_at, claimed_at, cancelled_at, refunded_at,
	created_at`

func scanEscrow(row pgx.Row) (*domain.Escrow, error) {
	var esc domain.Escrow
	var id, txID, senderID string
	var recipientID *string
	var status string
	err := row.Scan(&id, &esc.ClaimToken, &txID, &senderID, &esc.RecipientPhone,
		&recipientID, &esc.AmountUSDC, &esc.FeeUSDC, &status,
		&esc.CancellableUntil, &esc.ExpiresAt, &esc.ClaimedAt, &esc.CancelledAt,
		&esc.RefundedAt, &esc.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if esc.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if esc.TransactionID, err = uuid.Parse(txID); err != nil {
		return nil, err
	}
	if esc.SenderID, err = uuid.Parse(senderID); err != nil {
		return nil, err
	}
	if recipientID != nil {
		u, err := uuid.Parse(*recipientID)
		if err != nil {
			return nil, err
		}
		esc.RecipientID = &u
	}
	esc.Status = domain.EscrowStatus(status)
	return &esc, nil
}

func (s *Postgres) GetEscrow(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	return scanEscrow(s.db.QueryRow(ctx,
		"SELECT"+escrowColumns+" FROM escrows WHERE id = $1", id))
}

func (s *Postgres) GetEscrowByToken(ctx context.Context, token string) (*domain.Escrow, error) {
	return scanEscrow(s.db.QueryRow(ctx,
		"SELECT"+escrowColumns+" FROM escrows WHERE claim_token = $1", token))
}

func (s *Postgres) ClaimEscrow(ctx context.Context, escrowID uuid.UUID, recipientID uuid.UUID, at time.Time, claimTx domain.Transaction) (bool, error) {
	dbtx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer dbtx.Rollback(ctx)

	var originTxID string
	err = dbtx.QueryRow(ctx, `
UPDATE escrows SET status = 'claimed', claimed_at = $2, recipient_id = $3
WHERE id = $1 AND status = 'pending'
RETURNING transaction_id::text`, escrowID, at, recipientID).Scan(&originTxID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	origin, err := uuid.Parse(originTxID)
	if err != nil {
		return false, err
	}
	if _, err := updateTxStatus(ctx, dbtx, origin,
		[]domain.TxStatus{domain.TxPending, domain.TxProcessing}, domain.TxCompleted, &at); err != nil {
		return false, err
	}
	if err := insertTransaction(ctx, dbtx, claimTx); err != nil {
		return false, err
	}
	return true, dbtx.Commit(ctx)
}

func (s *Postgres) CancelEscrow(ctx context.Context, escrowID uuid.UUID, at time.Time, refundTx domain.Transaction) (bool, error) {
	return s.refundingTransition(ctx, escrowID,
		"UPDATE escrows SET status = 'cancelled', cancelled_at = $2, refunded_at = $2 WHERE id = $1 AND status = 'pending' RETURNING transaction_id::text",
		domain.TxCancelled, at, refundTx)
}

func (s *Postgres) ExpireEscrow(ctx context.Context, escrowID uuid.UUID, at time.Time, refundTx domain.Transaction) (bool, error) {
	return s.refundingTransition(ctx, escrowID,
		"UPDATE escrows SET status = 'expired', refunded_at = $2 WHERE id = $1 AND status = 'pending' RETURNING transaction_id::text",
		domain.TxExpired, at, refundTx)
}

func (s *Postgres) refundingTransition(ctx context.Context, escrowID uuid.UUID, casQuery string, txTo domain.TxStatus, at time.Time, refundTx domain.Transaction) (bool, error) {
	dbtx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer dbtx.Rollback(ctx)

	var originTxID string
	err = dbtx.QueryRow(ctx, casQuery, escrowID, at).Scan(&originTxID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	origin, err := uuid.Parse(originTxID)
	if err != nil {
		return false, err
	}
	if _, err := updateTxStatus(ctx, dbtx, origin,
		[]domain.TxStatus{domain.TxPending, domain.TxProcessing}, txTo, nil); err != nil {
		return false, err
	}
	if err := insertTransaction(ctx, dbtx, refundTx); err != nil {
		return false, err
	}
	return true, dbtx.Commit(ctx)
}

func (s *Postgres) ListExpiredPending(ctx context.Context, now time.Time) ([]domain.Escrow, error) {
	rows, err := s.db.Query(ctx,
		"SELECT"+escrowColumns+" FROM escrows WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at",
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Escrow
	for rows.Next() {
		esc, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *esc)
	}
	return out, rows.Err()
}

func (s *Postgres) GetIdempotency(ctx context.Context, callerID uuid.UUID, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{CallerID: callerID, Key: key}
	err := s.db.QueryRow(ctx, `
SELECT request_hash, response_status, response_body, expires_at FROM idempotency_keys
WHERE caller_id = $1 AND key = $2 AND expires_at > $3`,
		callerID, key, now).Scan(&rec.RequestHash, &rec.ResponseStatus, &rec.ResponseBody, &rec.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Postgres) PutIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO idempotency_keys (caller_id, key, request_hash, response_status, response_body, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (caller_id, key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
	response_status = EXCLUDED.response_status,
	response_body = EXCLUDED.response_body,
	expires_at = EXCLUDED.expires_at`,
		rec.CallerID, rec.Key, rec.RequestHash, rec.ResponseStatus, rec.ResponseBody, rec.ExpiresAt)
	return err
}

func (s *Postgres) CreatePool(ctx context.Context, p domain.Pool) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO pools (id, owner_id, name, target_usdc, created_at) VALUES ($1,$2,$3,$4,$5)",
		p.ID, p.OwnerID, p.Name, p.TargetUSDC, p.CreatedAt)
	return err
}

func (s *Postgres) GetPool(ctx context.Context, id uuid.UUID) (*domain.Pool, error) {
	var p domain.Pool
	var pid, owner string
	err := s.db.QueryRow(ctx,
		"SELECT id::text, owner_id::text, name, target_usdc, created_at FROM pools WHERE id = $1", id).
		Scan(&pid, &owner, &p.Name, &p.TargetUSDC, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(pid); err != nil {
		return nil, err
	}
	if p.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Postgres) CreateSplit(ctx context.Context, sp domain.Split, shares []domain.SplitShare) error {
	dbtx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	_, err = dbtx.Exec(ctx,
		"INSERT INTO splits (id, creator_id, reason, total_usdc, created_at) VALUES ($1,$2,$3,$4,$5)",
		sp.ID, sp.CreatorID, sp.Reason, sp.TotalUSDC, sp.CreatedAt)
	if err != nil {
		return err
	}
	for _, sh := range shares {
		_, err = dbtx.Exec(ctx,
			"INSERT INTO split_shares (split_id, participant_id, amount_usdc) VALUES ($1,$2,$3)",
			sh.SplitID, sh.ParticipantID, sh.AmountUSDC)
		if err != nil {
			return err
		}
	}
	return dbtx.Commit(ctx)
}

func (s *Postgres) GetSplit(ctx context.Context, id uuid.UUID) (*domain.Split, error) {
	var sp domain.Split
	var sid, creator string
	err := s.db.QueryRow(ctx,
		"SELECT id::text, creator_id::text, reason, total_usdc, created_at FROM splits WHERE id = $1", id).
		Scan(&sid, &creator, &sp.Reason, &sp.TotalUSDC, &sp.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sp.ID, err = uuid.Parse(sid); err != nil {
		return nil, err
	}
	if sp.CreatorID, err = uuid.Parse(creator); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *Postgres) GetSplitShare(ctx context.Context, splitID, participantID uuid.UUID) (*domain.SplitShare, error) {
	var sh domain.SplitShare
	var split, participant string
	var paidTx *string
	err := s.db.QueryRow(ctx, `
SELECT split_id::text, participant_id::text, amount_usdc, paid, paid_tx_id::text
FROM split_shares WHERE split_id = $1 AND participant_id = $2`,
		splitID, participantID).
		Scan(&split, &participant, &sh.AmountUSDC, &sh.Paid, &paidTx)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sh.SplitID, err = uuid.Parse(split); err != nil {
		return nil, err
	}
	if sh.ParticipantID, err = uuid.Parse(participant); err != nil {
		return nil, err
	}
	if paidTx != nil {
		u, err := uuid.Parse(*paidTx)
		if err != nil {
			return nil, err
		}
		sh.PaidTxID = &u
	}
	return &sh, nil
}

func (s *Postgres) PaySplitShare(ctx context.Context, splitID, participantID uuid.UUID, tx domain.Transaction, totalDebit int64) (bool, error) {
	dbtx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return false, err
	}
	defer dbtx.Rollback(ctx)

	tag, err := dbtx.Exec(ctx,
		"UPDATE split_shares SET paid = TRUE, paid_tx_id = $3 WHERE split_id = $1 AND participant_id = $2 AND paid = FALSE",
		splitID, participantID, tx.ID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err = s.db.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM split_shares WHERE split_id = $1 AND participant_id = $2)",
			splitID, participantID).Scan(&exists)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}

	if err := lockAccount(ctx, dbtx, participantID); err != nil {
		return false, err
	}
	var available int64
	if err := dbtx.QueryRow(ctx, availableQuery, participantID).Scan(&available); err != nil {
		return false, err
	}
	if available < totalDebit {
		return false, ErrInsufficientBalance
	}
	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return false, err
	}
	return true, dbtx.Commit(ctx)
}

// Package store is the persistence boundary of the money-movement core. It
// exposes the contract the core requires: atomic conditional updates
// (compare-and-swap on status), unique constraints on idempotency keys,
// claim tokens and provider references, and a balance read model computed
// from transaction and escrow history.
//
// Two implementations exist: Postgres (production) and an in-memory mirror
// with identical semantics used by tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kudiflow/paycore/internal/domain"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	ErrDuplicateKey        = errors.New("store: duplicate key")
)

// Store is the persistence contract. Every method that changes more than one
// row does so atomically; every guarded method performs its balance check
// and its insert as one serialized operation per account.
type Store interface {
	// Accounts.
	CreateAccount(ctx context.Context, acct domain.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetAccountByPhone(ctx context.Context, phone string) (*domain.Account, error)

	// Transactions.

	// InsertDebit atomically verifies that sender's available balance covers
	// totalDebit and inserts tx. Returns ErrInsufficientBalance otherwise.
	InsertDebit(ctx context.Context, tx domain.Transaction, totalDebit int64) error
	// InsertCredit inserts a transaction that needs no balance guard
	// (system credits, refunds, claims).
	InsertCredit(ctx context.Context, tx domain.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListAccountTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error)
	// UpdateTransactionStatus applies status = to only if the current status
	// is one of from. Reports whether the write matched.
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from []domain.TxStatus, to domain.TxStatus, completedAt *time.Time) (bool, error)
	// AttachProviderMetadata merges metadata into the transaction for audit.
	// Permitted in any status, including terminal ones.
	AttachProviderMetadata(ctx context.Context, id uuid.UUID, metadata map[string]string) error
	// FindByProviderRef locates the single transaction carrying the provider
	// reference whose status is one of in. Uniqueness of (provider, ref) is
	// enforced at insert.
	FindByProviderRef(ctx context.Context, provider, ref string, in []domain.TxStatus) (*domain.Transaction, error)
	// FailWithRefund atomically moves the transaction to failed (only from
	// one of from) and inserts the compensating credit. Reports whether the
	// conditional write matched.
	FailWithRefund(ctx context.Context, id uuid.UUID, from []domain.TxStatus, refund domain.Transaction) (bool, error)
	// SetProviderRef binds the provider-assigned transfer identifier to the
	// transaction once the provider job exists. Fails with ErrDuplicateKey
	// if another transaction already carries (provider, ref).
	SetProviderRef(ctx context.Context, id uuid.UUID, provider, ref string) error
	// AdjustPendingAmount records the actually settled amount reported by
	// the provider. Only valid while the transaction is still non-terminal.
	AdjustPendingAmount(ctx context.Context, id uuid.UUID, amount int64) (bool, error)

	// Balance read model.
	ComputeBalance(ctx context.Context, accountID uuid.UUID) (*domain.Balance, error)

	// Escrow.

	// CreateEscrow atomically guards the sender's balance for totalDebit and
	// inserts the escrow row together with its originating transaction.
	CreateEscrow(ctx context.Context, esc domain.Escrow, tx domain.Transaction, totalDebit int64) error
	GetEscrow(ctx context.Context, id uuid.UUID) (*domain.Escrow, error)
	GetEscrowByToken(ctx context.Context, token string) (*domain.Escrow, error)
	// ClaimEscrow performs the pending→claimed transition as one atomic unit:
	// CAS on escrow status, set claimed_at and recipient, mark the
	// originating transaction completed, insert the claim credit. Reports
	// whether the CAS won.
	ClaimEscrow(ctx context.Context, escrowID uuid.UUID, recipientID uuid.UUID, at time.Time, claimTx domain.Transaction) (bool, error)
	// CancelEscrow performs pending→cancelled with the sender refund.
	CancelEscrow(ctx context.Context, escrowID uuid.UUID, at time.Time, refundTx domain.Transaction) (bool, error)
	// ExpireEscrow performs pending→expired with the sender refund.
	ExpireEscrow(ctx context.Context, escrowID uuid.UUID, at time.Time, refundTx domain.Transaction) (bool, error)
	// ListExpiredPending returns escrows still pending whose deadline passed.
	ListExpiredPending(ctx context.Context, now time.Time) ([]domain.Escrow, error)

	// Idempotency. Get returns ErrNotFound for absent or expired records;
	// a store failure is returned as-is so callers can abort instead of
	// risking double execution. Put has upsert semantics.
	GetIdempotency(ctx context.Context, callerID uuid.UUID, key string, now time.Time) (*domain.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error

	// Pools and splits.
	CreatePool(ctx context.Context, p domain.Pool) error
	GetPool(ctx context.Context, id uuid.UUID) (*domain.Pool, error)
	CreateSplit(ctx context.Context, s domain.Split, shares []domain.SplitShare) error
	GetSplit(ctx context.Context, id uuid.UUID) (*domain.Split, error)
	GetSplitShare(ctx context.Context, splitID, participantID uuid.UUID) (*domain.SplitShare, error)
	// PaySplitShare atomically marks the share paid (CAS on paid=false),
	// guards the participant's balance and inserts the payment transaction.
	PaySplitShare(ctx context.Context, splitID, participantID uuid.UUID, tx domain.Transaction, totalDebit int64) (bool, error)
}

// Package ledger owns the transaction record: every value movement is
// created here, already fee-priced and balance-guarded, before any other
// component sees it.
package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kudiflow/paycore/internal/apperr"
	"github.com/kudiflow/paycore/internal/clock"
	"github.com/kudiflow/paycore/internal/domain"
	"github.com/kudiflow/paycore/internal/fees"
	"github.com/kudiflow/paycore/internal/store"
)

// BillerClient submits a bill payment to an external biller aggregator.
// The call happens after the debit is committed; a failure here triggers a
// compensating refund, never a rollback.
type BillerClient interface {
	Pay(ctx context.Context, category, billerRef string, amountUSDC int64) error
}

type Service struct {
	store  store.Store
	fees   fees.Schedule
	clock  clock.Clock
	biller BillerClient
	logger *slog.Logger
}

func New(st store.Store, schedule fees.Schedule, clk clock.Clock, biller BillerClient, logger *slog.Logger) *Service {
	return &Service{store: st, fees: schedule, clock: clk, biller: biller, logger: logger}
}

// SendParams is the validated draft for a registered-to-registered transfer.
type SendParams struct {
	SenderID       uuid.UUID
	RecipientID    uuid.UUID
	AmountUSDC     int64
	IdempotencyKey *string
}

// Send executes a direct P2P transfer. The debit check and the insert are
// one atomic store operation; the transaction is born completed because both
// parties are resolvable immediately.
func (s *Service) Send(ctx context.Context, p SendParams) (*domain.Transaction, error) {
	if p.AmountUSDC <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	if p.SenderID == p.RecipientID {
		return nil, apperr.Validation("cannot send to self")
	}

	now := s.clock.Now()
	fee := s.fees.Fee(p.AmountUSDC, fees.KindSend)
	tx := domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: p.IdempotencyKey,
		SenderID:       &p.SenderID,
		RecipientID:    &p.RecipientID,
		Kind:           domain.KindSend,
		AmountUSDC:     p.AmountUSDC,
		FeeUSDC:        fee,
		Status:         domain.TxCompleted,
		CreatedAt:      now,
		UpdatedAt:      now,
		CompletedAt:    &now,
	}
	if err := s.insertDebit(ctx, tx, p.AmountUSDC+fee); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Service) insertDebit(ctx context.Context, tx domain.Transaction, totalDebit int64) error {
	err := s.store.InsertDebit(ctx, tx, totalDebit)
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return apperr.InsufficientBalance("balance does not cover amount plus fee")
	case errors.Is(err, store.ErrDuplicateKey):
		return apperr.Conflict("a transaction with this idempotency key already exists")
	case err != nil:
		return apperr.Upstream("could not record transaction", err)
	}
	return nil
}

// Complete moves a transaction into its terminal success state. Valid only
// from pending or processing.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) error {
	now := s.clock.Now()
	matched, err := s.store.UpdateTransactionStatus(ctx, id,
		[]domain.TxStatus{domain.TxPending, domain.TxProcessing}, domain.TxCompleted, &now)
	if err != nil {
		return apperr.Upstream("could not complete transaction", err)
	}
	if !matched {
		return apperr.Conflict("transaction is not in a completable state")
	}
	return nil
}

// Fail moves a transaction to failed. Failing an already-failed transaction
// is a no-op; failing any other terminal state is a conflict.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	matched, err := s.store.UpdateTransactionStatus(ctx, id,
		[]domain.TxStatus{domain.TxPending, domain.TxProcessing}, domain.TxFailed, nil)
	if err != nil {
		return apperr.Upstream("could not fail transaction", err)
	}
	if matched {
		if err := s.store.AttachProviderMetadata(ctx, id, map[string]string{"failure_reason": reason}); err != nil {
			s.logger.Warn("could not attach failure reason", "tx_id", id, "err", err)
		}
		return nil
	}
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("transaction not found")
		}
		return apperr.Upstream("could not load transaction", err)
	}
	if tx.Status == domain.TxFailed {
		return nil
	}
	return apperr.Conflict("transaction already reached a terminal state")
}

// Balance returns the derived read model for an account.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (*domain.Balance, error) {
	bal, err := s.store.ComputeBalance(ctx, accountID)
	if err != nil {
		return nil, apperr.Upstream("could not compute balance", err)
	}
	return bal, nil
}

// Transaction fetches one transaction by id, restricted to its parties.
func (s *Service) Transaction(ctx context.Context, id, callerID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("transaction not found")
		}
		return nil, apperr.Upstream("could not load transaction", err)
	}
	isParty := (tx.SenderID != nil && *tx.SenderID == callerID) ||
		(tx.RecipientID != nil && *tx.RecipientID == callerID)
	if !isParty {
		return nil, apperr.Authorization("caller is not a party to this transaction")
	}
	return tx, nil
}

// History lists an account's recent transactions, newest first.
func (s *Service) History(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	txs, err := s.store.ListAccountTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, apperr.Upstream("could not list transactions", err)
	}
	return txs, nil
}

// CreatePool registers a contribution pool owned by the caller.
func (s *Service) CreatePool(ctx context.Context, ownerID uuid.UUID, name string, targetUSDC int64) (*domain.Pool, error) {
	if name == "" {
		return nil, apperr.Validation("pool name is required")
	}
	if targetUSDC < 0 {
		return nil, apperr.Validation("pool target cannot be negative")
	}
	p := domain.Pool{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Name:       name,
		TargetUSDC: targetUSDC,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.CreatePool(ctx, p); err != nil {
		return nil, apperr.Upstream("could not create pool", err)
	}
	return &p, nil
}

// Contribute moves value from the contributor into the pool aggregate. Pool
// balances ride the same ledger math as accounts: the pool id is the
// recipient, so ComputeBalance(poolID) is the pool's balance.
func (s *Service) Contribute(ctx context.Context, poolID, contributorID uuid.UUID, amountUSDC int64, idemKey *string) (*domain.Transaction, error) {
	if amountUSDC <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("pool not found")
		}
		return nil, apperr.Upstream("could not load pool", err)
	}

	now := s.clock.Now()
	rt := domain.RelatedPool
	tx := domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: idemKey,
		SenderID:       &contributorID,
		RecipientID:    &pool.ID,
		Kind:           domain.KindPoolContrib,
		AmountUSDC:     amountUSDC,
		Status:         domain.TxCompleted,
		RelatedType:    &rt,
		RelatedID:      &pool.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
		CompletedAt:    &now,
	}
	if err := s.insertDebit(ctx, tx, amountUSDC); err != nil {
		return nil, err
	}
	return &tx, nil
}

// WithdrawPool moves value from the pool back to its owner. Only the owner
// may withdraw, and the pool's own derived balance is the guard.
func (s *Service) WithdrawPool(ctx context.Context, poolID, callerID uuid.UUID, amountUSDC int64, idemKey *string) (*domain.Transaction, error) {
	if amountUSDC <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("pool not found")
		}
		return nil, apperr.Upstream("could not load pool", err)
	}
	if pool.OwnerID != callerID {
		return nil, apperr.Authorization("only the pool owner may withdraw")
	}

	now := s.clock.Now()
	rt := domain.RelatedPool
	tx := domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: idemKey,
		SenderID:       &pool.ID,
		RecipientID:    &callerID,
		Kind:           domain.KindPoolWithdraw,
		AmountUSDC:     amountUSDC,
		Status:         domain.TxCompleted,
		RelatedType:    &rt,
		RelatedID:      &pool.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
		CompletedAt:    &now,
	}
	if err := s.insertDebit(ctx, tx, amountUSDC); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateSplit divides a bill among participants. Shares must sum to the
// total; the creator is credited as each participant pays.
func (s *Service) CreateSplit(ctx context.Context, creatorID uuid.UUID, reason string, shares map[uuid.UUID]int64) (*domain.Split, error) {
	if len(shares) == 0 {
		return nil, apperr.Validation("at least one participant share is required")
	}
	var total int64
	for participant, amount := range shares {
		if amount <= 0 {
			return nil, apperr.Validation("share amounts must be positive")
		}
		if participant == creatorID {
			return nil, apperr.Validation("the split creator cannot owe themselves")
		}
		total += amount
	}

	sp := domain.Split{
		ID:        uuid.New(),
		CreatorID: creatorID,
		Reason:    reason,
		TotalUSDC: total,
		CreatedAt: s.clock.Now(),
	}
	rows := make([]domain.SplitShare, 0, len(shares))
	for participant, amount := range shares {
		rows = append(rows, domain.SplitShare{
			SplitID:       sp.ID,
			ParticipantID: participant,
			AmountUSDC:    amount,
		})
	}
	if err := s.store.CreateSplit(ctx, sp, rows); err != nil {
		return nil, apperr.Upstream("could not create split", err)
	}
	return &sp, nil
}

// PaySplitShare settles the caller's share of a split. The share row's
// conditional update arbitrates concurrent double-pays.
func (s *Service) PaySplitShare(ctx context.Context, splitID, participantID uuid.UUID, idemKey *string) (*domain.Transaction, error) {
	sp, err := s.store.GetSplit(ctx, splitID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("split not found")
		}
		return nil, apperr.Upstream("could not load split", err)
	}
	share, err := s.store.GetSplitShare(ctx, splitID, participantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("caller has no share in this split")
		}
		return nil, apperr.Upstream("could not load share", err)
	}

	now := s.clock.Now()
	rt := domain.RelatedSplit
	tx := domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: idemKey,
		SenderID:       &participantID,
		RecipientID:    &sp.CreatorID,
		Kind:           domain.KindBillSplitPay,
		AmountUSDC:     share.AmountUSDC,
		Status:         domain.TxCompleted,
		RelatedType:    &rt,
		RelatedID:      &sp.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
		CompletedAt:    &now,
	}
	paid, err := s.store.PaySplitShare(ctx, splitID, participantID, tx, share.AmountUSDC)
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return nil, apperr.InsufficientBalance("balance does not cover the share")
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("caller has no share in this split")
	case err != nil:
		return nil, apperr.Upstream("could not pay share", err)
	case !paid:
		return nil, apperr.Conflict("share already paid")
	}
	return &tx, nil
}

// BillParams is the validated draft for an external bill payment.
type BillParams struct {
	AccountID      uuid.UUID
	Category       string // e.g. electricity, airtime
	BillerRef      string
	AmountUSDC     int64
	IdempotencyKey *string
}

// PayBill debits the caller first, then submits to the biller. A provider
// failure after the debit is irreversible from the ledger's perspective and
// is compensated with an explicit refund transaction.
func (s *Service) PayBill(ctx context.Context, p BillParams) (*domain.Transaction, error) {
	if p.AmountUSDC <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	if p.Category == "" || p.BillerRef == "" {
		return nil, apperr.Validation("bill category and biller reference are required")
	}

	now := s.clock.Now()
	fee := s.fees.Fee(p.AmountUSDC, fees.KindBillPayment)
	billID := uuid.New()
	rt := domain.RelatedBill
	tx := domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: p.IdempotencyKey,
		SenderID:       &p.AccountID,
		Kind:           domain.KindBillPayment,
		AmountUSDC:     p.AmountUSDC,
		FeeUSDC:        fee,
		Status:         domain.TxProcessing,
		RelatedType:    &rt,
		RelatedID:      &billID,
		Metadata:       map[string]string{"category": p.Category, "biller_ref": p.BillerRef},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.insertDebit(ctx, tx, p.AmountUSDC+fee); err != nil {
		return nil, err
	}

	if err := s.biller.Pay(ctx, p.Category, p.BillerRef, p.AmountUSDC); err != nil {
		s.logger.Warn("biller rejected payment, refunding", "tx_id", tx.ID, "err", err)
		refund := s.refundFor(tx, p.AmountUSDC+fee)
		if _, rerr := s.store.FailWithRefund(ctx, tx.ID,
			[]domain.TxStatus{domain.TxProcessing}, refund); rerr != nil {
			return nil, apperr.Upstream("bill payment failed and refund could not be recorded", rerr)
		}
		return nil, apperr.Upstream("bill payment was rejected by the provider", err)
	}

	if err := s.Complete(ctx, tx.ID); err != nil {
		return nil, err
	}
	tx.Status = domain.TxCompleted
	tx.CompletedAt = &now
	return &tx, nil
}

// refundFor builds the compensating credit that reverses tx economically.
func (s *Service) refundFor(tx domain.Transaction, amount int64) domain.Transaction {
	now := s.clock.Now()
	return domain.Transaction{
		ID:          uuid.New(),
		RecipientID: tx.SenderID,
		Kind:        tx.Kind,
		AmountUSDC:  amount,
		Status:      domain.TxCompleted,
		RelatedType: tx.RelatedType,
		RelatedID:   tx.RelatedID,
		Metadata:    map[string]string{"compensates": tx.ID.String()},
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
}

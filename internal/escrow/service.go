// Package escrow manages payments addressed to not-yet-registered
// recipients. An escrow is pending until exactly one of claim, cancel or
// expire wins; the arbitration is a conditional write on the status column,
// never a read-then-blind-write.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kudiflow/paycore/internal/apperr"
	"github.com/kudiflow/paycore/internal/auth"
	"github.com/kudiflow/paycore/internal/clock"
	"github.com/kudiflow/paycore/internal/domain"
	"github.com/kudiflow/paycore/internal/fees"
	"github.com/kudiflow/paycore/internal/notify"
	"github.com/kudiflow/paycore/internal/store"
)

type Service struct {
	store        store.Store
	fees         fees.Schedule
	clock        clock.Clock
	notifier     notify.Sender
	logger       *slog.Logger
	cancelWindow time.Duration
	ttl          time.Duration
}

func New(st store.Store, schedule fees.Schedule, clk clock.Clock, notifier notify.Sender, logger *slog.Logger, cancelWindow, ttl time.Duration) *Service {
	return &Service{
		store:        st,
		fees:         schedule,
		clock:        clk,
		notifier:     notifier,
		logger:       logger,
		cancelWindow: cancelWindow,
		ttl:          ttl,
	}
}

// CreateParams is the validated draft for a send-to-unregistered payment.
type CreateParams struct {
	SenderID       uuid.UUID
	RecipientPhone string // normalized E.164
	AmountUSDC     int64
	IdempotencyKey *string
}

// Create opens a pending escrow and its originating escrow_send transaction
// as one atomic unit, then notifies the recipient out of band. Notification
// failure never rolls back the escrow.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Escrow, error) {
	if p.AmountUSDC <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}

	now := s.clock.Now()
	fee := s.fees.Fee(p.AmountUSDC, fees.KindEscrow)
	escrowID := uuid.New()
	rt := domain.RelatedEscrow
	tx := domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: p.IdempotencyKey,
		SenderID:       &p.SenderID,
		Kind:           domain.KindEscrowSend,
		AmountUSDC:     p.AmountUSDC,
		FeeUSDC:        fee,
		Status:         domain.TxPending,
		RelatedType:    &rt,
		RelatedID:      &escrowID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	esc := domain.Escrow{
		ID:               escrowID,
		ClaimToken:       uuid.NewString(),
		TransactionID:    tx.ID,
		SenderID:         p.SenderID,
		RecipientPhone:   p.RecipientPhone,
		AmountUSDC:       p.AmountUSDC,
		FeeUSDC:          fee,
		Status:           domain.EscrowPending,
		CancellableUntil: now.Add(s.cancelWindow),
		ExpiresAt:        now.Add(s.ttl),
		CreatedAt:        now,
	}

	err := s.store.CreateEscrow(ctx, esc, tx, p.AmountUSDC+fee)
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return nil, apperr.InsufficientBalance("balance does not cover amount plus fee")
	case errors.Is(err, store.ErrDuplicateKey):
		return nil, apperr.Conflict("a transaction with this idempotency key already exists")
	case err != nil:
		return nil, apperr.Upstream("could not create escrow", err)
	}

	if nerr := s.notifier.EscrowInvite(ctx, esc.RecipientPhone, esc.ClaimToken, esc.AmountUSDC); nerr != nil {
		s.logger.Warn("escrow invite delivery failed", "escrow_id", esc.ID, "err", nerr)
	}
	return &esc, nil
}

// Cancel lets the sender take the money back while the escrow is still
// pending and the cancellation window is open. The refund returns the
// principal; the fee is not returned.
func (s *Service) Cancel(ctx context.Context, escrowID, callerID uuid.UUID) (*domain.Escrow, error) {
	esc, err := s.get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.SenderID != callerID {
		return nil, apperr.Authorization("only the sender may cancel an escrow")
	}
	if esc.Status != domain.EscrowPending {
		return nil, apperr.Conflict("escrow is no longer pending")
	}
	now := s.clock.Now()
	if !now.Before(esc.CancellableUntil) {
		return nil, apperr.WindowExpired("the cancellation window has closed")
	}

	refund := s.refundTx(esc, now)
	matched, err := s.store.CancelEscrow(ctx, escrowID, now, refund)
	if err != nil {
		return nil, apperr.Upstream("could not cancel escrow", err)
	}
	if !matched {
		// Lost the race against a concurrent claim or the sweeper.
		return nil, apperr.Conflict("escrow is no longer pending")
	}
	esc.Status = domain.EscrowCancelled
	esc.CancelledAt = &now
	esc.RefundedAt = &now
	return esc, nil
}

// ClaimParams identifies the claimer. Actor is set when the caller is
// authenticated; otherwise Phone is looked up in the account directory.
type ClaimParams struct {
	ClaimToken string
	Actor      *auth.Actor
	Phone      string
}

// Claim credits the resolved recipient and completes the originating
// transaction. An authenticated caller must hold the escrow's target phone;
// an unauthenticated claimer must already be registered under it.
func (s *Service) Claim(ctx context.Context, p ClaimParams) (*domain.Escrow, *domain.Transaction, error) {
	esc, err := s.store.GetEscrowByToken(ctx, p.ClaimToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.NotFound("no escrow matches this claim token")
		}
		return nil, nil, apperr.Upstream("could not load escrow", err)
	}
	if esc.Status != domain.EscrowPending {
		return nil, nil, apperr.Conflict("escrow is no longer pending")
	}
	now := s.clock.Now()
	if !now.Before(esc.ExpiresAt) {
		return nil, nil, apperr.WindowExpired("escrow has expired")
	}

	var recipient *domain.Account
	if p.Actor != nil {
		if p.Actor.Phone != esc.RecipientPhone {
			return nil, nil, apperr.Authorization("escrow is addressed to a different phone number")
		}
		recipient, err = s.store.GetAccount(ctx, p.Actor.AccountID)
	} else {
		phone, perr := domain.NormalizePhone(p.Phone)
		if perr != nil {
			return nil, nil, apperr.Validation("invalid phone number")
		}
		if phone != esc.RecipientPhone {
			return nil, nil, apperr.Authorization("escrow is addressed to a different phone number")
		}
		recipient, err = s.store.GetAccountByPhone(ctx, phone)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.Validation("no account exists for this phone number; register to claim the payment")
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.NotFound("claimer account not found")
		}
		return nil, nil, apperr.Upstream("could not resolve claimer", err)
	}

	rt := domain.RelatedEscrow
	claimTx := domain.Transaction{
		ID:          uuid.New(),
		RecipientID: &recipient.ID,
		Kind:        domain.KindEscrowClaim,
		AmountUSDC:  esc.AmountUSDC,
		Status:      domain.TxCompleted,
		RelatedType: &rt,
		RelatedID:   &esc.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	matched, err := s.store.ClaimEscrow(ctx, esc.ID, recipient.ID, now, claimTx)
	if err != nil {
		return nil, nil, apperr.Upstream("could not claim escrow", err)
	}
	if !matched {
		return nil, nil, apperr.Conflict("escrow is no longer pending")
	}
	esc.Status = domain.EscrowClaimed
	esc.ClaimedAt = &now
	esc.RecipientID = &recipient.ID
	return esc, &claimTx, nil
}

// SweepResult reports one sweeper invocation.
type SweepResult struct {
	Found     int `json:"found"`
	Processed int `json:"processed"`
}

// Sweep expires every pending escrow past its deadline. Each item is
// independent: one failure is logged and the batch continues. The pending-
// only predicate makes re-runs and concurrent sweeps harmless.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	expired, err := s.store.ListExpiredPending(ctx, now)
	if err != nil {
		return SweepResult{}, apperr.Upstream("could not list expired escrows", err)
	}

	res := SweepResult{Found: len(expired)}
	for _, esc := range expired {
		refund := s.refundTx(&esc, now)
		matched, err := s.store.ExpireEscrow(ctx, esc.ID, now, refund)
		if err != nil {
			s.logger.Error("escrow expiry failed, will retry next sweep", "escrow_id", esc.ID, "err", err)
			continue
		}
		if matched {
			res.Processed++
		}
	}
	return res, nil
}

// Get returns an escrow visible to its sender.
func (s *Service) Get(ctx context.Context, escrowID, callerID uuid.UUID) (*domain.Escrow, error) {
	esc, err := s.get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.SenderID != callerID {
		return nil, apperr.Authorization("caller is not a party to this escrow")
	}
	return esc, nil
}

func (s *Service) get(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error) {
	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("escrow not found")
		}
		return nil, apperr.Upstream("could not load escrow", err)
	}
	return esc, nil
}

// refundTx credits the principal back to the sender. The fee stays earned:
// neither cancel nor expire refunds it.
func (s *Service) refundTx(esc *domain.Escrow, now time.Time) domain.Transaction {
	rt := domain.RelatedEscrow
	return domain.Transaction{
		ID:          uuid.New(),
		RecipientID: &esc.SenderID,
		Kind:        domain.KindEscrowRefund,
		AmountUSDC:  esc.AmountUSDC,
		Status:      domain.TxCompleted,
		RelatedType: &rt,
		RelatedID:   &esc.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
}

// Package rail adapts the external NGN payment rail into ledger state:
// onramp (NGN in, USDC credited) and offramp (USDC debited, NGN paid out),
// reconciled asynchronously through provider webhooks keyed by the
// provider-assigned transfer identifier.
package rail

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kudiflow/paycore/internal/apperr"
	"github.com/kudiflow/paycore/internal/clock"
	"github.com/kudiflow/paycore/internal/domain"
	"github.com/kudiflow/paycore/internal/fees"
	"github.com/kudiflow/paycore/internal/notify"
	"github.com/kudiflow/paycore/internal/store"
)

// ProviderName keys transactions in the (provider, provider_ref) unique
// index; a second rail would use its own name.
const ProviderName = "ngnrail"

const usdcUnit = 1_000_000

type Service struct {
	store    store.Store
	client   Client
	fees     fees.Schedule
	clock    clock.Clock
	notifier notify.Sender
	logger   *slog.Logger
}

func New(st store.Store, client Client, schedule fees.Schedule, clk clock.Clock, notifier notify.Sender, logger *slog.Logger) *Service {
	return &Service{store: st, client: client, fees: schedule, clock: clk, notifier: notifier, logger: logger}
}

// Quote returns the current NGN-per-USDC rate for display and client-side
// amount preview. The authoritative snapshot is taken again at job creation.
func (s *Service) Quote(ctx context.Context) (decimal.Decimal, error) {
	rate, err := s.client.Quote(ctx)
	if err != nil {
		return decimal.Zero, apperr.Upstream("could not fetch rate", err)
	}
	return rate, nil
}

// OnrampParams is the validated draft for an NGN→USDC purchase.
type OnrampParams struct {
	AccountID      uuid.UUID
	AccountPhone   string
	AmountNGN      int64
	IdempotencyKey *string
}

// Onramp opens a provider collection job and records a pending credit. The
// credit only counts toward the balance once the webhook completes it.
func (s *Service) Onramp(ctx context.Context, p OnrampParams) (*domain.Transaction, error) {
	if p.AmountNGN <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	rate, err := s.client.Quote(ctx)
	if err != nil {
		return nil, apperr.Upstream("could not fetch rate", err)
	}
	ref, err := s.client.CreateOnramp(ctx, p.AmountNGN, p.AccountPhone)
	if err != nil {
		return nil, apperr.Upstream("could not create onramp with provider", err)
	}

	amountUSDC := ngnToUSDC(p.AmountNGN, rate)
	if amountUSDC <= 0 {
		return nil, apperr.Validation("amount is below the minimum purchasable unit")
	}

	now := s.clock.Now()
	provider := ProviderName
	tx := domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: p.IdempotencyKey,
		RecipientID:    &p.AccountID,
		Kind:           domain.KindOnramp,
		AmountUSDC:     amountUSDC,
		AmountNGN:      &p.AmountNGN,
		RateNGN:        &rate,
		Status:         domain.TxPending,
		Provider:       &provider,
		ProviderRef:    &ref,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertCredit(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, apperr.Conflict("a transaction with this reference already exists")
		}
		return nil, apperr.Upstream("could not record onramp", err)
	}
	return &tx, nil
}

// OfframpParams is the validated draft for a USDC→NGN withdrawal.
type OfframpParams struct {
	AccountID      uuid.UUID
	AmountUSDC     int64
	BankCode       string
	BankAccount    string
	IdempotencyKey *string
}

// Offramp debits the caller (amount plus withdrawal fee) before the payout
// job exists; if the provider rejects the job, the debit is failed with a
// compensating refund rather than deleted.
func (s *Service) Offramp(ctx context.Context, p OfframpParams) (*domain.Transaction, error) {
	if p.AmountUSDC <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	if p.BankCode == "" || p.BankAccount == "" {
		return nil, apperr.Validation("bank code and account are required")
	}

	rate, err := s.client.Quote(ctx)
	if err != nil {
		return nil, apperr.Upstream("could not fetch rate", err)
	}
	now := s.clock.Now()
	fee := s.fees.Fee(p.AmountUSDC, fees.KindWithdrawal)
	amountNGN := usdcToNGN(p.AmountUSDC, rate)
	tx := domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: p.IdempotencyKey,
		SenderID:       &p.AccountID,
		Kind:           domain.KindOfframp,
		AmountUSDC:     p.AmountUSDC,
		FeeUSDC:        fee,
		AmountNGN:      &amountNGN,
		RateNGN:        &rate,
		Status:         domain.TxProcessing,
		Metadata:       map[string]string{"bank_code": p.BankCode, "bank_account": p.BankAccount},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.store.InsertDebit(ctx, tx, p.AmountUSDC+fee)
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return nil, apperr.InsufficientBalance("balance does not cover amount plus fee")
	case errors.Is(err, store.ErrDuplicateKey):
		return nil, apperr.Conflict("a transaction with this idempotency key already exists")
	case err != nil:
		return nil, apperr.Upstream("could not record offramp", err)
	}

	ref, err := s.client.CreateOfframp(ctx, p.AmountUSDC, p.BankCode, p.BankAccount)
	if err != nil {
		refund := s.compensate(tx, p.AmountUSDC+fee)
		if _, rerr := s.store.FailWithRefund(ctx, tx.ID,
			[]domain.TxStatus{domain.TxProcessing}, refund); rerr != nil {
			return nil, apperr.Upstream("offramp failed and refund could not be recorded", rerr)
		}
		return nil, apperr.Upstream("could not create offramp with provider", err)
	}
	if err := s.store.SetProviderRef(ctx, tx.ID, ProviderName, ref); err != nil {
		return nil, apperr.Upstream("could not bind provider reference", err)
	}
	provider := ProviderName
	tx.Provider = &provider
	tx.ProviderRef = &ref
	return &tx, nil
}

// WebhookEvent is a provider status callback after signature verification.
type WebhookEvent struct {
	TransferID    string `json:"transfer_id"`
	Status        string `json:"status"` // "completed" or "failed"
	SettledUSDC   *int64 `json:"settled_usdc,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// HandleWebhook reconciles a terminal provider event into ledger state. The
// lookup narrows to transactions still pending or processing, so redelivery
// after settlement finds nothing and is a silent no-op. Unknown transfer ids
// are logged and swallowed to stop provider-side retry storms.
func (s *Service) HandleWebhook(ctx context.Context, ev WebhookEvent) error {
	if ev.TransferID == "" {
		return apperr.Validation("transfer_id is required")
	}

	tx, err := s.store.FindByProviderRef(ctx, ProviderName, ev.TransferID,
		[]domain.TxStatus{domain.TxPending, domain.TxProcessing})
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("webhook for unknown or already-settled transfer", "transfer_id", ev.TransferID)
		return nil
	}
	if err != nil {
		return apperr.Upstream("could not locate transaction for webhook", err)
	}

	switch ev.Status {
	case "completed":
		return s.settleSuccess(ctx, tx, ev)
	case "failed":
		return s.settleFailure(ctx, tx, ev)
	default:
		return apperr.Validation("unrecognized webhook status")
	}
}

func (s *Service) settleSuccess(ctx context.Context, tx *domain.Transaction, ev WebhookEvent) error {
	if ev.SettledUSDC != nil && *ev.SettledUSDC != tx.AmountUSDC {
		matched, err := s.store.AdjustPendingAmount(ctx, tx.ID, *ev.SettledUSDC)
		if err != nil {
			return apperr.Upstream("could not record settled amount", err)
		}
		if matched {
			if err := s.store.AttachProviderMetadata(ctx, tx.ID, map[string]string{
				"quoted_usdc":  strconv.FormatInt(tx.AmountUSDC, 10),
				"settled_usdc": strconv.FormatInt(*ev.SettledUSDC, 10),
			}); err != nil {
				s.logger.Warn("could not attach settlement metadata", "tx_id", tx.ID, "err", err)
			}
		}
	}

	now := s.clock.Now()
	matched, err := s.store.UpdateTransactionStatus(ctx, tx.ID,
		[]domain.TxStatus{domain.TxPending, domain.TxProcessing}, domain.TxCompleted, &now)
	if err != nil {
		return apperr.Upstream("could not complete transaction", err)
	}
	if !matched {
		// A concurrent delivery won; nothing left to do.
		return nil
	}
	s.notifySettlement(ctx, tx, true)
	return nil
}

func (s *Service) settleFailure(ctx context.Context, tx *domain.Transaction, ev WebhookEvent) error {
	if tx.SenderID == nil {
		// Onramp: nothing was debited, so failing the credit is enough.
		matched, err := s.store.UpdateTransactionStatus(ctx, tx.ID,
			[]domain.TxStatus{domain.TxPending, domain.TxProcessing}, domain.TxFailed, nil)
		if err != nil {
			return apperr.Upstream("could not fail transaction", err)
		}
		if matched {
			s.notifySettlement(ctx, tx, false)
		}
		return nil
	}

	refund := s.compensate(*tx, tx.AmountUSDC+tx.FeeUSDC)
	matched, err := s.store.FailWithRefund(ctx, tx.ID,
		[]domain.TxStatus{domain.TxPending, domain.TxProcessing}, refund)
	if err != nil {
		return apperr.Upstream("could not fail transaction with refund", err)
	}
	if matched {
		if ev.FailureReason != "" {
			if err := s.store.AttachProviderMetadata(ctx, tx.ID, map[string]string{"failure_reason": ev.FailureReason}); err != nil {
				s.logger.Warn("could not attach failure reason", "tx_id", tx.ID, "err", err)
			}
		}
		s.notifySettlement(ctx, tx, false)
	}
	return nil
}

func (s *Service) notifySettlement(ctx context.Context, tx *domain.Transaction, ok bool) {
	party := tx.RecipientID
	if tx.SenderID != nil {
		party = tx.SenderID
	}
	if party == nil {
		return
	}
	acct, err := s.store.GetAccount(ctx, *party)
	if err != nil {
		s.logger.Warn("could not resolve account for settlement notice", "account_id", party, "err", err)
		return
	}
	if err := s.notifier.Settlement(ctx, acct.Phone, string(tx.Kind), tx.AmountUSDC, ok); err != nil {
		s.logger.Warn("settlement notice delivery failed", "account_id", party, "err", err)
	}
}

// compensate builds the credit that reverses tx economically.
func (s *Service) compensate(tx domain.Transaction, amount int64) domain.Transaction {
	now := s.clock.Now()
	return domain.Transaction{
		ID:          uuid.New(),
		RecipientID: tx.SenderID,
		Kind:        tx.Kind,
		AmountUSDC:  amount,
		Status:      domain.TxCompleted,
		Metadata:    map[string]string{"compensates": tx.ID.String()},
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
}

// ngnToUSDC converts a local amount at rate (NGN per USDC) into smallest
// USDC units, rounding down.
func ngnToUSDC(amountNGN int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountNGN).
		Div(rate).
		Mul(decimal.NewFromInt(usdcUnit)).
		IntPart()
}

// usdcToNGN converts smallest USDC units into whole NGN at rate, rounding
// down.
func usdcToNGN(amountUSDC int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountUSDC).
		Mul(rate).
		Div(decimal.NewFromInt(usdcUnit)).
		IntPart()
}

package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kudiflow/paycore/internal/apperr"
	"github.com/kudiflow/paycore/internal/domain"
	"github.com/kudiflow/paycore/internal/fees"
	"github.com/kudiflow/paycore/internal/store"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeBiller struct{ err error }

func (b *fakeBiller) Pay(context.Context, string, string, int64) error { return b.err }

func newService(t *testing.T, biller *fakeBiller) (*Service, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(m, fees.DefaultSchedule(), fixedClock{t: testTime}, biller, logger)
	return svc, m
}

func fund(t *testing.T, m *store.Memory, accountID uuid.UUID, amount int64) {
	t.Helper()
	now := testTime
	require.NoError(t, m.InsertCredit(context.Background(), domain.Transaction{
		ID:          uuid.New(),
		RecipientID: &accountID,
		Kind:        domain.KindOnramp,
		AmountUSDC:  amount,
		Status:      domain.TxCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}))
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("moves amount and charges the fee atomically", func(t *testing.T) {
		svc, m := newService(t, &fakeBiller{})
		sender, recipient := uuid.New(), uuid.New()
		fund(t, m, sender, 1_000_000)

		tx, err := svc.Send(ctx, SendParams{SenderID: sender, RecipientID: recipient, AmountUSDC: 100_000})
		require.NoError(t, err)
		assert.Equal(t, domain.TxCompleted, tx.Status)
		assert.Equal(t, int64(100_000), tx.AmountUSDC)
		assert.Equal(t, int64(10_000), tx.FeeUSDC)
		require.NotNil(t, tx.CompletedAt)

		sb, err := svc.Balance(ctx, sender)
		require.NoError(t, err)
		assert.Equal(t, int64(890_000), sb.Available)
		rb, err := svc.Balance(ctx, recipient)
		require.NoError(t, err)
		assert.Equal(t, int64(100_000), rb.Available)
	})

	t.Run("rejects when amount plus fee exceeds the balance and records nothing", func(t *testing.T) {
		svc, m := newService(t, &fakeBiller{})
		sender, recipient := uuid.New(), uuid.New()
		fund(t, m, sender, 19_999) // amount 10_000 + min fee 10_000 = 20_000

		_, err := svc.Send(ctx, SendParams{SenderID: sender, RecipientID: recipient, AmountUSDC: 10_000})
		require.Error(t, err)
		assert.Equal(t, apperr.CodeInsufficientBalance, apperr.From(err).Code)

		txs, err := svc.History(ctx, recipient, 0)
		require.NoError(t, err)
		assert.Empty(t, txs)
		sb, err := svc.Balance(ctx, sender)
		require.NoError(t, err)
		assert.Equal(t, int64(19_999), sb.Available)
	})

	t.Run("rejects self-sends and non-positive amounts", func(t *testing.T) {
		svc, _ := newService(t, &fakeBiller{})
		id := uuid.New()
		_, err := svc.Send(ctx, SendParams{SenderID: id, RecipientID: id, AmountUSDC: 100_000})
		assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)
		_, err = svc.Send(ctx, SendParams{SenderID: id, RecipientID: uuid.New(), AmountUSDC: 0})
		assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)
	})

	t.Run("surfaces a duplicate idempotency key as a conflict", func(t *testing.T) {
		svc, m := newService(t, &fakeBiller{})
		sender, recipient := uuid.New(), uuid.New()
		fund(t, m, sender, 1_000_000)

		key := "send-1"
		_, err := svc.Send(ctx, SendParams{SenderID: sender, RecipientID: recipient, AmountUSDC: 100_000, IdempotencyKey: &key})
		require.NoError(t, err)
		_, err = svc.Send(ctx, SendParams{SenderID: sender, RecipientID: recipient, AmountUSDC: 100_000, IdempotencyKey: &key})
		assert.Equal(t, apperr.CodeConflict, apperr.From(err).Code)
	})
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t, &fakeBiller{})
	sender := uuid.New()
	fund(t, m, sender, 1_000_000)

	pending := domain.Transaction{
		ID:         uuid.New(),
		SenderID:   &sender,
		Kind:       domain.KindOfframp,
		AmountUSDC: 100_000,
		Status:     domain.TxProcessing,
		CreatedAt:  testTime,
		UpdatedAt:  testTime,
	}
	require.NoError(t, m.InsertDebit(ctx, pending, 100_000))

	t.Run("fails a processing transaction", func(t *testing.T) {
		require.NoError(t, svc.Fail(ctx, pending.ID, "provider rejected"))
		tx, err := m.GetTransaction(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TxFailed, tx.Status)
		assert.Equal(t, "provider rejected", tx.Metadata["failure_reason"])
	})

	t.Run("failing again is a no-op", func(t *testing.T) {
		assert.NoError(t, svc.Fail(ctx, pending.ID, "again"))
	})

	t.Run("failing a completed transaction is a conflict", func(t *testing.T) {
		done, err := svc.Send(ctx, SendParams{SenderID: sender, RecipientID: uuid.New(), AmountUSDC: 100_000})
		require.NoError(t, err)
		err = svc.Fail(ctx, done.ID, "too late")
		assert.Equal(t, apperr.CodeConflict, apperr.From(err).Code)
	})
}

func TestTransactionVisibility(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t, &fakeBiller{})
	sender, recipient := uuid.New(), uuid.New()
	fund(t, m, sender, 1_000_000)

	tx, err := svc.Send(ctx, SendParams{SenderID: sender, RecipientID: recipient, AmountUSDC: 100_000})
	require.NoError(t, err)

	for _, party := range []uuid.UUID{sender, recipient} {
		got, err := svc.Transaction(ctx, tx.ID, party)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, got.ID)
	}

	_, err = svc.Transaction(ctx, tx.ID, uuid.New())
	assert.Equal(t, apperr.CodeAuthorization, apperr.From(err).Code)

	_, err = svc.Transaction(ctx, uuid.New(), sender)
	assert.Equal(t, apperr.CodeNotFound, apperr.From(err).Code)
}

func TestPools(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t, &fakeBiller{})
	owner, member := uuid.New(), uuid.New()
	fund(t, m, owner, 1_000_000)
	fund(t, m, member, 1_000_000)

	pool, err := svc.CreatePool(ctx, owner, "december trip", 5_000_000)
	require.NoError(t, err)

	t.Run("contributions accumulate as the pool balance", func(t *testing.T) {
		_, err := svc.Contribute(ctx, pool.ID, owner, 300_000, nil)
		require.NoError(t, err)
		_, err = svc.Contribute(ctx, pool.ID, member, 200_000, nil)
		require.NoError(t, err)

		bal, err := svc.Balance(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(500_000), bal.Available)
	})

	t.Run("only the owner may withdraw", func(t *testing.T) {
		_, err := svc.WithdrawPool(ctx, pool.ID, member, 100_000, nil)
		assert.Equal(t, apperr.CodeAuthorization, apperr.From(err).Code)

		tx, err := svc.WithdrawPool(ctx, pool.ID, owner, 100_000, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.KindPoolWithdraw, tx.Kind)

		bal, err := svc.Balance(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(400_000), bal.Available)
	})

	t.Run("withdrawal is bounded by the pool balance", func(t *testing.T) {
		_, err := svc.WithdrawPool(ctx, pool.ID, owner, 999_999_999, nil)
		assert.Equal(t, apperr.CodeInsufficientBalance, apperr.From(err).Code)
	})

	t.Run("contributing to a missing pool is not found", func(t *testing.T) {
		_, err := svc.Contribute(ctx, uuid.New(), member, 100_000, nil)
		assert.Equal(t, apperr.CodeNotFound, apperr.From(err).Code)
	})
}

func TestSplits(t *testing.T) {
	ctx := context.Background()
	svc, m := newService(t, &fakeBiller{})
	creator, alice, bob := uuid.New(), uuid.New(), uuid.New()
	fund(t, m, alice, 1_000_000)

	t.Run("validates shares", func(t *testing.T) {
		_, err := svc.CreateSplit(ctx, creator, "dinner", nil)
		assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)
		_, err = svc.CreateSplit(ctx, creator, "dinner", map[uuid.UUID]int64{alice: 0})
		assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)
		_, err = svc.CreateSplit(ctx, creator, "dinner", map[uuid.UUID]int64{creator: 100_000})
		assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)
	})

	sp, err := svc.CreateSplit(ctx, creator, "dinner", map[uuid.UUID]int64{alice: 300_000, bob: 200_000})
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), sp.TotalUSDC)

	t.Run("a participant pays exactly once", func(t *testing.T) {
		tx, err := svc.PaySplitShare(ctx, sp.ID, alice, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(300_000), tx.AmountUSDC)
		assert.Equal(t, int64(0), tx.FeeUSDC)

		bal, err := svc.Balance(ctx, creator)
		require.NoError(t, err)
		assert.Equal(t, int64(300_000), bal.Available)

		_, err = svc.PaySplitShare(ctx, sp.ID, alice, nil)
		assert.Equal(t, apperr.CodeConflict, apperr.From(err).Code)
	})

	t.Run("a broke participant cannot pay", func(t *testing.T) {
		_, err := svc.PaySplitShare(ctx, sp.ID, bob, nil)
		assert.Equal(t, apperr.CodeInsufficientBalance, apperr.From(err).Code)
	})

	t.Run("an outsider has no share", func(t *testing.T) {
		_, err := svc.PaySplitShare(ctx, sp.ID, uuid.New(), nil)
		assert.Equal(t, apperr.CodeNotFound, apperr.From(err).Code)
	})
}

func TestPayBill(t *testing.T) {
	ctx := context.Background()

	t.Run("debits then completes when the biller accepts", func(t *testing.T) {
		svc, m := newService(t, &fakeBiller{})
		payer := uuid.New()
		fund(t, m, payer, 1_000_000)

		tx, err := svc.PayBill(ctx, BillParams{
			AccountID:  payer,
			Category:   "electricity",
			BillerRef:  "meter-551",
			AmountUSDC: 500_000,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.TxCompleted, tx.Status)
		assert.Equal(t, int64(10_000), tx.FeeUSDC) // 1% below the floor

		bal, err := svc.Balance(ctx, payer)
		require.NoError(t, err)
		assert.Equal(t, int64(490_000), bal.Available)
	})

	t.Run("refunds amount plus fee when the biller rejects", func(t *testing.T) {
		svc, m := newService(t, &fakeBiller{err: errors.New("meter not found")})
		payer := uuid.New()
		fund(t, m, payer, 1_000_000)

		_, err := svc.PayBill(ctx, BillParams{
			AccountID:  payer,
			Category:   "electricity",
			BillerRef:  "meter-000",
			AmountUSDC: 500_000,
		})
		require.Error(t, err)
		assert.Equal(t, apperr.CodeUpstream, apperr.From(err).Code)

		bal, err := svc.Balance(ctx, payer)
		require.NoError(t, err)
		assert.Equal(t, int64(1_000_000), bal.Available)

		txs, err := svc.History(ctx, payer, 0)
		require.NoError(t, err)
		var failed, compensating bool
		for _, tx := range txs {
			if tx.Kind == domain.KindBillPayment && tx.Status == domain.TxFailed {
				failed = true
			}
			if tx.Metadata["compensates"] != "" {
				compensating = true
			}
		}
		assert.True(t, failed)
		assert.True(t, compensating)
	})

	t.Run("a retry under the same key succeeds once the biller recovers", func(t *testing.T) {
		biller := &fakeBiller{err: errors.New("aggregator timeout")}
		svc, m := newService(t, biller)
		payer := uuid.New()
		fund(t, m, payer, 1_000_000)

		key := "bill-retry-1"
		params := BillParams{
			AccountID:      payer,
			Category:       "electricity",
			BillerRef:      "meter-551",
			AmountUSDC:     500_000,
			IdempotencyKey: &key,
		}
		_, err := svc.PayBill(ctx, params)
		require.Error(t, err)

		biller.err = nil
		tx, err := svc.PayBill(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, domain.TxCompleted, tx.Status)

		bal, err := svc.Balance(ctx, payer)
		require.NoError(t, err)
		assert.Equal(t, int64(490_000), bal.Available)
	})

	t.Run("validates the draft", func(t *testing.T) {
		svc, _ := newService(t, &fakeBiller{})
		_, err := svc.PayBill(ctx, BillParams{AccountID: uuid.New(), Category: "electricity", AmountUSDC: 500_000})
		assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)
	})
}

// Package fees computes operation fees in smallest units. Fee computation is
// a pure function of (amount, kind): no state, no randomness, no clock.
package fees

// Kind selects a fee schedule. It is deliberately narrower than the ledger's
// transaction kinds: several transaction kinds share one schedule.
type Kind string

const (
	KindSend        Kind = "send"
	KindEscrow      Kind = "escrow"
	KindWithdrawal  Kind = "withdrawal"
	KindBillPayment Kind = "bill_payment"
)

// Schedule holds the fee parameters. Basis points are applied with integer
// arithmetic, flooring toward zero.
type Schedule struct {
	SendBps          int64 // 0.5% = 50 bps
	MinFeeSend       int64
	MaxFeeSend       int64
	EscrowSurcharge  int64 // flat, covers out-of-band notification cost
	MaxFeeWithdrawal int64
	BillBps          int64 // 1% = 100 bps
	MinFeeBill       int64
}

// DefaultSchedule mirrors production parameters: 0.5% transfers clamped to
// [0.01, 5.00] USDC, a 0.02 USDC escrow surcharge, a 2.00 USDC withdrawal
// cap, and 1% bill payments with a 0.01 USDC floor and no cap.
func DefaultSchedule() Schedule {
	return Schedule{
		SendBps:          50,
		MinFeeSend:       10_000,
		MaxFeeSend:       5_000_000,
		EscrowSurcharge:  20_000,
		MaxFeeWithdrawal: 2_000_000,
		BillBps:          100,
		MinFeeBill:       10_000,
	}
}

// Fee returns the fee for amount under kind. Never negative, never above the
// kind's cap. An unknown kind yields zero; callers treat that as a
// programming error and must not reach here with unvalidated kinds.
func (s Schedule) Fee(amount int64, kind Kind) int64 {
	if amount <= 0 {
		return 0
	}
	switch kind {
	case KindSend:
		return clamp(amount*s.SendBps/10_000, s.MinFeeSend, s.MaxFeeSend)
	case KindEscrow:
		return clamp(amount*s.SendBps/10_000, s.MinFeeSend, s.MaxFeeSend) + s.EscrowSurcharge
	case KindWithdrawal:
		return clamp(amount*s.SendBps/10_000, s.MinFeeSend, s.MaxFeeWithdrawal)
	case KindBillPayment:
		fee := amount * s.BillBps / 10_000
		if fee < s.MinFeeBill {
			fee = s.MinFeeBill
		}
		return fee
	}
	return 0
}

// Cap returns the configured maximum fee for kind, or -1 when uncapped.
func (s Schedule) Cap(kind Kind) int64 {
	switch kind {
	case KindSend:
		return s.MaxFeeSend
	case KindEscrow:
		return s.MaxFeeSend + s.EscrowSurcharge
	case KindWithdrawal:
		return s.MaxFeeWithdrawal
	case KindBillPayment:
		return -1
	}
	return 0
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendFee(t *testing.T) {
	s := DefaultSchedule()

	t.Run("applies 50 bps", func(t *testing.T) {
		// 100 USDC -> 0.50 USDC
		assert.Equal(t, int64(500_000), s.Fee(100_000_000, KindSend))
	})

	t.Run("clamps to the floor", func(t *testing.T) {
		// 1 USDC at 50 bps is 0.005, below the 0.01 floor
		assert.Equal(t, int64(10_000), s.Fee(1_000_000, KindSend))
	})

	t.Run("clamps to the cap", func(t *testing.T) {
		// 10,000 USDC at 50 bps would be 50 USDC; capped at 5
		assert.Equal(t, int64(5_000_000), s.Fee(10_000_000_000, KindSend))
	})

	t.Run("exactly at the boundary amounts", func(t *testing.T) {
		// 2 USDC * 50 bps = exactly the floor
		assert.Equal(t, int64(10_000), s.Fee(2_000_000, KindSend))
		// 1000 USDC * 50 bps = exactly the cap
		assert.Equal(t, int64(5_000_000), s.Fee(1_000_000_000, KindSend))
	})

	t.Run("zero and negative amounts cost nothing", func(t *testing.T) {
		assert.Equal(t, int64(0), s.Fee(0, KindSend))
		assert.Equal(t, int64(0), s.Fee(-5, KindSend))
	})
}

func TestEscrowFee(t *testing.T) {
	s := DefaultSchedule()

	t.Run("is the send fee plus the surcharge", func(t *testing.T) {
		// 10 USDC: send fee 0.05 + 0.02 surcharge
		assert.Equal(t, int64(70_000), s.Fee(10_000_000, KindEscrow))
	})

	t.Run("surcharge applies on top of the floor", func(t *testing.T) {
		assert.Equal(t, int64(30_000), s.Fee(1_000_000, KindEscrow))
	})

	t.Run("surcharge applies on top of the cap", func(t *testing.T) {
		assert.Equal(t, int64(5_020_000), s.Fee(10_000_000_000, KindEscrow))
	})
}

func TestWithdrawalFee(t *testing.T) {
	s := DefaultSchedule()

	t.Run("shares the send rate with a lower cap", func(t *testing.T) {
		assert.Equal(t, int64(500_000), s.Fee(100_000_000, KindWithdrawal))
		assert.Equal(t, int64(2_000_000), s.Fee(10_000_000_000, KindWithdrawal))
	})
}

func TestBillFee(t *testing.T) {
	s := DefaultSchedule()

	t.Run("applies 100 bps with a floor and no cap", func(t *testing.T) {
		assert.Equal(t, int64(1_000_000), s.Fee(100_000_000, KindBillPayment))
		assert.Equal(t, int64(10_000), s.Fee(500_000, KindBillPayment))
		// 100,000 USDC -> 1,000 USDC, uncapped
		assert.Equal(t, int64(1_000_000_000), s.Fee(100_000_000_000, KindBillPayment))
	})
}

func TestFeeMonotonicity(t *testing.T) {
	s := DefaultSchedule()
	kinds := []Kind{KindSend, KindEscrow, KindWithdrawal, KindBillPayment}
	amounts := []int64{1, 1_000_000, 10_000_000, 100_000_000, 1_000_000_000, 10_000_000_000}

	for _, kind := range kinds {
		prev := int64(0)
		for _, amount := range amounts {
			fee := s.Fee(amount, kind)
			assert.GreaterOrEqual(t, fee, prev, "fee must not decrease as amount grows (kind %s)", kind)
			if cap := s.Cap(kind); cap >= 0 {
				assert.LessOrEqual(t, fee, cap, "fee must respect the cap (kind %s)", kind)
			}
			prev = fee
		}
	}
}

func TestUnknownKind(t *testing.T) {
	s := DefaultSchedule()
	assert.Equal(t, int64(0), s.Fee(1_000_000, Kind("teleport")))
	assert.Equal(t, int64(0), s.Cap(Kind("teleport")))
}

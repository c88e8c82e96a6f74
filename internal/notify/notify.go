// Package notify is the out-of-band notification boundary. Delivery is
// best-effort: callers log failures and never roll back money movement
// because a message could not be sent.
package notify

import (
	"context"
	"log/slog"
)

// Sender delivers user-facing notifications. Message content generation and
// the SMS provider integration live outside this core.
type Sender interface {
	EscrowInvite(ctx context.Context, phone, claimToken string, amountUSDC int64) error
	Settlement(ctx context.Context, accountPhone string, kind string, amountUSDC int64, succeeded bool) error
}

// LogSender records notifications instead of delivering them. Used in tests
// and as the default when no SMS gateway is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) EscrowInvite(_ context.Context, phone, claimToken string, amountUSDC int64) error {
	s.Logger.Info("escrow invite notification",
		"phone", phone, "claim_token", claimToken, "amount_usdc", amountUSDC)
	return nil
}

func (s *LogSender) Settlement(_ context.Context, accountPhone string, kind string, amountUSDC int64, succeeded bool) error {
	s.Logger.Info("settlement notification",
		"phone", accountPhone, "kind", kind, "amount_usdc", amountUSDC, "succeeded", succeeded)
	return nil
}

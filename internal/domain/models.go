package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxKind classifies a value movement.
type TxKind string

const (
	KindSend         TxKind = "send"
	KindEscrowSend   TxKind = "escrow_send"
	KindEscrowClaim  TxKind = "escrow_claim"
	KindEscrowRefund TxKind = "escrow_refund"
	KindOnramp       TxKind = "onramp"
	KindOfframp      TxKind = "offramp"
	KindPoolContrib  TxKind = "pool_contribute"
	KindPoolWithdraw TxKind = "pool_withdraw"
	KindBillSplitPay TxKind = "bill_split_pay"
	KindBillPayment  TxKind = "bill_payment"
)

// TxStatus is the lifecycle state of a transaction. Terminal statuses are
// never left again; the only permitted mutation afterwards is attaching
// provider metadata for audit.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxCancelled  TxStatus = "cancelled"
	TxExpired    TxStatus = "expired"
)

// Terminal reports whether no further status transition is permitted.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxCancelled, TxExpired:
		return true
	}
	return false
}

// RelatedType links a transaction to the aggregate that produced it, so
// asynchronous callbacks can locate it without relying on sequential IDs.
type RelatedType string

const (
	RelatedEscrow RelatedType = "escrow"
	RelatedPool   RelatedType = "pool"
	RelatedSplit  RelatedType = "split"
	RelatedBill   RelatedType = "bill"
)

// Transaction is the immutable-once-completed record of a single value
// movement. All amounts are integer smallest units of the settlement asset
// (1 USDC = 1_000_000 units); no floating point anywhere near money.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	SenderID       *uuid.UUID        `json:"sender_id,omitempty"`    // nil means system/refund source
	RecipientID    *uuid.UUID        `json:"recipient_id,omitempty"` // nil means system/refund sink
	Kind           TxKind            `json:"kind"`
	AmountUSDC     int64             `json:"amount_usdc"`
	FeeUSDC        int64             `json:"fee_usdc"`
	AmountNGN      *int64            `json:"amount_ngn,omitempty"`
	RateNGN        *decimal.Decimal  `json:"rate_ngn,omitempty"` // NGN per USDC at quote time
	Status         TxStatus          `json:"status"`
	RelatedType    *RelatedType      `json:"related_type,omitempty"`
	RelatedID      *uuid.UUID        `json:"related_id,omitempty"`
	Provider       *string           `json:"provider,omitempty"`
	ProviderRef    *string           `json:"provider_ref,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// EscrowStatus is the lifecycle state of an escrow payment.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowClaimed   EscrowStatus = "claimed"
	EscrowCancelled EscrowStatus = "cancelled"
	EscrowExpired   EscrowStatus = "expired"
)

// Escrow holds value set aside for a recipient known only by phone number.
// At most one of ClaimedAt, CancelledAt, RefundedAt is ever set.
type Escrow struct {
	ID               uuid.UUID    `json:"id"`
	ClaimToken       string       `json:"claim_token"`
	TransactionID    uuid.UUID    `json:"transaction_id"`
	SenderID         uuid.UUID    `json:"sender_id"`
	RecipientPhone   string       `json:"recipient_phone"` // normalized E.164
	RecipientID      *uuid.UUID   `json:"recipient_id,omitempty"`
	AmountUSDC       int64        `json:"amount_usdc"`
	FeeUSDC          int64        `json:"fee_usdc"`
	Status           EscrowStatus `json:"status"`
	CancellableUntil time.Time    `json:"cancellable_until"`
	ExpiresAt        time.Time    `json:"expires_at"`
	ClaimedAt        *time.Time   `json:"claimed_at,omitempty"`
	CancelledAt      *time.Time   `json:"cancelled_at,omitempty"`
	RefundedAt       *time.Time   `json:"refunded_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Account is a registered user as the ledger sees it: an id, a phone number
// and a transaction-PIN hash. Identity verification lives elsewhere.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Phone     string    `json:"phone"`
	PINHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is the derived read model for one account, computed from
// transaction and escrow history on every read, never stored.
type Balance struct {
	AccountID    uuid.UUID `json:"account_id"`
	Available    int64     `json:"available"`
	EscrowLocked int64     `json:"escrow_locked"`
	PendingIn    int64     `json:"pending_in"`
}

// Pool is a shared contribution target owned by one account.
type Pool struct {
	ID         uuid.UUID `json:"id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Name       string    `json:"name"`
	TargetUSDC int64     `json:"target_usdc"`
	CreatedAt  time.Time `json:"created_at"`
}

// Split is a bill divided among participants; the creator is credited as
// each participant pays their share.
type Split struct {
	ID        uuid.UUID `json:"id"`
	CreatorID uuid.UUID `json:"creator_id"`
	Reason    string    `json:"reason"`
	TotalUSDC int64     `json:"total_usdc"`
	CreatedAt time.Time `json:"created_at"`
}

// SplitShare is one participant's owed portion of a split.
type SplitShare struct {
	SplitID       uuid.UUID  `json:"split_id"`
	ParticipantID uuid.UUID  `json:"participant_id"`
	AmountUSDC    int64      `json:"amount_usdc"`
	Paid          bool       `json:"paid"`
	PaidTxID      *uuid.UUID `json:"paid_tx_id,omitempty"`
}

// IdempotencyRecord caches the response of a completed mutating request so a
// retry with the same key returns the identical status and body. RequestHash
// is the hex sha256 of the original request body; a replay whose body hashes
// differently is a key misuse, not a replay.
type IdempotencyRecord struct {
	CallerID       uuid.UUID `json:"caller_id"`
	Key            string    `json:"key"`
	RequestHash    string    `json:"request_hash"`
	ResponseStatus int       `json:"response_status"`
	ResponseBody   []byte    `json:"response_body"`
	ExpiresAt      time.Time `json:"expires_at"`
}

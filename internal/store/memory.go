package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kudiflow/paycore/internal/domain"
)

type idemKey struct {
	caller uuid.UUID
	key    string
}

type providerKey struct {
	provider string
	ref      string
}

type shareKey struct {
	split       uuid.UUID
	participant uuid.UUID
}

// Memory is an in-process Store with the same conditional-write semantics as
// the Postgres implementation. A single mutex serializes all mutations, so
// every guarded check-then-insert and every status CAS is atomic.
type Memory struct {
	mu sync.Mutex

	accounts     map[uuid.UUID]domain.Account
	byPhone      map[string]uuid.UUID
	transactions map[uuid.UUID]domain.Transaction
	txOrder      []uuid.UUID
	byProvider   map[providerKey]uuid.UUID
	byIdemTx     map[idemKey]uuid.UUID
	escrows      map[uuid.UUID]domain.Escrow
	byToken      map[string]uuid.UUID
	idempotency  map[idemKey]domain.IdempotencyRecord
	pools        map[uuid.UUID]domain.Pool
	splits       map[uuid.UUID]domain.Split
	shares       map[shareKey]domain.SplitShare
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[uuid.UUID]domain.Account),
		byPhone:      make(map[string]uuid.UUID),
		transactions: make(map[uuid.UUID]domain.Transaction),
		byProvider:   make(map[providerKey]uuid.UUID),
		byIdemTx:     make(map[idemKey]uuid.UUID),
		escrows:      make(map[uuid.UUID]domain.Escrow),
		byToken:      make(map[string]uuid.UUID),
		idempotency:  make(map[idemKey]domain.IdempotencyRecord),
		pools:        make(map[uuid.UUID]domain.Pool),
		splits:       make(map[uuid.UUID]domain.Split),
		shares:       make(map[shareKey]domain.SplitShare),
	}
}

func (m *Memory) CreateAccount(_ context.Context, acct domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPhone[acct.Phone]; ok {
		return ErrDuplicateKey
	}
	m.accounts[acct.ID] = acct
	m.byPhone[acct.Phone] = acct.ID
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &acct, nil
}

func (m *Memory) GetAccountByPhone(_ context.Context, phone string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPhone[phone]
	if !ok {
		return nil, ErrNotFound
	}
	acct := m.accounts[id]
	return &acct, nil
}

// insertTxLocked enforces the uniqueness constraints the core depends on:
// (sender, idempotency key) and (provider, provider ref).
func (m *Memory) insertTxLocked(tx domain.Transaction) error {
	if tx.IdempotencyKey != nil && tx.SenderID != nil {
		k := idemKey{caller: *tx.SenderID, key: *tx.IdempotencyKey}
		if _, ok := m.byIdemTx[k]; ok {
			return ErrDuplicateKey
		}
		m.byIdemTx[k] = tx.ID
	}
	if tx.Provider != nil && tx.ProviderRef != nil {
		k := providerKey{provider: *tx.Provider, ref: *tx.ProviderRef}
		if _, ok := m.byProvider[k]; ok {
			return ErrDuplicateKey
		}
		m.byProvider[k] = tx.ID
	}
	m.transactions[tx.ID] = tx
	m.txOrder = append(m.txOrder, tx.ID)
	return nil
}

// availableLocked derives the spendable balance. Debits count from the
// moment they exist regardless of later status; reversals arrive only as
// compensating credit transactions. Credits count once completed.
func (m *Memory) availableLocked(accountID uuid.UUID) int64 {
	var available int64
	for _, tx := range m.transactions {
		if tx.RecipientID != nil && *tx.RecipientID == accountID && tx.Status == domain.TxCompleted {
			available += tx.AmountUSDC
		}
		if tx.SenderID != nil && *tx.SenderID == accountID {
			available -= tx.AmountUSDC + tx.FeeUSDC
		}
	}
	return available
}

func (m *Memory) InsertDebit(_ context.Context, tx domain.Transaction, totalDebit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.SenderID == nil {
		return ErrNotFound
	}
	if m.availableLocked(*tx.SenderID) < totalDebit {
		return ErrInsufficientBalance
	}
	return m.insertTxLocked(tx)
}

func (m *Memory) InsertCredit(_ context.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTxLocked(tx)
}

func (m *Memory) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tx, nil
}

func (m *Memory) ListAccountTransactions(_ context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for i := len(m.txOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		tx := m.transactions[m.txOrder[i]]
		if (tx.SenderID != nil && *tx.SenderID == accountID) || (tx.RecipientID != nil && *tx.RecipientID == accountID) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func statusIn(s domain.TxStatus, set []domain.TxStatus) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

func (m *Memory) updateTxStatusLocked(id uuid.UUID, from []domain.TxStatus, to domain.TxStatus, completedAt *time.Time) bool {
	tx, ok := m.transactions[id]
	if !ok || !statusIn(tx.Status, from) {
		return false
	}
	tx.Status = to
	tx.UpdatedAt = timeOrNow(completedAt)
	if to == domain.TxCompleted {
		tx.CompletedAt = completedAt
	}
	// A failure releases the (sender, key) slot: the caller may retry the
	// same request under the same key.
	if to == domain.TxFailed && tx.IdempotencyKey != nil && tx.SenderID != nil {
		delete(m.byIdemTx, idemKey{caller: *tx.SenderID, key: *tx.IdempotencyKey})
	}
	m.transactions[id] = tx
	return true
}

func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now().UTC()
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, id uuid.UUID, from []domain.TxStatus, to domain.TxStatus, completedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTxStatusLocked(id, from, to, completedAt), nil
}

func (m *Memory) AttachProviderMetadata(_ context.Context, id uuid.UUID, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		tx.Metadata[k] = v
	}
	m.transactions[id] = tx
	return nil
}

func (m *Memory) FindByProviderRef(_ context.Context, provider, ref string, in []domain.TxStatus) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byProvider[providerKey{provider: provider, ref: ref}]
	if !ok {
		return nil, ErrNotFound
	}
	tx := m.transactions[id]
	if !statusIn(tx.Status, in) {
		return nil, ErrNotFound
	}
	return &tx, nil
}

func (m *Memory) FailWithRefund(_ context.Context, id uuid.UUID, from []domain.TxStatus, refund domain.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.updateTxStatusLocked(id, from, domain.TxFailed, nil) {
		return false, nil
	}
	if err := m.insertTxLocked(refund); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) SetProviderRef(_ context.Context, id uuid.UUID, provider, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	k := providerKey{provider: provider, ref: ref}
	if existing, ok := m.byProvider[k]; ok && existing != id {
		return ErrDuplicateKey
	}
	m.byProvider[k] = id
	tx.Provider = &provider
	tx.ProviderRef = &ref
	m.transactions[id] = tx
	return nil
}

func (m *Memory) AdjustPendingAmount(_ context.Context, id uuid.UUID, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok || tx.Status.Terminal() {
		return false, nil
	}
	tx.AmountUSDC = amount
	m.transactions[id] = tx
	return true, nil
}

func (m *Memory) ComputeBalance(_ context.Context, accountID uuid.UUID) (*domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := &domain.Balance{AccountID: accountID, Available: m.availableLocked(accountID)}
	for _, tx := range m.transactions {
		if tx.RecipientID != nil && *tx.RecipientID == accountID &&
			(tx.Status == domain.TxPending || tx.Status == domain.TxProcessing) {
			bal.PendingIn += tx.AmountUSDC
		}
	}
	for _, esc := range m.escrows {
		if esc.SenderID == accountID && esc.Status == domain.EscrowPending {
			bal.EscrowLocked += esc.AmountUSDC
		}
	}
	return bal, nil
}

func (m *Memory) CreateEscrow(_ context.Context, esc domain.Escrow, tx domain.Transaction, totalDebit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byToken[esc.ClaimToken]; ok {
		return ErrDuplicateKey
	}
	if m.availableLocked(esc.SenderID) < totalDebit {
		return ErrInsufficientBalance
	}
	if err := m.insertTxLocked(tx); err != nil {
		return err
	}
	m.escrows[esc.ID] = esc
	m.byToken[esc.ClaimToken] = esc.ID
	return nil
}

func (m *Memory) GetEscrow(_ context.Context, id uuid.UUID) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &esc, nil
}

func (m *Memory) GetEscrowByToken(_ context.Context, token string) (*domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	esc := m.escrows[id]
	return &esc, nil
}

func (m *Memory) ClaimEscrow(_ context.Context, escrowID uuid.UUID, recipientID uuid.UUID, at time.Time, claimTx domain.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[escrowID]
	if !ok || esc.Status != domain.EscrowPending {
		return false, nil
	}
	esc.Status = domain.EscrowClaimed
	esc.ClaimedAt = &at
	esc.RecipientID = &recipientID
	m.escrows[escrowID] = esc
	m.updateTxStatusLocked(esc.TransactionID, []domain.TxStatus{domain.TxPending, domain.TxProcessing}, domain.TxCompleted, &at)
	if err := m.insertTxLocked(claimTx); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) CancelEscrow(_ context.Context, escrowID uuid.UUID, at time.Time, refundTx domain.Transaction) (bool, error) {
	return m.refundingTransition(escrowID, domain.EscrowCancelled, domain.TxCancelled, at, refundTx)
}

func (m *Memory) ExpireEscrow(_ context.Context, escrowID uuid.UUID, at time.Time, refundTx domain.Transaction) (bool, error) {
	return m.refundingTransition(escrowID, domain.EscrowExpired, domain.TxExpired, at, refundTx)
}

func (m *Memory) refundingTransition(escrowID uuid.UUID, to domain.EscrowStatus, txTo domain.TxStatus, at time.Time, refundTx domain.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[escrowID]
	if !ok || esc.Status != domain.EscrowPending {
		return false, nil
	}
	esc.Status = to
	if to == domain.EscrowCancelled {
		esc.CancelledAt = &at
	}
	esc.RefundedAt = &at
	m.escrows[escrowID] = esc
	m.updateTxStatusLocked(esc.TransactionID, []domain.TxStatus{domain.TxPending, domain.TxProcessing}, txTo, nil)
	if err := m.insertTxLocked(refundTx); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) ListExpiredPending(_ context.Context, now time.Time) ([]domain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Escrow
	for _, esc := range m.escrows {
		if esc.Status == domain.EscrowPending && esc.ExpiresAt.Before(now) {
			out = append(out, esc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) GetIdempotency(_ context.Context, callerID uuid.UUID, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[idemKey{caller: callerID, key: key}]
	if !ok || !rec.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) PutIdempotency(_ context.Context, rec domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idempotency[idemKey{caller: rec.CallerID, key: rec.Key}] = rec
	return nil
}

func (m *Memory) CreatePool(_ context.Context, p domain.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p.ID] = p
	return nil
}

func (m *Memory) GetPool(_ context.Context, id uuid.UUID) (*domain.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) CreateSplit(_ context.Context, s domain.Split, shares []domain.SplitShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splits[s.ID] = s
	for _, sh := range shares {
		m.shares[shareKey{split: sh.SplitID, participant: sh.ParticipantID}] = sh
	}
	return nil
}

func (m *Memory) GetSplit(_ context.Context, id uuid.UUID) (*domain.Split, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.splits[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) GetSplitShare(_ context.Context, splitID, participantID uuid.UUID) (*domain.SplitShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.shares[shareKey{split: splitID, participant: participantID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &sh, nil
}

func (m *Memory) PaySplitShare(_ context.Context, splitID, participantID uuid.UUID, tx domain.Transaction, totalDebit int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := shareKey{split: splitID, participant: participantID}
	sh, ok := m.shares[k]
	if !ok {
		return false, ErrNotFound
	}
	if sh.Paid {
		return false, nil
	}
	if m.availableLocked(participantID) < totalDebit {
		return false, ErrInsufficientBalance
	}
	if err := m.insertTxLocked(tx); err != nil {
		return false, err
	}
	sh.Paid = true
	sh.PaidTxID = &tx.ID
	m.shares[k] = sh
	return true, nil
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kudiflow/paycore/internal/auth"
	"github.com/kudiflow/paycore/internal/domain"
	"github.com/kudiflow/paycore/internal/escrow"
	"github.com/kudiflow/paycore/internal/fees"
	"github.com/kudiflow/paycore/internal/ledger"
	"github.com/kudiflow/paycore/internal/notify"
	"github.com/kudiflow/paycore/internal/rail"
	"github.com/kudiflow/paycore/internal/store"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
	testPIN           = "1234"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeBiller struct{}

func (fakeBiller) Pay(context.Context, string, string, int64) error { return nil }

type fakeRailClient struct{ nextRef string }

func (c *fakeRailClient) Quote(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1500), nil
}

func (c *fakeRailClient) CreateOnramp(context.Context, int64, string) (string, error) {
	return c.nextRef, nil
}

func (c *fakeRailClient) CreateOfframp(context.Context, int64, string, string) (string, error) {
	return c.nextRef, nil
}

type fixture struct {
	handler *Handler
	router  http.Handler
	store   *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := fixedClock{t: testTime}
	schedule := fees.DefaultSchedule()
	notifier := &notify.LogSender{Logger: logger}
	verifier := auth.NewVerifier(testJWTSecret)

	led := ledger.New(m, schedule, clk, fakeBiller{}, logger)
	esc := escrow.New(m, schedule, clk, notifier, logger, time.Hour, 7*24*time.Hour)
	rl := rail.New(m, &fakeRailClient{nextRef: "tr_1"}, schedule, clk, notifier, logger)

	h := NewHandler(m, led, esc, rl, verifier, clk, logger, 24*time.Hour, []byte(testWebhookSecret))
	return &fixture{handler: h, router: h.Router(), store: m}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any, extra map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// register creates an account through the API and returns its id and a
// bearer token for it.
func (f *fixture) register(t *testing.T, phone string) (uuid.UUID, string) {
	t.Helper()
	rec := f.do(t, "POST", "/api/v1/accounts", "", map[string]string{"phone": phone, "pin": testPIN}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var acct domain.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   acct.ID.String(),
		"phone": acct.Phone,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return acct.ID, tok
}

func (f *fixture) fund(t *testing.T, accountID uuid.UUID, amount int64) {
	t.Helper()
	now := testTime
	require.NoError(t, f.store.InsertCredit(context.Background(), domain.Transaction{
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

func TestRegister(t *testing.T) {
	f := newFixture(t)

	t.Run("creates an account with a normalized phone", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/accounts", "", map[string]string{"phone": "08012345678", "pin": testPIN}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		var acct domain.Account
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
		assert.Equal(t, "+2348012345678", acct.Phone)
		assert.NotContains(t, rec.Body.String(), "pin")
	})

	t.Run("rejects a duplicate phone", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/accounts", "", map[string]string{"phone": "+2348012345678", "pin": testPIN}, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("rejects a short PIN", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/accounts", "", map[string]string{"phone": "+2348099999999", "pin": "12"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/api/v1/transfers", "", map[string]any{"recipient_phone": "+2348012345678", "amount_usdc": 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateTransfer(t *testing.T) {
	f := newFixture(t)
	senderID, senderTok := f.register(t, "+2348011111111")
	recipientID, recipientTok := f.register(t, "+2348022222222")
	f.fund(t, senderID, 10_000_000)

	t.Run("credits a registered recipient immediately", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/transfers", senderTok, map[string]any{
			"recipient_phone": "+2348022222222", "amount_usdc": 1_000_000, "pin": testPIN,
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp transferResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Transaction)
		assert.Nil(t, resp.Escrow)
		assert.Equal(t, domain.TxCompleted, resp.Transaction.Status)
		assert.Equal(t, int64(10_000), resp.Transaction.FeeUSDC)

		bal := f.do(t, "GET", "/api/v1/accounts/"+recipientID.String()+"/balance", recipientTok, nil, nil)
		require.Equal(t, http.StatusOK, bal.Code)
		var b domain.Balance
		require.NoError(t, json.Unmarshal(bal.Body.Bytes(), &b))
		assert.Equal(t, int64(1_000_000), b.Available)
	})

	t.Run("escrows for an unregistered recipient", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/transfers", senderTok, map[string]any{
			"recipient_phone": "+2348033333333", "amount_usdc": 1_000_000, "pin": testPIN,
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp transferResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.Transaction)
		require.NotNil(t, resp.Escrow)
		assert.Equal(t, domain.EscrowPending, resp.Escrow.Status)
		assert.Equal(t, "+2348033333333", resp.Escrow.RecipientPhone)
	})

	t.Run("rejects a wrong PIN", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/transfers", senderTok, map[string]any{
			"recipient_phone": "+2348022222222", "amount_usdc": 1_000_000, "pin": "0000",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("another caller cannot read the sender's balance", func(t *testing.T) {
		rec := f.do(t, "GET", "/api/v1/accounts/"+senderID.String()+"/balance", recipientTok, nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	senderID, senderTok := f.register(t, "+2348011111111")
	f.register(t, "+2348022222222")
	f.fund(t, senderID, 10_000_000)

	body := map[string]any{"recipient_phone": "+2348022222222", "amount_usdc": 1_000_000, "pin": testPIN}
	headers := map[string]string{"Idempotency-Key": "transfer-abc"}

	first := f.do(t, "POST", "/api/v1/transfers", senderTok, body, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := f.do(t, "POST", "/api/v1/transfers", senderTok, body, headers)
	require.Equal(t, http.StatusCreated, second.Code)

	// The replay is byte-identical and no second movement happened.
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	txs := f.do(t, "GET", "/api/v1/accounts/"+senderID.String()+"/transactions", senderTok, nil, nil)
	require.Equal(t, http.StatusOK, txs.Code)
	var history []domain.Transaction
	require.NoError(t, json.Unmarshal(txs.Body.Bytes(), &history))
	assert.Len(t, history, 2) // the funding credit and one transfer

	// A different key executes again.
	third := f.do(t, "POST", "/api/v1/transfers", senderTok, body, map[string]string{"Idempotency-Key": "transfer-def"})
	require.Equal(t, http.StatusCreated, third.Code)
	assert.NotEqual(t, first.Body.Bytes(), third.Body.Bytes())
}

func TestIdempotencyKeyPayloadMismatch(t *testing.T) {
	f := newFixture(t)
	senderID, senderTok := f.register(t, "+2348011111111")
	f.register(t, "+2348022222222")
	f.fund(t, senderID, 20_000_000)

	headers := map[string]string{"Idempotency-Key": "reuse-1"}
	first := f.do(t, "POST", "/api/v1/transfers", senderTok, map[string]any{
		"recipient_phone": "+2348022222222", "amount_usdc": 1_000_000, "pin": testPIN,
	}, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	t.Run("a different amount under the same key is a conflict, not a replay", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/transfers", senderTok, map[string]any{
			"recipient_phone": "+2348022222222", "amount_usdc": 9_000_000, "pin": testPIN,
		}, headers)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "different request payload")

		txs := f.do(t, "GET", "/api/v1/accounts/"+senderID.String()+"/transactions", senderTok, nil, nil)
		require.Equal(t, http.StatusOK, txs.Code)
		var history []domain.Transaction
		require.NoError(t, json.Unmarshal(txs.Body.Bytes(), &history))
		assert.Len(t, history, 2) // the funding credit and the first transfer only
	})

	t.Run("the key lookup runs before the PIN check", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/transfers", senderTok, map[string]any{
			"recipient_phone": "+2348022222222", "amount_usdc": 1_000_000, "pin": "9999",
		}, headers)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	senderID, senderTok := f.register(t, "+2348011111111")
	f.fund(t, senderID, 10_000_000)

	rec := f.do(t, "POST", "/api/v1/escrows", senderTok, map[string]any{
		"recipient_phone": "+2348033333333", "amount_usdc": 1_000_000, "pin": testPIN,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var esc domain.Escrow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &esc))

	t.Run("creating an escrow for a registered phone is a conflict", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/escrows", senderTok, map[string]any{
			"recipient_phone": "+2348011111111", "amount_usdc": 1_000_000, "pin": testPIN,
		}, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("the sender reads the escrow", func(t *testing.T) {
		rec := f.do(t, "GET", "/api/v1/escrows/"+esc.ID.String(), senderTok, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("a registered recipient claims anonymously", func(t *testing.T) {
		f.register(t, "+2348033333333")
		rec := f.do(t, "POST", "/api/v1/escrows/claim", "", map[string]string{
			"claim_token": esc.ClaimToken, "phone": "+2348033333333",
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp claimResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, domain.EscrowClaimed, resp.Escrow.Status)
	})

	t.Run("cancelling a claimed escrow is a conflict", func(t *testing.T) {
		rec := f.do(t, "POST", "/api/v1/escrows/"+esc.ID.String()+"/cancel", senderTok, nil, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestRailWebhook(t *testing.T) {
	f := newFixture(t)
	acctID, tok := f.register(t, "+2348011111111")

	onramp := f.do(t, "POST", "/api/v1/onramps", tok, map[string]any{
		"amount_ngn": 150_000, "pin": testPIN,
	}, nil)
	require.Equal(t, http.StatusCreated, onramp.Code, onramp.Body.String())

	payload, err := json.Marshal(rail.WebhookEvent{TransferID: "tr_1", Status: "completed"})
	require.NoError(t, err)

	t.Run("rejects a missing or wrong signature", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/webhooks/rail", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req = httptest.NewRequest("POST", "/webhooks/rail", bytes.NewReader(payload))
		req.Header.Set(signatureHeader, "deadbeef")
		rec = httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		bal := f.do(t, "GET", "/api/v1/accounts/"+acctID.String()+"/balance", tok, nil, nil)
		var b domain.Balance
		require.NoError(t, json.Unmarshal(bal.Body.Bytes(), &b))
		assert.Equal(t, int64(0), b.Available)
	})

	t.Run("a signed event settles the onramp", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/webhooks/rail", bytes.NewReader(payload))
		req.Header.Set(signatureHeader, signBody([]byte(testWebhookSecret), payload))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		bal := f.do(t, "GET", "/api/v1/accounts/"+acctID.String()+"/balance", tok, nil, nil)
		var b domain.Balance
		require.NoError(t, json.Unmarshal(bal.Body.Bytes(), &b))
		assert.Equal(t, int64(100_000_000), b.Available)
	})

	t.Run("an unknown transfer id still answers 200", func(t *testing.T) {
		unknown, err := json.Marshal(rail.WebhookEvent{TransferID: "tr_ghost", Status: "completed"})
		require.NoError(t, err)
		req := httptest.NewRequest("POST", "/webhooks/rail", bytes.NewReader(unknown))
		req.Header.Set(signatureHeader, signBody([]byte(testWebhookSecret), unknown))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

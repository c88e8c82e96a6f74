package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/kudiflow/paycore/internal/apperr"
	"github.com/kudiflow/paycore/internal/auth"
	"github.com/kudiflow/paycore/internal/clock"
	"github.com/kudiflow/paycore/internal/domain"
	"github.com/kudiflow/paycore/internal/escrow"
	"github.com/kudiflow/paycore/internal/ledger"
	"github.com/kudiflow/paycore/internal/rail"
	"github.com/kudiflow/paycore/internal/store"
)

type Handler struct {
	store         store.Store
	ledger        *ledger.Service
	escrow        *escrow.Service
	rail          *rail.Service
	verifier      *auth.Verifier
	clock         clock.Clock
	logger        *slog.Logger
	idemTTL       time.Duration
	webhookSecret []byte
}

func NewHandler(st store.Store, led *ledger.Service, esc *escrow.Service, rl *rail.Service, verifier *auth.Verifier, clk clock.Clock, logger *slog.Logger, idemTTL time.Duration, webhookSecret []byte) *Handler {
	return &Handler{
		store:         st,
		ledger:        led,
		escrow:        esc,
		rail:          rl,
		verifier:      verifier,
		clock:         clk,
		logger:        logger,
		idemTTL:       idemTTL,
		webhookSecret: webhookSecret,
	}
}

// --- request/response plumbing ---

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondAppError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	if ae.Code == apperr.CodeUpstream {
		h.logger.Error("request failed", "err", err)
	}
	h.respondJSON(w, ae.Status, map[string]string{"code": string(ae.Code), "error": ae.Message})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("malformed JSON body")
	}
	return nil
}

// decodeAndHash reads the body once, returning its hex sha256 alongside the
// decoded request. The hash pins an idempotency key to this exact payload.
func decodeAndHash(r *http.Request, dst any) (string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", apperr.Validation("could not read request body")
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(dst); err != nil {
		return "", apperr.Validation("malformed JSON body")
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// mutate runs fn under the idempotency contract: a replay with the same
// (caller, key) and the same request body returns the previously recorded
// status and body verbatim; the same key under a different body is a
// conflict; a lookup failure aborts rather than risking double execution;
// the result is recorded only on success. PIN checks and other per-request
// work belong inside fn so a replay never re-executes them.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, callerID uuid.UUID, reqHash string, fn func(idemKey *string) (int, any, error)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		status, payload, err := fn(nil)
		if err != nil {
			h.respondAppError(w, err)
			return
		}
		h.respondJSON(w, status, payload)
		return
	}

	now := h.clock.Now()
	rec, err := h.store.GetIdempotency(r.Context(), callerID, key, now)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.respondAppError(w, apperr.Upstream("idempotency lookup failed", err))
		return
	}
	if rec != nil {
		if rec.RequestHash != reqHash {
			h.respondAppError(w, apperr.Conflict("idempotency key reused with a different request payload"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.ResponseStatus)
		w.Write(rec.ResponseBody)
		return
	}

	status, payload, err := fn(&key)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.respondAppError(w, apperr.Upstream("could not encode response", err))
		return
	}
	if err := h.store.PutIdempotency(r.Context(), domain.IdempotencyRecord{
		CallerID:       callerID,
		Key:            key,
		RequestHash:    reqHash,
		ResponseStatus: status,
		ResponseBody:   body,
		ExpiresAt:      now.Add(h.idemTTL),
	}); err != nil {
		h.logger.Error("could not record idempotency key", "caller_id", callerID, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// actor fetches the authenticated caller, or writes a 401.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		h.respondAppError(w, apperr.Authentication("missing bearer token"))
		return auth.Actor{}, false
	}
	return actor, true
}

// checkPIN verifies the caller's transaction PIN before any mutation.
func (h *Handler) checkPIN(r *http.Request, accountID uuid.UUID, pin string) error {
	if pin == "" {
		return apperr.Validation("transaction PIN is required")
	}
	acct, err := h.store.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("account not found")
		}
		return apperr.Upstream("could not load account", err)
	}
	return auth.CheckPIN(acct.PINHash, pin)
}

// --- accounts ---

type registerRequest struct {
	Phone string `json:"phone"`
	PIN   string `json:"pin"`
}

// Register is the registration boundary stub: identity verification happens
// upstream; the ledger only needs an id, a phone and a PIN hash.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondAppError(w, err)
		return
	}
	phone, err := domain.NormalizePhone(req.Phone)
	if err != nil {
		h.respondAppError(w, apperr.Validation("invalid phone number"))
		return
	}
	if len(req.PIN) < 4 {
		h.respondAppError(w, apperr.Validation("PIN must be at least 4 digits"))
		return
	}
	hash, err := auth.HashPIN(req.PIN)
	if err != nil {
		h.respondAppError(w, apperr.Upstream("could not hash PIN", err))
		return
	}
	acct := domain.Account{
		ID:        uuid.New(),
		Phone:     phone,
		PINHash:   hash,
		CreatedAt: h.clock.Now(),
	}
	if err := h.store.CreateAccount(r.Context(), acct); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			h.respondAppError(w, apperr.Conflict("an account already exists for this phone number"))
			return
		}
		h.respondAppError(w, apperr.Upstream("could not create account", err))
		return
	}
	h.respondJSON(w, http.StatusCreated, acct)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, apperr.Validation("malformed account id"))
		return
	}
	if id != actor.AccountID {
		h.respondAppError(w, apperr.Authorization("callers may only read their own balance"))
		return
	}
	bal, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, bal)
}

// --- transfers ---

type transferRequest struct {
	RecipientPhone string `json:"recipient_phone"`
	AmountUSDC     int64  `json:"amount_usdc"`
	PIN            string `json:"pin"`
}

type transferResponse struct {
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Escrow      *domain.Escrow      `json:"escrow,omitempty"`
}

// CreateTransfer sends money to a phone number. A registered recipient is
// credited immediately; an unregistered one gets a pending escrow instead.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req transferRequest
	reqHash, err := decodeAndHash(r, &req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	phone, err := domain.NormalizePhone(req.RecipientPhone)
	if err != nil {
		h.respondAppError(w, apperr.Validation("invalid recipient phone number"))
		return
	}

	h.mutate(w, r, actor.AccountID, reqHash, func(idemKey *string) (int, any, error) {
		if err := h.checkPIN(r, actor.AccountID, req.PIN); err != nil {
			return 0, nil, err
		}
		recipient, err := h.store.GetAccountByPhone(r.Context(), phone)
		switch {
		case errors.Is(err, store.ErrNotFound):
			esc, err := h.escrow.Create(r.Context(), escrow.CreateParams{
				SenderID:       actor.AccountID,
				RecipientPhone: phone,
				AmountUSDC:     req.AmountUSDC,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, transferResponse{Escrow: esc}, nil
		case err != nil:
			return 0, nil, apperr.Upstream("could not resolve recipient", err)
		}

		tx, err := h.ledger.Send(r.Context(), ledger.SendParams{
			SenderID:       actor.AccountID,
			RecipientID:    recipient.ID,
			AmountUSDC:     req.AmountUSDC,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, transferResponse{Transaction: tx}, nil
	})
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, apperr.Validation("malformed transaction id"))
		return
	}
	tx, err := h.ledger.Transaction(r.Context(), id, actor.AccountID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, tx)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, apperr.Validation("malformed account id"))
		return
	}
	if id != actor.AccountID {
		h.respondAppError(w, apperr.Authorization("callers may only read their own history"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := h.ledger.History(r.Context(), id, limit)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, txs)
}

// --- escrows ---

type escrowRequest struct {
	RecipientPhone string `json:"recipient_phone"`
	AmountUSDC     int64  `json:"amount_usdc"`
	PIN            string `json:"pin"`
}

func (h *Handler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req escrowRequest
	reqHash, err := decodeAndHash(r, &req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	phone, err := domain.NormalizePhone(req.RecipientPhone)
	if err != nil {
		h.respondAppError(w, apperr.Validation("invalid recipient phone number"))
		return
	}

	h.mutate(w, r, actor.AccountID, reqHash, func(idemKey *string) (int, any, error) {
		if err := h.checkPIN(r, actor.AccountID, req.PIN); err != nil {
			return 0, nil, err
		}
		if _, err := h.store.GetAccountByPhone(r.Context(), phone); err == nil {
			return 0, nil, apperr.Conflict("recipient is already registered; use a direct transfer")
		} else if !errors.Is(err, store.ErrNotFound) {
			return 0, nil, apperr.Upstream("could not resolve recipient", err)
		}
		esc, err := h.escrow.Create(r.Context(), escrow.CreateParams{
			SenderID:       actor.AccountID,
			RecipientPhone: phone,
			AmountUSDC:     req.AmountUSDC,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, esc, nil
	})
}

func (h *Handler) CancelEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, apperr.Validation("malformed escrow id"))
		return
	}
	esc, err := h.escrow.Cancel(r.Context(), id, actor.AccountID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, esc)
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, apperr.Validation("malformed escrow id"))
		return
	}
	esc, err := h.escrow.Get(r.Context(), id, actor.AccountID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, esc)
}

type claimRequest struct {
	ClaimToken string `json:"claim_token"`
	Phone      string `json:"phone,omitempty"`
}

type claimResponse struct {
	Escrow      *domain.Escrow      `json:"escrow"`
	Transaction *domain.Transaction `json:"transaction"`
}

// ClaimEscrow sits outside the auth middleware: a recipient may claim with
// a bearer token, or anonymously with a registered phone number.
func (h *Handler) ClaimEscrow(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondAppError(w, err)
		return
	}
	if req.ClaimToken == "" {
		h.respondAppError(w, apperr.Validation("claim_token is required"))
		return
	}

	params := escrow.ClaimParams{ClaimToken: req.ClaimToken, Phone: req.Phone}
	if r.Header.Get("Authorization") != "" {
		actor, err := auth.ActorFromRequest(h.verifier, r)
		if err != nil {
			h.respondAppError(w, err)
			return
		}
		params.Actor = &actor
	}

	esc, tx, err := h.escrow.Claim(r.Context(), params)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, claimResponse{Escrow: esc, Transaction: tx})
}

// --- rail ---

type onrampRequest struct {
	AmountNGN int64  `json:"amount_ngn"`
	PIN       string `json:"pin"`
}

func (h *Handler) CreateOnramp(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req onrampRequest
	reqHash, err := decodeAndHash(r, &req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.mutate(w, r, actor.AccountID, reqHash, func(idemKey *string) (int, any, error) {
		if err := h.checkPIN(r, actor.AccountID, req.PIN); err != nil {
			return 0, nil, err
		}
		tx, err := h.rail.Onramp(r.Context(), rail.OnrampParams{
			AccountID:      actor.AccountID,
			AccountPhone:   actor.Phone,
			AmountNGN:      req.AmountNGN,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, tx, nil
	})
}

type offrampRequest struct {
	AmountUSDC  int64  `json:"amount_usdc"`
	BankCode    string `json:"bank_code"`
	BankAccount string `json:"bank_account"`
	PIN         string `json:"pin"`
}

func (h *Handler) CreateOfframp(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req offrampRequest
	reqHash, err := decodeAndHash(r, &req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.mutate(w, r, actor.AccountID, reqHash, func(idemKey *string) (int, any, error) {
		if err := h.checkPIN(r, actor.AccountID, req.PIN); err != nil {
			return 0, nil, err
		}
		tx, err := h.rail.Offramp(r.Context(), rail.OfframpParams{
			AccountID:      actor.AccountID,
			AmountUSDC:     req.AmountUSDC,
			BankCode:       req.BankCode,
			BankAccount:    req.BankAccount,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, tx, nil
	})
}

func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	rate, err := h.rail.Quote(r.Context())
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"rate_ngn": rate.String()})
}

// --- pools ---

type poolRequest struct {
	Name       string `json:"name"`
	TargetUSDC int64  `json:"target_usdc"`
}

func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req poolRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondAppError(w, err)
		return
	}
	pool, err := h.ledger.CreatePool(r.Context(), actor.AccountID, req.Name, req.TargetUSDC)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, pool)
}

type poolMoveRequest struct {
	AmountUSDC int64  `json:"amount_usdc"`
	PIN        string `json:"pin"`
}

func (h *Handler) ContributeToPool(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	poolID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, apperr.Validation("malformed pool id"))
		return
	}
	var req poolMoveRequest
	reqHash, err := decodeAndHash(r, &req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.mutate(w, r, actor.AccountID, reqHash, func(idemKey *string) (int, any, error) {
		if err := h.checkPIN(r, actor.AccountID, req.PIN); err != nil {
			return 0, nil, err
		}
		tx, err := h.ledger.Contribute(r.Context(), poolID, actor.AccountID, req.AmountUSDC, idemKey)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, tx, nil
	})
}

func (h *Handler) WithdrawFromPool(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	poolID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, apperr.Validation("malformed pool id"))
		return
	}
	var req poolMoveRequest
	reqHash, err := decodeAndHash(r, &req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.mutate(w, r, actor.AccountID, reqHash, func(idemKey *string) (int, any, error) {
		if err := h.checkPIN(r, actor.AccountID, req.PIN); err != nil {
			return 0, nil, err
		}
		tx, err := h.ledger.WithdrawPool(r.Context(), poolID, actor.AccountID, req.AmountUSDC, idemKey)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, tx, nil
	})
}

// --- splits ---

type splitRequest struct {
	Reason string           `json:"reason"`
	Shares map[string]int64 `json:"shares"` // participant account id -> amount
}

func (h *Handler) CreateSplit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req splitRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondAppError(w, err)
		return
	}
	shares := make(map[uuid.UUID]int64, len(req.Shares))
	for raw, amount := range req.Shares {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.respondAppError(w, apperr.Validation("malformed participant id"))
			return
		}
		shares[id] = amount
	}
	sp, err := h.ledger.CreateSplit(r.Context(), actor.AccountID, req.Reason, shares)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, sp)
}

type paySplitRequest struct {
	PIN string `json:"pin"`
}

func (h *Handler) PaySplit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	splitID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, apperr.Validation("malformed split id"))
		return
	}
	var req paySplitRequest
	reqHash, err := decodeAndHash(r, &req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.mutate(w, r, actor.AccountID, reqHash, func(idemKey *string) (int, any, error) {
		if err := h.checkPIN(r, actor.AccountID, req.PIN); err != nil {
			return 0, nil, err
		}
		tx, err := h.ledger.PaySplitShare(r.Context(), splitID, actor.AccountID, idemKey)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, tx, nil
	})
}

// --- bills ---

type billRequest struct {
	Category   string `json:"category"`
	BillerRef  string `json:"biller_ref"`
	AmountUSDC int64  `json:"amount_usdc"`
	PIN        string `json:"pin"`
}

func (h *Handler) PayBill(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req billRequest
	reqHash, err := decodeAndHash(r, &req)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	h.mutate(w, r, actor.AccountID, reqHash, func(idemKey *string) (int, any, error) {
		if err := h.checkPIN(r, actor.AccountID, req.PIN); err != nil {
			return 0, nil, err
		}
		tx, err := h.ledger.PayBill(r.Context(), ledger.BillParams{
			AccountID:      actor.AccountID,
			Category:       req.Category,
			BillerRef:      req.BillerRef,
			AmountUSDC:     req.AmountUSDC,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, tx, nil
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

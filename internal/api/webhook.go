package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/kudiflow/paycore/internal/apperr"
	"github.com/kudiflow/paycore/internal/rail"
)

// signatureHeader carries the provider's HMAC-SHA256 of the raw body.
const signatureHeader = "X-Rail-Signature"

func signBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// RailWebhook verifies the payload signature before trusting a byte of it.
// Unknown transfer ids still answer 200 so the provider stops retrying; the
// anomaly is logged inside the rail service.
func (h *Handler) RailWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondAppError(w, apperr.Upstream("could not read webhook body", err))
		return
	}

	sig := r.Header.Get(signatureHeader)
	expected := signBody(h.webhookSecret, body)
	if sig == "" || !hmac.Equal([]byte(sig), []byte(expected)) {
		h.respondAppError(w, apperr.Authentication("invalid webhook signature"))
		return
	}

	var ev rail.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.respondAppError(w, apperr.Validation("malformed webhook payload"))
		return
	}
	if err := h.rail.HandleWebhook(r.Context(), ev); err != nil {
		h.respondAppError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

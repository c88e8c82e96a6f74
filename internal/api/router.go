package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kudiflow/paycore/internal/auth"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycore_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpLatency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// Router wires every endpoint. The webhook, registration, claim, health and
// metrics endpoints sit outside the auth middleware; everything else
// requires a bearer token.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/webhooks/rail", h.RailWebhook).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(auth.Middleware(h.verifier, []string{
		"/api/v1/accounts",
		"/api/v1/escrows/claim",
	}))

	apiV1.HandleFunc("/accounts", h.Register).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/transactions", h.ListTransactions).Methods("GET")

	apiV1.HandleFunc("/transfers", h.CreateTransfer).Methods("POST")
	apiV1.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")

	apiV1.HandleFunc("/escrows", h.CreateEscrow).Methods("POST")
	apiV1.HandleFunc("/escrows/claim", h.ClaimEscrow).Methods("POST")
	apiV1.HandleFunc("/escrows/{id}", h.GetEscrow).Methods("GET")
	apiV1.HandleFunc("/escrows/{id}/cancel", h.CancelEscrow).Methods("POST")

	apiV1.HandleFunc("/onramps", h.CreateOnramp).Methods("POST")
	apiV1.HandleFunc("/offramps", h.CreateOfframp).Methods("POST")
	apiV1.HandleFunc("/rates/quote", h.GetQuote).Methods("GET")

	apiV1.HandleFunc("/pools", h.CreatePool).Methods("POST")
	apiV1.HandleFunc("/pools/{id}/contributions", h.ContributeToPool).Methods("POST")
	apiV1.HandleFunc("/pools/{id}/withdrawals", h.WithdrawFromPool).Methods("POST")

	apiV1.HandleFunc("/splits", h.CreateSplit).Methods("POST")
	apiV1.HandleFunc("/splits/{id}/payments", h.PaySplit).Methods("POST")

	apiV1.HandleFunc("/bills", h.PayBill).Methods("POST")

	return r
}

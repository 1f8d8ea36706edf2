package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mojisejr/mimi-vibe-backend/internal/admission"
	"github.com/mojisejr/mimi-vibe-backend/internal/config"
	"github.com/mojisejr/mimi-vibe-backend/internal/models"
	"github.com/mojisejr/mimi-vibe-backend/internal/payments"
	"github.com/mojisejr/mimi-vibe-backend/internal/store"
	"github.com/mojisejr/mimi-vibe-backend/internal/telemetry"
)

// Server wires HTTP handlers for the public API.
type Server struct {
	cfg       config.Config
	store     *store.Store
	admission *admission.Service
	settler   *payments.Settler
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, adm *admission.Service, settler *payments.Settler) *Server {
	return &Server{cfg: cfg, store: st, admission: adm, settler: settler}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/accounts", s.handleCreateAccount)
	r.Get("/accounts/{id}/balance", s.handleBalance)
	r.Post("/accounts/{id}/exchange", s.handleExchange)
	r.Post("/accounts/{id}/referral-reward", s.handleReferralReward)

	r.Post("/readings", s.handleSubmit)
	r.Get("/readings/{id}", s.handleGetReading)
	r.Post("/readings/{id}/cancel", s.handleCancel)

	r.Post("/payments/webhook", s.handlePaymentWebhook)
	return r
}

type submitRequest struct {
	Question string `json:"question"`
	Topic    string `json:"topic"`
	Language string `json:"language"`
}

type submitResponse struct {
	ReadingID string `json:"reading_id"`
	Status    string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	accountID := r.Header.Get("X-Account-ID")
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	reading, err := s.admission.Submit(r.Context(), accountID, models.ReadingPayload{
		Question: req.Question,
		Topic:    req.Topic,
		Language: req.Language,
	})
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ReadingID: reading.ID, Status: reading.Status})
}

// statusResponse is the polling view. Internal fields (worker id, lease,
// reserved split) stay internal; failure_reason is a stable category,
// never raw provider text.
type statusResponse struct {
	ReadingID     string  `json:"reading_id"`
	Status        string  `json:"status"`
	Result        *string `json:"result,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

func (s *Server) handleGetReading(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reading, err := s.admission.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "reading not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ReadingID:     reading.ID,
		Status:        reading.Status,
		Result:        reading.Result,
		FailureReason: reading.FailureReason,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admission.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotCancelable) {
			writeError(w, http.StatusConflict, "reading is not cancelable")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type createAccountRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	account, err := s.store.CreateAccount(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create account failed")
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"stars": account.Stars, "coins": account.Coins})
}

type exchangeRequest struct {
	Coins int64 `json:"coins"`
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Coins <= 0 {
		writeError(w, http.StatusBadRequest, "coins must be a positive integer")
		return
	}
	gained, balance, err := s.store.Exchange(r.Context(), id, req.Coins, s.cfg.ExchangeRatio)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			writeError(w, http.StatusPaymentRequired, "not enough coins to exchange")
		case errors.Is(err, store.ErrUnknownAccount):
			writeError(w, http.StatusNotFound, "account not found")
		default:
			writeError(w, http.StatusInternalServerError, "exchange failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"stars_gained": gained,
		"stars":        balance.Stars,
		"coins":        balance.Coins,
	})
}

type referralRewardRequest struct {
	Coins      int64  `json:"coins"`
	ReferralID string `json:"referral_id"`
}

func (s *Server) handleReferralReward(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req referralRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Coins <= 0 {
		writeError(w, http.StatusBadRequest, "coins must be a positive integer")
		return
	}
	balance, err := s.store.Credit(r.Context(), id, 0, req.Coins, models.ReasonReferralReward, req.ReferralID)
	if err != nil {
		if errors.Is(err, store.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "reward failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"stars": balance.Stars, "coins": balance.Coins})
}

// paymentWebhookRequest arrives after signature verification upstream;
// delivery is at-least-once and possibly duplicated.
type paymentWebhookRequest struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	Stars     int64  `json:"stars"`
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	outcome, err := s.settler.Settle(r.Context(), req.EventID, req.AccountID, req.Stars)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrBadEvent):
			writeError(w, http.StatusBadRequest, "malformed event")
		case errors.Is(err, store.ErrUnknownAccount):
			writeError(w, http.StatusNotFound, "account not found")
		default:
			// Processor retries on 5xx; settlement is idempotent.
			writeError(w, http.StatusInternalServerError, "settlement failed")
		}
		return
	}
	status := "applied"
	if outcome == payments.AlreadyApplied {
		status = "already_applied"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited, retry later")
	case errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, store.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, "account not found")
	default:
		writeError(w, http.StatusInternalServerError, "submission failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fgb-andu/melodia-api/pkg/domain"
	"github.com/fgb-andu/melodia-api/pkg/service/credits"
	"github.com/fgb-andu/melodia-api/pkg/service/identify"
	"github.com/fgb-andu/melodia-api/pkg/service/metering"
	"github.com/fgb-andu/melodia-api/pkg/service/quota"
	"github.com/fgb-andu/melodia-api/pkg/service/subscription"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const timeFormat = time.RFC3339

type Handler struct {
	registry *subscription.Registry
	ledger   *quota.Ledger
	wallet   *credits.Wallet
	sessions *identify.Manager
	gate     *metering.Gate
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewHandler(registry *subscription.Registry, ledger *quota.Ledger, wallet *credits.Wallet, sessions *identify.Manager, gate *metering.Gate) *Handler {
	return &Handler{
		registry: registry,
		ledger:   ledger,
		wallet:   wallet,
		sessions: sessions,
		gate:     gate,
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/subscription", h.HandleGetSubscription)
		r.Post("/subscription", h.HandleSetSubscription)

		r.Get("/quota", h.HandleQuotaStatus)
		r.Post("/quota/reset", h.HandleQuotaReset)

		r.Get("/credits", h.HandleGetCredits)
		r.Post("/credits/share", h.HandleRecordShare)

		r.Post("/identify/admit", h.HandleAdmit)
		r.Post("/sessions", h.HandleStartSession)
		r.Post("/sessions/{sessionID}/attempts", h.HandleRecordAttempt)
		r.Post("/sessions/{sessionID}/end", h.HandleEndSession)
	})

	return r
}

type SubscriptionResponse struct {
	Tier       domain.Tier       `json:"tier"`
	AssignedAt string            `json:"assigned_at,omitempty"`
	Config     domain.TierConfig `json:"config"`
}

func (h *Handler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	assignment := h.registry.Assignment(r.Context())
	resp := SubscriptionResponse{
		Tier:   assignment.Tier,
		Config: h.registry.Config(assignment.Tier),
	}
	if assignment.AssignedAt != nil {
		resp.AssignedAt = assignment.AssignedAt.Format(timeFormat)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

type SetSubscriptionRequest struct {
	Tier string `json:"tier"`
}

func (h *Handler) HandleSetSubscription(w http.ResponseWriter, r *http.Request) {
	var req SetSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tier, err := domain.ParseTier(req.Tier)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.SetTier(r.Context(), tier); err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to update subscription")
		return
	}
	respondWithJSON(w, http.StatusOK, SubscriptionResponse{Tier: tier, Config: h.registry.Config(tier)})
}

func (h *Handler) HandleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	tier := h.registry.Tier(r.Context())
	respondWithJSON(w, http.StatusOK, h.ledger.Status(r.Context(), tier))
}

func (h *Handler) HandleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Reset(r.Context()); err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to reset quota")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Quota reset"})
}

type CreditsResponse struct {
	Balance int `json:"balance"`
}

func (h *Handler) HandleGetCredits(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, CreditsResponse{Balance: h.wallet.Balance(r.Context())})
}

func (h *Handler) HandleRecordShare(w http.ResponseWriter, r *http.Request) {
	// Rejection past the daily cap is an expected state, so always 200.
	respondWithJSON(w, http.StatusOK, h.wallet.RecordShare(r.Context()))
}

func (h *Handler) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	// Denial is an expected state, not an error status.
	respondWithJSON(w, http.StatusOK, h.gate.Admit(r.Context()))
}

type StartSessionRequest struct {
	UserID string `json:"user_id"`
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	id, err := h.sessions.Start(r.Context(), req.UserID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to start session")
		return
	}
	respondWithJSON(w, http.StatusCreated, StartSessionResponse{SessionID: id})
}

type RecordAttemptRequest struct {
	ResultCount int  `json:"result_count"`
	IsRetry     bool `json:"is_retry"`
}

func (h *Handler) HandleRecordAttempt(w http.ResponseWriter, r *http.Request) {
	var req RecordAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	view, err := h.sessions.RecordAttempt(r.Context(), chi.URLParam(r, "sessionID"), req.ResultCount, req.IsRetry)
	if err != nil {
		respondWithSessionError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

type EndSessionRequest struct {
	Outcome string          `json:"outcome"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (h *Handler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	outcome, err := domain.ParseSessionState(req.Outcome)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.sessions.End(r.Context(), chi.URLParam(r, "sessionID"), outcome, req.Result); err != nil {
		respondWithSessionError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Session ended"})
}

func respondWithSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identify.ErrSessionNotFound):
		respondWithError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, identify.ErrInvalidTransition):
		respondWithError(w, http.StatusConflict, "Session already ended")
	case errors.Is(err, identify.ErrRetriesExhausted):
		respondWithError(w, http.StatusConflict, "No attempts remaining")
	default:
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// Helper functions for JSON responses
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

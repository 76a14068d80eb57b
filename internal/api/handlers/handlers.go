package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/api/middleware"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/jobs"
	"github.com/dvloznov/statement-insights/internal/pipeline"
)

// Service is the part of the pipeline service the handlers call.
type Service interface {
	Submit(ctx context.Context, in pipeline.BatchInput) (pipeline.SubmitResult, error)
	Estimate(ctx context.Context, userID string, keys []string, withNarrative bool) (pipeline.EstimateResult, error)
	Session(ctx context.Context, userID, sessionID string) (domain.Session, error)
	Result(ctx context.Context, userID, sessionID string) (pipeline.SessionResult, error)
	Jobs(ctx context.Context, userID, sessionID string) ([]*jobs.AnalysisJob, error)
	Transactions(ctx context.Context, userID, sessionID string, page, limit int, search string) (pipeline.TransactionPage, error)
	WriteTransactionsCSV(ctx context.Context, userID, sessionID string, w io.Writer) error
	Balance(ctx context.Context, userID string) (domain.TokenBalance, error)
}

var _ Service = (*pipeline.Service)(nil)

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	switch domain.Kind(err) {
	case domain.ErrValidation:
		return http.StatusBadRequest
	case domain.ErrInsufficientTokens:
		return http.StatusPaymentRequired
	case domain.ErrSessionConflict:
		return http.StatusConflict
	case domain.ErrUpstreamRateLimited:
		return http.StatusTooManyRequests
	case domain.ErrUpstreamExtraction:
		return http.StatusBadGateway
	case domain.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with the status of its kind. Internal errors
// are logged and answered with a generic message.
func writeDomainError(w http.ResponseWriter, log zerolog.Logger, err error, msg string) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
		middleware.WriteError(w, status, msg)
		return
	}
	middleware.WriteError(w, status, err.Error())
}

// SessionsHandler handles batch submission and session reads.
type SessionsHandler struct {
	svc Service
	log zerolog.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(svc Service, log zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		svc: svc,
		log: log,
	}
}

// Process handles POST /api/v1/process
func (h *SessionsHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID      string   `json:"session_id"`
		DocumentKeys   []string `json:"document_keys"`
		TokensEstimate int64    `json:"tokens_estimate"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.svc.Submit(r.Context(), pipeline.BatchInput{
		SessionID:      req.SessionID,
		UserID:         middleware.UserID(r.Context()),
		DocumentKeys:   req.DocumentKeys,
		TokensEstimate: req.TokensEstimate,
	})
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to submit batch")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, res)
}

// TokensEstimate handles POST /api/v1/tokens-estimate
func (h *SessionsHandler) TokensEstimate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentKeys     []string `json:"document_keys"`
		IncludeNarrative *bool    `json:"include_narrative"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	withNarrative := true
	if req.IncludeNarrative != nil {
		withNarrative = *req.IncludeNarrative
	}

	res, err := h.svc.Estimate(r.Context(), middleware.UserID(r.Context()), req.DocumentKeys, withNarrative)
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to estimate tokens")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, res)
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *SessionsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Session(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to get session")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, sess)
}

// GetResult handles GET /api/v1/sessions/{id}/result
func (h *SessionsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Result(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to get session result")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, res)
}

// GetJobs handles GET /api/v1/sessions/{id}/jobs
func (h *SessionsHandler) GetJobs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	list, err := h.svc.Jobs(r.Context(), middleware.UserID(r.Context()), sessionID)
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to list session jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"jobs":       list,
	})
}

// GetBalance handles GET /api/v1/balance
func (h *SessionsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.svc.Balance(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to get balance")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"balance":        bal,
		"free_remaining": bal.FreeRemaining(),
		"paid_remaining": bal.PaidRemaining(),
	})
}

// TransactionsHandler handles transaction listing and export.
type TransactionsHandler struct {
	svc Service
	log zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(svc Service, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		svc: svc,
		log: log,
	}
}

// ListTransactions handles GET /api/v1/transactions/{session_id}
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := intParam(query.Get("page"), 0)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid page")
		return
	}
	limit, err := intParam(query.Get("limit"), pipeline.DefaultTransactionsLimit)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	res, err := h.svc.Transactions(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "session_id"), page, limit, query.Get("search"))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to list transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data": res.Items,
		"meta_data": map[string]int{
			"total": res.Total,
			"page":  res.Page,
			"limit": res.Limit,
		},
	})
}

// DownloadTransactions handles GET /api/v1/transactions/download/{session_id}
func (h *TransactionsHandler) DownloadTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)
	sessionID := chi.URLParam(r, "session_id")

	// Resolve the session first so that a missing one still gets a JSON error.
	if _, err := h.svc.Session(ctx, userID, sessionID); err != nil {
		writeDomainError(w, h.log, err, "Failed to export transactions")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "transactions-"+sessionID+".csv"))
	w.WriteHeader(http.StatusOK)

	if err := h.svc.WriteTransactionsCSV(ctx, userID, sessionID, w); err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to write transactions CSV")
	}
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative value")
	}
	return v, nil
}

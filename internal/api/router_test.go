package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/jobs"
	"github.com/dvloznov/statement-insights/internal/pipeline"
	"github.com/dvloznov/statement-insights/internal/progress"
)

// stubService records the user and session of the last call.
type stubService struct {
	userID    string
	sessionID string
}

func (s *stubService) Submit(ctx context.Context, in pipeline.BatchInput) (pipeline.SubmitResult, error) {
	s.userID = in.UserID
	return pipeline.SubmitResult{SessionID: "new"}, nil
}

func (s *stubService) Estimate(ctx context.Context, userID string, keys []string, withNarrative bool) (pipeline.EstimateResult, error) {
	s.userID = userID
	return pipeline.EstimateResult{}, nil
}

func (s *stubService) Session(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	s.userID, s.sessionID = userID, sessionID
	return domain.Session{SessionID: sessionID, Status: domain.SessionPending}, nil
}

func (s *stubService) Result(ctx context.Context, userID, sessionID string) (pipeline.SessionResult, error) {
	s.userID, s.sessionID = userID, sessionID
	return pipeline.SessionResult{}, domain.Wrap(domain.ErrNotFound, "not completed")
}

func (s *stubService) Jobs(ctx context.Context, userID, sessionID string) ([]*jobs.AnalysisJob, error) {
	s.userID, s.sessionID = userID, sessionID
	return []*jobs.AnalysisJob{}, nil
}

func (s *stubService) Transactions(ctx context.Context, userID, sessionID string, page, limit int, search string) (pipeline.TransactionPage, error) {
	s.userID, s.sessionID = userID, sessionID
	return pipeline.TransactionPage{}, nil
}

func (s *stubService) WriteTransactionsCSV(ctx context.Context, userID, sessionID string, w io.Writer) error {
	s.userID, s.sessionID = userID, sessionID
	return nil
}

func (s *stubService) Balance(ctx context.Context, userID string) (domain.TokenBalance, error) {
	s.userID = userID
	return domain.TokenBalance{}, nil
}

func newTestRouter(svc *stubService) http.Handler {
	return NewRouter(svc, progress.NewBroadcaster(time.Minute, zerolog.Nop()), RouterConfig{Logger: zerolog.Nop()})
}

func TestHealthNeedsNoAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&stubService{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestAPIRequiresUser(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&stubService{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		method      string
		path        string
		wantStatus  int
		wantSession string
	}{
		{http.MethodGet, "/api/v1/sessions/s1", http.StatusOK, "s1"},
		{http.MethodGet, "/api/v1/sessions/s2/result", http.StatusNotFound, "s2"},
		{http.MethodGet, "/api/v1/sessions/s5/jobs", http.StatusOK, "s5"},
		{http.MethodGet, "/api/v1/transactions/s3", http.StatusOK, "s3"},
		{http.MethodGet, "/api/v1/transactions/download/s4", http.StatusOK, "s4"},
		{http.MethodGet, "/api/v1/balance", http.StatusOK, ""},
		{http.MethodPost, "/api/v1/sessions/s1", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			svc := &stubService{}
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("X-User-ID", "user-9")

			rec := httptest.NewRecorder()
			newTestRouter(svc).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusMethodNotAllowed && svc.userID != "user-9" {
				t.Errorf("user = %q, want user-9", svc.userID)
			}
			if svc.sessionID != tt.wantSession {
				t.Errorf("session = %q, want %q", svc.sessionID, tt.wantSession)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/process", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := httptest.NewRecorder()
	newTestRouter(&stubService{}).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

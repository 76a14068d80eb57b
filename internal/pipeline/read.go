package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/estimate"
	"github.com/dvloznov/statement-insights/internal/jobs"
	"github.com/dvloznov/statement-insights/internal/logger"
	"github.com/dvloznov/statement-insights/internal/store"
)

// DefaultTransactionsLimit is the listing page size when none is given.
const DefaultTransactionsLimit = 10

// EstimateResult is the pre-flight cost of a batch.
type EstimateResult struct {
	Tokens    estimate.TokenEstimate    `json:"tokens"`
	Duration  estimate.DurationEstimate `json:"duration"`
	Documents []estimate.Metrics        `json:"documents"`
}

// Estimate fetches the documents and predicts the tokens and time a batch
// over them would take.
func (s *Service) Estimate(ctx context.Context, userID string, keys []string, withNarrative bool) (EstimateResult, error) {
	if err := s.validateKeys(keys); err != nil {
		return EstimateResult{}, err
	}

	docs := make([]estimate.Metrics, 0, len(keys))
	for _, key := range keys {
		pages, err := s.source.Fetch(ctx, key)
		if err != nil {
			return EstimateResult{}, fmt.Errorf("estimate %s: %w", key, err)
		}
		docs = append(docs, estimate.MetricsFromPages(pages))
	}

	res := EstimateResult{
		Tokens:    s.estimator.Tokens(docs, withNarrative),
		Duration:  s.estimator.Duration(docs, withNarrative),
		Documents: docs,
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("user_id", userID).
		Int("documents", len(keys)).
		Int64("product_tokens", res.Tokens.ProductTokens).
		Str("duration", res.Duration.Text).
		Msg("Estimated batch")
	return res, nil
}

// SessionResult is a finished session with its report.
type SessionResult struct {
	Session   domain.Session    `json:"session"`
	Snapshot  analysis.Snapshot `json:"snapshot"`
	Narrative string            `json:"narrative,omitempty"`
}

// Session returns the user's session. Sessions of other users are reported
// as not found.
func (s *Service) Session(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	sess, err := s.ledger.Session(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.UserID != userID {
		return domain.Session{}, domain.Wrap(domain.ErrNotFound, "session %s", sessionID)
	}
	return sess, nil
}

// Jobs returns the queue jobs recorded for the user's session, oldest
// first. The list is empty when no job store is wired.
func (s *Service) Jobs(ctx context.Context, userID, sessionID string) ([]*jobs.AnalysisJob, error) {
	if _, err := s.Session(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if s.jobs == nil {
		return []*jobs.AnalysisJob{}, nil
	}
	list, err := s.jobs.ListJobs(ctx, jobs.JobFilter{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("list jobs of session %s: %w", sessionID, err)
	}
	return list, nil
}

// Balance returns the user's token balance.
func (s *Service) Balance(ctx context.Context, userID string) (domain.TokenBalance, error) {
	return s.ledger.Balance(ctx, userID)
}

// Result returns the snapshot and narrative of a completed session.
func (s *Service) Result(ctx context.Context, userID, sessionID string) (SessionResult, error) {
	sess, err := s.Session(ctx, userID, sessionID)
	if err != nil {
		return SessionResult{}, err
	}
	if sess.Status != domain.SessionCompleted {
		return SessionResult{}, domain.Wrap(domain.ErrNotFound, "session %s has no result while %s", sessionID, sess.Status)
	}

	snap, err := s.store.FetchSnapshot(ctx, sessionID)
	if err != nil {
		return SessionResult{}, err
	}
	narrative, err := s.store.FetchNarrative(ctx, sessionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return SessionResult{}, err
	}

	return SessionResult{Session: sess, Snapshot: snap, Narrative: narrative}, nil
}

// TransactionPage is one page of a session's transactions.
type TransactionPage struct {
	Items []domain.Transaction `json:"data"`
	Total int                  `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

// Transactions lists a session's transactions. page is zero-based.
func (s *Service) Transactions(ctx context.Context, userID, sessionID string, page, limit int, search string) (TransactionPage, error) {
	if _, err := s.Session(ctx, userID, sessionID); err != nil {
		return TransactionPage{}, err
	}
	if page < 0 {
		return TransactionPage{}, domain.Wrap(domain.ErrValidation, "page must not be negative")
	}
	if limit <= 0 {
		limit = DefaultTransactionsLimit
	}

	q := store.TransactionQuery{Search: search, Limit: limit, Offset: page * limit}.Normalize()
	items, err := s.store.ListBySession(ctx, sessionID, q)
	if err != nil {
		return TransactionPage{}, domain.Wrap(domain.ErrPersistence, "list transactions: %w", err)
	}
	total, err := s.store.CountBySession(ctx, sessionID, search)
	if err != nil {
		return TransactionPage{}, domain.Wrap(domain.ErrPersistence, "count transactions: %w", err)
	}
	if items == nil {
		items = []domain.Transaction{}
	}

	return TransactionPage{Items: items, Total: total, Page: page, Limit: q.Limit}, nil
}

var csvHeader = []string{
	"transaction_id", "date", "description", "merchant", "amount", "direction",
	"source", "currency", "category", "subcategory", "account_id",
	"is_internal_transfer", "confidence",
}

// WriteTransactionsCSV writes every transaction of the session to w.
func (s *Service) WriteTransactionsCSV(ctx context.Context, userID, sessionID string, w io.Writer) error {
	if _, err := s.Session(ctx, userID, sessionID); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for offset := 0; ; offset += store.MaxPageSize {
		items, err := s.store.ListBySession(ctx, sessionID, store.TransactionQuery{Limit: store.MaxPageSize, Offset: offset})
		if err != nil {
			return domain.Wrap(domain.ErrPersistence, "list transactions: %w", err)
		}
		for _, t := range items {
			if err := cw.Write(csvRecord(t)); err != nil {
				return err
			}
		}
		if len(items) < store.MaxPageSize {
			break
		}
	}

	cw.Flush()
	return cw.Error()
}

func csvRecord(t domain.Transaction) []string {
	return []string{
		t.TransactionID,
		t.Date.String(),
		t.Description,
		t.MerchantOr(""),
		strconv.FormatFloat(t.Amount, 'f', 2, 64),
		string(t.Direction),
		string(t.Source),
		t.Currency,
		t.CategoryOr(""),
		deref(t.Subcategory),
		t.AccountID,
		strconv.FormatBool(t.IsInternalTransfer),
		strconv.FormatFloat(t.Confidence, 'f', -1, 64),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

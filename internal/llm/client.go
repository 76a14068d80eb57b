// Package llm talks to the text-understanding service. Every response passes
// through a validation boundary before it becomes a domain value.
package llm

import (
	"context"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// Usage is the provider-reported token usage of one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ExtractRequest is one chunk extraction call.
type ExtractRequest struct {
	Context   domain.AccountContext
	ChunkText string
	SessionID string
	UserID    string
	AccountID string
}

// Client is the text-understanding service used by the pipeline.
type Client interface {
	DetectContext(ctx context.Context, firstPageText string) (domain.AccountContext, Usage, error)
	ExtractTransactions(ctx context.Context, req ExtractRequest) ([]domain.Transaction, Usage, error)
	// GenerateNarrative returns a JSON report built from the snapshot.
	GenerateNarrative(ctx context.Context, snapshot interface{}) (string, Usage, error)
}

// PageExtractor turns a PDF into per-page text.
type PageExtractor interface {
	ExtractPages(ctx context.Context, pdf []byte) ([]domain.Page, Usage, error)
}

// Categories is the closed set of categories the model may assign.
var Categories = []string{
	"food_and_dining",
	"groceries",
	"shopping",
	"transport",
	"fuel",
	"travel",
	"healthcare",
	"entertainment",
	"subscriptions",
	"utilities",
	"financial_services",
	"personal_transfer",
	"accommodation",
	"education",
	"others",
}

var categorySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Categories))
	for _, c := range Categories {
		m[c] = struct{}{}
	}
	return m
}()

// transportError classifies a failure that carries no provider response:
// connection resets, DNS errors, client timeouts. Cancellation of the
// caller's own context is returned unchanged.
func transportError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return domain.Wrap(domain.ErrUpstreamExtraction, "%s transport: %w", provider, err)
}

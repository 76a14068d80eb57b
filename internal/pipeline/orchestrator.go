package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/statement-insights/internal/chunker"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/llm"
	"github.com/dvloznov/statement-insights/internal/logger"
	"github.com/dvloznov/statement-insights/internal/ratelimit"
)

// DocumentInput identifies one document of a session.
type DocumentInput struct {
	Key       string
	SessionID string
	UserID    string
}

// DocumentResult reports what processing one document produced.
type DocumentResult struct {
	Key          string
	AccountID    string
	Pages        int
	Chunks       int
	Transactions []domain.Transaction
	Usage        llm.Usage
}

// Orchestrator runs the per-document pipeline.
type Orchestrator struct {
	source   PageSource
	client   llm.Client
	executor *ratelimit.Executor
	chunker  *chunker.Chunker
	writer   TransactionWriter
}

// NewOrchestrator creates an orchestrator. A nil chunker selects the default
// chunk budget.
func NewOrchestrator(source PageSource, client llm.Client, executor *ratelimit.Executor, ch *chunker.Chunker, writer TransactionWriter) *Orchestrator {
	if ch == nil {
		ch = chunker.New(0)
	}
	return &Orchestrator{
		source:   source,
		client:   client,
		executor: executor,
		chunker:  ch,
		writer:   writer,
	}
}

func (o *Orchestrator) pipeline() *Pipeline {
	return NewPipeline(
		&FetchPagesStep{source: o.source},
		&DetectContextStep{client: o.client, executor: o.executor},
		&ChunkStep{chunker: o.chunker},
		&ExtractChunksStep{client: o.client, executor: o.executor},
		&TagTransfersStep{},
		&InsertTransactionsStep{writer: o.writer},
	)
}

// ProcessDocument fetches, extracts, tags and stores one document.
func (o *Orchestrator) ProcessDocument(ctx context.Context, in DocumentInput) (DocumentResult, error) {
	state := &DocumentState{
		Key:       in.Key,
		SessionID: in.SessionID,
		UserID:    in.UserID,
	}

	if err := o.pipeline().Execute(ctx, state); err != nil {
		return DocumentResult{}, fmt.Errorf("process document %s: %w", in.Key, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("key", in.Key).
		Str("account_id", state.AccountID).
		Int("pages", len(state.Pages)).
		Int("chunks", len(state.Chunks)).
		Int("transactions", len(state.Transactions)).
		Int64("model_tokens", state.Usage.TotalTokens).
		Msg("Document processed")

	return DocumentResult{
		Key:          in.Key,
		AccountID:    state.AccountID,
		Pages:        len(state.Pages),
		Chunks:       len(state.Chunks),
		Transactions: state.Transactions,
		Usage:        state.Usage,
	}, nil
}

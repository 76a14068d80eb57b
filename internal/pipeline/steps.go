package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/statement-insights/internal/chunker"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/llm"
	"github.com/dvloznov/statement-insights/internal/logger"
	"github.com/dvloznov/statement-insights/internal/ratelimit"
)

// DocumentState holds the state passed between pipeline steps for one document.
type DocumentState struct {
	// Input
	Key       string
	SessionID string
	UserID    string

	// Intermediate
	Pages     []domain.Page
	Context   domain.AccountContext
	AccountID string
	Chunks    []chunker.Chunk

	// Output
	Transactions []domain.Transaction
	Usage        llm.Usage
}

// Step 1: FetchPagesStep reads the document as ordered pages.
type FetchPagesStep struct {
	source PageSource
}

func (s *FetchPagesStep) Execute(ctx context.Context, state *DocumentState) error {
	pages, err := s.source.Fetch(ctx, state.Key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", state.Key, err)
	}
	state.Pages = pages
	return nil
}

// Step 2: DetectContextStep classifies the account from the first page that
// has any text. A document without text keeps the zero context.
type DetectContextStep struct {
	client   llm.Client
	executor *ratelimit.Executor
}

func (s *DetectContextStep) Execute(ctx context.Context, state *DocumentState) error {
	first := firstNonEmptyPage(state.Pages)
	if first == "" {
		return nil
	}

	var detected domain.AccountContext
	err := s.executor.Do(ctx, "detect context", func(ctx context.Context) error {
		ac, usage, err := s.client.DetectContext(ctx, first)
		if err != nil {
			return err
		}
		detected = ac
		state.Usage.Add(usage)
		return nil
	})
	if err != nil {
		return fmt.Errorf("detect account context: %w", err)
	}

	state.Context = detected
	state.AccountID = detected.AccountID()
	return nil
}

func firstNonEmptyPage(pages []domain.Page) string {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return p.Text
		}
	}
	return ""
}

// Step 3: ChunkStep splits the pages into rows and packs them into chunks.
type ChunkStep struct {
	chunker *chunker.Chunker
}

func (s *ChunkStep) Execute(ctx context.Context, state *DocumentState) error {
	state.Chunks = s.chunker.Chunk(chunker.SplitRows(state.Pages))
	return nil
}

// Step 4: ExtractChunksStep submits every chunk through the executor. Chunks
// run concurrently up to the executor's permits and their results are kept
// in chunk order. The first failure cancels the remaining chunks.
type ExtractChunksStep struct {
	client   llm.Client
	executor *ratelimit.Executor
}

func (s *ExtractChunksStep) Execute(ctx context.Context, state *DocumentState) error {
	if len(state.Chunks) == 0 {
		return nil
	}

	results := make([][]domain.Transaction, len(state.Chunks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range state.Chunks {
		name := fmt.Sprintf("extract chunk %d/%d", i+1, len(state.Chunks))
		req := llm.ExtractRequest{
			Context:   state.Context,
			ChunkText: chunk.Text(),
			SessionID: state.SessionID,
			UserID:    state.UserID,
			AccountID: state.AccountID,
		}
		g.Go(func() error {
			return s.executor.Do(gctx, name, func(ctx context.Context) error {
				txns, usage, err := s.client.ExtractTransactions(ctx, req)
				if err != nil {
					return err
				}
				results[i] = txns

				mu.Lock()
				state.Usage.Add(usage)
				mu.Unlock()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("extract transactions: %w", err)
	}

	var all []domain.Transaction
	for _, txns := range results {
		all = append(all, txns...)
	}
	state.Transactions = all

	log := logger.FromContext(ctx)
	log.Debug().
		Str("key", state.Key).
		Int("chunks", len(state.Chunks)).
		Int("transactions", len(all)).
		Msg("Extracted transactions")
	return nil
}

// Step 5: TagTransfersStep marks transactions that look like movements
// between the user's own accounts.
type TagTransfersStep struct{}

func (s *TagTransfersStep) Execute(ctx context.Context, state *DocumentState) error {
	TagInternalTransfers(state.Transactions)
	return nil
}

// TagInternalTransfers marks every transaction whose (amount, date) pair is
// shared with another transaction in txns. Flags already set stay set.
func TagInternalTransfers(txns []domain.Transaction) {
	first := make(map[string]int, len(txns))
	for i := range txns {
		key := strconv.FormatFloat(txns[i].Amount, 'f', -1, 64) + "|" + txns[i].Date.String()
		j, seen := first[key]
		if !seen {
			first[key] = i
			continue
		}
		txns[i].IsInternalTransfer = true
		txns[j].IsInternalTransfer = true
	}
}

// Step 6: InsertTransactionsStep persists the document's transactions.
type InsertTransactionsStep struct {
	writer TransactionWriter
}

func (s *InsertTransactionsStep) Execute(ctx context.Context, state *DocumentState) error {
	if len(state.Transactions) == 0 {
		return nil
	}
	if err := s.writer.InsertTransactions(ctx, state.Transactions); err != nil {
		return domain.Wrap(domain.ErrPersistence, "insert %d transactions: %w", len(state.Transactions), err)
	}
	return nil
}

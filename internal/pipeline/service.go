package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/chunker"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/estimate"
	"github.com/dvloznov/statement-insights/internal/jobs"
	"github.com/dvloznov/statement-insights/internal/ledger"
	"github.com/dvloznov/statement-insights/internal/llm"
	"github.com/dvloznov/statement-insights/internal/logger"
	"github.com/dvloznov/statement-insights/internal/progress"
	"github.com/dvloznov/statement-insights/internal/ratelimit"
)

// MaxDocumentsPerBatch caps the documents of one session.
const MaxDocumentsPerBatch = 20

// Batch stages reported on the progress stream.
const (
	StageParsing    = "parsing"
	StageAnalysis   = "analysis"
	StageNarrative  = "narrative"
	StagePersisting = "persisting"
)

// BatchInput describes one session's batch. A zero TokensEstimate asks the
// service to compute it.
type BatchInput struct {
	SessionID      string
	UserID         string
	DocumentKeys   []string
	TokensEstimate int64
}

// SubmitResult is returned once a session has been charged and queued.
type SubmitResult struct {
	SessionID     string               `json:"session_id"`
	Status        domain.SessionStatus `json:"status"`
	IsNew         bool                 `json:"is_new"`
	TokensCharged int64                `json:"tokens_charged"`
}

// BatchResult is the outcome of a finished batch.
type BatchResult struct {
	SessionID string
	Snapshot  analysis.Snapshot
	Narrative string
	Meta      domain.SessionMetadata
	Tokens    int64
}

// Deps wires a Service. Jobs, Progress, Events and Exporters are optional.
type Deps struct {
	Ledger    *ledger.Ledger
	Store     Store
	Source    PageSource
	Client    llm.Client
	Executor  *ratelimit.Executor
	Chunker   *chunker.Chunker
	Engine    *analysis.Engine
	Estimator *estimate.Estimator
	Queue     jobs.Publisher
	Jobs      jobs.JobStore
	Progress  ProgressSink
	Events    EventPublisher
	Exporters []Exporter

	// Narrative enables the narrative stage.
	Narrative bool
	Logger    zerolog.Logger
}

// Service is the batch application layer used by the HTTP surface, the
// queue workers and the CLI.
type Service struct {
	ledger       *ledger.Ledger
	store        Store
	source       PageSource
	client       llm.Client
	executor     *ratelimit.Executor
	orchestrator *Orchestrator
	engine       *analysis.Engine
	estimator    *estimate.Estimator
	queue        jobs.Publisher
	jobs         jobs.JobStore
	progress     ProgressSink
	events       EventPublisher
	exporters    []Exporter
	narrative    bool
	log          zerolog.Logger
}

// NewService creates a service from its dependencies.
func NewService(d Deps) *Service {
	if d.Chunker == nil {
		d.Chunker = chunker.New(0)
	}
	if d.Engine == nil {
		d.Engine = analysis.NewEngine(analysis.Options{})
	}
	if d.Estimator == nil {
		d.Estimator = estimate.New(d.Chunker.MaxTokens)
	}
	if d.Progress == nil {
		d.Progress = noopProgress{}
	}
	if d.Events == nil {
		d.Events = noopEvents{}
	}
	return &Service{
		ledger:       d.Ledger,
		store:        d.Store,
		source:       d.Source,
		client:       d.Client,
		executor:     d.Executor,
		orchestrator: NewOrchestrator(d.Source, d.Client, d.Executor, d.Chunker, d.Store),
		engine:       d.Engine,
		estimator:    d.Estimator,
		queue:        d.Queue,
		jobs:         d.Jobs,
		progress:     d.Progress,
		events:       d.Events,
		exporters:    d.Exporters,
		narrative:    d.Narrative,
		log:          d.Logger,
	}
}

func (s *Service) validateKeys(keys []string) error {
	if len(keys) == 0 {
		return domain.Wrap(domain.ErrValidation, "at least one document key is required")
	}
	if len(keys) > MaxDocumentsPerBatch {
		return domain.Wrap(domain.ErrValidation, "at most %d documents per batch, got %d", MaxDocumentsPerBatch, len(keys))
	}
	for _, key := range keys {
		if err := s.source.Validate(key); err != nil {
			return err
		}
	}
	return nil
}

// Prepare validates the input, creates the session and charges the
// estimate. The returned BatchInput is ready for RunBatch.
func (s *Service) Prepare(ctx context.Context, in BatchInput) (SubmitResult, BatchInput, error) {
	if in.UserID == "" {
		return SubmitResult{}, in, domain.Wrap(domain.ErrValidation, "user id is required")
	}
	if err := s.validateKeys(in.DocumentKeys); err != nil {
		return SubmitResult{}, in, err
	}
	if in.TokensEstimate < 0 {
		return SubmitResult{}, in, domain.Wrap(domain.ErrValidation, "tokens estimate must not be negative")
	}
	if in.SessionID == "" {
		in.SessionID = uuid.New().String()
	}

	if in.TokensEstimate == 0 {
		est, err := s.Estimate(ctx, in.UserID, in.DocumentKeys, s.narrative)
		if err != nil {
			return SubmitResult{}, in, err
		}
		in.TokensEstimate = est.Tokens.ProductTokens
	}

	_, isNew, err := s.ledger.CreateSession(ctx, in.SessionID, in.UserID, in.DocumentKeys)
	if err != nil {
		return SubmitResult{}, in, err
	}

	session, used, err := s.ledger.Begin(ctx, in.SessionID, in.UserID, in.TokensEstimate)
	if err != nil {
		return SubmitResult{}, in, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("session_id", in.SessionID).
		Str("user_id", in.UserID).
		Int("documents", len(in.DocumentKeys)).
		Int64("tokens_charged", in.TokensEstimate).
		Int64("free_tokens", used.Free).
		Int64("paid_tokens", used.Paid).
		Msg("Session started")

	return SubmitResult{
		SessionID:     session.SessionID,
		Status:        session.Status,
		IsNew:         isNew,
		TokensCharged: in.TokensEstimate,
	}, in, nil
}

// Submit prepares the session and queues its batch.
func (s *Service) Submit(ctx context.Context, in BatchInput) (SubmitResult, error) {
	if s.queue == nil {
		return SubmitResult{}, errors.New("no job queue configured")
	}

	res, in, err := s.Prepare(ctx, in)
	if err != nil {
		return SubmitResult{}, err
	}

	job := &jobs.AnalysisJob{
		SessionID:      in.SessionID,
		UserID:         in.UserID,
		DocumentKeys:   in.DocumentKeys,
		TokensEstimate: in.TokensEstimate,
	}
	if err := s.queue.PublishAnalysis(ctx, job); err != nil {
		err = fmt.Errorf("queue session %s: %w", in.SessionID, err)
		s.fail(ctx, in, err)
		return SubmitResult{}, err
	}
	return res, nil
}

// HandleJob runs the batch carried by an analysis job. It is the queue
// workers' handler.
func (s *Service) HandleJob(ctx context.Context, job jobs.Job) error {
	aj, ok := job.(*jobs.AnalysisJob)
	if !ok {
		return fmt.Errorf("unsupported job type %s", job.GetType())
	}
	_, err := s.RunBatch(ctx, BatchInput{
		SessionID:      aj.SessionID,
		UserID:         aj.UserID,
		DocumentKeys:   aj.DocumentKeys,
		TokensEstimate: aj.TokensEstimate,
	})
	return err
}

// RunBatch processes every document of an in_progress session, analyses the
// user's full ledger and finishes the session. Whatever happens, the session
// ends completed or failed and the progress stream is closed.
func (s *Service) RunBatch(ctx context.Context, in BatchInput) (BatchResult, error) {
	ctx = logger.WithContext(ctx, logger.WithSession(s.log, in.SessionID, in.UserID))

	res, err := s.runBatch(ctx, in)
	if err != nil {
		s.fail(ctx, in, err)
		return BatchResult{}, err
	}

	detached := context.WithoutCancel(ctx)
	if err := s.ledger.Complete(detached, in.SessionID, res.Tokens, res.Meta); err != nil {
		err = fmt.Errorf("complete session %s: %w", in.SessionID, err)
		s.fail(ctx, in, err)
		return BatchResult{}, err
	}

	s.progress.Emit(in.SessionID, progress.EventCompleted, map[string]interface{}{
		"session_id":   in.SessionID,
		"healthScore":  res.Snapshot.HealthScore,
		"transactions": res.Meta.Transactions,
		"tokens_used":  res.Tokens,
	})
	s.progress.Emit(in.SessionID, progress.EventClose, struct{}{})

	score := res.Snapshot.HealthScore
	s.publish(detached, SessionEvent{
		SessionID:   in.SessionID,
		UserID:      in.UserID,
		Status:      domain.SessionCompleted,
		HealthScore: &score,
	})

	log := logger.FromContext(ctx)
	log.Info().
		Int("documents", res.Meta.Documents).
		Int("transactions", res.Meta.Transactions).
		Int("health_score", score).
		Int64("tokens_used", res.Tokens).
		Interface("executor", s.executor.Stats()).
		Msg("Session completed")
	return res, nil
}

func (s *Service) runBatch(ctx context.Context, in BatchInput) (BatchResult, error) {
	var (
		meta  domain.SessionMetadata
		usage llm.Usage
		txns  []domain.Transaction
	)
	meta.Documents = len(in.DocumentKeys)
	meta.EstimatedTokens = in.TokensEstimate

	s.stage(in.SessionID, StageParsing)
	start := time.Now()
	for i, key := range in.DocumentKeys {
		doc, err := s.orchestrator.ProcessDocument(ctx, DocumentInput{
			Key:       key,
			SessionID: in.SessionID,
			UserID:    in.UserID,
		})
		if err != nil {
			return BatchResult{}, err
		}
		meta.Pages += doc.Pages
		meta.Chunks += doc.Chunks
		meta.Transactions += len(doc.Transactions)
		usage.Add(doc.Usage)
		txns = append(txns, doc.Transactions...)

		s.progress.Emit(in.SessionID, progress.EventProgress, map[string]interface{}{
			"processed":    i + 1,
			"total":        len(in.DocumentKeys),
			"document":     key,
			"transactions": len(doc.Transactions),
		})
	}
	meta.ParseMS = time.Since(start).Milliseconds()

	s.stage(in.SessionID, StageAnalysis)
	start = time.Now()
	ledgerTxns, err := s.store.FetchLedgerByUser(ctx, in.UserID)
	if err != nil {
		return BatchResult{}, domain.Wrap(domain.ErrPersistence, "fetch ledger: %w", err)
	}
	snap := s.engine.Analyze(ledgerTxns)
	meta.AnalysisMS = time.Since(start).Milliseconds()

	var narrative string
	if s.narrative {
		s.stage(in.SessionID, StageNarrative)
		start = time.Now()
		err := s.executor.Do(ctx, "narrative", func(ctx context.Context) error {
			text, u, err := s.client.GenerateNarrative(ctx, snap)
			if err != nil {
				return err
			}
			narrative = text
			usage.Add(u)
			return nil
		})
		if err != nil {
			return BatchResult{}, fmt.Errorf("generate narrative: %w", err)
		}
		meta.NarrativeMS = time.Since(start).Milliseconds()
	}

	s.stage(in.SessionID, StagePersisting)
	start = time.Now()
	if err := s.persist(ctx, in, snap, narrative); err != nil {
		return BatchResult{}, err
	}
	s.export(ctx, ExportInput{
		SessionID:    in.SessionID,
		UserID:       in.UserID,
		Transactions: txns,
		Snapshot:     snap,
		Narrative:    narrative,
	})
	meta.PersistenceMS = time.Since(start).Milliseconds()
	meta.ModelTokens = usage.TotalTokens

	return BatchResult{
		SessionID: in.SessionID,
		Snapshot:  snap,
		Narrative: narrative,
		Meta:      meta,
		Tokens:    estimate.ToProductTokens(usage.TotalTokens),
	}, nil
}

func (s *Service) persist(ctx context.Context, in BatchInput, snap analysis.Snapshot, narrative string) error {
	if err := s.store.UpsertMonthlyMetrics(ctx, in.UserID, snap.Monthly); err != nil {
		return domain.Wrap(domain.ErrPersistence, "save monthly metrics: %w", err)
	}
	if err := s.store.ReplaceSubscriptions(ctx, in.UserID, snap.Subscriptions); err != nil {
		return domain.Wrap(domain.ErrPersistence, "save subscriptions: %w", err)
	}
	if err := s.store.UpsertHealthScore(ctx, in.UserID, in.SessionID, snap.HealthScore); err != nil {
		return domain.Wrap(domain.ErrPersistence, "save health score: %w", err)
	}
	if err := s.store.SaveSnapshot(ctx, in.SessionID, in.UserID, snap); err != nil {
		return domain.Wrap(domain.ErrPersistence, "save snapshot: %w", err)
	}
	if narrative != "" {
		if err := s.store.SaveNarrative(ctx, in.SessionID, in.UserID, narrative); err != nil {
			return domain.Wrap(domain.ErrPersistence, "save narrative: %w", err)
		}
	}
	return nil
}

// export runs every exporter. A failing exporter is logged and skipped.
func (s *Service) export(ctx context.Context, in ExportInput) {
	l := logger.FromContext(ctx)
	for _, e := range s.exporters {
		if err := e.Export(ctx, in); err != nil {
			l.Warn().Err(err).Str("exporter", e.Name()).Msg("Export failed")
			continue
		}
		l.Debug().Str("exporter", e.Name()).Msg("Exported session")
	}
}

func (s *Service) stage(sessionID, stage string) {
	s.progress.Emit(sessionID, progress.EventStage, map[string]string{"stage": stage})
}

// fail records cause on the session and notifies listeners. The final
// status is written with a context that outlives the caller's.
func (s *Service) fail(ctx context.Context, in BatchInput, cause error) {
	detached := context.WithoutCancel(ctx)
	l := logger.FromContext(ctx)

	l.Error().Err(cause).Str("session_id", in.SessionID).Str("kind", domain.KindName(cause)).Msg("Session failed")

	if err := s.ledger.Fail(detached, in.SessionID, cause); err != nil {
		l.Error().Err(err).Str("session_id", in.SessionID).Msg("Failed to mark session failed")
	}

	message := ledger.TruncateMessage(cause.Error())
	s.progress.Emit(in.SessionID, progress.EventError, map[string]string{
		"message": message,
		"kind":    domain.KindName(cause),
	})
	s.progress.Emit(in.SessionID, progress.EventClose, struct{}{})

	s.publish(detached, SessionEvent{
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Status:    domain.SessionFailed,
		Error:     message,
	})
}

func (s *Service) publish(ctx context.Context, ev SessionEvent) {
	if err := s.events.PublishSessionEvent(ctx, ev); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).
			Str("session_id", ev.SessionID).
			Str("status", string(ev.Status)).
			Msg("Failed to publish session event")
	}
}

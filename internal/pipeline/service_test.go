package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/jobs"
	jobstore "github.com/dvloznov/statement-insights/internal/jobs/inmemory"
	"github.com/dvloznov/statement-insights/internal/ledger"
	"github.com/dvloznov/statement-insights/internal/llm"
	"github.com/dvloznov/statement-insights/internal/logger"
	"github.com/dvloznov/statement-insights/internal/progress"
	"github.com/dvloznov/statement-insights/internal/store/inmemory"
)

type recordedEvent struct {
	session string
	event   string
	payload interface{}
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingSink) Emit(sessionID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{session: sessionID, event: event, payload: payload})
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.event
	}
	return out
}

func (r *recordingSink) last(event string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].event == event {
			return r.events[i].payload
		}
	}
	return nil
}

// MockEvents is a mock implementation of EventPublisher for testing.
type MockEvents struct {
	PublishFunc func(ctx context.Context, ev SessionEvent) error

	mu        sync.Mutex
	published []SessionEvent
}

func (m *MockEvents) PublishSessionEvent(ctx context.Context, ev SessionEvent) error {
	m.mu.Lock()
	m.published = append(m.published, ev)
	m.mu.Unlock()
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, ev)
	}
	return nil
}

// MockExporter is a mock implementation of Exporter for testing.
type MockExporter struct {
	NameValue  string
	ExportFunc func(ctx context.Context, in ExportInput) error
	calls      int
}

func (m *MockExporter) Name() string { return m.NameValue }

func (m *MockExporter) Export(ctx context.Context, in ExportInput) error {
	m.calls++
	if m.ExportFunc != nil {
		return m.ExportFunc(ctx, in)
	}
	return nil
}

// MockQueue is a mock implementation of jobs.Publisher for testing.
type MockQueue struct {
	PublishAnalysisFunc func(ctx context.Context, job *jobs.AnalysisJob) error
	published           []*jobs.AnalysisJob
}

func (m *MockQueue) PublishAnalysis(ctx context.Context, job *jobs.AnalysisJob) error {
	m.published = append(m.published, job)
	if m.PublishAnalysisFunc != nil {
		return m.PublishAnalysisFunc(ctx, job)
	}
	return nil
}

func (m *MockQueue) Close() error { return nil }

type fixture struct {
	svc    *Service
	store  *inmemory.Store
	ledger *ledger.Ledger
	client *MockClient
	sink   *recordingSink
	events *MockEvents
	queue  *MockQueue
}

func newFixture(t *testing.T, exporters ...Exporter) *fixture {
	t.Helper()
	st := inmemory.NewStore()
	f := &fixture{
		store:  st,
		ledger: ledger.New(st),
		client: &MockClient{},
		sink:   &recordingSink{},
		events: &MockEvents{},
		queue:  &MockQueue{},
	}
	f.svc = NewService(Deps{
		Ledger: f.ledger,
		Store:  st,
		Source: &MockPageSource{FetchFunc: func(ctx context.Context, key string) ([]domain.Page, error) {
			return statementPages(), nil
		}},
		Client:    f.client,
		Executor:  testExecutor(),
		Queue:     f.queue,
		Progress:  f.sink,
		Events:    f.events,
		Exporters: exporters,
		Narrative: true,
		Logger:    zerolog.Nop(),
	})
	if _, err := f.ledger.Grant(context.Background(), "user-1", 1000, 1000, "test"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	return f
}

func TestPrepareValidation(t *testing.T) {
	f := newFixture(t)

	tooMany := make([]string, MaxDocumentsPerBatch+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("gs://b/%d.txt", i)
	}

	tests := []struct {
		name string
		in   BatchInput
	}{
		{"missing user", BatchInput{DocumentKeys: []string{"gs://b/a.txt"}}},
		{"no documents", BatchInput{UserID: "user-1"}},
		{"too many documents", BatchInput{UserID: "user-1", DocumentKeys: tooMany}},
		{"unsupported scheme", BatchInput{UserID: "user-1", DocumentKeys: []string{"ftp://b/a.txt"}}},
		{"negative estimate", BatchInput{UserID: "user-1", DocumentKeys: []string{"gs://b/a.txt"}, TokensEstimate: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.Prepare(context.Background(), tt.in)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Prepare() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSubmitChargesAndQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Submit(ctx, BatchInput{UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 1200})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.SessionID == "" || !res.IsNew || res.Status != domain.SessionInProgress || res.TokensCharged != 1200 {
		t.Errorf("unexpected result %+v", res)
	}

	if len(f.queue.published) != 1 {
		t.Fatalf("published %d jobs, want 1", len(f.queue.published))
	}
	job := f.queue.published[0]
	if job.SessionID != res.SessionID || job.UserID != "user-1" || job.TokensEstimate != 1200 {
		t.Errorf("unexpected job %+v", job)
	}

	b, _ := f.ledger.Balance(ctx, "user-1")
	if b.FreeTokensUsed != 1000 || b.PaidTokensUsed != 200 {
		t.Errorf("balance used free=%d paid=%d, want 1000/200", b.FreeTokensUsed, b.PaidTokensUsed)
	}

	_, err = f.svc.Submit(ctx, BatchInput{SessionID: res.SessionID, UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 10})
	if !errors.Is(err, domain.ErrSessionConflict) {
		t.Errorf("resubmitting a running session: error = %v, want ErrSessionConflict", err)
	}
}

func TestSubmitComputesEstimate(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), BatchInput{UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	est, err := f.svc.Estimate(context.Background(), "user-1", []string{"gs://b/jan.txt"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.TokensCharged != est.Tokens.ProductTokens || res.TokensCharged <= 0 {
		t.Errorf("charged %d, estimate %d", res.TokensCharged, est.Tokens.ProductTokens)
	}
	if est.Duration.Text == "" || len(est.Documents) != 1 || est.Documents[0].NonEmptyPages != 2 {
		t.Errorf("unexpected estimate %+v", est)
	}
}

func TestSubmitInsufficientTokens(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), BatchInput{UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 5000})
	if !errors.Is(err, domain.ErrInsufficientTokens) {
		t.Fatalf("Submit() error = %v, want ErrInsufficientTokens", err)
	}
	if len(f.queue.published) != 0 {
		t.Error("job queued without funds")
	}
}

func TestSubmitQueueFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.queue.PublishAnalysisFunc = func(ctx context.Context, job *jobs.AnalysisJob) error {
		return errors.New("queue is closed")
	}

	_, err := f.svc.Submit(ctx, BatchInput{SessionID: "sess-q", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 10})
	if err == nil {
		t.Fatal("expected error")
	}
	sess, _ := f.ledger.Session(ctx, "sess-q")
	if sess.Status != domain.SessionFailed {
		t.Errorf("status = %s, want failed", sess.Status)
	}
}

func TestRunBatchCompletesSession(t *testing.T) {
	ctx := context.Background()
	good := &MockExporter{NameValue: "warehouse"}
	bad := &MockExporter{NameValue: "notion", ExportFunc: func(ctx context.Context, in ExportInput) error {
		return errors.New("notion is down")
	}}
	f := newFixture(t, bad, good)

	_, in, err := f.svc.Prepare(ctx, BatchInput{SessionID: "sess-1", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt", "gs://b/feb.txt"}, TokensEstimate: 100})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	res, err := f.svc.RunBatch(ctx, in)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	// Both documents carry the same rows; duplicate ids are ignored.
	if res.Meta.Documents != 2 || res.Meta.Pages != 6 || res.Meta.Chunks != 2 || res.Meta.Transactions != 10 {
		t.Errorf("unexpected metadata %+v", res.Meta)
	}
	wantModel := int64(2*(100+1000) + 500)
	if res.Meta.ModelTokens != wantModel {
		t.Errorf("ModelTokens = %d, want %d", res.Meta.ModelTokens, wantModel)
	}
	if res.Narrative == "" {
		t.Error("narrative missing")
	}

	sess, err := f.ledger.Session(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != domain.SessionCompleted || sess.TokensUsed != res.Tokens || sess.MetaData == nil {
		t.Errorf("unexpected session %+v", sess)
	}

	wantEvents := []string{
		progress.EventStage, progress.EventProgress, progress.EventProgress,
		progress.EventStage, progress.EventStage, progress.EventStage,
		progress.EventCompleted, progress.EventClose,
	}
	if got := f.sink.names(); strings.Join(got, ",") != strings.Join(wantEvents, ",") {
		t.Errorf("events = %v, want %v", got, wantEvents)
	}

	if good.calls != 1 || bad.calls != 1 {
		t.Errorf("exporter calls good=%d bad=%d", good.calls, bad.calls)
	}
	if len(f.events.published) != 1 || f.events.published[0].Status != domain.SessionCompleted || f.events.published[0].HealthScore == nil {
		t.Errorf("unexpected published events %+v", f.events.published)
	}

	if _, ok := f.store.HealthScore("user-1"); !ok {
		t.Error("health score not saved")
	}
	if len(f.store.MonthlyMetrics("user-1")) != 1 {
		t.Errorf("monthly metrics = %v", f.store.MonthlyMetrics("user-1"))
	}

	result, err := f.svc.Result(ctx, "user-1", "sess-1")
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if result.Snapshot.HealthScore != res.Snapshot.HealthScore || result.Narrative != res.Narrative {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestRunBatchLogsExecutorStats(t *testing.T) {
	var buf bytes.Buffer
	ctx := logger.WithContext(context.Background(), logger.NewWithWriter(&buf))
	f := newFixture(t)

	_, in, err := f.svc.Prepare(ctx, BatchInput{SessionID: "sess-log", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 10})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := f.svc.RunBatch(ctx, in); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	type logEntry struct {
		Message  string `json:"message"`
		Executor *struct {
			Attempts int64 `json:"attempts"`
		} `json:"executor"`
	}
	var completed *logEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if entry.Message == "Session completed" {
			completed = &entry
		}
	}

	if completed == nil {
		t.Fatalf("no completion line in %s", buf.String())
	}
	if completed.Executor == nil || completed.Executor.Attempts == 0 {
		t.Errorf("executor stats = %+v, want attempts recorded", completed.Executor)
	}
}

func TestRunBatchFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	exporter := &MockExporter{NameValue: "warehouse"}
	f := newFixture(t, exporter)
	f.client.ExtractTransactionsFunc = func(ctx context.Context, req llm.ExtractRequest) ([]domain.Transaction, llm.Usage, error) {
		return nil, llm.Usage{}, domain.Wrap(domain.ErrUpstreamExtraction, "schema violation")
	}

	_, in, err := f.svc.Prepare(ctx, BatchInput{SessionID: "sess-f", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 300})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.RunBatch(ctx, in); !errors.Is(err, domain.ErrUpstreamExtraction) {
		t.Fatalf("RunBatch() error = %v, want ErrUpstreamExtraction", err)
	}

	sess, _ := f.ledger.Session(ctx, "sess-f")
	if sess.Status != domain.SessionFailed || sess.ErrorMessage == nil {
		t.Errorf("unexpected session %+v", sess)
	}

	b, _ := f.ledger.Balance(ctx, "user-1")
	if b.FreeTokensUsed != 300 {
		t.Errorf("FreeTokensUsed = %d, the charge must not be refunded", b.FreeTokensUsed)
	}

	names := f.sink.names()
	if len(names) < 2 || names[len(names)-2] != progress.EventError || names[len(names)-1] != progress.EventClose {
		t.Errorf("events = %v, want error then close at the end", names)
	}
	payload, _ := f.sink.last(progress.EventError).(map[string]string)
	if payload["kind"] != "upstream_extraction_error" {
		t.Errorf("error payload = %v", payload)
	}

	if exporter.calls != 0 {
		t.Error("exporter ran for a failed session")
	}
	if len(f.events.published) != 1 || f.events.published[0].Status != domain.SessionFailed || f.events.published[0].Error == "" {
		t.Errorf("unexpected published events %+v", f.events.published)
	}
}

func TestRunBatchNarrativeDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.narrative = false
	f.client.GenerateNarrativeFunc = func(ctx context.Context, snapshot interface{}) (string, llm.Usage, error) {
		t.Error("narrative generated while disabled")
		return "", llm.Usage{}, nil
	}

	_, in, err := f.svc.Prepare(ctx, BatchInput{SessionID: "sess-n", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 10})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RunBatch(ctx, in); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	result, err := f.svc.Result(ctx, "user-1", "sess-n")
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if result.Narrative != "" {
		t.Errorf("Narrative = %q, want empty", result.Narrative)
	}
}

func TestHandleJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, in, err := f.svc.Prepare(ctx, BatchInput{SessionID: "sess-j", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 10})
	if err != nil {
		t.Fatal(err)
	}

	job := &jobs.AnalysisJob{JobID: "job-1", SessionID: in.SessionID, UserID: in.UserID, DocumentKeys: in.DocumentKeys, TokensEstimate: in.TokensEstimate}
	if err := f.svc.HandleJob(ctx, job); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	sess, _ := f.ledger.Session(ctx, "sess-j")
	if sess.Status != domain.SessionCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
}

func TestResultVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, _, err := f.svc.Prepare(ctx, BatchInput{SessionID: "sess-r", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 10}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Result(ctx, "user-1", "sess-r"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Result() of a running session: error = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Result(ctx, "user-2", "sess-r"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Result() for another user: error = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Result(ctx, "user-1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Result() of a missing session: error = %v, want ErrNotFound", err)
	}
}

func TestSessionJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, _, err := f.svc.Prepare(ctx, BatchInput{SessionID: "sess-j", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 10}); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Jobs(ctx, "user-1", "sess-j")
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("Jobs() without a job store = %v, %v; want empty list", got, err)
	}

	store := jobstore.NewStore()
	f.svc.jobs = store
	for _, job := range []*jobs.AnalysisJob{
		{JobID: "j1", SessionID: "sess-j", UserID: "user-1", Status: jobs.JobStatusCompleted},
		{JobID: "j2", SessionID: "sess-other", UserID: "user-1", Status: jobs.JobStatusPending},
	} {
		if err := store.SaveJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	got, err = f.svc.Jobs(ctx, "user-1", "sess-j")
	if err != nil {
		t.Fatalf("Jobs() error = %v", err)
	}
	if len(got) != 1 || got[0].JobID != "j1" || got[0].Status != jobs.JobStatusCompleted {
		t.Errorf("Jobs() = %+v", got)
	}

	if _, err := f.svc.Jobs(ctx, "user-2", "sess-j"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Jobs() for another user: error = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Jobs(ctx, "user-1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Jobs() of a missing session: error = %v, want ErrNotFound", err)
	}
}

func TestTransactionsAndCSV(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, in, err := f.svc.Prepare(ctx, BatchInput{SessionID: "sess-t", UserID: "user-1", DocumentKeys: []string{"gs://b/jan.txt"}, TokensEstimate: 10})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RunBatch(ctx, in); err != nil {
		t.Fatal(err)
	}

	page, err := f.svc.Transactions(ctx, "user-1", "sess-t", 0, 2, "")
	if err != nil {
		t.Fatalf("Transactions() error = %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 || page.Limit != 2 || page.Page != 0 {
		t.Errorf("unexpected page total=%d items=%d limit=%d", page.Total, len(page.Items), page.Limit)
	}

	last, err := f.svc.Transactions(ctx, "user-1", "sess-t", 2, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Items) != 1 {
		t.Errorf("last page has %d items, want 1", len(last.Items))
	}

	search, err := f.svc.Transactions(ctx, "user-1", "sess-t", 0, 0, "self")
	if err != nil {
		t.Fatal(err)
	}
	if search.Total != 2 || search.Limit != DefaultTransactionsLimit {
		t.Errorf("search total=%d limit=%d", search.Total, search.Limit)
	}

	if _, err := f.svc.Transactions(ctx, "user-2", "sess-t", 0, 10, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Transactions() for another user: error = %v", err)
	}

	var buf bytes.Buffer
	if err := f.svc.WriteTransactionsCSV(ctx, "user-1", "sess-t", &buf); err != nil {
		t.Fatalf("WriteTransactionsCSV() error = %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 6 || records[0][0] != "transaction_id" {
		t.Fatalf("unexpected csv %v", records)
	}
	if records[1][1] != "2024-01-01" || records[1][4] != "50000.00" {
		t.Errorf("unexpected first row %v", records[1])
	}
}

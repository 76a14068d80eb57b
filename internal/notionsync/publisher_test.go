package notionsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jomei/notionapi"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/pipeline"
)

// MockReportPages is a mock implementation of ReportPages for testing.
type MockReportPages struct {
	ListPagesFunc  func(ctx context.Context, databaseID string, cursor notionapi.Cursor) (PageBatch, error)
	CreatePageFunc func(ctx context.Context, databaseID string, properties notionapi.Properties) (string, error)
	UpdatePageFunc func(ctx context.Context, pageID string, properties notionapi.Properties) error
}

func (m *MockReportPages) ListPages(ctx context.Context, databaseID string, cursor notionapi.Cursor) (PageBatch, error) {
	if m.ListPagesFunc != nil {
		return m.ListPagesFunc(ctx, databaseID, cursor)
	}
	return PageBatch{}, nil
}

func (m *MockReportPages) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (string, error) {
	if m.CreatePageFunc != nil {
		return m.CreatePageFunc(ctx, databaseID, properties)
	}
	return "new-page", nil
}

func (m *MockReportPages) UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) error {
	if m.UpdatePageFunc != nil {
		return m.UpdatePageFunc(ctx, pageID, properties)
	}
	return nil
}

func reportPage(id, session string) notionapi.Page {
	return notionapi.Page{
		ID: notionapi.ObjectID(id),
		Properties: notionapi.Properties{
			PropSession: &notionapi.TitleProperty{
				Title: []notionapi.RichText{{PlainText: session}},
			},
		},
	}
}

func exportInput() pipeline.ExportInput {
	return pipeline.ExportInput{
		SessionID: "sess-2",
		UserID:    "user-1",
		Transactions: []domain.Transaction{
			{TransactionID: "a", Date: civil.Date{Year: 2024, Month: 3, Day: 10}},
			{TransactionID: "b", Date: civil.Date{Year: 2024, Month: 1, Day: 2}},
			{TransactionID: "c", Date: civil.Date{Year: 2024, Month: 2, Day: 20}},
		},
		Snapshot: analysis.Snapshot{
			Core:        analysis.CoreMetrics{TotalIncome: 1000.126, TotalExpenses: 400, SavingsRate: 0.6},
			HealthScore: 81,
		},
	}
}

func TestReportToNotionProperties(t *testing.T) {
	props := ReportToNotionProperties(exportInput())

	title, ok := props[PropSession].(notionapi.TitleProperty)
	if !ok || title.Title[0].Text.Content != "sess-2" {
		t.Errorf("Session = %+v", props[PropSession])
	}
	if n := props[PropHealthScore].(notionapi.NumberProperty).Number; n != 81 {
		t.Errorf("Health Score = %v", n)
	}
	if n := props[PropTotalIncome].(notionapi.NumberProperty).Number; n != 1000.13 {
		t.Errorf("Total Income = %v, want 1000.13", n)
	}
	if n := props[PropTransactions].(notionapi.NumberProperty).Number; n != 3 {
		t.Errorf("Transactions = %v", n)
	}

	period, ok := props[PropPeriod].(notionapi.DateProperty)
	if !ok {
		t.Fatalf("Period missing: %+v", props[PropPeriod])
	}
	if got := time.Time(*period.Date.Start).Format("2006-01-02"); got != "2024-01-02" {
		t.Errorf("Period start = %s", got)
	}
	if got := time.Time(*period.Date.End).Format("2006-01-02"); got != "2024-03-10" {
		t.Errorf("Period end = %s", got)
	}
}

func TestReportToNotionPropertiesWithoutTransactions(t *testing.T) {
	in := exportInput()
	in.Transactions = nil

	if _, ok := ReportToNotionProperties(in)[PropPeriod]; ok {
		t.Error("Period should be omitted without transactions")
	}
}

func TestExportUpdatesExistingPage(t *testing.T) {
	var cursors []notionapi.Cursor
	var updated string

	mock := &MockReportPages{
		ListPagesFunc: func(ctx context.Context, databaseID string, cursor notionapi.Cursor) (PageBatch, error) {
			cursors = append(cursors, cursor)
			if cursor == "" {
				return PageBatch{Pages: []notionapi.Page{reportPage("page-1", "sess-1")}, Next: "next"}, nil
			}
			return PageBatch{Pages: []notionapi.Page{reportPage("page-2", "sess-2")}}, nil
		},
		UpdatePageFunc: func(ctx context.Context, pageID string, props notionapi.Properties) error {
			updated = pageID
			return nil
		},
		CreatePageFunc: func(ctx context.Context, databaseID string, props notionapi.Properties) (string, error) {
			t.Error("CreatePage called for an existing session")
			return "", nil
		},
	}

	if err := NewReportPublisher(mock, "db").Export(context.Background(), exportInput()); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if updated != "page-2" {
		t.Errorf("updated %q, want page-2", updated)
	}
	if len(cursors) != 2 || cursors[1] != "next" {
		t.Errorf("cursors = %v", cursors)
	}
}

func TestExportCreatesMissingPage(t *testing.T) {
	var createdIn string
	mock := &MockReportPages{
		CreatePageFunc: func(ctx context.Context, databaseID string, props notionapi.Properties) (string, error) {
			createdIn = databaseID
			return "new-page", nil
		},
	}

	if err := NewReportPublisher(mock, "db").Export(context.Background(), exportInput()); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if createdIn != "db" {
		t.Errorf("created in %q, want db", createdIn)
	}
}

func TestExportQueryFailure(t *testing.T) {
	boom := errors.New("unauthorized")
	mock := &MockReportPages{
		ListPagesFunc: func(ctx context.Context, databaseID string, cursor notionapi.Cursor) (PageBatch, error) {
			return PageBatch{}, boom
		},
	}

	if err := NewReportPublisher(mock, "db").Export(context.Background(), exportInput()); !errors.Is(err, boom) {
		t.Errorf("Export() error = %v, want %v", err, boom)
	}
}

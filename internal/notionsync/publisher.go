// Package notionsync publishes finished session reports to a Notion database.
package notionsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/statement-insights/internal/logger"
	"github.com/dvloznov/statement-insights/internal/pipeline"
)

// ReportPublisher keeps one Notion page per session, keyed by the Session
// title.
type ReportPublisher struct {
	pages      ReportPages
	databaseID string
}

// NewReportPublisher creates a publisher writing to databaseID.
func NewReportPublisher(pages ReportPages, databaseID string) *ReportPublisher {
	return &ReportPublisher{pages: pages, databaseID: databaseID}
}

// Name implements pipeline.Exporter.
func (p *ReportPublisher) Name() string { return "notion" }

// Export implements pipeline.Exporter. An existing page for the session is
// updated, otherwise a new one is created.
func (p *ReportPublisher) Export(ctx context.Context, in pipeline.ExportInput) error {
	log := logger.FromContext(ctx)
	props := ReportToNotionProperties(in)

	pageID, err := p.findPage(ctx, in.SessionID)
	if err != nil {
		return err
	}

	if pageID != "" {
		if err := p.pages.UpdatePage(ctx, pageID, props); err != nil {
			return fmt.Errorf("update report page: %w", err)
		}
		log.Info().Str("page_id", pageID).Msg("Updated Notion report page")
		return nil
	}

	pageID, err = p.pages.CreatePage(ctx, p.databaseID, props)
	if err != nil {
		return fmt.Errorf("create report page: %w", err)
	}
	log.Info().Str("page_id", pageID).Msg("Created Notion report page")
	return nil
}

// findPage scans the database for the session's page.
func (p *ReportPublisher) findPage(ctx context.Context, sessionID string) (string, error) {
	var cursor notionapi.Cursor
	for {
		batch, err := p.pages.ListPages(ctx, p.databaseID, cursor)
		if err != nil {
			return "", fmt.Errorf("find report page: %w", err)
		}
		for _, page := range batch.Pages {
			if extractSession(page) == sessionID {
				return string(page.ID), nil
			}
		}
		if batch.Next == "" {
			return "", nil
		}
		cursor = batch.Next
	}
}

var _ pipeline.Exporter = (*ReportPublisher)(nil)

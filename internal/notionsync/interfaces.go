package notionsync

import (
	"context"

	"github.com/jomei/notionapi"
)

// PageBatch is one cursor page of a database scan. Next is empty on the
// last batch.
type PageBatch struct {
	Pages []notionapi.Page
	Next  notionapi.Cursor
}

// ReportPages is the part of the Notion API the report publisher needs.
type ReportPages interface {
	ListPages(ctx context.Context, databaseID string, cursor notionapi.Cursor) (PageBatch, error)
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (string, error)
	UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) error
}

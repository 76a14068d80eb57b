package notionsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
)

// PageSize is the number of pages requested per database query.
const PageSize = 100

// NotionClient talks to the Notion API with an integration token.
type NotionClient struct {
	client *notionapi.Client
}

func NewNotionClient(token string) *NotionClient {
	return &NotionClient{client: notionapi.NewClient(notionapi.Token(token))}
}

// ListPages returns one batch of the database's pages starting at cursor.
func (n *NotionClient) ListPages(ctx context.Context, databaseID string, cursor notionapi.Cursor) (PageBatch, error) {
	req := &notionapi.DatabaseQueryRequest{PageSize: PageSize}
	if cursor != "" {
		req.StartCursor = cursor
	}

	resp, err := n.client.Database.Query(ctx, notionapi.DatabaseID(databaseID), req)
	if err != nil {
		return PageBatch{}, fmt.Errorf("ListPages: query %s: %w", databaseID, err)
	}

	batch := PageBatch{Pages: resp.Results}
	if resp.HasMore {
		batch.Next = resp.NextCursor
	}
	return batch, nil
}

// CreatePage adds a row to the database and returns the new page id.
func (n *NotionClient) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (string, error) {
	page, err := n.client.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	})
	if err != nil {
		return "", fmt.Errorf("CreatePage: %w", err)
	}
	return string(page.ID), nil
}

// UpdatePage overwrites the given properties of an existing row.
func (n *NotionClient) UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) error {
	_, err := n.client.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{
		Properties: properties,
	})
	if err != nil {
		return fmt.Errorf("UpdatePage %s: %w", pageID, err)
	}
	return nil
}

var _ ReportPages = (*NotionClient)(nil)

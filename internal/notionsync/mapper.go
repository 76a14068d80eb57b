package notionsync

import (
	"math"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jomei/notionapi"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/pipeline"
)

// Report database property names.
const (
	PropSession       = "Session"
	PropUser          = "User"
	PropHealthScore   = "Health Score"
	PropTotalIncome   = "Total Income"
	PropTotalExpenses = "Total Expenses"
	PropSavingsRate   = "Savings Rate"
	PropTransactions  = "Transactions"
	PropPeriod        = "Period"
)

func text(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: content},
		},
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func notionDate(d civil.Date) *notionapi.Date {
	nd := notionapi.Date(d.In(time.UTC))
	return &nd
}

// period returns the earliest and latest transaction dates.
func period(txns []domain.Transaction) (first, last civil.Date, ok bool) {
	for i, t := range txns {
		if i == 0 || t.Date.Before(first) {
			first = t.Date
		}
		if i == 0 || last.Before(t.Date) {
			last = t.Date
		}
	}
	return first, last, len(txns) > 0
}

// ReportToNotionProperties converts a finished session to the properties of
// its report page.
func ReportToNotionProperties(in pipeline.ExportInput) notionapi.Properties {
	core := in.Snapshot.Core

	props := notionapi.Properties{
		PropSession: notionapi.TitleProperty{
			Title: text(in.SessionID),
		},
		PropUser: notionapi.RichTextProperty{
			RichText: text(in.UserID),
		},
		PropHealthScore: notionapi.NumberProperty{
			Number: float64(in.Snapshot.HealthScore),
		},
		PropTotalIncome: notionapi.NumberProperty{
			Number: round2(core.TotalIncome),
		},
		PropTotalExpenses: notionapi.NumberProperty{
			Number: round2(core.TotalExpenses),
		},
		PropSavingsRate: notionapi.NumberProperty{
			Number: round2(core.SavingsRate),
		},
		PropTransactions: notionapi.NumberProperty{
			Number: float64(len(in.Transactions)),
		},
	}

	if first, last, ok := period(in.Transactions); ok {
		props[PropPeriod] = notionapi.DateProperty{
			Date: &notionapi.DateObject{
				Start: notionDate(first),
				End:   notionDate(last),
			},
		}
	}

	return props
}

// extractSession returns the Session title of a report page, or "".
func extractSession(page notionapi.Page) string {
	if prop, ok := page.Properties[PropSession]; ok {
		if title, ok := prop.(*notionapi.TitleProperty); ok {
			if len(title.Title) > 0 {
				return title.Title[0].PlainText
			}
		}
	}
	return ""
}

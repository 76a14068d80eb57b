package bigquery

import (
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestNewTransactionRow(t *testing.T) {
	created := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	tx := domain.Transaction{
		TransactionID:      "tx-1",
		UserID:             "user-1",
		AccountID:          "HDFC-bank-1234",
		SessionID:          "sess-1",
		Date:               civil.Date{Year: 2024, Month: 1, Day: 15},
		Description:        "UPI/SWIGGY/ORDER",
		Merchant:           strPtr("Swiggy"),
		Amount:             450.1,
		Direction:          domain.DirectionOutflow,
		Source:             domain.SourceUPI,
		Currency:           "INR",
		Category:           strPtr("food_and_dining"),
		IsInternalTransfer: true,
		Confidence:         0.8,
	}

	row := NewTransactionRow(tx, created)

	if row.TransactionID != "tx-1" || row.SessionID != "sess-1" || row.AccountID != "HDFC-bank-1234" {
		t.Errorf("unexpected ids %+v", row)
	}
	if row.Amount.FloatString(2) != "450.10" {
		t.Errorf("Amount = %s, want 450.10", row.Amount.FloatString(2))
	}
	if row.Direction != "outflow" || row.Source != "upi" {
		t.Errorf("Direction/Source = %s/%s", row.Direction, row.Source)
	}
	if !row.Merchant.Valid || row.Merchant.StringVal != "Swiggy" {
		t.Errorf("Merchant = %+v", row.Merchant)
	}
	if !row.CategoryName.Valid || row.SubcategoryName.Valid {
		t.Errorf("Category = %+v, Subcategory = %+v", row.CategoryName, row.SubcategoryName)
	}
	if !row.IsInternalTransfer || row.TransactionDate.String() != "2024-01-15" || !row.CreatedTS.Equal(created) {
		t.Errorf("unexpected row %+v", row)
	}
}

func TestNewSnapshotRow(t *testing.T) {
	snap := analysis.Snapshot{
		Core:        analysis.CoreMetrics{TotalIncome: 50000, TotalExpenses: 32000.5, SavingsRate: 0.36},
		HealthScore: 72,
	}

	row, err := NewSnapshotRow("sess-1", "user-1", snap, "", 12, time.Now())
	if err != nil {
		t.Fatalf("NewSnapshotRow() error = %v", err)
	}

	if row.HealthScore != 72 || row.Transactions != 12 || row.SavingsRate != 0.36 {
		t.Errorf("unexpected row %+v", row)
	}
	if row.TotalIncome.FloatString(2) != "50000.00" || row.TotalExpenses.FloatString(2) != "32000.50" {
		t.Errorf("totals = %s / %s", row.TotalIncome.FloatString(2), row.TotalExpenses.FloatString(2))
	}
	if row.Narrative.Valid {
		t.Error("empty narrative should be NULL")
	}

	var decoded analysis.Snapshot
	if !row.Snapshot.Valid || json.Unmarshal([]byte(row.Snapshot.JSONVal), &decoded) != nil {
		t.Fatalf("snapshot JSON not decodable: %q", row.Snapshot.JSONVal)
	}
	if decoded.HealthScore != 72 {
		t.Errorf("decoded HealthScore = %d", decoded.HealthScore)
	}
}

package llm

import (
	"errors"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/statement-insights/internal/domain"
)

func TestCleanModelJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain object", raw: `{"a":1}`, want: `{"a":1}`},
		{name: "json fence", raw: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence", raw: "```\n[1,2]\n```", want: `[1,2]`},
		{name: "prose around object", raw: "Here you go: {\"transactions\":[]} hope it helps", want: `{"transactions":[]}`},
		{name: "object containing array", raw: `{"transactions":[{"a":1}]}`, want: `{"transactions":[{"a":1}]}`},
		{name: "array first", raw: "result [ {\"a\":1} ] done", want: `[ {"a":1} ]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanModelJSON(tt.raw); got != tt.want {
				t.Errorf("cleanModelJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func testRequest() ExtractRequest {
	return ExtractRequest{
		SessionID: "sess-1",
		UserID:    "user-1",
		AccountID: "HDFC-bank-1234",
		ChunkText: "01/01 SWIGGY 350",
	}
}

func TestParseTransactionsValid(t *testing.T) {
	raw := `{"transactions":[
		{"date":"2024-01-05","amount":499,"direction":"outflow","description":"NETFLIX SI","merchant":"Netflix",
		 "source":"credit_card","category":"Subscriptions","subcategory":"Streaming","is_internal_transfer":false,
		 "confidence":0.95,"is_recurring_candidate":true,"recurring_signal":"MERCHANT_RECURRING"},
		{"date":"2024-01-06","amount":50000,"direction":"inflow","description":"SALARY ACME","merchant":null,
		 "source":"bank","category":null,"subcategory":null,"confidence":1,"currency":"usd","recurring_signal":null}
	]}`

	txs, err := parseTransactions(raw, testRequest())
	if err != nil {
		t.Fatalf("parseTransactions() error = %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}

	first := txs[0]
	if first.Date != (civil.Date{Year: 2024, Month: 1, Day: 5}) {
		t.Errorf("Date = %v", first.Date)
	}
	if first.Direction != domain.DirectionOutflow || first.Source != domain.SourceCreditCard {
		t.Errorf("unexpected direction/source %q/%q", first.Direction, first.Source)
	}
	if first.Category == nil || *first.Category != "subscriptions" {
		t.Errorf("expected lowercased category, got %v", first.Category)
	}
	if first.RecurringSignal == nil || *first.RecurringSignal != domain.SignalMerchantRecurring {
		t.Errorf("unexpected recurring signal %v", first.RecurringSignal)
	}
	if first.Currency != "INR" {
		t.Errorf("expected default currency INR, got %q", first.Currency)
	}
	if first.TransactionID == "" || first.TransactionID == txs[1].TransactionID {
		t.Error("expected distinct generated transaction ids")
	}
	if first.UserID != "user-1" || first.SessionID != "sess-1" || first.AccountID != "HDFC-bank-1234" {
		t.Errorf("request identifiers not applied: %+v", first)
	}

	second := txs[1]
	if second.Merchant != nil || second.Category != nil {
		t.Error("expected null merchant and category")
	}
	if second.Currency != "USD" {
		t.Errorf("Currency = %q, want USD", second.Currency)
	}
}

func TestParseTransactionsAcceptsBareArray(t *testing.T) {
	raw := "```json\n[{\"date\":\"2024-02-01\",\"amount\":10.5,\"direction\":\"outflow\",\"source\":\"upi\",\"confidence\":0.3}]\n```"
	txs, err := parseTransactions(raw, testRequest())
	if err != nil {
		t.Fatalf("parseTransactions() error = %v", err)
	}
	if len(txs) != 1 || txs[0].Amount != 10.5 {
		t.Errorf("unexpected result %+v", txs)
	}
}

func TestParseTransactionsRejectsMalformed(t *testing.T) {
	valid := `"date":"2024-01-05","amount":100,"direction":"outflow","source":"bank","confidence":0.5`

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: "  "},
		{name: "not json", raw: "I could not read the statement"},
		{name: "missing transactions key", raw: `{"items":[]}`},
		{name: "transactions not array", raw: `{"transactions":{}}`},
		{name: "element not object", raw: `{"transactions":[1]}`},
		{name: "bad date", raw: `{"transactions":[{"date":"05/01/2024","amount":1,"direction":"outflow","source":"bank"}]}`},
		{name: "missing date", raw: `{"transactions":[{"amount":1,"direction":"outflow","source":"bank"}]}`},
		{name: "zero amount", raw: `{"transactions":[{"date":"2024-01-05","amount":0,"direction":"outflow","source":"bank"}]}`},
		{name: "negative amount", raw: `{"transactions":[{"date":"2024-01-05","amount":-3,"direction":"outflow","source":"bank"}]}`},
		{name: "amount as string", raw: `{"transactions":[{"date":"2024-01-05","amount":"12","direction":"outflow","source":"bank"}]}`},
		{name: "bad direction", raw: `{"transactions":[{"date":"2024-01-05","amount":1,"direction":"debit","source":"bank"}]}`},
		{name: "bad source", raw: `{"transactions":[{"date":"2024-01-05","amount":1,"direction":"outflow","source":"cash"}]}`},
		{name: "confidence above one", raw: `{"transactions":[{` + valid + `,"confidence":1.5}]}`},
		{name: "unknown category", raw: `{"transactions":[{` + valid + `,"category":"gambling"}]}`},
		{name: "bad recurring signal", raw: `{"transactions":[{` + valid + `,"recurring_signal":"WEEKLY"}]}`},
		{name: "flag not boolean", raw: `{"transactions":[{` + valid + `,"is_internal_transfer":"yes"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs, err := parseTransactions(tt.raw, testRequest())
			if !errors.Is(err, domain.ErrUpstreamExtraction) {
				t.Errorf("expected ErrUpstreamExtraction, got %v", err)
			}
			if txs != nil {
				t.Errorf("expected no partial result, got %d transactions", len(txs))
			}
		})
	}
}

func TestParseAccountContext(t *testing.T) {
	raw := `{"accountType":"credit_card","bankName":"ICICI Bank","accountLast4":null,"cardLast4":"9876",
		"holderName":"A KUMAR","statementPeriod":{"start":"2024-01-01","end":"2024-01-31"}}`

	got, err := parseAccountContext(raw)
	if err != nil {
		t.Fatalf("parseAccountContext() error = %v", err)
	}
	if got.AccountType != domain.AccountTypeCreditCard {
		t.Errorf("AccountType = %q", got.AccountType)
	}
	if got.AccountID() != "ICICI Bank-credit_card-9876" {
		t.Errorf("AccountID() = %q", got.AccountID())
	}
	if got.StatementPeriod == nil || got.StatementPeriod.End != "2024-01-31" {
		t.Errorf("unexpected statement period %+v", got.StatementPeriod)
	}
}

func TestParseAccountContextRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		`{"accountType":"wallet"}`,
		`{"bankName":"HDFC"}`,
		`["bank"]`,
		`{"accountType":"bank","statementPeriod":"Jan 2024"}`,
	} {
		if _, err := parseAccountContext(raw); !errors.Is(err, domain.ErrUpstreamExtraction) {
			t.Errorf("parseAccountContext(%s): expected ErrUpstreamExtraction, got %v", raw, err)
		}
	}
}

func TestParsePages(t *testing.T) {
	raw := `{"pages":[{"page_number":2,"text":"second"},{"page_number":1,"text":"first"}]}`

	pages, err := parsePages(raw)
	if err != nil {
		t.Fatalf("parsePages() error = %v", err)
	}
	if len(pages) != 2 || pages[0].Number != 1 || pages[1].Text != "second" {
		t.Errorf("unexpected pages %+v", pages)
	}

	if _, err := parsePages(`{"pages":[{"page_number":0,"text":"x"}]}`); !errors.Is(err, domain.ErrUpstreamExtraction) {
		t.Errorf("expected ErrUpstreamExtraction for page 0, got %v", err)
	}
}

func TestParseNarrative(t *testing.T) {
	got, err := parseNarrative("```json\n{ \"summary\": [\"Income 50000\"] }\n```")
	if err != nil {
		t.Fatalf("parseNarrative() error = %v", err)
	}
	if got != `{"summary":["Income 50000"]}` {
		t.Errorf("parseNarrative() = %s", got)
	}

	if _, err := parseNarrative(`["not","an","object"]`); !errors.Is(err, domain.ErrUpstreamExtraction) {
		t.Errorf("expected ErrUpstreamExtraction, got %v", err)
	}
}

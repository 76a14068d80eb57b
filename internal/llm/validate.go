package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// decodeModelJSON cleans raw model text and decodes it into a generic value.
func decodeModelJSON(raw string) (interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, domain.Wrap(domain.ErrUpstreamExtraction, "empty response from model")
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &parsed); err != nil {
		return nil, domain.Wrap(domain.ErrUpstreamExtraction, "unmarshal model JSON: %v", err)
	}
	return parsed, nil
}

// parseAccountContext validates a context-detection response.
func parseAccountContext(raw string) (domain.AccountContext, error) {
	parsed, err := decodeModelJSON(raw)
	if err != nil {
		return domain.AccountContext{}, err
	}
	obj, ok := parsed.(map[string]interface{})
	if !ok {
		return domain.AccountContext{}, domain.Wrap(domain.ErrUpstreamExtraction, "account context is %T, want object", parsed)
	}

	ctx, err := transformAccountContext(obj)
	if err != nil {
		return domain.AccountContext{}, domain.Wrap(domain.ErrUpstreamExtraction, "account context: %v", err)
	}
	return ctx, nil
}

func transformAccountContext(obj map[string]interface{}) (domain.AccountContext, error) {
	var out domain.AccountContext

	accountType, err := getStringField(obj, "accountType", true)
	if err != nil {
		return out, err
	}
	switch t := domain.AccountType(strings.ToLower(strings.TrimSpace(accountType))); t {
	case domain.AccountTypeBank, domain.AccountTypeCreditCard:
		out.AccountType = t
	default:
		return out, fmt.Errorf("invalid accountType %q", accountType)
	}

	if out.BankName, err = getOptionalStringField(obj, "bankName"); err != nil {
		return out, err
	}
	if out.AccountLast4, err = getOptionalStringField(obj, "accountLast4"); err != nil {
		return out, err
	}
	if out.CardLast4, err = getOptionalStringField(obj, "cardLast4"); err != nil {
		return out, err
	}
	if out.HolderName, err = getOptionalStringField(obj, "holderName"); err != nil {
		return out, err
	}

	if period, ok := obj["statementPeriod"]; ok && period != nil {
		p, ok := period.(map[string]interface{})
		if !ok {
			return out, fmt.Errorf("field %q has type %T, want object or null", "statementPeriod", period)
		}
		start, err := getOptionalStringField(p, "start")
		if err != nil {
			return out, err
		}
		end, err := getOptionalStringField(p, "end")
		if err != nil {
			return out, err
		}
		if start != nil || end != nil {
			out.StatementPeriod = &domain.StatementPeriod{}
			if start != nil {
				out.StatementPeriod.Start = *start
			}
			if end != nil {
				out.StatementPeriod.End = *end
			}
		}
	}

	return out, nil
}

// parseTransactions validates an extraction response and stamps every
// transaction with a fresh id and the request's identifiers.
func parseTransactions(raw string, req ExtractRequest) ([]domain.Transaction, error) {
	parsed, err := decodeModelJSON(raw)
	if err != nil {
		return nil, err
	}

	var items []interface{}
	switch v := parsed.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		txAny, ok := v["transactions"]
		if !ok {
			return nil, domain.Wrap(domain.ErrUpstreamExtraction, "missing 'transactions' key in model output")
		}
		if items, ok = txAny.([]interface{}); !ok {
			return nil, domain.Wrap(domain.ErrUpstreamExtraction, "'transactions' is %T, want array", txAny)
		}
	default:
		return nil, domain.Wrap(domain.ErrUpstreamExtraction, "model output is %T, want object or array", parsed)
	}

	result := make([]domain.Transaction, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, domain.Wrap(domain.ErrUpstreamExtraction, "transaction %d is %T, want object", i, item)
		}
		tx, err := transformTransaction(obj)
		if err != nil {
			return nil, domain.Wrap(domain.ErrUpstreamExtraction, "transaction %d: %v", i, err)
		}
		tx.TransactionID = uuid.NewString()
		tx.UserID = req.UserID
		tx.SessionID = req.SessionID
		tx.AccountID = req.AccountID
		result = append(result, tx)
	}
	return result, nil
}

func transformTransaction(obj map[string]interface{}) (domain.Transaction, error) {
	var tx domain.Transaction

	dateStr, err := getStringField(obj, "date", true)
	if err != nil {
		return tx, err
	}
	if tx.Date, err = civil.ParseDate(strings.TrimSpace(dateStr)); err != nil {
		return tx, fmt.Errorf("invalid date %q: %w", dateStr, err)
	}

	if tx.Amount, err = getFloat64Field(obj, "amount", true); err != nil {
		return tx, err
	}
	if tx.Amount <= 0 {
		return tx, fmt.Errorf("amount must be positive, got %v", tx.Amount)
	}

	direction, err := getStringField(obj, "direction", true)
	if err != nil {
		return tx, err
	}
	if tx.Direction, err = domain.ParseDirection(direction); err != nil {
		return tx, err
	}

	source, err := getStringField(obj, "source", true)
	if err != nil {
		return tx, err
	}
	if tx.Source, err = domain.ParseSource(source); err != nil {
		return tx, err
	}

	if tx.Description, err = getStringField(obj, "description", false); err != nil {
		return tx, err
	}
	if tx.Merchant, err = getOptionalStringField(obj, "merchant"); err != nil {
		return tx, err
	}

	if tx.Category, err = getOptionalStringField(obj, "category"); err != nil {
		return tx, err
	}
	if tx.Category != nil {
		c := strings.ToLower(*tx.Category)
		if _, ok := categorySet[c]; !ok {
			return tx, fmt.Errorf("category %q is not allowed", *tx.Category)
		}
		tx.Category = &c
	}
	if tx.Subcategory, err = getOptionalStringField(obj, "subcategory"); err != nil {
		return tx, err
	}
	if tx.Subcategory != nil {
		s := strings.ToLower(*tx.Subcategory)
		tx.Subcategory = &s
	}

	currency, err := getOptionalStringField(obj, "currency")
	if err != nil {
		return tx, err
	}
	tx.Currency = domain.DefaultCurrency
	if currency != nil {
		tx.Currency = strings.ToUpper(*currency)
	}

	if tx.IsInternalTransfer, err = getBoolField(obj, "is_internal_transfer"); err != nil {
		return tx, err
	}
	if tx.IsInterest, err = getBoolField(obj, "is_interest"); err != nil {
		return tx, err
	}
	if tx.IsFee, err = getBoolField(obj, "is_fee"); err != nil {
		return tx, err
	}
	if tx.IsRecurringCandidate, err = getBoolField(obj, "is_recurring_candidate"); err != nil {
		return tx, err
	}

	confidence, err := getOptionalFloat64Field(obj, "confidence")
	if err != nil {
		return tx, err
	}
	if confidence != nil {
		if *confidence < 0 || *confidence > 1 {
			return tx, fmt.Errorf("confidence %v outside [0,1]", *confidence)
		}
		tx.Confidence = *confidence
	}

	signal, err := getOptionalStringField(obj, "recurring_signal")
	if err != nil {
		return tx, err
	}
	if signal != nil {
		sig, err := domain.ParseRecurringSignal(*signal)
		if err != nil {
			return tx, err
		}
		tx.RecurringSignal = &sig
	}

	return tx, nil
}

// parsePages validates a page-text extraction response. Pages come back
// sorted by number.
func parsePages(raw string) ([]domain.Page, error) {
	parsed, err := decodeModelJSON(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := parsed.(map[string]interface{})
	if !ok {
		return nil, domain.Wrap(domain.ErrUpstreamExtraction, "pages output is %T, want object", parsed)
	}
	items, ok := obj["pages"].([]interface{})
	if !ok {
		return nil, domain.Wrap(domain.ErrUpstreamExtraction, "'pages' is %T, want array", obj["pages"])
	}

	pages := make([]domain.Page, 0, len(items))
	for i, item := range items {
		p, ok := item.(map[string]interface{})
		if !ok {
			return nil, domain.Wrap(domain.ErrUpstreamExtraction, "page %d is %T, want object", i, item)
		}
		num, err := getFloat64Field(p, "page_number", true)
		if err != nil {
			return nil, domain.Wrap(domain.ErrUpstreamExtraction, "page %d: %v", i, err)
		}
		if num < 1 || num != float64(int(num)) {
			return nil, domain.Wrap(domain.ErrUpstreamExtraction, "page %d: invalid page_number %v", i, num)
		}
		text, err := getStringField(p, "text", false)
		if err != nil {
			return nil, domain.Wrap(domain.ErrUpstreamExtraction, "page %d: %v", i, err)
		}
		pages = append(pages, domain.Page{Number: int(num), Text: text})
	}

	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages, nil
}

// parseNarrative checks that the narrative is a JSON object and returns it
// compacted.
func parseNarrative(raw string) (string, error) {
	parsed, err := decodeModelJSON(raw)
	if err != nil {
		return "", err
	}
	if _, ok := parsed.(map[string]interface{}); !ok {
		return "", domain.Wrap(domain.ErrUpstreamExtraction, "narrative is %T, want object", parsed)
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return "", domain.Wrap(domain.ErrUpstreamExtraction, "re-encode narrative: %v", err)
	}
	return string(out), nil
}

// cleanModelJSON strips Markdown fences and any prose around the outermost
// JSON object or array.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	if end := strings.LastIndex(s, closer); end > start {
		s = strings.TrimSpace(s[start : end+1])
	}
	return s
}

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	switch val := v.(type) {
	case string:
		if required && strings.TrimSpace(val) == "" {
			return "", fmt.Errorf("required field %q is empty", key)
		}
		return val, nil
	default:
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
}

func getOptionalStringField(m map[string]interface{}, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" || strings.EqualFold(s, "null") {
			return nil, nil
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want string or null", key, v)
	}
}

func getFloat64Field(m map[string]interface{}, key string, required bool) (float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return 0, fmt.Errorf("missing required field %q", key)
		}
		return 0, nil
	}
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("field %q has type %T, want number", key, v)
	}
}

func getOptionalFloat64Field(m map[string]interface{}, key string) (*float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, err := getFloat64Field(m, key, true)
	if err != nil {
		return nil, fmt.Errorf("field %q has type %T, want number or null", key, v)
	}
	return &f, nil
}

// getBoolField treats a missing or null field as false.
func getBoolField(m map[string]interface{}, key string) (bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q has type %T, want boolean", key, v)
	}
	return b, nil
}

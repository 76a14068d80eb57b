package llm

import (
	"strings"
)

const contextPrompt = `You are a deterministic Indian bank statement classifier.
Extract the ACCOUNT CONTEXT from the FIRST PAGE of a statement.

Determine:
1. accountType: "bank" or "credit_card".
2. bankName: e.g. HDFC Bank, ICICI Bank, Axis Bank; null if not found.
3. accountLast4 / cardLast4: last 4 digits of the masked number (XXXX1234 -> 1234); null if not found.
4. holderName: the account holder, if present.
5. statementPeriod: {"start": "YYYY-MM-DD", "end": "YYYY-MM-DD"}, or null.

Rules:
- If the text mentions "Credit Card Statement", classify as credit_card.
- Debit card usage does NOT mean credit card.
- Do not guess missing values; use null.

Return ONLY a JSON object with the keys accountType, bankName, accountLast4, cardLast4,
holderName, statementPeriod.

STATEMENT FIRST PAGE TEXT:
`

const extractionRules = `Return ONLY a JSON object {"transactions": [...]}. Each transaction has:
- "date": "YYYY-MM-DD"
- "amount": positive number
- "direction": "inflow" or "outflow" (user cash flow)
- "description": the verbatim transaction line
- "merchant": clean merchant name or null
- "source": "bank", "upi" or "credit_card"
- "currency": ISO code, "INR" when not printed
- "category": one of the allowed categories or null
- "subcategory": simple lowercase string or null
- "is_internal_transfer": boolean
- "is_interest": boolean, true for interest or finance charges
- "is_fee": boolean, true for fees, penalties and their taxes
- "confidence": number between 0 and 1
- "is_recurring_candidate": boolean
- "recurring_signal": "SI", "AUTO_DEBIT", "MERCHANT_RECURRING" or null

Direction:
- Bank accounts: credits are inflow, debits are outflow.
- Credit cards: spends and bill payments are outflow, refunds are inflow.
- Credit card bill payments ("PAYMENT RECEIVED", "THANK YOU", "BILL PAYMENT") are outflow with
  category null, never income.

Internal transfers: set is_internal_transfer only when the counterparty in the transaction line
matches the holder name AND the line shows explicit self-transfer intent ("SELF", "OWN ACCOUNT").
Businesses (PVT, LTD, LLP, TECHNOLOGIES, SERVICES) are never internal transfers. When
is_internal_transfer is true use category "personal_transfer", subcategory "self_transfer",
confidence 1.0. When in doubt, false.

Income: inflows mentioning SALARY or PAYROLL are category "financial_services", subcategory "salary".
Investments (Groww, Zerodha, SIP, MF, DEMAT) are "financial_services" / "investment".

Recurring: flag is_recurring_candidate only with explicit evidence. Standing instructions
("SI", "AUTO DEBIT", "E-MANDATE", "NACH") use SI or AUTO_DEBIT. Known recurring merchants
(Netflix, Spotify, Google Play, Apple Media Services, Amazon Prime, Microsoft, Adobe, Hotstar,
LinkedIn) use MERCHANT_RECURRING.

Confidence: explicit rule match 1.0, weak signals at most 0.7, null category at most 0.4.
Do not invent transactions. Do not wrap the response in code fences.
`

const narrativePrompt = `You are a deterministic financial report structuring engine for an Indian personal
finance application. You are given a PRECOMPUTED FINANCIAL SNAPSHOT as JSON.

Structure it into a lossless, UI-ready JSON report with the keys:
summary (4-6 bullets referencing exact snapshot values), monthly_breakdown (month, income,
expenses, net), expense_categories (category, amount, percentage, rank), top_expense_categories
(top 5 of expense_categories), income_sources (source, amount, rank), subscriptions
(present, items), patterns (pattern, basis, impact), recommendations (title, reason,
confidence), totals (total_income, total_expenses, net_savings, savings_rate), analysis_period
(start, end).

Constraints:
- Do not recompute numbers except net = income - expenses.
- Do not infer missing data or invent merchants, subscriptions or causes.
- Do not drop data present in the snapshot.
- Return ONLY the JSON object.

SNAPSHOT:
`

const pagesPrompt = `Transcribe the attached PDF statement page by page.
Return ONLY a JSON object {"pages": [{"page_number": 1, "text": "..."}]} with one entry per page,
in order. Keep every transaction line on its own line, preserving dates, descriptions and amounts
exactly as printed. Use an empty string for blank pages.`

// buildContextPrompt embeds the first page text.
func buildContextPrompt(firstPageText string) string {
	return contextPrompt + firstPageText
}

// buildExtractionPrompt renders the account context, the allowed categories
// and the chunk text.
func buildExtractionPrompt(req ExtractRequest) string {
	var b strings.Builder
	b.WriteString("You are a deterministic financial transaction extraction engine for Indian bank and credit card statements.\n")
	b.WriteString("Extract transactions accurately; enrich them with categories only on clear evidence.\n\n")

	b.WriteString("ACCOUNT CONTEXT (authoritative, do not override):\n")
	b.WriteString("- Account ID: " + req.AccountID + "\n")
	b.WriteString("- Account Type: " + string(req.Context.AccountType) + "\n")
	if req.Context.BankName != nil {
		b.WriteString("- Bank Name: " + *req.Context.BankName + "\n")
	}
	if req.Context.CardLast4 != nil {
		b.WriteString("- Card Last 4 Digits: " + *req.Context.CardLast4 + "\n")
	}
	if req.Context.HolderName != nil {
		b.WriteString("- Holder Name: " + *req.Context.HolderName + "\n")
	}
	b.WriteString("\n")

	b.WriteString("Allowed categories (choose ONLY from this list, or null):\n")
	for _, c := range Categories {
		b.WriteString("  - " + c + "\n")
	}
	b.WriteString("\n")

	b.WriteString(extractionRules)
	b.WriteString("\nINPUT STATEMENT TEXT:\n")
	b.WriteString(req.ChunkText)
	return b.String()
}

func buildNarrativePrompt(snapshotJSON []byte) string {
	return narrativePrompt + string(snapshotJSON)
}

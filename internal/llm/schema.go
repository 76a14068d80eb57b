package llm

import (
	"google.golang.org/genai"
)

func nullableString() *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Nullable: genai.Ptr(true)}
}

// contextSchema constrains context-detection responses.
var contextSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"accountType":  {Type: genai.TypeString, Enum: []string{"bank", "credit_card"}},
		"bankName":     nullableString(),
		"accountLast4": nullableString(),
		"cardLast4":    nullableString(),
		"holderName":   nullableString(),
		"statementPeriod": {
			Type:     genai.TypeObject,
			Nullable: genai.Ptr(true),
			Properties: map[string]*genai.Schema{
				"start": {Type: genai.TypeString},
				"end":   {Type: genai.TypeString},
			},
		},
	},
	Required: []string{"accountType"},
}

// transactionsSchema constrains chunk extraction responses.
var transactionsSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"transactions": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"date":                   {Type: genai.TypeString, Description: "YYYY-MM-DD"},
					"amount":                 {Type: genai.TypeNumber},
					"direction":              {Type: genai.TypeString, Enum: []string{"inflow", "outflow"}},
					"description":            {Type: genai.TypeString},
					"merchant":               nullableString(),
					"source":                 {Type: genai.TypeString, Enum: []string{"bank", "upi", "credit_card"}},
					"currency":               {Type: genai.TypeString},
					"category":               {Type: genai.TypeString, Nullable: genai.Ptr(true), Enum: Categories},
					"subcategory":            nullableString(),
					"is_internal_transfer":   {Type: genai.TypeBoolean},
					"is_interest":            {Type: genai.TypeBoolean},
					"is_fee":                 {Type: genai.TypeBoolean},
					"confidence":             {Type: genai.TypeNumber},
					"is_recurring_candidate": {Type: genai.TypeBoolean},
					"recurring_signal": {
						Type:     genai.TypeString,
						Nullable: genai.Ptr(true),
						Enum:     []string{"SI", "AUTO_DEBIT", "MERCHANT_RECURRING"},
					},
				},
				Required: []string{"date", "amount", "direction", "description", "source", "confidence"},
			},
		},
	},
	Required: []string{"transactions"},
}

// pagesSchema constrains PDF transcription responses.
var pagesSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"pages": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"page_number": {Type: genai.TypeInteger},
					"text":        {Type: genai.TypeString},
				},
				Required: []string{"page_number", "text"},
			},
		},
	},
	Required: []string{"pages"},
}

// Package estimate predicts the token cost and wall-clock duration of a batch
// before any model call is made.
package estimate

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/dvloznov/statement-insights/internal/chunker"
	"github.com/dvloznov/statement-insights/internal/domain"
)

// Token model constants.
const (
	ContextPromptTokens        = 1500
	ChunkOverheadTokens        = 2500
	CompletionRatio            = 0.6
	NarrativeTokens            = 6000
	SafetyFactor               = 1.25
	ModelTokensPerProductToken = 100

	// rangePercent widens a point estimate into the displayed [min, max]
	// range: max = ceil(point * 1.35).
	rangePercent = 135
)

// Time model constants, in seconds.
const (
	SecondsPerPage          = 0.4
	SecondsContextDetection = 4.0
	SecondsPerChunk         = 12.0
	SecondsNarrative        = 15.0
	TimeSafetyFactor        = 1.2
	BatchPenaltyPerDocument = 0.1
	SmallDocumentPenalty    = 1.3
	SmallDocumentMaxPages   = 2
	MinSeconds              = 20
	MinSecondsWithNarrative = 45
)

// Metrics summarises one document's text.
type Metrics struct {
	TotalChars    int `json:"total_chars"`
	TotalPages    int `json:"total_pages"`
	NonEmptyPages int `json:"non_empty_pages"`
}

// MetricsFromPages measures a document.
func MetricsFromPages(pages []domain.Page) Metrics {
	m := Metrics{TotalPages: len(pages)}
	for _, p := range pages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		m.NonEmptyPages++
		m.TotalChars += utf8.RuneCountInString(text)
	}
	return m
}

// Range is a user-facing [Min, Max] interval.
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func rangeOf(point int64) Range {
	return Range{Min: point, Max: (point*rangePercent + 99) / 100}
}

// TokenEstimate is the token side of an estimate.
type TokenEstimate struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	ContextTokens    int64 `json:"context_tokens"`
	ExtractionTokens int64 `json:"extraction_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	NarrativeTokens  int64 `json:"narrative_tokens"`
	Chunks           int   `json:"chunks"`

	// ModelTokens is the safety-adjusted total in model tokens.
	ModelTokens int64 `json:"model_tokens"`
	// ProductTokens is what the user is charged.
	ProductTokens int64 `json:"product_tokens"`
	Range         Range `json:"range"`
}

// DurationEstimate is the time side of an estimate.
type DurationEstimate struct {
	Seconds int64  `json:"seconds"`
	Range   Range  `json:"range"`
	Text    string `json:"text"`
}

// Estimator holds the tunables. The zero value is not usable; call New.
type Estimator struct {
	ChunkTokens int
}

// New returns an estimator whose chunk size matches the chunker's budget.
func New(chunkTokens int) *Estimator {
	if chunkTokens <= 0 {
		chunkTokens = chunker.DefaultMaxTokens
	}
	return &Estimator{ChunkTokens: chunkTokens}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// chunks predicts how many chunks a document will produce.
func (e *Estimator) chunks(m Metrics) int {
	if m.NonEmptyPages == 0 {
		return 0
	}
	prompt := ceilDiv(m.TotalChars, chunker.CharsPerToken)
	if n := ceilDiv(prompt, e.ChunkTokens); n > 1 {
		return n
	}
	return 1
}

// Tokens estimates the token cost of processing docs.
func (e *Estimator) Tokens(docs []Metrics, withNarrative bool) TokenEstimate {
	var est TokenEstimate

	for _, m := range docs {
		prompt := int64(ceilDiv(m.TotalChars, chunker.CharsPerToken))
		chunks := e.chunks(m)

		est.PromptTokens += prompt
		est.Chunks += chunks
		if m.NonEmptyPages > 0 {
			est.ContextTokens += ContextPromptTokens
		}
		extraction := prompt + int64(chunks)*ChunkOverheadTokens
		est.ExtractionTokens += extraction
		est.CompletionTokens += int64(math.Ceil(float64(extraction) * CompletionRatio))
	}

	if withNarrative {
		est.NarrativeTokens = NarrativeTokens
	}

	total := est.ContextTokens + est.ExtractionTokens + est.CompletionTokens + est.NarrativeTokens
	est.ModelTokens = int64(math.Ceil(float64(total) * SafetyFactor))
	est.ProductTokens = ToProductTokens(est.ModelTokens)
	est.Range = rangeOf(est.ProductTokens)
	return est
}

// ToProductTokens converts model tokens to the product unit, rounding up.
func ToProductTokens(modelTokens int64) int64 {
	if modelTokens <= 0 {
		return 0
	}
	return (modelTokens + ModelTokensPerProductToken - 1) / ModelTokensPerProductToken
}

// Duration estimates how long processing docs will take.
func (e *Estimator) Duration(docs []Metrics, withNarrative bool) DurationEstimate {
	var seconds float64
	small := len(docs) > 0

	for _, m := range docs {
		seconds += float64(m.TotalPages) * SecondsPerPage
		seconds += SecondsContextDetection
		seconds += float64(e.chunks(m)) * SecondsPerChunk
		if m.NonEmptyPages > SmallDocumentMaxPages {
			small = false
		}
	}
	if withNarrative {
		seconds += SecondsNarrative
	}

	seconds *= TimeSafetyFactor
	if len(docs) > 1 {
		seconds *= 1 + BatchPenaltyPerDocument*float64(len(docs)-1)
	}
	if small {
		seconds *= SmallDocumentPenalty
	}

	floor := float64(MinSeconds)
	if withNarrative {
		floor = MinSecondsWithNarrative
	}
	if seconds < floor {
		seconds = floor
	}

	point := int64(math.Ceil(seconds))
	r := rangeOf(point)
	return DurationEstimate{
		Seconds: point,
		Range:   r,
		Text:    FormatDurationRange(float64(r.Min), float64(r.Max)),
	}
}

// Package chunker splits statement text into token-bounded chunks for
// extraction, keeping track of which pages each chunk came from.
package chunker

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dvloznov/statement-insights/internal/domain"
)

const (
	// DefaultMaxTokens is the extraction budget of a single chunk.
	DefaultMaxTokens = 10000

	// CharsPerToken is the character-to-token ratio shared with the estimator.
	CharsPerToken = 4
)

// TokenCounter estimates how many model tokens a piece of text costs.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter counts ceil(runes / CharsPerToken), at least 1 for
// non-empty text.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Row is one trimmed, non-empty line of a page.
type Row struct {
	Page int
	Text string
}

// Chunk is a slice of rows submitted as one extraction call.
type Chunk struct {
	Rows   []Row
	Pages  []int // distinct, ascending
	Tokens int
}

// Text joins the chunk's rows with newlines.
func (c Chunk) Text() string {
	lines := make([]string, len(c.Rows))
	for i, r := range c.Rows {
		lines[i] = r.Text
	}
	return strings.Join(lines, "\n")
}

// SplitRows turns ordered pages into trimmed, non-empty rows.
func SplitRows(pages []domain.Page) []Row {
	var rows []Row
	for _, p := range pages {
		for _, line := range strings.Split(p.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			rows = append(rows, Row{Page: p.Number, Text: line})
		}
	}
	return rows
}

// Chunker packs rows greedily into chunks of at most MaxTokens.
type Chunker struct {
	MaxTokens int
	Counter   TokenCounter
}

// New returns a Chunker with the heuristic counter. A non-positive
// maxTokens selects DefaultMaxTokens.
func New(maxTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Chunker{MaxTokens: maxTokens, Counter: HeuristicCounter{}}
}

// Chunk packs rows in order. A row is never split; a row that alone exceeds
// MaxTokens becomes its own chunk.
func (c *Chunker) Chunk(rows []Row) []Chunk {
	counter := c.Counter
	if counter == nil {
		counter = HeuristicCounter{}
	}

	var (
		chunks  []Chunk
		current []Row
		tokens  int
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Rows:   current,
			Pages:  distinctPages(current),
			Tokens: tokens,
		})
		current = nil
		tokens = 0
	}

	for _, row := range rows {
		cost := counter.Count(row.Text)
		if len(current) > 0 && tokens+cost > c.MaxTokens {
			flush()
		}
		current = append(current, row)
		tokens += cost
	}
	flush()

	return chunks
}

func distinctPages(rows []Row) []int {
	seen := make(map[int]struct{}, len(rows))
	var pages []int
	for _, r := range rows {
		if _, ok := seen[r.Page]; ok {
			continue
		}
		seen[r.Page] = struct{}{}
		pages = append(pages, r.Page)
	}
	sort.Ints(pages)
	return pages
}

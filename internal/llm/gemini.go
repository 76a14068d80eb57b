package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/ratelimit"
)

// Default Gemini models.
const (
	DefaultGeminiContextModel    = "gemini-2.5-flash"
	DefaultGeminiExtractionModel = "gemini-2.5-flash"
	DefaultGeminiNarrativeModel  = "gemini-2.5-pro"
)

// contentGenerator is the part of *genai.Models the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig selects the model per call type.
type GeminiConfig struct {
	ContextModel    string
	ExtractionModel string
	NarrativeModel  string
}

func (c GeminiConfig) withDefaults() GeminiConfig {
	if c.ContextModel == "" {
		c.ContextModel = DefaultGeminiContextModel
	}
	if c.ExtractionModel == "" {
		c.ExtractionModel = DefaultGeminiExtractionModel
	}
	if c.NarrativeModel == "" {
		c.NarrativeModel = DefaultGeminiNarrativeModel
	}
	return c
}

// GeminiClient implements Client and PageExtractor on Gemini.
type GeminiClient struct {
	models contentGenerator
	cfg    GeminiConfig
}

// NewGeminiClient creates a client. Credentials come from the environment
// (GOOGLE_API_KEY, or Vertex AI via GOOGLE_GENAI_USE_VERTEXAI).
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiClient: create genai client: %w", err)
	}
	return &GeminiClient{models: client.Models, cfg: cfg.withDefaults()}, nil
}

func newGeminiClientWith(models contentGenerator, cfg GeminiConfig) *GeminiClient {
	return &GeminiClient{models: models, cfg: cfg.withDefaults()}
}

func jsonConfig(schema *genai.Schema) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	}
}

func (c *GeminiClient) generate(ctx context.Context, model string, parts []*genai.Part, cfg *genai.GenerateContentConfig) (string, Usage, error) {
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	resp, err := c.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", Usage{}, classifyGeminiError(ctx, err)
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int64(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int64(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return resp.Text(), usage, nil
}

// DetectContext implements Client.
func (c *GeminiClient) DetectContext(ctx context.Context, firstPageText string) (domain.AccountContext, Usage, error) {
	raw, usage, err := c.generate(ctx, c.cfg.ContextModel,
		[]*genai.Part{{Text: buildContextPrompt(firstPageText)}}, jsonConfig(contextSchema))
	if err != nil {
		return domain.AccountContext{}, usage, fmt.Errorf("DetectContext: %w", err)
	}
	accountCtx, err := parseAccountContext(raw)
	return accountCtx, usage, err
}

// ExtractTransactions implements Client.
func (c *GeminiClient) ExtractTransactions(ctx context.Context, req ExtractRequest) ([]domain.Transaction, Usage, error) {
	raw, usage, err := c.generate(ctx, c.cfg.ExtractionModel,
		[]*genai.Part{{Text: buildExtractionPrompt(req)}}, jsonConfig(transactionsSchema))
	if err != nil {
		return nil, usage, fmt.Errorf("ExtractTransactions: %w", err)
	}
	txs, err := parseTransactions(raw, req)
	return txs, usage, err
}

// GenerateNarrative implements Client.
func (c *GeminiClient) GenerateNarrative(ctx context.Context, snapshot interface{}) (string, Usage, error) {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return "", Usage{}, fmt.Errorf("GenerateNarrative: marshal snapshot: %w", err)
	}
	raw, usage, err := c.generate(ctx, c.cfg.NarrativeModel,
		[]*genai.Part{{Text: buildNarrativePrompt(snapshotJSON)}}, jsonConfig(nil))
	if err != nil {
		return "", usage, fmt.Errorf("GenerateNarrative: %w", err)
	}
	narrative, err := parseNarrative(raw)
	return narrative, usage, err
}

// ExtractPages implements PageExtractor by sending the PDF inline.
func (c *GeminiClient) ExtractPages(ctx context.Context, pdf []byte) ([]domain.Page, Usage, error) {
	parts := []*genai.Part{
		{Text: pagesPrompt},
		{InlineData: &genai.Blob{MIMEType: "application/pdf", Data: pdf}},
	}
	raw, usage, err := c.generate(ctx, c.cfg.ContextModel, parts, jsonConfig(pagesSchema))
	if err != nil {
		return nil, usage, fmt.Errorf("ExtractPages: %w", err)
	}
	pages, err := parsePages(raw)
	return pages, usage, err
}

// classifyGeminiError turns quota errors into *ratelimit.Signal. Other API
// and transport errors are non-retryable extraction failures.
func classifyGeminiError(ctx context.Context, err error) error {
	apiErr, ok := asGeminiAPIError(err)
	if !ok {
		return transportError(ctx, "gemini", err)
	}

	if apiErr.Code != http.StatusTooManyRequests && apiErr.Status != "RESOURCE_EXHAUSTED" {
		return domain.Wrap(domain.ErrUpstreamExtraction, "gemini: %w", err)
	}

	sig := &ratelimit.Signal{Kind: ratelimit.KindGeneric, Err: err}
	for _, detail := range apiErr.Details {
		typ, _ := detail["@type"].(string)
		if !strings.HasSuffix(typ, "RetryInfo") {
			continue
		}
		if delay, ok := detail["retryDelay"].(string); ok {
			if d, perr := time.ParseDuration(delay); perr == nil {
				sig.RetryAfter = d
			}
		}
	}
	if strings.Contains(strings.ToLower(apiErr.Message), "token") {
		sig.Kind = ratelimit.KindTokenExhausted
	}
	return sig
}

func asGeminiAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}
	return genai.APIError{}, false
}

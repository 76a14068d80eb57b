package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/ratelimit"
)

// Default OpenAI models.
const (
	DefaultOpenAIContextModel    = "gpt-4.1"
	DefaultOpenAIExtractionModel = "gpt-4.1-mini"
	DefaultOpenAINarrativeModel  = "gpt-4.1"
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	ContextModel    string
	ExtractionModel string
	NarrativeModel  string
}

// OpenAIClient implements Client on the chat completions API. It does not
// implement PageExtractor.
type OpenAIClient struct {
	chat chatCompleter
	cfg  OpenAIConfig
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAIClientWith(openai.NewClientWithConfig(clientCfg), cfg)
}

func newOpenAIClientWith(chat chatCompleter, cfg OpenAIConfig) *OpenAIClient {
	if cfg.ContextModel == "" {
		cfg.ContextModel = DefaultOpenAIContextModel
	}
	if cfg.ExtractionModel == "" {
		cfg.ExtractionModel = DefaultOpenAIExtractionModel
	}
	if cfg.NarrativeModel == "" {
		cfg.NarrativeModel = DefaultOpenAINarrativeModel
	}
	return &OpenAIClient{chat: chat, cfg: cfg}
}

func (c *OpenAIClient) complete(ctx context.Context, model, prompt string) (string, Usage, error) {
	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", Usage{}, classifyOpenAIError(ctx, err)
	}

	usage := Usage{
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:      int64(resp.Usage.TotalTokens),
	}
	if len(resp.Choices) == 0 {
		return "", usage, domain.Wrap(domain.ErrUpstreamExtraction, "openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// DetectContext implements Client.
func (c *OpenAIClient) DetectContext(ctx context.Context, firstPageText string) (domain.AccountContext, Usage, error) {
	raw, usage, err := c.complete(ctx, c.cfg.ContextModel, buildContextPrompt(firstPageText))
	if err != nil {
		return domain.AccountContext{}, usage, fmt.Errorf("DetectContext: %w", err)
	}
	accountCtx, err := parseAccountContext(raw)
	return accountCtx, usage, err
}

// ExtractTransactions implements Client.
func (c *OpenAIClient) ExtractTransactions(ctx context.Context, req ExtractRequest) ([]domain.Transaction, Usage, error) {
	raw, usage, err := c.complete(ctx, c.cfg.ExtractionModel, buildExtractionPrompt(req))
	if err != nil {
		return nil, usage, fmt.Errorf("ExtractTransactions: %w", err)
	}
	txs, err := parseTransactions(raw, req)
	return txs, usage, err
}

// GenerateNarrative implements Client.
func (c *OpenAIClient) GenerateNarrative(ctx context.Context, snapshot interface{}) (string, Usage, error) {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return "", Usage{}, fmt.Errorf("GenerateNarrative: marshal snapshot: %w", err)
	}
	raw, usage, err := c.complete(ctx, c.cfg.NarrativeModel, buildNarrativePrompt(snapshotJSON))
	if err != nil {
		return "", usage, fmt.Errorf("GenerateNarrative: %w", err)
	}
	narrative, err := parseNarrative(raw)
	return narrative, usage, err
}

var tryAgainPattern = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)\s*(ms|s)\b`)

// classifyOpenAIError maps 429 responses to *ratelimit.Signal. Other API and
// transport errors are non-retryable extraction failures.
func classifyOpenAIError(ctx context.Context, err error) error {
	var (
		status  int
		code    string
		message string
	)

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		message = apiErr.Message
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
		message = reqErr.Error()
	default:
		return transportError(ctx, "openai", err)
	}

	if status != http.StatusTooManyRequests && code != "rate_limit_exceeded" {
		return domain.Wrap(domain.ErrUpstreamExtraction, "openai: %w", err)
	}

	sig := &ratelimit.Signal{Kind: ratelimit.KindGeneric, Err: err}
	if m := tryAgainPattern.FindStringSubmatch(message); m != nil {
		if v, perr := strconv.ParseFloat(m[1], 64); perr == nil {
			unit := time.Second
			if strings.EqualFold(m[2], "ms") {
				unit = time.Millisecond
			}
			sig.RetryAfter = time.Duration(v * float64(unit))
		}
	}
	lower := strings.ToLower(message)
	if strings.Contains(lower, "tokens per min") || strings.Contains(lower, "(tpm)") || code == "insufficient_quota" {
		sig.Kind = ratelimit.KindTokenExhausted
	}
	return sig
}

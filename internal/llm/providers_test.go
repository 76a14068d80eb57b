package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/ratelimit"
)

type mockGenerator struct {
	GenerateContentFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.GenerateContentFunc(ctx, model, contents, config)
}

func geminiResponse(text string, tokens int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}}},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: tokens},
	}
}

func TestGeminiExtractTransactions(t *testing.T) {
	var gotModel string
	var gotConfig *genai.GenerateContentConfig
	var gotPrompt string

	gen := &mockGenerator{
		GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			gotModel, gotConfig = model, config
			gotPrompt = contents[0].Parts[0].Text
			return geminiResponse(`{"transactions":[{"date":"2024-03-06","amount":499,"direction":"outflow","source":"credit_card","confidence":0.9}]}`, 321), nil
		},
	}
	client := newGeminiClientWith(gen, GeminiConfig{ExtractionModel: "gemini-test"})

	req := testRequest()
	req.Context = domain.AccountContext{AccountType: domain.AccountTypeCreditCard}
	txs, usage, err := client.ExtractTransactions(context.Background(), req)
	if err != nil {
		t.Fatalf("ExtractTransactions() error = %v", err)
	}
	if len(txs) != 1 || txs[0].AccountID != req.AccountID {
		t.Errorf("unexpected transactions %+v", txs)
	}
	if usage.TotalTokens != 321 {
		t.Errorf("TotalTokens = %d, want 321", usage.TotalTokens)
	}
	if gotModel != "gemini-test" {
		t.Errorf("model = %q", gotModel)
	}
	if gotConfig == nil || gotConfig.ResponseMIMEType != "application/json" || gotConfig.ResponseSchema == nil {
		t.Errorf("expected JSON schema constrained config, got %+v", gotConfig)
	}
	if !strings.Contains(gotPrompt, req.ChunkText) || !strings.Contains(gotPrompt, "credit_card") {
		t.Error("prompt missing chunk text or account context")
	}
}

func TestGeminiExtractPagesSendsPDF(t *testing.T) {
	gen := &mockGenerator{
		GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			parts := contents[0].Parts
			if len(parts) != 2 || parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "application/pdf" {
				return nil, fmt.Errorf("expected inline pdf part")
			}
			return geminiResponse(`{"pages":[{"page_number":1,"text":"HDFC BANK"}]}`, 10), nil
		},
	}

	pages, _, err := newGeminiClientWith(gen, GeminiConfig{}).ExtractPages(context.Background(), []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("ExtractPages() error = %v", err)
	}
	if len(pages) != 1 || pages[0].Text != "HDFC BANK" {
		t.Errorf("unexpected pages %+v", pages)
	}
}

func TestGeminiRateLimitBecomesSignal(t *testing.T) {
	gen := &mockGenerator{
		GenerateContentFunc: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return nil, &genai.APIError{
				Code:    429,
				Status:  "RESOURCE_EXHAUSTED",
				Message: "Quota exceeded for metric: input_token_count",
				Details: []map[string]any{
					{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "17s"},
				},
			}
		},
	}

	_, _, err := newGeminiClientWith(gen, GeminiConfig{}).DetectContext(context.Background(), "page")

	var sig *ratelimit.Signal
	if !errors.As(err, &sig) {
		t.Fatalf("expected *ratelimit.Signal, got %v", err)
	}
	if sig.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s", sig.RetryAfter)
	}
	if sig.Kind != ratelimit.KindTokenExhausted {
		t.Errorf("Kind = %v, want token exhaustion", sig.Kind)
	}
}

func TestClassifyGeminiError(t *testing.T) {
	ctx := context.Background()

	badRequest := &genai.APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "bad schema"}
	if got := classifyGeminiError(ctx, badRequest); !errors.Is(got, domain.ErrUpstreamExtraction) {
		t.Errorf("expected ErrUpstreamExtraction for 400, got %v", got)
	}

	generic := &genai.APIError{Code: 429, Message: "Resource has been exhausted"}
	var sig *ratelimit.Signal
	if !errors.As(classifyGeminiError(ctx, generic), &sig) || sig.Kind != ratelimit.KindGeneric || sig.RetryAfter != 0 {
		t.Errorf("expected generic signal without hint, got %+v", sig)
	}
}

type mockChat struct {
	CreateChatCompletionFunc func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func (m *mockChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return m.CreateChatCompletionFunc(ctx, req)
}

func TestOpenAIDetectContext(t *testing.T) {
	chat := &mockChat{
		CreateChatCompletionFunc: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			if req.ResponseFormat == nil || req.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
				return openai.ChatCompletionResponse{}, fmt.Errorf("expected json_object response format")
			}
			return openai.ChatCompletionResponse{
				Choices: []openai.ChatCompletionChoice{
					{Message: openai.ChatCompletionMessage{Content: `{"accountType":"bank","bankName":"HDFC Bank","accountLast4":"1234"}`}},
				},
				Usage: openai.Usage{TotalTokens: 88},
			}, nil
		},
	}

	got, usage, err := newOpenAIClientWith(chat, OpenAIConfig{}).DetectContext(context.Background(), "HDFC BANK")
	if err != nil {
		t.Fatalf("DetectContext() error = %v", err)
	}
	if got.AccountID() != "HDFC Bank-bank-1234" {
		t.Errorf("AccountID() = %q", got.AccountID())
	}
	if usage.TotalTokens != 88 {
		t.Errorf("TotalTokens = %d", usage.TotalTokens)
	}
}

func TestOpenAINoChoices(t *testing.T) {
	chat := &mockChat{
		CreateChatCompletionFunc: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return openai.ChatCompletionResponse{}, nil
		},
	}
	_, _, err := newOpenAIClientWith(chat, OpenAIConfig{}).ExtractTransactions(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrUpstreamExtraction) {
		t.Errorf("expected ErrUpstreamExtraction, got %v", err)
	}
}

func TestClassifyOpenAIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantSignal bool
		wantKind   ratelimit.Kind
		wantAfter  time.Duration
	}{
		{
			name: "tokens per minute with seconds hint",
			err: &openai.APIError{
				HTTPStatusCode: 429,
				Code:           "rate_limit_exceeded",
				Message:        "Rate limit reached for gpt-4.1-mini on tokens per min (TPM): Limit 200000, Used 199000. Please try again in 1.5s.",
			},
			wantSignal: true,
			wantKind:   ratelimit.KindTokenExhausted,
			wantAfter:  1500 * time.Millisecond,
		},
		{
			name: "requests per minute with ms hint",
			err: &openai.APIError{
				HTTPStatusCode: 429,
				Message:        "Rate limit reached on requests per min (RPM). Please try again in 250ms.",
			},
			wantSignal: true,
			wantKind:   ratelimit.KindGeneric,
			wantAfter:  250 * time.Millisecond,
		},
		{
			name:       "request error with 429",
			err:        &openai.RequestError{HTTPStatusCode: 429, Err: errors.New("too many requests")},
			wantSignal: true,
			wantKind:   ratelimit.KindGeneric,
		},
		{
			name: "server error",
			err:  &openai.APIError{HTTPStatusCode: 500, Message: "internal"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyOpenAIError(context.Background(), fmt.Errorf("create chat completion: %w", tt.err))

			var sig *ratelimit.Signal
			isSignal := errors.As(got, &sig)
			if isSignal != tt.wantSignal {
				t.Fatalf("signal = %v, want %v (err %v)", isSignal, tt.wantSignal, got)
			}
			if !tt.wantSignal {
				if !errors.Is(got, domain.ErrUpstreamExtraction) {
					t.Errorf("expected ErrUpstreamExtraction, got %v", got)
				}
				return
			}
			if sig.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", sig.Kind, tt.wantKind)
			}
			if sig.RetryAfter != tt.wantAfter {
				t.Errorf("RetryAfter = %v, want %v", sig.RetryAfter, tt.wantAfter)
			}
		})
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	classifiers := map[string]func(context.Context, error) error{
		"gemini": classifyGeminiError,
		"openai": classifyOpenAIError,
	}
	reset := errors.New("read tcp 10.0.0.1:443: connection reset by peer")

	for name, classify := range classifiers {
		t.Run(name, func(t *testing.T) {
			got := classify(context.Background(), reset)
			if !errors.Is(got, domain.ErrUpstreamExtraction) || !errors.Is(got, reset) {
				t.Errorf("connection reset = %v, want ErrUpstreamExtraction wrapping the cause", got)
			}
			var sig *ratelimit.Signal
			if errors.As(got, &sig) {
				t.Error("transport errors must not be retried")
			}

			// A timeout of the client's own transport is still an upstream failure.
			timeout := fmt.Errorf("Post: %w", context.DeadlineExceeded)
			if got := classify(context.Background(), timeout); !errors.Is(got, domain.ErrUpstreamExtraction) {
				t.Errorf("client timeout = %v, want ErrUpstreamExtraction", got)
			}

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			canceled := fmt.Errorf("Post: %w", context.Canceled)
			if got := classify(ctx, canceled); got != canceled {
				t.Errorf("caller cancellation = %v, want it unchanged", got)
			}
		})
	}
}

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/quillforge/quill/internal/types"
)

// Model defaults. Chat goes through Anthropic; embeddings go through a
// Voyage-compatible endpoint (the Anthropic API has no embeddings surface).
//
// Environment overrides:
//   - QUILL_MODEL_CHAT:  chat model
//   - QUILL_MODEL_EMBED: embedding model
const (
	DefaultChatModel  = "claude-sonnet-4-5-20250929"
	DefaultEmbedModel = "voyage-3"

	defaultEmbedEndpoint = "https://api.voyageai.com/v1/embeddings"
)

// ChatModel returns the default chat model, honoring QUILL_MODEL_CHAT.
func ChatModel() string {
	if model := os.Getenv("QUILL_MODEL_CHAT"); model != "" {
		return model
	}
	return DefaultChatModel
}

// EmbedModel returns the default embedding model, honoring QUILL_MODEL_EMBED.
func EmbedModel() string {
	if model := os.Getenv("QUILL_MODEL_EMBED"); model != "" {
		return model
	}
	return DefaultEmbedModel
}

// Config holds provider construction parameters.
type Config struct {
	APIKey        string // Anthropic key; empty reads ANTHROPIC_API_KEY
	EmbedAPIKey   string // embeddings key; empty reads VOYAGE_API_KEY
	EmbedEndpoint string // empty uses the Voyage default
	ChatModel     string
	EmbedModel    string
	Dimensions    int
	Retry         RetryConfig
}

// Provider implements Client against the real APIs.
type Provider struct {
	chat          anthropic.Client
	httpc         *http.Client
	embedEndpoint string
	embedKey      string
	chatModel     string
	embedModel    string
	dimensions    int

	retry   RetryConfig
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewProvider builds a Provider from config, erroring on missing credentials.
func NewProvider(cfg Config) (*Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, types.NewError(types.ErrCodeProviderConfig, "no Anthropic API key (set ANTHROPIC_API_KEY)")
	}
	embedKey := cfg.EmbedAPIKey
	if embedKey == "" {
		embedKey = os.Getenv("VOYAGE_API_KEY")
	}
	if embedKey == "" {
		return nil, types.NewError(types.ErrCodeProviderConfig, "no embeddings API key (set VOYAGE_API_KEY)")
	}

	p := &Provider{
		chat:          anthropic.NewClient(option.WithAPIKey(apiKey)),
		httpc:         &http.Client{},
		embedEndpoint: cfg.EmbedEndpoint,
		embedKey:      embedKey,
		chatModel:     cfg.ChatModel,
		embedModel:    cfg.EmbedModel,
		dimensions:    cfg.Dimensions,
		retry:         cfg.Retry,
	}
	if p.embedEndpoint == "" {
		p.embedEndpoint = defaultEmbedEndpoint
	}
	if p.chatModel == "" {
		p.chatModel = ChatModel()
	}
	if p.embedModel == "" {
		p.embedModel = EmbedModel()
	}
	if p.retry.Timeout == 0 {
		p.retry = DefaultRetryConfig()
	}
	if p.retry.CircuitBreakerEnabled {
		p.breaker = NewCircuitBreaker(p.retry.FailureThreshold, p.retry.SuccessThreshold, p.retry.OpenTimeout)
	}
	if p.retry.MaxConcurrentCalls > 0 {
		p.sem = semaphore.NewWeighted(int64(p.retry.MaxConcurrentCalls))
	}
	if p.retry.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.retry.RequestsPerSecond), 1)
	}
	return p, nil
}

// Chat sends one chat completion request.
func (p *Provider) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	model := req.Model
	if model == "" {
		model = p.chatModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	var response *anthropic.Message
	err := p.retryWithBackoff(ctx, "chat", func(attemptCtx context.Context) error {
		resp, apiErr := p.chat.Messages.New(attemptCtx, params)
		if apiErr != nil {
			return classifyProviderError(apiErr)
		}
		response = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &ChatResult{
		Content:    content.String(),
		TokensUsed: response.Usage.InputTokens + response.Usage.OutputTokens,
	}, nil
}

// embedRequestBody is the Voyage-compatible wire format.
type embedRequestBody struct {
	Input           []string `json:"input"`
	Model           string   `json:"model"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

type embedResponseBody struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Embed requests one embedding vector.
func (p *Provider) Embed(ctx context.Context, req EmbedRequest) (*EmbedResult, error) {
	model := req.Model
	if model == "" {
		model = p.embedModel
	}
	dims := req.Dimensions
	if dims == 0 {
		dims = p.dimensions
	}

	body, err := json.Marshal(embedRequestBody{
		Input:           []string{req.Input},
		Model:           model,
		OutputDimension: dims,
	})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, err, "failed to marshal embed request")
	}

	var result *EmbedResult
	err = p.retryWithBackoff(ctx, "embed", func(attemptCtx context.Context) error {
		httpReq, reqErr := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.embedEndpoint, bytes.NewReader(body))
		if reqErr != nil {
			return types.WrapError(types.ErrCodeInternal, reqErr, "failed to build embed request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.embedKey)

		resp, doErr := p.httpc.Do(httpReq)
		if doErr != nil {
			return types.WrapError(types.ErrCodeProviderCall, doErr, "embed request failed")
		}
		defer resp.Body.Close()

		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if readErr != nil {
			return types.WrapError(types.ErrCodeProviderCall, readErr, "failed to read embed response")
		}
		if resp.StatusCode != http.StatusOK {
			return classifyHTTPStatus(resp.StatusCode, payload)
		}

		var parsed embedResponseBody
		if jsonErr := json.Unmarshal(payload, &parsed); jsonErr != nil {
			return types.WrapError(types.ErrCodeEmbeddingFailed, jsonErr, "malformed embed response")
		}
		if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
			return types.NewError(types.ErrCodeEmbeddingFailed, "embed response carried no vector")
		}
		result = &EmbedResult{
			Embedding:  parsed.Data[0].Embedding,
			TokensUsed: parsed.Usage.TotalTokens,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classifyProviderError maps SDK errors onto the E2xx taxonomy.
func classifyProviderError(err error) *types.CodedError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "permission"):
		return types.WrapError(types.ErrCodeProviderAuth, err, "provider rejected credentials")
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overloaded"):
		return types.WrapError(types.ErrCodeRateLimited, err, "provider rate limited")
	default:
		return types.WrapError(types.ErrCodeProviderCall, err, "provider call failed")
	}
}

func classifyHTTPStatus(status int, body []byte) *types.CodedError {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrCodeProviderAuth, "embeddings endpoint returned %d: %s", status, detail)
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrCodeRateLimited, "embeddings endpoint returned 429: %s", detail)
	case status >= 500:
		return types.NewError(types.ErrCodeProviderCall, "embeddings endpoint returned %d: %s", status, detail)
	default:
		return types.NewError(types.ErrCodeEmbeddingFailed, "embeddings endpoint returned %d: %s", status, detail)
	}
}

// Timeout returns the configured per-request timeout.
func (p *Provider) Timeout() time.Duration {
	return p.retry.Timeout
}

var _ Client = (*Provider)(nil)

// truncate shortens provider output for log lines.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes total)", s[:n], len(s))
}

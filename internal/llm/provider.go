package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/model"
	"github.com/sells-group/ipv-detect/internal/resilience"
	"github.com/sells-group/ipv-detect/pkg/anthropic"
	"github.com/sells-group/ipv-detect/pkg/openai"
)

// Completion is a provider's answer to one request.
type Completion struct {
	Text  string
	Usage model.Usage
}

// Provider sends a single request to a model endpoint. Errors it returns are
// classified with resilience.ClassifyStatus so the client knows what to retry.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req model.InvocationRequest) (*Completion, error)
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	hc := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{openai.WithHTTPClient(hc)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return NewOpenAIProvider(openai.NewClient(cfg.APIKey, opts...)), nil
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithHTTPClient(hc)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return NewAnthropicProvider(anthropic.NewClient(cfg.APIKey, opts...)), nil
	default:
		return nil, eris.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// OpenAIProvider talks to any OpenAI-compatible chat endpoint.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider wraps an openai.Client.
func NewOpenAIProvider(c openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: c}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req model.InvocationRequest) (*Completion, error) {
	resp, err := p.client.ChatCompletion(ctx, openai.ChatRequest{
		Model:       req.Model,
		System:      req.SystemPrompt,
		User:        req.UserPrompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, resilience.ClassifyStatus(err, openai.StatusCode(err))
	}
	return &Completion{
		Text: resp.Content,
		Usage: model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider wraps an anthropic.Client.
func NewAnthropicProvider(c anthropic.Client) *AnthropicProvider {
	return &AnthropicProvider{client: c}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req model.InvocationRequest) (*Completion, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 512
	}
	temp := req.Temperature

	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt,
		User:        req.UserPrompt,
		Temperature: &temp,
	})
	if err != nil {
		return nil, resilience.ClassifyStatus(err, anthropic.StatusCode(err))
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &Completion{
		Text:  resp.Text,
		Usage: model.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

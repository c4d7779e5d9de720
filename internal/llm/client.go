// Package llm invokes the configured model endpoint for one narrative at a
// time, applying a per-attempt timeout, retries with exponential backoff, a
// shared rate limit and an optional circuit breaker.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/model"
	"github.com/sells-group/ipv-detect/internal/resilience"
)

// Invoker is what the pipeline needs from a model client.
type Invoker interface {
	Invoke(ctx context.Context, system, user string) model.ModelInvocation
}

// Options configures a Client.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Retry       resilience.RetryConfig
	Limiter     *rate.Limiter
	Breaker     *resilience.CircuitBreaker
	Metrics     *Metrics
	CountTokens TokenCounter
}

// Client invokes a Provider. It is safe for concurrent use; every worker of a
// run shares its limiter and breaker.
type Client struct {
	provider Provider
	opts     Options
}

// NewClient creates a Client around provider.
func NewClient(provider Provider, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.CountTokens == nil {
		opts.CountTokens = CountTokens
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger(provider.Name(), opts.Model)
	}
	return &Client{provider: provider, opts: opts}
}

// NewLimiter returns a token bucket allowing requests per window with a
// burst of one, or nil when requests is zero.
func NewLimiter(requests int, window time.Duration) *rate.Limiter {
	if requests <= 0 || window <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(requests)), 1)
}

// FromConfig wires a Client from configuration. reg may be nil to skip
// metrics.
func FromConfig(cfg *config.Config, reg prometheus.Registerer) (*Client, error) {
	provider, err := NewProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}

	opts := Options{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
		Retry:       resilience.RetryFromConfig(cfg.Retry),
		Limiter:     NewLimiter(cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.WindowSecs)*time.Second),
	}
	if cbCfg, ok := resilience.BreakerFromConfig(cfg.LLM.Circuit); ok {
		cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("llm: circuit breaker state change",
				zap.String("provider", provider.Name()),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
		opts.Breaker = resilience.NewCircuitBreaker(cbCfg)
	}
	if reg != nil {
		opts.Metrics = NewMetrics(reg)
	}

	return NewClient(provider, opts), nil
}

// Model returns the model name requests are sent to.
func (c *Client) Model() string { return c.opts.Model }

// Invoke sends one system + user prompt pair. It never returns an error:
// failures are recorded in the invocation's Err field after retries are
// exhausted or a non-retryable error occurs.
func (c *Client) Invoke(ctx context.Context, system, user string) model.ModelInvocation {
	req := model.InvocationRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Model:        c.opts.Model,
		Temperature:  c.opts.Temperature,
		MaxTokens:    c.opts.MaxTokens,
	}
	inv := model.ModelInvocation{Request: req}
	name := c.provider.Name()

	retryCfg := c.opts.Retry
	onRetry := retryCfg.OnRetry
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.opts.Metrics.retried(name, req.Model)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	start := time.Now()
	comp, attempts, err := resilience.DoCounted(ctx, retryCfg, func(ctx context.Context) (*Completion, error) {
		return c.attempt(ctx, req)
	})
	inv.Attempts = attempts
	inv.Latency = time.Since(start)

	status := "success"
	if err != nil {
		inv.Err = err.Error()
		inv.Transient = resilience.IsTransient(err)
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			status = "circuit_open"
		case inv.Transient:
			status = "exhausted"
		default:
			status = "error"
		}
		zap.L().Warn("llm: invocation failed",
			zap.String("provider", name),
			zap.String("model", req.Model),
			zap.Int("attempts", attempts),
			zap.Int("status_code", resilience.StatusCode(err)),
			zap.Error(err),
		)
	} else {
		inv.ResponseRaw = comp.Text
		inv.Usage = comp.Usage
		if inv.Usage.TotalTokens == 0 && inv.Usage.PromptTokens == 0 && inv.Usage.CompletionTokens == 0 {
			inv.Usage = c.estimate(req, comp.Text)
			inv.Estimated = true
		}
	}

	c.opts.Metrics.observe(name, req.Model, status, inv.Latency.Seconds(), inv.Usage.PromptTokens, inv.Usage.CompletionTokens)
	return inv
}

func (c *Client) attempt(ctx context.Context, req model.InvocationRequest) (*Completion, error) {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "llm: rate limiter")
		}
	}

	call := func(ctx context.Context) (*Completion, error) {
		actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		comp, err := c.provider.Complete(actx, req)
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			// The attempt's own deadline fired while the run is still alive.
			return nil, resilience.NewTransientError(eris.Wrapf(err, "llm: attempt timed out after %s", c.opts.Timeout), 0)
		}
		return comp, err
	}

	if c.opts.Breaker == nil {
		return call(ctx)
	}
	return resilience.ExecuteVal(ctx, c.opts.Breaker, call)
}

func (c *Client) estimate(req model.InvocationRequest, completion string) model.Usage {
	prompt := c.opts.CountTokens(req.Model, req.SystemPrompt) + c.opts.CountTokens(req.Model, req.UserPrompt)
	out := c.opts.CountTokens(req.Model, completion)
	return model.Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}

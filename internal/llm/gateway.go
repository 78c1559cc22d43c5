package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maice/maice/internal/common/config"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/metrics"
)

const (
	retryBackoffBase = 250 * time.Millisecond
	retryBackoffMax  = 4 * time.Second
)

// NewGateway builds the configured provider and wraps it with oneshot
// retries. Providers:
//
//	openai     OpenAI Chat Completions
//	anthropic  Anthropic Messages
//	google     Gemini via its OpenAI-compatible endpoint
//	custom     any OpenAI-compatible server (base URL required)
func NewGateway(cfg config.LLMConfig, log *logger.Logger) (Gateway, error) {
	var (
		inner Gateway
		err   error
	)
	switch cfg.Provider {
	case "openai", "google", "custom":
		inner, err = newOpenAIGateway(cfg)
	case "anthropic":
		inner, err = newAnthropicGateway(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return &retryingGateway{
		inner:      inner,
		provider:   cfg.Provider,
		maxRetries: cfg.MaxRetries,
		log:        log.WithFields(zap.String("provider", cfg.Provider)),
	}, nil
}

// retryingGateway retries transient oneshot failures with capped exponential
// backoff. Streams are not retried; a broken stream is the caller's problem
// because chunks may already have been delivered downstream.
type retryingGateway struct {
	inner      Gateway
	provider   string
	maxRetries int
	log        *logger.Logger
}

func (g *retryingGateway) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			if backoff > retryBackoffMax {
				backoff = retryBackoffMax
			}
			g.log.Warn("Retrying LLM completion",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		resp, err := g.inner.Complete(ctx, req)
		if err == nil {
			metrics.LLMCalls.WithLabelValues(g.provider, "ok").Inc()
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			metrics.LLMCalls.WithLabelValues(g.provider, "error").Inc()
			return Response{}, err
		}
	}
	metrics.LLMCalls.WithLabelValues(g.provider, "error").Inc()
	return Response{}, lastErr
}

func (g *retryingGateway) Stream(ctx context.Context, req Request) (Streamer, error) {
	stream, err := g.inner.Stream(ctx, req)
	if err != nil {
		metrics.LLMCalls.WithLabelValues(g.provider, "error").Inc()
		return nil, err
	}
	metrics.LLMCalls.WithLabelValues(g.provider, "ok").Inc()
	return stream, nil
}

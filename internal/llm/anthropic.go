package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/maice/maice/internal/common/config"
)

// anthropicGateway serves the anthropic provider via the Messages API.
type anthropicGateway struct {
	client sdk.Client
	model  string
}

func newAnthropicGateway(cfg config.LLMConfig) (*anthropicGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicGateway{
		client: sdk.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

func (g *anthropicGateway) params(req Request) sdk.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(g.model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params
}

func (g *anthropicGateway) Complete(ctx context.Context, req Request) (Response, error) {
	msg, err := g.client.Messages.New(ctx, g.params(req))
	if err != nil {
		return Response{}, g.wrapError(err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return Response{}, &Error{Provider: "anthropic", Err: ErrEmptyResponse}
	}
	return Response{Text: sb.String()}, nil
}

func (g *anthropicGateway) Stream(ctx context.Context, req Request) (Streamer, error) {
	stream := g.client.Messages.NewStreaming(ctx, g.params(req))
	if err := stream.Err(); err != nil {
		return nil, g.wrapError(err)
	}
	return &anthropicStreamer{stream: stream}, nil
}

func (g *anthropicGateway) wrapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:  "anthropic",
			Status:    apiErr.StatusCode,
			Transient: apiErr.StatusCode == 429 || apiErr.StatusCode == 529 || apiErr.StatusCode >= 500,
			Err:       err,
		}
	}
	return &Error{Provider: "anthropic", Transient: true, Err: err}
}

type anthropicStreamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return Chunk{Text: delta.Text}, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return Chunk{}, &Error{Provider: "anthropic", Err: err}
	}
	return Chunk{}, io.EOF
}

func (s *anthropicStreamer) Close() error { return s.stream.Close() }

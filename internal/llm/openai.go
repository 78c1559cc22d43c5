package llm

import (
	"context"
	"errors"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/maice/maice/internal/common/config"
)

const geminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// openaiGateway serves the openai provider and every OpenAI-compatible
// endpoint (google via Gemini's compatibility layer, custom via a configured
// base URL).
type openaiGateway struct {
	client   openai.Client
	model    string
	provider string
}

func newOpenAIGateway(cfg config.LLMConfig) (*openaiGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	switch cfg.Provider {
	case "google":
		opts = append(opts, option.WithBaseURL(geminiOpenAIBaseURL))
	case "custom":
		if cfg.BaseURL == "" {
			return nil, errors.New("llm: custom provider requires a base url")
		}
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	default:
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
	}
	return &openaiGateway{
		client:   openai.NewClient(opts...),
		model:    cfg.Model,
		provider: cfg.Provider,
	}, nil
}

func (g *openaiGateway) params(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

func (g *openaiGateway) Complete(ctx context.Context, req Request) (Response, error) {
	completion, err := g.client.Chat.Completions.New(ctx, g.params(req))
	if err != nil {
		return Response{}, g.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, &Error{Provider: g.provider, Err: ErrEmptyResponse}
	}
	return Response{Text: completion.Choices[0].Message.Content}, nil
}

func (g *openaiGateway) Stream(ctx context.Context, req Request) (Streamer, error) {
	stream := g.client.Chat.Completions.NewStreaming(ctx, g.params(req))
	if err := stream.Err(); err != nil {
		return nil, g.wrapError(err)
	}
	return &openaiStreamer{stream: stream, provider: g.provider}, nil
}

func (g *openaiGateway) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:  g.provider,
			Status:    apiErr.StatusCode,
			Transient: apiErr.StatusCode == 429 || apiErr.StatusCode >= 500,
			Err:       err,
		}
	}
	// Network-level failures are worth retrying.
	return &Error{Provider: g.provider, Transient: true, Err: err}
}

type openaiStreamer struct {
	stream   *ssestream.Stream[openai.ChatCompletionChunk]
	provider string
}

func (s *openaiStreamer) Recv() (Chunk, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return Chunk{Text: delta}, nil
	}
	if err := s.stream.Err(); err != nil {
		return Chunk{}, &Error{Provider: s.provider, Err: err}
	}
	return Chunk{}, io.EOF
}

func (s *openaiStreamer) Close() error { return s.stream.Close() }

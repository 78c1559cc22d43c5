// Package llm abstracts the chat-completion providers behind a small
// Gateway interface so agents never talk to a vendor SDK directly.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Request is a single prompt exchange. System and User are fully rendered
// prompt texts; the gateway does no templating.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Response is the full text of a oneshot completion.
type Response struct {
	Text string
}

// Chunk is one streamed text fragment.
type Chunk struct {
	Text string
}

// Streamer iterates a streamed completion. Recv returns io.EOF after the
// final chunk; any other error means the stream failed mid-flight.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Gateway is the provider-neutral completion surface.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Streamer, error)
}

// Error is a provider failure. Transient failures (rate limits, 5xx,
// network) are retried by the gateway before surfacing.
type Error struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: status=%d transient=%t: %v", e.Provider, e.Status, e.Transient, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Transient
}

// ErrEmptyResponse marks a completion that produced no text at all.
var ErrEmptyResponse = errors.New("llm: empty response")

// sliceStreamer replays a fixed chunk sequence. Used by the scripted
// gateway and by providers that buffer before emitting.
type sliceStreamer struct {
	chunks []Chunk
	pos    int
	err    error // returned after the chunks are drained, instead of io.EOF
}

func (s *sliceStreamer) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStreamer) Close() error { return nil }

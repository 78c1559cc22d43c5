package llm

import (
	"context"
	"sync"
)

// ScriptedGateway replays canned completions and chunk sequences, in order.
// It exists for tests: agents can be exercised end to end without a
// provider. Scripts are consumed FIFO; running past the script fails the
// call with ErrEmptyResponse so a test that under-provisions replies shows
// up loudly.
type ScriptedGateway struct {
	mu sync.Mutex

	completions []scriptedCompletion
	streams     []scriptedStream

	// CompleteCalls and StreamCalls record the requests seen, for
	// assertions on prompt content.
	CompleteCalls []Request
	StreamCalls   []Request
}

type scriptedCompletion struct {
	text string
	err  error
}

type scriptedStream struct {
	chunks []string
	err    error // delivered after the chunks, instead of io.EOF
}

func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{}
}

// QueueCompletion schedules a oneshot reply.
func (g *ScriptedGateway) QueueCompletion(text string) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completions = append(g.completions, scriptedCompletion{text: text})
	return g
}

// QueueCompletionError schedules a oneshot failure.
func (g *ScriptedGateway) QueueCompletionError(err error) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completions = append(g.completions, scriptedCompletion{err: err})
	return g
}

// QueueStream schedules a streamed reply delivered as the given chunks.
func (g *ScriptedGateway) QueueStream(chunks ...string) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streams = append(g.streams, scriptedStream{chunks: chunks})
	return g
}

// QueueStreamFailure schedules a stream that emits the given chunks and then
// fails with err instead of ending cleanly.
func (g *ScriptedGateway) QueueStreamFailure(err error, chunks ...string) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streams = append(g.streams, scriptedStream{chunks: chunks, err: err})
	return g
}

func (g *ScriptedGateway) Complete(_ context.Context, req Request) (Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CompleteCalls = append(g.CompleteCalls, req)
	if len(g.completions) == 0 {
		return Response{}, &Error{Provider: "scripted", Err: ErrEmptyResponse}
	}
	next := g.completions[0]
	g.completions = g.completions[1:]
	if next.err != nil {
		return Response{}, next.err
	}
	return Response{Text: next.text}, nil
}

func (g *ScriptedGateway) Stream(_ context.Context, req Request) (Streamer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.StreamCalls = append(g.StreamCalls, req)
	if len(g.streams) == 0 {
		return nil, &Error{Provider: "scripted", Err: ErrEmptyResponse}
	}
	next := g.streams[0]
	g.streams = g.streams[1:]
	chunks := make([]Chunk, len(next.chunks))
	for i, c := range next.chunks {
		chunks[i] = Chunk{Text: c}
	}
	return &sliceStreamer{chunks: chunks, err: next.err}, nil
}

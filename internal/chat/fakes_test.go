package chat

import (
	"context"
	"iter"
	"sync"

	"github.com/ashureev/rag-support/internal/domain"
	"github.com/ashureev/rag-support/internal/provider"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	results []provider.RetrievalResult
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, _ int, _ float64) ([]provider.RetrievalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]provider.RetrievalResult(nil), f.results...), nil
}

type fakeGenerator struct {
	mu         sync.Mutex
	answer     string
	tokens     []string
	streamErr  error // yielded after tokens
	openErr    error
	lastPrompt string
	calls      int
}

func (f *fakeGenerator) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPrompt = prompt
	if f.openErr != nil {
		return "", f.openErr
	}
	return f.answer, nil
}

func (f *fakeGenerator) Stream(_ context.Context, prompt string) (iter.Seq2[string, error], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPrompt = prompt
	if f.openErr != nil {
		return nil, f.openErr
	}
	tokens, streamErr := f.tokens, f.streamErr
	return func(yield func(string, error) bool) {
		for _, tok := range tokens {
			if !yield(tok, nil) {
				return
			}
		}
		if streamErr != nil {
			yield("", streamErr)
		}
	}, nil
}

func (f *fakeGenerator) Prompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrompt
}

type memTranscripts struct {
	mu     sync.Mutex
	events []domain.ChatEvent
}

func (m *memTranscripts) AppendChatEvent(_ context.Context, e *domain.ChatEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memTranscripts) Events() []domain.ChatEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChatEvent(nil), m.events...)
}

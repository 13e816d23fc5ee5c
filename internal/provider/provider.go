// Package provider wraps the external embedding, vector search and LLM
// services behind small interfaces.
package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
)

// Provider names used in errors, logs and metrics.
const (
	NameEmbedding = "embedding"
	NameVector    = "vector_store"
	NameLLM       = "llm"
)

// ErrUnavailable matches every UnavailableError.
var ErrUnavailable = errors.New("provider unavailable")

// UnavailableError reports a provider that is not configured or whose remote
// call failed.
type UnavailableError struct {
	Provider string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) hold.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(provider string, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Provider: provider, Err: err}
}

// RetrievalResult is one scored chunk returned by vector search.
type RetrievalResult struct {
	Score  float64 `json:"score"`
	Text   string  `json:"text"`
	Source string  `json:"source"`
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher finds the chunks nearest to a vector.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int, threshold float64) ([]RetrievalResult, error)
}

// Generator produces completions for a prompt.
type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	// Stream opens a token stream. Errors opening the stream are returned
	// directly; errors after the first token are yielded.
	Stream(ctx context.Context, prompt string) (iter.Seq2[string, error], error)
}

// lazy builds a value on first use and memoizes it. Failed builds are not
// memoized, so a later call retries.
type lazy[T any] struct {
	mu    sync.Mutex
	build func() (T, error)
	val   T
	done  bool
}

func newLazy[T any](build func() (T, error)) *lazy[T] {
	return &lazy[T]{build: build}
}

func (l *lazy[T]) get() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return l.val, nil
	}
	v, err := l.build()
	if err != nil {
		var zero T
		return zero, err
	}
	l.val, l.done = v, true
	return v, nil
}

// peek returns the value if it was already built.
func (l *lazy[T]) peek() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.val, l.done
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"github.com/ashureev/rag-support/internal/config"
	"github.com/ashureev/rag-support/internal/metrics"
)

// LLMClient calls an OpenAI compatible chat completion API (Groq by default).
type LLMClient struct {
	model     string
	maxTokens int
	timeout   time.Duration
	attempts  uint
	baseDelay time.Duration
	client    *lazy[*openai.Client]
}

// NewLLMClient returns a client that connects on first use.
func NewLLMClient(cfg config.LLMConfig) *LLMClient {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &LLMClient{
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		attempts:  uint(attempts),
		baseDelay: cfg.RetryBaseDelay,
		client: newLazy(func() (*openai.Client, error) {
			if cfg.APIKey == "" {
				return nil, errors.New("GROQ_API_KEY is not set")
			}
			opts := []option.RequestOption{
				option.WithAPIKey(cfg.APIKey),
				option.WithMaxRetries(0),
			}
			if cfg.BaseURL != "" {
				opts = append(opts, option.WithBaseURL(cfg.BaseURL))
			}
			c := openai.NewClient(opts...)
			return &c, nil
		}),
	}
}

// IsRateLimited reports an HTTP 429 or an error mentioning a rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

func (c *LLMClient) params(prompt string) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Model:    openai.ChatModel(c.model),
	}
	if c.maxTokens > 0 {
		p.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	return p
}

// withRetry retries fn on rate limit errors with doubling delays.
func (c *LLMClient) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRateLimited),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			metrics.IncRateLimitRetry()
			slog.Warn("LLM rate limited, retrying", "attempt", n+1, "error", err)
		}),
	)
}

// Complete returns the full completion for prompt.
func (c *LLMClient) Complete(ctx context.Context, prompt string) (text string, err error) {
	client, err := c.client.get()
	if err != nil {
		return "", unavailable(NameLLM, err)
	}

	start := time.Now()
	defer func() { metrics.ObserveProvider(NameLLM, start, err) }()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err = c.withRetry(ctx, func() error {
		resp, err := client.Chat.Completions.New(ctx, c.params(prompt))
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("completion returned no choices")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", unavailable(NameLLM, err)
	}
	return text, nil
}

// Stream opens a token stream for prompt. The first chunk is read before
// Stream returns, so failures to open the stream (rate limits included)
// surface here rather than mid-stream. The returned sequence must be ranged
// over to release the connection; it stops early when ctx is cancelled.
func (c *LLMClient) Stream(ctx context.Context, prompt string) (iter.Seq2[string, error], error) {
	client, err := c.client.get()
	if err != nil {
		return nil, unavailable(NameLLM, err)
	}

	start := time.Now()
	parent := ctx
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	var (
		stream *ssestream.Stream[openai.ChatCompletionChunk]
		first  string
		more   bool
	)
	err = c.withRetry(ctx, func() error {
		s := client.Chat.Completions.NewStreaming(ctx, c.params(prompt))
		if s.Next() {
			stream, first, more = s, chunkText(s.Current()), true
			return nil
		}
		if err := s.Err(); err != nil {
			_ = s.Close()
			return err
		}
		stream, more = s, false
		return nil
	})
	metrics.ObserveProvider(NameLLM, start, err)
	if err != nil {
		cancel()
		return nil, unavailable(NameLLM, err)
	}

	return func(yield func(string, error) bool) {
		defer cancel()
		defer func() {
			if err := stream.Close(); err != nil {
				slog.Debug("failed to close LLM stream", "error", err)
			}
		}()

		if first != "" && !yield(first, nil) {
			return
		}
		if !more {
			return
		}
		for stream.Next() {
			if ctx.Err() != nil {
				break
			}
			if text := chunkText(stream.Current()); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
		// A cancelled caller ends the sequence quietly. Our own timeout
		// firing mid-stream is a provider failure.
		switch {
		case parent.Err() != nil:
		case ctx.Err() != nil:
			yield("", unavailable(NameLLM, fmt.Errorf("stream interrupted: %w", context.DeadlineExceeded)))
		case stream.Err() != nil:
			yield("", unavailable(NameLLM, fmt.Errorf("stream interrupted: %w", stream.Err())))
		}
	}, nil
}

func chunkText(chunk openai.ChatCompletionChunk) string {
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

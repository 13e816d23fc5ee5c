package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/rag-support/internal/config"
)

// fakeOpenAI serves the embeddings and chat completions endpoints. Embeddings
// are a hash of the input text, so identical input yields identical vectors.
type fakeOpenAI struct {
	chatStatus []int // status per chat call; 200 once exhausted
	chatCalls  atomic.Int32
	answer     string
	tokens     []string
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	switch {
	case strings.HasSuffix(r.URL.Path, "/embeddings"):
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.Unmarshal(body, &req)
		data := make([]map[string]any, 0, len(req.Input))
		for i, in := range req.Input {
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": hashVector(in)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data, "model": "m"})

	case strings.HasSuffix(r.URL.Path, "/chat/completions"):
		n := int(f.chatCalls.Add(1)) - 1
		if n < len(f.chatStatus) && f.chatStatus[n] != http.StatusOK {
			writeJSON(w, f.chatStatus[n], map[string]any{"error": map[string]any{"message": "upstream says no", "type": "x"}})
			return
		}
		var req struct {
			Stream bool `json:"stream"`
		}
		_ = json.Unmarshal(body, &req)
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, tok := range append([]string{""}, f.tokens...) {
				chunk := map[string]any{
					"id": "c", "object": "chat.completion.chunk", "created": 1, "model": "m",
					"choices": []map[string]any{{"index": 0, "delta": map[string]any{"role": "assistant", "content": tok}}},
				}
				b, _ := json.Marshal(chunk)
				fmt.Fprintf(w, "data: %s\n\n", b)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "c", "object": "chat.completion", "created": 1, "model": "m",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": f.answer}}},
		})

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func hashVector(s string) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	sum := h.Sum64()
	vec := make([]float64, 4)
	for i := range vec {
		vec[i] = float64((sum>>(i*16))&0xffff) / 65535
	}
	return vec
}

func newLLM(t *testing.T, f *fakeOpenAI) *LLMClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewLLMClient(config.LLMConfig{
		APIKey:         "k",
		BaseURL:        srv.URL,
		Model:          "llama-3.1-8b-instant",
		MaxTokens:      500,
		Timeout:        5 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
}

func TestEmbeddingIsDeterministic(t *testing.T) {
	srv := httptest.NewServer(&fakeOpenAI{})
	defer srv.Close()
	e := NewEmbeddingClient(config.EmbeddingConfig{APIKey: "k", BaseURL: srv.URL, Model: "text-embedding-3-small", Timeout: 5 * time.Second})

	a, err := e.Embed(context.Background(), "How do I reset my password?")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "How do I reset my password?")
	require.NoError(t, err)
	c, err := e.Embed(context.Background(), "Where is my invoice?")
	require.NoError(t, err)

	assert.Len(t, a, 4)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	batch, err := e.EmbedBatch(context.Background(), []string{"How do I reset my password?", "Where is my invoice?"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{a, c}, batch)
}

func TestMissingConfigIsUnavailable(t *testing.T) {
	_, err := NewEmbeddingClient(config.EmbeddingConfig{}).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = NewLLMClient(config.LLMConfig{}).Complete(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = NewVectorClient(config.VectorDBConfig{Collection: "c"}).Search(context.Background(), []float32{1}, 5, 0.7)
	assert.ErrorIs(t, err, ErrUnavailable)

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, NameVector, ue.Provider)
}

func TestLazyRetriesFailedBuilds(t *testing.T) {
	calls := 0
	l := newLazy(func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})

	_, err := l.get()
	require.Error(t, err)
	v, err := l.get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	v, _ = l.get()
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}

func TestCompleteRetriesRateLimits(t *testing.T) {
	f := &fakeOpenAI{chatStatus: []int{http.StatusTooManyRequests, http.StatusTooManyRequests}, answer: "Use the reset link."}
	llm := newLLM(t, f)

	got, err := llm.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Use the reset link.", got)
	assert.EqualValues(t, 3, f.chatCalls.Load())
}

func TestCompleteGivesUpAfterThreeRateLimits(t *testing.T) {
	f := &fakeOpenAI{chatStatus: []int{429, 429, 429, 429}}
	llm := newLLM(t, f)

	_, err := llm.Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 3, f.chatCalls.Load())
}

func TestCompleteDoesNotRetryOtherErrors(t *testing.T) {
	f := &fakeOpenAI{chatStatus: []int{http.StatusInternalServerError}}
	llm := newLLM(t, f)

	_, err := llm.Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 1, f.chatCalls.Load())
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(errors.New("Rate limit reached for model")))
	assert.False(t, IsRateLimited(errors.New("connection refused")))
	assert.False(t, IsRateLimited(nil))
}

func TestStreamYieldsTokens(t *testing.T) {
	f := &fakeOpenAI{chatStatus: []int{429}, tokens: []string{"Use ", "the ", "reset link."}}
	llm := newLLM(t, f)

	seq, err := llm.Stream(context.Background(), "prompt")
	require.NoError(t, err)

	var got []string
	for tok, err := range seq {
		require.NoError(t, err)
		got = append(got, tok)
	}
	assert.Equal(t, []string{"Use ", "the ", "reset link."}, got)
	assert.EqualValues(t, 2, f.chatCalls.Load())
}

func TestStreamOpenFailureSurfacesBeforeTokens(t *testing.T) {
	f := &fakeOpenAI{chatStatus: []int{http.StatusBadGateway}}
	llm := newLLM(t, f)

	_, err := llm.Stream(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrUnavailable)
}

// stallingStream sends one chunk and then holds the connection open until the
// client goes away.
func stallingStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	chunk := map[string]any{
		"id": "c", "object": "chat.completion.chunk", "created": 1, "model": "m",
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{"role": "assistant", "content": "partial "}}},
	}
	b, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", b)
	w.(http.Flusher).Flush()
	<-r.Context().Done()
}

func newStallingLLM(t *testing.T) *LLMClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(stallingStream))
	t.Cleanup(srv.Close)
	return NewLLMClient(config.LLMConfig{
		APIKey:         "k",
		BaseURL:        srv.URL,
		Model:          "m",
		Timeout:        300 * time.Millisecond,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})
}

func TestStreamTimeoutMidStreamIsUnavailable(t *testing.T) {
	seq, err := newStallingLLM(t).Stream(context.Background(), "prompt")
	require.NoError(t, err)

	var tokens []string
	var errs []error
	for tok, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tokens = append(tokens, tok)
	}
	assert.Equal(t, []string{"partial "}, tokens)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnavailable)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestStreamCallerCancelEndsQuietly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq, err := newStallingLLM(t).Stream(ctx, "prompt")
	require.NoError(t, err)

	var errs []error
	for tok, err := range seq {
		if err != nil {
			errs = append(errs, err)
		}
		if tok == "partial " {
			cancel()
		}
	}
	assert.Empty(t, errs)
}

func TestStreamStopsWhenConsumerStops(t *testing.T) {
	f := &fakeOpenAI{tokens: []string{"a", "b", "c"}}
	llm := newLLM(t, f)

	seq, err := llm.Stream(context.Background(), "prompt")
	require.NoError(t, err)

	var got []string
	for tok := range seq {
		got = append(got, tok)
		break
	}
	assert.Equal(t, []string{"a"}, got)
}

func TestFilterByThreshold(t *testing.T) {
	results := []RetrievalResult{{Score: 0.9}, {Score: 0.5}, {Score: 0.7}}
	kept := FilterByThreshold(results, 0.7)
	assert.Equal(t, []RetrievalResult{{Score: 0.9}, {Score: 0.7}}, kept)

	low := []RetrievalResult{{Score: 0.3}, {Score: 0.1}}
	assert.Equal(t, low, FilterByThreshold(low, 0.7))

	assert.Empty(t, FilterByThreshold(nil, 0.7))
}

type fakeQdrant struct {
	points   []*qdrant.ScoredPoint
	err      error
	lastReq  *qdrant.QueryPoints
	upserted []*qdrant.PointStruct
	exists   bool
	created  bool
	deleted  bool
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.lastReq = req
	return f.points, f.err
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.upserted = append(f.upserted, req.GetPoints()...)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) CollectionExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeQdrant) CreateCollection(context.Context, *qdrant.CreateCollection) error {
	f.created = true
	return nil
}

func (f *fakeQdrant) DeleteCollection(context.Context, string) error {
	f.deleted = true
	return nil
}

func (f *fakeQdrant) HealthCheck(context.Context) (*qdrant.HealthCheckReply, error) {
	return &qdrant.HealthCheckReply{}, f.err
}

func (f *fakeQdrant) Close() error { return nil }

func scored(score float32, text, source string) *qdrant.ScoredPoint {
	payload := map[string]*qdrant.Value{PayloadText: qdrant.NewValueString(text)}
	if source != "" {
		payload[PayloadSource] = qdrant.NewValueString(source)
	}
	return &qdrant.ScoredPoint{Score: score, Payload: payload}
}

func newFakeVector(f *fakeQdrant) *VectorClient {
	return newVectorClient(config.VectorDBConfig{Collection: "support_docs", Timeout: time.Second},
		func() (qdrantAPI, error) { return f, nil })
}

func TestSearchMapsPayloadAndFilters(t *testing.T) {
	f := &fakeQdrant{points: []*qdrant.ScoredPoint{
		scored(0.9, "Reset via settings.", "faq.md"),
		scored(0.4, "Unrelated.", ""),
	}}
	v := newFakeVector(f)

	got, err := v.Search(context.Background(), []float32{0.1, 0.2}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "faq.md", got[0].Source)
	assert.Equal(t, "Reset via settings.", got[0].Text)
	assert.InDelta(t, 0.9, got[0].Score, 1e-6)

	assert.Equal(t, "support_docs", f.lastReq.GetCollectionName())
	assert.EqualValues(t, 5, f.lastReq.GetLimit())
}

func TestSearchFallsBackToUnfilteredSet(t *testing.T) {
	f := &fakeQdrant{points: []*qdrant.ScoredPoint{scored(0.5, "a", ""), scored(0.3, "b", "")}}
	got, err := newFakeVector(f).Search(context.Background(), []float32{1}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "unknown", got[0].Source)
}

func TestSearchRemoteFailureIsUnavailable(t *testing.T) {
	f := &fakeQdrant{err: errors.New("connection refused")}
	_, err := newFakeVector(f).Search(context.Background(), []float32{1}, 5, 0.7)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEnsureCollectionAndUpsert(t *testing.T) {
	f := &fakeQdrant{exists: true}
	v := newFakeVector(f)

	require.NoError(t, v.EnsureCollection(context.Background(), 4, false))
	assert.False(t, f.created)

	require.NoError(t, v.EnsureCollection(context.Background(), 4, true))
	assert.True(t, f.deleted)
	assert.True(t, f.created)

	require.NoError(t, v.Upsert(context.Background(), []Chunk{{ID: 1, Vector: []float32{1, 0}, Text: "t", Source: "s.md"}}))
	require.Len(t, f.upserted, 1)
	assert.Equal(t, "s.md", f.upserted[0].GetPayload()[PayloadSource].GetStringValue())
}

func TestQdrantConfig(t *testing.T) {
	qc, err := qdrantConfig(config.VectorDBConfig{URL: "https://abc.cloud.qdrant.io:6333", APIKey: "key", GRPCPort: 6334})
	require.NoError(t, err)
	assert.Equal(t, "abc.cloud.qdrant.io", qc.Host)
	assert.Equal(t, 6334, qc.Port)
	assert.True(t, qc.UseTLS)
	assert.Equal(t, "key", qc.APIKey)

	qc, err = qdrantConfig(config.VectorDBConfig{URL: "localhost:7000"})
	require.NoError(t, err)
	assert.Equal(t, "localhost", qc.Host)
	assert.Equal(t, 7000, qc.Port)
	assert.False(t, qc.UseTLS)

	_, err = qdrantConfig(config.VectorDBConfig{})
	assert.Error(t, err)
}

package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/rag-support/internal/engagement"
	"github.com/ashureev/rag-support/internal/provider"
)

func newTestService(opts Options) (*Service, *engagement.Store, *fakeEmbedder, *fakeSearcher, *fakeGenerator) {
	store := engagement.NewStore(engagement.Options{
		MaxSessions:    100,
		MaxProfiles:    100,
		SessionIdleTTL: time.Hour,
		ProfileIdleTTL: time.Hour,
	})
	emb := &fakeEmbedder{}
	search := &fakeSearcher{}
	gen := &fakeGenerator{answer: "This is an answer"}
	return NewService(store, emb, search, gen, opts), store, emb, search, gen
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("json"))
	assert.Equal(t, FormatJSON, ParseFormat(" JSON "))
	assert.Equal(t, FormatStream, ParseFormat(""))
	assert.Equal(t, FormatStream, ParseFormat("stream"))
	assert.Equal(t, FormatStream, ParseFormat("xml"))
}

func TestIdentifySynthesizesSessionID(t *testing.T) {
	svc, store, _, _, _ := newTestService(Options{})
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }

	id, err := svc.Identify("u1", "", engagement.EntryContext{})
	require.NoError(t, err)
	assert.Equal(t, "u1_1700000000", id.SessionID)
	assert.Equal(t, 1, id.Profile.TotalSessions)

	snap, ok := store.LookupSession(id.SessionID)
	require.True(t, ok)
	assert.Equal(t, "u1", snap.OwnerID)

	_, err = svc.Identify("u2", id.SessionID, engagement.EntryContext{})
	assert.ErrorIs(t, err, engagement.ErrForbidden)
}

func TestPrepareClarifiesFirstMessageOnly(t *testing.T) {
	svc, _, emb, _, _ := newTestService(Options{DevMode: true})
	ctx := context.Background()

	id, err := svc.Identify("u1", "s1", engagement.EntryContext{})
	require.NoError(t, err)

	turn, err := svc.Prepare(ctx, id, "hello", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, TurnClarification, turn.Kind)
	assert.Equal(t, engagement.GreetingReply, turn.Reply)
	assert.NotEmpty(t, turn.Greeting)

	turn, err = svc.Prepare(ctx, id, "hello", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, TurnDevMode, turn.Kind)
	assert.Equal(t, DevModeReply, turn.Reply)
	assert.Zero(t, emb.Calls())
}

func TestPrepareComposesPrompt(t *testing.T) {
	svc, store, _, search, _ := newTestService(Options{TopK: 5, Threshold: 0.7})
	search.results = []provider.RetrievalResult{
		{Score: 0.92, Text: "doc one", Source: "a.md"},
		{Score: 0.81, Text: "doc two", Source: "b.md"},
	}
	store.VisitProfile("u1", time.Now())
	_, err := store.SetResponseStyle("u1", engagement.StyleConcise)
	require.NoError(t, err)

	id, err := svc.Identify("u1", "s1", engagement.EntryContext{})
	require.NoError(t, err)
	turn, err := svc.Prepare(context.Background(), id, "Why is the export still broken for me", FormatJSON)
	require.NoError(t, err)

	require.Equal(t, TurnAnswer, turn.Kind)
	assert.True(t, turn.Frustrated)
	assert.Equal(t, "doc one\n\ndoc two", turn.Context)
	assert.Equal(t,
		"Context:\ndoc one\n\ndoc two\n\n"+
			"Let me try to explain that differently.\n\n"+
			"Provide a concise, direct answer.\n\n"+
			"Question: Why is the export still broken for me\n\nAnswer:",
		turn.Prompt)

	p, ok := store.Profile("u1")
	require.True(t, ok)
	assert.Equal(t, 1, p.TotalMessages)
	assert.Equal(t, 1, p.FrustrationIndicators)
}

func TestPrepareBalancedPromptHasNoDirective(t *testing.T) {
	svc, _, _, search, _ := newTestService(Options{})
	search.results = []provider.RetrievalResult{{Score: 0.9, Text: "doc", Source: "s"}}

	id, err := svc.Identify("u1", "s1", engagement.EntryContext{})
	require.NoError(t, err)
	turn, err := svc.Prepare(context.Background(), id, "How do I reset my password?", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "Context:\ndoc\n\nQuestion: How do I reset my password?\n\nAnswer:", turn.Prompt)
}

func TestPrepareEscalatesRecovery(t *testing.T) {
	svc, _, _, search, _ := newTestService(Options{})
	ctx := context.Background()

	id, err := svc.Identify("u1", "s1", engagement.EntryContext{})
	require.NoError(t, err)

	var turn *Turn
	for i := 0; i < 3; i++ {
		turn, err = svc.Prepare(ctx, id, "Why is the export still broken for me", FormatJSON)
		require.NoError(t, err)
	}
	require.Equal(t, TurnNoResults, turn.Kind)
	assert.Equal(t,
		engagement.RecoveryMessage(engagement.FrustrationHigh)+" "+noResultsReply+noResultsSuffix,
		turn.Reply)
	assert.Equal(t, 3, turn.Metrics(time.Now()).ClarificationRequests)
	assert.Equal(t, 3, search.calls)
}

func TestPrepareCountsContextSwitches(t *testing.T) {
	svc, store, _, search, _ := newTestService(Options{})
	search.results = []provider.RetrievalResult{{Score: 0.9, Text: "doc", Source: "s"}}
	ctx := context.Background()

	id, err := svc.Identify("u1", "s1", engagement.EntryContext{})
	require.NoError(t, err)
	_, err = svc.Prepare(ctx, id, "How do I reset my account password", FormatJSON)
	require.NoError(t, err)
	_, err = svc.Prepare(ctx, id, "Which invoices include shipping costs", FormatJSON)
	require.NoError(t, err)

	snap, ok := store.LookupSession("s1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Metrics.ContextSwitches)
	assert.Equal(t, 2, snap.Metrics.MessageCount)
}

func TestPrepareProviderUnavailable(t *testing.T) {
	svc, _, emb, search, _ := newTestService(Options{})
	emb.err = &provider.UnavailableError{Provider: provider.NameEmbedding, Err: errors.New("OPENAI_API_KEY is not set")}

	id, err := svc.Identify("u1", "s1", engagement.EntryContext{})
	require.NoError(t, err)
	_, err = svc.Prepare(context.Background(), id, "How do I reset my password?", FormatJSON)
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.Zero(t, search.calls)
}

func TestAnswerRecordsResolution(t *testing.T) {
	svc, store, _, search, gen := newTestService(Options{})
	search.results = []provider.RetrievalResult{{Score: 0.9, Text: "Open settings and choose reset.", Source: "s"}}

	id, err := svc.Identify("u1", "s1", engagement.EntryContext{})
	require.NoError(t, err)
	turn, err := svc.Prepare(context.Background(), id, "How do I reset my password?", FormatJSON)
	require.NoError(t, err)

	ans, err := svc.Answer(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, "This is an answer", ans.Text)
	assert.Equal(t, turn.Prompt, gen.Prompt())
	assert.Equal(t, 4, ans.CognitiveLoad.ResponseLength)
	assert.Equal(t, 1, ans.Metrics.MessageCount)

	p, _ := store.Profile("u1")
	assert.Equal(t, 1, p.SuccessfulResolutions)
	snap, _ := store.LookupSession("s1")
	assert.Len(t, snap.Metrics.UserWaitTimes, 1)
}

func TestPrepareRecreatesEvictedSession(t *testing.T) {
	svc, store, _, _, _ := newTestService(Options{DevMode: true})

	id, err := svc.Identify("u1", "s1", engagement.EntryContext{})
	require.NoError(t, err)
	store.Sweep(time.Now().Add(48 * time.Hour))

	turn, err := svc.Prepare(context.Background(), id, "How do I reset my password?", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, TurnDevMode, turn.Kind)

	snap, ok := store.LookupSession("s1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Metrics.MessageCount)
}

// Package chat sequences one support question through intake, engagement
// heuristics, retrieval, prompt assembly and generation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/rag-support/internal/engagement"
	"github.com/ashureev/rag-support/internal/metrics"
	"github.com/ashureev/rag-support/internal/provider"
)

// Format is the response encoding of one chat request.
type Format string

// Response formats.
const (
	FormatStream Format = "stream"
	FormatJSON   Format = "json"
)

// ParseFormat maps the format query parameter to a Format. Anything other
// than "json" streams.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatStream
}

// DevModeReply is returned for every non-clarification request in dev mode.
const DevModeReply = "This is a dev environment fallback response."

const (
	noResultsReply  = "I couldn't find specific information about that in my knowledge base. "
	noResultsSuffix = "Could you try rephrasing your question or asking about a related topic? I'm here to help!"
)

// TurnKind says how a prepared turn is answered.
type TurnKind int

// Turn kinds.
const (
	TurnClarification TurnKind = iota + 1
	TurnDevMode
	TurnNoResults
	TurnAnswer
)

func (k TurnKind) String() string {
	switch k {
	case TurnClarification:
		return "clarification"
	case TurnDevMode:
		return "dev_mode"
	case TurnNoResults:
		return "no_results"
	case TurnAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// Options configure the orchestrator.
type Options struct {
	DevMode   bool
	TopK      int
	Threshold float64
}

// Identity is the resolved user and session of a request.
type Identity struct {
	UserID    string
	SessionID string
	Profile   engagement.Profile
	Entry     engagement.EntryContext
}

// Turn is one prepared chat message. Reply is set for the canned kinds;
// Prompt and Sources for TurnAnswer.
type Turn struct {
	Kind       TurnKind
	UserID     string
	SessionID  string
	Query      string
	Format     Format
	Reply      string
	Greeting   string
	Assessment engagement.Assessment
	Frustrated bool
	Sources    []provider.RetrievalResult
	Context    string
	Prompt     string

	metrics engagement.ConversationMetrics
}

// Metrics projects the session counters captured when the turn was prepared.
func (t *Turn) Metrics(now time.Time) engagement.Summary {
	return t.metrics.Summary(now)
}

// Answer is a completed json-format generation.
type Answer struct {
	Text          string
	ResponseTime  time.Duration
	CognitiveLoad engagement.CognitiveLoadMetrics
	Metrics       engagement.Summary
}

// Result is what Finish records for a streamed generation.
type Result struct {
	CognitiveLoad engagement.CognitiveLoadMetrics
	Metrics       engagement.Summary
}

// Service is the chat orchestrator.
type Service struct {
	store     *engagement.Store
	embedder  provider.Embedder
	searcher  provider.Searcher
	generator provider.Generator
	opts      Options
	now       func() time.Time
}

// NewService wires the orchestrator to its store and providers.
func NewService(store *engagement.Store, embedder provider.Embedder, searcher provider.Searcher, generator provider.Generator, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Service{
		store:     store,
		embedder:  embedder,
		searcher:  searcher,
		generator: generator,
		opts:      opts,
		now:       time.Now,
	}
}

// Identify records a visit by userID and resolves the session, synthesizing
// "{userID}_{unix}" when sessionID is empty. A session owned by another user
// yields engagement.ErrForbidden.
func (s *Service) Identify(userID, sessionID string, entry engagement.EntryContext) (Identity, error) {
	now := s.now()
	if sessionID == "" {
		sessionID = fmt.Sprintf("%s_%d", userID, now.Unix())
	}
	profile := s.store.VisitProfile(userID, now)
	if _, err := s.store.Session(sessionID, userID, now); err != nil {
		return Identity{}, err
	}
	return Identity{UserID: userID, SessionID: sessionID, Profile: profile, Entry: entry}, nil
}

// Prepare runs everything up to generation. Provider failures are returned
// as *provider.UnavailableError.
func (s *Service) Prepare(ctx context.Context, id Identity, query string, format Format) (*Turn, error) {
	turn := &Turn{
		UserID:     id.UserID,
		SessionID:  id.SessionID,
		Query:      query,
		Format:     format,
		Assessment: engagement.AssessQueryClarity(query),
	}

	var (
		messageNo  int
		reAttempts int
	)
	snap, err := s.updateSession(id, func(m *engagement.ConversationMetrics) {
		m.MessageCount++
		messageNo = m.MessageCount
		if m.LastQuery != "" && engagement.IsContextSwitch(m.LastQuery, query) {
			m.ContextSwitches++
		}
		m.LastQuery = query
		turn.Frustrated = engagement.DetectFrustration(query, m.MessageCount)
		if turn.Frustrated {
			m.ReEngagementAttempts++
		}
		reAttempts = m.ReEngagementAttempts
	})
	if err != nil {
		return nil, err
	}
	turn.metrics = snap.Metrics

	profile, err := s.updateProfile(id.UserID, func(p *engagement.Profile) {
		p.TotalMessages++
		if turn.Frustrated {
			p.FrustrationIndicators++
		}
	})
	if err != nil {
		return nil, err
	}

	if messageNo == 1 {
		turn.Greeting = engagement.PersonalizedGreeting(profile, id.Entry)
		if reply, ok := engagement.ClarificationPrompt(turn.Assessment); ok {
			turn.Kind, turn.Reply = TurnClarification, reply
			return turn, nil
		}
	}

	if s.opts.DevMode {
		turn.Kind, turn.Reply = TurnDevMode, DevModeReply
		return turn, nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := s.searcher.Search(ctx, vector, s.opts.TopK, s.opts.Threshold)
	if err != nil {
		return nil, err
	}
	top1 := 0.0
	if len(results) > 0 {
		top1 = results[0].Score
	}
	metrics.ObserveRetrieval(len(results), top1)

	var recovery string
	if turn.Frustrated {
		recovery = engagement.RecoveryMessage(engagement.FrustrationLevelFor(reAttempts))
	}

	if len(results) == 0 {
		snap, err := s.updateSession(id, func(m *engagement.ConversationMetrics) { m.ClarificationRequests++ })
		if err != nil {
			return nil, err
		}
		turn.metrics = snap.Metrics
		turn.Kind, turn.Reply = TurnNoResults, noResultsMessage(recovery)
		return turn, nil
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	turn.Kind = TurnAnswer
	turn.Sources = results
	turn.Context = strings.Join(texts, "\n\n")
	turn.Prompt = buildPrompt(turn.Context, recovery, profile.PreferredResponseStyle.Directive(), query)
	return turn, nil
}

// Answer generates the complete answer for a TurnAnswer and records it.
func (s *Service) Answer(ctx context.Context, turn *Turn) (*Answer, error) {
	start := s.now()
	text, err := s.generator.Complete(ctx, turn.Prompt)
	if err != nil {
		return nil, err
	}
	elapsed := s.now().Sub(start)
	res := s.Finish(turn, text, elapsed, elapsed)
	return &Answer{
		Text:          text,
		ResponseTime:  elapsed,
		CognitiveLoad: res.CognitiveLoad,
		Metrics:       res.Metrics,
	}, nil
}

// StreamAnswer opens the token stream for a TurnAnswer. Call Finish once the
// stream is drained without error.
func (s *Service) StreamAnswer(ctx context.Context, turn *Turn) (iter.Seq2[string, error], error) {
	return s.generator.Stream(ctx, turn.Prompt)
}

// Finish records a successful generation: one resolution on the profile,
// response latency and the user's wait on the session.
func (s *Service) Finish(turn *Turn, response string, wait, elapsed time.Duration) Result {
	id := Identity{UserID: turn.UserID, SessionID: turn.SessionID}
	snap, err := s.updateSession(id, func(m *engagement.ConversationMetrics) {
		m.TotalResponseTime += elapsed
		m.UserWaitTimes = append(m.UserWaitTimes, wait)
	})
	if err != nil {
		slog.Warn("Failed to record response time", "session_id", turn.SessionID, "error", err)
		snap.Metrics = turn.metrics
	}
	turn.metrics = snap.Metrics

	if _, err := s.updateProfile(turn.UserID, func(p *engagement.Profile) { p.SuccessfulResolutions++ }); err != nil {
		slog.Warn("Failed to record resolution", "user_id", turn.UserID, "error", err)
	}

	return Result{
		CognitiveLoad: engagement.CognitiveLoad(turn.Context, response),
		Metrics:       snap.Metrics.Summary(s.now()),
	}
}

// updateSession recreates a session evicted since Identify.
func (s *Service) updateSession(id Identity, fn func(*engagement.ConversationMetrics)) (engagement.SessionSnapshot, error) {
	snap, err := s.store.UpdateSession(id.SessionID, fn)
	if errors.Is(err, engagement.ErrNotFound) {
		if _, err := s.store.Session(id.SessionID, id.UserID, s.now()); err != nil {
			return engagement.SessionSnapshot{}, err
		}
		return s.store.UpdateSession(id.SessionID, fn)
	}
	return snap, err
}

func (s *Service) updateProfile(userID string, fn func(*engagement.Profile)) (engagement.Profile, error) {
	p, err := s.store.UpdateProfile(userID, fn)
	if errors.Is(err, engagement.ErrNotFound) {
		s.store.VisitProfile(userID, s.now())
		return s.store.UpdateProfile(userID, fn)
	}
	return p, err
}

func noResultsMessage(recovery string) string {
	msg := noResultsReply
	if recovery != "" {
		msg = recovery + " " + msg
	}
	return msg + noResultsSuffix
}

func buildPrompt(docs, recovery, directive, query string) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	b.WriteString(docs)
	b.WriteString("\n\n")
	if recovery != "" {
		b.WriteString(recovery)
		b.WriteString("\n\n")
	}
	if directive != "" {
		b.WriteString(directive)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// Package engagement classifies queries, detects frustration, scores user
// engagement, and keeps per-user and per-session counters in memory.
package engagement

import (
	"strings"
	"unicode"
)

// Complexity buckets for a query.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// Canned replies.
const (
	GreetingReply   = "Hello! I'm here to help. What can I help you with today?"
	MoreDetailReply = "I'd love to help — could you share a little more detail about what you need? A short example or a couple more words would be great."
	RephraseReply   = "Could you say that another way or add one or two details so I can help better?"
)

var (
	greetingWords = map[string]bool{"hi": true, "hello": true, "hey": true, "greetings": true}
	fillerWords   = map[string]bool{"it": true, "that": true, "this": true, "thing": true, "stuff": true}

	frustrationSignals = []string{
		"not working", "doesn't work", "broken", "error", "wrong",
		"confused", "don't understand", "unclear", "help",
		"again", "still", "yet", "why",
	}

	// stopWords are ignored when comparing the topics of two queries.
	stopWords = map[string]bool{
		"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
		"i": true, "me": true, "my": true, "you": true, "your": true, "we": true,
		"is": true, "are": true, "was": true, "be": true, "do": true, "does": true,
		"can": true, "could": true, "how": true, "what": true, "when": true, "where": true,
		"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
		"it": true, "that": true, "this": true, "please": true,
	}
)

// Assessment is the clarity classification of one query.
type Assessment struct {
	Length             int    `json:"length"`
	HasQuestionMark    bool   `json:"has_question_mark"`
	IsGreeting         bool   `json:"is_greeting"`
	IsVague            bool   `json:"is_vague"`
	Complexity         string `json:"complexity"`
	NeedsClarification bool   `json:"needs_clarification"`
}

// AssessQueryClarity classifies q. Length counts whitespace separated words;
// vocabulary matches are whole words, case-insensitive, ignoring surrounding
// punctuation.
func AssessQueryClarity(q string) Assessment {
	words := strings.Fields(q)
	a := Assessment{
		Length:          len(words),
		HasQuestionMark: strings.Contains(q, "?"),
		IsVague:         len(words) < 3 && !strings.HasSuffix(strings.TrimSpace(q), "?"),
	}

	switch {
	case len(words) < 10:
		a.Complexity = ComplexitySimple
	case len(words) < 20:
		a.Complexity = ComplexityModerate
	default:
		a.Complexity = ComplexityComplex
	}

	hasFiller := false
	for _, w := range normalizedWords(words) {
		if greetingWords[w] {
			a.IsGreeting = true
		}
		if fillerWords[w] {
			hasFiller = true
		}
	}
	a.NeedsClarification = hasFiller && len(words) < 8
	return a
}

// ClarificationPrompt returns the canned reply for an unclear query, in
// priority order greeting, vague, rephrase.
func ClarificationPrompt(a Assessment) (string, bool) {
	switch {
	case a.IsGreeting:
		return GreetingReply, true
	case a.IsVague:
		return MoreDetailReply, true
	case a.NeedsClarification:
		return RephraseReply, true
	default:
		return "", false
	}
}

// DetectFrustration reports frustration keywords, short messages deep into a
// conversation, or excessive punctuation.
func DetectFrustration(q string, messageCount int) bool {
	lower := strings.ToLower(q)
	for _, s := range frustrationSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	if messageCount > 3 && len(strings.Fields(q)) < 5 {
		return true
	}
	return strings.Count(q, "!") > 2 || strings.Count(q, "?") > 2
}

// FrustrationLevel grades how strongly to apologise.
type FrustrationLevel int

// Frustration levels.
const (
	FrustrationLow FrustrationLevel = iota + 1
	FrustrationModerate
	FrustrationHigh
)

func (l FrustrationLevel) String() string {
	switch l {
	case FrustrationLow:
		return "low"
	case FrustrationHigh:
		return "high"
	default:
		return "moderate"
	}
}

// FrustrationLevelFor maps the number of frustrated messages in a session to
// a level.
func FrustrationLevelFor(reEngagementAttempts int) FrustrationLevel {
	switch {
	case reEngagementAttempts <= 1:
		return FrustrationLow
	case reEngagementAttempts == 2:
		return FrustrationModerate
	default:
		return FrustrationHigh
	}
}

// RecoveryMessage returns the empathetic message for level.
func RecoveryMessage(level FrustrationLevel) string {
	switch level {
	case FrustrationLow:
		return "Let me try to explain that differently."
	case FrustrationHigh:
		return "I apologize if my previous responses weren't helpful. Let me start fresh - could you tell me exactly what you're trying to accomplish?"
	default:
		return "I understand this might be confusing. Let me break it down step by step."
	}
}

// Readability buckets.
const (
	ReadabilityHigh     = "high"
	ReadabilityModerate = "moderate"
	ReadabilityLow      = "low"
)

// CognitiveLoadMetrics describes how dense a response is. Informational only.
type CognitiveLoadMetrics struct {
	ResponseLength     int     `json:"response_length"`
	InformationDensity float64 `json:"information_density"`
	ContextRatio       float64 `json:"context_ratio"`
	Readability        string  `json:"readability"`
	RecommendedChunk   bool    `json:"recommended_chunk"`
}

// CognitiveLoad computes load metrics of response given the retrieved context.
func CognitiveLoad(context, response string) CognitiveLoadMetrics {
	responseWords := strings.Fields(response)
	contextWords := strings.Fields(context)
	n := len(responseWords)

	m := CognitiveLoadMetrics{
		ResponseLength:   n,
		ContextRatio:     float64(len(contextWords)) / float64(max(n, 1)),
		RecommendedChunk: n > 200,
	}
	if n > 0 {
		unique := make(map[string]struct{}, n)
		for _, w := range responseWords {
			unique[w] = struct{}{}
		}
		m.InformationDensity = float64(len(unique)) / float64(n)
	}
	switch {
	case n < 100:
		m.Readability = ReadabilityHigh
	case n < 250:
		m.Readability = ReadabilityModerate
	default:
		m.Readability = ReadabilityLow
	}
	return m
}

// IsContextSwitch reports whether cur changes topic from prev: both carry at
// least three content words and share none.
func IsContextSwitch(prev, cur string) bool {
	a, b := contentWords(prev), contentWords(cur)
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	for w := range b {
		if _, ok := a[w]; ok {
			return false
		}
	}
	return true
}

func contentWords(q string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range normalizedWords(strings.Fields(q)) {
		if w == "" || stopWords[w] {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func normalizedWords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, strings.ToLower(strings.TrimFunc(w, isPunct)))
	}
	return out
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

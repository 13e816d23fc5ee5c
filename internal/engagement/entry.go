package engagement

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Entry points describing how a user reached the chat.
const (
	EntrySearch   = "search"
	EntrySocial   = "social"
	EntryReferral = "referral"
	EntryDirect   = "direct"
)

// EntryContext describes how the user arrived at the chat.
type EntryContext struct {
	EntryPoint  string `json:"entry_point"`
	Referrer    string `json:"referrer,omitempty"`
	SearchQuery string `json:"search_query,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	IsMobile    bool   `json:"is_mobile"`
}

// DetectEntryContext inspects the Referer and User-Agent headers and the
// q/search query parameters.
func DetectEntryContext(h http.Header, query url.Values) EntryContext {
	ec := EntryContext{EntryPoint: EntryDirect}

	if ref := h.Get("Referer"); ref != "" {
		ec.Referrer = ref
		switch {
		case containsAny(ref, "google", "bing"):
			ec.EntryPoint = EntrySearch
		case containsAny(ref, "facebook", "twitter", "linkedin"):
			ec.EntryPoint = EntrySocial
		default:
			ec.EntryPoint = EntryReferral
		}
	}

	ec.UserAgent = strings.ToLower(h.Get("User-Agent"))
	ec.IsMobile = containsAny(ec.UserAgent, "mobile", "android", "iphone")

	if q := query.Get("q"); q != "" {
		ec.SearchQuery = q
	} else {
		ec.SearchQuery = query.Get("search")
	}
	return ec
}

var entryGreetings = map[string]string{
	EntrySearch:   "Hi! Thanks for stopping by — how can I help you today?",
	EntrySocial:   "Hello! Thanks for visiting — what can I help you with?",
	EntryReferral: "Welcome! How can I help you today?",
	EntryDirect:   "Hello! I'm here to help — what's on your mind?",
}

// PersonalizedGreeting welcomes returning users by visit count and first-time
// users by entry point.
func PersonalizedGreeting(p Profile, ec EntryContext) string {
	if p.IsReturning() {
		return fmt.Sprintf("Welcome back! I see you've visited %d times. How can I help you today?", p.TotalSessions)
	}

	greeting, ok := entryGreetings[ec.EntryPoint]
	if !ok {
		greeting = entryGreetings[EntryDirect]
	}
	if ec.IsMobile {
		greeting += " Feel free to keep your questions concise for easier mobile reading."
	}
	return greeting
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

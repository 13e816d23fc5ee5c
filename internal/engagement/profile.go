package engagement

import (
	"fmt"
	"time"
)

// ResponseStyle is a user's preferred answer length.
type ResponseStyle string

// Response styles.
const (
	StyleConcise  ResponseStyle = "concise"
	StyleBalanced ResponseStyle = "balanced"
	StyleDetailed ResponseStyle = "detailed"
)

// ParseResponseStyle validates s.
func ParseResponseStyle(s string) (ResponseStyle, error) {
	switch st := ResponseStyle(s); st {
	case StyleConcise, StyleBalanced, StyleDetailed:
		return st, nil
	default:
		return "", fmt.Errorf("invalid response style %q", s)
	}
}

// Directive is the prompt instruction for the style, empty for balanced.
func (s ResponseStyle) Directive() string {
	switch s {
	case StyleConcise:
		return "Provide a concise, direct answer."
	case StyleDetailed:
		return "Provide a comprehensive, detailed answer."
	default:
		return ""
	}
}

// Profile tracks one user across sessions. TotalSessions is always >= 1.
type Profile struct {
	UserID                 string
	FirstSeen              time.Time
	LastSeen               time.Time
	TotalSessions          int
	TotalMessages          int
	PreferredResponseStyle ResponseStyle
	SuccessfulResolutions  int
	FrustrationIndicators  int
}

func newProfile(userID string, now time.Time) *Profile {
	return &Profile{
		UserID:                 userID,
		FirstSeen:              now,
		LastSeen:               now,
		TotalSessions:          1,
		PreferredResponseStyle: StyleBalanced,
	}
}

// IsReturning reports whether the user has visited more than once.
func (p Profile) IsReturning() bool {
	return p.TotalSessions > 1
}

// SuccessRate is resolutions per message.
func (p Profile) SuccessRate() float64 {
	return float64(p.SuccessfulResolutions) / float64(max(p.TotalMessages, 1))
}

// FrustrationRate is frustrated messages per message.
func (p Profile) FrustrationRate() float64 {
	return float64(p.FrustrationIndicators) / float64(max(p.TotalMessages, 1))
}

// EngagementScore combines visit frequency, recency and success rate into a
// score within [0, 100].
func EngagementScore(p Profile, now time.Time) float64 {
	score := 0.0

	switch {
	case p.TotalSessions > 10:
		score += 30
	case p.TotalSessions > 5:
		score += 20
	case p.TotalSessions > 1:
		score += 10
	}

	days := int(now.Sub(p.LastSeen) / (24 * time.Hour))
	switch {
	case days < 7:
		score += 30
	case days < 30:
		score += 20
	case days < 90:
		score += 10
	}

	if p.TotalMessages > 0 {
		score += min(p.SuccessRate(), 1) * 40
	}

	return min(max(score, 0), 100)
}

// ConversationMetrics are the counters of one session. MessageCount never
// decreases.
type ConversationMetrics struct {
	SessionStart          time.Time
	MessageCount          int
	TotalResponseTime     time.Duration
	UserWaitTimes         []time.Duration
	ReEngagementAttempts  int
	ContextSwitches       int
	ClarificationRequests int
	LastQuery             string
}

func (m *ConversationMetrics) clone() ConversationMetrics {
	c := *m
	c.UserWaitTimes = append([]time.Duration(nil), m.UserWaitTimes...)
	return c
}

// Summary is the JSON projection of ConversationMetrics. Durations are in
// seconds.
type Summary struct {
	SessionDuration       float64 `json:"session_duration"`
	MessageCount          int     `json:"message_count"`
	AvgResponseTime       float64 `json:"avg_response_time"`
	AvgUserWaitTime       float64 `json:"avg_user_wait_time"`
	ReEngagementAttempts  int     `json:"re_engagement_attempts"`
	ContextSwitches       int     `json:"context_switches"`
	ClarificationRequests int     `json:"clarification_requests"`
}

// Summary projects m at time now.
func (m ConversationMetrics) Summary(now time.Time) Summary {
	s := Summary{
		SessionDuration:       now.Sub(m.SessionStart).Seconds(),
		MessageCount:          m.MessageCount,
		AvgResponseTime:       m.TotalResponseTime.Seconds() / float64(max(m.MessageCount, 1)),
		ReEngagementAttempts:  m.ReEngagementAttempts,
		ContextSwitches:       m.ContextSwitches,
		ClarificationRequests: m.ClarificationRequests,
	}
	if len(m.UserWaitTimes) > 0 {
		var total time.Duration
		for _, w := range m.UserWaitTimes {
			total += w
		}
		s.AvgUserWaitTime = total.Seconds() / float64(len(m.UserWaitTimes))
	}
	return s
}

package engagement

import (
	"errors"
	"sync"
	"time"

	"github.com/ashureev/rag-support/internal/metrics"
)

var (
	// ErrNotFound is returned for unknown users and sessions.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a user touches another user's data.
	ErrForbidden = errors.New("access denied")
)

// Options bound the store.
type Options struct {
	MaxSessions    int
	MaxProfiles    int
	SessionIdleTTL time.Duration
	ProfileIdleTTL time.Duration
}

// SessionSnapshot is a copy of one session's state.
type SessionSnapshot struct {
	ID      string
	OwnerID string
	Metrics ConversationMetrics
}

type sessionState struct {
	owner   string
	metrics ConversationMetrics
}

// Store holds engagement profiles and conversation metrics. All mutations
// run under one lock and callers only ever see copies.
type Store struct {
	mu       sync.Mutex
	sessions *lru[*sessionState]
	profiles *lru[*Profile]

	// displaced by capacity, cumulative
	sessionsDisplaced int
	profilesDisplaced int
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	return &Store{
		sessions: newLRU[*sessionState](opts.MaxSessions, opts.SessionIdleTTL),
		profiles: newLRU[*Profile](opts.MaxProfiles, opts.ProfileIdleTTL),
	}
}

// VisitProfile records a visit by userID. The first visit creates the
// profile; later visits bump the session count and last-seen time.
func (s *Store) VisitProfile(userID string, now time.Time) Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.profiles.touch(userID, now); ok {
		ent.value.TotalSessions++
		ent.value.LastSeen = now
		return *ent.value
	}
	p := newProfile(userID, now)
	if n := s.profiles.put(userID, p, now); n > 0 {
		s.profilesDisplaced += n
		metrics.AddEvictions("profile", n)
	}
	return *p
}

// Profile returns a copy of the profile without counting a visit.
func (s *Store) Profile(userID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.profiles.peek(userID)
	if !ok {
		return Profile{}, false
	}
	return *ent.value, true
}

// UpdateProfile applies fn to the stored profile.
func (s *Store) UpdateProfile(userID string, fn func(*Profile)) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.profiles.peek(userID)
	if !ok {
		return Profile{}, ErrNotFound
	}
	fn(ent.value)
	if ent.value.TotalSessions < 1 {
		ent.value.TotalSessions = 1
	}
	return *ent.value, nil
}

// SetResponseStyle stores the preferred response style of userID.
func (s *Store) SetResponseStyle(userID string, style ResponseStyle) (Profile, error) {
	if _, err := ParseResponseStyle(string(style)); err != nil {
		return Profile{}, err
	}
	return s.UpdateProfile(userID, func(p *Profile) { p.PreferredResponseStyle = style })
}

// Session returns the session, creating zeroed metrics owned by ownerID when
// it does not exist. A session owned by another user yields ErrForbidden.
func (s *Store) Session(sessionID, ownerID string, now time.Time) (SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.sessions.peek(sessionID); ok {
		if ent.value.owner != ownerID {
			return SessionSnapshot{}, ErrForbidden
		}
		s.sessions.touch(sessionID, now)
		return snapshot(sessionID, ent.value), nil
	}
	st := &sessionState{owner: ownerID, metrics: ConversationMetrics{SessionStart: now}}
	if n := s.sessions.put(sessionID, st, now); n > 0 {
		s.sessionsDisplaced += n
		metrics.AddEvictions("session", n)
	}
	return snapshot(sessionID, st), nil
}

// LookupSession returns a copy of the session without touching it.
func (s *Store) LookupSession(sessionID string) (SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.sessions.peek(sessionID)
	if !ok {
		return SessionSnapshot{}, false
	}
	return snapshot(sessionID, ent.value), true
}

// UpdateSession applies fn to the session metrics.
func (s *Store) UpdateSession(sessionID string, fn func(*ConversationMetrics)) (SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.sessions.peek(sessionID)
	if !ok {
		return SessionSnapshot{}, ErrNotFound
	}
	before := ent.value.metrics.MessageCount
	fn(&ent.value.metrics)
	if ent.value.metrics.MessageCount < before {
		ent.value.metrics.MessageCount = before
	}
	return snapshot(sessionID, ent.value), nil
}

// Sweep evicts idle sessions and profiles.
func (s *Store) Sweep(now time.Time) (sessions, profiles int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sessions.sweep(now), s.profiles.sweep(now)
}

// Displaced returns how many sessions and profiles were evicted to stay
// within capacity.
func (s *Store) Displaced() (sessions, profiles int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsDisplaced, s.profilesDisplaced
}

// Len returns the number of live sessions and profiles.
func (s *Store) Len() (sessions, profiles int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sessions.len(), s.profiles.len()
}

// Authorize allows access to data owned by ownerID.
func Authorize(requesterID string, isAdmin bool, ownerID string) error {
	if isAdmin || requesterID == ownerID {
		return nil
	}
	return ErrForbidden
}

func snapshot(id string, st *sessionState) SessionSnapshot {
	return SessionSnapshot{ID: id, OwnerID: st.owner, Metrics: st.metrics.clone()}
}

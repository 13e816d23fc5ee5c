package engagement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return NewStore(Options{
		MaxSessions:    100,
		MaxProfiles:    100,
		SessionIdleTTL: time.Hour,
		ProfileIdleTTL: 24 * time.Hour,
	})
}

func TestVisitProfileCountsVisits(t *testing.T) {
	s := newTestStore()

	p := s.VisitProfile("alice", t0)
	assert.Equal(t, 1, p.TotalSessions)
	assert.Equal(t, t0, p.FirstSeen)
	assert.Equal(t, StyleBalanced, p.PreferredResponseStyle)

	later := t0.Add(time.Minute)
	p = s.VisitProfile("alice", later)
	assert.Equal(t, 2, p.TotalSessions)
	assert.Equal(t, t0, p.FirstSeen)
	assert.Equal(t, later, p.LastSeen)

	got, ok := s.Profile("alice")
	require.True(t, ok)
	assert.Equal(t, 2, got.TotalSessions)

	_, ok = s.Profile("bob")
	assert.False(t, ok)
}

func TestSessionOwnership(t *testing.T) {
	s := newTestStore()

	snap, err := s.Session("s1", "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.OwnerID)
	assert.Zero(t, snap.Metrics.MessageCount)
	assert.Equal(t, t0, snap.Metrics.SessionStart)

	_, err = s.Session("s1", "mallory", t0)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := newTestStore()
	_, err := s.Session("s1", "alice", t0)
	require.NoError(t, err)

	snap, err := s.UpdateSession("s1", func(m *ConversationMetrics) {
		m.UserWaitTimes = append(m.UserWaitTimes, time.Second)
	})
	require.NoError(t, err)
	snap.Metrics.UserWaitTimes[0] = time.Hour
	snap.Metrics.MessageCount = 99

	again, ok := s.LookupSession("s1")
	require.True(t, ok)
	assert.Equal(t, time.Second, again.Metrics.UserWaitTimes[0])
	assert.Zero(t, again.Metrics.MessageCount)
}

func TestUpdateSessionKeepsMessageCountMonotonic(t *testing.T) {
	s := newTestStore()
	_, err := s.Session("s1", "alice", t0)
	require.NoError(t, err)

	_, err = s.UpdateSession("s1", func(m *ConversationMetrics) { m.MessageCount = 3 })
	require.NoError(t, err)
	snap, err := s.UpdateSession("s1", func(m *ConversationMetrics) { m.MessageCount = 1 })
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Metrics.MessageCount)

	_, err = s.UpdateSession("missing", func(*ConversationMetrics) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	s := newTestStore()
	s.VisitProfile("alice", t0)
	_, err := s.Session("s1", "alice", t0)
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateSession("s1", func(m *ConversationMetrics) { m.MessageCount++ })
			_, _ = s.UpdateProfile("alice", func(p *Profile) { p.TotalMessages++ })
		}()
	}
	wg.Wait()

	snap, _ := s.LookupSession("s1")
	p, _ := s.Profile("alice")
	assert.Equal(t, n, snap.Metrics.MessageCount)
	assert.Equal(t, n, p.TotalMessages)
}

func TestSetResponseStyle(t *testing.T) {
	s := newTestStore()
	_, err := s.SetResponseStyle("alice", StyleConcise)
	assert.ErrorIs(t, err, ErrNotFound)

	s.VisitProfile("alice", t0)
	p, err := s.SetResponseStyle("alice", StyleConcise)
	require.NoError(t, err)
	assert.Equal(t, StyleConcise, p.PreferredResponseStyle)

	_, err = s.SetResponseStyle("alice", "verbose")
	assert.Error(t, err)
}

func TestCapacityEvictsLeastRecentlyTouched(t *testing.T) {
	s := NewStore(Options{MaxSessions: 2, MaxProfiles: 2})

	_, _ = s.Session("a", "u", t0)
	_, _ = s.Session("b", "u", t0.Add(time.Second))
	_, _ = s.Session("a", "u", t0.Add(2*time.Second))
	_, _ = s.Session("c", "u", t0.Add(3*time.Second))

	_, ok := s.LookupSession("b")
	assert.False(t, ok)
	_, ok = s.LookupSession("a")
	assert.True(t, ok)
	_, ok = s.LookupSession("c")
	assert.True(t, ok)

	for i := 0; i < 5; i++ {
		s.VisitProfile(fmt.Sprintf("user-%d", i), t0)
	}
	_, profiles := s.Len()
	assert.Equal(t, 2, profiles)

	sessions, profiles := s.Displaced()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 3, profiles)
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	s := newTestStore()
	s.VisitProfile("old", t0)
	s.VisitProfile("fresh", t0.Add(23*time.Hour))
	_, _ = s.Session("idle", "old", t0)
	_, _ = s.Session("active", "fresh", t0.Add(90*time.Minute))

	sessions, profiles := s.Sweep(t0.Add(25 * time.Hour))
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 1, profiles)

	_, ok := s.Profile("fresh")
	assert.True(t, ok)
	_, ok = s.Profile("old")
	assert.False(t, ok)
}

func TestSweepKeepsRecentSession(t *testing.T) {
	s := newTestStore()
	_, _ = s.Session("idle", "u", t0)
	_, _ = s.Session("active", "u", t0.Add(90*time.Minute))

	sessions, _ := s.Sweep(t0.Add(2 * time.Hour))
	assert.Equal(t, 1, sessions)
	_, ok := s.LookupSession("active")
	assert.True(t, ok)
}

func TestEvictionWorkerStopsOnCancel(t *testing.T) {
	s := newTestStore()
	_, _ = s.Session("idle", "u", time.Now().Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan struct{}, 1)
	StartEvictionWorker(ctx, s, 10*time.Millisecond, func(context.Context, time.Time) {
		select {
		case swept <- struct{}{}:
		default:
		}
	})

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("eviction worker never ran")
	}
	cancel()

	_, ok := s.LookupSession("idle")
	assert.False(t, ok)
}

func TestEngagementScoreBounds(t *testing.T) {
	now := t0
	profiles := []Profile{
		{},
		{TotalSessions: 1, LastSeen: now},
		{TotalSessions: 50, TotalMessages: 10, SuccessfulResolutions: 10, LastSeen: now},
		{TotalSessions: 50, TotalMessages: 1, SuccessfulResolutions: 9, LastSeen: now.Add(time.Hour)},
		{TotalSessions: 3, TotalMessages: 4, SuccessfulResolutions: 1, LastSeen: now.Add(-400 * 24 * time.Hour)},
		{TotalSessions: -5, TotalMessages: 3, SuccessfulResolutions: -10, LastSeen: now.Add(-100 * 24 * time.Hour)},
	}
	for i, p := range profiles {
		score := EngagementScore(p, now)
		assert.GreaterOrEqual(t, score, 0.0, i)
		assert.LessOrEqual(t, score, 100.0, i)
	}
}

func TestEngagementScoreTiers(t *testing.T) {
	p := Profile{TotalSessions: 6, TotalMessages: 4, SuccessfulResolutions: 2, LastSeen: t0.Add(-10 * 24 * time.Hour)}
	// 20 frequency + 20 recency + 0.5*40 success
	assert.InDelta(t, 60.0, EngagementScore(p, t0), 1e-9)

	p = Profile{TotalSessions: 11, TotalMessages: 2, SuccessfulResolutions: 2, LastSeen: t0}
	assert.InDelta(t, 100.0, EngagementScore(p, t0), 1e-9)
}

func TestSummary(t *testing.T) {
	m := ConversationMetrics{
		SessionStart:      t0,
		MessageCount:      2,
		TotalResponseTime: 3 * time.Second,
		UserWaitTimes:     []time.Duration{time.Second, 3 * time.Second},
		ContextSwitches:   1,
	}
	s := m.Summary(t0.Add(10 * time.Second))
	assert.InDelta(t, 10.0, s.SessionDuration, 1e-9)
	assert.InDelta(t, 1.5, s.AvgResponseTime, 1e-9)
	assert.InDelta(t, 2.0, s.AvgUserWaitTime, 1e-9)
	assert.Equal(t, 1, s.ContextSwitches)

	empty := ConversationMetrics{SessionStart: t0}.Summary(t0)
	assert.Zero(t, empty.AvgResponseTime)
	assert.Zero(t, empty.AvgUserWaitTime)
}

func TestAuthorize(t *testing.T) {
	assert.NoError(t, Authorize("alice", false, "alice"))
	assert.NoError(t, Authorize("admin", true, "alice"))
	assert.ErrorIs(t, Authorize("bob", false, "alice"), ErrForbidden)
}

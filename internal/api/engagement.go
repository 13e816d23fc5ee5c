package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/rag-support/internal/auth"
	"github.com/ashureev/rag-support/internal/domain"
	"github.com/ashureev/rag-support/internal/engagement"
)

const defaultEventLimit = 200

// TranscriptReader is the subset of the store the session events endpoint
// reads from.
type TranscriptReader interface {
	ListChatEvents(ctx context.Context, sessionID string, limit int) ([]*domain.ChatEvent, error)
}

// EngagementHandler serves the read-only analytics projections and the
// response style preference.
type EngagementHandler struct {
	store       *engagement.Store
	transcripts TranscriptReader
	now         func() time.Time
}

// NewEngagementHandler creates the analytics handler. transcripts may be nil,
// in which case the events endpoint returns an empty list.
func NewEngagementHandler(store *engagement.Store, transcripts TranscriptReader) *EngagementHandler {
	return &EngagementHandler{store: store, transcripts: transcripts, now: time.Now}
}

// RegisterRoutes registers analytics routes (requires authentication).
func (h *EngagementHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/engagement", func(r chi.Router) {
		r.Get("/user/{id}", h.GetUser)
		r.Put("/user/{id}/preferences", h.UpdatePreferences)
		r.Get("/session/{id}", h.GetSession)
		r.Get("/session/{id}/events", h.GetSessionEvents)
	})
}

type userProjection struct {
	UserID                 string  `json:"user_id"`
	EngagementScore        float64 `json:"engagement_score"`
	TotalSessions          int     `json:"total_sessions"`
	TotalMessages          int     `json:"total_messages"`
	SuccessRate            float64 `json:"success_rate"`
	FrustrationRate        float64 `json:"frustration_rate"`
	PreferredResponseStyle string  `json:"preferred_response_style"`
	FirstSeen              string  `json:"first_seen"`
	LastSeen               string  `json:"last_seen"`
}

func (h *EngagementHandler) project(p engagement.Profile) userProjection {
	return userProjection{
		UserID:                 p.UserID,
		EngagementScore:        engagement.EngagementScore(p, h.now()),
		TotalSessions:          p.TotalSessions,
		TotalMessages:          p.TotalMessages,
		SuccessRate:            p.SuccessRate(),
		FrustrationRate:        p.FrustrationRate(),
		PreferredResponseStyle: string(p.PreferredResponseStyle),
		FirstSeen:              p.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:               p.LastSeen.UTC().Format(time.RFC3339),
	}
}

// GetUser returns the engagement projection of a user.
func (h *EngagementHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !h.authorize(w, r, userID) {
		return
	}

	p, ok := h.store.Profile(userID)
	if !ok {
		Error(w, http.StatusNotFound, "user profile not found")
		return
	}
	JSON(w, http.StatusOK, h.project(p))
}

// UpdatePreferences sets the preferred response style of a user.
func (h *EngagementHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !h.authorize(w, r, userID) {
		return
	}

	var req struct {
		ResponseStyle string `json:"response_style"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	style, err := engagement.ParseResponseStyle(req.ResponseStyle)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.store.SetResponseStyle(userID, style)
	if err != nil {
		Error(w, http.StatusNotFound, "user profile not found")
		return
	}
	slog.Info("Response style updated", "user_id", userID, "style", style)
	JSON(w, http.StatusOK, h.project(p))
}

// GetSession returns the metrics of a session.
func (h *EngagementHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": snap.ID,
		"user_id":    snap.OwnerID,
		"metrics":    snap.Metrics.Summary(h.now()),
	})
}

// GetSessionEvents returns the persisted transcript of a session. The limit
// query parameter caps the number of events.
func (h *EngagementHandler) GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.session(w, r)
	if !ok {
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events := []*domain.ChatEvent{}
	if h.transcripts != nil {
		list, err := h.transcripts.ListChatEvents(r.Context(), snap.ID, limit)
		if err != nil {
			slog.Error("Failed to list chat events", "session_id", snap.ID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to load transcript")
			return
		}
		if list != nil {
			events = list
		}
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": snap.ID,
		"events":     events,
	})
}

// session resolves the {id} session and checks the requester may read it.
// Unknown sessions are 404 for every requester.
func (h *EngagementHandler) session(w http.ResponseWriter, r *http.Request) (engagement.SessionSnapshot, bool) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return engagement.SessionSnapshot{}, false
	}

	snap, ok := h.store.LookupSession(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return engagement.SessionSnapshot{}, false
	}
	if err := engagement.Authorize(user.UserID, user.IsAdmin, snap.OwnerID); err != nil {
		Error(w, http.StatusForbidden, "access denied")
		return engagement.SessionSnapshot{}, false
	}
	return snap, true
}

func (h *EngagementHandler) authorize(w http.ResponseWriter, r *http.Request, subjectID string) bool {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if err := engagement.Authorize(user.UserID, user.IsAdmin, subjectID); err != nil {
		Error(w, http.StatusForbidden, "access denied")
		return false
	}
	return true
}

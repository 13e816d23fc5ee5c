package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/rag-support/internal/api"
	"github.com/ashureev/rag-support/internal/auth"
	"github.com/ashureev/rag-support/internal/domain"
	"github.com/ashureev/rag-support/internal/engagement"
	"github.com/ashureev/rag-support/internal/intake"
	"github.com/ashureev/rag-support/internal/metrics"
	"github.com/ashureev/rag-support/internal/provider"
)

const defaultMaxRequestBodySize = 1 << 20

// Request outcomes used in logs and metrics.
const (
	outcomeOK          = "ok"
	outcomeBadRequest  = "bad_request"
	outcomeTooLarge    = "too_large"
	outcomeForbidden   = "forbidden"
	outcomeRateLimited = "rate_limited"
	outcomeUnavailable = "unavailable"
	outcomeStreamError = "stream_error"
	outcomeCanceled    = "canceled"
	outcomeError       = "error"
)

// Handler serves POST /api/chat.
type Handler struct {
	svc         *Service
	limiter     *RateLimiter
	log         ConversationLogger
	maxBodySize int64
}

// NewHandler creates the chat handler. A nil logger discards transcripts.
func NewHandler(svc *Service, limiter *RateLimiter, log ConversationLogger, maxBodySize int64) *Handler {
	if log == nil {
		log = noopConversationLogger{}
	}
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &Handler{svc: svc, limiter: limiter, log: log, maxBodySize: maxBodySize}
}

// RegisterRoutes registers chat routes (requires authentication).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
}

// Close releases handler resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Close()
	}
	if err := h.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

// HandleChat answers one support question as an SSE stream (default) or a
// JSON envelope (?format=json).
//
//nolint:gocyclo // Turn kinds and both formats are kept inline to preserve request flow.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	format := ParseFormat(r.URL.Query().Get("format"))
	sessionID := auth.SessionIDFromContext(r.Context())
	reqID := chiMiddleware.GetReqID(r.Context())
	outcome := outcomeError
	defer func() {
		metrics.IncChat(string(format), outcome)
		slog.Info("Request completed",
			"user_id", user.UserID,
			"session_id", sessionID,
			"request_id", reqID,
			"format", format,
			"outcome", outcome,
			"elapsed", time.Since(start),
		)
	}()

	if h.limiter != nil && !h.limiter.Allow(user.UserID) {
		outcome = outcomeRateLimited
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
		return
	}

	id, err := h.svc.Identify(user.UserID, sessionID, engagement.DetectEntryContext(r.Header, r.URL.Query()))
	if err != nil {
		outcome = h.fail(w, user, sessionID, err)
		return
	}
	sessionID = id.SessionID

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			outcome = outcomeTooLarge
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		outcome = outcomeBadRequest
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	query, err := intake.Extract(r.Header.Get("Content-Type"), body)
	if err != nil {
		outcome = h.fail(w, user, sessionID, err)
		return
	}

	slog.Info("Chat request",
		"user_id", user.UserID,
		"session_id", sessionID,
		"request_id", reqID,
		"query_length", len(query),
	)
	h.log.Log(domain.ChatEvent{
		SessionID: sessionID,
		UserID:    user.UserID,
		Role:      domain.RoleUser,
		Content:   query,
		Meta:      map[string]any{"request_id": reqID, "format": string(format)},
	})

	turn, err := h.svc.Prepare(r.Context(), id, query, format)
	if err != nil {
		outcome = h.fail(w, user, sessionID, err)
		return
	}

	if turn.Kind != TurnAnswer {
		h.writeCanned(w, turn)
		h.logAssistant(turn, turn.Reply, reqID, map[string]any{"kind": turn.Kind.String()})
		outcome = outcomeOK
		return
	}

	if format == FormatJSON {
		answer, err := h.svc.Answer(r.Context(), turn)
		if err != nil {
			outcome = h.fail(w, user, sessionID, err)
			return
		}
		resp := map[string]any{
			"response":           answer.Text,
			"query":              turn.Query,
			"sources":            sourcesOf(turn.Sources),
			"engagement_metrics": answer.Metrics,
			"cognitive_load":     answer.CognitiveLoad,
			"response_time":      answer.ResponseTime.Seconds(),
			"session_id":         turn.SessionID,
		}
		if turn.Greeting != "" {
			resp["greeting"] = turn.Greeting
		}
		api.JSON(w, http.StatusOK, resp)
		h.logAssistant(turn, answer.Text, reqID, map[string]any{"sources": len(turn.Sources)})
		outcome = outcomeOK
		return
	}

	outcome = h.stream(w, r, turn, reqID)
}

// stream writes the token stream followed by the metrics event.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, turn *Turn, reqID string) string {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return outcomeError
	}

	genStart := time.Now()
	tokens, err := h.svc.StreamAnswer(r.Context(), turn)
	if err != nil {
		return h.fail(w, auth.UserFromContext(r.Context()), turn.SessionID, err)
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var (
		content strings.Builder
		count   int
		wait    time.Duration
	)
	for token, err := range tokens {
		if err != nil {
			slog.Error("LLM stream failed",
				"user_id", turn.UserID,
				"session_id", turn.SessionID,
				"tokens_streamed", count,
				"error", err,
			)
			h.logAssistant(turn, content.String(), reqID, map[string]any{
				"partial":      true,
				"stream_error": err.Error(),
			})
			data, _ := json.Marshal(map[string]string{"error": "generation failed", "detail": err.Error()})
			if writeErr := writeSSE(w, "error", string(data)); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return outcomeStreamError
		}
		if count == 0 {
			wait = time.Since(genStart)
		}
		count++
		content.WriteString(token)
		if err := writeSSEData(w, token); err != nil {
			slog.Warn("failed to write SSE token", "session_id", turn.SessionID, "error", err)
			h.logAssistant(turn, content.String(), reqID, map[string]any{"partial": true})
			return outcomeCanceled
		}
		flusher.Flush()
	}

	if r.Context().Err() != nil {
		h.logAssistant(turn, content.String(), reqID, map[string]any{"partial": true})
		return outcomeCanceled
	}

	elapsed := time.Since(genStart)
	if count == 0 {
		wait = elapsed
	}
	res := h.svc.Finish(turn, content.String(), wait, elapsed)
	final := map[string]any{
		"type":               "metrics",
		"engagement_metrics": res.Metrics,
		"response_time":      elapsed.Seconds(),
		"tokens_streamed":    count,
		"cognitive_load":     res.CognitiveLoad,
		"session_id":         turn.SessionID,
	}
	data, err := json.Marshal(final)
	if err == nil {
		err = writeSSEData(w, string(data))
	}
	if err != nil {
		slog.Warn("failed to write SSE metrics event", "session_id", turn.SessionID, "error", err)
	}
	flusher.Flush()

	h.logAssistant(turn, content.String(), reqID, map[string]any{"tokens_streamed": count})
	return outcomeOK
}

// writeCanned answers the clarification, dev-mode and no-results turns. The
// dev-mode reply is always a single SSE event, whatever the format.
func (h *Handler) writeCanned(w http.ResponseWriter, turn *Turn) {
	now := time.Now()
	if turn.Format == FormatJSON && turn.Kind != TurnDevMode {
		resp := map[string]any{
			"response": turn.Reply,
			"query":    turn.Query,
		}
		switch turn.Kind {
		case TurnClarification:
			resp["needs_clarification"] = true
			resp["engagement_metrics"] = turn.Metrics(now)
		case TurnNoResults:
			resp["sources"] = []source{}
			resp["engagement_metrics"] = turn.Metrics(now)
			resp["no_results"] = true
		}
		api.JSON(w, http.StatusOK, resp)
		return
	}

	data := turn.Reply
	if turn.Kind == TurnNoResults {
		b, err := json.Marshal(map[string]any{"text": turn.Reply, "no_results": true})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode response", "")
			return
		}
		data = string(b)
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := writeSSEData(w, data); err != nil {
		slog.Warn("failed to write SSE event", "session_id", turn.SessionID, "error", err)
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// fail maps err to a status code, writes the error body and returns the
// outcome label.
func (h *Handler) fail(w http.ResponseWriter, user *domain.User, sessionID string, err error) string {
	userID := ""
	if user != nil {
		userID = user.UserID
	}

	var unavailable *provider.UnavailableError
	switch {
	case errors.Is(err, intake.ErrMissingQuery):
		writeError(w, http.StatusBadRequest, "missing query", "Missing 'query' field in request body")
		return outcomeBadRequest
	case errors.Is(err, engagement.ErrForbidden):
		slog.Warn("Session belongs to another user", "user_id", userID, "session_id", sessionID)
		writeError(w, http.StatusForbidden, "access denied", "")
		return outcomeForbidden
	case errors.As(err, &unavailable):
		slog.Error("Provider unavailable",
			"user_id", userID,
			"session_id", sessionID,
			"provider", unavailable.Provider,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "provider unavailable", err.Error())
		return outcomeUnavailable
	case errors.Is(err, context.Canceled):
		slog.Info("Chat request canceled", "user_id", userID, "session_id", sessionID)
		return outcomeCanceled
	default:
		slog.Error("Unhandled chat error", "user_id", userID, "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return outcomeError
	}
}

func (h *Handler) logAssistant(turn *Turn, content, reqID string, meta map[string]any) {
	meta["request_id"] = reqID
	h.log.Log(domain.ChatEvent{
		SessionID: turn.SessionID,
		UserID:    turn.UserID,
		Role:      domain.RoleAssistant,
		Content:   content,
		Meta:      meta,
	})
}

type source struct {
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

func sourcesOf(results []provider.RetrievalResult) []source {
	out := make([]source, len(results))
	for i, r := range results {
		out[i] = source{Source: r.Source, Score: r.Score}
	}
	return out
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	body := map[string]string{"error": message}
	if detail != "" {
		body["detail"] = detail
	}
	api.JSON(w, status, body)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// writeSSEData writes one unnamed event. Each line of data gets its own
// data field so tokens containing newlines survive framing.
func writeSSEData(w io.Writer, data string) error {
	var b strings.Builder
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/rag-support/internal/config"
	"github.com/ashureev/rag-support/internal/domain"
)

const (
	defaultLogQueueSize = 1000
	logWriteTimeout     = 5 * time.Second
)

// ConversationLogger persists chat transcripts off the request path.
type ConversationLogger interface {
	Log(event domain.ChatEvent)
	Close() error
}

// TranscriptWriter is the subset of the store the logger writes to.
type TranscriptWriter interface {
	AppendChatEvent(ctx context.Context, event *domain.ChatEvent) error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(domain.ChatEvent) {}
func (noopConversationLogger) Close() error         { return nil }

type asyncConversationLogger struct {
	repo   TranscriptWriter
	logger *slog.Logger
	events chan domain.ChatEvent

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewConversationLogger returns a logger draining a bounded queue into repo.
// A disabled config or nil repo yields a logger that discards everything.
func NewConversationLogger(cfg config.ConversationLogConfig, repo TranscriptWriter, logger *slog.Logger) ConversationLogger {
	if !cfg.Enabled || repo == nil {
		return noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultLogQueueSize
	}

	l := &asyncConversationLogger{
		repo:   repo,
		logger: logger,
		events: make(chan domain.ChatEvent, size),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues event, dropping it when the queue is full.
func (l *asyncConversationLogger) Log(event domain.ChatEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	event.Content = cleanForReadability(event.Content)
	select {
	case l.events <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"session_id", event.SessionID,
			"role", event.Role,
		)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (l *asyncConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *asyncConversationLogger) run() {
	defer l.wg.Done()
	for event := range l.events {
		ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
		if err := l.repo.AppendChatEvent(ctx, &event); err != nil {
			l.logger.Warn("Failed to persist chat event",
				"session_id", event.SessionID,
				"user_id", event.UserID,
				"error", err,
			)
		}
		cancel()
	}
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// cleanForReadability strips terminal escapes and control characters other
// than newlines and tabs.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

package ai

import (
	"context"
	"sync"
	"time"

	"chatrecall/internal/models"
)

const (
	DocumentChunkSizeDefault = 1000
	DocumentChunkSizeMin     = 500
	DocumentChunkSizeMax     = 2000
	DocumentReaderRateLimit  = 3
	DocumentReaderRateWindow = time.Minute
	WebSearchHTTPTimeout     = 10 * time.Second
)

type documentsContextKey struct{}
type toolSessionContextKey struct{}

type toolSession struct {
	UserID    string
	SessionID string
}

// DocumentSource is the slice of a user store the document reader needs.
type DocumentSource interface {
	GetDocument(ctx context.Context, filename string) (models.Document, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
}

type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	if idx > 0 {
		queue = queue[idx:]
	}
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}

// WithDocuments exposes a user's documents to the document reader tool.
func WithDocuments(ctx context.Context, src DocumentSource) context.Context {
	if src == nil {
		return ctx
	}
	return context.WithValue(ctx, documentsContextKey{}, src)
}

func DocumentsFromContext(ctx context.Context) DocumentSource {
	src, _ := ctx.Value(documentsContextKey{}).(DocumentSource)
	return src
}

func WithToolSession(ctx context.Context, userID, sessionID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolSessionContextKey{}, toolSession{UserID: userID, SessionID: sessionID})
}

func ToolSessionFromContext(ctx context.Context) (string, string, bool) {
	meta, ok := ctx.Value(toolSessionContextKey{}).(toolSession)
	if !ok {
		return "", "", false
	}
	return meta.UserID, meta.SessionID, true
}

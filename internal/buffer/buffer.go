// Package buffer keeps the most recent turns of each active session in
// memory. It is never the source of truth; every buffer can be rebuilt
// from the user's store.
package buffer

import (
	"sync"

	"chatrecall/internal/models"
)

// DefaultSize is used when a buffer is opened with a non-positive limit.
const DefaultSize = 12

// Buffer is a fixed-capacity ring of turns, oldest first.
type Buffer struct {
	mu    sync.RWMutex
	turns []models.Turn
	start int
	n     int
}

func New(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultSize
	}
	return &Buffer{turns: make([]models.Turn, limit)}
}

// Push appends a turn, dropping the oldest once the buffer is full.
func (b *Buffer) Push(turn models.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := len(b.turns)
	if b.n < size {
		b.turns[(b.start+b.n)%size] = turn
		b.n++
		return
	}
	b.turns[b.start] = turn
	b.start = (b.start + 1) % size
}

// Snapshot copies the buffered turns, oldest first.
func (b *Buffer) Snapshot() []models.Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Turn, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.turns[(b.start+i)%len(b.turns)]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

func (b *Buffer) Cap() int {
	return len(b.turns)
}

// Key addresses the buffer of one session.
type Key struct {
	UserID    string
	SessionID string
}

// Registry owns the buffers of all live sessions. Buffers are created on
// session start and dropped on session end.
type Registry struct {
	mu      sync.RWMutex
	limit   int
	buffers map[Key]*Buffer
}

func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = DefaultSize
	}
	return &Registry{limit: limit, buffers: make(map[Key]*Buffer)}
}

// Open returns the buffer for key, creating an empty one when absent.
func (r *Registry) Open(key Key) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[key]; ok {
		return b
	}
	b := New(r.limit)
	r.buffers[key] = b
	return b
}

// Replace installs a buffer rebuilt from turns, keeping only the newest
// that fit.
func (r *Registry) Replace(key Key, turns []models.Turn) *Buffer {
	b := New(r.limit)
	for _, t := range turns {
		b.Push(t)
	}
	r.mu.Lock()
	r.buffers[key] = b
	r.mu.Unlock()
	return b
}

func (r *Registry) Get(key Key) (*Buffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buffers[key]
	return b, ok
}

// Snapshot returns the buffered turns of a session, or nil when the
// session has no buffer.
func (r *Registry) Snapshot(userID, sessionID string) []models.Turn {
	b, ok := r.Get(Key{UserID: userID, SessionID: sessionID})
	if !ok {
		return nil
	}
	return b.Snapshot()
}

func (r *Registry) Drop(key Key) {
	r.mu.Lock()
	delete(r.buffers, key)
	r.mu.Unlock()
}

// DropUser removes every buffer of a user.
func (r *Registry) DropUser(userID string) {
	r.mu.Lock()
	for k := range r.buffers {
		if k.UserID == userID {
			delete(r.buffers, k)
		}
	}
	r.mu.Unlock()
}

// Len reports how many session buffers are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}

func (r *Registry) Limit() int { return r.limit }

// Package conversation keeps a bounded per-identity message history used as
// context for intent classification.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// History holds the rolling windows. Each identity's window is capped: once
// full, appending drops the oldest turn.
type History struct {
	mu      sync.Mutex
	windows map[string]*window

	maxTurns int
	logger   *slog.Logger

	now func() time.Time
}

type window struct {
	turns    []Turn
	lastUsed time.Time
}

// New creates a History capping each identity's window at maxTurns.
func New(maxTurns int, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		windows:  make(map[string]*window),
		maxTurns: maxTurns,
		logger:   logger.With("component", "conversation"),
		now:      time.Now,
	}
}

// Append records a turn for identity, evicting the oldest turn if the window
// is full.
func (h *History) Append(identity, role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, ok := h.windows[identity]
	if !ok {
		w = &window{}
		h.windows[identity] = w
	}
	w.turns = append(w.turns, Turn{Role: role, Content: content})
	if len(w.turns) > h.maxTurns {
		w.turns = w.turns[len(w.turns)-h.maxTurns:]
	}
	w.lastUsed = h.now()
}

// Context returns up to n of the most recent turns for identity, oldest
// first. An identity with no history yields an empty slice.
func (h *History) Context(identity string, n int) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, ok := h.windows[identity]
	if !ok {
		return nil
	}
	turns := w.turns
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Snapshot returns identity's full window, oldest first.
func (h *History) Snapshot(identity string) []Turn {
	return h.Context(identity, h.maxTurns)
}

// Drop discards identity's window.
func (h *History) Drop(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.windows, identity)
}

// evictIdle drops windows untouched for longer than idleAfter whose identity
// has no live session, and returns how many were dropped.
func (h *History) evictIdle(idleAfter time.Duration, hasSession func(identity string) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-idleAfter)
	n := 0
	for identity, w := range h.windows {
		if w.lastUsed.Before(cutoff) && !hasSession(identity) {
			delete(h.windows, identity)
			n++
		}
	}
	return n
}

// StartEvictor launches a goroutine that periodically drops idle windows for
// identities without a live session. It stops when ctx is cancelled.
func (h *History) StartEvictor(ctx context.Context, idleAfter, interval time.Duration, hasSession func(identity string) bool) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := h.evictIdle(idleAfter, hasSession); n > 0 {
					h.logger.Debug("evicted idle conversations", "count", n)
				}
			}
		}
	}()
}

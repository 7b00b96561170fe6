// Copyright 2024-2026 Aiku AI

package connector

import (
	"sync"
	"time"

	"go.mau.fi/util/exsync"
)

// DefaultSentMessageTTL is how long a locally sent message id is remembered.
const DefaultSentMessageTTL = 60 * time.Second

// afterFunc schedules fn after d and returns a function that cancels it.
type afterFunc func(d time.Duration, fn func()) (stop func() bool)

func realAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

type sentEntry struct {
	stop func() bool
}

// SentRegistry remembers ids of messages this process sent so their echoes
// can be suppressed. It also holds per-chat pending-send markers that cover
// the window between issuing a group send and learning its id.
type SentRegistry struct {
	ttl   time.Duration
	after afterFunc

	mu      sync.Mutex
	ids     map[string]*sentEntry
	closed  bool
	pending *exsync.Set[string]
}

func NewSentRegistry(ttl time.Duration) *SentRegistry {
	if ttl <= 0 {
		ttl = DefaultSentMessageTTL
	}
	return &SentRegistry{
		ttl:     ttl,
		after:   realAfterFunc,
		ids:     make(map[string]*sentEntry),
		pending: exsync.NewSet[string](),
	}
}

// Register adds id with a fresh expiry. Registering an id that is already
// present changes nothing and returns false.
func (r *SentRegistry) Register(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.ids[id]; ok {
		return false
	}
	entry := &sentEntry{}
	r.ids[id] = entry
	entry.stop = r.after(r.ttl, func() { r.expire(id, entry) })
	return true
}

func (r *SentRegistry) expire(id string, entry *sentEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids[id] == entry {
		delete(r.ids, id)
	}
}

// Has reports whether id was sent locally and has not expired.
func (r *SentRegistry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// Consume removes id before its expiry. It returns false if id was absent.
func (r *SentRegistry) Consume(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ids[id]
	if !ok {
		return false
	}
	delete(r.ids, id)
	if entry.stop != nil {
		entry.stop()
	}
	return true
}

func (r *SentRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// MarkPending flags chatID as having a send in flight.
func (r *SentRegistry) MarkPending(chatID string) {
	r.pending.Add(NormalizeJID(chatID))
}

// ClearPending removes the in-flight flag for chatID.
func (r *SentRegistry) ClearPending(chatID string) {
	r.pending.Remove(NormalizeJID(chatID))
}

// HasPending reports whether chatID has a send in flight.
func (r *SentRegistry) HasPending(chatID string) bool {
	return r.pending.Has(NormalizeJID(chatID))
}

// Close cancels all expiry timers and drops every entry.
func (r *SentRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.ids {
		if entry.stop != nil {
			entry.stop()
		}
		delete(r.ids, id)
	}
	r.closed = true
}

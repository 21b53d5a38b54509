// Package stream coordinates generation runs with the SSE sessions that watch them.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/pkg/models"
)

// Key identifies one generation: a message within a conversation.
type Key struct {
	ConversationID string
	MessageID      string
}

// String returns "conversation/message".
func (k Key) String() string {
	return k.ConversationID + "/" + k.MessageID
}

// Pending is an accepted message whose generation waits for a stream to connect.
type Pending struct {
	Key         Key
	UserID      string
	Prompt      string
	Variant     models.APIVariant
	SubmittedAt time.Time
}

// PendingRegistry holds generations submitted before their stream connected.
// Each entry is consumed at most once by Take.
type PendingRegistry struct {
	mu      sync.Mutex
	entries map[Key]Pending
	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
}

// NewPendingRegistry creates a registry whose entries expire after ttl.
// A non-positive ttl disables expiry.
func NewPendingRegistry(ttl time.Duration, metrics *Metrics) *PendingRegistry {
	return &PendingRegistry{
		entries: make(map[Key]Pending),
		ttl:     ttl,
		now:     time.Now,
		metrics: metrics,
	}
}

// Register stores p, replacing any earlier entry for the same key.
func (r *PendingRegistry) Register(p Pending) {
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = r.now()
	}
	if p.Variant == "" {
		p.Variant = models.APIVariantStandard
	}

	r.mu.Lock()
	_, replaced := r.entries[p.Key]
	r.entries[p.Key] = p
	count := len(r.entries)
	r.mu.Unlock()

	if !replaced {
		r.metrics.pendingChanged(1)
	}
	log.Debug().
		Str("conversationId", p.Key.ConversationID).
		Str("messageId", p.Key.MessageID).
		Bool("replaced", replaced).
		Int("pending", count).
		Msg("Generation queued until stream connects")
}

// Take removes and returns the entry for key.
func (r *PendingRegistry) Take(key Key) (Pending, bool) {
	r.mu.Lock()
	p, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if ok {
		r.metrics.pendingChanged(-1)
	}
	return p, ok
}

// Discard removes the entry for key, if any.
func (r *PendingRegistry) Discard(key Key) {
	_, _ = r.Take(key)
}

// DiscardConversation removes every entry of a conversation and returns how many were dropped.
func (r *PendingRegistry) DiscardConversation(conversationID string) int {
	r.mu.Lock()
	removed := 0
	for key := range r.entries {
		if key.ConversationID == conversationID {
			delete(r.entries, key)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.metrics.pendingChanged(-int64(removed))
	}
	return removed
}

// Sweep drops entries older than the TTL and returns how many were dropped.
func (r *PendingRegistry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []Key
	for key, p := range r.entries {
		if p.SubmittedAt.Before(cutoff) {
			expired = append(expired, key)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, key := range expired {
		log.Info().
			Str("conversationId", key.ConversationID).
			Str("messageId", key.MessageID).
			Dur("ttl", r.ttl).
			Msg("Pending generation expired without a stream")
	}
	if len(expired) > 0 {
		r.metrics.pendingChanged(-int64(len(expired)))
	}
	return len(expired)
}

// Run sweeps expired entries every interval until ctx is done.
func (r *PendingRegistry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len returns the number of waiting entries.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

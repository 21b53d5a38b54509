package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/gamegen/pkg/models"
)

const (
	// WriteTimeout bounds a single write to an SSE client so a stale
	// connection cannot stall the generation relaying to it.
	WriteTimeout = 2 * time.Second

	// DefaultHeartbeat is the ping interval used when none is configured.
	DefaultHeartbeat = 30 * time.Second
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Session is one live SSE response bound to a Key.
type Session struct {
	Key       Key
	UserID    string
	CreatedAt time.Time

	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController

	mu    sync.Mutex
	alive bool
	done  chan struct{}
}

// Done is closed once the session is dead.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Alive reports whether writes are still accepted.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// write frames payload as one SSE data message. Writes are serialized and
// never happen after the session has been killed.
func (s *Session) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.alive {
		return errSessionDead
	}

	if err := s.rc.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	_ = s.rc.SetWriteDeadline(time.Time{})
	return nil
}

// kill marks the session dead and releases Done. Reports whether this call did it.
func (s *Session) kill() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.alive {
		return false
	}
	s.alive = false
	select {
	case <-s.done:
		// Already closed
	default:
		close(s.done)
	}
	return true
}

var errSessionDead = errors.New("session closed")

// Registry tracks at most one live session per key.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[Key]*Session
	heartbeat time.Duration
	metrics   *Metrics
	now       func() time.Time
}

// NewRegistry creates a session registry that pings every heartbeat.
func NewRegistry(heartbeat time.Duration, metrics *Metrics) *Registry {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Registry{
		sessions:  make(map[Key]*Session),
		heartbeat: heartbeat,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Open writes the SSE headers and the connected event to w, then publishes
// the session under key. A session already holding the key is closed: the
// newest connection owns it.
func (r *Registry) Open(w http.ResponseWriter, key Key, userID string) (*Session, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &Session{
		Key:       key,
		UserID:    userID,
		CreatedAt: r.now(),
		w:         w,
		flusher:   flusher,
		rc:        http.NewResponseController(w),
		alive:     true,
		done:      make(chan struct{}),
	}

	// connected precedes anything another goroutine may relay to the key.
	if err := r.writeTo(s, models.ConnectedEvent{ConversationID: key.ConversationID, MessageID: key.MessageID}); err != nil {
		s.kill()
		return nil, fmt.Errorf("write connected event: %w", err)
	}

	r.mu.Lock()
	previous := r.sessions[key]
	r.sessions[key] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if previous != nil {
		if previous.kill() {
			r.metrics.sessionsChanged(-1)
		}
		log.Info().
			Str("conversationId", key.ConversationID).
			Str("messageId", key.MessageID).
			Msg("Stream taken over by a newer connection")
	}
	r.metrics.sessionsChanged(1)

	log.Debug().
		Str("conversationId", key.ConversationID).
		Str("messageId", key.MessageID).
		Str("userId", userID).
		Int("totalSessions", count).
		Msg("SSE stream connected")

	return s, nil
}

// Get returns the live session for key.
func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok || !s.Alive() {
		return nil, false
	}
	return s, true
}

// Has reports whether key has a live session.
func (r *Registry) Has(key Key) bool {
	_, ok := r.Get(key)
	return ok
}

// Send relays ev to the session owning key. Delivery is best-effort: with no
// live session the event is dropped, and a failed write closes the session.
func (r *Registry) Send(key Key, ev models.Event) bool {
	s, ok := r.Get(key)
	if !ok {
		r.metrics.droppedEvent()
		log.Debug().
			Str("conversationId", key.ConversationID).
			Str("messageId", key.MessageID).
			Str("event", string(ev.Kind())).
			Msg("No live stream, event dropped")
		return false
	}
	return r.SendTo(s, ev)
}

// SendTo writes ev to a specific session regardless of who owns its key now.
func (r *Registry) SendTo(s *Session, ev models.Event) bool {
	if err := r.writeTo(s, ev); err != nil {
		if !errors.Is(err, errSessionDead) {
			log.Debug().
				Err(err).
				Str("conversationId", s.Key.ConversationID).
				Str("messageId", s.Key.MessageID).
				Msg("Failed to write to SSE client, removing")
		}
		r.CloseSession(s)
		return false
	}
	return true
}

func (r *Registry) writeTo(s *Session, ev models.Event) error {
	payload, err := models.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode SSE event")
		return err
	}
	return s.write(payload)
}

// Close kills and removes whichever session owns key.
func (r *Registry) Close(key Key) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		r.release(s)
	}
}

// CloseSession kills s and removes it if it still owns its key. A successor
// that took the key over is left alone.
func (r *Registry) CloseSession(s *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.Key]; ok && current == s {
		delete(r.sessions, s.Key)
	}
	r.mu.Unlock()

	r.release(s)
}

// CloseConversation closes every session of a conversation.
func (r *Registry) CloseConversation(conversationID string) int {
	r.mu.Lock()
	var closing []*Session
	for key, s := range r.sessions {
		if key.ConversationID == conversationID {
			closing = append(closing, s)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, s := range closing {
		_ = r.writeTo(s, models.EndEvent{})
		r.release(s)
	}
	return len(closing)
}

// CloseAll ends and closes every session, for shutdown.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	closing := make([]*Session, 0, len(r.sessions))
	for key, s := range r.sessions {
		closing = append(closing, s)
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	for _, s := range closing {
		_ = r.writeTo(s, models.EndEvent{})
		r.release(s)
	}
	return len(closing)
}

func (r *Registry) release(s *Session) {
	if !s.kill() {
		return
	}
	r.metrics.sessionsChanged(-1)

	r.mu.RLock()
	count := len(r.sessions)
	r.mu.RUnlock()

	log.Debug().
		Str("conversationId", s.Key.ConversationID).
		Str("messageId", s.Key.MessageID).
		Int("totalSessions", count).
		Msg("SSE stream closed")
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Hold keeps s open, pinging every heartbeat interval, until ctx is done or
// the session is closed. It reports whether the session was still alive
// when ctx ended, i.e. the client went away on its own.
func (r *Registry) Hold(ctx context.Context, s *Session) bool {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.Done():
			return false
		case <-ctx.Done():
			return s.Alive()
		case <-ticker.C:
			if !r.SendTo(s, models.PingEvent{Timestamp: r.now().UnixMilli()}) {
				return false
			}
		}
	}
}

package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thebtf/gamegen/internal/generator"
	"github.com/thebtf/gamegen/pkg/models"
)

// DefaultStartDelay separates the connected event from generation_started.
const DefaultStartDelay = 500 * time.Millisecond

// DisconnectPolicy decides what happens to a running generation whose stream goes away.
type DisconnectPolicy int

const (
	// FireAndForget keeps generating after the client leaves; results are still persisted.
	FireAndForget DisconnectPolicy = iota
	// CancelOnDisconnect stops the generation once no stream watches it.
	CancelOnDisconnect
)

func (p DisconnectPolicy) String() string {
	if p == CancelOnDisconnect {
		return "cancel"
	}
	return "fire-and-forget"
}

// Source starts generations.
type Source interface {
	Generate(ctx context.Context, req generator.Request) (*generator.Stream, error)
}

// Run describes one generation handed to consumers.
type Run struct {
	Key       Key
	UserID    string
	Prompt    string
	Variant   models.APIVariant
	StartedAt time.Time
}

// Consumer observes every event of one run, in production order, from a
// single goroutine.
type Consumer interface {
	Consume(ev models.Event)
}

// ConsumerFactory builds the per-run consumers (persistence, auditing).
type ConsumerFactory func(run Run) Consumer

// Options configures a Coordinator.
type Options struct {
	StartDelay time.Duration
	Policy     DisconnectPolicy
	Consumers  []ConsumerFactory
	Metrics    *Metrics
	// PreviewURL fills generation_complete events the provider left without one.
	PreviewURL func(key Key) string
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	// discarded runs belong to a deleted conversation; consumers see nothing more.
	discarded atomic.Bool
}

// Coordinator moves each key through
// NoSession -> Connected(waiting) -> Generating -> Terminal.
type Coordinator struct {
	pending  *PendingRegistry
	sessions *Registry
	source   Source
	opts     Options
	tracer   trace.Tracer

	baseCtx context.Context

	mu      sync.Mutex
	running map[Key]*activeRun
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator. Generations run on baseCtx, not on
// any request context, so they outlive the stream that started them.
func NewCoordinator(baseCtx context.Context, pending *PendingRegistry, sessions *Registry, source Source, opts Options) *Coordinator {
	if opts.StartDelay < 0 {
		opts.StartDelay = 0
	}
	return &Coordinator{
		pending:  pending,
		sessions: sessions,
		source:   source,
		opts:     opts,
		tracer:   otel.Tracer(instrumentationName),
		baseCtx:  baseCtx,
		running:  make(map[Key]*activeRun),
	}
}

// Pending returns the pending registry.
func (c *Coordinator) Pending() *PendingRegistry { return c.pending }

// Sessions returns the session registry.
func (c *Coordinator) Sessions() *Registry { return c.sessions }

// Submit hands an accepted message to the coordinator. With a stream already
// open for the key generation starts at once; otherwise it waits for Connect.
func (c *Coordinator) Submit(p Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions.Has(p.Key) {
		if p.SubmittedAt.IsZero() {
			p.SubmittedAt = time.Now()
		}
		if p.Variant == "" {
			p.Variant = models.APIVariantStandard
		}
		c.startLocked(p)
		return
	}
	c.pending.Register(p)
}

// ConnectState is the state a key is in right after a stream connects.
type ConnectState int

const (
	// StateWaiting means nothing has been submitted for the key yet.
	StateWaiting ConnectState = iota
	// StateGenerating means a generation was started or is already running.
	StateGenerating
)

// Connect runs the connect transition for a freshly opened session.
func (c *Coordinator) Connect(s *Session) ConnectState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending.Take(s.Key); ok {
		c.startLocked(p)
		return StateGenerating
	}

	if _, ok := c.running[s.Key]; ok {
		c.sessions.SendTo(s, models.GenerationStartedEvent{Message: "Generation in progress"})
		return StateGenerating
	}
	c.sessions.SendTo(s, models.WaitingEvent{Message: "Waiting for generation to start"})
	return StateWaiting
}

// Disconnect removes a session whose client went away. A running generation
// is kept or cancelled per the disconnect policy.
func (c *Coordinator) Disconnect(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions.CloseSession(s)
	if c.sessions.Has(s.Key) {
		// A newer stream owns the key.
		return
	}
	c.pending.Discard(s.Key)

	run, ok := c.running[s.Key]
	if !ok {
		return
	}
	log.Info().
		Str("conversationId", s.Key.ConversationID).
		Str("messageId", s.Key.MessageID).
		Str("policy", c.opts.Policy.String()).
		Msg("Client disconnected during generation")
	if c.opts.Policy == CancelOnDisconnect {
		run.cancel()
	}
}

// DiscardConversation drops pending entries, closes streams and cancels
// generations of a conversation being deleted, then waits until the cancelled
// generations have stopped. Events they still produce are not persisted.
func (c *Coordinator) DiscardConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	dropped := c.pending.DiscardConversation(conversationID)
	closed := c.sessions.CloseConversation(conversationID)
	var stopping []<-chan struct{}
	for key, run := range c.running {
		if key.ConversationID == conversationID {
			run.discarded.Store(true)
			run.cancel()
			stopping = append(stopping, run.done)
		}
	}
	c.mu.Unlock()

	log.Info().
		Str("conversationId", conversationID).
		Int("pendingDropped", dropped).
		Int("streamsClosed", closed).
		Int("generationsCancelled", len(stopping)).
		Msg("Conversation discarded")

	for _, done := range stopping {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running reports whether key has a generation in flight.
func (c *Coordinator) Running(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[key]
	return ok
}

// Wait blocks until every started generation has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// startLocked launches a generation for p. Callers hold c.mu.
func (c *Coordinator) startLocked(p Pending) {
	if _, ok := c.running[p.Key]; ok {
		log.Warn().
			Str("conversationId", p.Key.ConversationID).
			Str("messageId", p.Key.MessageID).
			Msg("Generation already running, duplicate start ignored")
		return
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	active := &activeRun{cancel: cancel, done: make(chan struct{})}
	c.running[p.Key] = active
	c.wg.Add(1)

	run := Run{
		Key:       p.Key,
		UserID:    p.UserID,
		Prompt:    p.Prompt,
		Variant:   p.Variant,
		StartedAt: time.Now(),
	}
	go func() {
		defer c.wg.Done()
		defer close(active.done)
		defer cancel()
		c.generate(ctx, run, active)
	}()
}

// generate drives one run from start delay to the terminal sequence.
func (c *Coordinator) generate(ctx context.Context, run Run, active *activeRun) {
	ctx, span := c.tracer.Start(ctx, "stream.generate", trace.WithAttributes(
		attribute.String("conversation.id", run.Key.ConversationID),
		attribute.String("message.id", run.Key.MessageID),
	))
	defer span.End()

	logger := log.With().
		Str("conversationId", run.Key.ConversationID).
		Str("messageId", run.Key.MessageID).
		Logger()

	// Persist before relaying so a client that sees the terminal event can
	// already read the stored version.
	var consumers []Consumer
	for _, factory := range c.opts.Consumers {
		if consumer := factory(run); consumer != nil {
			consumers = append(consumers, consumer)
		}
	}
	relayed := relay{sessions: c.sessions, key: run.Key, previewURL: c.opts.PreviewURL}
	emit := func(ev models.Event) {
		if !active.discarded.Load() {
			for _, consumer := range consumers {
				consumer.Consume(ev)
			}
		}
		relayed.Consume(ev)
	}

	terminal := c.produce(ctx, run, emit)

	outcome := "completed"
	if errEv, ok := terminal.(models.ErrorEvent); ok {
		outcome = "error"
		span.SetStatus(codes.Error, errEv.Error)
		logger.Warn().Str("error", errEv.Error).Str("details", errEv.Details).Msg("Generation failed")
	} else {
		logger.Info().Dur("duration", time.Since(run.StartedAt)).Msg("Generation completed")
	}
	c.opts.Metrics.generation(outcome)

	c.finish(run.Key)
}

// produce emits the run's events and returns the terminal one.
func (c *Coordinator) produce(ctx context.Context, run Run, emit func(models.Event)) models.Event {
	fail := func(msg string, err error) models.Event {
		ev := models.ErrorEvent{Error: msg}
		if err != nil {
			ev.Details = err.Error()
		}
		emit(ev)
		return ev
	}

	if c.opts.StartDelay > 0 {
		timer := time.NewTimer(c.opts.StartDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fail("Generation cancelled", ctx.Err())
		}
	}

	emit(models.GenerationStartedEvent{Message: "Starting game generation"})

	events, err := c.source.Generate(ctx, generator.Request{
		Prompt:   run.Prompt,
		TargetID: run.Key.ConversationID,
		Variant:  run.Variant,
	})
	if err != nil {
		return fail("Failed to start generation", err)
	}
	defer events.Close()

	for {
		ev, ok := events.Next()
		if !ok {
			return fail("Generation ended unexpectedly", ctx.Err())
		}
		emit(ev)
		if models.IsTerminal(ev) {
			return ev
		}
	}
}

// finish runs the terminal sequence exactly once: end, close, remove.
func (c *Coordinator) finish(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions.Send(key, models.EndEvent{})
	c.sessions.Close(key)
	c.pending.Discard(key)
	delete(c.running, key)
}

// relay forwards run events to whichever stream owns the key.
type relay struct {
	sessions   *Registry
	key        Key
	previewURL func(Key) string
}

func (r relay) Consume(ev models.Event) {
	if complete, ok := ev.(models.CompleteEvent); ok && complete.PreviewURL == "" && r.previewURL != nil {
		complete.PreviewURL = r.previewURL(r.key)
		ev = complete
	}
	r.sessions.Send(r.key, ev)
}

package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/gamegen/internal/generator"
	"github.com/thebtf/gamegen/pkg/models"
)

// fakeSource serves canned provider bodies keyed by prompt.
type fakeSource struct {
	mu     sync.Mutex
	bodies map[string]io.ReadCloser
	err    error
	calls  []generator.Request
}

func newFakeSource() *fakeSource {
	return &fakeSource{bodies: make(map[string]io.ReadCloser)}
}

func (f *fakeSource) set(prompt, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[prompt] = io.NopCloser(strings.NewReader(body))
}

// pipe returns a writer feeding the body for prompt.
func (f *fakeSource) pipe(prompt string) *io.PipeWriter {
	pr, pw := io.Pipe()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[prompt] = pr
	return pw
}

func (f *fakeSource) Generate(ctx context.Context, req generator.Request) (*generator.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.bodies[req.Prompt]
	if !ok {
		return nil, errors.New("no canned body")
	}
	// Piped bodies end with the request context, like an HTTP response body.
	if pr, ok := body.(*io.PipeReader); ok {
		context.AfterFunc(ctx, func() { _ = pr.CloseWithError(ctx.Err()) })
	}
	return generator.NewStream(body), nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// eventLog is a consumer that records everything it sees.
type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) Consume(ev models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []models.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind())
	}
	return out
}

const (
	happyBody = `data: {"step":1,"totalSteps":2,"stepName":"plan"}` + "\n\n" +
		`data: {"filename":"index.html","content":"<html></html>"}` + "\n\n" +
		`data: {"files":[{"filename":"index.html","content":"<html></html>"}],"liveUrl":"https://live.example/p1"}` + "\n\n"
	errorBody = `data: {"error":"provider exploded"}` + "\n\n"
)

// CoordinatorSuite drives the coordinator through a real HTTP server.
type CoordinatorSuite struct {
	suite.Suite
	ctx      context.Context
	cancel   context.CancelFunc
	source   *fakeSource
	pending  *PendingRegistry
	sessions *Registry
	coord    *Coordinator
	log      *eventLog
	server   *httptest.Server
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.source = newFakeSource()
	s.pending = NewPendingRegistry(time.Minute, nil)
	s.sessions = NewRegistry(time.Hour, nil)
	s.log = &eventLog{}
	s.coord = NewCoordinator(s.ctx, s.pending, s.sessions, s.source, Options{
		Consumers:  []ConsumerFactory{func(Run) Consumer { return s.log }},
		PreviewURL: func(k Key) string { return "/preview/" + k.MessageID },
	})
}

// startServer serves streams for the suite. It runs on first connect so
// tests can adjust options beforehand.
func (s *CoordinatorSuite) startServer() {
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := Key{ConversationID: r.URL.Query().Get("c"), MessageID: r.URL.Query().Get("m")}
		sess, err := s.sessions.Open(w, key, "user-1")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.coord.Connect(sess)
		s.sessions.Hold(r.Context(), sess)
		s.coord.Disconnect(sess)
	}))
}

func (s *CoordinatorSuite) TearDownTest() {
	if s.server != nil {
		s.server.CloseClientConnections()
		s.server.Close()
		s.server = nil
	}
	s.cancel()
	s.coord.Wait()
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

type sseClient struct {
	events <-chan map[string]interface{}
	cancel context.CancelFunc
}

// connect opens a stream and decodes its events until the server closes it.
func (s *CoordinatorSuite) connect(conversationID, messageID string) *sseClient {
	if s.server == nil {
		s.startServer()
	}
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/?c="+conversationID+"&m="+messageID, nil)
	s.Require().NoError(err)

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	out := make(chan map[string]interface{}, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev map[string]interface{}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err == nil {
				out <- ev
			}
		}
	}()
	return &sseClient{events: out, cancel: cancel}
}

// next returns the next event, or nil once the stream closed.
func (s *CoordinatorSuite) next(c *sseClient) map[string]interface{} {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return nil
		}
		return ev
	case <-time.After(3 * time.Second):
		s.FailNow("timed out waiting for event")
		return nil
	}
}

// collect reads every event until the server closes the stream.
func (s *CoordinatorSuite) collect(c *sseClient) []string {
	var types []string
	for {
		ev := s.next(c)
		if ev == nil {
			return types
		}
		types = append(types, ev["type"].(string))
	}
}

func (s *CoordinatorSuite) TestSubmitBeforeConnect() {
	s.source.set("Build a platformer", happyBody)
	key := Key{ConversationID: "C1", MessageID: "M1"}

	s.coord.Submit(Pending{Key: key, Prompt: "Build a platformer"})
	s.Equal(1, s.pending.Len())
	s.Equal(0, s.source.callCount())

	client := s.connect("C1", "M1")
	first := s.next(client)
	s.Equal("connected", first["type"])
	s.Equal("C1", first["conversationId"])

	s.Equal([]string{"generation_started", "progress", "file_generated", "generation_complete", "end"}, s.collect(client))

	s.coord.Wait()
	s.Equal(0, s.pending.Len())
	s.Equal(0, s.sessions.Count())
	s.False(s.coord.Running(key))

	s.Require().Equal(1, s.source.callCount())
	s.Equal("C1", s.source.calls[0].TargetID)
	s.Equal(models.APIVariantStandard, s.source.calls[0].Variant)

	s.Equal([]models.EventKind{
		models.EventGenerationStarted, models.EventProgress, models.EventFileGenerated, models.EventComplete,
	}, s.log.kinds())
}

func (s *CoordinatorSuite) TestConnectThenSubmit() {
	s.source.set("make pong", happyBody)

	client := s.connect("C1", "M2")
	s.Equal("connected", s.next(client)["type"])
	s.Equal("waiting", s.next(client)["type"])
	s.Equal(0, s.pending.Len())

	s.coord.Submit(Pending{Key: Key{ConversationID: "C1", MessageID: "M2"}, Prompt: "make pong"})
	s.Equal(0, s.pending.Len(), "live stream starts generation without queueing")

	types := s.collect(client)
	s.Equal("generation_started", types[0])
	s.Equal("end", types[len(types)-1])
}

func (s *CoordinatorSuite) TestCompleteCarriesPreviewURL() {
	s.source.set("p", happyBody)
	s.coord.Submit(Pending{Key: Key{ConversationID: "C1", MessageID: "M3"}, Prompt: "p"})

	client := s.connect("C1", "M3")
	for {
		ev := s.next(client)
		s.Require().NotNil(ev)
		if ev["type"] == "generation_complete" {
			s.Equal("/preview/M3", ev["previewUrl"])
			s.Equal("https://live.example/p1", ev["liveUrl"])
			s.Equal(float64(1), ev["filesCount"])
			s.NotContains(ev, "files")
			return
		}
	}
}

func (s *CoordinatorSuite) TestProviderErrorEvent() {
	s.source.set("bad", errorBody)
	s.coord.Submit(Pending{Key: Key{ConversationID: "C1", MessageID: "M4"}, Prompt: "bad"})

	client := s.connect("C1", "M4")
	s.Equal([]string{"connected", "generation_started", "error", "end"}, s.collect(client))

	s.coord.Wait()
	s.Equal(0, s.sessions.Count())
	s.Equal(0, s.pending.Len())
}

func (s *CoordinatorSuite) TestProviderUnreachable() {
	s.source.err = errors.New("dial tcp: connection refused")
	s.coord.Submit(Pending{Key: Key{ConversationID: "C1", MessageID: "M5"}, Prompt: "x"})

	client := s.connect("C1", "M5")
	var errEv map[string]interface{}
	for ev := s.next(client); ev != nil; ev = s.next(client) {
		if ev["type"] == "error" {
			errEv = ev
		}
	}
	s.Require().NotNil(errEv)
	s.Equal("Failed to start generation", errEv["error"])
	s.Contains(errEv["details"], "connection refused")
}

func (s *CoordinatorSuite) TestDisconnectKeepsGenerating() {
	writer := s.source.pipe("slow")
	key := Key{ConversationID: "C1", MessageID: "M6"}
	s.coord.Submit(Pending{Key: key, Prompt: "slow"})

	client := s.connect("C1", "M6")
	s.Equal("connected", s.next(client)["type"])
	s.Equal("generation_started", s.next(client)["type"])

	client.cancel()
	s.Eventually(func() bool { return s.sessions.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
	s.True(s.coord.Running(key), "fire-and-forget keeps the run alive")

	_, err := io.WriteString(writer, happyBody)
	s.Require().NoError(err)
	s.Require().NoError(writer.Close())

	s.coord.Wait()
	kinds := s.log.kinds()
	s.Equal(models.EventComplete, kinds[len(kinds)-1])
	s.False(s.coord.Running(key))
}

func (s *CoordinatorSuite) TestCancelOnDisconnectPolicy() {
	s.coord.opts.Policy = CancelOnDisconnect
	writer := s.source.pipe("slow")
	defer writer.Close()
	key := Key{ConversationID: "C1", MessageID: "M7"}
	s.coord.Submit(Pending{Key: key, Prompt: "slow"})

	client := s.connect("C1", "M7")
	s.Equal("connected", s.next(client)["type"])
	s.Equal("generation_started", s.next(client)["type"])

	client.cancel()
	s.Eventually(func() bool { return s.sessions.Count() == 0 }, 3*time.Second, 10*time.Millisecond)

	s.coord.Wait()
	kinds := s.log.kinds()
	s.Equal(models.EventError, kinds[len(kinds)-1])
}

func (s *CoordinatorSuite) TestTakeover() {
	writer := s.source.pipe("slow")
	s.coord.Submit(Pending{Key: Key{ConversationID: "C1", MessageID: "M8"}, Prompt: "slow"})

	first := s.connect("C1", "M8")
	s.Equal("connected", s.next(first)["type"])
	s.Equal("generation_started", s.next(first)["type"])

	second := s.connect("C1", "M8")
	s.Equal("connected", s.next(second)["type"])
	s.Equal("generation_started", s.next(second)["type"])

	// The earlier stream is released by the takeover.
	s.Empty(s.collect(first))
	s.Equal(1, s.sessions.Count())

	_, err := io.WriteString(writer, happyBody)
	s.Require().NoError(err)
	s.Require().NoError(writer.Close())

	types := s.collect(second)
	s.Equal("end", types[len(types)-1])
	s.Equal(1, s.source.callCount(), "takeover never starts a second generation")
}

func (s *CoordinatorSuite) TestDuplicateStartIgnored() {
	writer := s.source.pipe("slow")
	key := Key{ConversationID: "C1", MessageID: "M9"}

	client := s.connect("C1", "M9")
	s.Equal("connected", s.next(client)["type"])
	s.Equal("waiting", s.next(client)["type"])

	s.coord.Submit(Pending{Key: key, Prompt: "slow"})
	s.Eventually(func() bool { return s.source.callCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	s.coord.Submit(Pending{Key: key, Prompt: "slow"})

	_, err := io.WriteString(writer, errorBody)
	s.Require().NoError(err)
	s.Require().NoError(writer.Close())
	s.coord.Wait()

	s.Equal(1, s.source.callCount())
}

func (s *CoordinatorSuite) TestDiscardConversation() {
	s.coord.Submit(Pending{Key: Key{ConversationID: "C2", MessageID: "A"}, Prompt: "x"})
	client := s.connect("C3", "B")
	s.Equal("connected", s.next(client)["type"])
	s.Equal("waiting", s.next(client)["type"])

	s.NoError(s.coord.DiscardConversation(context.Background(), "C2"))
	s.NoError(s.coord.DiscardConversation(context.Background(), "C3"))

	s.Equal(0, s.pending.Len())
	s.Equal([]string{"end"}, s.collect(client))
	s.Equal(0, s.sessions.Count())
}

func (s *CoordinatorSuite) TestDiscardConversationStopsConsumers() {
	writer := s.source.pipe("slow")
	defer writer.Close()
	key := Key{ConversationID: "C4", MessageID: "M1"}
	s.coord.Submit(Pending{Key: key, Prompt: "slow"})

	client := s.connect("C4", "M1")
	s.Equal("connected", s.next(client)["type"])
	s.Equal("generation_started", s.next(client)["type"])

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Require().NoError(s.coord.DiscardConversation(ctx, "C4"))

	// The run has stopped and its cancellation error reached no consumer.
	s.False(s.coord.Running(key))
	s.Equal([]models.EventKind{models.EventGenerationStarted}, s.log.kinds())
	s.Equal([]string{"end"}, s.collect(client))
}

func (s *CoordinatorSuite) TestHeartbeat() {
	s.sessions.heartbeat = 20 * time.Millisecond

	client := s.connect("C1", "M10")
	s.Equal("connected", s.next(client)["type"])
	s.Equal("waiting", s.next(client)["type"])

	ping := s.next(client)
	s.Equal("ping", ping["type"])
	s.Greater(ping["timestamp"], float64(0))
}

func (s *CoordinatorSuite) TestStartDelay() {
	s.coord.opts.StartDelay = 50 * time.Millisecond
	s.source.set("p", errorBody)
	s.coord.Submit(Pending{Key: Key{ConversationID: "C1", MessageID: "M11"}, Prompt: "p"})

	start := time.Now()
	client := s.connect("C1", "M11")
	s.Equal("connected", s.next(client)["type"])
	s.Equal("generation_started", s.next(client)["type"])
	s.GreaterOrEqual(time.Since(start), 50*time.Millisecond)
}

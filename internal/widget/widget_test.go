package widget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hakichat/internal/chat"
	"hakichat/internal/metrics"
	"hakichat/internal/transport"
)

type fakeGenerator struct {
	chunks  []string
	openErr error
	recvErr error

	mu       sync.Mutex
	messages []string
	history  [][]chat.Message
}

func (g *fakeGenerator) Generate(ctx context.Context, message string, history []chat.Message) (transport.ChunkStream, error) {
	g.mu.Lock()
	g.messages = append(g.messages, message)
	g.history = append(g.history, history)
	g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	return &failingStream{chunks: append([]string(nil), g.chunks...), err: g.recvErr}, nil
}

type failingStream struct {
	chunks []string
	err    error
}

func (s *failingStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *failingStream) Close() error { return nil }

// blockingGenerator yields one chunk and then waits for the context.
type blockingGenerator struct {
	started chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, message string, history []chat.Message) (transport.ChunkStream, error) {
	return &blockingStream{ctx: ctx, started: g.started}, nil
}

type blockingStream struct {
	ctx     context.Context
	started chan struct{}
	sent    bool
}

func (s *blockingStream) Recv() (string, error) {
	if !s.sent {
		s.sent = true
		close(s.started)
		return "partial", nil
	}
	<-s.ctx.Done()
	return "", s.ctx.Err()
}

func (s *blockingStream) Close() error { return nil }

type memoryHistory struct {
	mu        sync.Mutex
	nextID    int
	sessions  map[string]chat.Session
	messages  map[string][]chat.Message
	prefs     map[string]bool
	createErr error
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{
		sessions: map[string]chat.Session{},
		messages: map[string][]chat.Message{},
		prefs:    map[string]bool{},
	}
}

func (h *memoryHistory) CreateSession(ctx context.Context, title, userID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return "", h.createErr
	}
	h.nextID++
	id := fmt.Sprintf("s%d", h.nextID)
	h.sessions[id] = chat.Session{ID: id, Title: title, UserID: userID}
	return id, nil
}

func (h *memoryHistory) SaveMessage(ctx context.Context, sessionID string, msg chat.Message, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; !ok || s.UserID != userID {
		return errors.New("not found")
	}
	h.messages[sessionID] = append(h.messages[sessionID], msg)
	return nil
}

func (h *memoryHistory) LoadSession(ctx context.Context, sessionID, userID string) []chat.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; !ok || s.UserID != userID {
		return []chat.Message{}
	}
	return append([]chat.Message(nil), h.messages[sessionID]...)
}

func (h *memoryHistory) GetUserSessions(ctx context.Context, userID string) []chat.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []chat.Session{}
	for _, s := range h.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

func (h *memoryHistory) DeleteSession(ctx context.Context, sessionID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok && s.UserID == userID {
		delete(h.sessions, sessionID)
		delete(h.messages, sessionID)
	}
	return nil
}

func (h *memoryHistory) ExportChatSession(ctx context.Context, sessionID, userID string) (string, error) {
	return `{"id":"` + sessionID + `"}`, nil
}

func (h *memoryHistory) GetAutoScrollPreference(ctx context.Context, sessionID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.prefs[sessionID]
	if !ok {
		return true
	}
	return v
}

func (h *memoryHistory) SetAutoScrollPreference(ctx context.Context, sessionID, userID string, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prefs[sessionID] = enabled
	return nil
}

func (h *memoryHistory) saved(sessionID string) []chat.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chat.Message(nil), h.messages[sessionID]...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestWidget(gen transport.Generator, hist History, userID string, obs Observer) *Widget {
	return New(Config{
		Generator: gen,
		History:   hist,
		Logger:    zerolog.Nop(),
		Metrics:   metrics.New(),
		UserID:    userID,
		Observer:  obs,
	})
}

func TestStreamingConcatenation(t *testing.T) {
	rec := &recorder{}
	w := newTestWidget(&fakeGenerator{chunks: []string{"Hel", "lo, ", "world"}}, nil, "", rec.observe)

	reply, err := w.Submit(context.Background(), "hi")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if reply.Content != "Hello, world" || reply.Failed {
		t.Fatalf("unexpected reply %+v", reply)
	}

	msgs := w.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected greeting, user and assistant messages, got %d", len(msgs))
	}
	if !chat.IsGreeting(msgs[0]) || msgs[1].Content != "hi" || msgs[2].Content != "Hello, world" {
		t.Fatalf("unexpected conversation %+v", msgs)
	}

	updates := rec.kinds(EventMessageUpdated)
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	want := []string{"Hel", "Hello, ", "Hello, world"}
	for i, ev := range updates {
		if ev.Message.Content != want[i] {
			t.Fatalf("update %d: expected running total %q, got %q", i, want[i], ev.Message.Content)
		}
	}
	if st := w.State(); st.Loading || st.Streaming {
		t.Fatalf("expected idle state after reply, got %+v", st)
	}
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	w := newTestWidget(&fakeGenerator{}, nil, "", nil)
	if _, err := w.Submit(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if len(w.Messages()) != 1 {
		t.Fatalf("empty input must not add messages")
	}
}

func TestSubmitWhileBusy(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{})}
	w := newTestWidget(gen, nil, "", nil)

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(context.Background(), "first")
		done <- err
	}()
	<-gen.started

	if _, err := w.Submit(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	w.Close()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled submit, got %v", err)
	}
}

func TestCloseDiscardsPartialReply(t *testing.T) {
	hist := newMemoryHistory()
	gen := &blockingGenerator{started: make(chan struct{})}
	w := newTestWidget(gen, hist, "u1", nil)

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(context.Background(), "question")
		done <- err
	}()
	<-gen.started
	w.Close()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	for _, m := range w.Messages() {
		if m.Role == chat.RoleAssistant && !chat.IsGreeting(m) {
			t.Fatalf("partial reply should be discarded, found %+v", m)
		}
	}
	saved := hist.saved(w.SessionID())
	if len(saved) != 1 || saved[0].Role != chat.RoleUser {
		t.Fatalf("expected only the user message persisted, got %+v", saved)
	}
	if w.State().Open {
		t.Fatalf("expected widget closed")
	}
}

func TestTransportErrorUsesFallback(t *testing.T) {
	cases := []struct {
		name string
		gen  *fakeGenerator
	}{
		{name: "open error", gen: &fakeGenerator{openErr: &transport.StatusError{Code: 500}}},
		{name: "mid-stream error", gen: &fakeGenerator{chunks: []string{"Par"}, recvErr: errors.New("connection reset")}},
		{name: "empty reply", gen: &fakeGenerator{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hist := newMemoryHistory()
			w := newTestWidget(tc.gen, hist, "u1", nil)

			reply, err := w.Submit(context.Background(), "hello")
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if reply.Content != transport.FallbackReply || !reply.Failed {
				t.Fatalf("expected fallback reply, got %+v", reply)
			}
			msgs := w.Messages()
			last := msgs[len(msgs)-1]
			if last.Content != transport.FallbackReply {
				t.Fatalf("expected fallback as last message, got %+v", last)
			}
			assistants := 0
			for _, m := range msgs {
				if m.Role == chat.RoleAssistant && !chat.IsGreeting(m) {
					assistants++
				}
			}
			if assistants != 1 {
				t.Fatalf("expected one assistant reply, got %d", assistants)
			}
			saved := hist.saved(w.SessionID())
			if len(saved) != 2 || saved[1].Content != transport.FallbackReply {
				t.Fatalf("expected fallback persisted, got %+v", saved)
			}
		})
	}
}

func TestAuthenticatedSendCreatesSession(t *testing.T) {
	hist := newMemoryHistory()
	rec := &recorder{}
	long := strings.Repeat("a", 80)
	w := newTestWidget(&fakeGenerator{chunks: []string{"ok"}}, hist, "u1", rec.observe)

	if _, err := w.Submit(context.Background(), long); err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := w.SessionID()
	if id == "" {
		t.Fatalf("expected a session to be created")
	}
	if title := hist.sessions[id].Title; len([]rune(title)) != 50 {
		t.Fatalf("expected 50-rune title, got %d", len([]rune(title)))
	}
	if len(rec.kinds(EventSessionChanged)) != 1 {
		t.Fatalf("expected one session change event")
	}
	saved := hist.saved(id)
	if len(saved) != 2 || saved[0].Role != chat.RoleUser || saved[1].Content != "ok" {
		t.Fatalf("unexpected persisted messages %+v", saved)
	}
	for _, m := range saved {
		if chat.IsGreeting(m) {
			t.Fatalf("greeting must never be persisted")
		}
	}

	if _, err := w.Submit(context.Background(), "again"); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if w.SessionID() != id || len(hist.sessions) != 1 {
		t.Fatalf("second send must reuse the session")
	}
}

func TestAnonymousSendDoesNotPersist(t *testing.T) {
	hist := newMemoryHistory()
	w := newTestWidget(&fakeGenerator{chunks: []string{"ok"}}, hist, "", nil)
	if _, err := w.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if w.SessionID() != "" || len(hist.sessions) != 0 {
		t.Fatalf("anonymous users must not get sessions")
	}
	if err := w.LoadSession(context.Background(), "s1"); !errors.Is(err, ErrAnonymous) {
		t.Fatalf("expected ErrAnonymous, got %v", err)
	}
}

func TestGeneratorReceivesPriorHistory(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"ok"}}
	w := newTestWidget(gen, nil, "", nil)
	if _, err := w.Submit(context.Background(), "one"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := w.Submit(context.Background(), "two"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h := gen.history[1]
	if len(h) != 3 || h[1].Content != "one" || h[2].Content != "ok" {
		t.Fatalf("unexpected history passed to generator: %+v", h)
	}
	if gen.messages[1] != "two" {
		t.Fatalf("unexpected message %q", gen.messages[1])
	}
}

func TestLoadSessionAndNewChat(t *testing.T) {
	ctx := context.Background()
	hist := newMemoryHistory()
	id, _ := hist.CreateSession(ctx, "Tenancy", "u1")
	_ = hist.SaveMessage(ctx, id, chat.Message{ID: "a", Role: chat.RoleUser, Content: "q"}, "u1")
	_ = hist.SaveMessage(ctx, id, chat.Message{ID: "b", Role: chat.RoleAssistant, Content: "a"}, "u1")
	_ = hist.SetAutoScrollPreference(ctx, id, "u1", false)
	empty, _ := hist.CreateSession(ctx, "Empty", "u1")

	w := newTestWidget(&fakeGenerator{}, hist, "u1", nil)
	if err := w.LoadSession(ctx, id); err != nil {
		t.Fatalf("load session: %v", err)
	}
	if msgs := w.Messages(); len(msgs) != 2 || msgs[0].ID != "a" {
		t.Fatalf("unexpected loaded messages %+v", msgs)
	}
	if w.State().AutoScroll {
		t.Fatalf("expected stored auto-scroll preference to apply")
	}

	if err := w.LoadSession(ctx, empty); err != nil {
		t.Fatalf("load empty session: %v", err)
	}
	if msgs := w.Messages(); len(msgs) != 1 || !chat.IsGreeting(msgs[0]) {
		t.Fatalf("empty session should show the greeting, got %+v", msgs)
	}

	if err := w.NewChat(); err != nil {
		t.Fatalf("new chat: %v", err)
	}
	if w.SessionID() != "" || len(w.Messages()) != 1 {
		t.Fatalf("new chat should reset to the greeting")
	}
}

func TestDeleteCurrentSessionResets(t *testing.T) {
	ctx := context.Background()
	hist := newMemoryHistory()
	w := newTestWidget(&fakeGenerator{chunks: []string{"ok"}}, hist, "u1", nil)
	if _, err := w.Submit(ctx, "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := w.SessionID()
	w.RefreshSessions(ctx)

	if err := w.DeleteSession(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if w.SessionID() != "" || len(w.Sessions()) != 0 {
		t.Fatalf("expected reset after deleting current session")
	}
	if err := w.DeleteSession(ctx, id); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestTogglesAndSuggestions(t *testing.T) {
	w := newTestWidget(&fakeGenerator{}, newMemoryHistory(), "u1", nil)
	w.Open()
	w.ToggleMinimize()
	if st := w.State(); !st.Open || !st.Minimized {
		t.Fatalf("unexpected state %+v", st)
	}
	if !w.ToggleHistory(context.Background()) || !w.State().HistoryShown {
		t.Fatalf("expected history panel shown")
	}
	w.SetInput("divorce")
	if s := w.Suggestions(); len(s) == 0 || s[0] != "How do I file for divorce?" {
		t.Fatalf("unexpected suggestions %q", s)
	}
}

func TestSetAutoScrollPersists(t *testing.T) {
	ctx := context.Background()
	hist := newMemoryHistory()
	w := newTestWidget(&fakeGenerator{chunks: []string{"ok"}}, hist, "u1", nil)
	if _, err := w.Submit(ctx, "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := w.SetAutoScroll(ctx, false); err != nil {
		t.Fatalf("set auto-scroll: %v", err)
	}
	if hist.GetAutoScrollPreference(ctx, w.SessionID(), "u1") {
		t.Fatalf("expected preference stored as false")
	}
}

func TestMessageHTML(t *testing.T) {
	user := MessageHTML(chat.Message{Role: chat.RoleUser, Content: "<b>**x**</b>"})
	if user != "&lt;b&gt;**x**&lt;/b&gt;" {
		t.Fatalf("user content must only be escaped, got %q", user)
	}
	bot := MessageHTML(chat.Message{Role: chat.RoleAssistant, Content: "**x**"})
	if bot != "<p><strong>x</strong></p>" {
		t.Fatalf("unexpected assistant html %q", bot)
	}
}

func TestScrollEventsFollowTracker(t *testing.T) {
	rec := &recorder{}
	w := newTestWidget(&fakeGenerator{chunks: []string{"a", "b"}}, nil, "", rec.observe)
	w.OnScroll(2000, 0, 500)
	if _, err := w.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := len(rec.kinds(EventScroll)); n != 0 {
		t.Fatalf("expected no scroll requests while scrolled away, got %d", n)
	}

	w.ResumeAutoScroll()
	scrolls := rec.kinds(EventScroll)
	if len(scrolls) != 1 || scrolls[0].ScrollDelay != 50*time.Millisecond {
		t.Fatalf("expected one idle scroll request, got %+v", scrolls)
	}
}

// gatedHistory blocks LoadSession until release is closed.
type gatedHistory struct {
	*memoryHistory
	entered chan struct{}
	release chan struct{}
}

func (h *gatedHistory) LoadSession(ctx context.Context, sessionID, userID string) []chat.Message {
	close(h.entered)
	<-h.release
	return h.memoryHistory.LoadSession(ctx, sessionID, userID)
}

// sequenceGenerator hands each Generate call to the next generator, repeating the last.
type sequenceGenerator struct {
	mu   sync.Mutex
	gens []transport.Generator
}

func (g *sequenceGenerator) Generate(ctx context.Context, message string, history []chat.Message) (transport.ChunkStream, error) {
	g.mu.Lock()
	next := g.gens[0]
	if len(g.gens) > 1 {
		g.gens = g.gens[1:]
	}
	g.mu.Unlock()
	return next.Generate(ctx, message, history)
}

func TestSubmitDuringLoadSessionIsBusy(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryHistory()
	id, _ := mem.CreateSession(ctx, "Land", "u1")
	_ = mem.SaveMessage(ctx, id, chat.Message{ID: "a", Role: chat.RoleUser, Content: "old question"}, "u1")
	hist := &gatedHistory{memoryHistory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	w := newTestWidget(&fakeGenerator{chunks: []string{"reply"}}, hist, "u1", nil)

	loaded := make(chan error, 1)
	go func() { loaded <- w.LoadSession(ctx, id) }()
	<-hist.entered

	if _, err := w.Submit(ctx, "new question"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while loading, got %v", err)
	}
	if err := w.NewChat(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected NewChat to be refused while loading, got %v", err)
	}
	close(hist.release)
	if err := <-loaded; err != nil {
		t.Fatalf("load session: %v", err)
	}

	if w.SessionID() != id {
		t.Fatalf("expected session %s, got %s", id, w.SessionID())
	}
	if msgs := w.Messages(); len(msgs) != 1 || msgs[0].Content != "old question" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if len(mem.GetUserSessions(ctx, "u1")) != 1 {
		t.Fatalf("refused submit should not create a session")
	}
	if _, err := w.Submit(ctx, "new question"); err != nil {
		t.Fatalf("submit after load: %v", err)
	}
	if saved := mem.saved(id); len(saved) != 3 {
		t.Fatalf("expected follow-up stored in loaded session, got %+v", saved)
	}
}

func TestLoadSessionWhileStreamingIsBusy(t *testing.T) {
	ctx := context.Background()
	hist := newMemoryHistory()
	other, _ := hist.CreateSession(ctx, "Other", "u1")
	gen := &blockingGenerator{started: make(chan struct{})}
	w := newTestWidget(gen, hist, "u1", nil)

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(ctx, "question")
		done <- err
	}()
	<-gen.started

	if err := w.LoadSession(ctx, other); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	w.Close()
	<-done
	if w.SessionID() == other {
		t.Fatalf("refused load must not switch sessions")
	}
}

func TestDeleteCurrentSessionWhileStreaming(t *testing.T) {
	ctx := context.Background()
	hist := newMemoryHistory()
	blocking := &blockingGenerator{started: make(chan struct{})}
	gen := &sequenceGenerator{gens: []transport.Generator{blocking, &fakeGenerator{chunks: []string{"fresh"}}}}
	w := newTestWidget(gen, hist, "u1", nil)

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(ctx, "question")
		done <- err
	}()
	<-blocking.started

	deleted := w.SessionID()
	if deleted == "" {
		t.Fatalf("expected a session to be created before streaming")
	}
	if err := w.DeleteSession(ctx, deleted); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if w.SessionID() != "" {
		t.Fatalf("expected deleted session to be detached, got %s", w.SessionID())
	}
	w.Close()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled submit, got %v", err)
	}

	if _, err := w.Submit(ctx, "again"); err != nil {
		t.Fatalf("submit after delete: %v", err)
	}
	id := w.SessionID()
	if id == "" || id == deleted {
		t.Fatalf("expected a new session, got %q", id)
	}
	if saved := hist.saved(id); len(saved) != 2 {
		t.Fatalf("expected user and assistant messages in new session, got %+v", saved)
	}
}

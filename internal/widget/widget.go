package widget

import (
	"context"
	"errors"
	"html"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hakichat/internal/chat"
	"hakichat/internal/metrics"
	"hakichat/internal/render"
	"hakichat/internal/suggest"
	"hakichat/internal/transport"
)

const titleMaxRunes = 50

var (
	ErrEmptyInput = errors.New("message is empty")
	ErrBusy       = errors.New("a reply is already in progress")
	ErrAnonymous  = errors.New("chat history requires a signed-in user")
)

// History is the persistence the widget needs; *history.Service implements it.
type History interface {
	CreateSession(ctx context.Context, title, userID string) (string, error)
	SaveMessage(ctx context.Context, sessionID string, msg chat.Message, userID string) error
	LoadSession(ctx context.Context, sessionID, userID string) []chat.Message
	GetUserSessions(ctx context.Context, userID string) []chat.Session
	DeleteSession(ctx context.Context, sessionID, userID string) error
	ExportChatSession(ctx context.Context, sessionID, userID string) (string, error)
	GetAutoScrollPreference(ctx context.Context, sessionID, userID string) bool
	SetAutoScrollPreference(ctx context.Context, sessionID, userID string, enabled bool) error
}

type EventKind string

const (
	EventMessageAdded   EventKind = "message_added"
	EventMessageUpdated EventKind = "message_updated"
	EventStateChanged   EventKind = "state_changed"
	EventSessionChanged EventKind = "session_changed"
	EventScroll         EventKind = "scroll"
)

type Event struct {
	Kind        EventKind
	Message     chat.Message
	Delta       string
	SessionID   string
	State       State
	ScrollDelay time.Duration
}

type Observer func(Event)

type State struct {
	Open         bool   `json:"open"`
	Minimized    bool   `json:"minimized"`
	HistoryShown bool   `json:"history_shown"`
	Loading      bool   `json:"loading"`
	Streaming    bool   `json:"streaming"`
	SessionID    string `json:"session_id,omitempty"`
	Input        string `json:"input"`
	AutoScroll   bool   `json:"auto_scroll"`
}

type Config struct {
	Generator transport.Generator
	History   History
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	UserID    string
	Observer  Observer
	Now       func() time.Time
	NewID     func() string
}

// Widget holds one conversation and drives replies into it.
type Widget struct {
	gen      transport.Generator
	history  History
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	userID   string
	observer Observer
	now      func() time.Time
	newID    func() string
	scroll   *ScrollTracker

	busy atomic.Bool

	mu           sync.Mutex
	messages     []chat.Message
	sessions     []chat.Session
	sessionID    string
	input        string
	open         bool
	minimized    bool
	historyShown bool
	loading      bool
	streaming    bool
	cancel       context.CancelFunc
}

func New(cfg Config) *Widget {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Widget{
		gen:      cfg.Generator,
		history:  cfg.History,
		logger:   cfg.Logger.With().Str("user_id", cfg.UserID).Logger(),
		metrics:  m,
		userID:   cfg.UserID,
		observer: cfg.Observer,
		now:      cfg.Now,
		newID:    cfg.NewID,
		scroll:   NewScrollTracker(cfg.Now),
		messages: []chat.Message{chat.Greeting(cfg.Now())},
	}
}

func (w *Widget) Authenticated() bool {
	return w.userID != ""
}

// Submit sends text to the assistant and returns the final assistant message.
// Transport failures are not returned: the reply becomes transport.FallbackReply with
// Failed set. A cancelled context discards the partial reply and returns the context error.
func (w *Widget) Submit(ctx context.Context, text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrEmptyInput
	}
	if !w.busy.CompareAndSwap(false, true) {
		return chat.Message{}, ErrBusy
	}
	defer w.busy.Store(false)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	userMsg := chat.Message{ID: w.newID(), Role: chat.RoleUser, Content: text, Timestamp: w.now()}

	w.mu.Lock()
	prior := append([]chat.Message(nil), w.messages...)
	w.messages = append(w.messages, userMsg)
	w.input = ""
	w.loading = true
	w.cancel = cancel
	sessionID := w.sessionID
	state := w.stateLocked()
	w.mu.Unlock()

	w.metrics.ChatSends.Inc()
	w.emit(Event{Kind: EventMessageAdded, Message: userMsg}, Event{Kind: EventStateChanged, State: state})
	w.requestScroll()

	defer func() {
		w.mu.Lock()
		w.loading = false
		w.streaming = false
		w.cancel = nil
		state := w.stateLocked()
		w.mu.Unlock()
		w.emit(Event{Kind: EventStateChanged, State: state})
	}()

	sessionID = w.persistUserMessage(ctx, sessionID, userMsg)

	reply, err := w.generate(genCtx, text, prior)
	if err != nil {
		if genCtx.Err() != nil {
			w.logger.Info().Str("session_id", sessionID).Msg("reply discarded after cancellation")
			return chat.Message{}, genCtx.Err()
		}
		w.logger.Warn().Err(err).Str("session_id", sessionID).Msg("chat reply failed, using fallback")
		w.metrics.TransportFailures.Inc()
		reply = w.fail(reply)
	}

	if sessionID != "" && sessionID != w.SessionID() {
		w.logger.Info().Str("session_id", sessionID).Msg("session removed during reply, not saving")
		return reply, nil
	}
	if sessionID != "" && w.history != nil {
		if err := w.history.SaveMessage(ctx, sessionID, reply, w.userID); err != nil {
			w.logger.Error().Err(err).Str("session_id", sessionID).Msg("save assistant message failed")
		}
	}
	return reply, nil
}

var errEmptyReply = errors.New("chat endpoint returned an empty reply")

// generate streams the reply into the conversation. On error the returned message is the
// placeholder inserted so far, if any.
func (w *Widget) generate(ctx context.Context, text string, prior []chat.Message) (chat.Message, error) {
	if w.gen == nil {
		return chat.Message{}, errors.New("no chat generator configured")
	}
	stream, err := w.gen.Generate(ctx, text, prior)
	if err != nil {
		return chat.Message{}, err
	}
	defer stream.Close()

	var (
		reply   chat.Message
		started bool
		sb      strings.Builder
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil && started {
				w.removeMessage(reply.ID)
			}
			return reply, err
		}
		if ctx.Err() != nil {
			if started {
				w.removeMessage(reply.ID)
			}
			return reply, ctx.Err()
		}
		if chunk == "" {
			continue
		}
		w.metrics.StreamChunks.Inc()

		if !started {
			started = true
			reply = chat.Message{ID: w.newID(), Role: chat.RoleAssistant, Timestamp: w.now()}
			w.mu.Lock()
			w.messages = append(w.messages, reply)
			w.streaming = true
			state := w.stateLocked()
			w.mu.Unlock()
			w.emit(Event{Kind: EventMessageAdded, Message: reply}, Event{Kind: EventStateChanged, State: state})
		}

		sb.WriteString(chunk)
		reply.Content = sb.String()
		w.replaceMessage(reply)
		w.emit(Event{Kind: EventMessageUpdated, Message: reply, Delta: chunk})
		w.requestScroll()
	}

	if !started || strings.TrimSpace(reply.Content) == "" {
		return reply, errEmptyReply
	}
	return reply, nil
}

// fail turns the (possibly missing) placeholder into the fallback reply.
func (w *Widget) fail(reply chat.Message) chat.Message {
	added := reply.ID == ""
	if added {
		reply = chat.Message{ID: w.newID(), Role: chat.RoleAssistant, Timestamp: w.now()}
	}
	reply.Content = transport.FallbackReply
	reply.Failed = true

	if added {
		w.mu.Lock()
		w.messages = append(w.messages, reply)
		w.mu.Unlock()
		w.emit(Event{Kind: EventMessageAdded, Message: reply})
	} else {
		w.replaceMessage(reply)
		w.emit(Event{Kind: EventMessageUpdated, Message: reply})
	}
	w.requestScroll()
	return reply
}

func (w *Widget) persistUserMessage(ctx context.Context, sessionID string, msg chat.Message) string {
	if !w.Authenticated() || w.history == nil {
		return sessionID
	}
	if sessionID == "" {
		id, err := w.history.CreateSession(ctx, sessionTitle(msg.Content), w.userID)
		if err != nil {
			w.logger.Error().Err(err).Msg("create chat session failed")
			return ""
		}
		sessionID = id
		w.metrics.SessionsCreated.Inc()
		w.mu.Lock()
		w.sessionID = id
		w.mu.Unlock()
		w.emit(Event{Kind: EventSessionChanged, SessionID: id})
	}
	if err := w.history.SaveMessage(ctx, sessionID, msg, w.userID); err != nil {
		w.logger.Error().Err(err).Str("session_id", sessionID).Msg("save user message failed")
	}
	return sessionID
}

func sessionTitle(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) > titleMaxRunes {
		r = r[:titleMaxRunes]
	}
	return string(r)
}

func (w *Widget) replaceMessage(m chat.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.messages {
		if w.messages[i].ID == m.ID {
			w.messages[i] = m
			return
		}
	}
}

func (w *Widget) removeMessage(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.messages {
		if w.messages[i].ID == id {
			w.messages = append(w.messages[:i], w.messages[i+1:]...)
			return
		}
	}
}

func (w *Widget) requestScroll() {
	if !w.scroll.ShouldAutoScroll() {
		return
	}
	w.mu.Lock()
	streaming := w.streaming
	w.mu.Unlock()
	w.emit(Event{Kind: EventScroll, ScrollDelay: ScrollDelay(streaming)})
}

func (w *Widget) emit(events ...Event) {
	if w.observer == nil {
		return
	}
	for _, ev := range events {
		w.observer(ev)
	}
}

func (w *Widget) stateLocked() State {
	return State{
		Open:         w.open,
		Minimized:    w.minimized,
		HistoryShown: w.historyShown,
		Loading:      w.loading,
		Streaming:    w.streaming,
		SessionID:    w.sessionID,
		Input:        w.input,
		AutoScroll:   w.scroll.Enabled(),
	}
}

func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Widget) Messages() []chat.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]chat.Message(nil), w.messages...)
}

func (w *Widget) Sessions() []chat.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]chat.Session(nil), w.sessions...)
}

func (w *Widget) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

func (w *Widget) Open() {
	w.setState(func() {
		w.open = true
		w.minimized = false
	})
}

// Close hides the widget and cancels a reply that is still streaming.
func (w *Widget) Close() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.setState(func() {
		w.open = false
	})
}

func (w *Widget) ToggleMinimize() {
	w.setState(func() { w.minimized = !w.minimized })
}

// ToggleHistory shows or hides the session panel, refreshing the list when shown.
func (w *Widget) ToggleHistory(ctx context.Context) bool {
	var shown bool
	w.setState(func() {
		w.historyShown = !w.historyShown
		shown = w.historyShown
	})
	if shown {
		w.RefreshSessions(ctx)
	}
	return shown
}

func (w *Widget) SetInput(text string) {
	w.setState(func() { w.input = text })
}

// Suggestions returns quick questions for the current input.
func (w *Widget) Suggestions() []string {
	w.mu.Lock()
	input := w.input
	w.mu.Unlock()
	return suggest.Generate(input)
}

// NewChat drops the current conversation and starts again from the greeting.
func (w *Widget) NewChat() error {
	if !w.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer w.busy.Store(false)
	w.reset()
	return nil
}

func (w *Widget) reset() {
	w.mu.Lock()
	w.messages = []chat.Message{chat.Greeting(w.now())}
	w.sessionID = ""
	w.historyShown = false
	state := w.stateLocked()
	w.mu.Unlock()
	w.scroll.SetEnabled(true)
	w.emit(Event{Kind: EventSessionChanged}, Event{Kind: EventStateChanged, State: state})
}

// LoadSession replaces the conversation with a stored session. It holds the send guard
// while loading, so a Submit started meanwhile gets ErrBusy.
func (w *Widget) LoadSession(ctx context.Context, sessionID string) error {
	if !w.Authenticated() || w.history == nil {
		return ErrAnonymous
	}
	if !w.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer w.busy.Store(false)

	msgs := w.history.LoadSession(ctx, sessionID, w.userID)
	if len(msgs) == 0 {
		msgs = []chat.Message{chat.Greeting(w.now())}
	}
	w.scroll.SetEnabled(w.history.GetAutoScrollPreference(ctx, sessionID, w.userID))

	w.mu.Lock()
	w.messages = msgs
	w.sessionID = sessionID
	w.historyShown = false
	state := w.stateLocked()
	w.mu.Unlock()

	w.emit(Event{Kind: EventSessionChanged, SessionID: sessionID}, Event{Kind: EventStateChanged, State: state})
	w.requestScroll()
	return nil
}

func (w *Widget) RefreshSessions(ctx context.Context) []chat.Session {
	if !w.Authenticated() || w.history == nil {
		return []chat.Session{}
	}
	sessions := w.history.GetUserSessions(ctx, w.userID)
	w.mu.Lock()
	w.sessions = sessions
	w.mu.Unlock()
	return append([]chat.Session(nil), sessions...)
}

// DeleteSession removes a stored session; deleting the open one starts a new chat.
func (w *Widget) DeleteSession(ctx context.Context, sessionID string) error {
	if !w.Authenticated() || w.history == nil {
		return ErrAnonymous
	}
	if err := w.history.DeleteSession(ctx, sessionID, w.userID); err != nil {
		return err
	}

	w.mu.Lock()
	kept := w.sessions[:0]
	for _, s := range w.sessions {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	w.sessions = kept
	current := w.sessionID == sessionID
	w.mu.Unlock()

	if !current {
		return nil
	}
	if w.busy.CompareAndSwap(false, true) {
		defer w.busy.Store(false)
		w.reset()
		return nil
	}
	// A reply is streaming into the deleted session; the next send starts a new one.
	w.mu.Lock()
	if w.sessionID == sessionID {
		w.sessionID = ""
	}
	w.mu.Unlock()
	w.emit(Event{Kind: EventSessionChanged})
	w.logger.Info().Str("session_id", sessionID).Msg("deleted session while a reply is streaming")
	return nil
}

func (w *Widget) ExportSession(ctx context.Context, sessionID string) (string, error) {
	if !w.Authenticated() || w.history == nil {
		return "", ErrAnonymous
	}
	return w.history.ExportChatSession(ctx, sessionID, w.userID)
}

// SetAutoScroll changes the follow preference and stores it with the current session.
func (w *Widget) SetAutoScroll(ctx context.Context, enabled bool) error {
	w.scroll.SetEnabled(enabled)
	sessionID := w.SessionID()
	w.emit(Event{Kind: EventStateChanged, State: w.State()})
	if sessionID == "" || !w.Authenticated() || w.history == nil {
		return nil
	}
	return w.history.SetAutoScrollPreference(ctx, sessionID, w.userID, enabled)
}

func (w *Widget) OnScroll(scrollHeight, scrollTop, clientHeight float64) {
	w.scroll.OnScroll(scrollHeight, scrollTop, clientHeight)
}

func (w *Widget) ResumeAutoScroll() {
	w.scroll.Resume()
	w.requestScroll()
}

func (w *Widget) ScrolledAway() bool {
	return w.scroll.ScrolledAway()
}

// MessageHTML renders assistant replies through the safe formatter and escapes user text.
func MessageHTML(msg chat.Message) string {
	if msg.Role == chat.RoleAssistant {
		return render.HTML(msg.Content)
	}
	return html.EscapeString(msg.Content)
}

func (w *Widget) setState(fn func()) {
	w.mu.Lock()
	fn()
	state := w.stateLocked()
	w.mu.Unlock()
	w.emit(Event{Kind: EventStateChanged, State: state})
}

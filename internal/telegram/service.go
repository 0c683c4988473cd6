package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/rs/zerolog"

	"hakichat/internal/chat"
	"hakichat/internal/metrics"
	"hakichat/internal/queue"
)

// History is the part of the history service the bot needs for /history.
type History interface {
	GetSession(ctx context.Context, sessionID, userID string) (chat.Session, error)
	GetUserSessions(ctx context.Context, userID string) []chat.Session
	DeleteSession(ctx context.Context, sessionID, userID string) error
}

type Service struct {
	queue       *queue.StreamQueue
	rateLimiter *queue.RateLimiter
	sessions    *SessionStore
	history     History
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Queue       *queue.StreamQueue
	RateLimiter *queue.RateLimiter
	Sessions    *SessionStore
	History     History
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		queue:       cfg.Queue,
		rateLimiter: cfg.RateLimiter,
		sessions:    cfg.Sessions,
		history:     cfg.History,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("new", s.newChat))
	d.AddHandler(handlers.NewCommand("history", s.listHistory))
	d.AddHandler(handlers.NewCommand("suggest", s.suggestions))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg) && !message.Command(msg)
	}, s.privateText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

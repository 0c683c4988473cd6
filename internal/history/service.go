package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hakichat/internal/chat"
	"hakichat/internal/storage"
)

const (
	DefaultTitle = "New Chat"
	sessionsPage = 50
	searchPage   = 20

	autoScrollKey = "auto_scroll"
)

var (
	ErrNoSessionID     = errors.New("session insert returned no identifier")
	ErrSessionNotFound = errors.New("chat session not found")
)

// Store is the subset of *storage.Store used by the service.
type Store interface {
	CreateSession(ctx context.Context, sess storage.Session) error
	GetSession(ctx context.Context, sessionID, userID string) (storage.Session, error)
	ListSessions(ctx context.Context, userID string, limit uint64) ([]storage.Session, error)
	SearchSessions(ctx context.Context, userID, query string, limit uint64) ([]storage.Session, error)
	DeleteSession(ctx context.Context, sessionID, userID string) error
	InsertMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	RefreshMessageCount(ctx context.Context, sessionID, userID string) (int, error)
	ListMessages(ctx context.Context, sessionID, userID string) ([]storage.Message, error)
	GetSessionMetadata(ctx context.Context, sessionID, userID string) (map[string]any, error)
	SetSessionMetadataValue(ctx context.Context, sessionID, userID, key string, value any) error
}

type Service struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

type Config struct {
	Store  Store
	Logger zerolog.Logger
	Now    func() time.Time
	NewID  func() string
}

func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Service{
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
}

func (s *Service) CreateSession(ctx context.Context, title, userID string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	id := s.newID()
	if id == "" {
		return "", ErrNoSessionID
	}
	now := s.now()
	err := s.store.CreateSession(ctx, storage.Session{
		ID:        id,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("create chat session failed")
		return "", fmt.Errorf("create chat session: %w", err)
	}
	return id, nil
}

func (s *Service) SaveMessage(ctx context.Context, sessionID string, msg chat.Message, userID string) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	_, err := s.store.InsertMessage(ctx, storage.Message{
		SessionID: sessionID,
		ID:        msg.ID,
		UserID:    userID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.Timestamp,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("message_id", msg.ID).Msg("save chat message failed")
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("save chat message: %w", err)
	}

	if _, err := s.store.RefreshMessageCount(ctx, sessionID, userID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("refresh message count failed")
	}
	return nil
}

// LoadSession returns the stored messages of a session in chronological order.
// Foreign or missing sessions and backend failures all yield an empty slice.
func (s *Service) LoadSession(ctx context.Context, sessionID, userID string) []chat.Message {
	rows, err := s.store.ListMessages(ctx, sessionID, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("load chat session failed")
		return []chat.Message{}
	}
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, chat.Message{
			ID:        r.ID,
			Role:      chat.Role(r.Role),
			Content:   r.Content,
			Timestamp: r.CreatedAt,
		})
	}
	return out
}

func (s *Service) GetUserSessions(ctx context.Context, userID string) []chat.Session {
	rows, err := s.store.ListSessions(ctx, userID, sessionsPage)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("list chat sessions failed")
		return []chat.Session{}
	}
	return toSessions(rows)
}

func (s *Service) SearchSessions(ctx context.Context, userID, query string) []chat.Session {
	if strings.TrimSpace(query) == "" {
		return s.GetUserSessions(ctx, userID)
	}
	rows, err := s.store.SearchSessions(ctx, userID, query, searchPage)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("search chat sessions failed")
		return []chat.Session{}
	}
	return toSessions(rows)
}

// DeleteSession is idempotent: a missing or foreign session is not an error.
func (s *Service) DeleteSession(ctx context.Context, sessionID, userID string) error {
	err := s.store.DeleteSession(ctx, sessionID, userID)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	s.logger.Error().Err(err).Str("session_id", sessionID).Msg("delete chat session failed")
	return fmt.Errorf("delete chat session: %w", err)
}

type exportMessage struct {
	ID        string    `json:"id"`
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type exportDocument struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	MessageCount int             `json:"message_count"`
	ExportedAt   time.Time       `json:"exported_at"`
	Messages     []exportMessage `json:"messages"`
}

func (s *Service) ExportChatSession(ctx context.Context, sessionID, userID string) (string, error) {
	sess, err := s.store.GetSession(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("export chat session failed")
		return "", fmt.Errorf("export chat session: %w", err)
	}
	rows, err := s.store.ListMessages(ctx, sessionID, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("export chat messages failed")
		return "", fmt.Errorf("export chat messages: %w", err)
	}

	doc := exportDocument{
		ID:           sess.ID,
		Title:        sess.Title,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
		MessageCount: len(rows),
		ExportedAt:   s.now(),
		Messages:     make([]exportMessage, 0, len(rows)),
	}
	for _, r := range rows {
		doc.Messages = append(doc.Messages, exportMessage{
			ID:        r.ID,
			Role:      chat.Role(r.Role),
			Content:   r.Content,
			Timestamp: r.CreatedAt,
		})
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}
	return string(b), nil
}

// GetAutoScrollPreference defaults to true when nothing is recorded or the lookup fails.
func (s *Service) GetAutoScrollPreference(ctx context.Context, sessionID, userID string) bool {
	if sessionID == "" {
		return true
	}
	meta, err := s.store.GetSessionMetadata(ctx, sessionID, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("load auto-scroll preference failed")
		}
		return true
	}
	v, ok := meta[autoScrollKey].(bool)
	if !ok {
		return true
	}
	return v
}

func (s *Service) SetAutoScrollPreference(ctx context.Context, sessionID, userID string, enabled bool) error {
	err := s.store.SetSessionMetadataValue(ctx, sessionID, userID, autoScrollKey, enabled)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("save auto-scroll preference failed")
		return fmt.Errorf("save auto-scroll preference: %w", err)
	}
	return nil
}

func (s *Service) GetSession(ctx context.Context, sessionID, userID string) (chat.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return chat.Session{}, ErrSessionNotFound
		}
		return chat.Session{}, fmt.Errorf("get chat session: %w", err)
	}
	return toSession(sess), nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// ExportFilename names the downloadable export: chat-<title-slug>-<yyyy-mm-dd>.json.
func ExportFilename(sess chat.Session, at time.Time) string {
	slug := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(sess.Title), "-"), "-")
	if slug == "" {
		slug = "session"
	}
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return fmt.Sprintf("chat-%s-%s.json", slug, at.UTC().Format("2006-01-02"))
}

func toSessions(rows []storage.Session) []chat.Session {
	out := make([]chat.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, toSession(r))
	}
	return out
}

func toSession(r storage.Session) chat.Session {
	return chat.Session{
		ID:           r.ID,
		Title:        r.Title,
		UserID:       r.UserID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		MessageCount: r.MessageCount,
	}
}

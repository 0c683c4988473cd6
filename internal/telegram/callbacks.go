package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"hakichat/internal/history"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	chatID, ok := s.callbackChatID(ctx)
	uid := userID(ctx)
	if !ok || uid == 0 {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}

	switch {
	case data == cbNew:
		s.answerCallback(b, ctx, "", false)
		if err := s.sessions.Clear(context.Background(), chatID, uid); err != nil {
			s.logger.Error().Err(err).Msg("failed to clear current session")
		}
		return s.editOrReplyCallback(ctx, b, "Started a new chat. Ask me anything.", nil)

	case data == cbHistory:
		s.answerCallback(b, ctx, "", false)
		return s.showHistory(ctx, b, chatID, uid)

	case strings.HasPrefix(data, cbOpen):
		sessionID := strings.TrimPrefix(data, cbOpen)
		sess, err := s.history.GetSession(context.Background(), sessionID, UserKey(uid))
		if err != nil {
			if errors.Is(err, history.ErrSessionNotFound) {
				s.answerCallback(b, ctx, "That chat no longer exists.", true)
				return s.showHistory(ctx, b, chatID, uid)
			}
			s.answerCallback(b, ctx, "Failed to open chat.", true)
			return nil
		}
		if err := s.sessions.Set(context.Background(), chatID, uid, sess.ID); err != nil {
			s.answerCallback(b, ctx, "Failed to open chat.", true)
			return nil
		}
		s.answerCallback(b, ctx, "", false)
		text := fmt.Sprintf("Continuing %q (%d messages). Send a message to carry on.", sess.Title, sess.MessageCount)
		return s.editOrReplyCallback(ctx, b, text, nil)

	case strings.HasPrefix(data, cbDelete):
		sessionID := strings.TrimPrefix(data, cbDelete)
		if err := s.history.DeleteSession(context.Background(), sessionID, UserKey(uid)); err != nil {
			s.answerCallback(b, ctx, "Failed to delete chat.", true)
			return nil
		}
		if current, _ := s.sessions.Get(context.Background(), chatID, uid); current == sessionID {
			_ = s.sessions.Clear(context.Background(), chatID, uid)
		}
		s.answerCallback(b, ctx, "Chat deleted.", false)
		return s.showHistory(ctx, b, chatID, uid)

	case strings.HasPrefix(data, cbSuggest):
		q, ok := suggestionAt(data)
		if !ok {
			s.answerCallback(b, ctx, "Unknown suggestion.", true)
			return nil
		}
		s.answerCallback(b, ctx, "", false)
		if err := s.replyWithMarkup(ctx, b, q, nil); err != nil {
			return err
		}
		return s.enqueue(b, ctx, q)

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) showHistory(ctx *ext.Context, b *gotgbot.Bot, chatID, uid int64) error {
	sessions := s.history.GetUserSessions(context.Background(), UserKey(uid))
	current, _ := s.sessions.Get(context.Background(), chatID, uid)
	return s.editOrReplyCallback(ctx, b, historyText(sessions, current), historyKeyboard(sessions))
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}

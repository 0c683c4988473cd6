package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"hakichat/internal/chat"
	"hakichat/internal/queue"
	"hakichat/internal/suggest"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if err := s.reply(ctx, b, chat.GreetingText); err != nil {
		return err
	}
	return s.replyWithMarkup(ctx, b, "Try one of these:", suggestionsKeyboard(suggest.Generate("")))
}

func (s *Service) newChat(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if err := s.sessions.Clear(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id); err != nil {
		s.logger.Error().Err(err).Msg("failed to clear current session")
		return s.reply(ctx, b, "Could not start a new chat right now.")
	}
	return s.reply(ctx, b, "Started a new chat. Ask me anything.")
}

func (s *Service) listHistory(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	sessions := s.history.GetUserSessions(context.Background(), UserKey(ctx.EffectiveUser.Id))
	current, _ := s.sessions.Get(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id)
	return s.replyWithMarkup(ctx, b, historyText(sessions, current), historyKeyboard(sessions))
}

func (s *Service) suggestions(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil {
		return nil
	}
	list := suggest.Generate(commandRemainder(msg.GetText()))
	return s.replyWithMarkup(ctx, b, "Suggested questions:", suggestionsKeyboard(list))
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil {
		return nil
	}
	prompt := strings.TrimSpace(commandRemainder(msg.GetText()))
	if prompt == "" {
		return s.reply(ctx, b, "Usage: /ask <question>")
	}
	return s.enqueue(b, ctx, prompt)
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil {
		return nil
	}
	prompt := strings.TrimSpace(msg.GetText())
	if prompt == "" {
		return nil
	}
	return s.enqueue(b, ctx, prompt)
}

// enqueue rate-limits the user and queues the question against their current session.
func (s *Service) enqueue(b *gotgbot.Bot, ctx *ext.Context, prompt string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	chatID, uid := ctx.EffectiveChat.Id, userID(ctx)
	if !s.allowRate(chatID, uid, b, ctx) {
		return nil
	}

	sessionID, err := s.sessions.Get(context.Background(), chatID, uid)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to read current session")
	}

	job := queue.AskJob{
		ChatID:    chatID,
		UserID:    uid,
		Prompt:    prompt,
		SessionID: sessionID,
	}
	if m := ctx.EffectiveMessage; m != nil {
		job.MessageID = m.MessageId
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue question")
		return s.reply(ctx, b, "The assistant is unavailable right now. Please try again in a moment.")
	}
	s.metrics.EnqueuedJobs.Inc()
	_, _ = b.SendChatAction(chatID, "typing", nil)
	return nil
}

func (s *Service) allowRate(chatID, userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.rateLimiter == nil {
		return true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(context.Background(), chatScope(chatID), UserKey(userID), s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	_ = s.reply(ctx, b, "You have reached the hourly question limit. Try again after "+resetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}

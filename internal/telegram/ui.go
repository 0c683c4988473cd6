package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"hakichat/internal/chat"
	"hakichat/internal/suggest"
)

const (
	cbPrefix = "hk:"

	cbOpen    = cbPrefix + "open:"
	cbDelete  = cbPrefix + "del:"
	cbSuggest = cbPrefix + "sg:"
	cbNew     = cbPrefix + "new"
	cbHistory = cbPrefix + "history"

	// Telegram rejects callback data longer than 64 bytes.
	maxCallbackData = 64
	historyButtons  = 10
	titleWidth      = 32
)

func helpText() string {
	return strings.Join([]string{
		"Legal assistant",
		"",
		"Send any question as a message, or use:",
		"/ask <question> - ask a question",
		"/suggest [topic] - suggested questions",
		"/history - your previous chats",
		"/new - start a new chat",
		"",
		"Answers are general information, not legal advice.",
	}, "\n")
}

func historyText(sessions []chat.Session, current string) string {
	if len(sessions) == 0 {
		return "No saved chats yet. Send a question to start one."
	}
	lines := []string{"Your chats:"}
	for i, sess := range sessions {
		if i == historyButtons {
			lines = append(lines, fmt.Sprintf("…and %d older chats.", len(sessions)-historyButtons))
			break
		}
		line := fmt.Sprintf("%d. %s (%d messages, %s)", i+1, shorten(sess.Title, titleWidth), sess.MessageCount, sess.UpdatedAt.Format("2006-01-02"))
		if sess.ID == current {
			line += " [current]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func historyKeyboard(sessions []chat.Session) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(sessions)+1)
	for i, sess := range sessions {
		if i == historyButtons {
			break
		}
		if len(cbDelete+sess.ID) > maxCallbackData {
			continue
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			{Text: shorten(sess.Title, titleWidth), CallbackData: cbOpen + sess.ID},
			{Text: "Delete", CallbackData: cbDelete + sess.ID},
		})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "New chat", CallbackData: cbNew}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// suggestionsKeyboard refers to questions by catalog index to stay under the callback data limit.
func suggestionsKeyboard(list []string) *gotgbot.InlineKeyboardMarkup {
	catalog := suggest.Catalog()
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(list))
	for _, q := range list {
		idx := indexOf(catalog, q)
		if idx < 0 {
			continue
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			{Text: q, CallbackData: cbSuggest + strconv.Itoa(idx)},
		})
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// suggestionAt resolves callback data produced by suggestionsKeyboard.
func suggestionAt(data string) (string, bool) {
	idx, err := strconv.Atoi(strings.TrimPrefix(data, cbSuggest))
	if err != nil {
		return "", false
	}
	catalog := suggest.Catalog()
	if idx < 0 || idx >= len(catalog) {
		return "", false
	}
	return catalog[idx], true
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func shorten(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func chatScope(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}

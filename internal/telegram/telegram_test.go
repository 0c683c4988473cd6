package telegram

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"hakichat/internal/chat"
	"hakichat/internal/suggest"
)

func TestSessionStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewSessionStore(rdb, time.Hour)
	ctx := context.Background()

	got, err := store.Get(ctx, 1, 2)
	if err != nil || got != "" {
		t.Fatalf("expected no current session, got %q %v", got, err)
	}
	if err := store.Set(ctx, 1, 2, "s1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := store.Get(ctx, 1, 2); got != "s1" {
		t.Fatalf("expected s1, got %q", got)
	}
	if got, _ := store.Get(ctx, 1, 3); got != "" {
		t.Fatalf("sessions must be per user, got %q", got)
	}

	mr.FastForward(2 * time.Hour)
	if got, _ := store.Get(ctx, 1, 2); got != "" {
		t.Fatalf("expected current session to expire, got %q", got)
	}

	_ = store.Set(ctx, 1, 2, "s2")
	if err := store.Clear(ctx, 1, 2); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ := store.Get(ctx, 1, 2); got != "" {
		t.Fatalf("expected cleared session, got %q", got)
	}
}

func TestSuggestionCallbackRoundTrip(t *testing.T) {
	list := suggest.Generate("divorce")
	kb := suggestionsKeyboard(list)
	if len(kb.InlineKeyboard) != len(list) {
		t.Fatalf("expected %d buttons, got %d", len(list), len(kb.InlineKeyboard))
	}
	for i, row := range kb.InlineKeyboard {
		q, ok := suggestionAt(row[0].CallbackData)
		if !ok || q != list[i] {
			t.Fatalf("button %d resolved to %q, want %q", i, q, list[i])
		}
	}

	for _, bad := range []string{cbSuggest + "x", cbSuggest + "-1", cbSuggest + "99"} {
		if _, ok := suggestionAt(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestHistoryKeyboard(t *testing.T) {
	sessions := []chat.Session{
		{ID: "0b6c1f1e-7d4f-4c36-9a53-1f0e4f0d2a11", Title: "What are my rights as a tenant in Kenya when the landlord"},
		{ID: strings.Repeat("x", 70), Title: "Too long to address"},
	}
	kb := historyKeyboard(sessions)
	if len(kb.InlineKeyboard) != 2 {
		t.Fatalf("expected one session row and the new chat row, got %d", len(kb.InlineKeyboard))
	}
	row := kb.InlineKeyboard[0]
	if row[0].CallbackData != cbOpen+sessions[0].ID || row[1].CallbackData != cbDelete+sessions[0].ID {
		t.Fatalf("unexpected callbacks %+v", row)
	}
	if n := len([]rune(row[0].Text)); n != titleWidth {
		t.Fatalf("expected title shortened to %d runes, got %d", titleWidth, n)
	}
	if kb.InlineKeyboard[1][0].CallbackData != cbNew {
		t.Fatalf("expected trailing new chat button")
	}
}

func TestHistoryText(t *testing.T) {
	if got := historyText(nil, ""); !strings.HasPrefix(got, "No saved chats") {
		t.Fatalf("unexpected empty text %q", got)
	}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got := historyText([]chat.Session{{ID: "a", Title: "Divorce", MessageCount: 4, UpdatedAt: at}}, "a")
	if !strings.Contains(got, "1. Divorce (4 messages, 2026-03-01) [current]") {
		t.Fatalf("unexpected history text %q", got)
	}
}

func TestCommandRemainder(t *testing.T) {
	cases := map[string]string{
		"/ask":                     "",
		"/ask how do I sue?":       "how do I sue?",
		"  /suggest   land  ":      "  land",
		"/ask@hakibot what rights": "what rights",
	}
	for in, want := range cases {
		if got := commandRemainder(in); got != want {
			t.Fatalf("commandRemainder(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHistoryTextStaysWithinMessageLimit(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sessions := make([]chat.Session, 50)
	for i := range sessions {
		sessions[i] = chat.Session{
			ID:           fmt.Sprintf("s%d", i),
			Title:        strings.Repeat("Mahakama ya Rufani ", 10),
			MessageCount: 120,
			UpdatedAt:    at,
		}
	}

	got := historyText(sessions, "s3")
	if n := utf8.RuneCountInString(got); n > 4096 {
		t.Fatalf("history text has %d characters", n)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != historyButtons+2 {
		t.Fatalf("expected %d listed chats plus header and footer, got %d lines", historyButtons, len(lines))
	}
	if !strings.HasSuffix(lines[len(lines)-1], "40 older chats.") {
		t.Fatalf("unexpected footer %q", lines[len(lines)-1])
	}
	if !strings.Contains(lines[4], "[current]") {
		t.Fatalf("expected current marker on s3, got %q", lines[4])
	}
	for _, l := range lines[1 : historyButtons+1] {
		if utf8.RuneCountInString(l) > 80 {
			t.Fatalf("title not shortened: %q", l)
		}
	}
}

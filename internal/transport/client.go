package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hakichat/internal/chat"
)

// FallbackReply is what the assistant says when no reply could be produced.
const FallbackReply = "I apologize, but I'm having trouble connecting right now. Please try again in a moment."

const defaultHistoryLimit = 10

var ErrStreamUnavailable = errors.New("chat response has no body to stream")

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat endpoint status %d", e.Code)
	}
	return fmt.Sprintf("chat endpoint status %d: %s", e.Code, e.Body)
}

func (e *StatusError) temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// ChunkStream delivers reply chunks in order. Recv returns io.EOF after the last one.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

type Generator interface {
	Generate(ctx context.Context, message string, history []chat.Message) (ChunkStream, error)
}

type Config struct {
	URL          string
	Context      string
	Headers      map[string]string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
	HistoryLimit int
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		// No client timeout: a reply can stream for as long as the caller's context allows.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Client{cfg: cfg}
}

var _ Generator = (*Client)(nil)

type historyEntry struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

type requestBody struct {
	Message     string         `json:"message"`
	Context     string         `json:"context"`
	ChatHistory []historyEntry `json:"chatHistory"`
}

// Generate posts the message with the most recent history entries and returns the reply
// as a stream. Retries only cover establishing the response, never replay chunks.
func (c *Client) Generate(ctx context.Context, message string, history []chat.Message) (ChunkStream, error) {
	body, err := c.buildBody(message, history)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.openOnce(ctx, body)
		if err == nil {
			return newStream(resp), nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}
	return nil, lastErr
}

func (c *Client) buildBody(message string, history []chat.Message) ([]byte, error) {
	if len(history) > c.cfg.HistoryLimit {
		history = history[len(history)-c.cfg.HistoryLimit:]
	}
	entries := make([]historyEntry, 0, len(history))
	for _, m := range history {
		entries = append(entries, historyEntry{Role: m.Role, Content: m.Content})
	}
	b, err := json.Marshal(requestBody{
		Message:     message,
		Context:     c.cfg.Context,
		ChatHistory: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return b, nil
}

func (c *Client) openOnce(ctx context.Context, body []byte) (resp *http.Response, retry bool, err error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return nil, false, fmt.Errorf("chat endpoint url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err = c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("chat request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		return nil, se.temporary(), se
	}
	if resp.StatusCode == http.StatusNoContent || resp.Body == nil {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, false, ErrStreamUnavailable
	}
	return resp, false, nil
}

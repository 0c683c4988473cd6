package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"
)

const maxWholeBody = 4 << 20

// ErrResponseTooLarge is returned when a JSON reply body exceeds the read limit.
var ErrResponseTooLarge = errors.New("chat response too large")

type streamMode int

const (
	modeUnknown streamMode = iota
	modeEvents
	modeJSON
	modeRaw
)

// Stream reads a chat reply either as an event stream or as a single body.
// The mode is chosen on the first Recv.
type Stream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	mode      streamMode
	pending   []byte
	buf       []byte
	done      bool
	closeOnce sync.Once
	closeErr  error
}

func newStream(resp *http.Response) *Stream {
	s := &Stream{
		body:   resp.Body,
		reader: bufio.NewReaderSize(resp.Body, 64<<10),
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && mt == "text/event-stream" {
		s.mode = modeEvents
	}
	return s
}

func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	if s.mode == modeUnknown {
		mode, err := s.detectMode()
		if err != nil {
			s.finish()
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("read chat response: %w", err)
		}
		s.mode = mode
	}
	switch s.mode {
	case modeJSON:
		return s.recvJSON()
	case modeRaw:
		return s.recvRaw()
	default:
		return s.recvEvent()
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// detectMode looks at the start of the body. Leading whitespace is kept for raw replies.
// Only a leading 'd' waits for more than one byte.
func (s *Stream) detectMode() (streamMode, error) {
	for {
		b, err := s.reader.Peek(1)
		if err != nil {
			return modeUnknown, err
		}
		switch c := b[0]; {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			_, _ = s.reader.ReadByte()
			s.pending = append(s.pending, c)
		case c == '{':
			return modeJSON, nil
		case c == 'd':
			if peek, _ := s.reader.Peek(len("data:")); bytes.Equal(peek, []byte("data:")) {
				return modeEvents, nil
			}
			return modeRaw, nil
		default:
			return modeRaw, nil
		}
	}
}

// recvJSON buffers a JSON object body and extracts its text in one chunk.
func (s *Stream) recvJSON() (string, error) {
	b, err := io.ReadAll(io.LimitReader(s.reader, maxWholeBody+1))
	s.finish()
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if len(b) > maxWholeBody {
		return "", ErrResponseTooLarge
	}
	text := wholeBodyText(b)
	if text == "" {
		return "", io.EOF
	}
	return text, nil
}

// recvRaw yields body bytes as they arrive. A rune split across reads is held until complete.
func (s *Stream) recvRaw() (string, error) {
	if s.buf == nil {
		s.buf = make([]byte, 32<<10)
	}
	for {
		n, err := s.reader.Read(s.buf)
		s.pending = append(s.pending, s.buf[:n]...)
		if err != nil {
			s.finish()
			text := string(s.pending)
			s.pending = nil
			if !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("read chat response: %w", err)
			}
			if strings.TrimSpace(text) == "" {
				return "", io.EOF
			}
			return text, nil
		}
		cut := completeRunes(s.pending)
		if cut == 0 {
			continue
		}
		text := string(s.pending[:cut])
		s.pending = append(s.pending[:0], s.pending[cut:]...)
		return text, nil
	}
}

// completeRunes returns the length of the prefix of b that ends on a rune boundary.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func (s *Stream) recvEvent() (string, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			chunk, stop := parseEventLine(line)
			if stop {
				s.finish()
				return "", io.EOF
			}
			if chunk != "" {
				if err != nil {
					s.finish()
				}
				return chunk, nil
			}
		}
		if err != nil {
			s.finish()
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("read chat stream: %w", err)
		}
	}
}

func (s *Stream) finish() {
	_ = s.Close()
}

// parseEventLine interprets one line of an event stream. stop reports the [DONE] sentinel.
func parseEventLine(line string) (chunk string, stop bool) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case strings.TrimSpace(line) == "":
		return "", false
	case strings.HasPrefix(line, ":"):
		return "", false
	case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
		return "", false
	case strings.HasPrefix(line, "data:"):
		payload := strings.TrimPrefix(line, "data:")
		payload = strings.TrimPrefix(payload, " ")
		if strings.TrimSpace(payload) == "[DONE]" {
			return "", true
		}
		return eventPayloadText(payload), false
	default:
		return wholeBodyText([]byte(line)), false
	}
}

// eventPayloadText extracts the text of a data record. Non-JSON payloads are returned verbatim.
func eventPayloadText(payload string) string {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return payload
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		text, _ := textField(t)
		return text
	default:
		return payload
	}
}

// wholeBodyText extracts response/content from a JSON object, else returns the raw text.
func wholeBodyText(b []byte) string {
	if len(bytes.TrimSpace(b)) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err == nil {
		if text, ok := textField(obj); ok {
			return text
		}
	}
	return string(b)
}

func textField(obj map[string]any) (string, bool) {
	for _, key := range []string{"response", "content"} {
		if v, ok := obj[key].(string); ok {
			return v, true
		}
	}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			for _, key := range []string{"delta", "message"} {
				if inner, ok := c0[key].(map[string]any); ok {
					if content, ok := inner["content"].(string); ok {
						return content, true
					}
				}
			}
		}
	}
	return "", false
}

type staticStream struct {
	mu     sync.Mutex
	chunks []string
	closed bool
}

// StaticStream yields the given chunks in order.
func StaticStream(chunks ...string) ChunkStream {
	cp := append([]string(nil), chunks...)
	return &staticStream{chunks: cp}
}

func (s *staticStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.chunks) == 0 {
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *staticStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

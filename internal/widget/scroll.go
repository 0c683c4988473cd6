package widget

import (
	"sync"
	"time"
)

const (
	// BottomThreshold is how close to the end of the list still counts as "at bottom", in pixels.
	BottomThreshold = 100
	// ResumeQuietPeriod is how long the user must stay at the bottom before auto-scroll resumes.
	ResumeQuietPeriod = time.Second

	streamingScrollDelay = 200 * time.Millisecond
	idleScrollDelay      = 50 * time.Millisecond
)

func IsAtBottom(scrollHeight, scrollTop, clientHeight float64) bool {
	return scrollHeight-scrollTop <= clientHeight+BottomThreshold
}

// ScrollDelay is the wait before scrolling to the newest message.
func ScrollDelay(streaming bool) time.Duration {
	if streaming {
		return streamingScrollDelay
	}
	return idleScrollDelay
}

// ScrollTracker decides whether the message list should follow new content.
type ScrollTracker struct {
	mu       sync.Mutex
	now      func() time.Time
	enabled  bool
	manual   bool
	resumeAt time.Time
}

func NewScrollTracker(now func() time.Time) *ScrollTracker {
	if now == nil {
		now = time.Now
	}
	return &ScrollTracker{now: now, enabled: true}
}

// OnScroll records a scroll position reported by the client. Leaving the bottom marks a
// manual scroll; coming back schedules auto-scroll to resume after the quiet period.
func (t *ScrollTracker) OnScroll(scrollHeight, scrollTop, clientHeight float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !IsAtBottom(scrollHeight, scrollTop, clientHeight) {
		t.manual = true
		t.resumeAt = time.Time{}
		return
	}
	if t.manual {
		t.resumeAt = t.now().Add(ResumeQuietPeriod)
	}
}

func (t *ScrollTracker) ShouldAutoScroll() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return false
	}
	t.settleLocked()
	return !t.manual
}

// ScrolledAway reports whether the user is currently reading older messages.
func (t *ScrollTracker) ScrolledAway() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settleLocked()
	return t.manual
}

// Resume re-enables following immediately, as the "jump to latest" control does.
func (t *ScrollTracker) Resume() {
	t.mu.Lock()
	t.manual = false
	t.resumeAt = time.Time{}
	t.mu.Unlock()
}

func (t *ScrollTracker) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	if enabled {
		t.manual = false
		t.resumeAt = time.Time{}
	}
	t.mu.Unlock()
}

func (t *ScrollTracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *ScrollTracker) settleLocked() {
	if t.manual && !t.resumeAt.IsZero() && !t.now().Before(t.resumeAt) {
		t.manual = false
		t.resumeAt = time.Time{}
	}
}

package chat

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// GreetingID identifies the synthetic greeting every fresh conversation starts with.
// The greeting is never persisted.
const GreetingID = "1"

const GreetingText = "Hello! I'm your AI legal assistant. I can help you understand legal concepts, " +
	"find relevant case law, and guide you through legal processes. How can I assist you today?"

// Message is one entry of a conversation. IDs are unique within a session only.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Failed    bool      `json:"failed,omitempty"`
}

type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

func Greeting(now time.Time) Message {
	return Message{
		ID:        GreetingID,
		Role:      RoleAssistant,
		Content:   GreetingText,
		Timestamp: now,
	}
}

func IsGreeting(m Message) bool {
	return m.ID == GreetingID && m.Role == RoleAssistant
}

func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant
}

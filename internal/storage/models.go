package storage

import "time"

type Session struct {
	ID           string
	UserID       string
	Title        string
	MetadataJSON string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	SessionID string
	ID        string
	Seq       int64
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

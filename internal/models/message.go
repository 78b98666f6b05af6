package models

import "time"

// Message is a single entry in a case conversation. Messages are append-only.
type Message struct {
	ID         int64     `json:"id"`
	CaseID     string    `json:"case_id"`
	SenderRole Role      `json:"sender_role"`
	SenderID   int64     `json:"sender_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

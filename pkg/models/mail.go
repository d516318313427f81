package models

import "time"

// Email is a synced inbound mail record. This subsystem only reads them.
type Email struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	IsRead     bool      `json:"is_read"`
	ReceivedAt time.Time `json:"received_at"`
}

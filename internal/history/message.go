package history

import "time"

// Roles a stored message can carry. The system role never appears in the
// database; the system prompt lives in config and is prepended at
// selection time.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversational message together with the token
// count measured when it was stored. Counts are always produced by the
// same tokenizer that sizes new input, so summing stored counts is safe.
type Message struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

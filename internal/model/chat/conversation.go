package chat

import "time"

// Conversation identifies one app instance hosting a chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

package chat

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one bubble in the conversation thread.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

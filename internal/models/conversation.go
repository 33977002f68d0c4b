package models

import "time"

// Roles a message can carry within a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TokenUsage records the token counts reported by the completion service.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Feedback is a user rating attached to a single assistant message.
// It can be set at most once per message.
type Feedback struct {
	Score int    `json:"score"`
	Text  string `json:"text,omitempty"`
}

// Message is one turn of a conversation. ID is assigned when the message is
// appended to an instance and is the key used for feedback attachment.
type Message struct {
	ID       string           `json:"id"`
	Role     string           `json:"role"` // system, user, or assistant
	Content  string           `json:"content"`
	Context  *RetrievalResult `json:"context,omitempty"`
	Usage    *TokenUsage      `json:"usage,omitempty"`
	Model    string           `json:"model,omitempty"`
	Feedback *Feedback        `json:"feedback,omitempty"`
}

// ChatMessage is the plain role/content pair sent to the completion service.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Instance is one persisted conversation thread, scoped to an owning user and
// a pipeline version. Shared is set by the loader on instances reached through
// the sharing relation; it is not a stored column.
type Instance struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	ExperimentID string    `json:"experiment_id"`
	CreatedAt    time.Time `json:"created_at"`
	Messages     []Message `json:"messages"`
	Shared       bool      `json:"shared"`
}

// ChatMessages converts the full ordered history into the role/content pairs
// the completion service accepts.
func (in *Instance) ChatMessages() []ChatMessage {
	out := make([]ChatMessage, 0, len(in.Messages))
	for _, m := range in.Messages {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// Completion is the normalized response of one completion call.
type Completion struct {
	Content string     `json:"content"`
	Model   string     `json:"model"`
	Usage   TokenUsage `json:"usage"`
}

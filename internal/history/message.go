package history

// Roles understood by the chat model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single conversational message as persisted in a snapshot file.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered list of messages. Turn order is never changed.
type Conversation []Message

// Seed returns the default single-message conversation for a new session.
func Seed(systemPrompt string) Conversation {
	return Conversation{{Role: RoleSystem, Content: systemPrompt}}
}

// Append returns a copy of c with msgs added at the end.
func (c Conversation) Append(msgs ...Message) Conversation {
	out := make(Conversation, 0, len(c)+len(msgs))
	out = append(out, c...)
	return append(out, msgs...)
}

// Clone returns an independent copy of c.
func (c Conversation) Clone() Conversation {
	return c.Append()
}

// WithoutSystem returns the messages whose role is not system.
func (c Conversation) WithoutSystem() Conversation {
	out := make(Conversation, 0, len(c))
	for _, m := range c {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

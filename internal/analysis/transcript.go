package analysis

import (
	"strings"

	"github.com/comigor/chatrelay/internal/history"
)

// Speakers maps chat roles onto the names used in the flattened transcript.
type Speakers struct {
	User      string
	Assistant string
}

// DefaultSpeakers are the names the summarization model was tuned on.
var DefaultSpeakers = Speakers{User: "Max", Assistant: "Moritz"}

// Transcript drops system messages and renders the rest as "<speaker>: <content>" lines.
func Transcript(conv history.Conversation, sp Speakers) string {
	var b strings.Builder
	for _, m := range conv.WithoutSystem() {
		speaker := "Unknown"
		switch m.Role {
		case history.RoleUser:
			speaker = sp.User
		case history.RoleAssistant:
			speaker = sp.Assistant
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

package models

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TokenUsage holds token counts reported by the gateway for one completion.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// MessageMetadata is optional enrichment attached to a completed assistant
// message. It is never required for a message to be valid.
type MessageMetadata struct {
	Model      string     `json:"model"`
	Tokens     TokenUsage `json:"tokens"`
	DurationMs int64      `json:"durationMs"`
	Timestamp  int64      `json:"timestamp"`
}

// Message is one entry in a conversation. Messages are append-only except for
// the in-progress assistant message, which is replaced wholesale on each
// streamed increment.
type Message struct {
	Role     Role             `json:"role"`
	Content  string           `json:"content"`
	Thinking string           `json:"thinking,omitempty"`
	Files    []Attachment     `json:"files,omitempty"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// Attachment is a validated, inline-encoded file owned by its message.
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	Data      string `json:"data"`
}

package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const defaultTitleLimit = 50

// Conversation is the unit of persistence. ProjectID == "" means the
// conversation lives in the Miscellaneous bucket; that is a valid terminal
// state, not a pending one.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	ProjectID   string    `json:"projectId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewConversation creates a conversation record for a just-completed first
// turn. The default title is the truncated first user message.
func NewConversation(model, firstUserMessage string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.New().String(),
		Title:     DefaultTitle(firstUserMessage),
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch bumps UpdatedAt. Every mutation goes through here before a save.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now()
}

// DefaultTitle truncates content to a short display title.
func DefaultTitle(content string) string {
	title := strings.TrimSpace(content)
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= defaultTitleLimit {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:defaultTitleLimit])) + "…"
}

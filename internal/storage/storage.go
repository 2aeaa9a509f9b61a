package storage

import (
	"context"
	"errors"

	"github.com/xaenox/chatd/internal/models"
)

// ErrNotFound is returned when a conversation or project id is unknown.
var ErrNotFound = errors.New("not found")

type ConversationStorage interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]*models.Conversation, error)
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	DeleteConversation(ctx context.Context, id string) error

	// CompareAndSwapProjectID assigns projectID only if the conversation's
	// current project id still equals expected. Returns whether the swap
	// was applied. This is the optimistic guard the auto-categorization
	// pipeline relies on: a manual assignment always wins.
	CompareAndSwapProjectID(ctx context.Context, convID, expected, projectID string) (bool, error)

	GetActiveConversation(ctx context.Context) (string, error)
	SetActiveConversation(ctx context.Context, id string) error
}

type ProjectStorage interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	SaveProject(ctx context.Context, project *models.Project) error

	// DeleteProject removes the project and reassigns all of its
	// conversations to the Miscellaneous bucket. Deleting an unknown id is
	// a no-op.
	DeleteProject(ctx context.Context, id string) error

	SetProjectExpanded(ctx context.Context, id string, expanded bool) error
	ProjectExpanded(ctx context.Context, id string) (bool, error)
}

type StateStorage interface {
	GetTheme(ctx context.Context) (models.Theme, error)
	SetTheme(ctx context.Context, theme models.Theme) error
}

type Storage interface {
	ConversationStorage
	ProjectStorage
	StateStorage
	Close() error
}

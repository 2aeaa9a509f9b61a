package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/xaenox/chatd/internal/models"
)

// MemoryStorage is the default backend: a last-write-wins key-value map
// guarded by one lock. Values are deep-copied on the way in and out so
// callers never alias store state.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	projects      map[string]*models.Project
	expanded      map[string]bool
	activeID      string
	theme         models.Theme
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*models.Conversation),
		projects:      make(map[string]*models.Project),
		expanded:      make(map[string]bool),
		theme:         models.ThemeSystem,
	}
}

func (s *MemoryStorage) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStorage) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		result = append(result, cloneConversation(conv))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStorage) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv.Touch()
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryStorage) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, id)
	if s.activeID == id {
		s.activeID = ""
	}
	return nil
}

func (s *MemoryStorage) CompareAndSwapProjectID(ctx context.Context, convID, expected, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return false, ErrNotFound
	}
	if conv.ProjectID != expected {
		return false, nil
	}
	conv.ProjectID = projectID
	conv.Touch()
	return true, nil
}

func (s *MemoryStorage) GetActiveConversation(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeID, nil
}

func (s *MemoryStorage) SetActiveConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeID = id
	return nil
}

func (s *MemoryStorage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project, exists := s.projects[id]
	if !exists {
		return nil, ErrNotFound
	}
	clone := *project
	return &clone, nil
}

func (s *MemoryStorage) ListProjects(ctx context.Context) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Project, 0, len(s.projects))
	for _, project := range s.projects {
		clone := *project
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStorage) SaveProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	project.Touch()
	clone := *project
	s.projects[project.ID] = &clone
	return nil
}

func (s *MemoryStorage) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[id]; !exists {
		return nil
	}
	delete(s.projects, id)
	delete(s.expanded, id)

	// Cascade: orphaned conversations fall back to the Miscellaneous bucket.
	for _, conv := range s.conversations {
		if conv.ProjectID == id {
			conv.ProjectID = ""
			conv.Touch()
		}
	}
	return nil
}

func (s *MemoryStorage) SetProjectExpanded(ctx context.Context, id string, expanded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expanded[id] = expanded
	return nil
}

func (s *MemoryStorage) ProjectExpanded(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.expanded[id], nil
}

func (s *MemoryStorage) GetTheme(ctx context.Context) (models.Theme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.theme, nil
}

func (s *MemoryStorage) SetTheme(ctx context.Context, theme models.Theme) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.theme = theme
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	clone := *conv
	clone.Messages = make([]models.Message, len(conv.Messages))
	for i, msg := range conv.Messages {
		clone.Messages[i] = msg
		if msg.Metadata != nil {
			meta := *msg.Metadata
			clone.Messages[i].Metadata = &meta
		}
		if len(msg.Files) > 0 {
			clone.Messages[i].Files = append([]models.Attachment(nil), msg.Files...)
		}
	}
	return &clone
}

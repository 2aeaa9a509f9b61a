package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/xaenox/chatd/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

// PostgresStorage is the durable backend. Conversations keep their message
// list as a single JSONB document; the store stays a per-id last-write-wins
// map, the same contract MemoryStorage offers.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStorage) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, title, description, model, project_id, messages, created_at, updated_at
		FROM conversations
		WHERE id = $1`

	conv := &models.Conversation{}
	var projectID sql.NullString
	var messagesJSON []byte

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.Title,
		&conv.Description,
		&conv.Model,
		&projectID,
		&messagesJSON,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %v", err)
	}

	conv.ProjectID = projectID.String
	if err := json.Unmarshal(messagesJSON, &conv.Messages); err != nil {
		return nil, fmt.Errorf("error decoding messages: %v", err)
	}
	return conv, nil
}

func (s *PostgresStorage) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	query := `
		SELECT id, title, description, model, project_id, messages, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %v", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		var projectID sql.NullString
		var messagesJSON []byte
		err := rows.Scan(
			&conv.ID,
			&conv.Title,
			&conv.Description,
			&conv.Model,
			&projectID,
			&messagesJSON,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning conversation: %v", err)
		}
		conv.ProjectID = projectID.String
		if err := json.Unmarshal(messagesJSON, &conv.Messages); err != nil {
			return nil, fmt.Errorf("error decoding messages: %v", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (s *PostgresStorage) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	conv.Touch()

	messagesJSON, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("error encoding messages: %v", err)
	}

	query := `
		INSERT INTO conversations (id, title, description, model, project_id, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET title = $2, description = $3, model = $4, project_id = $5, messages = $6, updated_at = $8`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Title,
		conv.Description,
		conv.Model,
		nullString(conv.ProjectID),
		messagesJSON,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error saving conversation: %v", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("error deleting conversation: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM app_state WHERE key = 'active_conversation_id' AND value = $1`, id); err != nil {
		return fmt.Errorf("error clearing active conversation: %v", err)
	}
	return nil
}

func (s *PostgresStorage) CompareAndSwapProjectID(ctx context.Context, convID, expected, projectID string) (bool, error) {
	var result sql.Result
	var err error
	if expected == "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET project_id = $2, updated_at = NOW() WHERE id = $1 AND project_id IS NULL`,
			convID, nullString(projectID))
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET project_id = $2, updated_at = NOW() WHERE id = $1 AND project_id = $3`,
			convID, nullString(projectID), expected)
	}
	if err != nil {
		return false, fmt.Errorf("error swapping project id: %v", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %v", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, convID).Scan(&exists); err != nil {
			return false, fmt.Errorf("error checking conversation: %v", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStorage) GetActiveConversation(ctx context.Context) (string, error) {
	return s.getState(ctx, "active_conversation_id", "")
}

func (s *PostgresStorage) SetActiveConversation(ctx context.Context, id string) error {
	return s.setState(ctx, "active_conversation_id", id)
}

func (s *PostgresStorage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	query := `
		SELECT id, name, description, color, created_at, updated_at
		FROM projects
		WHERE id = $1`

	project := &models.Project{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&project.ID,
		&project.Name,
		&project.Description,
		&project.Color,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying project: %v", err)
	}
	return project, nil
}

func (s *PostgresStorage) ListProjects(ctx context.Context) ([]*models.Project, error) {
	query := `
		SELECT id, name, description, color, created_at, updated_at
		FROM projects
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying projects: %v", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		project := &models.Project{}
		err := rows.Scan(
			&project.ID,
			&project.Name,
			&project.Description,
			&project.Color,
			&project.CreatedAt,
			&project.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning project: %v", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *PostgresStorage) SaveProject(ctx context.Context, project *models.Project) error {
	project.Touch()

	query := `
		INSERT INTO projects (id, name, description, color, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, description = $3, color = $4, updated_at = $6`

	_, err := s.db.ExecContext(ctx, query,
		project.ID,
		project.Name,
		project.Description,
		project.Color,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error saving project: %v", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	// Cascade to the Miscellaneous bucket, never cascade-delete.
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET project_id = NULL, updated_at = NOW() WHERE project_id = $1`, id); err != nil {
		return fmt.Errorf("error reassigning conversations: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("error deleting project: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM app_state WHERE key = $1`, expandedKey(id)); err != nil {
		return fmt.Errorf("error deleting project state: %v", err)
	}
	return tx.Commit()
}

func (s *PostgresStorage) SetProjectExpanded(ctx context.Context, id string, expanded bool) error {
	value := "false"
	if expanded {
		value = "true"
	}
	return s.setState(ctx, expandedKey(id), value)
}

func (s *PostgresStorage) ProjectExpanded(ctx context.Context, id string) (bool, error) {
	value, err := s.getState(ctx, expandedKey(id), "false")
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

func (s *PostgresStorage) GetTheme(ctx context.Context) (models.Theme, error) {
	value, err := s.getState(ctx, "theme", string(models.ThemeSystem))
	if err != nil {
		return "", err
	}
	return models.Theme(value), nil
}

func (s *PostgresStorage) SetTheme(ctx context.Context, theme models.Theme) error {
	return s.setState(ctx, "theme", string(theme))
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func (s *PostgresStorage) getState(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("error querying state: %v", err)
	}
	return value, nil
}

func (s *PostgresStorage) setState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2`, key, value)
	if err != nil {
		return fmt.Errorf("error saving state: %v", err)
	}
	return nil
}

func expandedKey(projectID string) string {
	return "project_expanded:" + projectID
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xaenox/chatd/internal/models"
)

// ChatRequest is the streaming completion request for one chat turn.
type ChatRequest struct {
	Messages []models.Message `json:"messages"`
	Model    string           `json:"model"`
	Thinking bool             `json:"thinking,omitempty"`
}

// ProjectSummary is the slice of a project the matcher is allowed to see.
type ProjectSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// MatchResult is the matcher's verdict. Confidence is raw as returned by the
// gateway; the caller clamps and thresholds it.
type MatchResult struct {
	MatchedProjectID string  `json:"matchedProjectId"`
	Confidence       float64 `json:"confidence"`
}

// Client is the completion gateway seen by the rest of the system. StreamChat
// returns the raw marker-encoded stream for the demultiplexer; the helper
// calls return single parsed results.
type Client interface {
	StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
	GenerateTitle(ctx context.Context, messages []models.Message) (string, error)
	GenerateDescription(ctx context.Context, messages []models.Message) (string, error)
	MatchProject(ctx context.Context, description string, projects []ProjectSummary) (MatchResult, error)
}

type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPClient(baseURL, apiKey string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// No overall timeout: chat streams are open-ended. Cancellation
		// comes from the request context.
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (c *HTTPClient) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	resp, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, errorFromResponse(resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *HTTPClient) GenerateTitle(ctx context.Context, messages []models.Message) (string, error) {
	resp, err := c.post(ctx, "/api/title", map[string]any{"messages": messages})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", networkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errorFromResponse(resp.StatusCode, body)
	}
	// The title endpoint streams plain text; buffer it fully and clean it
	// up before anyone sees it.
	return cleanShortText(string(body)), nil
}

func (c *HTTPClient) GenerateDescription(ctx context.Context, messages []models.Message) (string, error) {
	var result struct {
		Description string `json:"description"`
	}
	if err := c.postJSON(ctx, "/api/description", map[string]any{"messages": messages}, &result); err != nil {
		return "", err
	}
	return StripCodeFence(result.Description), nil
}

func (c *HTTPClient) MatchProject(ctx context.Context, description string, projects []ProjectSummary) (MatchResult, error) {
	var result MatchResult
	req := map[string]any{
		"conversationDescription": description,
		"projects":                projects,
	}
	if err := c.postJSON(ctx, "/api/match", req, &result); err != nil {
		return MatchResult{}, err
	}
	return result, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Cancellation is not a network failure; let callers see it as such.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("Gateway request failed", zap.String("path", path), zap.Error(err))
		return nil, networkError(err)
	}
	return resp, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, result any) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// cleanShortText trims whitespace and surrounding quotes from a short
// generated string.
func cleanShortText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'")
	return strings.TrimSpace(s)
}

// StripCodeFence removes a markdown code fence wrapper a model sometimes adds
// around a short answer.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop an optional language tag on the opening fence.
		first := strings.TrimSpace(s[:idx])
		if !strings.ContainsAny(first, " \t") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

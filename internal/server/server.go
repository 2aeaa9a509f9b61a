// Package server implements the gateway proxy: the thin HTTP surface the chat
// client speaks to, backed by an OpenAI-compatible completion service. The
// main chat route re-encodes the upstream stream into the in-band
// marker format the client's demultiplexer consumes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/chatd/internal/attachment"
	"github.com/xaenox/chatd/internal/gateway"
	"github.com/xaenox/chatd/internal/models"
	"github.com/xaenox/chatd/internal/stream"
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

type Server struct {
	echo   *echo.Echo
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Server {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, cfg: cfg, logger: logger}

	e.POST("/api/chat", s.handleChat)
	e.POST("/api/title", s.handleTitle)
	e.POST("/api/description", s.handleDescription)
	e.POST("/api/match", s.handleMatch)

	return s
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type chatRequest struct {
	Messages []models.Message `json:"messages"`
	Model    string           `json:"model"`
	Thinking bool             `json:"thinking"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "malformed request body", false)
	}
	if len(req.Messages) == 0 {
		return writeError(c, http.StatusBadRequest, "messages must not be empty", false)
	}

	client, err := s.upstream(c)
	if err != nil {
		return err
	}
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}

	started := time.Now()
	upstream, err := client.CreateChatCompletionStream(c.Request().Context(), openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: float32(s.cfg.Temperature),
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return s.upstreamError(c, err)
	}
	defer upstream.Close()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	resp.WriteHeader(http.StatusOK)

	// Answer text streams through live. Reasoning is buffered and emitted
	// as a single trailing thinking section: on the wire, everything after
	// the thinking marker up to the metadata marker is thinking text, so
	// the marker may only open once the answer is complete.
	var usage models.TokenUsage
	var reasoning strings.Builder
	for {
		chunk, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are already out; all we can do is log and end the
			// stream before the metadata marker.
			s.logger.Error("Upstream stream failed", zap.Error(err))
			return nil
		}

		if chunk.Usage != nil {
			usage = models.TokenUsage{
				Input:  chunk.Usage.PromptTokens,
				Output: chunk.Usage.CompletionTokens,
				Total:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if err := writeChunk(resp, delta.Content); err != nil {
				return nil
			}
		}
		if req.Thinking && delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
		}
	}

	if reasoning.Len() > 0 {
		if err := writeChunk(resp, stream.ThinkingMarker+reasoning.String()); err != nil {
			return nil
		}
	}

	metadata, err := json.Marshal(map[string]any{
		"model":     model,
		"tokens":    usage,
		"duration":  time.Since(started).Milliseconds(),
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return nil
	}
	_ = writeChunk(resp, stream.MetadataMarker+string(metadata))
	return nil
}

func (s *Server) handleTitle(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "malformed request body", false)
	}

	client, err := s.upstream(c)
	if err != nil {
		return err
	}

	messages := append([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
	}, toOpenAIMessages(truncateMessages(req.Messages, 4))...)

	upstream, err := client.CreateChatCompletionStream(c.Request().Context(), openai.ChatCompletionRequest{
		Model:    s.cfg.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return s.upstreamError(c, err)
	}
	defer upstream.Close()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	resp.WriteHeader(http.StatusOK)

	for {
		chunk, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.logger.Error("Upstream title stream failed", zap.Error(err))
			return nil
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := writeChunk(resp, chunk.Choices[0].Delta.Content); err != nil {
				return nil
			}
		}
	}
}

func (s *Server) handleDescription(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "malformed request body", false)
	}

	client, err := s.upstream(c)
	if err != nil {
		return err
	}

	messages := append([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: descriptionPrompt},
	}, toOpenAIMessages(truncateMessages(req.Messages, 4))...)

	resp, err := client.CreateChatCompletion(c.Request().Context(), openai.ChatCompletionRequest{
		Model:    s.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		return s.upstreamError(c, err)
	}
	if len(resp.Choices) == 0 {
		return writeError(c, http.StatusInternalServerError, "empty completion response", false)
	}

	description := gateway.StripCodeFence(strings.TrimSpace(resp.Choices[0].Message.Content))
	return c.JSON(http.StatusOK, map[string]string{"description": description})
}

type matchRequest struct {
	ConversationDescription string                   `json:"conversationDescription"`
	Projects                []gateway.ProjectSummary `json:"projects"`
}

type matchResponse struct {
	MatchedProjectID *string `json:"matchedProjectId"`
	Confidence       float64 `json:"confidence"`
}

func (s *Server) handleMatch(c echo.Context) error {
	var req matchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "malformed request body", false)
	}
	if req.ConversationDescription == "" {
		return writeError(c, http.StatusBadRequest, "conversationDescription is required", false)
	}
	if len(req.Projects) == 0 {
		return c.JSON(http.StatusOK, matchResponse{MatchedProjectID: nil, Confidence: 0})
	}

	client, err := s.upstream(c)
	if err != nil {
		return err
	}

	candidates, err := json.Marshal(req.Projects)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "malformed project list", false)
	}
	user := fmt.Sprintf("Conversation description: %s\n\nCandidate projects:\n%s",
		req.ConversationDescription, candidates)

	resp, err := client.CreateChatCompletion(c.Request().Context(), openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: matchPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return s.upstreamError(c, err)
	}

	// A model that ignores the output contract degrades to no-match.
	result := matchResponse{}
	if len(resp.Choices) > 0 {
		raw := gateway.StripCodeFence(strings.TrimSpace(resp.Choices[0].Message.Content))
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			s.logger.Warn("Unparseable match response", zap.String("response", raw))
			result = matchResponse{}
		}
	}
	return c.JSON(http.StatusOK, result)
}

// upstream builds the completion client for one request. The caller's bearer
// token wins over the configured key; with neither, the client is told to
// prompt for setup.
func (s *Server) upstream(c echo.Context) (*openai.Client, error) {
	key := strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	key = strings.TrimSpace(key)
	if key == "" {
		key = s.cfg.APIKey
	}
	if key == "" {
		return nil, writeError(c, http.StatusUnauthorized, "no API key configured", true)
	}

	clientConfig := openai.DefaultConfig(key)
	if s.cfg.BaseURL != "" {
		clientConfig.BaseURL = s.cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig), nil
}

func (s *Server) upstreamError(c echo.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return writeError(c, http.StatusUnauthorized, "invalid or missing credential", true)
		case http.StatusTooManyRequests:
			return writeError(c, http.StatusTooManyRequests, "rate limited, retry later", false)
		}
		return writeError(c, http.StatusInternalServerError, apiErr.Message, false)
	}
	s.logger.Error("Upstream request failed", zap.Error(err))
	return writeError(c, http.StatusServiceUnavailable, "completion service unreachable", false)
}

func writeError(c echo.Context, status int, message string, requiresSetup bool) error {
	body := map[string]any{"error": message}
	if requiresSetup {
		body["requiresSetup"] = true
	}
	return c.JSON(status, body)
}

func writeChunk(resp *echo.Response, text string) error {
	if _, err := io.WriteString(resp, text); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

// toOpenAIMessages converts chat messages, inlining image attachments as
// data URLs.
func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		images := imageAttachments(msg.Files)
		if len(images) == 0 {
			converted = append(converted, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
			continue
		}

		parts := []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: msg.Content},
		}
		for _, att := range images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    attachment.DataURL(att),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		converted = append(converted, openai.ChatCompletionMessage{
			Role:         string(msg.Role),
			MultiContent: parts,
		})
	}
	return converted
}

func imageAttachments(files []models.Attachment) []models.Attachment {
	var images []models.Attachment
	for _, att := range files {
		if strings.HasPrefix(att.MimeType, "image/") {
			images = append(images, att)
		}
	}
	return images
}

func truncateMessages(messages []models.Message, limit int) []models.Message {
	if len(messages) <= limit {
		return messages
	}
	return messages[:limit]
}

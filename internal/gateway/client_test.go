package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/chatd/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "test-key", zap.NewNop())
}

func TestStreamChatSendsAuthAndBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.True(t, req.Thinking)
		require.Len(t, req.Messages, 1)

		io.WriteString(w, "streamed body")
	})

	body, err := client.StreamChat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Model:    "gpt-4o-mini",
		Thinking: true,
	})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "streamed body", string(data))
}

func TestStreamChatUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"no API key configured","requiresSetup":true}`)
	})

	_, err := client.StreamChat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindUnauthorized, gerr.Kind)
	assert.Equal(t, "no API key configured", gerr.Message)
	assert.True(t, gerr.RequiresSetup)
	assert.True(t, IsKind(err, KindUnauthorized))
}

func TestStreamChatRateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"slow down"}`)
	})

	_, err := client.StreamChat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	assert.True(t, IsKind(err, KindRateLimited))
}

func TestStreamChatServiceUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "not json at all")
	})

	_, err := client.StreamChat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindNetworkUnavailable, gerr.Kind)
	// Unparseable body falls back to the status text.
	assert.Equal(t, http.StatusText(http.StatusServiceUnavailable), gerr.Message)
}

func TestNetworkFailureIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on
	client := NewHTTPClient(srv.URL, "", zap.NewNop())

	_, err := client.GenerateTitle(context.Background(), nil)
	assert.True(t, IsKind(err, KindNetworkUnavailable))
}

func TestCancellationIsNotANetworkError(t *testing.T) {
	blocked := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	})
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.StreamChat(ctx, ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsKind(err, KindNetworkUnavailable))
}

func TestGenerateTitleCleansResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/title", r.URL.Path)
		io.WriteString(w, "\n  \"Garden Irrigation Planning\"  \n")
	})

	title, err := client.GenerateTitle(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "help me plan irrigation"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Garden Irrigation Planning", title)
}

func TestGenerateDescriptionStripsFence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/description", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"description": "```\nUser wants irrigation planning help\n```",
		})
	})

	desc, err := client.GenerateDescription(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "User wants irrigation planning help", desc)
}

func TestMatchProjectNullMatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/match", r.URL.Path)

		var req struct {
			ConversationDescription string           `json:"conversationDescription"`
			Projects                []ProjectSummary `json:"projects"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "irrigation help", req.ConversationDescription)
		require.Len(t, req.Projects, 1)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"matchedProjectId":null,"confidence":0}`)
	})

	result, err := client.MatchProject(context.Background(), "irrigation help", []ProjectSummary{
		{ID: "p1", Name: "gardening", Description: "garden work"},
	})
	require.NoError(t, err)
	assert.Empty(t, result.MatchedProjectID)
	assert.Zero(t, result.Confidence)
}

func TestMatchProjectPositiveMatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"matchedProjectId":"p1","confidence":0.9}`)
	})

	result, err := client.MatchProject(context.Background(), "desc", []ProjectSummary{{ID: "p1"}})
	require.NoError(t, err)
	assert.Equal(t, "p1", result.MatchedProjectID)
	assert.Equal(t, 0.9, result.Confidence)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, "plain", StripCodeFence("plain"))
	assert.Equal(t, "body", StripCodeFence("```\nbody\n```"))
	assert.Equal(t, "body", StripCodeFence("```json\nbody\n```"))
	assert.Equal(t, "one line", StripCodeFence("```one line```"))
	assert.Equal(t, "", StripCodeFence("   "))
}

// Package categorize runs the background enrichment chain after a
// conversation's first completed turn: title generation, description
// generation, then project matching. Every step degrades locally; nothing in
// here may disturb the user's already-completed turn.
package categorize

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/chatd/internal/gateway"
	"github.com/xaenox/chatd/internal/models"
	"github.com/xaenox/chatd/internal/storage"
)

const (
	// FallbackDescription is written when description generation fails or
	// returns nothing usable.
	FallbackDescription = "Untitled conversation"

	// matchThreshold is the minimum clamped confidence for an automatic
	// project assignment.
	matchThreshold = 0.7

	defaultRevealDelay = 30 * time.Millisecond
)

// TitleRevealFunc observes the character-by-character title reveal. It is UI
// decoration only; the store sees a single write once the reveal completes.
type TitleRevealFunc func(conversationID, partial string)

type Pipeline struct {
	store       storage.Storage
	gateway     gateway.Client
	logger      *zap.Logger
	revealDelay time.Duration
	onReveal    TitleRevealFunc
}

func NewPipeline(store storage.Storage, gw gateway.Client, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		gateway:     gw,
		logger:      logger,
		revealDelay: defaultRevealDelay,
	}
}

// SetTitleObserver registers the reveal callback.
func (p *Pipeline) SetTitleObserver(fn TitleRevealFunc) {
	p.onReveal = fn
}

// SetRevealDelay overrides the per-character reveal delay.
func (p *Pipeline) SetRevealDelay(d time.Duration) {
	p.revealDelay = d
}

// Run enriches one conversation. It never returns an error: each step catches
// its own failures, and a final store write always lands so the conversation
// is never left partially enriched and unsaved.
func (p *Pipeline) Run(ctx context.Context, conversationID string) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		p.logger.Error("Failed to load conversation for enrichment",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return
	}

	p.generateTitle(ctx, conversationID, conv.Messages)
	description := p.generateDescription(ctx, conv.Messages)
	p.matchProject(ctx, conversationID, description)

	// Final write. Re-read first so a concurrent manual project move is
	// not clobbered.
	fresh, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		p.logger.Error("Failed to reload conversation",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return
	}
	fresh.Description = description
	if err := p.store.SaveConversation(ctx, fresh); err != nil {
		p.logger.Error("Failed to save enriched conversation",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
	}
}

// generateTitle buffers the full generated title, replays it to the observer
// one character at a time, and only then writes it to the store. The replay
// exists to bound the rate of UI updates, not the rate of writes.
func (p *Pipeline) generateTitle(ctx context.Context, conversationID string, messages []models.Message) {
	title, err := p.gateway.GenerateTitle(ctx, messages)
	if err != nil {
		p.logger.Warn("Title generation failed",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return
	}
	if title == "" {
		return
	}

	runes := []rune(title)
	for i := range runes {
		if p.onReveal != nil {
			p.onReveal(conversationID, string(runes[:i+1]))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.revealDelay):
		}
	}

	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		p.logger.Error("Failed to reload conversation for title",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return
	}
	conv.Title = title
	if err := p.store.SaveConversation(ctx, conv); err != nil {
		p.logger.Error("Failed to save title",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
	}
}

func (p *Pipeline) generateDescription(ctx context.Context, messages []models.Message) string {
	description, err := p.gateway.GenerateDescription(ctx, messages)
	if err != nil {
		p.logger.Warn("Description generation failed", zap.Error(err))
		return FallbackDescription
	}
	description = strings.TrimSpace(gateway.StripCodeFence(description))
	if description == "" {
		return FallbackDescription
	}
	return description
}

// matchProject scores the conversation against existing projects and assigns
// one when confident. Manual assignment always wins: the conversation is
// skipped if already categorized, and the final write is a compare-and-swap
// so a move that lands mid-match is never overwritten.
func (p *Pipeline) matchProject(ctx context.Context, conversationID, description string) {
	projects, err := p.store.ListProjects(ctx)
	if err != nil {
		p.logger.Error("Failed to list projects", zap.Error(err))
		return
	}
	if len(projects) == 0 {
		return
	}

	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		p.logger.Error("Failed to reload conversation for match",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return
	}
	if conv.ProjectID != "" {
		p.logger.Debug("Conversation already categorized, skipping match",
			zap.String("conversation_id", conversationID),
			zap.String("project_id", conv.ProjectID))
		return
	}

	summaries := make([]gateway.ProjectSummary, len(projects))
	known := make(map[string]bool, len(projects))
	for i, project := range projects {
		summaries[i] = gateway.ProjectSummary{
			ID:          project.ID,
			Name:        project.Name,
			Description: project.Description,
		}
		known[project.ID] = true
	}

	result, err := p.gateway.MatchProject(ctx, description, summaries)
	if err != nil {
		p.logger.Warn("Project match failed",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return
	}

	confidence := ClampConfidence(result.Confidence)
	matchedID := result.MatchedProjectID
	if matchedID != "" && !known[matchedID] {
		p.logger.Warn("Matched project does not exist",
			zap.String("conversation_id", conversationID),
			zap.String("project_id", matchedID))
		matchedID = ""
		confidence = 0
	}
	if matchedID == "" || confidence < matchThreshold {
		p.logger.Debug("No confident project match",
			zap.String("conversation_id", conversationID),
			zap.Float64("confidence", confidence))
		return
	}

	swapped, err := p.store.CompareAndSwapProjectID(ctx, conversationID, "", matchedID)
	if err != nil {
		p.logger.Error("Failed to assign project",
			zap.Error(err),
			zap.String("conversation_id", conversationID),
			zap.String("project_id", matchedID))
		return
	}
	if !swapped {
		p.logger.Debug("Conversation was categorized manually during match, keeping manual assignment",
			zap.String("conversation_id", conversationID))
		return
	}
	p.logger.Info("Conversation auto-categorized",
		zap.String("conversation_id", conversationID),
		zap.String("project_id", matchedID),
		zap.Float64("confidence", confidence))
}

// ClampConfidence bounds a raw confidence score to [0, 1] and rounds it to
// one decimal place.
func ClampConfidence(c float64) float64 {
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return math.Round(c*10) / 10
}

// Package chat drives one user turn end to end: submit, stream, persist,
// and background-enrich.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xaenox/chatd/internal/gateway"
	"github.com/xaenox/chatd/internal/models"
	"github.com/xaenox/chatd/internal/storage"
	"github.com/xaenox/chatd/internal/stream"
)

type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateStreaming  State = "streaming"
	StatePersisting State = "persisting"
)

var (
	// ErrEmptySubmit rejects a submit with no text and no attachments.
	ErrEmptySubmit = errors.New("nothing to submit")
	// ErrBusy rejects a submit while another turn is in flight.
	ErrBusy = errors.New("a turn is already in progress")
)

// Enricher is the background pipeline fired after a conversation's first
// completed turn. It is never awaited by the turn itself.
type Enricher interface {
	Run(ctx context.Context, conversationID string)
}

// DeltaObserver sees the in-progress assistant message after every streamed
// increment.
type DeltaObserver func(content, thinking string)

type Orchestrator struct {
	store    storage.Storage
	gateway  gateway.Client
	enricher Enricher
	logger   *zap.Logger
	model    string
	thinking bool

	mu      sync.Mutex
	state   State
	conv    *models.Conversation // active conversation record, nil before first completed turn
	working []models.Message     // in-memory message list for the active conversation
	onDelta DeltaObserver

	bg sync.WaitGroup
}

func NewOrchestrator(store storage.Storage, gw gateway.Client, enricher Enricher, model string, thinking bool, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		gateway:  gw,
		enricher: enricher,
		logger:   logger,
		model:    model,
		thinking: thinking,
		state:    StateIdle,
	}
}

// SetDeltaObserver registers the streaming increment callback.
func (o *Orchestrator) SetDeltaObserver(fn DeltaObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onDelta = fn
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Messages returns a copy of the working message list.
func (o *Orchestrator) Messages() []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Message(nil), o.working...)
}

// Conversation returns the active conversation record, nil if none exists yet.
func (o *Orchestrator) Conversation() *models.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv
}

// StartConversation clears the active conversation so the next submit begins
// a new one. No record is created until that turn completes.
func (o *Orchestrator) StartConversation(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrBusy
	}
	o.conv = nil
	o.working = nil
	o.mu.Unlock()
	return o.store.SetActiveConversation(ctx, "")
}

// SelectConversation makes an existing conversation active.
func (o *Orchestrator) SelectConversation(ctx context.Context, id string) error {
	conv, err := o.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrBusy
	}
	o.conv = conv
	o.working = append([]models.Message(nil), conv.Messages...)
	o.mu.Unlock()

	return o.store.SetActiveConversation(ctx, id)
}

// Wait blocks until all fired enrichment pipelines finish. Used on shutdown
// and in tests.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Submit runs one turn. Cancelling ctx mid-stream is graceful: whatever
// partial assistant content accumulated is persisted, never discarded. A
// gateway failure instead rolls the placeholder assistant message back so an
// empty or failed turn is never persisted.
func (o *Orchestrator) Submit(ctx context.Context, input string, files []models.Attachment) (*models.Conversation, error) {
	if strings.TrimSpace(input) == "" && len(files) == 0 {
		return nil, ErrEmptySubmit
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.state = StateSubmitting

	userMsg := models.Message{Role: models.RoleUser, Content: input, Files: files}
	o.working = append(o.working, userMsg)
	// Placeholder the stream increments replace in place. It renders the
	// in-progress state; it is never appended twice.
	o.working = append(o.working, models.Message{Role: models.RoleAssistant})

	model := o.model
	if o.conv != nil {
		model = o.conv.Model
	}
	history := append([]models.Message(nil), o.working[:len(o.working)-1]...)
	o.mu.Unlock()

	body, err := o.gateway.StreamChat(ctx, gateway.ChatRequest{
		Messages: history,
		Model:    model,
		Thinking: o.thinking,
	})
	if err != nil {
		o.rollbackPlaceholder()
		return nil, err
	}
	defer body.Close()

	o.setState(StateStreaming)
	result, streamErr := stream.Demux(ctx, body, o.applyDelta)

	cancelled := errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded)
	if streamErr != nil && !cancelled {
		o.logger.Error("Stream failed", zap.Error(streamErr))
		o.rollbackPlaceholder()
		return nil, streamErr
	}

	return o.persist(ctx, input, model, result, cancelled)
}

// persist finalizes the working list and writes the conversation. From here
// on, cancellation of the submit context has no effect.
func (o *Orchestrator) persist(ctx context.Context, input, model string, result stream.Result, cancelled bool) (*models.Conversation, error) {
	o.mu.Lock()
	o.state = StatePersisting

	final := models.Message{
		Role:     models.RoleAssistant,
		Content:  result.Content,
		Thinking: result.Thinking,
		Metadata: result.Metadata,
	}
	o.working[len(o.working)-1] = final

	created := false
	if o.conv == nil {
		o.conv = models.NewConversation(model, input)
		created = true
	}
	o.conv.Messages = append([]models.Message(nil), o.working...)
	conv := o.conv
	o.mu.Unlock()

	// The submit context may already be cancelled; the write must happen
	// regardless.
	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.SaveConversation(persistCtx, conv); err != nil {
		o.setState(StateIdle)
		o.logger.Error("Failed to save conversation",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
		return nil, err
	}
	if err := o.store.SetActiveConversation(persistCtx, conv.ID); err != nil {
		o.logger.Error("Failed to set active conversation",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
	}

	if created && o.enricher != nil {
		o.bg.Add(1)
		go func(id string) {
			defer o.bg.Done()
			o.enricher.Run(context.Background(), id)
		}(conv.ID)
	}

	o.setState(StateIdle)
	if cancelled {
		o.logger.Info("Turn cancelled, partial response persisted",
			zap.String("conversation_id", conv.ID),
			zap.Int("partial_length", len(result.Content)))
	}
	return conv, nil
}

func (o *Orchestrator) applyDelta(content, thinking string) {
	o.mu.Lock()
	last := len(o.working) - 1
	o.working[last].Content = content
	o.working[last].Thinking = thinking
	observer := o.onDelta
	o.mu.Unlock()

	if observer != nil {
		observer(content, thinking)
	}
}

func (o *Orchestrator) rollbackPlaceholder() {
	o.mu.Lock()
	o.working = o.working[:len(o.working)-1]
	o.state = StateIdle
	o.mu.Unlock()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

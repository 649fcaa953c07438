// Package chat is the conversation-facing service: it writes user turns into
// the thread tree, builds the model prompt from the active thread, and
// dispatches generation as a background task so callers never block on the
// model. Output reaches callers through the stream hub, keyed by the
// assistant placeholder's message id.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lectern/lectern/internal/agent"
	"github.com/lectern/lectern/internal/llm"
	"github.com/lectern/lectern/internal/log"
	"github.com/lectern/lectern/internal/prompt"
	"github.com/lectern/lectern/internal/stream"
	"github.com/lectern/lectern/internal/task"
	"github.com/lectern/lectern/internal/thread"
)

// Config assembles a Service.
type Config struct {
	Repo    *thread.Repository
	Hub     *stream.Hub
	Client  llm.Client
	Builder *prompt.Builder
	Loop    *agent.Loop
	Runner  *task.Runner
	Logger  log.Logger
}

func (c Config) validate() error {
	if c.Repo == nil {
		return errors.New("chat: repository is required")
	}
	if c.Hub == nil {
		return errors.New("chat: stream hub is required")
	}
	if c.Client == nil {
		return errors.New("chat: llm client is required")
	}
	if c.Builder == nil {
		return errors.New("chat: prompt builder is required")
	}
	if c.Loop == nil {
		return errors.New("chat: agent loop is required")
	}
	if c.Runner == nil {
		return errors.New("chat: task runner is required")
	}
	return nil
}

// Service coordinates the thread repository, prompt builder, model and
// stream hub for a single conversation turn.
type Service struct {
	repo    *thread.Repository
	hub     *stream.Hub
	client  llm.Client
	builder *prompt.Builder
	loop    *agent.Loop
	runner  *task.Runner
	logger  log.Logger
}

// New creates a service from the config.
func New(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Service{
		repo:    cfg.Repo,
		hub:     cfg.Hub,
		client:  cfg.Client,
		builder: cfg.Builder,
		loop:    cfg.Loop,
		runner:  cfg.Runner,
		logger:  cfg.Logger,
	}, nil
}

// CreateConversation starts a conversation of the given kind with a system
// prompt as its root message.
func (s *Service) CreateConversation(ctx context.Context, kind thread.Kind, systemPrompt string, metadata map[string]any) (*thread.Conversation, error) {
	conv, _, err := s.repo.CreateConversation(ctx, kind, systemPrompt, metadata)
	if err != nil {
		return nil, err
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "kind", conv.Kind)
	return conv, nil
}

// SendMessage appends a user turn plus an assistant placeholder to the
// active thread and launches generation in the background. It returns the
// placeholder message id; callers subscribe to the hub under that id to
// receive output. The background generation survives cancellation of ctx.
func (s *Service) SendMessage(ctx context.Context, conversationID uuid.UUID, text string) (uuid.UUID, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return uuid.Nil, err
	}

	_, placeholder, err := s.repo.AppendUserTurn(ctx, conversationID, text)
	if err != nil {
		return uuid.Nil, fmt.Errorf("append user turn: %w", err)
	}

	turns, err := s.promptFor(ctx, conv, placeholder.ID)
	if err != nil {
		return uuid.Nil, err
	}

	s.dispatch(ctx, conv, placeholder.ID, turns)
	return placeholder.ID, nil
}

// EditMessage creates a new version of the message. Editing a user message
// also appends a fresh assistant placeholder under the new version and
// relaunches generation from the edited thread; the returned placeholder id
// is uuid.Nil for non-user edits.
func (s *Service) EditMessage(ctx context.Context, messageID uuid.UUID, newContent string) (*thread.Message, uuid.UUID, error) {
	edited, err := s.repo.EditMessage(ctx, messageID, newContent)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if edited.Role != thread.RoleUser {
		return edited, uuid.Nil, nil
	}

	conv, err := s.repo.GetConversation(ctx, edited.ConversationID)
	if err != nil {
		return nil, uuid.Nil, err
	}

	placeholder, err := s.repo.AppendPlaceholder(ctx, edited.ID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("append placeholder: %w", err)
	}

	turns, err := s.promptFor(ctx, conv, placeholder.ID)
	if err != nil {
		return nil, uuid.Nil, err
	}

	s.dispatch(ctx, conv, placeholder.ID, turns)
	return edited, placeholder.ID, nil
}

// SetActiveChild repoints a branch choice; see thread.Repository.
func (s *Service) SetActiveChild(ctx context.Context, parentID, childID uuid.UUID) error {
	return s.repo.SetActiveChild(ctx, parentID, childID)
}

// LatestThread returns the active root-to-leaf path.
func (s *Service) LatestThread(ctx context.Context, conversationID uuid.UUID) ([]*thread.Message, error) {
	return s.repo.LatestThread(ctx, conversationID)
}

// MessageVersions lists all sibling versions of the message.
func (s *Service) MessageVersions(ctx context.Context, messageID uuid.UUID) ([]*thread.Message, error) {
	return s.repo.MessageVersions(ctx, messageID)
}

// Stream subscribes to the output of one generation, keyed by the
// placeholder message id returned from SendMessage or EditMessage.
func (s *Service) Stream(messageID uuid.UUID) *stream.Subscription {
	return s.hub.Subscribe(messageID)
}

// promptFor builds the model prompt from the active thread, excluding the
// trailing empty placeholder itself.
func (s *Service) promptFor(ctx context.Context, conv *thread.Conversation, placeholderID uuid.UUID) ([]llm.Turn, error) {
	msgs, err := s.repo.LatestThread(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if n := len(msgs); n > 0 && msgs[n-1].ID == placeholderID {
		msgs = msgs[:n-1]
	}
	turns, err := s.builder.Build(ctx, conv, msgs)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}
	return turns, nil
}

// dispatch launches generation for the placeholder as a background task.
// Agent conversations run the decision loop; chat and rabbithole
// conversations stream a single free-form reply. The task keeps ctx values
// but detaches from its cancellation so generation outlives the request.
func (s *Service) dispatch(ctx context.Context, conv *thread.Conversation, placeholderID uuid.UUID, turns []llm.Turn) {
	bg := context.WithoutCancel(ctx)
	if conv.Kind == thread.KindAgent {
		s.runner.Go(bg, "agent-generate", func(ctx context.Context) error {
			return s.loop.Run(ctx, conv.ID, placeholderID, turns)
		})
		return
	}
	s.runner.Go(bg, "chat-generate", func(ctx context.Context) error {
		return s.streamAnswer(ctx, placeholderID, turns)
	})
}

// streamAnswer runs one free-form generation, forwarding chunks to the hub
// and persisting the full text onto the placeholder. The stream is always
// terminated, and a model failure is patched into the placeholder so the
// thread never shows an empty assistant turn.
func (s *Service) streamAnswer(ctx context.Context, placeholderID uuid.UUID, turns []llm.Turn) error {
	defer s.hub.Terminate(placeholderID)

	text, err := s.client.StreamText(ctx, turns, func(ctx context.Context, chunk string) error {
		s.hub.Publish(placeholderID, chunk)
		return nil
	})
	if err != nil {
		msg := "Something went wrong while generating this reply: " + err.Error()
		s.hub.Publish(placeholderID, msg)
		if perr := s.repo.SetMessageContent(ctx, placeholderID, msg); perr != nil {
			s.logger.Error("patch failed placeholder", "message_id", placeholderID, "error", perr)
		}
		return fmt.Errorf("stream generation: %w", err)
	}

	if err := s.repo.SetMessageContent(ctx, placeholderID, text); err != nil {
		return fmt.Errorf("persist reply: %w", err)
	}
	return nil
}

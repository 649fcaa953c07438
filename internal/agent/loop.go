// Package agent implements the bounded tool-calling loop that drives agent
// conversations.
//
// Each iteration asks the model for one structured decision: invoke a tool
// or answer the user. Tool invocations are persisted as call/result message
// pairs under the assistant placeholder, progress is published to the stream
// hub, and the loop feeds a compact rendition of the exchange back into the
// in-memory prompt so the next decision sees it without a storage round
// trip. The loop always terminates: either with an answer, with a fallback
// once the iteration cap is reached, or with a visible error when the model
// itself fails.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lectern/lectern/internal/llm"
	"github.com/lectern/lectern/internal/log"
	"github.com/lectern/lectern/internal/stream"
	"github.com/lectern/lectern/internal/thread"
	"github.com/lectern/lectern/internal/tools"
)

// DefaultMaxIterations bounds the decision loop when the configuration does
// not say otherwise.
const DefaultMaxIterations = 5

// FallbackAnswer is persisted and streamed when the loop runs out of
// iterations without producing an answer.
const FallbackAnswer = "I could not complete this request in time. " +
	"Please try rephrasing it or breaking it into smaller steps."

// Progress markers published to the stream while the loop works. Subscribers
// render them verbatim; the final persisted content never includes them.
const (
	markerThought    = "[thinking] "
	markerToolCall   = "[tool] "
	markerToolResult = "[result] "
)

const resultPreviewLength = 200

// answerChunkSize is the streaming granularity for a final answer that
// arrives as one decision field rather than as model chunks.
const answerChunkSize = 48

// Config assembles a Loop.
type Config struct {
	Repo   *thread.Repository
	Hub    *stream.Hub
	Client llm.Client
	Tools  *tools.Registry
	Logger log.Logger

	// MaxIterations caps decision rounds; zero means DefaultMaxIterations.
	MaxIterations int

	// Limiter optionally throttles model calls across all loop runs.
	Limiter *rate.Limiter
}

func (c Config) validate() error {
	if c.Repo == nil {
		return errors.New("agent: repository is required")
	}
	if c.Hub == nil {
		return errors.New("agent: stream hub is required")
	}
	if c.Client == nil {
		return errors.New("agent: llm client is required")
	}
	if c.Tools == nil {
		return errors.New("agent: tool registry is required")
	}
	return nil
}

// Loop runs agent conversations. Safe for concurrent Run calls.
type Loop struct {
	repo          *thread.Repository
	hub           *stream.Hub
	client        llm.Client
	registry      *tools.Registry
	logger        log.Logger
	maxIterations int
	limiter       *rate.Limiter
}

// New creates a loop from the config.
func New(cfg Config) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Loop{
		repo:          cfg.Repo,
		hub:           cfg.Hub,
		client:        cfg.Client,
		registry:      cfg.Tools,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		limiter:       cfg.Limiter,
	}, nil
}

// Run executes the loop for one placeholder message. turns is the prompt
// built from the active thread up to (not including) the placeholder. The
// stream for placeholderID is always terminated before Run returns.
func (l *Loop) Run(ctx context.Context, conversationID, placeholderID uuid.UUID, turns []llm.Turn) error {
	defer l.hub.Terminate(placeholderID)

	tail := placeholderID

	for i := 0; i < l.maxIterations; i++ {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return l.fail(ctx, placeholderID, fmt.Errorf("rate limit wait: %w", err))
			}
		}

		decision, err := l.client.Decide(ctx, turns)
		if err != nil {
			return l.fail(ctx, placeholderID, fmt.Errorf("model decision: %w", err))
		}

		if decision.Thought != "" {
			l.hub.Publish(placeholderID, markerThought+decision.Thought+"\n")
		}

		if decision.ResponseType == llm.ResponseAnswer {
			return l.answer(ctx, placeholderID, decision.Answer)
		}

		call := &thread.ToolCall{
			Name:      decision.Action.Name,
			Arguments: decision.Action.Arguments,
			Thought:   decision.Thought,
		}
		l.hub.Publish(placeholderID, markerToolCall+call.Name+"\n")

		result := l.execute(ctx, call)
		l.hub.Publish(placeholderID, markerToolResult+preview(result)+"\n")

		_, resultMsg, err := l.repo.AppendToolExchange(ctx, conversationID, tail, call, result)
		if err != nil {
			return l.fail(ctx, placeholderID, fmt.Errorf("persist tool exchange: %w", err))
		}
		tail = resultMsg.ID

		turns = append(turns,
			llm.Turn{Role: llm.RoleAssistant, Text: fmt.Sprintf("%s[call %s %v]", call.Thought, call.Name, call.Arguments)},
			llm.Turn{Role: llm.RoleTool, Text: result},
		)
	}

	l.logger.Warn("agent loop hit iteration cap",
		"conversation_id", conversationID,
		"message_id", placeholderID,
		"max_iterations", l.maxIterations)

	return l.answer(ctx, placeholderID, FallbackAnswer)
}

// execute runs the named tool and folds every failure into result text so
// the model can react on the next iteration.
func (l *Loop) execute(ctx context.Context, call *thread.ToolCall) string {
	tool, err := l.registry.Get(call.Name)
	if err != nil {
		l.logger.Warn("agent requested unknown tool", "tool", call.Name)
		return fmt.Sprintf("error: %v", err)
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		l.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("error: tool %s failed: %v", call.Name, err)
	}
	return result
}

// answer streams text in chunks, persists it onto the placeholder and ends
// the run. The deferred Terminate in Run closes the stream.
func (l *Loop) answer(ctx context.Context, placeholderID uuid.UUID, text string) error {
	for _, chunk := range chunks(text, answerChunkSize) {
		l.hub.Publish(placeholderID, chunk)
	}
	if err := l.repo.SetMessageContent(ctx, placeholderID, text); err != nil {
		return fmt.Errorf("persist answer: %w", err)
	}
	return nil
}

// fail patches the placeholder with a visible error line so the thread never
// shows an empty assistant message, then returns the original error.
func (l *Loop) fail(ctx context.Context, placeholderID uuid.UUID, cause error) error {
	text := "Something went wrong while generating this reply: " + cause.Error()
	l.hub.Publish(placeholderID, text)
	if err := l.repo.SetMessageContent(ctx, placeholderID, text); err != nil {
		l.logger.Error("patch failed placeholder", "message_id", placeholderID, "error", err)
	}
	return cause
}

func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= resultPreviewLength {
		return s
	}
	return string(runes[:resultPreviewLength]) + "…"
}

func chunks(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

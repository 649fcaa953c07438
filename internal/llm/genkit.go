package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitClient implements Client on top of a Genkit instance.
// The model name is provider-qualified (e.g. "googleai/gemini-2.5-flash").
type GenkitClient struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger
}

// NewGenkitClient creates a Client backed by Genkit.
func NewGenkitClient(g *genkit.Genkit, modelName string, logger *slog.Logger) *GenkitClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitClient{g: g, modelName: modelName, logger: logger}
}

func (c *GenkitClient) StreamText(ctx context.Context, turns []Turn, fn StreamFunc) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithMessages(toMessages(turns)...),
	}
	if c.modelName != "" {
		opts = append(opts, ai.WithModelName(c.modelName))
	}
	if fn != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			for _, part := range chunk.Content {
				if part.Text == "" {
					continue
				}
				if err := fn(ctx, part.Text); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return resp.Text(), nil
}

func (c *GenkitClient) Decide(ctx context.Context, turns []Turn) (*Decision, error) {
	opts := []ai.GenerateOption{
		ai.WithMessages(toMessages(turns)...),
	}
	if c.modelName != "" {
		opts = append(opts, ai.WithModelName(c.modelName))
	}

	decision, _, err := genkit.GenerateData[Decision](ctx, c.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDecision, err)
	}
	if err := decision.Validate(); err != nil {
		return nil, err
	}

	c.logger.Debug("model decision", "response_type", decision.ResponseType)
	return decision, nil
}

func toMessages(turns []Turn) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, ai.NewMessage(toRole(t.Role), nil, ai.NewTextPart(t.Text)))
	}
	return msgs
}

func toRole(role string) ai.Role {
	switch role {
	case RoleSystem:
		return ai.RoleSystem
	case RoleAssistant:
		return ai.RoleModel
	case RoleTool:
		return ai.RoleTool
	default:
		return ai.RoleUser
	}
}

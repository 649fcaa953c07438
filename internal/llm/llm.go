// Package llm defines the language-model capability consumed by the
// conversation engine, and its Genkit-backed implementation.
//
// The engine needs exactly two operations: streaming free-form text and
// producing one structured decision. Everything provider-specific stays
// behind the Client interface so tests can script responses.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Turn is one (role, text) pair of a linear prompt.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Prompt roles. These mirror the message roles of the conversation tree.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// StreamFunc receives one text chunk of a streaming generation.
// Returning an error aborts the stream.
type StreamFunc func(ctx context.Context, chunk string) error

// Client is the model capability.
type Client interface {
	// StreamText generates a free-form reply for the prompt, invoking fn for
	// each chunk as it arrives (fn may be nil), and returns the complete
	// text. The chunk sequence is finite and not restartable.
	StreamText(ctx context.Context, turns []Turn, fn StreamFunc) (string, error)

	// Decide requests a single structured decision for the prompt. Model
	// output that cannot be parsed into the decision shape fails with an
	// error wrapping ErrBadDecision.
	Decide(ctx context.Context, turns []Turn) (*Decision, error)
}

// ErrBadDecision indicates the model's output could not be parsed as a
// valid Decision.
var ErrBadDecision = errors.New("model returned an invalid decision")

// ResponseType discriminates a Decision.
type ResponseType string

// Decision outcomes.
const (
	ResponseAction ResponseType = "action"
	ResponseAnswer ResponseType = "answer"
)

// Decision is the structured output of one agent-loop iteration: either a
// tool invocation to perform next, or the final answer.
type Decision struct {
	Thought      string       `json:"thought,omitempty" jsonschema_description:"Brief reasoning behind this decision"`
	ResponseType ResponseType `json:"response_type" jsonschema:"enum=action,enum=answer" jsonschema_description:"Whether to invoke a tool (action) or answer the user (answer)"`
	Action       *Action      `json:"action,omitempty" jsonschema_description:"The tool invocation to perform; required when response_type is action"`
	Answer       string       `json:"answer,omitempty" jsonschema_description:"The final answer text; required when response_type is answer"`
}

// Action names a tool and its arguments.
type Action struct {
	Name      string         `json:"name" jsonschema_description:"Name of the registered tool to invoke"`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema_description:"Arguments matching the tool's input schema"`
}

// Validate checks the decision's shape: the variant named by ResponseType
// must actually be populated.
func (d *Decision) Validate() error {
	switch d.ResponseType {
	case ResponseAction:
		if d.Action == nil || d.Action.Name == "" {
			return fmt.Errorf("%w: action decision without a tool name", ErrBadDecision)
		}
	case ResponseAnswer:
		if d.Answer == "" {
			return fmt.Errorf("%w: answer decision without answer text", ErrBadDecision)
		}
	default:
		return fmt.Errorf("%w: unknown response_type %q", ErrBadDecision, d.ResponseType)
	}
	return nil
}

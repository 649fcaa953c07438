package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/lectern/lectern/internal/llm"
)

// ScriptedClient is a deterministic llm.Client for tests. Queued decisions
// and answers are consumed in order; once a queue runs dry the last entry
// repeats, so a loop test can script "always call the tool" with a single
// decision. All calls are recorded for assertions.
type ScriptedClient struct {
	mu        sync.Mutex
	decisions []*llm.Decision
	answers   []string
	err       error
	gate      chan struct{}

	// DecideCalls and StreamCalls record the prompts of every call.
	DecideCalls [][]llm.Turn
	StreamCalls [][]llm.Turn
}

// NewScriptedClient creates an empty client; queue behavior with
// QueueDecision and QueueAnswer.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// QueueDecision appends a decision to the script.
func (c *ScriptedClient) QueueDecision(d *llm.Decision) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, d)
	return c
}

// QueueAnswer appends a streaming answer to the script.
func (c *ScriptedClient) QueueAnswer(text string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, text)
	return c
}

// FailWith makes every subsequent call return err.
func (c *ScriptedClient) FailWith(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	return c
}

// Gated makes every model call wait until Release, so a test can finish
// arranging (e.g. subscribe to the stream) before generation proceeds.
func (c *ScriptedClient) Gated() *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	return c
}

// Release unblocks all gated calls.
func (c *ScriptedClient) Release() {
	c.mu.Lock()
	gate := c.gate
	c.gate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (c *ScriptedClient) waitGate(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StreamText pops the next scripted answer, delivering it to fn in two
// chunks when it is long enough to split.
func (c *ScriptedClient) StreamText(ctx context.Context, turns []llm.Turn, fn llm.StreamFunc) (string, error) {
	if err := c.waitGate(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.StreamCalls = append(c.StreamCalls, turns)
	err := c.err
	var text string
	if len(c.answers) > 0 {
		text = c.answers[0]
		if len(c.answers) > 1 {
			c.answers = c.answers[1:]
		}
	}
	c.mu.Unlock()

	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("scripted client: no answer queued")
	}

	if fn != nil {
		mid := len(text) / 2
		for _, chunk := range []string{text[:mid], text[mid:]} {
			if chunk == "" {
				continue
			}
			if err := fn(ctx, chunk); err != nil {
				return "", err
			}
		}
	}
	return text, nil
}

// Decide pops the next scripted decision, repeating the last one when the
// queue is exhausted.
func (c *ScriptedClient) Decide(ctx context.Context, turns []llm.Turn) (*llm.Decision, error) {
	if err := c.waitGate(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.DecideCalls = append(c.DecideCalls, turns)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.decisions) == 0 {
		return nil, errors.New("scripted client: no decision queued")
	}
	d := c.decisions[0]
	if len(c.decisions) > 1 {
		c.decisions = c.decisions[1:]
	}
	return d, nil
}

package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/lectern/lectern/internal/llm"
	"github.com/lectern/lectern/internal/stream"
	"github.com/lectern/lectern/internal/testutil"
	"github.com/lectern/lectern/internal/thread"
	"github.com/lectern/lectern/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	repo   *thread.Repository
	hub    *stream.Hub
	client *testutil.ScriptedClient

	conversationID uuid.UUID
	placeholderID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo := thread.NewRepository(thread.NewMemoryStore(), nil)
	conv, _, err := repo.CreateConversation(ctx, thread.KindAgent, "sys", nil)
	require.NoError(t, err)
	_, placeholder, err := repo.AppendUserTurn(ctx, conv.ID, "what do the documents say about whales?")
	require.NoError(t, err)

	return &fixture{
		repo:           repo,
		hub:            stream.NewHub(nil),
		client:         testutil.NewScriptedClient(),
		conversationID: conv.ID,
		placeholderID:  placeholder.ID,
	}
}

func (f *fixture) loop(t *testing.T, registry *tools.Registry, maxIterations int) *Loop {
	t.Helper()
	if registry == nil {
		registry = tools.NewRegistry()
	}
	loop, err := New(Config{
		Repo:          f.repo,
		Hub:           f.hub,
		Client:        f.client,
		Tools:         registry,
		MaxIterations: maxIterations,
	})
	require.NoError(t, err)
	return loop
}

func echoRegistry(t *testing.T, calls *[]map[string]any) *tools.Registry {
	t.Helper()

	type echoInput struct {
		Query string `json:"query"`
	}
	tool, err := tools.New("echo", "echoes the query back",
		func(_ context.Context, in echoInput) (string, error) {
			if calls != nil {
				*calls = append(*calls, map[string]any{"query": in.Query})
			}
			return "echo: " + in.Query, nil
		})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tool))
	return registry
}

func drain(sub *stream.Subscription) string {
	var sb strings.Builder
	for chunk := range sub.C() {
		sb.WriteString(chunk)
	}
	return sb.String()
}

func TestRun_DirectAnswer(t *testing.T) {
	f := newFixture(t)
	f.client.QueueDecision(&llm.Decision{
		Thought:      "no tools needed",
		ResponseType: llm.ResponseAnswer,
		Answer:       "whales are covered in chapter 3",
	})
	loop := f.loop(t, nil, 5)

	sub := f.hub.Subscribe(f.placeholderID)
	require.NoError(t, loop.Run(context.Background(), f.conversationID, f.placeholderID, []llm.Turn{{Role: llm.RoleUser, Text: "q"}}))

	out := drain(sub)
	assert.Contains(t, out, "no tools needed")
	assert.Contains(t, out, "whales are covered in chapter 3")

	msg, err := f.repo.GetMessage(context.Background(), f.placeholderID)
	require.NoError(t, err)
	assert.Equal(t, "whales are covered in chapter 3", msg.Content)
	assert.Len(t, f.client.DecideCalls, 1)
}

func TestRun_OneToolThenAnswer(t *testing.T) {
	f := newFixture(t)
	var calls []map[string]any
	registry := echoRegistry(t, &calls)

	f.client.
		QueueDecision(&llm.Decision{
			Thought:      "search first",
			ResponseType: llm.ResponseAction,
			Action:       &llm.Action{Name: "echo", Arguments: map[string]any{"query": "whales"}},
		}).
		QueueDecision(&llm.Decision{
			ResponseType: llm.ResponseAnswer,
			Answer:       "found it",
		})
	loop := f.loop(t, registry, 5)

	sub := f.hub.Subscribe(f.placeholderID)
	require.NoError(t, loop.Run(context.Background(), f.conversationID, f.placeholderID, nil))
	out := drain(sub)

	require.Len(t, calls, 1)
	assert.Equal(t, "whales", calls[0]["query"])
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "found it")

	// The exchange is persisted on the active thread as call + result.
	path, err := f.repo.LatestThread(context.Background(), f.conversationID)
	require.NoError(t, err)
	require.Len(t, path, 5)
	call, ok := path[3].PendingToolCall()
	require.True(t, ok)
	assert.Equal(t, "echo", call.Name)
	assert.Equal(t, thread.RoleTool, path[4].Role)
	assert.Equal(t, "echo: whales", path[4].Content)

	// The second decision saw the tool exchange in its prompt.
	require.Len(t, f.client.DecideCalls, 2)
	second := f.client.DecideCalls[1]
	assert.Equal(t, llm.RoleTool, second[len(second)-1].Role)
	assert.Equal(t, "echo: whales", second[len(second)-1].Text)
}

func TestRun_IterationCapExhaustion(t *testing.T) {
	f := newFixture(t)
	registry := echoRegistry(t, nil)

	// A model that always wants the tool never converges; the queue repeats
	// its last decision indefinitely.
	f.client.QueueDecision(&llm.Decision{
		ResponseType: llm.ResponseAction,
		Action:       &llm.Action{Name: "echo", Arguments: map[string]any{"query": "again"}},
	})
	const maxIter = 3
	loop := f.loop(t, registry, maxIter)

	sub := f.hub.Subscribe(f.placeholderID)
	require.NoError(t, loop.Run(context.Background(), f.conversationID, f.placeholderID, nil))
	out := drain(sub)

	assert.Len(t, f.client.DecideCalls, maxIter)
	assert.Contains(t, out, FallbackAnswer)

	msg, err := f.repo.GetMessage(context.Background(), f.placeholderID)
	require.NoError(t, err)
	assert.Equal(t, FallbackAnswer, msg.Content)
}

func TestRun_UnknownToolBecomesResultText(t *testing.T) {
	f := newFixture(t)
	f.client.
		QueueDecision(&llm.Decision{
			ResponseType: llm.ResponseAction,
			Action:       &llm.Action{Name: "no_such_tool"},
		}).
		QueueDecision(&llm.Decision{
			ResponseType: llm.ResponseAnswer,
			Answer:       "recovered",
		})
	loop := f.loop(t, nil, 5)

	sub := f.hub.Subscribe(f.placeholderID)
	require.NoError(t, loop.Run(context.Background(), f.conversationID, f.placeholderID, nil))
	drain(sub)

	path, err := f.repo.LatestThread(context.Background(), f.conversationID)
	require.NoError(t, err)
	require.Len(t, path, 5)

	// The failed lookup is recorded as an error result, not a run failure,
	// and the answer still lands on the placeholder.
	assert.Contains(t, path[4].Content, "unknown tool")

	msg, err := f.repo.GetMessage(context.Background(), f.placeholderID)
	require.NoError(t, err)
	assert.Equal(t, "recovered", msg.Content)
}

func TestRun_RateLimitedToolFlowCompletes(t *testing.T) {
	f := newFixture(t)
	registry := echoRegistry(t, nil)
	f.client.
		QueueDecision(&llm.Decision{
			ResponseType: llm.ResponseAction,
			Action:       &llm.Action{Name: "echo", Arguments: map[string]any{"query": "whales"}},
		}).
		QueueDecision(&llm.Decision{
			ResponseType: llm.ResponseAnswer,
			Answer:       "done",
		})

	loop, err := New(Config{
		Repo:    f.repo,
		Hub:     f.hub,
		Client:  f.client,
		Tools:   registry,
		Limiter: rate.NewLimiter(rate.Every(time.Microsecond), 1),
	})
	require.NoError(t, err)

	sub := f.hub.Subscribe(f.placeholderID)
	require.NoError(t, loop.Run(context.Background(), f.conversationID, f.placeholderID, nil))
	out := drain(sub)

	// Both model calls pass through the limiter gate.
	assert.Len(t, f.client.DecideCalls, 2)
	assert.Contains(t, out, "done")
}

func TestRun_RateLimiterRejection(t *testing.T) {
	f := newFixture(t)

	// A finite rate with zero burst can never admit a call; Wait fails
	// immediately, before the model is ever consulted.
	loop, err := New(Config{
		Repo:    f.repo,
		Hub:     f.hub,
		Client:  f.client,
		Tools:   tools.NewRegistry(),
		Limiter: rate.NewLimiter(1, 0),
	})
	require.NoError(t, err)

	sub := f.hub.Subscribe(f.placeholderID)
	require.Error(t, loop.Run(context.Background(), f.conversationID, f.placeholderID, nil))
	out := drain(sub)

	assert.Empty(t, f.client.DecideCalls)
	assert.Contains(t, out, "rate limit wait")

	msg, err := f.repo.GetMessage(context.Background(), f.placeholderID)
	require.NoError(t, err)
	assert.Contains(t, msg.Content, "rate limit wait")
}

func TestRun_ModelFailure(t *testing.T) {
	f := newFixture(t)
	f.client.FailWith(errors.New("provider unavailable"))
	loop := f.loop(t, nil, 5)

	sub := f.hub.Subscribe(f.placeholderID)
	err := loop.Run(context.Background(), f.conversationID, f.placeholderID, nil)
	require.Error(t, err)

	out := drain(sub)
	assert.Contains(t, out, "provider unavailable")

	msg, merr := f.repo.GetMessage(context.Background(), f.placeholderID)
	require.NoError(t, merr)
	assert.Contains(t, msg.Content, "provider unavailable", "placeholder is patched, never left empty")
}

package thread

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	return NewRepository(NewMemoryStore(), nil)
}

func roles(msgs []*Message) []Role {
	out := make([]Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestCreateConversation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, root, err := repo.CreateConversation(ctx, KindChat, "be helpful", nil)
	require.NoError(t, err)

	require.NotNil(t, conv.RootMessageID)
	assert.Equal(t, root.ID, *conv.RootMessageID)
	assert.Equal(t, RoleSystem, root.Role)
	assert.Equal(t, "be helpful", root.Content)
	assert.Equal(t, 0, root.Version)
	assert.Nil(t, root.ParentID)

	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, root.ID, path[0].ID)
}

func TestAppendUserTurn(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, root, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)

	user, placeholder, err := repo.AppendUserTurn(ctx, conv.ID, "hello")
	require.NoError(t, err)

	assert.Equal(t, RoleUser, user.Role)
	assert.Equal(t, "hello", user.Content)
	require.NotNil(t, user.ParentID)
	assert.Equal(t, root.ID, *user.ParentID)

	assert.Equal(t, RoleAssistant, placeholder.Role)
	assert.Empty(t, placeholder.Content)
	require.NotNil(t, placeholder.ParentID)
	assert.Equal(t, user.ID, *placeholder.ParentID)

	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleSystem, RoleUser, RoleAssistant}, roles(path))
	assert.Equal(t, placeholder.ID, path[2].ID)

	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{root.ID, user.ID, placeholder.ID}, got.ActiveThreadIDs)
}

func TestEditMessage_CreatesNewVersionAndSwitchesBranch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, _, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)

	user, placeholder, err := repo.AppendUserTurn(ctx, conv.ID, "hello")
	require.NoError(t, err)
	require.NoError(t, repo.SetMessageContent(ctx, placeholder.ID, "hi there"))

	edited, err := repo.EditMessage(ctx, user.ID, "hello, edited")
	require.NoError(t, err)

	// The original stays untouched; the sibling continues the numbering.
	assert.NotEqual(t, user.ID, edited.ID)
	assert.Equal(t, user.Version+1, edited.Version)
	assert.Equal(t, user.ParentID, edited.ParentID)
	assert.Equal(t, "hello, edited", edited.Content)

	original, err := repo.GetMessage(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", original.Content)

	// The active thread follows the edit; the old reply is off-path.
	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, edited.ID, path[1].ID)

	versions, err := repo.MessageVersions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, user.ID, versions[0].ID)
	assert.Equal(t, edited.ID, versions[1].ID)
}

func TestEditMessage_Root(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, root, err := repo.CreateConversation(ctx, KindChat, "v0 prompt", nil)
	require.NoError(t, err)

	edited, err := repo.EditMessage(ctx, root.ID, "v1 prompt")
	require.NoError(t, err)
	assert.Nil(t, edited.ParentID)
	assert.Equal(t, 1, edited.Version)

	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RootMessageID)
	assert.Equal(t, edited.ID, *got.RootMessageID)

	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, edited.ID, path[0].ID)

	// Root versions are reachable from either sibling.
	versions, err := repo.MessageVersions(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestSetActiveChild_SwitchesBackToOldBranch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, root, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)

	user, _, err := repo.AppendUserTurn(ctx, conv.ID, "hello")
	require.NoError(t, err)
	edited, err := repo.EditMessage(ctx, user.ID, "hello again")
	require.NoError(t, err)

	// Back to the original branch.
	require.NoError(t, repo.SetActiveChild(ctx, root.ID, user.ID))

	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(path), 2)
	assert.Equal(t, user.ID, path[1].ID)

	// And forward again.
	require.NoError(t, repo.SetActiveChild(ctx, root.ID, edited.ID))
	path, err = repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, edited.ID, path[1].ID)
}

func TestSetActiveChild_RejectsNonChild(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, root, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)
	user, placeholder, err := repo.AppendUserTurn(ctx, conv.ID, "hello")
	require.NoError(t, err)
	_ = user

	err = repo.SetActiveChild(ctx, root.ID, placeholder.ID)
	require.ErrorIs(t, err, ErrNotChild)
}

func TestSetActiveChild_RepairsAncestorsInOneStep(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, _, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)

	// sys -> u1 -> a1 -> u2 -> a2
	u1, a1, err := repo.AppendUserTurn(ctx, conv.ID, "first")
	require.NoError(t, err)
	require.NoError(t, repo.SetMessageContent(ctx, a1.ID, "first reply"))
	u2, a2, err := repo.AppendUserTurn(ctx, conv.ID, "second")
	require.NoError(t, err)
	require.NoError(t, repo.SetMessageContent(ctx, a2.ID, "second reply"))

	// Edit the deep user message, then flip back to its original version.
	edited, err := repo.EditMessage(ctx, u2.ID, "second, edited")
	require.NoError(t, err)

	require.NoError(t, repo.SetActiveChild(ctx, a1.ID, u2.ID))

	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, path, 5)
	assert.Equal(t, u1.ID, path[1].ID)
	assert.Equal(t, a1.ID, path[2].ID)
	assert.Equal(t, u2.ID, path[3].ID)
	assert.Equal(t, a2.ID, path[4].ID)

	// The edited sibling is still there, just off the active path.
	versions, err := repo.MessageVersions(ctx, u2.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, edited.ID, versions[1].ID)
}

func TestLatestThread_FallsBackToHighestVersion(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, root, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)

	// Two children of the root inserted without touching any pointer.
	older, err := repo.AddMessage(ctx, &Message{
		ConversationID: conv.ID,
		ParentID:       &root.ID,
		Role:           RoleUser,
		Content:        "older",
	})
	require.NoError(t, err)
	newer, err := repo.AddMessage(ctx, &Message{
		ConversationID: conv.ID,
		ParentID:       &root.ID,
		Role:           RoleUser,
		Content:        "newer",
	})
	require.NoError(t, err)
	assert.Equal(t, older.Version+1, newer.Version)

	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, newer.ID, path[1].ID, "unset pointer falls back to highest version")
}

// faultyStore fails GetMessage for one id with a non-sentinel error, as a
// transient storage failure would.
type faultyStore struct {
	Store
	failID uuid.UUID
	err    error
}

func (s *faultyStore) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	if id == s.failID {
		return nil, s.err
	}
	return s.Store.GetMessage(ctx, id)
}

func TestLatestThread_StoreFailureDoesNotSwitchBranch(t *testing.T) {
	store := NewMemoryStore()
	repo := NewRepository(store, nil)
	ctx := context.Background()

	conv, _, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)
	user, _, err := repo.AppendUserTurn(ctx, conv.ID, "hello")
	require.NoError(t, err)

	boom := errors.New("connection reset")
	flaky := NewRepository(&faultyStore{Store: store, failID: user.ID, err: boom}, nil)

	// The user message is the root's active child; failing to load it must
	// surface the error instead of quietly walking another version.
	_, err = flaky.LatestThread(ctx, conv.ID)
	require.ErrorIs(t, err, boom)
}

func TestAppendToolExchange(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, _, err := repo.CreateConversation(ctx, KindAgent, "sys", nil)
	require.NoError(t, err)
	_, placeholder, err := repo.AppendUserTurn(ctx, conv.ID, "find the section on whales")
	require.NoError(t, err)

	call := &ToolCall{
		Name:      "search_document",
		Arguments: map[string]any{"query": "whales"},
		Thought:   "search first",
	}
	callMsg, resultMsg, err := repo.AppendToolExchange(ctx, conv.ID, placeholder.ID, call, "three matching passages")
	require.NoError(t, err)

	assert.Equal(t, RoleAssistant, callMsg.Role)
	require.NotNil(t, callMsg.ParentID)
	assert.Equal(t, placeholder.ID, *callMsg.ParentID)

	pending, ok := callMsg.PendingToolCall()
	require.True(t, ok)
	assert.Equal(t, "search_document", pending.Name)
	assert.Equal(t, "search first", pending.Thought)

	assert.Equal(t, RoleTool, resultMsg.Role)
	assert.Equal(t, "three matching passages", resultMsg.Content)
	require.NotNil(t, resultMsg.ParentID)
	assert.Equal(t, callMsg.ID, *resultMsg.ParentID)
	assert.Equal(t, "search_document", resultMsg.Metadata[MetaToolName])

	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleSystem, RoleUser, RoleAssistant, RoleAssistant, RoleTool}, roles(path))
}

func TestMessageVersions_UneditedMessage(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, root, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)
	user, _, err := repo.AppendUserTurn(ctx, conv.ID, "hello")
	require.NoError(t, err)

	for _, id := range []uuid.UUID{root.ID, user.ID} {
		versions, err := repo.MessageVersions(ctx, id)
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, id, versions[0].ID)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetMessage(ctx, uuid.New())
	require.ErrorIs(t, err, ErrMessageNotFound)

	_, err = repo.LatestThread(ctx, uuid.New())
	require.ErrorIs(t, err, ErrConversationNotFound)
}

// The full scenario from the product side: ask, edit the question, re-read.
func TestEditScenario_HelloThenEdit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, _, err := repo.CreateConversation(ctx, KindChat, "sys", nil)
	require.NoError(t, err)

	_, a1, err := repo.AppendUserTurn(ctx, conv.ID, "hello")
	require.NoError(t, err)
	require.NoError(t, repo.SetMessageContent(ctx, a1.ID, "hi, how can I help?"))

	path, err := repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	u1 := path[1]

	edited, err := repo.EditMessage(ctx, u1.ID, "hello, explain chapter 2")
	require.NoError(t, err)
	p2, err := repo.AppendPlaceholder(ctx, edited.ID)
	require.NoError(t, err)
	require.NoError(t, repo.SetMessageContent(ctx, p2.ID, "chapter 2 covers..."))

	path, err = repo.LatestThread(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, "hello, explain chapter 2", path[1].Content)
	assert.Equal(t, "chapter 2 covers...", path[2].Content)

	tree, err := repo.FullTree(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, tree, 5, "both branches remain stored")
}

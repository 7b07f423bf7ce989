package toolbridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/embedclient"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/storage"
)

func newTestBridge(t *testing.T, budget *SharedToolBudget) *Bridge {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := memory.New(db, embedclient.Disabled(), nil)
	code := codeintel.New(db, embedclient.Disabled(), nil)
	return New(mem, code, budget, nil)
}

func TestDefinitionsCoversEveryTool(t *testing.T) {
	names := map[ToolName]bool{}
	for _, d := range Definitions() {
		names[d.Name] = true
	}
	require.True(t, names[ToolRecallMemories])
	require.True(t, names[ToolSearchCode])
	require.True(t, names[ToolListTasks])
	require.True(t, names[ToolListGoals])
	require.True(t, names[ToolWebFetch])
}

func TestCallRejectsUnknownTool(t *testing.T) {
	b := newTestBridge(t, nil)
	_, err := b.Call(context.Background(), nil, ToolName("not_a_real_tool"), nil)
	require.Error(t, err)
	require.Equal(t, merrors.InvalidInput, merrors.KindOf(err))
}

func TestCallRejectsArgsFailingSchema(t *testing.T) {
	b := newTestBridge(t, nil)
	_, err := b.Call(context.Background(), nil, ToolRecallMemories, json.RawMessage(`{}`))
	require.Error(t, err)
	require.Equal(t, merrors.InvalidInput, merrors.KindOf(err))
}

func TestCallRecallMemoriesSucceedsWithValidArgs(t *testing.T) {
	b := newTestBridge(t, nil)
	projectID := int64(1)
	result, err := b.Call(context.Background(), &projectID, ToolRecallMemories, json.RawMessage(`{"query":"what did we decide about caching?"}`))
	require.NoError(t, err)
	require.NotNil(t, result)
}

func TestCallSearchCodeRequiresProjectID(t *testing.T) {
	b := newTestBridge(t, nil)
	_, err := b.Call(context.Background(), nil, ToolSearchCode, json.RawMessage(`{"query":"foo"}`))
	require.Error(t, err)
	require.Equal(t, merrors.InvalidInput, merrors.KindOf(err))
}

func TestCallListTasksAndGoalsOnEmptyProject(t *testing.T) {
	b := newTestBridge(t, nil)
	tasks, err := b.Call(context.Background(), nil, ToolListTasks, nil)
	require.NoError(t, err)
	require.Nil(t, tasks)

	goals, err := b.Call(context.Background(), nil, ToolListGoals, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"goals": ""}, goals)
}

func TestCallWebFetchDisabledByDefault(t *testing.T) {
	b := newTestBridge(t, nil)
	_, err := b.Call(context.Background(), nil, ToolWebFetch, json.RawMessage(`{"url":"https://example.com"}`))
	require.Error(t, err)
	require.Equal(t, merrors.Unavailable, merrors.KindOf(err))
}

func TestCallRespectsExhaustedBudget(t *testing.T) {
	budget := NewSharedToolBudget(1)
	b := newTestBridge(t, budget)

	_, err := b.Call(context.Background(), nil, ToolListTasks, nil)
	require.NoError(t, err) // consumes the single unit of budget
	require.Equal(t, 0, budget.Remaining())

	_, err = b.Call(context.Background(), nil, ToolListGoals, nil)
	require.Error(t, err)
	require.Equal(t, merrors.Conflict, merrors.KindOf(err))
}

package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conarylabs/mira/internal/merrors"
	"github.com/stretchr/testify/require"
)

func writeTaskFile(t *testing.T, dir, name string, tasks []NativeTask) string {
	t.Helper()
	data, err := json.Marshal(tasks)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFindCurrentTaskListPicksNewest(t *testing.T) {
	dir := t.TempDir()
	older := writeTaskFile(t, dir, "older.json", []NativeTask{{ID: "1"}})
	newer := writeTaskFile(t, dir, "newer.json", []NativeTask{{ID: "2"}})

	oldTime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, oldTime, oldTime))

	got := FindCurrentTaskList(dir)
	require.Equal(t, newer, got)
}

func TestFindCurrentTaskListMissingDir(t *testing.T) {
	require.Equal(t, "", FindCurrentTaskList(filepath.Join(t.TempDir(), "does-not-exist")))
}

func TestFindCurrentTaskListIgnoresNonJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.Equal(t, "", FindCurrentTaskList(dir))
}

func TestReadTaskListEmptyPath(t *testing.T) {
	tasks, err := ReadTaskList("")
	require.NoError(t, err)
	require.Nil(t, tasks)
}

func TestReadTaskListDecodesEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeTaskFile(t, dir, "list.json", []NativeTask{
		{ID: "a", Content: "write tests", Status: "pending", Priority: "high"},
		{ID: "b", Content: "ship it", Status: "completed"},
	})

	tasks, err := ReadTaskList(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "write tests", tasks[0].Content)
	require.Equal(t, "high", tasks[0].Priority)
	require.Equal(t, "completed", tasks[1].Status)
}

func TestReadTaskListRejectsOversizedList(t *testing.T) {
	dir := t.TempDir()
	tasks := make([]NativeTask, maxNativeTasks+1)
	for i := range tasks {
		tasks[i] = NativeTask{ID: "x"}
	}
	path := writeTaskFile(t, dir, "huge.json", tasks)

	_, err := ReadTaskList(path)
	require.Error(t, err)
	require.Equal(t, merrors.InvalidInput, merrors.KindOf(err))
}

func TestReadTaskListRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := ReadTaskList(path)
	require.Error(t, err)
	require.Equal(t, merrors.InvalidInput, merrors.KindOf(err))
}

func TestSnapshotNativeTasksNoDir(t *testing.T) {
	result, err := SnapshotNativeTasks(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
}

func TestSnapshotNativeTasksSortsByID(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "list.json", []NativeTask{
		{ID: "c", Content: "third"},
		{ID: "a", Content: "first"},
		{ID: "b", Content: "second"},
	})

	result, err := SnapshotNativeTasks(dir)
	require.NoError(t, err)
	require.Equal(t, "list", result.ListID)
	require.Len(t, result.Tasks, 3)
	require.Equal(t, "a", result.Tasks[0].ID)
	require.Equal(t, "b", result.Tasks[1].ID)
	require.Equal(t, "c", result.Tasks[2].ID)
}

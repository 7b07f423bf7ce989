// Package snapshot reads the host agent's own native task-list file (the
// JSON the TodoWrite-style tool maintains outside Mira's database) so the
// stop hook can mirror it into durable storage. Session-summary merging
// (tool_history vs. behavior_log richness) lives in internal/hooks —
// that comparison is driven entirely by Mira's own tables, not a host
// file, so it has no dependency on this package.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/conarylabs/mira/internal/merrors"
)

// maxNativeTasks bounds how many entries SnapshotNativeTasks will
// deserialize, refusing anything larger outright rather than risking an
// unbounded allocation from a corrupted or hostile task file.
const maxNativeTasks = 10000

// NativeTask mirrors one entry of the host agent's task-list JSON.
type NativeTask struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// FindCurrentTaskList locates the most recently modified task-list file
// under dir (the host agent's per-session todo directory). Returns ""
// if dir doesn't exist or holds no task files — callers treat that as
// "nothing to snapshot", not an error.
func FindCurrentTaskList(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var newest string
	var newestModTime int64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mt := info.ModTime().Unix(); mt > newestModTime {
			newestModTime = mt
			newest = filepath.Join(dir, entry.Name())
		}
	}
	return newest
}

// ReadTaskList decodes a task-list file, refusing to proceed if it holds
// more than maxNativeTasks entries, a boundary-behavior requirement for
// oversized snapshot input.
func ReadTaskList(path string) ([]NativeTask, error) {
	const op = "snapshot.ReadTaskList"
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.New(merrors.Backend, op, err)
	}

	// Peek at the array length before fully decoding, so a file with
	// 10,001 single-character entries can't be used to force a large
	// allocation just to find out it's over budget.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, merrors.New(merrors.InvalidInput, op, err)
	}
	if len(raw) > maxNativeTasks {
		return nil, merrors.Newf(merrors.InvalidInput, op, "task list has %d entries, exceeding the %d limit", len(raw), maxNativeTasks)
	}

	tasks := make([]NativeTask, 0, len(raw))
	for _, r := range raw {
		var t NativeTask
		if err := json.Unmarshal(r, &t); err != nil {
			return nil, merrors.New(merrors.InvalidInput, op, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// taskListID derives a stable identifier for a task list file from its
// base name, used to dedupe repeated snapshots of the same list.
func taskListID(path string) string {
	if path == "" {
		return ""
	}
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// Result is what SnapshotNativeTasks found.
type Result struct {
	ListID string
	Tasks  []NativeTask
}

// SnapshotNativeTasks finds and reads the current task list under dir.
// A missing directory or empty list is not an error — it just yields a
// zero-value Result, matching the stop hook's own "always approve"
// contract (never block session end on a missing task file).
func SnapshotNativeTasks(dir string) (Result, error) {
	path := FindCurrentTaskList(dir)
	if path == "" {
		return Result{}, nil
	}
	tasks, err := ReadTaskList(path)
	if err != nil {
		return Result{}, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return Result{ListID: taskListID(path), Tasks: tasks}, nil
}

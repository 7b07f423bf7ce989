package hooks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/conarylabs/mira/internal/models"
	"github.com/conarylabs/mira/internal/snapshot"
)

// maxSummaryFiles caps how many modified file names are named explicitly
// in a session summary before collapsing the rest into "+N more".
const maxSummaryFiles = 3

// buildSessionSummary compares tool_history against the behavior log
// (tool_use + file_access events) and reports using whichever is richer,
// both capped at 50 — the same cap the background session-summary worker
// applies, so the two disagree only when one source is truly empty.
// Behavior wins only on a strict greater-than, so a tie (both empty, or
// equal non-zero counts from the same activity reflected in both tables)
// prefers tool_history, which has per-call structure the generic log
// lacks.
func buildSessionSummary(ctx context.Context, deps Deps, sessionID string, behaviorTotal, toolCount int, topTools []models.ToolCount, modifiedFiles []string, durationMinutes int) string {
	useBehavior := behaviorTotal > min(toolCount, 50)

	count := toolCount
	names := toolNames(topTools)
	if useBehavior {
		count = behaviorTotal
	}
	if count == 0 && !useBehavior {
		return ""
	}

	var parts []string
	if len(names) > 0 {
		parts = append(parts, fmt.Sprintf("%d tool calls (%s)", count, strings.Join(names, ", ")))
	} else {
		parts = append(parts, fmt.Sprintf("%d tool calls", count))
	}

	if len(modifiedFiles) > 0 {
		fileNames := make([]string, len(modifiedFiles))
		for i, p := range modifiedFiles {
			fileNames[i] = filepath.Base(p)
		}
		if len(fileNames) <= maxSummaryFiles {
			parts = append(parts, "Modified: "+strings.Join(fileNames, ", "))
		} else {
			extra := len(fileNames) - maxSummaryFiles
			parts = append(parts, fmt.Sprintf("Modified: %s (+%d more)", strings.Join(fileNames[:maxSummaryFiles], ", "), extra))
		}
	}

	if durationMinutes > 0 {
		if durationMinutes >= 60 {
			parts = append(parts, fmt.Sprintf("Duration: %dh %dm", durationMinutes/60, durationMinutes%60))
		} else {
			parts = append(parts, fmt.Sprintf("Duration: %dm", durationMinutes))
		}
	}

	return strings.Join(parts, ". ")
}

func toolNames(tools []models.ToolCount) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// Stop handles the stop hook: it snapshots the host's native task list
// (best effort — any failure is logged and ignored, never blocking
// session end), builds a session summary, and closes the session.
func Stop(ctx context.Context, deps Deps, ev Event) Result {
	log := deps.logger().With("hook", "stop", "session_id", ev.SessionID)
	if ev.SessionID == "" {
		return empty()
	}

	toolCount, topTools, err := deps.Mem.GetSessionStats(ctx, ev.SessionID)
	if err != nil {
		log.Warn("failed to read session stats", "error", err)
	}
	modifiedFiles, err := deps.Mem.GetSessionModifiedFiles(ctx, ev.SessionID)
	if err != nil {
		log.Warn("failed to read modified files", "error", err)
	}
	behaviorTotal, err := deps.Mem.CountBehaviorEvents(ctx, ev.SessionID)
	if err != nil {
		log.Warn("failed to count behavior log events", "error", err)
	}

	summary := buildSessionSummary(ctx, deps, ev.SessionID, behaviorTotal, toolCount, topTools, modifiedFiles, 0)
	if summary == "" {
		summary = "Session ended with no recorded activity."
	}

	if err := deps.Mem.CloseSession(ctx, ev.SessionID, summary); err != nil {
		log.Warn("failed to close session", "error", err)
	}

	snap := models.SessionSnapshot{
		SessionID:     ev.SessionID,
		ToolCount:     toolCount,
		TopTools:      topTools,
		FilesModified: modifiedFiles,
	}
	if behaviorTotal > min(toolCount, 50) {
		snap.Source = "behavior_log"
	}

	if deps.NativeTaskDir != "" {
		native, err := snapshot.SnapshotNativeTasks(deps.NativeTaskDir)
		if err != nil {
			log.Warn("failed to snapshot native task list", "error", err)
		} else if native.ListID != "" {
			snap.TaskListID = native.ListID
			snap.Tasks = make([]models.NativeTaskRef, len(native.Tasks))
			for i, t := range native.Tasks {
				snap.Tasks[i] = models.NativeTaskRef{ID: t.ID, Content: t.Content, Status: t.Status, Priority: t.Priority}
			}
		}
	}
	if err := deps.Mem.SaveSession(ctx, snap); err != nil {
		log.Warn("failed to save session snapshot", "error", err)
	}

	return empty()
}

// SessionEnd is functionally identical to Stop; the host agent emits a
// distinct event name for a hard session end (vs. a stop the user may
// resume from), but Mira's bookkeeping is the same either way.
func SessionEnd(ctx context.Context, deps Deps, ev Event) Result {
	return Stop(ctx, deps, ev)
}

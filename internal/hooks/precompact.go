package hooks

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/conarylabs/mira/internal/models"
)

// Constants matching the host agent's own precompact handler:
// a paragraph outside [minContentLen, maxContentLen] is either trivial
// ("ok", "sure") or a code paste, neither worth keeping as a decision/task/
// issue note.
const (
	minContentLen       = 10
	maxContentLen       = 800
	maxItemsPerCategory = 5
)

// decisionKeywords, taskKeywords, and issueKeywords are deliberately
// multi-word phrases. Single-word patterns ("picked", "later") false-
// positive on ordinary prose far too often.
var decisionKeywords = []string{
	"decided to", "we will use", "i chose", "let's go with", "approach:",
	"we went with", "the approach is", "opted for", "going with", "settled on",
	"switched to", "using instead", "the plan is", "strategy:",
	"design decision", "trade-off:", "tradeoff:",
}

var taskKeywords = []string{
	"todo:", "next step", "remaining:", "still need to", "haven't yet",
	"not yet implemented", "follow-up:", "followup:", "left to do",
	"will need to", "then we need", "blocked on", "waiting for", "- [ ]",
}

var issueKeywords = []string{
	"error:", "failed:", "issue:", "bug:", "broken:", "doesn't work",
	"does not work", "a regression", "workaround:", "fixme:",
	"panicked at", "stack trace", "compilation error", "compile error",
}

func matchesAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// transcriptMessage is one role-bearing message parsed out of a JSONL
// transcript.
type transcriptMessage struct {
	Role    string
	Content string
}

// rawTranscriptEntry mirrors the host's transcript line shape: content is
// either a plain string or an array of typed blocks.
type rawTranscriptEntry struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseTranscriptMessages extracts assistant/user text content from a
// newline-delimited JSON transcript, dropping tool_use/tool_result blocks.
func parseTranscriptMessages(transcript string) []transcriptMessage {
	var out []transcriptMessage
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry rawTranscriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Role != "assistant" && entry.Role != "user" {
			continue
		}

		var text string
		var asString string
		if err := json.Unmarshal(entry.Content, &asString); err == nil {
			text = asString
		} else {
			var blocks []contentBlock
			if err := json.Unmarshal(entry.Content, &blocks); err == nil {
				var parts []string
				for _, blk := range blocks {
					if blk.Type == "tool_use" || blk.Type == "tool_result" {
						continue
					}
					if blk.Text != "" {
						parts = append(parts, blk.Text)
					}
				}
				text = strings.Join(parts, "\n")
			}
		}
		if text != "" {
			out = append(out, transcriptMessage{Role: entry.Role, Content: text})
		}
	}
	return out
}

// extractCompactionContext scans paragraphs of every message for the
// three keyword families, capping each category, then captures the last
// assistant message's opening paragraph as "active work".
func extractCompactionContext(messages []transcriptMessage) *models.CompactionContext {
	ctx := &models.CompactionContext{}

	for _, msg := range messages {
		for _, paragraph := range strings.Split(msg.Content, "\n\n") {
			trimmed := strings.TrimSpace(paragraph)
			if len(trimmed) < minContentLen || len(trimmed) > maxContentLen {
				continue
			}
			lower := strings.ToLower(trimmed)

			if len(ctx.Decisions) < maxItemsPerCategory && matchesAny(lower, decisionKeywords) {
				ctx.Decisions = append(ctx.Decisions, trimmed)
			}
			if len(ctx.PendingTasks) < maxItemsPerCategory && matchesAny(lower, taskKeywords) {
				ctx.PendingTasks = append(ctx.PendingTasks, trimmed)
			}
			if len(ctx.Issues) < maxItemsPerCategory && matchesAny(lower, issueKeywords) {
				ctx.Issues = append(ctx.Issues, trimmed)
			}
		}
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		paragraphs := strings.SplitN(messages[i].Content, "\n\n", 2)
		if len(paragraphs) == 0 {
			break
		}
		first := strings.TrimSpace(paragraphs[0])
		if len(first) >= minContentLen && len(first) <= maxContentLen {
			ctx.ActiveWork = append(ctx.ActiveWork, first)
		}
		break
	}

	return ctx
}

// PreCompact parses ev.Transcript, extracts decisions/tasks/issues/active
// work, and merges them into the session's snapshot under an IMMEDIATE
// transaction (memory.Manager.SaveSession already serializes via
// storage.Engine.WriteImmediate — see internal/memory).
func PreCompact(ctx context.Context, deps Deps, ev Event) Result {
	log := deps.logger().With("hook", "pre_compact", "session_id", ev.SessionID)
	if ev.Transcript == "" {
		return empty()
	}

	messages := parseTranscriptMessages(ev.Transcript)
	compaction := extractCompactionContext(messages)
	if compaction.IsEmpty() {
		return empty()
	}

	snap := models.SessionSnapshot{SessionID: ev.SessionID, CompactionContext: compaction}
	if err := deps.Mem.SaveSession(ctx, snap); err != nil {
		log.Warn("failed to save compaction context", "error", err)
		return empty()
	}
	log.Debug("pre-compaction state saved", "items", compaction.TotalItems())
	return empty()
}

package hooks

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/storage"
)

// errorPatternFailureThreshold is the number of accumulated failures for
// one (tool, fingerprint) pair that must be reached before a later
// success is treated as the fix.
const errorPatternFailureThreshold = 3

// fingerprintNormalizer strips digits, quoted paths, and hex addresses
// from an error message so repeated failures with incidental detail
// differences (line numbers, temp file names) still hash to the same
// fingerprint.
var fingerprintNormalizer = regexp.MustCompile(`0x[0-9a-fA-F]+|\d+|"[^"]*"|'[^']*'`)

func errorFingerprint(errMsg string) string {
	normalized := fingerprintNormalizer.ReplaceAllString(errMsg, "#")
	sum := sha256.Sum256([]byte(strings.ToLower(normalized)))
	return hex.EncodeToString(sum[:])[:16]
}

// PostToolUse records a tool_use (or tool_failure) behavior event and
// tool_history row. On failure it bumps a per-(tool,fingerprint) failure
// counter; on success it resolves any pattern for this tool that
// accumulated errorPatternFailureThreshold or more failures beforehand.
func PostToolUse(ctx context.Context, deps Deps, ev Event, db *storage.Engine, projectID *int64) Result {
	log := deps.logger().With("hook", "post_tool_use", "session_id", ev.SessionID, "tool", ev.ToolName)
	if ev.SessionID == "" || ev.ToolName == "" {
		return empty()
	}

	success := ev.Success == nil || *ev.Success
	eventType := "tool_use"
	if !success {
		eventType = "tool_failure"
	}
	if err := logBehaviorEvent(ctx, db, ev.SessionID, projectID, eventType, map[string]any{"tool": ev.ToolName}); err != nil {
		log.Warn("failed to log behavior event", "error", err)
	}

	if err := recordToolHistory(ctx, db, ev.SessionID, ev.ToolName, success); err != nil {
		log.Warn("failed to record tool history", "error", err)
	}

	if success {
		if err := resolveErrorPatterns(ctx, db, ev.SessionID, ev.ToolName); err != nil {
			log.Warn("failed to resolve error patterns", "error", err)
		}
		return empty()
	}

	fingerprint := errorFingerprint(ev.Error)
	if err := recordFailure(ctx, db, ev.SessionID, ev.ToolName, fingerprint); err != nil {
		log.Warn("failed to record error pattern", "error", err)
	}
	return empty()
}

func recordToolHistory(ctx context.Context, db *storage.Engine, sessionID, toolName string, success bool) error {
	return db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tool_history (session_id, tool_name, success)
			VALUES (?, ?, ?)`, sessionID, toolName, success)
		if err != nil {
			return merrors.New(merrors.Backend, "hooks.recordToolHistory", err)
		}
		return nil
	})
}

func recordFailure(ctx context.Context, db *storage.Engine, sessionID, toolName, fingerprint string) error {
	return db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO error_patterns (session_id, tool_name, fingerprint, failure_count, status)
			VALUES (?, ?, ?, 1, 'open')
			ON CONFLICT(session_id, tool_name, fingerprint) DO UPDATE SET failure_count = failure_count + 1`,
			sessionID, toolName, fingerprint)
		if err != nil {
			return merrors.New(merrors.Backend, "hooks.recordFailure", err)
		}
		return nil
	})
}

func resolveErrorPatterns(ctx context.Context, db *storage.Engine, sessionID, toolName string) error {
	return db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE error_patterns SET status = 'resolved',
				fix_description = 'resolved by a later successful ' || tool_name || ' call',
				resolved_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE session_id = ? AND tool_name = ? AND status = 'open' AND failure_count >= ?`,
			sessionID, toolName, errorPatternFailureThreshold)
		if err != nil {
			return merrors.New(merrors.Backend, "hooks.resolveErrorPatterns", err)
		}
		return nil
	})
}

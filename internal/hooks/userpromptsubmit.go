package hooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/conarylabs/mira/internal/contextassembler"
	"github.com/conarylabs/mira/internal/storage"
)

// UserPromptSubmit logs a behavior event for the incoming message, then
// runs the context assembler (active goals, recall and code hints) for
// it; an assembly failure is logged and yields an empty result.
func UserPromptSubmit(ctx context.Context, deps Deps, ev Event, db *storage.Engine, assembler *contextassembler.Assembler, projectID *int64) Result {
	log := deps.logger().With("hook", "user_prompt_submit", "session_id", ev.SessionID)
	if ev.SessionID == "" {
		return empty()
	}

	if err := logBehaviorEvent(ctx, db, ev.SessionID, projectID, "tool_use", map[string]any{"kind": "prompt_submit"}); err != nil {
		log.Warn("failed to log behavior event", "error", err)
	}

	var (
		wg     sync.WaitGroup
		bundle contextassembler.Bundle
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		b, err := assembler.Assemble(ctx, contextassembler.Input{ProjectID: projectID, Query: ev.Message})
		if err != nil {
			log.Warn("context assembly failed", "error", err)
			return
		}
		bundle = b
	}()
	wg.Wait()

	rendered := bundle.String()
	if rendered == "" {
		return empty()
	}
	return Result{"additionalContext": rendered}
}

func logBehaviorEvent(ctx context.Context, db *storage.Engine, sessionID string, projectID *int64, eventType string, data map[string]any) error {
	if sessionID == "" {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var next int64
		row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_position), 0) + 1 FROM session_behavior_log WHERE session_id = ?`, sessionID)
		if err := row.Scan(&next); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO session_behavior_log
			(session_id, project_id, event_type, event_data, sequence_position)
			VALUES (?, ?, ?, ?, ?)`, sessionID, projectID, eventType, string(payload), next)
		return err
	})
}

package hooks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/storage"
)

// SessionStart resolves or creates the project for ev.Cwd, registers the
// session, and builds a briefing: a lighter one for a fresh startup, a
// richer one (prior goals, files modified in the session, most-used
// tools) when ev.Source == "resume". The resume briefing does not
// include the compaction context stored in the session snapshot.
func SessionStart(ctx context.Context, deps Deps, ev Event, db *storage.Engine) Result {
	log := deps.logger().With("hook", "session_start", "session_id", ev.SessionID)
	if ev.SessionID == "" {
		return empty()
	}

	projectID, err := resolveOrCreateProject(ctx, db, ev.Cwd)
	if err != nil {
		log.Warn("failed to resolve project", "error", err)
	}

	if err := registerSession(ctx, db, ev.SessionID, projectID); err != nil {
		log.Warn("failed to register session", "error", err)
		return empty()
	}

	var briefing string
	if ev.Source == "resume" {
		briefing = buildResumeBriefing(ctx, deps, ev.SessionID, projectID)
	} else {
		briefing = buildStartupBriefing(ctx, deps, projectID)
	}

	if briefing == "" {
		return empty()
	}
	return Result{"additionalContext": briefing}
}

func resolveOrCreateProject(ctx context.Context, db *storage.Engine, cwd string) (*int64, error) {
	if cwd == "" {
		return nil, nil
	}
	var id int64
	err := db.Read(ctx, func(ctx context.Context, conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `SELECT id FROM projects WHERE ? LIKE path || '%' ORDER BY length(path) DESC LIMIT 1`, cwd).Scan(&id)
	})
	if err == nil {
		return &id, nil
	}
	if err != sql.ErrNoRows {
		return nil, merrors.New(merrors.Backend, "hooks.resolveOrCreateProject", err)
	}

	err = db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		name := cwd
		if idx := strings.LastIndex(cwd, "/"); idx >= 0 && idx+1 < len(cwd) {
			name = cwd[idx+1:]
		}
		row := tx.QueryRowContext(ctx, `INSERT INTO projects (path, name) VALUES (?, ?)
			ON CONFLICT(path) DO UPDATE SET path = excluded.path RETURNING id`, cwd, name)
		if err := row.Scan(&id); err != nil {
			return merrors.New(merrors.Backend, "hooks.resolveOrCreateProject", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func registerSession(ctx context.Context, db *storage.Engine, sessionID string, projectID *int64) error {
	return db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, project_id, status) VALUES (?, ?, 'active')
			ON CONFLICT(id) DO UPDATE SET last_activity = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
			sessionID, projectID)
		if err != nil {
			return merrors.New(merrors.Backend, "hooks.registerSession", err)
		}
		return nil
	})
}

func buildStartupBriefing(ctx context.Context, deps Deps, projectID *int64) string {
	goals, err := deps.Mem.FormatActiveGoals(ctx, projectID)
	if err != nil || goals == "" {
		return ""
	}
	return "## Active goals\n" + goals
}

func buildResumeBriefing(ctx context.Context, deps Deps, sessionID string, projectID *int64) string {
	var sections []string

	if goals, err := deps.Mem.FormatActiveGoals(ctx, projectID); err == nil && goals != "" {
		sections = append(sections, "## Active goals\n"+goals)
	}
	if files, err := deps.Mem.GetSessionModifiedFiles(ctx, sessionID); err == nil && len(files) > 0 {
		sections = append(sections, fmt.Sprintf("## You were working on\nFiles touched last session: %s", strings.Join(files, ", ")))
	}
	if _, topTools, err := deps.Mem.GetSessionStats(ctx, sessionID); err == nil && len(topTools) > 0 {
		names := toolNames(topTools)
		sections = append(sections, "## Recent tool activity\n"+strings.Join(names, ", "))
	}

	if len(sections) == 0 {
		return ""
	}
	return strings.Join(sections, "\n\n")
}

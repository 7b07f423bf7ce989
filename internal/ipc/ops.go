package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/contextassembler"
	"github.com/conarylabs/mira/internal/hooks"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/models"
	"github.com/conarylabs/mira/internal/storage"
)

// Deps bundles every daemon component an op handler may call into. One
// Deps is built at startup and shared by every connection the Server
// accepts.
type Deps struct {
	DB         *storage.Engine
	Mem        *memory.Manager
	Code       *codeintel.Store
	Assembler  *contextassembler.Assembler
	Log        *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// RegisterOps wires every operation named in the hook protocol onto s.
// Each handler decodes its own params, so a bad request from one op
// cannot wedge another.
func RegisterOps(s *Server, deps Deps) {
	h := &opHandlers{deps: deps}

	s.Register("resolve_project", h.resolveProject)
	s.Register("register_session", h.registerSession)
	s.Register("get_startup_context", h.getStartupContext)
	s.Register("get_resume_context", h.getResumeContext)
	s.Register("close_session", h.closeSession)
	s.Register("save_compaction_context", h.saveCompactionContext)
	s.Register("get_user_prompt_context", h.getUserPromptContext)
	s.Register("log_behavior", h.logBehavior)

	s.Register("store_observation", h.storeObservation)
	s.Register("recall_memories", h.recallMemories)
	s.Register("get_active_goals", h.getActiveGoals)
	s.Register("auto_link_milestone", h.autoLinkMilestone)

	s.Register("store_error_pattern", h.storeErrorPattern)
	s.Register("lookup_resolved_pattern", h.lookupResolvedPattern)
	s.Register("count_session_failures", h.countSessionFailures)
	s.Register("resolve_error_patterns", h.resolveErrorPatterns)

	s.Register("get_team_membership", h.getTeamMembership)
	s.Register("register_team_session", h.registerTeamSession)
	s.Register("deactivate_team_session", h.deactivateTeamSession)
	s.Register("record_file_ownership", h.recordFileOwnership)
	s.Register("get_file_conflicts", h.getFileConflicts)
	s.Register("distill_team_session", h.distillTeamSession)

	s.Register("snapshot_tasks", h.snapshotTasks)
	s.Register("write_claude_local_md", h.writeClaudeLocalMD)
	s.Register("write_auto_memory", h.writeAutoMemory)
}

type opHandlers struct {
	deps Deps
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, merrors.New(merrors.InvalidInput, "ipc.decode", err)
	}
	return v, nil
}

// --- lifecycle ---

type resolveProjectParams struct {
	Cwd string `json:"cwd"`
}

func (h *opHandlers) resolveProject(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[resolveProjectParams](params)
	if err != nil {
		return nil, err
	}
	var id int64
	err = h.deps.DB.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT id FROM projects WHERE ? LIKE path || '%' ORDER BY length(path) DESC LIMIT 1`, in.Cwd).Scan(&id)
	})
	if err == sql.ErrNoRows {
		return map[string]any{"project_id": nil}, nil
	}
	if err != nil {
		return nil, merrors.New(merrors.Backend, "ipc.resolveProject", err)
	}
	return map[string]any{"project_id": id}, nil
}

type registerSessionParams struct {
	SessionID string `json:"session_id"`
	ProjectID *int64 `json:"project_id"`
}

func (h *opHandlers) registerSession(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[registerSessionParams](params)
	if err != nil {
		return nil, err
	}
	return empty(), h.deps.DB.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, project_id, status) VALUES (?, ?, 'active')
			ON CONFLICT(id) DO UPDATE SET last_activity = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
			in.SessionID, in.ProjectID)
		if err != nil {
			return merrors.New(merrors.Backend, "ipc.registerSession", err)
		}
		return nil
	})
}

type briefingParams struct {
	SessionID string `json:"session_id"`
	ProjectID *int64 `json:"project_id"`
}

func (h *opHandlers) getStartupContext(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[briefingParams](params)
	if err != nil {
		return nil, err
	}
	goals, err := h.deps.Mem.FormatActiveGoals(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"active_goals": goals}, nil
}

func (h *opHandlers) getResumeContext(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[briefingParams](params)
	if err != nil {
		return nil, err
	}
	goals, _ := h.deps.Mem.FormatActiveGoals(ctx, in.ProjectID)
	files, _ := h.deps.Mem.GetSessionModifiedFiles(ctx, in.SessionID)
	_, topTools, _ := h.deps.Mem.GetSessionStats(ctx, in.SessionID)
	return map[string]any{
		"active_goals":   goals,
		"modified_files": files,
		"top_tools":      topTools,
	}, nil
}

type closeSessionParams struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}

func (h *opHandlers) closeSession(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[closeSessionParams](params)
	if err != nil {
		return nil, err
	}
	return empty(), h.deps.Mem.CloseSession(ctx, in.SessionID, in.Summary)
}

type saveCompactionParams struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
}

func (h *opHandlers) saveCompactionContext(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[saveCompactionParams](params)
	if err != nil {
		return nil, err
	}
	result := hooks.PreCompact(ctx, hooks.Deps{Mem: h.deps.Mem, Code: h.deps.Code, Log: h.deps.logger()},
		hooks.Event{SessionID: in.SessionID, Transcript: in.Transcript})
	return result, nil
}

type userPromptParams struct {
	ProjectID *int64 `json:"project_id"`
	Query     string `json:"query"`
}

func (h *opHandlers) getUserPromptContext(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[userPromptParams](params)
	if err != nil {
		return nil, err
	}
	bundle, err := h.deps.Assembler.Assemble(ctx, contextassembler.Input{ProjectID: in.ProjectID, Query: in.Query})
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": bundle.String()}, nil
}

type logBehaviorParams struct {
	SessionID string         `json:"session_id"`
	ProjectID *int64         `json:"project_id"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data"`
}

func (h *opHandlers) logBehavior(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[logBehaviorParams](params)
	if err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return empty(), nil
	}
	payload, err := json.Marshal(in.EventData)
	if err != nil {
		return nil, merrors.New(merrors.InvalidInput, "ipc.logBehavior", err)
	}
	return empty(), h.deps.DB.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_position), 0) + 1 FROM session_behavior_log WHERE session_id = ?`, in.SessionID).Scan(&next); err != nil {
			return merrors.New(merrors.Backend, "ipc.logBehavior", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO session_behavior_log (session_id, project_id, event_type, event_data, sequence_position)
			VALUES (?, ?, ?, ?, ?)`, in.SessionID, in.ProjectID, in.EventType, string(payload), next)
		if err != nil {
			return merrors.New(merrors.Backend, "ipc.logBehavior", err)
		}
		return nil
	})
}

// --- memory ---

func (h *opHandlers) storeObservation(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[memory.ObserveInput](params)
	if err != nil {
		return nil, err
	}
	return h.deps.Mem.StoreObservation(ctx, in)
}

func (h *opHandlers) recallMemories(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[memory.RecallInput](params)
	if err != nil {
		return nil, err
	}
	return h.deps.Mem.Recall(ctx, in)
}

type projectOnlyParams struct {
	ProjectID *int64 `json:"project_id"`
}

func (h *opHandlers) getActiveGoals(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[projectOnlyParams](params)
	if err != nil {
		return nil, err
	}
	goals, err := h.deps.Mem.FormatActiveGoals(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"active_goals": goals}, nil
}

type autoLinkParams struct {
	ProjectID *int64 `json:"project_id"`
	Subject   string `json:"subject"`
}

func (h *opHandlers) autoLinkMilestone(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[autoLinkParams](params)
	if err != nil {
		return nil, err
	}
	result := hooks.TaskCompleted(ctx, hooks.Deps{Mem: h.deps.Mem, Code: h.deps.Code, Log: h.deps.logger()},
		hooks.Event{}, h.deps.DB, in.ProjectID, in.Subject)
	return result, nil
}

// --- error patterns ---

type errorPatternParams struct {
	SessionID   string `json:"session_id"`
	ToolName    string `json:"tool_name"`
	Fingerprint string `json:"fingerprint"`
}

func (h *opHandlers) storeErrorPattern(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[errorPatternParams](params)
	if err != nil {
		return nil, err
	}
	return empty(), h.deps.DB.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO error_patterns (session_id, tool_name, fingerprint, failure_count, status)
			VALUES (?, ?, ?, 1, 'open')
			ON CONFLICT(session_id, tool_name, fingerprint) DO UPDATE SET failure_count = failure_count + 1`,
			in.SessionID, in.ToolName, in.Fingerprint)
		if err != nil {
			return merrors.New(merrors.Backend, "ipc.storeErrorPattern", err)
		}
		return nil
	})
}

func (h *opHandlers) lookupResolvedPattern(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[errorPatternParams](params)
	if err != nil {
		return nil, err
	}
	var fix string
	err = h.deps.DB.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT fix_description FROM error_patterns
			WHERE session_id = ? AND tool_name = ? AND fingerprint = ? AND status = 'resolved'
			ORDER BY resolved_at DESC LIMIT 1`, in.SessionID, in.ToolName, in.Fingerprint).Scan(&fix)
	})
	if err == sql.ErrNoRows {
		return map[string]any{"found": false}, nil
	}
	if err != nil {
		return nil, merrors.New(merrors.Backend, "ipc.lookupResolvedPattern", err)
	}
	return map[string]any{"found": true, "fix_description": fix}, nil
}

type sessionOnlyParams struct {
	SessionID string `json:"session_id"`
}

func (h *opHandlers) countSessionFailures(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[sessionOnlyParams](params)
	if err != nil {
		return nil, err
	}
	var count int
	err = h.deps.DB.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COALESCE(SUM(failure_count), 0) FROM error_patterns
			WHERE session_id = ? AND status = 'open'`, in.SessionID).Scan(&count)
	})
	if err != nil {
		return nil, merrors.New(merrors.Backend, "ipc.countSessionFailures", err)
	}
	return map[string]any{"failure_count": count}, nil
}

type resolvePatternsParams struct {
	SessionID string `json:"session_id"`
	ToolName  string `json:"tool_name"`
}

func (h *opHandlers) resolveErrorPatterns(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[resolvePatternsParams](params)
	if err != nil {
		return nil, err
	}
	return empty(), h.deps.DB.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE error_patterns SET status = 'resolved',
				fix_description = 'resolved by a later successful ' || tool_name || ' call',
				resolved_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE session_id = ? AND tool_name = ? AND status = 'open' AND failure_count >= 3`,
			in.SessionID, in.ToolName)
		if err != nil {
			return merrors.New(merrors.Backend, "ipc.resolveErrorPatterns", err)
		}
		return nil
	})
}

// --- team coordination ---

type teamMembershipParams struct {
	UserIdentity string `json:"user_identity"`
}

func (h *opHandlers) getTeamMembership(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[teamMembershipParams](params)
	if err != nil {
		return nil, err
	}
	var teamID, teamName string
	err = h.deps.DB.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT t.id, t.name FROM teams t
			JOIN team_members m ON m.team_id = t.id WHERE m.user_identity = ? LIMIT 1`, in.UserIdentity).Scan(&teamID, &teamName)
	})
	if err == sql.ErrNoRows {
		return map[string]any{"team_id": nil}, nil
	}
	if err != nil {
		return nil, merrors.New(merrors.Backend, "ipc.getTeamMembership", err)
	}
	return map[string]any{"team_id": teamID, "team_name": teamName}, nil
}

type registerTeamSessionParams struct {
	SessionID    string `json:"session_id"`
	TeamID       string `json:"team_id"`
	UserIdentity string `json:"user_identity"`
}

func (h *opHandlers) registerTeamSession(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[registerTeamSessionParams](params)
	if err != nil {
		return nil, err
	}
	return empty(), h.deps.DB.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO team_sessions (session_id, team_id, user_identity, active)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(session_id) DO UPDATE SET active = 1, ended_at = NULL`,
			in.SessionID, in.TeamID, in.UserIdentity)
		if err != nil {
			return merrors.New(merrors.Backend, "ipc.registerTeamSession", err)
		}
		return nil
	})
}

func (h *opHandlers) deactivateTeamSession(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[sessionOnlyParams](params)
	if err != nil {
		return nil, err
	}
	return empty(), h.deps.DB.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE team_sessions SET active = 0,
			ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE session_id = ?`, in.SessionID)
		if err != nil {
			return merrors.New(merrors.Backend, "ipc.deactivateTeamSession", err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM file_claims WHERE session_id = ?`, in.SessionID)
		if err != nil {
			return merrors.New(merrors.Backend, "ipc.deactivateTeamSession", err)
		}
		return nil
	})
}

type recordFileOwnershipParams struct {
	TeamID       string `json:"team_id"`
	SessionID    string `json:"session_id"`
	UserIdentity string `json:"user_identity"`
	FilePath     string `json:"file_path"`
}

func (h *opHandlers) recordFileOwnership(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[recordFileOwnershipParams](params)
	if err != nil {
		return nil, err
	}
	if in.TeamID == "" || in.FilePath == "" {
		return empty(), nil
	}
	return empty(), h.deps.DB.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO file_claims (team_id, file_path, session_id, user_identity)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(team_id, file_path) DO UPDATE SET session_id = excluded.session_id,
				user_identity = excluded.user_identity, claimed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
			in.TeamID, in.FilePath, in.SessionID, in.UserIdentity)
		if err != nil {
			return merrors.New(merrors.Backend, "ipc.recordFileOwnership", err)
		}
		return nil
	})
}

type fileConflictsParams struct {
	TeamID    string   `json:"team_id"`
	SessionID string   `json:"session_id"`
	Files     []string `json:"files"`
}

func (h *opHandlers) getFileConflicts(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[fileConflictsParams](params)
	if err != nil {
		return nil, err
	}
	type conflict struct {
		FilePath     string `json:"file_path"`
		UserIdentity string `json:"user_identity"`
	}
	var conflicts []conflict
	if in.TeamID == "" || len(in.Files) == 0 {
		return map[string]any{"conflicts": conflicts}, nil
	}

	err = h.deps.DB.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		placeholders := make([]any, 0, len(in.Files)+1)
		placeholders = append(placeholders, in.TeamID)
		query := `SELECT file_path, user_identity FROM file_claims WHERE team_id = ? AND session_id != ? AND file_path IN (`
		placeholders = append(placeholders, in.SessionID)
		for i, f := range in.Files {
			if i > 0 {
				query += ","
			}
			query += "?"
			placeholders = append(placeholders, f)
		}
		query += ")"
		rows, qerr := db.QueryContext(ctx, query, placeholders...)
		if qerr != nil {
			return merrors.New(merrors.Backend, "ipc.getFileConflicts", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var c conflict
			if serr := rows.Scan(&c.FilePath, &c.UserIdentity); serr != nil {
				return merrors.New(merrors.Backend, "ipc.getFileConflicts", serr)
			}
			conflicts = append(conflicts, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"conflicts": conflicts}, nil
}

type distillTeamSessionParams struct {
	TeamID    string `json:"team_id"`
	SessionID string `json:"session_id"`
}

// distillTeamSession folds the files one team member's session modified
// into a team-scoped memory fact, so teammates recall each other's
// recent work on shared goals.
func (h *opHandlers) distillTeamSession(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[distillTeamSessionParams](params)
	if err != nil {
		return nil, err
	}
	var userIdentity string
	err = h.deps.DB.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT user_identity FROM team_sessions WHERE session_id = ?`, in.SessionID).Scan(&userIdentity)
	})
	if err != nil {
		return nil, merrors.New(merrors.Backend, "ipc.distillTeamSession", err)
	}

	files, _ := h.deps.Mem.GetSessionModifiedFiles(ctx, in.SessionID)
	if len(files) == 0 {
		return empty(), nil
	}
	content := fmt.Sprintf("%s last touched: %s", userIdentity, strings.Join(files, ", "))
	_, err = h.deps.Mem.StoreObservation(ctx, memory.ObserveInput{
		SessionID: in.SessionID,
		Key:       "team_activity:" + userIdentity,
		Content:   content,
		FactType:  models.FactObservation,
		Scope:     models.ScopeTeam,
		TeamID:    in.TeamID,
		UserID:    userIdentity,
	})
	return empty(), err
}

// --- snapshot / local files ---

const maxSnapshotTasks = 10000

type snapshotTasksParams struct {
	ProjectID *int64           `json:"project_id"`
	Tasks     []map[string]any `json:"tasks"`
}

func (h *opHandlers) snapshotTasks(ctx context.Context, params json.RawMessage) (any, error) {
	const op = "ipc.snapshotTasks"
	var raw struct {
		ProjectID *int64            `json:"project_id"`
		Tasks     []json.RawMessage `json:"tasks"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &raw); err != nil {
			return nil, merrors.New(merrors.InvalidInput, op, err)
		}
	}
	if len(raw.Tasks) > maxSnapshotTasks {
		return nil, merrors.Newf(merrors.InvalidInput, op, "refusing to snapshot %d tasks (limit %d)", len(raw.Tasks), maxSnapshotTasks)
	}

	return empty(), h.deps.DB.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, rawTask := range raw.Tasks {
			var t models.Task
			if err := json.Unmarshal(rawTask, &t); err != nil {
				return merrors.New(merrors.InvalidInput, op, err)
			}
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if t.Status == "" {
				t.Status = "pending"
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO tasks (id, project_id, goal_id, title, description, status, priority)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET title = excluded.title, description = excluded.description,
					status = excluded.status, priority = excluded.priority`,
				t.ID, raw.ProjectID, t.GoalID, t.Title, t.Description, t.Status, t.Priority)
			if err != nil {
				return merrors.New(merrors.Backend, op, err)
			}
		}
		return nil
	})
}

type writeClaudeLocalMDParams struct {
	Cwd     string `json:"cwd"`
	Content string `json:"content"`
}

// writeClaudeLocalMD persists a generated briefing to CLAUDE.local.md in
// the project root, the same file the host agent reads on its own
// without a hook round-trip.
func (h *opHandlers) writeClaudeLocalMD(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[writeClaudeLocalMDParams](params)
	if err != nil {
		return nil, err
	}
	if in.Cwd == "" {
		return nil, merrors.Newf(merrors.InvalidInput, "ipc.writeClaudeLocalMD", "cwd is required")
	}
	path := filepath.Join(in.Cwd, "CLAUDE.local.md")
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return nil, merrors.New(merrors.Backend, "ipc.writeClaudeLocalMD", err)
	}
	return map[string]any{"path": path}, nil
}

func (h *opHandlers) writeAutoMemory(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decode[memory.ObserveInput](params)
	if err != nil {
		return nil, err
	}
	if in.FactType == "" {
		in.FactType = models.FactObservation
	}
	return h.deps.Mem.StoreObservation(ctx, in)
}

func empty() map[string]any { return map[string]any{} }

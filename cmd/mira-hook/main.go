// Package main is the hook front-end: a short-lived binary the host
// agent invokes once per lifecycle event. It reads one JSON object from
// stdin, forwards it to the mirad daemon over the IPC socket, and falls
// back to a direct, read-write connection to the same SQLite database
// when the daemon is unreachable — the host agent must never see a
// hook failure, so every error here is logged to stderr and swallowed.
//
// Usage: mira-hook <event>
//
//	session_start | user_prompt_submit | post_tool_use | pre_compact |
//	stop | session_end | task_completed
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/config"
	"github.com/conarylabs/mira/internal/contextassembler"
	"github.com/conarylabs/mira/internal/embedclient"
	"github.com/conarylabs/mira/internal/hooks"
	"github.com/conarylabs/mira/internal/ipc"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: mira-hook <event>")
		emit(hooks.Result{})
		return
	}
	event := os.Args[1]

	var ev hooks.Event
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Warn("failed to read stdin", "error", err)
		emit(hooks.Result{})
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Warn("failed to parse stdin JSON", "error", err)
			emit(hooks.Result{})
			return
		}
	}

	cfgPath := os.Getenv("MIRA_CONFIG")
	if cfgPath == "" {
		cfgPath = "mira.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("failed to load config, using defaults", "error", err)
		cfg = &config.Config{}
		applyHookDefaults(cfg)
	}

	ctx := context.Background()
	result := dispatch(ctx, cfg, event, ev, logger)
	emit(result)
}

func applyHookDefaults(cfg *config.Config) {
	if cfg.IPC.SocketPath == "" {
		cfg.IPC.SocketPath = "/tmp/mira.sock"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "mira.db"
	}
}

func emit(r hooks.Result) {
	if r == nil {
		r = hooks.Result{}
	}
	out, err := json.Marshal(r)
	if err != nil {
		fmt.Println("{}")
		return
	}
	fmt.Println(string(out))
}

// dispatch tries the IPC path first, the one the daemon normally serves.
// A dial failure (the daemon isn't running) falls back to a direct,
// short-lived database connection running the same handler the daemon
// would have run.
func dispatch(ctx context.Context, cfg *config.Config, event string, ev hooks.Event, logger *slog.Logger) hooks.Result {
	client := ipc.NewClient(cfg.IPC.SocketPath)
	if cfg.IPC.DialTimeout > 0 {
		client.Timeout = cfg.IPC.DialTimeout
	}

	result, err := callViaIPC(ctx, client, event, ev, logger)
	if err == nil {
		return result
	}
	if !merrors.Is(err, merrors.Unavailable) {
		logger.Warn("ipc call failed", "event", event, "error", err)
		return hooks.Result{}
	}

	logger.Warn("daemon unreachable, falling back to direct database access", "event", event)
	return callDirect(ctx, cfg, event, ev, logger)
}

// callViaIPC resolves the project then runs the fine-grained op sequence
// matching event, mirroring the corresponding direct handler's shape.
func callViaIPC(ctx context.Context, client *ipc.Client, event string, ev hooks.Event, logger *slog.Logger) (hooks.Result, error) {
	var projectID *int64
	if ev.Cwd != "" {
		var resp struct {
			ProjectID *int64 `json:"project_id"`
		}
		if err := client.Call(ctx, "resolve_project", map[string]any{"cwd": ev.Cwd}, &resp); err != nil {
			return nil, err
		}
		projectID = resp.ProjectID
	}

	switch event {
	case "session_start":
		if err := client.Call(ctx, "register_session", map[string]any{"session_id": ev.SessionID, "project_id": projectID}, nil); err != nil {
			return nil, err
		}
		op := "get_startup_context"
		if ev.Source == "resume" {
			op = "get_resume_context"
		}
		var resp map[string]any
		if err := client.Call(ctx, op, map[string]any{"session_id": ev.SessionID, "project_id": projectID}, &resp); err != nil {
			return nil, err
		}
		return briefingResult(resp), nil

	case "user_prompt_submit":
		client.CallFireAndForget(ctx, "log_behavior", map[string]any{
			"session_id": ev.SessionID, "project_id": projectID, "event_type": "tool_use",
			"event_data": map[string]any{"kind": "prompt_submit"},
		}, logger)
		var resp struct {
			Context string `json:"context"`
		}
		if err := client.Call(ctx, "get_user_prompt_context", map[string]any{"project_id": projectID, "query": ev.Message}, &resp); err != nil {
			return nil, err
		}
		if resp.Context == "" {
			return hooks.Result{}, nil
		}
		return hooks.Result{"hookSpecificOutput": map[string]any{"hookEventName": "UserPromptSubmit", "additionalContext": resp.Context}}, nil

	case "post_tool_use":
		success := ev.Success == nil || *ev.Success
		eventType := "tool_use"
		if !success {
			eventType = "tool_failure"
		}
		client.CallFireAndForget(ctx, "log_behavior", map[string]any{
			"session_id": ev.SessionID, "project_id": projectID, "event_type": eventType,
			"event_data": map[string]any{"tool_name": ev.ToolName},
		}, logger)
		if !success && ev.Error != "" {
			client.CallFireAndForget(ctx, "store_error_pattern", map[string]any{
				"session_id": ev.SessionID, "tool_name": ev.ToolName, "fingerprint": ev.Error,
			}, logger)
		} else if success {
			client.CallFireAndForget(ctx, "resolve_error_patterns", map[string]any{"session_id": ev.SessionID, "tool_name": ev.ToolName}, logger)
		}
		return hooks.Result{}, nil

	case "pre_compact":
		var result hooks.Result
		err := client.Call(ctx, "save_compaction_context", map[string]any{"session_id": ev.SessionID, "transcript": ev.Transcript}, &result)
		return result, err

	case "task_completed":
		var result hooks.Result
		err := client.Call(ctx, "auto_link_milestone", map[string]any{"project_id": projectID, "subject": ev.Message}, &result)
		return result, err

	case "stop", "session_end":
		summary := fmt.Sprintf("session %s", event)
		if err := client.Call(ctx, "close_session", map[string]any{"session_id": ev.SessionID, "summary": summary}, nil); err != nil {
			return nil, err
		}
		return hooks.Result{}, nil

	default:
		return hooks.Result{}, nil
	}
}

func briefingResult(resp map[string]any) hooks.Result {
	parts := ""
	if goals, ok := resp["active_goals"].(string); ok && goals != "" {
		parts = goals
	}
	if parts == "" {
		return hooks.Result{}
	}
	return hooks.Result{"hookSpecificOutput": map[string]any{"hookEventName": "SessionStart", "additionalContext": parts}}
}

// callDirect opens a throwaway connection to the same database file and
// runs the full handler the daemon would have, for when the daemon is
// down. Embeddings are unavailable on this path since the hook front-end
// carries no embedding credentials of its own.
func callDirect(ctx context.Context, cfg *config.Config, event string, ev hooks.Event, logger *slog.Logger) hooks.Result {
	db, err := storage.Open(ctx, storage.Config{Path: cfg.Storage.Path, Logger: logger})
	if err != nil {
		logger.Warn("direct fallback: failed to open storage", "error", err)
		return hooks.Result{}
	}
	defer db.Close()

	mem := memory.New(db, embedclient.Disabled(), logger)
	code := codeintel.New(db, embedclient.Disabled(), logger)
	assembler := contextassembler.New(mem, code)
	deps := hooks.Deps{Mem: mem, Code: code, Log: logger, NativeTaskDir: cfg.Hooks.NativeTaskDir}

	switch event {
	case "session_start":
		return hooks.SessionStart(ctx, deps, ev, db)
	case "user_prompt_submit":
		return hooks.UserPromptSubmit(ctx, deps, ev, db, assembler, resolveProjectDirect(ctx, db, ev.Cwd))
	case "post_tool_use":
		return hooks.PostToolUse(ctx, deps, ev, db, resolveProjectDirect(ctx, db, ev.Cwd))
	case "pre_compact":
		return hooks.PreCompact(ctx, deps, ev)
	case "task_completed":
		return hooks.TaskCompleted(ctx, deps, ev, db, resolveProjectDirect(ctx, db, ev.Cwd), ev.Message)
	case "stop":
		return hooks.Stop(ctx, deps, ev)
	case "session_end":
		return hooks.SessionEnd(ctx, deps, ev)
	default:
		return hooks.Result{}
	}
}

func resolveProjectDirect(ctx context.Context, db *storage.Engine, cwd string) *int64 {
	if cwd == "" {
		return nil
	}
	var id int64
	err := db.Read(ctx, func(ctx context.Context, sqldb *sql.DB) error {
		return sqldb.QueryRowContext(ctx, `SELECT id FROM projects WHERE ? LIKE path || '%' ORDER BY length(path) DESC LIMIT 1`, cwd).Scan(&id)
	})
	if err != nil {
		return nil
	}
	return &id
}

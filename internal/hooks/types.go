// Package hooks implements the daemon's lifecycle-hook handlers: one pure,
// failure-tolerant function per host-agent event (session start, prompt
// submit, tool use, pre-compact, stop, session end, task completed).
// Every handler's contract is the same: never fail the host agent — on
// any internal error, log it and return an empty JSON object.
package hooks

import (
	"encoding/json"
	"log/slog"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/memory"
)

// Event is the decoded hook payload read from the front-end's stdin JSON.
type Event struct {
	SessionID string          `json:"session_id"`
	Cwd       string          `json:"cwd,omitempty"`
	Source    string          `json:"source,omitempty"` // "startup" | "resume"
	Message   string          `json:"message,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
}

// Result is what a handler returns; it is marshaled verbatim to stdout.
type Result map[string]any

// empty is returned by every handler on failure, per the "never fail the
// host agent" contract.
func empty() Result { return Result{} }

// Deps bundles the daemon components every handler needs. Constructed
// once by the IPC server or the stdin-JSON front-end's direct-DB fallback.
type Deps struct {
	Mem  *memory.Manager
	Code *codeintel.Store
	Log  *slog.Logger

	// NativeTaskDir is the host agent's per-session todo directory. Empty
	// disables native task-list mirroring in Stop.
	NativeTaskDir string
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

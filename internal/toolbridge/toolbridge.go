// Package toolbridge exposes a small, read-only capability set to
// council providers: recall_memories, search_code, list_tasks,
// list_goals, web_fetch. Every call is schema-validated before dispatch
// and metered against a shared, per-deliberation budget.
package toolbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/merrors"
)

// ToolName identifies one of the read-only tools a council provider may
// call.
type ToolName string

const (
	ToolRecallMemories ToolName = "recall_memories"
	ToolSearchCode     ToolName = "search_code"
	ToolListTasks      ToolName = "list_tasks"
	ToolListGoals      ToolName = "list_goals"
	ToolWebFetch       ToolName = "web_fetch"
)

// Definition pairs a tool's name with the JSON schema its arguments must
// satisfy, the shape a council provider's function-calling API needs to
// advertise the tool.
type Definition struct {
	Name        ToolName
	Description string
	Schema      json.RawMessage
}

var definitions = []Definition{
	{
		Name:        ToolRecallMemories,
		Description: "Search the project's durable memory for facts relevant to a query.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	},
	{
		Name:        ToolSearchCode,
		Description: "Search the project's indexed source for chunks relevant to a query.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	},
	{
		Name:        ToolListTasks,
		Description: "List the project's open tasks.",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        ToolListGoals,
		Description: "List the project's in-progress goals.",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        ToolWebFetch,
		Description: "Fetch a URL's text content.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","format":"uri"}},"required":["url"]}`),
	},
}

// Definitions returns every tool definition, for a council provider's
// function-calling declaration.
func Definitions() []Definition { return definitions }

// Bridge dispatches validated tool calls against the daemon's memory and
// code-intelligence stores.
type Bridge struct {
	mem    *memory.Manager
	code   *codeintel.Store
	budget *SharedToolBudget
	log    *slog.Logger

	schemaMu sync.Mutex
	schemas  map[ToolName]*jsonschema.Schema
}

// New constructs a Bridge. budget may be nil to run unmetered.
func New(mem *memory.Manager, code *codeintel.Store, budget *SharedToolBudget, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{mem: mem, code: code, budget: budget, log: logger.With("component", "toolbridge"), schemas: map[ToolName]*jsonschema.Schema{}}
}

// Call charges the shared budget, validates args against the tool's
// declared schema, and dispatches to the matching read-only operation. A
// call rejected by validation has already spent its unit of budget.
func (b *Bridge) Call(ctx context.Context, projectID *int64, tool ToolName, args json.RawMessage) (any, error) {
	const op = "toolbridge.Call"

	if b.budget != nil && !b.budget.TryConsume() {
		return nil, merrors.Newf(merrors.Conflict, op, "shared tool budget exhausted")
	}

	schema, err := b.compiledSchema(tool)
	if err != nil {
		return nil, merrors.New(merrors.InvalidInput, op, err)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, merrors.New(merrors.InvalidInput, op, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, merrors.Newf(merrors.InvalidInput, op, "%s: invalid arguments: %v", tool, err)
	}

	switch tool {
	case ToolRecallMemories:
		var params struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(args, &params)
		return b.mem.Recall(ctx, memory.RecallInput{ProjectID: projectID, Query: params.Query, Limit: 10})

	case ToolSearchCode:
		var params struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(args, &params)
		if projectID == nil {
			return nil, merrors.Newf(merrors.InvalidInput, op, "search_code requires a resolved project")
		}
		return b.code.SearchCode(ctx, *projectID, params.Query, 10)

	case ToolListTasks:
		return b.mem.ListOpenTasks(ctx, projectID, 20)

	case ToolListGoals:
		goals, err := b.mem.FormatActiveGoals(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"goals": goals}, nil

	case ToolWebFetch:
		return nil, merrors.Newf(merrors.Unavailable, op, "web_fetch is disabled by default; no outbound fetch policy configured")

	default:
		return nil, merrors.Newf(merrors.InvalidInput, op, "unknown tool %q", tool)
	}
}

func (b *Bridge) compiledSchema(tool ToolName) (*jsonschema.Schema, error) {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if s, ok := b.schemas[tool]; ok {
		return s, nil
	}
	for _, d := range definitions {
		if d.Name != tool {
			continue
		}
		compiled, err := jsonschema.CompileString(string(tool)+".schema.json", string(d.Schema))
		if err != nil {
			return nil, err
		}
		b.schemas[tool] = compiled
		return compiled, nil
	}
	return nil, fmt.Errorf("no schema declared for tool %q", tool)
}

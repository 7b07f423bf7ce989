// Package models defines the durable entities persisted by the storage
// engine: projects, sessions, memory facts, corrections, goals, tasks,
// snapshots, behavior events, and code-intelligence rows.
package models

import "time"

// Project is the organizing scope for everything else. Created lazily on
// the first hook event whose working directory has no matching project.
type Project struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// Session is a single host-agent conversation, identified by a
// client-supplied string ID.
type Session struct {
	ID           string        `json:"id"`
	ProjectID    *int64        `json:"project_id,omitempty"`
	Status       SessionStatus `json:"status"`
	Summary      string        `json:"summary,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// FactType classifies a memory fact.
type FactType string

const (
	FactGeneral     FactType = "general"
	FactDecision    FactType = "decision"
	FactPreference  FactType = "preference"
	FactObservation FactType = "observation"
)

// FactStatus gates whether a fact is eligible for recall.
type FactStatus string

const (
	FactCandidate FactStatus = "candidate"
	FactConfirmed FactStatus = "confirmed"
)

// Scope controls the visibility of a fact or correction.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
	ScopeTeam    Scope = "team"
)

// Fact is a durable observation with a confidence score and a
// confirmation lifecycle. Facts are never silently deleted; only an
// explicit "forget" operation removes one.
type Fact struct {
	ID              string     `json:"id"`
	ProjectID       *int64     `json:"project_id,omitempty"`
	Key             string     `json:"key,omitempty"`
	Content         string     `json:"content"`
	FactType        FactType   `json:"fact_type"`
	Category        string     `json:"category,omitempty"`
	Confidence      float64    `json:"confidence"`
	HasEmbedding    bool       `json:"has_embedding"`
	Status          FactStatus `json:"status"`
	SessionCount    int        `json:"session_count"`
	FirstSessionID  string     `json:"first_session_id,omitempty"`
	LastSessionID   string     `json:"last_session_id,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	Scope           Scope      `json:"scope"`
	TeamID          string     `json:"team_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Correction is a directed rewrite rule the user installed: a wrong way
// of doing something, and the right way. The text pair is immutable;
// only the acceptance counters mutate.
type Correction struct {
	ID              string    `json:"id"`
	ProjectID       *int64    `json:"project_id,omitempty"`
	WhatWasWrong    string    `json:"what_was_wrong"`
	WhatIsRight     string    `json:"what_is_right"`
	CorrectionType  string    `json:"correction_type,omitempty"`
	Scope           Scope     `json:"scope"`
	Confidence      float64   `json:"confidence"`
	OccurrenceCount int       `json:"occurrence_count"`
	AcceptanceRate  float64   `json:"acceptance_rate"`
	CreatedAt       time.Time `json:"created_at"`
}

// GoalStatus tracks progress on a long-lived objective.
type GoalStatus string

const (
	GoalPlanning   GoalStatus = "planning"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalBlocked    GoalStatus = "blocked"
	GoalAbandoned  GoalStatus = "abandoned"
)

// Goal is a durable objective tracked across sessions.
type Goal struct {
	ID              string     `json:"id"`
	ProjectID       *int64     `json:"project_id,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          GoalStatus `json:"status"`
	Priority        int        `json:"priority"`
	ProgressPercent int        `json:"progress_percent"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Milestone is a weighted checkpoint within a Goal. A goal's
// ProgressPercent is derived from the weighted completion of its
// milestones.
type Milestone struct {
	ID        string  `json:"id"`
	GoalID    string  `json:"goal_id"`
	Title     string  `json:"title"`
	Completed bool    `json:"completed"`
	Weight    float64 `json:"weight"`
}

// Task is a unit of work, optionally linked to a Goal. Deleting a goal
// clears GoalID on its tasks rather than deleting them.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   *int64    `json:"project_id,omitempty"`
	GoalID      *string   `json:"goal_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

// CompactionContext holds structured extractions from a pre-compaction
// transcript scan: decisions, pending tasks, issues, and a short
// "active work" note taken from the last assistant message.
type CompactionContext struct {
	Decisions     []string `json:"decisions,omitempty"`
	PendingTasks  []string `json:"pending_tasks,omitempty"`
	Issues        []string `json:"issues,omitempty"`
	ActiveWork    []string `json:"active_work,omitempty"`
	FilesReferenced []string `json:"files_referenced,omitempty"`
	UserIntent    string   `json:"user_intent,omitempty"`
}

// IsEmpty reports whether every category of the compaction context is empty.
func (c *CompactionContext) IsEmpty() bool {
	if c == nil {
		return true
	}
	return len(c.Decisions) == 0 && len(c.PendingTasks) == 0 &&
		len(c.Issues) == 0 && len(c.ActiveWork) == 0 &&
		len(c.FilesReferenced) == 0 && c.UserIntent == ""
}

// TotalItems counts every item across all categories.
func (c *CompactionContext) TotalItems() int {
	if c == nil {
		return 0
	}
	return len(c.Decisions) + len(c.PendingTasks) + len(c.Issues) +
		len(c.ActiveWork) + len(c.FilesReferenced)
}

// SessionSnapshot is an opaque-to-callers JSON record attached to a
// session, upserted from multiple hooks over the session's lifetime.
type SessionSnapshot struct {
	SessionID         string             `json:"session_id"`
	ToolCount         int                `json:"tool_count"`
	TopTools          []ToolCount        `json:"top_tools,omitempty"`
	FilesModified     []string           `json:"files_modified,omitempty"`
	CompactionContext *CompactionContext `json:"compaction_context,omitempty"`
	Source            string             `json:"source,omitempty"`
	TaskListID        string             `json:"task_list_id,omitempty"`
	Tasks             []NativeTaskRef    `json:"tasks,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// NativeTaskRef mirrors one entry of the host agent's own task-list file,
// as mirrored into a session snapshot by the stop hook.
type NativeTaskRef struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// ToolCount pairs a tool name with an invocation count.
type ToolCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// BehaviorEventType classifies a logged behavior event.
type BehaviorEventType string

const (
	EventToolUse      BehaviorEventType = "tool_use"
	EventToolFailure  BehaviorEventType = "tool_failure"
	EventFileAccess   BehaviorEventType = "file_access"
	EventGoalUpdate   BehaviorEventType = "goal_update"
	EventSessionStart BehaviorEventType = "session_start"
)

// BehaviorEvent is an append-only log row describing one thing that
// happened during a session. SequencePosition is assigned by the
// storage engine and is strictly increasing within a session.
type BehaviorEvent struct {
	ID               int64             `json:"id"`
	SessionID        string            `json:"session_id"`
	ProjectID        *int64            `json:"project_id,omitempty"`
	EventType        BehaviorEventType `json:"event_type"`
	EventData        map[string]any    `json:"event_data,omitempty"`
	SequencePosition int64             `json:"sequence_position"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ToolHistoryEntry is a structured record of a single tool invocation,
// distinct from the generic behavior log; used for session-summary
// richness comparisons.
type ToolHistoryEntry struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Success   bool           `json:"success"`
	CreatedAt time.Time      `json:"created_at"`
}

// ErrorPattern tracks repeated tool failures within a session so a
// later success can be recognized as a fix.
type ErrorPattern struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	ToolName        string    `json:"tool_name"`
	Fingerprint     string    `json:"fingerprint"`
	FailureCount    int       `json:"failure_count"`
	Status          string    `json:"status"` // "open" | "resolved"
	FixDescription  string    `json:"fix_description,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Team and TeamMember back DB-scoped, single-machine multi-user sharing:
// no network-facing team service, just rows multiple local sessions can
// read and write against the same database file.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type TeamMember struct {
	TeamID       string    `json:"team_id"`
	UserIdentity string    `json:"user_identity"`
	JoinedAt     time.Time `json:"joined_at"`
}

// SymbolType classifies a code symbol.
type SymbolType string

const (
	SymbolFunction SymbolType = "function"
	SymbolStruct   SymbolType = "struct"
	SymbolClass    SymbolType = "class"
	SymbolEnum     SymbolType = "enum"
)

// CodeSymbol is one entry in the project's symbol table.
type CodeSymbol struct {
	ID               int64      `json:"id"`
	ProjectID        int64      `json:"project_id"`
	FilePath         string     `json:"file_path"`
	Name             string     `json:"name"`
	SymbolType       SymbolType `json:"symbol_type"`
	StartLine        int        `json:"start_line"`
	EndLine          int        `json:"end_line"`
	Signature        string     `json:"signature,omitempty"`
	Visibility       string     `json:"visibility,omitempty"`
	ComplexityScore  float64    `json:"complexity_score"`
	IsTest           bool       `json:"is_test"`
	IsAsync          bool       `json:"is_async"`
	Documentation    string     `json:"documentation,omitempty"`
	Content          string     `json:"content"`
	SignatureHash    string     `json:"signature_hash,omitempty"`
	FullPath         string     `json:"full_path"`
}

// Import is one import edge in a project's dependency graph.
type Import struct {
	ID         int64  `json:"id"`
	ProjectID  int64  `json:"project_id"`
	FilePath   string `json:"file_path"`
	ImportPath string `json:"import_path"`
}

// CallEdge is one edge in the project's flattened call graph.
type CallEdge struct {
	ID         int64  `json:"id"`
	CallerID   int64  `json:"caller_id"`
	CalleeName string `json:"callee_name"`
	CalleeID   *int64 `json:"callee_id,omitempty"`
	CallCount  int    `json:"call_count"`
}

// CodeDependency is a project-scoped third-party dependency record.
type CodeDependency struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Ecosystem string `json:"ecosystem,omitempty"`
}

// QualityIssue is a flagged code-quality finding.
type QualityIssue struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	FilePath  string `json:"file_path"`
	Line      int    `json:"line"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

// CodeChunk is one retrievable unit of source text, mirrored into both
// the vector table and the keyword (FTS-style) table.
type CodeChunk struct {
	RowID     int64  `json:"rowid"`
	ProjectID int64  `json:"project_id"`
	FilePath  string `json:"file_path"`
	Content   string `json:"content"`
	StartLine int    `json:"start_line"`
}

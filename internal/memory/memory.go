// Package memory implements the daemon's fact store: observation capture,
// confidence-scored recall, and the per-session summary helpers consumed
// by the lifecycle hooks.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conarylabs/mira/internal/embedclient"
	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/models"
	"github.com/conarylabs/mira/internal/storage"
)

// promoteConfidence and promoteSessionCount decide when a candidate fact
// is trustworthy enough to recall unprompted: either a single
// high-confidence observation, or repeated corroboration across
// sessions.
const (
	promoteConfidence  = 0.8
	promoteSessionCount = 3
)

// semanticSimilarityFloor is the minimum cosine similarity for a vector
// hit to be considered a recall candidate at all, in-project or cross-
// project. crossProjectConfidenceFloor adds a second gate for hits
// originating outside the querying project: a fact has to also be fairly
// certain, not just nearby in embedding space, before it leaks across
// project boundaries.
const (
	semanticSimilarityFloor    = 0.62
	crossProjectConfidenceFloor = 0.7
)

// Manager is the fact store's entry point.
type Manager struct {
	db  *storage.Engine
	emb embedclient.Provider
	log *slog.Logger
}

// New constructs a Manager. emb may be embedclient.Disabled() if no
// embedding provider is configured; recall then falls back to keyword
// search only.
func New(db *storage.Engine, emb embedclient.Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, emb: emb, log: logger.With("component", "memory")}
}

// ObserveInput describes a new candidate fact.
type ObserveInput struct {
	ProjectID *int64
	SessionID string
	Key       string
	Content   string
	FactType  models.FactType
	Category  string
	Confidence float64
	Scope     models.Scope
	UserID    string
	TeamID    string
}

// StoreObservation inserts or reinforces a fact. If Key matches an
// existing fact for the same project and scope, the session count is
// incremented and the fact is promoted to confirmed once it crosses
// promoteConfidence or promoteSessionCount; otherwise a new candidate
// fact is created.
func (m *Manager) StoreObservation(ctx context.Context, in ObserveInput) (*models.Fact, error) {
	const op = "memory.StoreObservation"
	if in.Content == "" {
		return nil, merrors.Newf(merrors.InvalidInput, op, "content is required")
	}
	if in.Confidence == 0 {
		in.Confidence = 0.5
	}
	if in.Scope == "" {
		in.Scope = models.ScopeProject
	}
	if in.FactType == "" {
		in.FactType = models.FactGeneral
	}

	var result *models.Fact
	err := m.db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var existing models.Fact
		if in.Key != "" {
			row := tx.QueryRowContext(ctx, `SELECT id, session_count, confidence, status
				FROM memory_facts WHERE project_id IS ? AND key = ? AND scope = ?`,
				in.ProjectID, in.Key, in.Scope)
			var id string
			var sessionCount int
			var confidence float64
			var status models.FactStatus
			if err := row.Scan(&id, &sessionCount, &confidence, &status); err == nil {
				existing.ID = id
				sessionCount++
				if in.Confidence > confidence {
					confidence = in.Confidence
				}
				if status == models.FactCandidate &&
					(confidence >= promoteConfidence || sessionCount >= promoteSessionCount) {
					status = models.FactConfirmed
				}
				if _, err := tx.ExecContext(ctx, `UPDATE memory_facts SET
						content = ?, session_count = ?, confidence = ?, status = ?,
						last_session_id = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
					WHERE id = ?`,
					in.Content, sessionCount, confidence, status, in.SessionID, id); err != nil {
					return merrors.New(merrors.Backend, op, err)
				}
				result = &models.Fact{
					ID: id, ProjectID: in.ProjectID, Key: in.Key, Content: in.Content,
					FactType: in.FactType, Category: in.Category, Confidence: confidence,
					Status: status, SessionCount: sessionCount, LastSessionID: in.SessionID,
					Scope: in.Scope, UserID: in.UserID, TeamID: in.TeamID,
				}
				return nil
			}
		}

		id := uuid.NewString()
		status := models.FactCandidate
		if in.Confidence >= promoteConfidence {
			status = models.FactConfirmed
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO memory_facts
				(id, project_id, key, content, fact_type, category, confidence, status,
				 session_count, first_session_id, last_session_id, user_id, scope, team_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
			id, in.ProjectID, nullIfEmpty(in.Key), in.Content, in.FactType, nullIfEmpty(in.Category),
			in.Confidence, status, in.SessionID, in.SessionID, nullIfEmpty(in.UserID), in.Scope, nullIfEmpty(in.TeamID)); err != nil {
			return merrors.New(merrors.Backend, op, err)
		}
		result = &models.Fact{
			ID: id, ProjectID: in.ProjectID, Key: in.Key, Content: in.Content,
			FactType: in.FactType, Category: in.Category, Confidence: in.Confidence,
			Status: status, SessionCount: 1, FirstSessionID: in.SessionID, LastSessionID: in.SessionID,
			Scope: in.Scope, UserID: in.UserID, TeamID: in.TeamID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if vec, err := m.emb.Embed(ctx, in.Content); err == nil {
		if err := m.storeEmbedding(ctx, result.ID, in.ProjectID, vec); err != nil {
			m.log.Warn("failed to store fact embedding", "fact_id", result.ID, "error", err)
		}
	} else if !merrors.Is(err, merrors.Unavailable) {
		m.log.Warn("embedding provider failed", "error", err)
	}
	return result, nil
}

func (m *Manager) storeEmbedding(ctx context.Context, factID string, projectID *int64, vec []float32) error {
	return m.db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO vec_memory (fact_id, project_id, embedding, dimension)
			VALUES (?, ?, ?, ?)`, factID, projectID, storage.EncodeEmbedding(vec), len(vec)); err != nil {
			return merrors.New(merrors.Backend, "memory.storeEmbedding", err)
		}
		_, err := tx.ExecContext(ctx, `UPDATE memory_facts SET has_embedding = 1 WHERE id = ?`, factID)
		if err != nil {
			return merrors.New(merrors.Backend, "memory.storeEmbedding", err)
		}
		return nil
	})
}

// RecallInput parameterizes a recall query.
type RecallInput struct {
	ProjectID      *int64
	Query          string
	IncludeCross   bool
	Limit          int
}

// RecallResult is one scored fact returned from Recall.
type RecallResult struct {
	Fact        models.Fact
	Score       float64
	CrossProject bool
}

// Recall finds facts relevant to Query, combining vector similarity (when
// an embedding provider is configured) with keyword matching, and
// optionally widening the search to other projects' confirmed facts once
// the in-project results fall short.
func (m *Manager) Recall(ctx context.Context, in RecallInput) ([]RecallResult, error) {
	if in.Limit <= 0 {
		in.Limit = 10
	}

	var queryVec []float32
	if v, err := m.emb.Embed(ctx, in.Query); err == nil {
		queryVec = v
	} else if !merrors.Is(err, merrors.Unavailable) {
		m.log.Warn("embedding provider failed during recall", "error", err)
	}

	var results []RecallResult
	err := m.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		facts, err := m.loadCandidateFacts(ctx, db, in.ProjectID, false)
		if err != nil {
			return err
		}
		results = m.scoreFacts(ctx, db, in.Query, queryVec, facts, false)

		if in.IncludeCross && len(results) < in.Limit {
			cross, err := m.loadCandidateFacts(ctx, db, in.ProjectID, true)
			if err != nil {
				return err
			}
			results = append(results, m.scoreFacts(ctx, db, in.Query, queryVec, cross, true)...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByScoreDesc(results)
	if results == nil {
		results = []RecallResult{}
	}
	if len(results) > in.Limit {
		results = results[:in.Limit]
	}
	return results, nil
}

func (m *Manager) loadCandidateFacts(ctx context.Context, db *sql.DB, projectID *int64, cross bool) ([]models.Fact, error) {
	var rows *sql.Rows
	var err error
	if cross {
		rows, err = db.QueryContext(ctx, `SELECT id, project_id, key, content, fact_type, category,
			confidence, status, session_count, scope, created_at, updated_at
			FROM memory_facts WHERE (project_id IS NOT ? OR project_id IS NULL) AND status = 'confirmed' AND scope != 'project'`,
			projectID)
	} else {
		rows, err = db.QueryContext(ctx, `SELECT id, project_id, key, content, fact_type, category,
			confidence, status, session_count, scope, created_at, updated_at
			FROM memory_facts WHERE project_id IS ? AND status IN ('confirmed', 'candidate')`,
			projectID)
	}
	if err != nil {
		return nil, merrors.New(merrors.Backend, "memory.loadCandidateFacts", err)
	}
	defer rows.Close()

	var facts []models.Fact
	for rows.Next() {
		var f models.Fact
		var created, updated string
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Key, &f.Content, &f.FactType, &f.Category,
			&f.Confidence, &f.Status, &f.SessionCount, &f.Scope, &created, &updated); err != nil {
			return nil, merrors.New(merrors.Backend, "memory.loadCandidateFacts", err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, created)
		f.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (m *Manager) scoreFacts(ctx context.Context, db *sql.DB, query string, queryVec []float32, facts []models.Fact, cross bool) []RecallResult {
	embeddings := map[string][]float32{}
	if queryVec != nil {
		ids := make([]string, len(facts))
		for i, f := range facts {
			ids[i] = f.ID
		}
		embeddings = m.loadEmbeddings(ctx, db, ids)
	}

	contents := make(map[string]string, len(facts))
	for _, f := range facts {
		contents[f.ID] = f.Content
	}
	keywordHits := storage.RankByKeyword(query, contents, -1)
	keywordScores := make(map[string]float64, len(keywordHits))
	for _, h := range keywordHits {
		keywordScores[h.Key] = h.Score
	}

	var out []RecallResult
	for _, f := range facts {
		var best float64
		if emb, ok := embeddings[f.ID]; ok {
			sim := storage.CosineSimilarity(queryVec, emb)
			floor := semanticSimilarityFloor
			if sim >= floor && (!cross || f.Confidence >= crossProjectConfidenceFloor) {
				best = sim
			}
		}
		if kw := keywordScores[f.ID]; kw > best {
			best = kw
		}
		if best > 0 {
			out = append(out, RecallResult{Fact: f, Score: best, CrossProject: cross})
		}
	}
	return out
}

func (m *Manager) loadEmbeddings(ctx context.Context, db *sql.DB, ids []string) map[string][]float32 {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out
	}
	placeholders := make([]any, len(ids))
	query := "SELECT fact_id, embedding FROM vec_memory WHERE fact_id IN ("
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = id
	}
	query += ")"
	rows, err := db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		out[id] = storage.DecodeEmbedding(blob)
	}
	return out
}

// GetSessionStats summarizes a session's tool activity for the context
// assembler and session-end summary.
func (m *Manager) GetSessionStats(ctx context.Context, sessionID string) (toolCount int, topTools []models.ToolCount, err error) {
	err = m.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, `SELECT tool_name, COUNT(1) AS c FROM tool_history
			WHERE session_id = ? GROUP BY tool_name ORDER BY c DESC LIMIT 5`, sessionID)
		if qerr != nil {
			return merrors.New(merrors.Backend, "memory.GetSessionStats", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var tc models.ToolCount
			if serr := rows.Scan(&tc.Name, &tc.Count); serr != nil {
				return merrors.New(merrors.Backend, "memory.GetSessionStats", serr)
			}
			topTools = append(topTools, tc)
			toolCount += tc.Count
		}
		return rows.Err()
	})
	return toolCount, topTools, err
}

// FormatActiveGoals renders a project's in-progress goals as a short
// bullet list for inclusion in the assembled context bundle.
func (m *Manager) FormatActiveGoals(ctx context.Context, projectID *int64) (string, error) {
	var lines []string
	err := m.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, `SELECT title, progress_percent FROM goals
			WHERE project_id IS ? AND status = 'in_progress' ORDER BY priority DESC LIMIT 5`, projectID)
		if qerr != nil {
			return merrors.New(merrors.Backend, "memory.FormatActiveGoals", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var title string
			var pct int
			if serr := rows.Scan(&title, &pct); serr != nil {
				return merrors.New(merrors.Backend, "memory.FormatActiveGoals", serr)
			}
			lines = append(lines, fmt.Sprintf("- %s (%d%%)", title, pct))
		}
		return rows.Err()
	})
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out, nil
}

// ListOpenTasks returns a project's pending/in-progress tasks, highest
// priority first and most recently created first within a priority, for
// the read-only tool bridge's list_tasks capability.
func (m *Manager) ListOpenTasks(ctx context.Context, projectID *int64, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	var tasks []models.Task
	err := m.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, `SELECT id, project_id, goal_id, title, description, status, priority, created_at
			FROM tasks WHERE project_id IS ? AND status IN ('pending', 'in_progress')
			ORDER BY priority DESC, created_at DESC LIMIT ?`, projectID, limit)
		if qerr != nil {
			return merrors.New(merrors.Backend, "memory.ListOpenTasks", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var t models.Task
			if serr := rows.Scan(&t.ID, &t.ProjectID, &t.GoalID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.CreatedAt); serr != nil {
				return merrors.New(merrors.Backend, "memory.ListOpenTasks", serr)
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

// SaveSession merges snap into any existing snapshot for its session —
// a thin convenience wrapper over MergeSessionSnapshot for callers that
// already hold a complete-enough SessionSnapshot value (pre-compact).
func (m *Manager) SaveSession(ctx context.Context, snap models.SessionSnapshot) error {
	return m.MergeSessionSnapshot(ctx, snap.SessionID, func(*models.SessionSnapshot) error {
		return nil
	}, &snap)
}

// MergeSessionSnapshot reads a session's current snapshot (if any) inside
// an IMMEDIATE transaction, applies fn to merge in new fields, and writes
// the result back. Used by pre-compact and stop, which may fire close
// together and would otherwise clobber each other's half of the snapshot
// under a plain upsert.
func (m *Manager) MergeSessionSnapshot(ctx context.Context, sessionID string, fn func(*models.SessionSnapshot) error, seed *models.SessionSnapshot) error {
	const op = "memory.MergeSessionSnapshot"
	return m.db.WriteImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var current models.SessionSnapshot
		current.SessionID = sessionID
		var raw string
		err := conn.QueryRowContext(ctx, `SELECT snapshot FROM session_snapshots WHERE session_id = ?`, sessionID).Scan(&raw)
		switch {
		case err == nil:
			if uerr := json.Unmarshal([]byte(raw), &current); uerr != nil {
				return merrors.New(merrors.Corruption, op, uerr)
			}
		case err == sql.ErrNoRows:
			if seed != nil {
				current = *seed
			}
		default:
			return merrors.New(merrors.Backend, op, err)
		}

		if seed != nil && err == nil {
			mergeSnapshotFields(&current, seed)
		}
		if err := fn(&current); err != nil {
			return err
		}

		payload, merr := json.Marshal(current)
		if merr != nil {
			return merrors.New(merrors.InvalidInput, op, merr)
		}
		_, werr := conn.ExecContext(ctx, `INSERT INTO session_snapshots (session_id, snapshot)
			VALUES (?, ?)
			ON CONFLICT(session_id) DO UPDATE SET snapshot = excluded.snapshot,
				created_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`, sessionID, string(payload))
		if werr != nil {
			return merrors.New(merrors.Backend, op, werr)
		}
		return nil
	})
}

// mergeSnapshotFields overlays non-empty fields of incoming onto base,
// preserving whichever side of a field base already had when incoming
// leaves it unset — e.g. a stop-hook snapshot update must not erase a
// compaction context an earlier pre-compact hook already wrote.
func mergeSnapshotFields(base, incoming *models.SessionSnapshot) {
	if incoming.ToolCount != 0 {
		base.ToolCount = incoming.ToolCount
	}
	if len(incoming.TopTools) > 0 {
		base.TopTools = incoming.TopTools
	}
	if len(incoming.FilesModified) > 0 {
		base.FilesModified = incoming.FilesModified
	}
	if incoming.CompactionContext != nil && !incoming.CompactionContext.IsEmpty() {
		base.CompactionContext = incoming.CompactionContext
	}
	if incoming.Source != "" {
		base.Source = incoming.Source
	}
	if incoming.TaskListID != "" {
		base.TaskListID = incoming.TaskListID
	}
	if len(incoming.Tasks) > 0 {
		base.Tasks = incoming.Tasks
	}
}

// CloseSession marks a session stopped and records its final summary.
func (m *Manager) CloseSession(ctx context.Context, sessionID, summary string) error {
	const op = "memory.CloseSession"
	return m.db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, summary = ?,
			last_activity = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`,
			models.SessionStopped, summary, sessionID)
		if err != nil {
			return merrors.New(merrors.Backend, op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return merrors.Newf(merrors.NotFound, op, "session %s not found", sessionID)
		}
		return nil
	})
}

// GetSessionModifiedFiles returns the distinct file paths recorded in a
// session's file_access behavior events, most recent first.
func (m *Manager) GetSessionModifiedFiles(ctx context.Context, sessionID string) ([]string, error) {
	var files []string
	err := m.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, `SELECT event_data FROM session_behavior_log
			WHERE session_id = ? AND event_type = 'file_access' ORDER BY sequence_position DESC`, sessionID)
		if qerr != nil {
			return merrors.New(merrors.Backend, "memory.GetSessionModifiedFiles", qerr)
		}
		defer rows.Close()
		seen := map[string]bool{}
		for rows.Next() {
			var raw string
			if serr := rows.Scan(&raw); serr != nil {
				continue
			}
			var data map[string]any
			if jerr := json.Unmarshal([]byte(raw), &data); jerr != nil {
				continue
			}
			if p, ok := data["path"].(string); ok && !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
		}
		return rows.Err()
	})
	return files, err
}

// CountBehaviorEvents returns how many tool_use and file_access events the
// behavior log recorded for a session, capped at 50 — the same cap the
// stop hook applies to tool_history before comparing the two sources.
func (m *Manager) CountBehaviorEvents(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := m.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM (
			SELECT id FROM session_behavior_log
			WHERE session_id = ? AND event_type IN ('tool_use', 'file_access')
			LIMIT 50)`, sessionID)
		return row.Scan(&count)
	})
	if err != nil {
		return 0, merrors.New(merrors.Backend, "memory.CountBehaviorEvents", err)
	}
	return count, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sortByScoreDesc orders results by score descending, tie-breaking on
// updated_at descending and then id ascending so that recall returns the
// same order on every call regardless of map/query iteration order.
func sortByScoreDesc(results []RecallResult) {
	less := func(a, b RecallResult) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Fact.UpdatedAt.Equal(b.Fact.UpdatedAt) {
			return a.Fact.UpdatedAt.After(b.Fact.UpdatedAt)
		}
		return a.Fact.ID < b.Fact.ID
	}
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

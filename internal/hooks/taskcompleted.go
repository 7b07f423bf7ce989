package hooks

import (
	"context"
	"database/sql"
	"strings"

	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/storage"
)

// TaskCompleted fuzzy-matches the completed task's subject against open
// milestones of the project's active goals; a match marks the milestone
// complete and recomputes the owning goal's progress_percent from
// weighted milestone completion.
func TaskCompleted(ctx context.Context, deps Deps, ev Event, db *storage.Engine, projectID *int64, subject string) Result {
	log := deps.logger().With("hook", "task_completed", "session_id", ev.SessionID)
	if subject == "" {
		return empty()
	}

	goalID, milestoneID, err := findMatchingMilestone(ctx, db, projectID, subject)
	if err != nil {
		log.Warn("failed to search milestones", "error", err)
		return empty()
	}
	if milestoneID == "" {
		return empty()
	}

	if err := completeMilestoneAndRecompute(ctx, db, goalID, milestoneID); err != nil {
		log.Warn("failed to update milestone progress", "error", err)
	}
	return empty()
}

func findMatchingMilestone(ctx context.Context, db *storage.Engine, projectID *int64, subject string) (goalID, milestoneID string, err error) {
	needle := strings.ToLower(strings.TrimSpace(subject))
	if needle == "" {
		return "", "", nil
	}
	err = db.Read(ctx, func(ctx context.Context, conn *sql.DB) error {
		rows, qerr := conn.QueryContext(ctx, `SELECT m.goal_id, m.id, m.title FROM milestones m
			JOIN goals g ON g.id = m.goal_id
			WHERE g.project_id IS ? AND g.status = 'in_progress' AND m.completed = 0`, projectID)
		if qerr != nil {
			return merrors.New(merrors.Backend, "hooks.findMatchingMilestone", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var gID, mID, title string
			if serr := rows.Scan(&gID, &mID, &title); serr != nil {
				return merrors.New(merrors.Backend, "hooks.findMatchingMilestone", serr)
			}
			if fuzzyMatch(needle, strings.ToLower(title)) {
				goalID, milestoneID = gID, mID
				return nil
			}
		}
		return rows.Err()
	})
	return goalID, milestoneID, err
}

// fuzzyMatch is intentionally conservative: containment either direction,
// which catches "implement the cache layer" matching a "cache layer"
// milestone without pulling in a full edit-distance dependency for a
// single best-effort auto-link.
func fuzzyMatch(a, b string) bool {
	if a == b {
		return true
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func completeMilestoneAndRecompute(ctx context.Context, db *storage.Engine, goalID, milestoneID string) error {
	return db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE milestones SET completed = 1 WHERE id = ?`, milestoneID); err != nil {
			return merrors.New(merrors.Backend, "hooks.completeMilestoneAndRecompute", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT completed, weight FROM milestones WHERE goal_id = ?`, goalID)
		if err != nil {
			return merrors.New(merrors.Backend, "hooks.completeMilestoneAndRecompute", err)
		}
		var totalWeight, doneWeight float64
		for rows.Next() {
			var completed bool
			var weight float64
			if serr := rows.Scan(&completed, &weight); serr != nil {
				rows.Close()
				return merrors.New(merrors.Backend, "hooks.completeMilestoneAndRecompute", serr)
			}
			totalWeight += weight
			if completed {
				doneWeight += weight
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return merrors.New(merrors.Backend, "hooks.completeMilestoneAndRecompute", err)
		}

		percent := 0
		if totalWeight > 0 {
			percent = int((doneWeight / totalWeight) * 100)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE goals SET progress_percent = ? WHERE id = ?`, percent, goalID); err != nil {
			return merrors.New(merrors.Backend, "hooks.completeMilestoneAndRecompute", err)
		}
		return nil
	})
}

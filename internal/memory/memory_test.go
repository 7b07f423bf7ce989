package memory

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/embedclient"
	"github.com/conarylabs/mira/internal/models"
	"github.com/conarylabs/mira/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mira.db")
	db, err := storage.Open(context.Background(), storage.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, embedclient.Disabled(), nil)
}

func projectID(id int64) *int64 { return &id }

func TestStoreObservationCreatesCandidate(t *testing.T) {
	m := newTestManager(t)
	fact, err := m.StoreObservation(context.Background(), ObserveInput{
		ProjectID: projectID(1),
		SessionID: "s1",
		Key:       "build-tool",
		Content:   "uses make for builds",
	})
	require.NoError(t, err)
	require.Equal(t, models.FactCandidate, fact.Status)
	require.Equal(t, 1, fact.SessionCount)
}

func TestStoreObservationPromotesOnRepeatedSessions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	in := ObserveInput{ProjectID: projectID(1), Key: "build-tool", Content: "uses make for builds"}

	in.SessionID = "s1"
	_, err := m.StoreObservation(ctx, in)
	require.NoError(t, err)
	in.SessionID = "s2"
	_, err = m.StoreObservation(ctx, in)
	require.NoError(t, err)
	in.SessionID = "s3"
	fact, err := m.StoreObservation(ctx, in)
	require.NoError(t, err)

	require.Equal(t, models.FactConfirmed, fact.Status)
	require.Equal(t, 3, fact.SessionCount)
}

func TestStoreObservationRequiresContent(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StoreObservation(context.Background(), ObserveInput{ProjectID: projectID(1)})
	require.Error(t, err)
}

func TestRecallTieBreaksDeterministically(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	pid := projectID(1)

	// Two facts that will score identically on keyword overlap; only the
	// tie-break (updated_at desc, then id asc) should decide their order.
	_, err := m.StoreObservation(ctx, ObserveInput{ProjectID: pid, SessionID: "s1", Key: "k1", Content: "deploy pipeline notes", Confidence: 0.9})
	require.NoError(t, err)
	_, err = m.StoreObservation(ctx, ObserveInput{ProjectID: pid, SessionID: "s1", Key: "k2", Content: "deploy pipeline notes", Confidence: 0.9})
	require.NoError(t, err)

	results, err := m.Recall(ctx, RecallInput{ProjectID: pid, Query: "deploy pipeline"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Same query run twice must return facts in the same order.
	again, err := m.Recall(ctx, RecallInput{ProjectID: pid, Query: "deploy pipeline"})
	require.NoError(t, err)
	require.Equal(t, results[0].Fact.ID, again[0].Fact.ID)
	require.Equal(t, results[1].Fact.ID, again[1].Fact.ID)
}

func TestRecallRespectsLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	pid := projectID(1)
	for i := 0; i < 5; i++ {
		_, err := m.StoreObservation(ctx, ObserveInput{
			ProjectID: pid, SessionID: "s1", Key: string(rune('a' + i)),
			Content: "caching layer notes", Confidence: 0.9,
		})
		require.NoError(t, err)
	}
	results, err := m.Recall(ctx, RecallInput{ProjectID: pid, Query: "caching layer", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestMergeSessionSnapshotPreservesCompactionContext(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	seed := &models.SessionSnapshot{
		SessionID:         "sess-1",
		CompactionContext: &models.CompactionContext{UserIntent: "ship the release"},
	}
	require.NoError(t, m.SaveSession(ctx, *seed))

	update := &models.SessionSnapshot{SessionID: "sess-1", ToolCount: 7}
	err := m.MergeSessionSnapshot(ctx, "sess-1", func(*models.SessionSnapshot) error { return nil }, update)
	require.NoError(t, err)

	var final models.SessionSnapshot
	err = m.MergeSessionSnapshot(ctx, "sess-1", func(s *models.SessionSnapshot) error {
		final = *s
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 7, final.ToolCount)
	require.NotNil(t, final.CompactionContext)
	require.Equal(t, "ship the release", final.CompactionContext.UserIntent)
}

func TestCountBehaviorEventsCapsAtFifty(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i := 0; i < 60; i++ {
			if _, err := tx.ExecContext(ctx, `INSERT INTO session_behavior_log
				(session_id, event_type, event_data, sequence_position) VALUES (?, 'tool_use', '{}', ?)`,
				"sess-cap", i); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	count, err := m.CountBehaviorEvents(ctx, "sess-cap")
	require.NoError(t, err)
	require.Equal(t, 50, count)
}

func TestCountBehaviorEventsNoRows(t *testing.T) {
	m := newTestManager(t)
	count, err := m.CountBehaviorEvents(context.Background(), "no-such-session")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestCloseSessionNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.CloseSession(context.Background(), "missing", "summary")
	require.Error(t, err)
}

package contextassembler

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/embedclient"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/models"
	"github.com/conarylabs/mira/internal/storage"
)

func TestExtractKeywordsDropsStopwordsShortAndNumericTokens(t *testing.T) {
	kws := extractKeywords("the council deliberation is 42 ok and for best practice")
	require.NotContains(t, kws, "the")
	require.NotContains(t, kws, "42")
	require.NotContains(t, kws, "ok") // under minKeywordLen
	require.Contains(t, kws, "council")
	require.Contains(t, kws, "deliberation")
}

func TestExtractKeywordsCapsAtEightUniqueInOrder(t *testing.T) {
	kws := extractKeywords("alpha bravo charlie delta echo foxtrot golf hotel india juliet alpha")
	require.Len(t, kws, 8)
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}, kws)
}

func TestPassesQualityGateRejectsShortAndSlashCommands(t *testing.T) {
	require.False(t, passesQualityGate("ok"))
	require.False(t, passesQualityGate("/compact"))
	require.True(t, passesQualityGate("/compact with extra detail"))
	require.True(t, passesQualityGate("how does deliberation work"))
}

func TestRenderCodeHintsOrdersByKeywordOverlap(t *testing.T) {
	hits := []codeintel.SearchResult{
		{Chunk: models.CodeChunk{FilePath: "unrelated.go", Content: "package unrelated", StartLine: 1}},
		{Chunk: models.CodeChunk{FilePath: "council.go", Content: "func Deliberate moderator round", StartLine: 5}},
	}
	out := renderCodeHints(hits, []string{"deliberate", "moderator"})
	require.Contains(t, out, "## Code hints")

	councilIdx := indexOf(out, "council.go")
	unrelatedIdx := indexOf(out, "unrelated.go")
	require.Less(t, councilIdx, unrelatedIdx)
}

func TestRenderCodeHintsEmptyWithNoHits(t *testing.T) {
	require.Equal(t, "", renderCodeHints(nil, []string{"x"}))
}

func TestTruncateUTF8RespectsRuneBoundary(t *testing.T) {
	s := "héllo wörld"
	out := truncateUTF8(s, 5)
	require.LessOrEqual(t, len([]rune(out)), 5)
}

func TestRenderTurnsCapsAtMaxRecentTurns(t *testing.T) {
	turns := make([]Turn, maxRecentTurns+3)
	for i := range turns {
		turns[i] = Turn{Role: "user", Content: "turn"}
	}
	out := renderTurns(turns)
	require.Equal(t, maxRecentTurns, countOccurrences(out, "turn"))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func countOccurrences(s, substr string) int {
	n := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			n++
			i += len(substr) - 1
		}
	}
	return n
}

func newTestAssembler(t *testing.T) (*Assembler, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mira.db")
	db, err := storage.Open(context.Background(), storage.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var projectID int64
	require.NoError(t, db.Write(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO projects (path, name) VALUES (?, ?)`, "/repo", "repo")
		if err != nil {
			return err
		}
		projectID, err = res.LastInsertId()
		return err
	}))

	mem := memory.New(db, embedclient.Disabled(), nil)
	code := codeintel.New(db, embedclient.Disabled(), nil)
	return New(mem, code), projectID
}

func TestAssembleSkipsProactiveSectionsBelowQualityGate(t *testing.T) {
	a, projectID := newTestAssembler(t)
	bundle, err := a.Assemble(context.Background(), Input{ProjectID: &projectID, Query: "ok"})
	require.NoError(t, err)
	require.Empty(t, bundle.SemanticRecall)
	require.Empty(t, bundle.CodeHints)
}

func TestAssembleIncludesCodeHintsForIndexedProject(t *testing.T) {
	a, projectID := newTestAssembler(t)
	ctx := context.Background()

	require.NoError(t, assembleIndexChunk(ctx, a, projectID))

	bundle, err := a.Assemble(ctx, Input{ProjectID: &projectID, Query: "deliberation moderator round"})
	require.NoError(t, err)
	require.Contains(t, bundle.CodeHints, "## Code hints")
}

func assembleIndexChunk(ctx context.Context, a *Assembler, projectID int64) error {
	return a.code.IndexChunk(ctx, models.CodeChunk{
		ProjectID: projectID, FilePath: "council.go",
		Content: "func Deliberate runs a moderator round", StartLine: 1,
	})
}

package codeintel

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

func newTestStore(t *testing.T) (*Store, *storage.Engine, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mira.db")
	db, err := storage.Open(context.Background(), storage.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var projectID int64
	err = db.Write(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO projects (path, name) VALUES (?, ?)`, "/repo", "repo")
		if err != nil {
			return err
		}
		projectID, err = res.LastInsertId()
		return err
	})
	require.NoError(t, err)

	return New(db, embedclient.Disabled(), nil), db, projectID
}

func TestIndexChunkThenSearchCode(t *testing.T) {
	store, _, projectID := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IndexChunk(ctx, models.CodeChunk{
		ProjectID: projectID, FilePath: "internal/council/service.go",
		Content: "func (s *Service) Deliberate", StartLine: 10,
	}))
	require.NoError(t, store.IndexChunk(ctx, models.CodeChunk{
		ProjectID: projectID, FilePath: "internal/memory/memory.go",
		Content: "func (m *Manager) Recall", StartLine: 40,
	}))

	results, err := store.SearchCode(ctx, projectID, "Deliberate service", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "internal/council/service.go", results[0].Chunk.FilePath)
}

func TestSearchCodeScopedToProject(t *testing.T) {
	store, db, projectID := newTestStore(t)
	ctx := context.Background()

	var otherProject int64
	require.NoError(t, db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO projects (path, name) VALUES (?, ?)`, "/other", "other")
		if err != nil {
			return err
		}
		otherProject, err = res.LastInsertId()
		return err
	}))

	require.NoError(t, store.IndexChunk(ctx, models.CodeChunk{
		ProjectID: otherProject, FilePath: "other.go", Content: "package other", StartLine: 1,
	}))

	results, err := store.SearchCode(ctx, projectID, "package", 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func insertSymbol(t *testing.T, db *storage.Engine, sym models.CodeSymbol) {
	t.Helper()
	err := db.Write(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO code_symbols
			(project_id, file_path, name, symbol_type, start_line, end_line, complexity_score, is_test, content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sym.ProjectID, sym.FilePath, sym.Name, sym.SymbolType, sym.StartLine, sym.EndLine,
			sym.ComplexityScore, sym.IsTest, sym.Content)
		return err
	})
	require.NoError(t, err)
}

func TestSearchElementsExcludesTestsByDefault(t *testing.T) {
	store, db, projectID := newTestStore(t)
	insertSymbol(t, db, models.CodeSymbol{ProjectID: projectID, FilePath: "a.go", Name: "Deliberate", SymbolType: "func"})
	insertSymbol(t, db, models.CodeSymbol{ProjectID: projectID, FilePath: "a_test.go", Name: "TestDeliberate", SymbolType: "func", IsTest: true})

	results, err := store.SearchElements(context.Background(), projectID, "Deliberate", 10, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Deliberate", results[0].Name)

	withTests, err := store.SearchElements(context.Background(), projectID, "Deliberate", 10, true)
	require.NoError(t, err)
	require.Len(t, withTests, 2)
}

func TestSearchElementsEmptyPatternMatchesNothing(t *testing.T) {
	store, _, projectID := newTestStore(t)
	results, err := store.SearchElements(context.Background(), projectID, "", 10, true)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestGetComplexityHotspotsOrdersDescending(t *testing.T) {
	store, db, projectID := newTestStore(t)
	insertSymbol(t, db, models.CodeSymbol{ProjectID: projectID, FilePath: "a.go", Name: "simple", SymbolType: "func", ComplexityScore: 2})
	insertSymbol(t, db, models.CodeSymbol{ProjectID: projectID, FilePath: "b.go", Name: "complex", SymbolType: "func", ComplexityScore: 9})

	hotspots, err := store.GetComplexityHotspots(context.Background(), projectID, 10)
	require.NoError(t, err)
	require.Len(t, hotspots, 2)
	require.Equal(t, "complex", hotspots[0].Name)
}

func TestGetDependenciesAndQualityIssues(t *testing.T) {
	store, db, projectID := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO code_dependencies (project_id, name, version, ecosystem) VALUES (?, ?, ?, ?)`,
			projectID, "golang.org/x/sync", "v0.18.0", "go")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO quality_issues (project_id, file_path, line, severity, message) VALUES (?, ?, ?, ?, ?)`,
			projectID, "a.go", 10, "critical", "unchecked error")
		return err
	}))

	deps, err := store.GetDependencies(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, "golang.org/x/sync", deps[0].Name)

	issues, err := store.GetQualityIssues(ctx, projectID, 10)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, "critical", issues[0].Severity)
}

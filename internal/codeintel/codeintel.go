// Package codeintel stores and queries a project's indexed source:
// symbols, imports, call edges, dependencies, quality issues, and the
// chunk tables used for semantic and keyword code search.
package codeintel

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"

	"github.com/conarylabs/mira/internal/embedclient"
	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/models"
	"github.com/conarylabs/mira/internal/storage"
)

// Store is the code-intelligence entry point, mirroring the shape of the
// teacher's rag store.DocumentStore: one struct over the shared engine,
// plus an embedding provider for the semantic half of search.
type Store struct {
	db  *storage.Engine
	emb embedclient.Provider
	log *slog.Logger
}

// New constructs a Store.
func New(db *storage.Engine, emb embedclient.Provider, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, emb: emb, log: logger.With("component", "codeintel")}
}

// IndexChunk inserts a symbol's content as a new row of the keyword
// (FTS-substitute) table on every call, and, when a provider is
// configured and embedding succeeds, writes its vector under that rowid.
func (s *Store) IndexChunk(ctx context.Context, chunk models.CodeChunk) error {
	const op = "codeintel.IndexChunk"
	var rowID int64
	err := s.db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO code_chunks (project_id, file_path, content, start_line)
			VALUES (?, ?, ?, ?)`, chunk.ProjectID, chunk.FilePath, chunk.Content, chunk.StartLine)
		if err != nil {
			return merrors.New(merrors.Backend, op, err)
		}
		rowID, err = res.LastInsertId()
		if err != nil {
			return merrors.New(merrors.Backend, op, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	vec, err := s.emb.Embed(ctx, chunk.Content)
	if err != nil {
		if !merrors.Is(err, merrors.Unavailable) {
			s.log.Warn("failed to embed code chunk", "file", chunk.FilePath, "error", err)
		}
		return nil
	}
	return s.db.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO vec_code (rowid, project_id, file_path, embedding, dimension)
			VALUES (?, ?, ?, ?, ?)`, rowID, chunk.ProjectID, chunk.FilePath, storage.EncodeEmbedding(vec), len(vec))
		if err != nil {
			return merrors.New(merrors.Backend, op, err)
		}
		return nil
	})
}

// SearchResult is one hit from SearchCode.
type SearchResult struct {
	Chunk models.CodeChunk
	Score float64
}

// SearchCode performs fused semantic + keyword search over a project's
// indexed chunks, ranking by whichever scoring method found the chunk
// with a higher score.
func (s *Store) SearchCode(ctx context.Context, projectID int64, query string, limit int) ([]SearchResult, error) {
	const op = "codeintel.SearchCode"
	if limit <= 0 {
		limit = 10
	}

	var queryVec []float32
	if v, err := s.emb.Embed(ctx, query); err == nil {
		queryVec = v
	} else if !merrors.Is(err, merrors.Unavailable) {
		s.log.Warn("embedding provider failed during code search", "error", err)
	}

	var results []SearchResult
	err := s.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, `SELECT rowid, project_id, file_path, content, start_line
			FROM code_chunks WHERE project_id = ?`, projectID)
		if qerr != nil {
			return merrors.New(merrors.Backend, op, qerr)
		}
		defer rows.Close()

		chunksByRowID := map[int64]models.CodeChunk{}
		contents := map[string]string{}
		for rows.Next() {
			var c models.CodeChunk
			if serr := rows.Scan(&c.RowID, &c.ProjectID, &c.FilePath, &c.Content, &c.StartLine); serr != nil {
				return merrors.New(merrors.Backend, op, serr)
			}
			chunksByRowID[c.RowID] = c
			contents[keyOf(c.RowID)] = c.Content
		}
		if rerr := rows.Err(); rerr != nil {
			return merrors.New(merrors.Backend, op, rerr)
		}

		scores := map[int64]float64{}
		if queryVec != nil {
			vecRows, verr := db.QueryContext(ctx, `SELECT rowid, embedding FROM vec_code WHERE project_id = ?`, projectID)
			if verr == nil {
				defer vecRows.Close()
				for vecRows.Next() {
					var rowID int64
					var blob []byte
					if serr := vecRows.Scan(&rowID, &blob); serr == nil {
						scores[rowID] = storage.CosineSimilarity(queryVec, storage.DecodeEmbedding(blob))
					}
				}
			}
		}

		for _, hit := range storage.RankByKeyword(query, contents, -1) {
			rowID := rowIDFromKey(hit.Key)
			if hit.Score > scores[rowID] {
				scores[rowID] = hit.Score
			}
		}

		for rowID, score := range scores {
			if score <= 0 {
				continue
			}
			results = append(results, SearchResult{Chunk: chunksByRowID[rowID], Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortResultsDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchElements does a substring/prefix match over a project's symbol
// names and full paths. An empty pattern matches nothing; "%" alone
// matches everything up to limit. Test-file symbols are excluded unless
// includeTests is set.
func (s *Store) SearchElements(ctx context.Context, projectID int64, pattern string, limit int, includeTests bool) ([]models.CodeSymbol, error) {
	const op = "codeintel.SearchElements"
	if limit <= 0 {
		limit = 20
	}
	if pattern == "" {
		return nil, nil
	}

	like := pattern
	if like != "%" {
		like = "%" + like + "%"
	}

	var out []models.CodeSymbol
	err := s.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		query := `SELECT id, project_id, file_path, name, symbol_type, start_line, end_line,
			signature, visibility, complexity_score, is_test, is_async, documentation, content,
			signature_hash, full_path
			FROM code_symbols WHERE project_id = ? AND (name LIKE ? OR full_path LIKE ?)`
		args := []any{projectID, like, like}
		if !includeTests {
			query += " AND is_test = 0"
		}
		query += " ORDER BY name LIMIT ?"
		args = append(args, limit)

		rows, qerr := db.QueryContext(ctx, query, args...)
		if qerr != nil {
			return merrors.New(merrors.Backend, op, qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var sym models.CodeSymbol
			if serr := rows.Scan(&sym.ID, &sym.ProjectID, &sym.FilePath, &sym.Name, &sym.SymbolType,
				&sym.StartLine, &sym.EndLine, &sym.Signature, &sym.Visibility, &sym.ComplexityScore,
				&sym.IsTest, &sym.IsAsync, &sym.Documentation, &sym.Content, &sym.SignatureHash, &sym.FullPath); serr != nil {
				return merrors.New(merrors.Backend, op, serr)
			}
			out = append(out, sym)
		}
		return rows.Err()
	})
	return out, err
}

// GetComplexityHotspots returns the project's highest-complexity symbols.
func (s *Store) GetComplexityHotspots(ctx context.Context, projectID int64, limit int) ([]models.CodeSymbol, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []models.CodeSymbol
	err := s.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, `SELECT id, project_id, file_path, name, symbol_type,
			start_line, end_line, complexity_score FROM code_symbols
			WHERE project_id = ? ORDER BY complexity_score DESC LIMIT ?`, projectID, limit)
		if qerr != nil {
			return merrors.New(merrors.Backend, "codeintel.GetComplexityHotspots", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var sym models.CodeSymbol
			if serr := rows.Scan(&sym.ID, &sym.ProjectID, &sym.FilePath, &sym.Name, &sym.SymbolType,
				&sym.StartLine, &sym.EndLine, &sym.ComplexityScore); serr != nil {
				return merrors.New(merrors.Backend, "codeintel.GetComplexityHotspots", serr)
			}
			out = append(out, sym)
		}
		return rows.Err()
	})
	return out, err
}

// GetDependencies returns a project's recorded third-party dependencies.
func (s *Store) GetDependencies(ctx context.Context, projectID int64) ([]models.CodeDependency, error) {
	var out []models.CodeDependency
	err := s.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, `SELECT id, project_id, name, version, ecosystem
			FROM code_dependencies WHERE project_id = ? ORDER BY name`, projectID)
		if qerr != nil {
			return merrors.New(merrors.Backend, "codeintel.GetDependencies", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var d models.CodeDependency
			if serr := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Version, &d.Ecosystem); serr != nil {
				return merrors.New(merrors.Backend, "codeintel.GetDependencies", serr)
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

// GetQualityIssues returns a project's flagged quality issues, most severe first.
func (s *Store) GetQualityIssues(ctx context.Context, projectID int64, limit int) ([]models.QualityIssue, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.QualityIssue
	err := s.db.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, `SELECT id, project_id, file_path, line, severity, message
			FROM quality_issues WHERE project_id = ?
			ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END
			LIMIT ?`, projectID, limit)
		if qerr != nil {
			return merrors.New(merrors.Backend, "codeintel.GetQualityIssues", qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var q models.QualityIssue
			if serr := rows.Scan(&q.ID, &q.ProjectID, &q.FilePath, &q.Line, &q.Severity, &q.Message); serr != nil {
				return merrors.New(merrors.Backend, "codeintel.GetQualityIssues", serr)
			}
			out = append(out, q)
		}
		return rows.Err()
	})
	return out, err
}

func keyOf(rowID int64) string { return strconv.FormatInt(rowID, 10) }

func rowIDFromKey(key string) int64 {
	n, _ := strconv.ParseInt(key, 10, 64)
	return n
}

func sortResultsDesc(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

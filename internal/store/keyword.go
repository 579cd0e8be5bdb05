package store

import (
	"context"
	"database/sql"
	"strings"
	"unicode"
)

// FTSKeywordIndex is the lexical leg of retrieval, backed by the store's
// FTS5 virtual table. Rows are written inside the same transactions that
// mutate chunks, so the index never drifts from the chunk table.
type FTSKeywordIndex struct {
	store *SQLiteStore
}

// NewFTSKeywordIndex wraps the store's chunk_fts table.
func NewFTSKeywordIndex(s *SQLiteStore) *FTSKeywordIndex {
	return &FTSKeywordIndex{store: s}
}

// Verify interface implementation at compile time.
var _ KeywordIndex = (*FTSKeywordIndex)(nil)

// Index adds or replaces the payload row for a chunk. Chunk ingestion
// already writes the row transactionally; this path serves rebuilds.
func (k *FTSKeywordIndex) Index(ctx context.Context, projectID, chunkID, payload string) error {
	return k.store.withTx(ctx, func(tx *sql.Tx) error {
		// FTS5 virtual tables don't support REPLACE; delete first.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunk_fts WHERE chunk_id = ?`, chunkID); err != nil {
			return mapSQLErr("delete keyword row", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_fts (chunk_id, project_id, payload) VALUES (?, ?, ?)`,
			chunkID, projectID, payload)
		return mapSQLErr("insert keyword row", err)
	})
}

// Delete removes rows for the given chunks.
func (k *FTSKeywordIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ph, args := idPlaceholders(chunkIDs)
	_, err := k.store.db.ExecContext(ctx,
		`DELETE FROM chunk_fts WHERE chunk_id IN (`+ph+`)`, args...)
	return mapSQLErr("delete keyword rows", err)
}

// Search returns chunk ids matching the query, scored by BM25. FTS5's
// bm25() is negative-better; scores are negated so higher is better.
func (k *FTSKeywordIndex) Search(ctx context.Context, projectID, query string, limit int) ([]KeywordHit, error) {
	match := ftsMatchQuery(query)
	if match == "" {
		return []KeywordHit{}, nil
	}

	rows, err := k.store.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunk_fts) AS score
		FROM chunk_fts
		WHERE project_id = ? AND chunk_fts MATCH ?
		ORDER BY score
		LIMIT ?`, projectID, match, limit)
	if err != nil {
		// FTS5 errors on malformed match expressions; treat as no results.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return []KeywordHit{}, nil
		}
		return nil, mapSQLErr("keyword search", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.ChunkID, &h.Score); err != nil {
			return nil, mapSQLErr("scan keyword hit", err)
		}
		h.Score = -h.Score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsMatchQuery strips FTS5 operators and quotes each term so free-form
// query text never hits the match parser raw. Terms are OR-joined: any
// overlap should surface, fusion handles ranking.
func ftsMatchQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

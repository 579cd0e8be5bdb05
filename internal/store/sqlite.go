package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/engramkit/engram/internal/enginerr"
)

// CurrentSchemaVersion is the current database schema version. Forward
// migrations are additive only.
const CurrentSchemaVersion = 1

// SQLiteConfig tunes the store connection.
type SQLiteConfig struct {
	// BusyTimeoutMS is the lock-contention timeout (default: 5000).
	BusyTimeoutMS int
	// CacheMB is the page cache size in MB (default: 64).
	CacheMB int
}

// DefaultSQLiteConfig returns sensible defaults.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{BusyTimeoutMS: 5000, CacheMB: 64}
}

// SQLiteStore is the durable record keeper for chunks, embeddings,
// relationships, co-retrieval counters, agent state, archive records, and
// contradictions. One file per engine; a flock guarantees a single writer
// process. Every mutation is transactional.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	lock   *flock.Flock
	closed bool
}

// NewSQLiteStore opens (or creates) the store at path. An empty path opens
// an in-memory store for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(path, DefaultSQLiteConfig())
}

// NewSQLiteStoreWithConfig opens the store with explicit tuning.
func NewSQLiteStoreWithConfig(path string, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}
	if cfg.CacheMB <= 0 {
		cfg.CacheMB = 64
	}

	var dsn string
	var fileLock *flock.Flock
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, enginerr.IO(fmt.Sprintf("create store directory %s", dir), err)
		}
		// Single-writer guarantee across processes.
		fileLock = flock.New(path + ".lock")
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, enginerr.IO("acquire store lock", err)
		}
		if !locked {
			return nil, enginerr.New(enginerr.KindConflict, fmt.Sprintf("store %s is locked by another process", path), nil)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		releaseLock(fileLock)
		return nil, enginerr.IO("open database", err)
	}

	// Single connection keeps writes serialized and lets the in-memory DSN
	// behave like a file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores most DSN params; set pragmas explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeoutMS),
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheMB*1024),
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			releaseLock(fileLock)
			return nil, enginerr.IO("set pragma", err)
		}
	}

	s := &SQLiteStore{db: db, path: path, lock: fileLock}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		releaseLock(fileLock)
		return nil, err
	}
	return s, nil
}

func releaseLock(l *flock.Flock) {
	if l != nil {
		_ = l.Unlock()
	}
}

// migrate applies forward schema migrations up to CurrentSchemaVersion.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS projects (
		id                      TEXT PRIMARY KEY,
		current_tick            INTEGER NOT NULL DEFAULT 0,
		last_decay_tick         INTEGER NOT NULL DEFAULT 0,
		last_consolidation_tick INTEGER NOT NULL DEFAULT 0,
		dimensions              INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id                 TEXT PRIMARY KEY,
		project_id         TEXT NOT NULL REFERENCES projects(id),
		payload            TEXT NOT NULL,
		embedding          BLOB NOT NULL,
		kind               TEXT NOT NULL,
		confidence         TEXT NOT NULL,
		source             TEXT NOT NULL,
		tags               TEXT NOT NULL DEFAULT '[]',
		polarity           INTEGER NOT NULL DEFAULT 0,
		tick_created       INTEGER NOT NULL,
		tick_last_accessed INTEGER,
		tick_last_useful   INTEGER,
		tick_tombstoned    INTEGER,
		initial_strength   REAL NOT NULL,
		current_strength   REAL NOT NULL,
		decay_function     TEXT NOT NULL,
		decay_rate         REAL NOT NULL,
		persistence_score  REAL NOT NULL DEFAULT 0,
		access_count       INTEGER NOT NULL DEFAULT 0,
		successful_uses    INTEGER NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT 'active',
		pinned             INTEGER NOT NULL DEFAULT 0,
		superseded_by      TEXT,
		valid_until_tick   INTEGER,
		content_hash       TEXT NOT NULL,
		learning           TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(project_id, content_hash, tick_created);

	CREATE TABLE IF NOT EXISTS relationships (
		from_id          TEXT NOT NULL REFERENCES chunks(id),
		to_id            TEXT NOT NULL REFERENCES chunks(id),
		rel_type         TEXT NOT NULL,
		origin           TEXT NOT NULL,
		weight           REAL NOT NULL,
		activation_count INTEGER NOT NULL DEFAULT 0,
		last_activated   INTEGER NOT NULL DEFAULT 0,
		context_tags     TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (from_id, to_id, rel_type)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_to ON relationships(to_id);

	CREATE TABLE IF NOT EXISTS coretrieval (
		project_id TEXT NOT NULL,
		a_id       TEXT NOT NULL,
		b_id       TEXT NOT NULL,
		hits       INTEGER NOT NULL DEFAULT 0,
		last_tick  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (a_id, b_id)
	);
	CREATE INDEX IF NOT EXISTS idx_coret_project ON coretrieval(project_id);

	CREATE TABLE IF NOT EXISTS archive (
		id             TEXT PRIMARY KEY,
		project_id     TEXT NOT NULL,
		summary        TEXT NOT NULL,
		content_hash   TEXT NOT NULL,
		kind           TEXT NOT NULL,
		tags           TEXT NOT NULL DEFAULT '[]',
		learning       TEXT NOT NULL DEFAULT '{}',
		tick_created   INTEGER NOT NULL,
		tick_archived  INTEGER NOT NULL,
		final_strength REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_project ON archive(project_id);

	CREATE TABLE IF NOT EXISTS contradictions (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		chunk_a    TEXT NOT NULL,
		chunk_b    TEXT NOT NULL,
		confidence REAL NOT NULL,
		tick       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contra_project ON contradictions(project_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunk_fts USING fts5(
		chunk_id UNINDEXED,
		project_id UNINDEXED,
		payload,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return enginerr.IO("initialize schema", err)
	}
	return nil
}

// withTx runs fn in one transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.closed {
		return enginerr.IO("store is closed", nil)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return enginerr.IO("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLErr("commit transaction", err)
	}
	return nil
}

func mapSQLErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked"):
		return enginerr.New(enginerr.KindConflict, op, err)
	case strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "FOREIGN KEY constraint"):
		return enginerr.New(enginerr.KindConstraint, op, err)
	default:
		return enginerr.IO(op, err)
	}
}

// ---------------------------------------------------------------------------
// Projects / agent state

// EnsureProject creates the project row if missing and returns it. The
// embedding dimension is fixed at first creation; later mismatches are a
// validation error.
func (s *SQLiteStore) EnsureProject(ctx context.Context, id string, dimensions int) (*Project, error) {
	if id == "" {
		return nil, enginerr.Validation("project id cannot be empty")
	}
	if dimensions <= 0 {
		return nil, enginerr.Validation("dimensions must be positive, got %d", dimensions)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO projects (id, dimensions) VALUES (?, ?)`, id, dimensions)
		return mapSQLErr("insert project", err)
	})
	if err != nil {
		return nil, err
	}
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Dimensions != dimensions {
		return nil, enginerr.Validation("project %s is fixed at %d dimensions, got %d", id, p.Dimensions, dimensions)
	}
	return p, nil
}

// GetProject fetches a project row.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, current_tick, last_decay_tick, last_consolidation_tick, dimensions
		 FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.CurrentTick, &p.LastDecayTick, &p.LastConsolidationTick, &p.Dimensions)
	if err == sql.ErrNoRows {
		return nil, enginerr.NotFound("project %s", id)
	}
	if err != nil {
		return nil, mapSQLErr("get project", err)
	}
	return p, nil
}

// AdvanceTick increments and returns the project's logical clock.
func (s *SQLiteStore) AdvanceTick(ctx context.Context, id string) (Tick, error) {
	var tick Tick
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE projects SET current_tick = current_tick + 1 WHERE id = ?`, id)
		if err != nil {
			return mapSQLErr("advance tick", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return enginerr.NotFound("project %s", id)
		}
		return tx.QueryRowContext(ctx,
			`SELECT current_tick FROM projects WHERE id = ?`, id).Scan(&tick)
	})
	return tick, err
}

// ---------------------------------------------------------------------------
// Chunks

const chunkColumns = `id, project_id, payload, embedding, kind, confidence, source, tags,
	polarity, tick_created, tick_last_accessed, tick_last_useful, tick_tombstoned,
	initial_strength, current_strength, decay_function, decay_rate, persistence_score,
	access_count, successful_uses, status, pinned, superseded_by, valid_until_tick,
	content_hash, learning`

func scanChunk(row interface{ Scan(dest ...any) error }) (*Chunk, error) {
	c := &Chunk{}
	var (
		blob         []byte
		tags         string
		learning     string
		lastAccessed sql.NullInt64
		lastUseful   sql.NullInt64
		tombstoned   sql.NullInt64
		validUntil   sql.NullInt64
		superseded   sql.NullString
	)
	err := row.Scan(&c.ID, &c.ProjectID, &c.Payload, &blob, &c.Kind, &c.Confidence,
		&c.Source, &tags, &c.Polarity, &c.TickCreated, &lastAccessed, &lastUseful,
		&tombstoned, &c.InitialStrength, &c.CurrentStrength, &c.DecayFunction,
		&c.DecayRate, &c.PersistenceScore, &c.AccessCount, &c.SuccessfulUses,
		&c.Status, &c.Pinned, &superseded, &validUntil, &c.ContentHash, &learning)
	if err != nil {
		return nil, err
	}
	if c.Embedding, err = DecodeEmbedding(blob); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for chunk %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(learning), &c.Learning); err != nil {
		return nil, fmt.Errorf("decode learning context for chunk %s: %w", c.ID, err)
	}
	c.TickLastAccessed = nullTick(lastAccessed)
	c.TickLastUseful = nullTick(lastUseful)
	c.TickTombstoned = nullTick(tombstoned)
	c.ValidUntilTick = nullTick(validUntil)
	c.SupersededBy = superseded.String
	return c, nil
}

func nullTick(v sql.NullInt64) *Tick {
	if !v.Valid {
		return nil
	}
	t := Tick(v.Int64)
	return &t
}

func tickValue(t *Tick) any {
	if t == nil {
		return nil
	}
	return int64(*t)
}

func stringValue(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable values; data model holds none.
		panic(err)
	}
	return string(b)
}

func insertChunkTx(ctx context.Context, tx *sql.Tx, c *Chunk) error {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Payload, EncodeEmbedding(c.Embedding), string(c.Kind),
		string(c.Confidence), string(c.Source), mustJSON(tags), c.Polarity,
		int64(c.TickCreated), tickValue(c.TickLastAccessed), tickValue(c.TickLastUseful),
		tickValue(c.TickTombstoned), c.InitialStrength, c.CurrentStrength,
		string(c.DecayFunction), c.DecayRate, c.PersistenceScore, c.AccessCount,
		c.SuccessfulUses, string(c.Status), c.Pinned, stringValue(c.SupersededBy),
		tickValue(c.ValidUntilTick), c.ContentHash, mustJSON(c.Learning))
	if err != nil {
		return mapSQLErr("insert chunk", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chunk_fts (chunk_id, project_id, payload) VALUES (?, ?, ?)`,
		c.ID, c.ProjectID, c.Payload)
	return mapSQLErr("index chunk payload", err)
}

// InsertChunk persists a new chunk (and its keyword-index row) in one
// transaction. Supersession goes through InsertChunkSuperseding instead.
func (s *SQLiteStore) InsertChunk(ctx context.Context, c *Chunk) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertChunkTx(ctx, tx, c)
	})
}

// InsertChunkSuperseding persists a new chunk and records that it replaces
// prev, atomically: prev gets superseded_by set and its status demoted to
// at least cool, and a replaces edge with weight 1.0 is written.
func (s *SQLiteStore) InsertChunkSuperseding(ctx context.Context, c *Chunk, prev *Chunk) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertChunkTx(ctx, tx, c); err != nil {
			return err
		}
		return supersedeTx(ctx, tx, prev, c.ID, c.TickCreated)
	})
}

func supersedeTx(ctx context.Context, tx *sql.Tx, prev *Chunk, newID string, tick Tick) error {
	demoted := prev.Status.Colder(StatusCool)
	if demoted == StatusArchived || demoted == StatusTombstone {
		demoted = prev.Status
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE chunks SET superseded_by = ?, status = ? WHERE id = ?`,
		newID, string(demoted), prev.ID)
	if err != nil {
		return mapSQLErr("mark superseded", err)
	}
	return upsertRelationshipTx(ctx, tx, &Relationship{
		FromID:        newID,
		ToID:          prev.ID,
		Type:          RelReplaces,
		Origin:        OriginAuto,
		Weight:        1.0,
		LastActivated: tick,
	})
}

// Supersede records old being replaced by new outside of ingestion.
func (s *SQLiteStore) Supersede(ctx context.Context, prev *Chunk, newID string, tick Tick) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return supersedeTx(ctx, tx, prev, newID, tick)
	})
}

// GetChunk fetches a chunk. Tombstoned chunks surface as not_found.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	c, err := s.GetChunkAny(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusTombstone {
		return nil, enginerr.NotFound("chunk %s", id)
	}
	return c, nil
}

// GetChunkAny fetches a chunk including tombstones, for integrity and
// compaction paths.
func (s *SQLiteStore) GetChunkAny(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, enginerr.NotFound("chunk %s", id)
	}
	if err != nil {
		return nil, mapSQLErr("get chunk", err)
	}
	return c, nil
}

// GetChunks batch-fetches chunks by identity, skipping missing and
// tombstoned entries.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE id IN (`+strings.Join(placeholders, ",")+`) AND status != 'tombstone'`, args...)
	if err != nil {
		return nil, mapSQLErr("get chunks", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, mapSQLErr("scan chunk", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// UpdateChunk rewrites the mutable fields of a chunk row.
func (s *SQLiteStore) UpdateChunk(ctx context.Context, c *Chunk) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chunks SET
				tags = ?, tick_last_accessed = ?, tick_last_useful = ?, tick_tombstoned = ?,
				current_strength = ?, persistence_score = ?, access_count = ?,
				successful_uses = ?, status = ?, pinned = ?, superseded_by = ?,
				valid_until_tick = ?
			WHERE id = ?`,
			mustJSON(c.Tags), tickValue(c.TickLastAccessed), tickValue(c.TickLastUseful),
			tickValue(c.TickTombstoned), c.CurrentStrength, c.PersistenceScore,
			c.AccessCount, c.SuccessfulUses, string(c.Status), c.Pinned,
			stringValue(c.SupersededBy), tickValue(c.ValidUntilTick), c.ID)
		if err != nil {
			return mapSQLErr("update chunk", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return enginerr.NotFound("chunk %s", c.ID)
		}
		return nil
	})
}

// RecordAccess bumps access bookkeeping for every returned chunk of one
// retrieval in a single transaction.
func (s *SQLiteStore) RecordAccess(ctx context.Context, ids []string, tick Tick) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE chunks SET access_count = access_count + 1, tick_last_accessed = ? WHERE id = ?`)
		if err != nil {
			return mapSQLErr("prepare access update", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, int64(tick), id); err != nil {
				return mapSQLErr("record access", err)
			}
		}
		return nil
	})
}

// FindDuplicate returns live chunks in the same project with the same
// content hash created at the same tick. Tag-set equality is checked by
// the caller.
func (s *SQLiteStore) FindDuplicate(ctx context.Context, projectID, contentHash string, tick Tick) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE project_id = ? AND content_hash = ? AND tick_created = ? AND status != 'tombstone'`,
		projectID, contentHash, int64(tick))
	if err != nil {
		return nil, mapSQLErr("find duplicate", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, mapSQLErr("scan duplicate", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ScanProject lists chunks matching the filter, ordered by tick_created
// descending then id for determinism.
func (s *SQLiteStore) ScanProject(ctx context.Context, projectID string, filter ScanFilter) ([]*Chunk, error) {
	var (
		conds = []string{"project_id = ?"}
		args  = []any{projectID}
	)
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	} else {
		conds = append(conds, "status != 'tombstone'")
	}
	if len(filter.Kinds) > 0 {
		ph := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			ph[i] = "?"
			args = append(args, string(k))
		}
		conds = append(conds, "kind IN ("+strings.Join(ph, ",")+")")
	}
	if filter.MinStrength > 0 {
		conds = append(conds, "current_strength >= ?")
		args = append(args, filter.MinStrength)
	}
	if filter.PinnedOnly {
		conds = append(conds, "pinned = 1")
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY tick_created DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLErr("scan project", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, mapSQLErr("scan chunk", err)
		}
		if len(filter.Tags) > 0 && !hasAllTags(c.Tags, filter.Tags) {
			continue
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// ForEachEmbedding streams every live embedding, used to rebuild the
// vector index on start.
func (s *SQLiteStore) ForEachEmbedding(ctx context.Context, fn func(projectID, chunkID string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, id, embedding FROM chunks WHERE status NOT IN ('archived', 'tombstone')`)
	if err != nil {
		return mapSQLErr("scan embeddings", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			projectID, chunkID string
			blob               []byte
		)
		if err := rows.Scan(&projectID, &chunkID, &blob); err != nil {
			return mapSQLErr("scan embedding", err)
		}
		vec, err := DecodeEmbedding(blob)
		if err != nil {
			return enginerr.New(enginerr.KindConstraint, fmt.Sprintf("corrupt embedding for chunk %s", chunkID), err)
		}
		if err := fn(projectID, chunkID, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ---------------------------------------------------------------------------
// Decay batch

// DecayUpdate is one chunk's recomputed strength and (possibly demoted)
// status from a decay pass.
type DecayUpdate struct {
	ChunkID  string
	Strength float64
	Status   Status
}

// ApplyDecayBatch writes a whole decay pass and the advanced decay cursor
// in a single transaction, so partial decay is never observable.
func (s *SQLiteStore) ApplyDecayBatch(ctx context.Context, projectID string, updates []DecayUpdate, decayTick Tick) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE chunks SET current_strength = ?, status = ? WHERE id = ?`)
		if err != nil {
			return mapSQLErr("prepare decay update", err)
		}
		defer stmt.Close()
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.Strength, string(u.Status), u.ChunkID); err != nil {
				return mapSQLErr("apply decay", err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE projects SET last_decay_tick = ? WHERE id = ?`, int64(decayTick), projectID)
		return mapSQLErr("advance decay cursor", err)
	})
}

// SetConsolidationTick advances the maintenance cursor.
func (s *SQLiteStore) SetConsolidationTick(ctx context.Context, projectID string, tick Tick) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE projects SET last_consolidation_tick = ? WHERE id = ?`, int64(tick), projectID)
		return mapSQLErr("advance consolidation cursor", err)
	})
}

// ---------------------------------------------------------------------------
// Relationships

func upsertRelationshipTx(ctx context.Context, tx *sql.Tx, r *Relationship) error {
	tags := r.ContextTags
	if tags == nil {
		tags = []string{}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO relationships (from_id, to_id, rel_type, origin, weight, activation_count, last_activated, context_tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (from_id, to_id, rel_type) DO UPDATE SET
			weight = excluded.weight,
			origin = excluded.origin,
			activation_count = excluded.activation_count,
			last_activated = excluded.last_activated,
			context_tags = excluded.context_tags`,
		r.FromID, r.ToID, string(r.Type), string(r.Origin), r.Weight,
		r.ActivationCount, int64(r.LastActivated), mustJSON(tags))
	return mapSQLErr("upsert relationship", err)
}

// UpsertRelationship inserts or updates the edge for (from, to, type).
func (s *SQLiteStore) UpsertRelationship(ctx context.Context, r *Relationship) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertRelationshipTx(ctx, tx, r)
	})
}

// GetRelationship fetches one edge.
func (s *SQLiteStore) GetRelationship(ctx context.Context, fromID, toID string, relType RelType) (*Relationship, error) {
	r, err := scanRelationship(s.db.QueryRowContext(ctx,
		`SELECT from_id, to_id, rel_type, origin, weight, activation_count, last_activated, context_tags
		 FROM relationships WHERE from_id = ? AND to_id = ? AND rel_type = ?`,
		fromID, toID, string(relType)))
	if err == sql.ErrNoRows {
		return nil, enginerr.NotFound("relationship %s -%s-> %s", fromID, relType, toID)
	}
	if err != nil {
		return nil, mapSQLErr("get relationship", err)
	}
	return r, nil
}

func scanRelationship(row interface{ Scan(dest ...any) error }) (*Relationship, error) {
	r := &Relationship{}
	var tags string
	err := row.Scan(&r.FromID, &r.ToID, &r.Type, &r.Origin, &r.Weight,
		&r.ActivationCount, &r.LastActivated, &tags)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &r.ContextTags); err != nil {
		return nil, fmt.Errorf("decode context tags: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) queryRelationships(ctx context.Context, where string, args []any) ([]*Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, rel_type, origin, weight, activation_count, last_activated, context_tags
		 FROM relationships WHERE `+where+` ORDER BY from_id, to_id, rel_type`, args...)
	if err != nil {
		return nil, mapSQLErr("query relationships", err)
	}
	defer rows.Close()

	var rels []*Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, mapSQLErr("scan relationship", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

func idPlaceholders(ids []string) (string, []any) {
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	return strings.Join(ph, ","), args
}

// RelationshipsFrom lists outgoing edges of the given chunks.
func (s *SQLiteStore) RelationshipsFrom(ctx context.Context, ids []string) ([]*Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := idPlaceholders(ids)
	return s.queryRelationships(ctx, "from_id IN ("+ph+")", args)
}

// RelationshipsTo lists incoming edges of the given chunks.
func (s *SQLiteStore) RelationshipsTo(ctx context.Context, ids []string) ([]*Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := idPlaceholders(ids)
	return s.queryRelationships(ctx, "to_id IN ("+ph+")", args)
}

// ---------------------------------------------------------------------------
// Co-retrieval counters

// BumpCoRetrieval increments the counters of every pair once, in a single
// transaction, and returns the updated rows.
func (s *SQLiteStore) BumpCoRetrieval(ctx context.Context, projectID string, pairs []CoRetrievalPair, tick Tick) ([]CoRetrievalPair, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	updated := make([]CoRetrievalPair, 0, len(pairs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO coretrieval (project_id, a_id, b_id, hits, last_tick)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (a_id, b_id) DO UPDATE SET
				hits = hits + 1,
				last_tick = excluded.last_tick`)
		if err != nil {
			return mapSQLErr("prepare co-retrieval bump", err)
		}
		defer stmt.Close()

		for _, p := range pairs {
			a, b := PairKey(p.A, p.B)
			if _, err := stmt.ExecContext(ctx, projectID, a, b, int64(tick)); err != nil {
				return mapSQLErr("bump co-retrieval", err)
			}
			row := CoRetrievalPair{A: a, B: b, LastTick: tick}
			if err := tx.QueryRowContext(ctx,
				`SELECT hits FROM coretrieval WHERE a_id = ? AND b_id = ?`, a, b).Scan(&row.Hits); err != nil {
				return mapSQLErr("read co-retrieval", err)
			}
			updated = append(updated, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ---------------------------------------------------------------------------
// Archival and compaction

// ArchiveChunk writes the archive record, tombstones the chunk, and prunes
// its edges, co-retrieval counters, and keyword-index row atomically.
func (s *SQLiteStore) ArchiveChunk(ctx context.Context, rec *ArchiveRecord, tick Tick) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		tags := rec.Tags
		if tags == nil {
			tags = []string{}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO archive (id, project_id, summary, content_hash, kind, tags, learning, tick_created, tick_archived, final_strength)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ProjectID, rec.Summary, rec.ContentHash, string(rec.Kind),
			mustJSON(tags), mustJSON(rec.Learning), int64(rec.TickCreated),
			int64(rec.TickArchived), rec.FinalStrength)
		if err != nil {
			return mapSQLErr("insert archive record", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET status = 'tombstone', tick_tombstoned = ? WHERE id = ?`,
			int64(tick), rec.ID); err != nil {
			return mapSQLErr("tombstone chunk", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relationships WHERE from_id = ? OR to_id = ?`, rec.ID, rec.ID); err != nil {
			return mapSQLErr("prune relationships", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM coretrieval WHERE a_id = ? OR b_id = ?`, rec.ID, rec.ID); err != nil {
			return mapSQLErr("prune co-retrieval", err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM chunk_fts WHERE chunk_id = ?`, rec.ID)
		return mapSQLErr("prune keyword index", err)
	})
}

// CompactTombstones deletes tombstones whose grace window has elapsed and
// returns how many rows were removed.
func (s *SQLiteStore) CompactTombstones(ctx context.Context, projectID string, tombstonedBefore Tick) (int, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE project_id = ? AND status = 'tombstone' AND tick_tombstoned <= ?`,
			projectID, int64(tombstonedBefore))
		if err != nil {
			return mapSQLErr("compact tombstones", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}

// ListArchive returns all archive records for a project, oldest first.
func (s *SQLiteStore) ListArchive(ctx context.Context, projectID string) ([]*ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, summary, content_hash, kind, tags, learning, tick_created, tick_archived, final_strength
		 FROM archive WHERE project_id = ? ORDER BY tick_archived, id`, projectID)
	if err != nil {
		return nil, mapSQLErr("list archive", err)
	}
	defer rows.Close()

	var recs []*ArchiveRecord
	for rows.Next() {
		rec := &ArchiveRecord{}
		var tags, learning string
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Summary, &rec.ContentHash,
			&rec.Kind, &tags, &learning, &rec.TickCreated, &rec.TickArchived,
			&rec.FinalStrength); err != nil {
			return nil, mapSQLErr("scan archive record", err)
		}
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, fmt.Errorf("decode archive tags: %w", err)
		}
		if err := json.Unmarshal([]byte(learning), &rec.Learning); err != nil {
			return nil, fmt.Errorf("decode archive learning context: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ---------------------------------------------------------------------------
// Contradictions

// InsertContradiction persists a contradiction record.
func (s *SQLiteStore) InsertContradiction(ctx context.Context, c *Contradiction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO contradictions (id, project_id, chunk_a, chunk_b, confidence, tick)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProjectID, c.ChunkA, c.ChunkB, c.Confidence, int64(c.Tick))
		return mapSQLErr("insert contradiction", err)
	})
}

// ContradictionsFor lists contradictions touching any of the given chunks.
func (s *SQLiteStore) ContradictionsFor(ctx context.Context, ids []string) ([]*Contradiction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := idPlaceholders(ids)
	args = append(args, args...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, chunk_a, chunk_b, confidence, tick FROM contradictions
		 WHERE chunk_a IN (`+ph+`) OR chunk_b IN (`+ph+`) ORDER BY tick, id`, args...)
	if err != nil {
		return nil, mapSQLErr("query contradictions", err)
	}
	defer rows.Close()

	var out []*Contradiction
	for rows.Next() {
		c := &Contradiction{}
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.ChunkA, &c.ChunkB, &c.Confidence, &c.Tick); err != nil {
			return nil, mapSQLErr("scan contradiction", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Stats

// Stats summarizes a project.
func (s *SQLiteStore) Stats(ctx context.Context, projectID string) (*ProjectStats, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stats := &ProjectStats{
		ByStatus:          make(map[Status]int),
		ByKind:            make(map[Kind]int),
		CurrentTick:       p.CurrentTick,
		LastDecayTick:     p.LastDecayTick,
		LastConsolidation: p.LastConsolidationTick,
		Dimensions:        p.Dimensions,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, kind, COUNT(*) FROM chunks WHERE project_id = ? GROUP BY status, kind`, projectID)
	if err != nil {
		return nil, mapSQLErr("stats query", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status Status
			kind   Kind
			n      int
		)
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return nil, mapSQLErr("scan stats", err)
		}
		stats.ByStatus[status] += n
		stats.ByKind[kind] += n
		stats.ChunkCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLErr("stats rows", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships r JOIN chunks c ON c.id = r.from_id WHERE c.project_id = ?`,
		projectID).Scan(&stats.RelationshipCount); err != nil {
		return nil, mapSQLErr("count relationships", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM coretrieval WHERE project_id = ?`, projectID).Scan(&stats.CoRetrievalPairs); err != nil {
		return nil, mapSQLErr("count co-retrieval", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM archive WHERE project_id = ?`, projectID).Scan(&stats.ArchiveCount); err != nil {
		return nil, mapSQLErr("count archive", err)
	}
	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			stats.DBSizeBytes = info.Size()
		}
	}
	return stats, nil
}

// DB exposes the handle for same-database components (keyword index).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close checkpoints the WAL, closes the database, and releases the file
// lock. Idempotent; release happens on every exit path.
func (s *SQLiteStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	releaseLock(s.lock)
	if err != nil {
		slog.Warn("store_close_failed", slog.String("error", err.Error()))
		return enginerr.IO("close store", err)
	}
	return nil
}

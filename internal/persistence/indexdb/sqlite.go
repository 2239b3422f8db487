package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is a queryable read model of chunk lifecycles and snapshots.
// Writes are queued to a single writer goroutine and dropped when it falls behind;
// the snapshot files remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropChunk    atomic.Uint64
	dropEvict    atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqChunk reqKind = iota + 1
	reqEvict
	reqSnapshot
)

type req struct {
	kind reqKind

	chunk    ChunkRecord
	evict    evictRow
	snapshot SnapshotRecord
}

// ChunkRecord describes one installed chunk.
type ChunkRecord struct {
	Coord    string
	X, Y, Z  int32
	Depth    int32
	Tick     uint64
	Indices  int
	Vertices int
	Digest   [32]byte
	SampleMS float64
	QuadMS   float64
	NormalMS float64
}

type evictRow struct {
	Coord string
	Tick  uint64
}

type SnapshotRecord struct {
	Tick       uint64
	Path       string
	Chunks     int
	Resolution int
	Bytes      int64
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropChunkTotal    uint64 `json:"drop_chunk_total"`
	DropEvictTotal    uint64 `json:"drop_evict_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			coord TEXT PRIMARY KEY,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			depth INTEGER NOT NULL,
			installed_tick INTEGER NOT NULL,
			evicted_tick INTEGER,
			indices INTEGER NOT NULL,
			vertices INTEGER NOT NULL,
			digest TEXT NOT NULL,
			sample_ms REAL NOT NULL,
			quad_ms REAL NOT NULL,
			normal_ms REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_depth ON chunks(depth, evicted_tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			resolution INTEGER NOT NULL,
			bytes INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropChunkTotal:    s.dropChunk.Load(),
		DropEvictTotal:    s.dropEvict.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// RecordChunk upserts the row for rec.Coord, clearing any earlier eviction.
func (s *SQLiteIndex) RecordChunk(rec ChunkRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqChunk, chunk: rec}:
	default:
		s.dropChunk.Add(1)
	}
}

func (s *SQLiteIndex) RecordEviction(coord string, tick uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvict, evict: evictRow{Coord: coord, Tick: tick}}:
	default:
		s.dropEvict.Add(1)
	}
}

func (s *SQLiteIndex) RecordSnapshot(rec SnapshotRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: rec}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertTuning stores the effective configuration and its digest in meta.
// It runs synchronously and is meant for startup.
func (s *SQLiteIndex) UpsertTuning(tune any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows := [][2]string{
		{"schema_version", "1"},
		{"tuning", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
		{"tuning_updated_at", now},
	}
	for _, r := range rows {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, r[0], r[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertChunk, _ := s.db.Prepare(`INSERT OR REPLACE INTO chunks(coord,x,y,z,depth,installed_tick,evicted_tick,indices,vertices,digest,sample_ms,quad_ms,normal_ms) VALUES(?,?,?,?,?,?,NULL,?,?,?,?,?,?)`)
	markEvicted, _ := s.db.Prepare(`UPDATE chunks SET evicted_tick=? WHERE coord=? AND evicted_tick IS NULL`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,chunks,resolution,bytes) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertChunk, markEvicted, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqChunk:
			c := r.chunk
			exec(insertChunk,
				c.Coord, c.X, c.Y, c.Z, c.Depth,
				int64(c.Tick),
				c.Indices, c.Vertices,
				hex.EncodeToString(c.Digest[:]),
				c.SampleMS, c.QuadMS, c.NormalMS,
			)
		case reqEvict:
			exec(markEvicted, int64(r.evict.Tick), r.evict.Coord)
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.Chunks, sn.Resolution, sn.Bytes)
		}
		// Batch while requests are queued; an idle queue commits so readers see the rows.
		if tx != nil && (opCount >= commitEvery || len(s.ch) == 0 || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

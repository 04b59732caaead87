package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelkeep.ai/internal/world/level"
	"voxelkeep.ai/internal/world/regioncache"
)

const schemaVersion = "1"

// SQLiteIndex records region flushes and checkpoints in a side database.
// Writes are queued to one goroutine and batched into transactions; the
// region files stay the source of truth, so a full queue drops rows.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRegion     atomic.Uint64
	dropCheckpoint atomic.Uint64
}

type reqKind int

const (
	reqRegion reqKind = iota + 1
	reqCheckpoint
	reqMeta
	reqSync
)

type req struct {
	kind reqKind

	region     regionRow
	checkpoint checkpointRow
	key, value string
	done       chan struct{}
}

type regionRow struct {
	Path       string
	X, Z       int32
	Format     string
	Chunks     int
	Updated    int
	Bytes      int64
	DurationMS int64
	At         string
	Err        string
}

type checkpointRow struct {
	At         string
	Chunks     int
	Failed     int
	DurationMS int64
	Err        string
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	DropRegionTotal     uint64
	DropCheckpointTotal uint64
}

// RegionState is the latest known flush of one region file.
type RegionState struct {
	Path    string
	X, Z    int32
	Format  string
	Chunks  int
	Bytes   int64
	Writes  int
	LastAt  string
	LastErr string
}

type CheckpointState struct {
	At         string
	Chunks     int
	Failed     int
	DurationMS int64
	Err        string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
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

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
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
		`CREATE TABLE IF NOT EXISTS region_writes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			rx INTEGER NOT NULL,
			rz INTEGER NOT NULL,
			format TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			updated INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			at TEXT NOT NULL,
			err TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_region_writes_pos ON region_writes(rx, rz, id);`,
		`CREATE TABLE IF NOT EXISTS regions (
			path TEXT PRIMARY KEY,
			rx INTEGER NOT NULL,
			rz INTEGER NOT NULL,
			format TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			writes INTEGER NOT NULL,
			last_at TEXT NOT NULL,
			last_err TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			err TEXT
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
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

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *SQLiteIndex) RegionWritten(ev regioncache.WriteEvent) {
	if s == nil || s.closed.Load() {
		return
	}
	r := regionRow{
		Path:       ev.Path,
		X:          ev.Key.X,
		Z:          ev.Key.Z,
		Format:     ev.Format.String(),
		Chunks:     ev.Chunks,
		Updated:    ev.Updated,
		Bytes:      ev.Bytes,
		DurationMS: ev.Duration.Milliseconds(),
		At:         ev.At.UTC().Format(time.RFC3339Nano),
		Err:        errText(ev.Err),
	}
	select {
	case s.ch <- req{kind: reqRegion, region: r}:
	default:
		s.dropRegion.Add(1)
	}
}

func (s *SQLiteIndex) CheckpointSaved(cp level.Checkpoint) {
	if s == nil || s.closed.Load() {
		return
	}
	r := checkpointRow{
		At:         cp.At.UTC().Format(time.RFC3339Nano),
		Chunks:     cp.Chunks,
		Failed:     cp.Failed,
		DurationMS: cp.Duration.Milliseconds(),
		Err:        errText(cp.Err),
	}
	select {
	case s.ch <- req{kind: reqCheckpoint, checkpoint: r}:
	default:
		s.dropCheckpoint.Add(1)
	}
}

// SetMeta stores a key in the meta table. It is queued like any other write.
func (s *SQLiteIndex) SetMeta(key, value string) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqMeta, key: key, value: value}:
	default:
	}
}

// Sync waits until every write queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.closed.Load() {
		return errors.New("index closed")
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropRegionTotal:     s.dropRegion.Load(),
		DropCheckpointTotal: s.dropCheckpoint.Load(),
	}
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	return v, err
}

func (s *SQLiteIndex) Region(ctx context.Context, x, z int32) (RegionState, error) {
	var st RegionState
	var lastErr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT path,rx,rz,format,chunks,bytes,writes,last_at,last_err FROM regions WHERE rx=? AND rz=? ORDER BY last_at DESC LIMIT 1`,
		x, z,
	).Scan(&st.Path, &st.X, &st.Z, &st.Format, &st.Chunks, &st.Bytes, &st.Writes, &st.LastAt, &lastErr)
	st.LastErr = lastErr.String
	return st, err
}

// RegionWriteCount counts flush attempts, failed ones included.
func (s *SQLiteIndex) RegionWriteCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM region_writes`).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) LastCheckpoint(ctx context.Context) (CheckpointState, error) {
	var cp CheckpointState
	var e sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT at,chunks,failed,duration_ms,err FROM checkpoints ORDER BY id DESC LIMIT 1`,
	).Scan(&cp.At, &cp.Chunks, &cp.Failed, &cp.DurationMS, &e)
	cp.Err = e.String
	return cp, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertWrite, _ := s.db.Prepare(`INSERT INTO region_writes(path,rx,rz,format,chunks,updated,bytes,duration_ms,at,err) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	// Failed writes bump the counter and error but keep the last good size.
	upsertRegion, _ := s.db.Prepare(`INSERT INTO regions(path,rx,rz,format,chunks,bytes,writes,last_at,last_err) VALUES(?,?,?,?,?,?,1,?,?)
		ON CONFLICT(path) DO UPDATE SET
			chunks=CASE WHEN excluded.last_err IS NULL THEN excluded.chunks ELSE regions.chunks END,
			bytes=CASE WHEN excluded.last_err IS NULL THEN excluded.bytes ELSE regions.bytes END,
			writes=regions.writes+1,
			last_at=excluded.last_at,
			last_err=excluded.last_err`)
	insertCheckpoint, _ := s.db.Prepare(`INSERT INTO checkpoints(at,chunks,failed,duration_ms,err) VALUES(?,?,?,?,?)`)
	upsertMeta, _ := s.db.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertWrite, upsertRegion, insertCheckpoint, upsertMeta} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
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
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRegion:
			rw := r.region
			if !exec(insertWrite, rw.Path, rw.X, rw.Z, rw.Format, rw.Chunks, rw.Updated, rw.Bytes, rw.DurationMS, rw.At, nullable(rw.Err)) {
				continue
			}
			if !exec(upsertRegion, rw.Path, rw.X, rw.Z, rw.Format, rw.Chunks, rw.Bytes, rw.At, nullable(rw.Err)) {
				continue
			}
		case reqCheckpoint:
			cp := r.checkpoint
			if !exec(insertCheckpoint, cp.At, cp.Chunks, cp.Failed, cp.DurationMS, nullable(cp.Err)) {
				continue
			}
		case reqMeta:
			if !exec(upsertMeta, r.key, r.value) {
				continue
			}
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}

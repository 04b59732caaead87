package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"voxelkeep.ai/internal/world/level"
	"voxelkeep.ai/internal/world/region"
	"voxelkeep.ai/internal/world/regioncache"
)

func TestSQLiteIndex_RegionWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "world.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := regioncache.WriteEvent{
		Path:     "/w/region/r.1.-2.linear",
		Key:      region.Key{X: 1, Z: -2},
		Format:   region.FormatLinear,
		Chunks:   3,
		Updated:  3,
		Bytes:    4096,
		Duration: 7 * time.Millisecond,
		At:       at,
	}
	idx.RegionWritten(ev)
	ev.Chunks, ev.Bytes, ev.Err, ev.At = 9, 1, errors.New("disk full"), at.Add(time.Second)
	idx.RegionWritten(ev)

	ctx := context.Background()
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	st, err := idx.Region(ctx, 1, -2)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if st.Writes != 2 || st.Chunks != 3 || st.Bytes != 4096 || st.LastErr != "disk full" {
		t.Fatalf("region state mismatch: %+v", st)
	}
	n, err := idx.RegionWriteCount(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RegionWriteCount=%d err=%v want 2", n, err)
	}
}

func TestSQLiteIndex_CheckpointAndMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.SetMeta("world_seed", "42")
	idx.CheckpointSaved(level.Checkpoint{Chunks: 10, Failed: 1, Duration: 3 * time.Millisecond, At: time.Now()})
	idx.CheckpointSaved(level.Checkpoint{Chunks: 12, At: time.Now()})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Writes after close are ignored.
	idx.CheckpointSaved(level.Checkpoint{Chunks: 99})

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var chunks, failed, count int
	if err := db.QueryRow(`SELECT chunks,failed FROM checkpoints ORDER BY id DESC LIMIT 1`).Scan(&chunks, &failed); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if chunks != 12 || failed != 0 {
		t.Fatalf("last checkpoint chunks=%d failed=%d", chunks, failed)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&count); err != nil || count != 2 {
		t.Fatalf("checkpoint count=%d err=%v", count, err)
	}
	var seed string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='world_seed'`).Scan(&seed); err != nil || seed != "42" {
		t.Fatalf("meta seed=%q err=%v", seed, err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqMeta}

	s.RegionWritten(regioncache.WriteEvent{Path: "x"})
	s.CheckpointSaved(level.Checkpoint{})

	st := s.Stats()
	if st.DropRegionTotal != 1 || st.DropCheckpointTotal != 1 {
		t.Fatalf("drop stats mismatch: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

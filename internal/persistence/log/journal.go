package log

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"voxelkeep.ai/internal/world/level"
	"voxelkeep.ai/internal/world/regioncache"
)

const (
	KindRegionWrite = "region_write"
	KindCheckpoint  = "checkpoint"
)

// Entry is one journal line. Region fields are empty on checkpoints.
type Entry struct {
	Kind  string `json:"kind"`
	RunID string `json:"run_id"`
	At    string `json:"at"`

	Path    string `json:"path,omitempty"`
	RX      int32  `json:"rx,omitempty"`
	RZ      int32  `json:"rz,omitempty"`
	Format  string `json:"format,omitempty"`
	Updated int    `json:"updated,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`

	Chunks     int    `json:"chunks"`
	Failed     int    `json:"failed,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Err        string `json:"err,omitempty"`
}

// Journal keeps an append-only record of flushes under <dir>/writes-*.jsonl.zst.
// Every process run gets its own id so entries from restarts can be told apart.
type Journal struct {
	w     *JSONLZstdWriter
	runID string
	// OnError sees write failures; the journal never blocks saving.
	OnError func(error)
}

func NewJournal(dir string) *Journal {
	return &Journal{
		w:     NewJSONLZstdWriter(dir, "writes"),
		runID: uuid.NewString(),
	}
}

func (j *Journal) RunID() string { return j.runID }

func (j *Journal) write(e Entry) {
	e.RunID = j.runID
	if err := j.w.Write(e); err != nil && j.OnError != nil {
		j.OnError(err)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (j *Journal) RegionWritten(ev regioncache.WriteEvent) {
	j.write(Entry{
		Kind:       KindRegionWrite,
		At:         stamp(ev.At),
		Path:       filepath.Base(ev.Path),
		RX:         ev.Key.X,
		RZ:         ev.Key.Z,
		Format:     ev.Format.String(),
		Updated:    ev.Updated,
		Bytes:      ev.Bytes,
		Chunks:     ev.Chunks,
		DurationMS: ev.Duration.Milliseconds(),
		Err:        errString(ev.Err),
	})
}

func (j *Journal) CheckpointSaved(cp level.Checkpoint) {
	j.write(Entry{
		Kind:       KindCheckpoint,
		At:         stamp(cp.At),
		Chunks:     cp.Chunks,
		Failed:     cp.Failed,
		DurationMS: cp.Duration.Milliseconds(),
		Err:        errString(cp.Err),
	})
}

func (j *Journal) Close() error { return j.w.Close() }

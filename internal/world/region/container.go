package region

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"voxelkeep.ai/internal/world/chunk"
)

// Container is the in-memory form of one region file. The set of
// implementations is closed: Linear and Anvil.
//
// Containers are not safe for concurrent use; the serializer cache guards
// each one with its own RW lock.
type Container interface {
	Format() Format

	// ChunkData returns the uncompressed chunk payload stored in slot, or
	// nil with a nil error when the slot is empty.
	ChunkData(slot int) ([]byte, error)
	SetChunkData(slot int, data []byte, timestamp uint32) error

	// SlotInfo reports the stored size and timestamp of slot.
	SlotInfo(slot int) (size int, timestamp uint32, ok bool)
	Occupied() int

	// ShouldWrite decides whether a flush must hit disk now. Regions that
	// still have watched chunks are kept in memory and written later.
	ShouldWrite(watched bool) bool

	Encode(f io.ReadWriteSeeker) error

	sealed()
}

// Options selects the container format and its compression parameters.
type Options struct {
	Format      Format
	Compression Compression // anvil only
	Level       int
}

func (o Options) withDefaults() Options {
	if o.Format == 0 {
		o.Format = FormatLinear
	}
	if o.Format == FormatAnvil && o.Compression == 0 {
		o.Compression = CompressionZlib
	}
	if o.Format == FormatLinear && o.Level <= 0 {
		o.Level = DefaultLinearLevel
	}
	return o
}

// New returns an empty container.
func (o Options) New() Container {
	o = o.withDefaults()
	if o.Format == FormatAnvil {
		return NewAnvil(o.Compression, o.Level)
	}
	return NewLinear(o.Level)
}

// Read decodes a whole region file.
func (o Options) Read(data []byte) (Container, error) {
	o = o.withDefaults()
	if o.Format == FormatAnvil {
		return ReadAnvil(data, o.Compression, o.Level)
	}
	return ReadLinear(data, o.Level)
}

// RegionKey is the file name holding p.
func (o Options) RegionKey(p chunk.Pos) string {
	return o.withDefaults().Format.FileName(KeyOf(p))
}

// ReadFile loads path. A missing file yields ErrNotExist.
func ReadFile(path string, o Options) (Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("read region %s: %w", path, err)
	}
	c, err := o.Read(data)
	if err != nil {
		return nil, fmt.Errorf("read region %s: %w", path, err)
	}
	return c, nil
}

// WriteFile encodes c into path+".tmp" and renames it over path, so a crash
// never leaves path half written. It returns the size of the new file.
func WriteFile(path string, c Container) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, &WriteError{Path: path, Err: err}
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return 0, &WriteError{Path: path, Err: err}
	}
	fail := func(err error) (int64, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, &WriteError{Path: path, Err: err}
	}
	if err := c.Encode(f); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	st, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, &WriteError{Path: path, Err: err}
	}
	return st.Size(), nil
}

// UpdateChunk encodes ch into its slot. Callers hold ch's lock and the
// container's write lock.
func UpdateChunk(c Container, ch *chunk.Chunk) error {
	data, err := chunk.Encode(ch)
	if err != nil {
		return err
	}
	return c.SetChunkData(Slot(ch.Pos), data, uint32(time.Now().Unix()))
}

type Status uint8

const (
	Loaded Status = iota + 1
	Missing
	Failed
)

func (s Status) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Missing:
		return "missing"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is one answer of GetChunks. Chunk is set for Loaded, Err for Failed.
type Result struct {
	Pos    chunk.Pos
	Status Status
	Chunk  *chunk.Chunk
	Err    error
}

// Send delivers r unless ctx is done first.
func Send(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReadChunks decodes every position from c. All positions must belong to
// c's region. Callers hold c's read lock.
func ReadChunks(c Container, positions []chunk.Pos) []Result {
	out := make([]Result, 0, len(positions))
	for _, pos := range positions {
		r := Result{Pos: pos}
		data, err := c.ChunkData(Slot(pos))
		switch {
		case err != nil:
			r.Status, r.Err = Failed, fmt.Errorf("chunk %s: %w", pos, err)
		case data == nil:
			r.Status = Missing
		default:
			ch, err := chunk.Decode(data, pos)
			if err != nil {
				r.Status, r.Err = Failed, err
			} else {
				r.Status, r.Chunk = Loaded, ch
			}
		}
		out = append(out, r)
	}
	return out
}

// SendAll delivers rs in order and returns false once the consumer is gone.
func SendAll(ctx context.Context, out chan<- Result, rs []Result) bool {
	for _, r := range rs {
		if !Send(ctx, out, r) {
			return false
		}
	}
	return true
}

// GetChunks decodes every position from c into out. It stops early and
// returns false once the consumer is gone.
func GetChunks(ctx context.Context, c Container, positions []chunk.Pos, out chan<- Result) bool {
	return SendAll(ctx, out, ReadChunks(c, positions))
}
